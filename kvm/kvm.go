// Package kvm asks the host's /dev/kvm what it supports. Pausing and
// stepping a guest through introspection relies on guest debug support in
// the host kernel.
package kvm

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Device is the KVM device node.
const Device = "/dev/kvm"

const (
	kvmGetAPIVersion  = 0xae00
	kvmCheckExtension = 0xae03

	// APIVersion is the only KVM API version there has ever been.
	APIVersion = 12
)

// ErrAPIVersion is returned for a host with an unexpected KVM API version.
var ErrAPIVersion = errors.New("unsupported KVM API version")

// Capability is a KVM_CAP_* extension number.
type Capability uintptr

const (
	CapUserNMI             Capability = 22
	CapSetGuestDebug       Capability = 23
	CapVCPUEvents          Capability = 41
	CapDebugRegs           Capability = 50
	CapX86RobustSinglestep Capability = 51
	CapMaxVCPUs            Capability = 66
)

var capNames = map[Capability]string{
	CapUserNMI:             "CapUserNMI",
	CapSetGuestDebug:       "CapSetGuestDebug",
	CapVCPUEvents:          "CapVCPUEvents",
	CapDebugRegs:           "CapDebugRegs",
	CapX86RobustSinglestep: "CapX86RobustSinglestep",
	CapMaxVCPUs:            "CapMaxVCPUs",
}

func (c Capability) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uintptr(c))
}

// Introspection lists the capabilities pausing and single-stepping use.
var Introspection = []Capability{
	CapSetGuestDebug,
	CapX86RobustSinglestep,
	CapDebugRegs,
	CapVCPUEvents,
	CapUserNMI,
	CapMaxVCPUs,
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// CheckExtension returns the value KVM reports for c; zero means the
// capability is missing.
func CheckExtension(kvmFd uintptr, c Capability) (uintptr, error) {
	return ioctl(kvmFd, kvmCheckExtension, uintptr(c))
}

func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmGetAPIVersion, 0)
}

// Cap is one capability check result.
type Cap struct {
	Cap   Capability
	Value uintptr
}

// Probe opens dev and checks caps on it.
func Probe(dev string, caps []Capability) ([]Cap, error) {
	f, err := os.Open(dev)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fd := f.Fd()

	v, err := GetAPIVersion(fd)
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}

	if v != APIVersion {
		return nil, fmt.Errorf("%w: %d", ErrAPIVersion, v)
	}

	res := make([]Cap, 0, len(caps))

	for _, c := range caps {
		val, err := CheckExtension(fd, c)
		if err != nil {
			return nil, fmt.Errorf("KVM_CHECK_EXTENSION %v: %w", c, err)
		}

		res = append(res, Cap{Cap: c, Value: val})
	}

	return res, nil
}
