// Package virt is the management connection to libvirtd: it finds the domain
// to introspect and asks for it to be suspended or resumed.
package virt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

// DefaultSocket is libvirtd's read-write socket.
const DefaultSocket = "/var/run/libvirt/libvirt-sock"

// ErrNoDomain is returned when a domain can not be found by name or ID.
var ErrNoDomain = errors.New("domain not found")

// Conn is a connection to libvirtd.
type Conn struct {
	l *libvirt.Libvirt
}

// Connect opens a connection to the libvirtd socket at path for qemu:///system.
func Connect(path string, timeout time.Duration) (*Conn, error) {
	l := libvirt.NewWithDialer(dialers.NewLocal(
		dialers.WithSocket(path),
		dialers.WithLocalTimeout(timeout),
	))

	if err := l.ConnectToURI(libvirt.QEMUSystem); err != nil {
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}

	return &Conn{l: l}, nil
}

// Close disconnects from libvirtd.
func (c *Conn) Close() error {
	return c.l.Disconnect()
}

// Lookup finds a domain by name, or by numeric ID when ident is a number.
func (c *Conn) Lookup(ident string) (*Domain, error) {
	if id, err := strconv.ParseInt(ident, 10, 32); err == nil {
		dom, err := c.l.DomainLookupByID(int32(id))
		if err != nil {
			return nil, fmt.Errorf("%w: id %d: %v", ErrNoDomain, id, err)
		}

		return &Domain{l: c.l, dom: dom}, nil
	}

	dom, err := c.l.DomainLookupByName(ident)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrNoDomain, ident, err)
	}

	return &Domain{l: c.l, dom: dom}, nil
}

// Domain is a handle on one libvirt domain.
type Domain struct {
	l   *libvirt.Libvirt
	dom libvirt.Domain
}

// Name returns the domain name.
func (d *Domain) Name() string { return d.dom.Name }

// ID returns the numeric domain ID; it is only meaningful while the domain runs.
func (d *Domain) ID() uint32 { return uint32(d.dom.ID) }

// UUID returns the domain UUID in its canonical form.
func (d *Domain) UUID() string {
	u := d.dom.UUID

	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

// Suspend asks libvirt to pause every vCPU of the domain. It does not wait
// for the vCPUs to stop.
func (d *Domain) Suspend() error {
	if err := d.l.DomainSuspend(d.dom); err != nil {
		return fmt.Errorf("suspend %s: %w", d.dom.Name, err)
	}

	return nil
}

// Resume asks libvirt to restart the domain's vCPUs.
func (d *Domain) Resume() error {
	if err := d.l.DomainResume(d.dom); err != nil {
		return fmt.Errorf("resume %s: %w", d.dom.Name, err)
	}

	return nil
}

// VCPUs returns the number of vCPUs the running domain has.
func (d *Domain) VCPUs() (int, error) {
	n, err := d.l.DomainGetVcpusFlags(d.dom, uint32(libvirt.DomainVCPULive))
	if err != nil {
		return 0, fmt.Errorf("vcpus %s: %w", d.dom.Name, err)
	}

	return int(n), nil
}

// State returns the libvirt run state of the domain, e.g. "running".
func (d *Domain) State() (string, error) {
	state, _, err := d.l.DomainGetState(d.dom, 0)
	if err != nil {
		return "", fmt.Errorf("state %s: %w", d.dom.Name, err)
	}

	return StateName(libvirt.DomainState(state)), nil
}

// StateName returns a short lower-case name for a libvirt domain state.
func StateName(s libvirt.DomainState) string {
	switch s {
	case libvirt.DomainNostate:
		return "nostate"
	case libvirt.DomainRunning:
		return "running"
	case libvirt.DomainBlocked:
		return "blocked"
	case libvirt.DomainPaused:
		return "paused"
	case libvirt.DomainShutdown:
		return "shutdown"
	case libvirt.DomainShutoff:
		return "shutoff"
	case libvirt.DomainCrashed:
		return "crashed"
	case libvirt.DomainPmsuspended:
		return "pmsuspended"
	}

	return fmt.Sprintf("state(%d)", int32(s))
}
