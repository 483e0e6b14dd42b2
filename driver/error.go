package driver

import (
	"errors"
	"fmt"
)

// ErrorKind classifies driver errors.
type ErrorKind uint8

const (
	// KindConnection is an unreachable management layer. Fatal to attach,
	// recoverable by attaching again.
	KindConnection ErrorKind = iota + 1
	// KindChannel is a broken introspection channel. The driver must be detached.
	KindChannel
	// KindProtocol is an unknown event kind or malformed event. Only the
	// event at hand is dropped.
	KindProtocol
	// KindTimeout is an expired bounded pause.
	KindTimeout
	// KindUsage is a programming error by the caller.
	KindUsage
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindChannel:
		return "channel"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindUsage:
		return "usage"
	}

	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Error is returned by every driver operation that fails.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("kvm driver: %s: %s error", e.Op, e.Kind)
	}

	return fmt.Sprintf("kvm driver: %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels below, so errors.Is(err, ErrTimeout) works
// on any timeout Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrConnection = &Error{Kind: KindConnection}
	ErrChannel    = &Error{Kind: KindChannel}
	ErrProtocol   = &Error{Kind: KindProtocol}
	ErrTimeout    = &Error{Kind: KindTimeout}
	ErrUsage      = &Error{Kind: KindUsage}
)

// Usage errors.
var (
	ErrVCPURange     = errors.New("vcpu out of range")
	ErrBusy          = errors.New("pause or resume in progress")
	ErrAlreadyPaused = errors.New("vm already paused")
	ErrNotPaused     = errors.New("vm is running")
	ErrDetached      = errors.New("driver detached")
)

// ErrDuplicateAck is a second pause acknowledgment from the same vCPU.
var ErrDuplicateAck = errors.New("duplicate pause acknowledgment")

// ErrUnhooked ends the event loop once the hypervisor withdraws introspection.
var ErrUnhooked = errors.New("introspection unhooked by the hypervisor")

func newError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or 0 when err is not a driver error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return 0
}
