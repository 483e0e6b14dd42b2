package kvmi

import "fmt"

// EventKind is the kind of an introspection event.
type EventKind uint16

const (
	EventUnhook EventKind = iota
	EventCR
	EventMSR
	EventXSetBV
	EventBreakpoint
	EventHypercall
	EventPF
	EventTrap
	EventDescriptor
	EventCreateVCPU
	EventPauseVCPU
	EventSingleStep

	// NumEventKinds is the number of recognized event kinds.
	NumEventKinds = int(EventSingleStep) + 1
)

var eventKindNames = [NumEventKinds]string{
	"unhook",
	"cr",
	"msr",
	"xsetbv",
	"breakpoint",
	"hypercall",
	"pf",
	"trap",
	"descriptor",
	"create_vcpu",
	"pause_vcpu",
	"singlestep",
}

func (k EventKind) String() string {
	if k.Valid() {
		return eventKindNames[k]
	}

	return fmt.Sprintf("EventKind(%d)", uint16(k))
}

// Valid reports whether k is a recognized event kind.
func (k EventKind) Valid() bool {
	return int(k) < NumEventKinds
}

// Decision is the reply sent back for an event.
type Decision uint8

const (
	// Continue lets the vCPU resume execution.
	Continue Decision = iota
	// RemainPaused sends no reply; the vCPU stays parked.
	RemainPaused
	// EnableSingleStep continues the vCPU with stepping armed.
	EnableSingleStep
	// DisableSingleStep continues the vCPU with stepping disarmed.
	DisableSingleStep
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case RemainPaused:
		return "remain_paused"
	case EnableSingleStep:
		return "enable_singlestep"
	case DisableSingleStep:
		return "disable_singlestep"
	}

	return fmt.Sprintf("Decision(%d)", uint8(d))
}

// Event is one event delivered by the hypervisor for a single vCPU.
//
// Params holds the kind specific parameters; use the accessors below
// to read them.
type Event struct {
	Seq    uint32
	Kind   EventKind
	VCPU   uint16
	Regs   Regs
	Sregs  Sregs
	Params [4]uint64

	// Insn holds the instruction bytes at RIP when the hypervisor sends them.
	Insn []byte
}

func (e *Event) String() string {
	return fmt.Sprintf("%s seq=%d vcpu=%d rip=%#x", e.Kind, e.Seq, e.VCPU, e.Regs.RIP)
}

// CR returns the control register number, old and new value of a CR event.
func (e *Event) CR() (cr, oldVal, newVal uint64) {
	return e.Params[0], e.Params[1], e.Params[2]
}

// MSR returns the register index, old and new value of a MSR event.
func (e *Event) MSR() (msr, oldVal, newVal uint64) {
	return e.Params[0], e.Params[1], e.Params[2]
}

// XSetBV returns the extended control register and its new value.
func (e *Event) XSetBV() (xcr, value uint64) {
	return e.Params[0], e.Params[1]
}

// Breakpoint returns the guest physical address and instruction length.
func (e *Event) Breakpoint() (gpa, insnLen uint64) {
	return e.Params[0], e.Params[1]
}

// PF returns the faulting guest virtual and physical address and the access bits.
func (e *Event) PF() (gva, gpa uint64, access Access) {
	return e.Params[0], e.Params[1], Access(e.Params[2])
}

// Trap returns the vector, error code and CR2 of a trap event.
func (e *Event) Trap() (vector, errCode, cr2 uint64) {
	return e.Params[0], e.Params[1], e.Params[2]
}

// Descriptor returns the descriptor table and whether it was written.
func (e *Event) Descriptor() (table uint64, write bool) {
	return e.Params[0], e.Params[1] != 0
}

// StepFailed reports whether a single-step event signals a failed step.
func (e *Event) StepFailed() bool {
	return e.Params[0] != 0
}

// Access is a page access mask.
type Access uint8

const (
	AccessR Access = 1 << 0
	AccessW Access = 1 << 1
	AccessX Access = 1 << 2
)

func (a Access) String() string {
	b := []byte("---")

	if a&AccessR != 0 {
		b[0] = 'r'
	}

	if a&AccessW != 0 {
		b[1] = 'w'
	}

	if a&AccessX != 0 {
		b[2] = 'x'
	}

	return string(b)
}
