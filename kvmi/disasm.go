package kvmi

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

var (
	// ErrNoInsn indicates the event carries no instruction bytes.
	ErrNoInsn = errors.New("no instruction bytes")
	// ErrBadRegister indicates a register the event does not carry.
	ErrBadRegister = errors.New("bad register")
	// ErrNotMem indicates an operand that is not a memory reference.
	ErrNotMem = errors.New("operand is not a memory reference")
)

// Inst decodes the instruction bytes at RIP sent with the event.
func (e *Event) Inst() (*x86asm.Inst, error) {
	if len(e.Insn) == 0 {
		return nil, ErrNoInsn
	}

	mode := 32
	if e.Sregs.LongMode() {
		mode = 64
	}

	d, err := x86asm.Decode(e.Insn, mode)
	if err != nil {
		return nil, fmt.Errorf("decoding %#02x:%w", e.Insn, err)
	}

	return &d, nil
}

// Asm returns the instruction at RIP in GNU syntax, or "?" when it can not
// be decoded.
func (e *Event) Asm() string {
	d, err := e.Inst()
	if err != nil {
		return "?"
	}

	return x86asm.GNUSyntax(*d, e.Regs.RIP, nil)
}

// Reg returns a pointer to the 64-bit register that holds reg. Sub-registers
// such as EAX or AL map onto their full register.
func (r *Regs) Reg(reg x86asm.Reg) (*uint64, error) {
	switch {
	case reg >= x86asm.RAX && reg <= x86asm.R15:
		return r.gpr(int(reg - x86asm.RAX)), nil
	case reg >= x86asm.EAX && reg <= x86asm.R15L:
		return r.gpr(int(reg - x86asm.EAX)), nil
	case reg >= x86asm.AX && reg <= x86asm.R15W:
		return r.gpr(int(reg - x86asm.AX)), nil
	case reg == x86asm.RIP || reg == x86asm.EIP || reg == x86asm.IP:
		return &r.RIP, nil
	}

	return nil, fmt.Errorf("%v:%w", reg, ErrBadRegister)
}

// gpr returns the general purpose register numbered as in x86asm:
// AX CX DX BX SP BP SI DI R8..R15.
func (r *Regs) gpr(n int) *uint64 {
	return [...]*uint64{
		&r.RAX, &r.RCX, &r.RDX, &r.RBX, &r.RSP, &r.RBP, &r.RSI, &r.RDI,
		&r.R8, &r.R9, &r.R10, &r.R11, &r.R12, &r.R13, &r.R14, &r.R15,
	}[n]
}

// Pointer returns the address referenced by memory operand arg of inst,
// computed from the event's registers. Segment bases are ignored.
func (e *Event) Pointer(inst *x86asm.Inst, arg int) (uint64, error) {
	// A Mem is Segment:[Base+Scale*Index+Disp].
	mem, ok := inst.Args[arg].(x86asm.Mem)
	if !ok {
		return 0, fmt.Errorf("arg %d %v:%w", arg, inst.Args[arg], ErrNotMem)
	}

	var addr uint64

	if mem.Base != 0 {
		b, err := e.Regs.Reg(mem.Base)
		if err != nil {
			return 0, fmt.Errorf("base reg %v in %v:%w", mem.Base, mem, err)
		}

		addr = *b
		if mem.Base == x86asm.RIP {
			addr += uint64(inst.Len)
		}
	}

	addr += uint64(mem.Disp)

	if x, err := e.Regs.Reg(mem.Index); err == nil {
		addr += uint64(mem.Scale) * (*x)
	}

	return addr, nil
}
