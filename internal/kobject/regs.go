package kobject

// ARM64Regs lists the AArch64 TCBWriteRegisters fields in the exact order
// the kernel expects them on the wire (spec §4.D).
type ARM64Regs struct {
	PC, SP, SPSR                           uint64
	X0, X1, X2, X3, X4, X5, X6, X7, X8      uint64
	X16, X17, X18                          uint64
	X29, X30                               uint64
	X9, X10, X11, X12, X13, X14, X15       uint64
	X19, X20, X21, X22, X23, X24, X25, X26, X27, X28 uint64
	TPIDR_EL0, TPIDRRO_EL0                 uint64
}

// Words flattens r into the declared wire order, trimming trailing zero
// registers is NOT performed here — the caller (TCBWriteRegisters.Regs)
// decides how many leading words to send; unset fields are simply zero.
func (r ARM64Regs) Words() []uint64 {
	return []uint64{
		r.PC, r.SP, r.SPSR,
		r.X0, r.X1, r.X2, r.X3, r.X4, r.X5, r.X6, r.X7, r.X8,
		r.X16, r.X17, r.X18,
		r.X29, r.X30,
		r.X9, r.X10, r.X11, r.X12, r.X13, r.X14, r.X15,
		r.X19, r.X20, r.X21, r.X22, r.X23, r.X24, r.X25, r.X26, r.X27, r.X28,
		r.TPIDR_EL0, r.TPIDRRO_EL0,
	}
}

// RISCV64Regs lists the RISC-V 64-bit TCBWriteRegisters fields in the exact
// order the kernel expects them (spec §4.D).
type RISCV64Regs struct {
	PC, RA, SP, GP                                   uint64
	S0, S1, S2, S3, S4, S5, S6, S7, S8, S9, S10, S11 uint64
	A0, A1, A2, A3, A4, A5, A6, A7                   uint64
	T0, T1, T2, T3, T4, T5, T6                       uint64
	TP                                                uint64
}

func (r RISCV64Regs) Words() []uint64 {
	return []uint64{
		r.PC, r.RA, r.SP, r.GP,
		r.S0, r.S1, r.S2, r.S3, r.S4, r.S5, r.S6, r.S7, r.S8, r.S9, r.S10, r.S11,
		r.A0, r.A1, r.A2, r.A3, r.A4, r.A5, r.A6, r.A7,
		r.T0, r.T1, r.T2, r.T3, r.T4, r.T5, r.T6,
		r.TP,
	}
}

// X86_64Regs is this implementation's own completion for an architecture
// spec.md names (§3 KernelConfig.arch) but whose TCBWriteRegisters order the
// source material never specifies (only ARM and RISC-V orders are given in
// spec §4.D). The order below follows the seL4 x86_64 seL4_UserContext
// layout convention: instruction pointer, stack pointer and flags first,
// then RAX..RDI, R8..R15 and RBP, then the FS/GS segment bases.
type X86_64Regs struct {
	RIP, RSP, RFLAGS                         uint64
	RAX, RBX, RCX, RDX, RSI, RDI             uint64
	R8, R9, R10, R11, R12, R13, R14, R15     uint64
	RBP                                       uint64
	FSBase, GSBase                            uint64
}

func (r X86_64Regs) Words() []uint64 {
	return []uint64{
		r.RIP, r.RSP, r.RFLAGS,
		r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI,
		r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15,
		r.RBP,
		r.FSBase, r.GSBase,
	}
}
