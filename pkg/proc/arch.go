package proc

import (
	"runtime"
	"strings"
)

type archRegister struct {
	name string
	slot RegisterSlot
}

// Arch describes the x86 flavor of the inferior: its word size, its
// register names and the calling convention used by injected calls.
type Arch struct {
	Name             string
	ptrSize          int
	breakInstruction []byte
	regs             []archRegister

	// redZone is the number of bytes below the stack pointer that leaf
	// functions may use without moving the stack pointer.
	redZone uint64
	// stackAlign is the alignment of the stack pointer at call sites.
	stackAlign uint64

	// argRegs are the registers used to pass the first arguments of a
	// call, nil when every argument is passed on the stack.
	argRegs []RegisterSlot
	// retRegs hold the primary and secondary return value.
	retRegs [2]RegisterSlot
	// dumpRegs are the registers stored inline by runtime-invoke stubs.
	dumpRegs []RegisterSlot
}

// I386Arch returns the description of 32bit x86 inferiors. Arguments are
// passed on the stack and 64bit values are split in two words.
func I386Arch() *Arch {
	return &Arch{
		Name:             "386",
		ptrSize:          4,
		breakInstruction: []byte{0xCC},
		regs: []archRegister{
			{"eax", RegAX}, {"ebx", RegBX}, {"ecx", RegCX}, {"edx", RegDX},
			{"esi", RegSI}, {"edi", RegDI}, {"ebp", RegBP}, {"esp", RegSP},
			{"eip", RegIP}, {"eflags", RegFlags},
			{"cs", RegCS}, {"ss", RegSS}, {"ds", RegDS}, {"es", RegES}, {"fs", RegFS}, {"gs", RegGS},
			{"orig_eax", RegOrigAX},
		},
		redZone:    0,
		stackAlign: 16,
		retRegs:    [2]RegisterSlot{RegAX, RegDX},
		dumpRegs:   []RegisterSlot{RegAX, RegBX, RegCX, RegDX, RegBP, RegSP, RegSI, RegDI, RegIP},
	}
}

// AMD64Arch returns the description of 64bit x86 inferiors using the
// System V calling convention.
func AMD64Arch() *Arch {
	return &Arch{
		Name:             "amd64",
		ptrSize:          8,
		breakInstruction: []byte{0xCC},
		regs: []archRegister{
			{"rax", RegAX}, {"rbx", RegBX}, {"rcx", RegCX}, {"rdx", RegDX},
			{"rsi", RegSI}, {"rdi", RegDI}, {"rbp", RegBP}, {"rsp", RegSP},
			{"r8", RegR8}, {"r9", RegR9}, {"r10", RegR10}, {"r11", RegR11},
			{"r12", RegR12}, {"r13", RegR13}, {"r14", RegR14}, {"r15", RegR15},
			{"rip", RegIP}, {"eflags", RegFlags},
			{"cs", RegCS}, {"ss", RegSS}, {"ds", RegDS}, {"es", RegES}, {"fs", RegFS}, {"gs", RegGS},
			{"orig_rax", RegOrigAX}, {"fs_base", RegFSBase}, {"gs_base", RegGSBase},
		},
		redZone:    128,
		stackAlign: 16,
		argRegs:    []RegisterSlot{RegDI, RegSI, RegDX, RegCX},
		retRegs:    [2]RegisterSlot{RegAX, RegDX},
		dumpRegs: []RegisterSlot{
			RegAX, RegBX, RegCX, RegDX, RegBP, RegSP, RegSI, RegDI, RegIP,
			RegR8, RegR9, RegR10, RegR11, RegR12, RegR13, RegR14, RegR15,
		},
	}
}

// ArchByName returns the architecture called name ("386" or "amd64"). The
// empty string selects the architecture the debugger was built for.
func ArchByName(name string) (*Arch, bool) {
	if name == "" {
		name = runtime.GOARCH
	}
	switch strings.ToLower(name) {
	case "386", "i386", "x86":
		return I386Arch(), true
	case "amd64", "x86_64", "x86-64":
		return AMD64Arch(), true
	}
	return nil, false
}

// PtrSize returns the size of a pointer
// on this architecture.
func (a *Arch) PtrSize() int {
	return a.ptrSize
}

// BreakpointInstruction returns the Breakpoint
// instruction for this architecture.
func (a *Arch) BreakpointInstruction() []byte {
	return a.breakInstruction
}

// BreakpointSize returns the size of the
// breakpoint instruction on this architecture.
func (a *Arch) BreakpointSize() int {
	return len(a.breakInstruction)
}

// SetRedZone overrides the size of the area below the stack pointer that
// injected stubs leave untouched.
func (a *Arch) SetRedZone(n uint64) {
	a.redZone = n
}

// RegisterNames returns the names of the registers exposed for this
// architecture.
func (a *Arch) RegisterNames() []string {
	r := make([]string, len(a.regs))
	for i := range a.regs {
		r[i] = a.regs[i].name
	}
	return r
}

// RegisterSlot returns the slot of the register called name.
func (a *Arch) RegisterSlot(name string) (RegisterSlot, bool) {
	name = strings.ToLower(name)
	for _, r := range a.regs {
		if r.name == name {
			return r.slot, true
		}
	}
	return 0, false
}

// RegisterName returns the name of slot on this architecture.
func (a *Arch) RegisterName(slot RegisterSlot) string {
	for _, r := range a.regs {
		if r.slot == slot {
			return r.name
		}
	}
	return ""
}

// wordMask truncates v to the size of a machine word.
func (a *Arch) wordMask(v uint64) uint64 {
	if a.ptrSize == 4 {
		return v & 0xffffffff
	}
	return v
}

// stackArgs returns true if call arguments are passed on the stack.
func (a *Arch) stackArgs() bool {
	return len(a.argRegs) == 0
}

// TargetInfo describes the data model of the inferior.
type TargetInfo struct {
	IntSize     int
	LongSize    int
	AddressSize int
	BigEndian   bool
}

// TargetInfo returns the sizes of int, long and pointers on this
// architecture.
func (a *Arch) TargetInfo() TargetInfo {
	return TargetInfo{
		IntSize:     4,
		LongSize:    a.ptrSize,
		AddressSize: a.ptrSize,
		BigEndian:   false,
	}
}
