package native

import (
	"encoding/binary"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/x86backend/pkg/proc"
)

const (
	ptrSize = 8
	// size of struct user_fpregs_struct
	fpRegsSize = 512
	// offset of debug registers in the user struct, see source/arch/x86/kernel/ptrace.c
	debugRegUserOffset = 848
)

// DefaultArch returns the architecture of processes traced by this build.
func DefaultArch() *proc.Arch {
	return proc.AMD64Arch()
}

func fromPtraceRegs(r *sys.PtraceRegs) proc.Registers {
	var regs proc.Registers
	regs[proc.RegAX] = r.Rax
	regs[proc.RegBX] = r.Rbx
	regs[proc.RegCX] = r.Rcx
	regs[proc.RegDX] = r.Rdx
	regs[proc.RegSI] = r.Rsi
	regs[proc.RegDI] = r.Rdi
	regs[proc.RegBP] = r.Rbp
	regs[proc.RegSP] = r.Rsp
	regs[proc.RegIP] = r.Rip
	regs[proc.RegFlags] = r.Eflags
	regs[proc.RegCS] = r.Cs
	regs[proc.RegSS] = r.Ss
	regs[proc.RegDS] = r.Ds
	regs[proc.RegES] = r.Es
	regs[proc.RegFS] = r.Fs
	regs[proc.RegGS] = r.Gs
	regs[proc.RegOrigAX] = r.Orig_rax
	regs[proc.RegR8] = r.R8
	regs[proc.RegR9] = r.R9
	regs[proc.RegR10] = r.R10
	regs[proc.RegR11] = r.R11
	regs[proc.RegR12] = r.R12
	regs[proc.RegR13] = r.R13
	regs[proc.RegR14] = r.R14
	regs[proc.RegR15] = r.R15
	regs[proc.RegFSBase] = r.Fs_base
	regs[proc.RegGSBase] = r.Gs_base
	return regs
}

// toPtraceRegs stores regs into r. FS_BASE and GS_BASE are left alone,
// they belong to the thread and not to the register snapshot.
func toPtraceRegs(regs *proc.Registers, r *sys.PtraceRegs) {
	r.Rax = regs[proc.RegAX]
	r.Rbx = regs[proc.RegBX]
	r.Rcx = regs[proc.RegCX]
	r.Rdx = regs[proc.RegDX]
	r.Rsi = regs[proc.RegSI]
	r.Rdi = regs[proc.RegDI]
	r.Rbp = regs[proc.RegBP]
	r.Rsp = regs[proc.RegSP]
	r.Rip = regs[proc.RegIP]
	r.Eflags = regs[proc.RegFlags]
	r.Cs = regs[proc.RegCS]
	r.Ss = regs[proc.RegSS]
	r.Ds = regs[proc.RegDS]
	r.Es = regs[proc.RegES]
	r.Fs = regs[proc.RegFS]
	r.Gs = regs[proc.RegGS]
	r.Orig_rax = regs[proc.RegOrigAX]
	r.R8 = regs[proc.RegR8]
	r.R9 = regs[proc.RegR9]
	r.R10 = regs[proc.RegR10]
	r.R11 = regs[proc.RegR11]
	r.R12 = regs[proc.RegR12]
	r.R13 = regs[proc.RegR13]
	r.R14 = regs[proc.RegR14]
	r.R15 = regs[proc.RegR15]
}

func wordFromBytes(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

func wordToBytes(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}
