package native

import (
	"encoding/binary"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/x86backend/pkg/proc"
)

const (
	ptrSize = 4
	// size of struct user_i387_struct
	fpRegsSize = 108
	// offsetof(struct user, u_debugreg) on i386
	debugRegUserOffset = 252
)

// DefaultArch returns the architecture of processes traced by this build.
func DefaultArch() *proc.Arch {
	return proc.I386Arch()
}

func fromPtraceRegs(r *sys.PtraceRegs) proc.Registers {
	var regs proc.Registers
	regs[proc.RegAX] = uint64(uint32(r.Eax))
	regs[proc.RegBX] = uint64(uint32(r.Ebx))
	regs[proc.RegCX] = uint64(uint32(r.Ecx))
	regs[proc.RegDX] = uint64(uint32(r.Edx))
	regs[proc.RegSI] = uint64(uint32(r.Esi))
	regs[proc.RegDI] = uint64(uint32(r.Edi))
	regs[proc.RegBP] = uint64(uint32(r.Ebp))
	regs[proc.RegSP] = uint64(uint32(r.Esp))
	regs[proc.RegIP] = uint64(uint32(r.Eip))
	regs[proc.RegFlags] = uint64(uint32(r.Eflags))
	regs[proc.RegCS] = uint64(uint32(r.Xcs))
	regs[proc.RegSS] = uint64(uint32(r.Xss))
	regs[proc.RegDS] = uint64(uint32(r.Xds))
	regs[proc.RegES] = uint64(uint32(r.Xes))
	regs[proc.RegFS] = uint64(uint32(r.Xfs))
	regs[proc.RegGS] = uint64(uint32(r.Xgs))
	regs[proc.RegOrigAX] = uint64(uint32(r.Orig_eax))
	return regs
}

func toPtraceRegs(regs *proc.Registers, r *sys.PtraceRegs) {
	r.Eax = int32(regs[proc.RegAX])
	r.Ebx = int32(regs[proc.RegBX])
	r.Ecx = int32(regs[proc.RegCX])
	r.Edx = int32(regs[proc.RegDX])
	r.Esi = int32(regs[proc.RegSI])
	r.Edi = int32(regs[proc.RegDI])
	r.Ebp = int32(regs[proc.RegBP])
	r.Esp = int32(regs[proc.RegSP])
	r.Eip = int32(regs[proc.RegIP])
	r.Eflags = int32(regs[proc.RegFlags])
	r.Xcs = int32(regs[proc.RegCS])
	r.Xss = int32(regs[proc.RegSS])
	r.Xds = int32(regs[proc.RegDS])
	r.Xes = int32(regs[proc.RegES])
	r.Xfs = int32(regs[proc.RegFS])
	r.Xgs = int32(regs[proc.RegGS])
	r.Orig_eax = int32(regs[proc.RegOrigAX])
}

func wordFromBytes(buf []byte) uint64 {
	return uint64(binary.LittleEndian.Uint32(buf))
}

func wordToBytes(v uint64) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(v))
}
