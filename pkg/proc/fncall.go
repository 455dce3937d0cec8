package proc

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/x86backend/pkg/logflags"
)

// Injected calls
//
// To call a function inside the inferior we write a stub below its stack
// pointer, point the registers into the stub and resume. When the called
// function returns it executes the breakpoint instruction that ends the
// stub; the stop classifier recognizes the resulting trap by its
// program counter (the frame's callAddr), restores the registers saved
// before the call and reports the return value.
//
// Two families of stubs exist:
//
//  - code stubs (Invoke, InvokeWithString) contain instructions that load
//    the arguments and call the function, execution starts at the
//    beginning of the stub. Only one of these can be in flight.
//  - frame stubs (InvokeRuntime, InvokeRuntimeParams) contain no code, they
//    are laid out like the stack of a function that was just called: a
//    return address pointing at a breakpoint instruction followed by the
//    stack arguments. Execution starts directly at the function. These can
//    nest: the runtime may be asked to invoke a method while it is already
//    executing one on our behalf.

const (
	int3Label   = "int3"
	trapLabel   = "trap"
	stringLabel = "string"
	regsLabel   = "regs"
	excLabel    = "exc"
	blobLabel   = "blob"
	paramsLabel = "params"
)

type callKind uint8

const (
	// topLevelCall frames belong to code stubs.
	topLevelCall callKind = iota
	// runtimeInvokeCall frames belong to frame stubs.
	runtimeInvokeCall
)

// callFrame is the state of one injected call that hasn't completed yet.
type callFrame struct {
	kind     callKind
	regs     Registers
	fpregs   FPRegisters
	signal   int
	callAddr uint64
	excAddr  uint64
	callback uint64
	debug    bool
}

// InvokeParam is one parameter of InvokeRuntimeParams, either a literal
// value or the address of an offset inside the blob.
type InvokeParam struct {
	Value      uint64
	BlobOffset int
	InBlob     bool
}

// LiteralParam returns a parameter passing v unchanged.
func LiteralParam(v uint64) InvokeParam {
	return InvokeParam{Value: v}
}

// BlobParam returns a parameter passing the address of byte off of the
// blob.
func BlobParam(off int) InvokeParam {
	return InvokeParam{BlobOffset: off, InBlob: true}
}

func (p InvokeParam) arg() stubArg {
	if p.InBlob {
		return labelArg(blobLabel, uint64(p.BlobOffset))
	}
	return litArg(p.Value)
}

// Invoke calls method(arg1, arg2) in the inferior. 64bit arguments are
// passed as two words on 32bit targets. When the call returns the stop
// classifier reports StopCallback with callback, the primary and the
// secondary return register.
func (t *Target) Invoke(method, arg1, arg2, callback uint64) error {
	if t.topLevelFrame() != nil {
		return ErrRecursiveCall
	}
	b := codeStub(t.arch, method, []stubArg{litArg(arg1), litArg(arg2)})
	return t.inject(b, false, method, nil, &callFrame{kind: topLevelCall, callback: callback})
}

// InvokeWithString calls method(arg, str) where str is passed as a pointer
// to a NUL terminated copy of str placed inside the stub.
func (t *Target) InvokeWithString(method, arg uint64, str string, callback uint64) error {
	if t.topLevelFrame() != nil {
		return ErrRecursiveCall
	}
	b := codeStub(t.arch, method, []stubArg{litArg(arg), labelArg(stringLabel, 0)})
	b.label(stringLabel)
	b.raw(append([]byte(str), 0)...)
	return t.inject(b, false, method, nil, &callFrame{kind: topLevelCall, callback: callback})
}

// InvokeRuntime calls method(regs, arg) where regs points to a copy of the
// register file at the moment of the call. Both parameters are 64bit, on
// 32bit targets each takes two stack words. Execution starts directly at
// method. Runtime invokes can nest.
func (t *Target) InvokeRuntime(method, arg, callback uint64) error {
	cur := t.regs.Current()
	b, regArgs := frameStub(t.arch, []stubArg{wideArg(labelArg(regsLabel, 0)), wideArg(litArg(arg))})
	b.label(regsLabel)
	for _, slot := range t.arch.dumpRegs {
		b.word(cur[slot])
	}
	b.label(int3Label)
	b.trap()
	b.label(trapLabel)
	return t.inject(b, true, method, regArgs, &callFrame{kind: runtimeInvokeCall, callback: callback})
}

// InvokeRuntimeParams calls invokeMethod(arg, params[0], &params[1], &exc)
// after copying blob inside the stub. Parameters referring to the blob are
// replaced by their address. When the call returns the word stored in exc
// is reported as the secondary result. If debug is set the call completes
// with StopCallbackCompleted and a zero result.
func (t *Target) InvokeRuntimeParams(invokeMethod, arg uint64, params []InvokeParam, blob []byte, callback uint64, debug bool) error {
	for _, p := range params {
		if p.InBlob && (p.BlobOffset < 0 || p.BlobOffset > len(blob)) {
			return &CommandError{Code: UnknownError, Err: fmt.Errorf("blob offset %d out of range (blob size %d)", p.BlobOffset, len(blob))}
		}
	}
	first := litArg(0)
	if len(params) > 0 {
		first = params[0].arg()
	}
	b, regArgs := frameStub(t.arch, []stubArg{litArg(arg), first, labelArg(paramsLabel, 0), labelArg(excLabel, 0)})
	b.label(excLabel)
	b.word(0)
	b.label(int3Label)
	b.trap()
	b.label(trapLabel)
	b.label(blobLabel)
	b.raw(blob...)
	b.align(t.arch.ptrSize)
	b.label(paramsLabel)
	if len(params) > 1 {
		for _, p := range params[1:] {
			a := p.arg()
			if a.label != "" {
				b.addrWord(a.label, a.addend)
			} else {
				b.word(a.value)
			}
		}
	}
	return t.inject(b, true, invokeMethod, regArgs, &callFrame{kind: runtimeInvokeCall, callback: callback, debug: debug})
}

// codeStub assembles a stub that passes args to method with a call
// instruction and traps when method returns.
func codeStub(a *Arch, method uint64, args []stubArg) *stubBuilder {
	b := newStubBuilder(a)
	if a.stackArgs() {
		pushed := uint64(0)
		for _, arg := range args {
			if arg.label != "" {
				pushed += 4
			} else {
				pushed += 8
			}
		}
		// the stub base is aligned, keep it that way at the call
		if pad := (a.stackAlign - pushed%a.stackAlign) % a.stackAlign; pad != 0 {
			b.subESP(uint8(pad))
		}
		for i := len(args) - 1; i >= 0; i-- {
			arg := args[i]
			if arg.label != "" {
				b.pushAddr32(arg.label, arg.addend)
				continue
			}
			b.pushImm32(uint32(arg.value >> 32))
			b.pushImm32(uint32(arg.value))
		}
		b.callRel32(method)
	} else {
		for i, arg := range args {
			if arg.label != "" {
				b.movAddr64(a.argRegs[i], arg.label, arg.addend)
			} else {
				b.movImm64(a.argRegs[i], arg.value)
			}
		}
		b.movImm64(RegAX, method)
		b.callReg(RegAX)
	}
	b.label(int3Label)
	b.trap()
	b.label(trapLabel)
	return b
}

// frameStub starts a stub laid out as the stack of a function that was
// just called: the return address (the stub's int3Label) followed by the
// arguments passed on the stack. Arguments passed in registers are
// returned instead.
func frameStub(a *Arch, args []stubArg) (*stubBuilder, map[RegisterSlot]stubArg) {
	b := newStubBuilder(a)
	b.addrWord(int3Label, 0)
	if a.stackArgs() {
		for _, arg := range args {
			if arg.label != "" {
				b.addrWord(arg.label, arg.addend)
			} else {
				b.word(arg.value)
			}
			if arg.wide {
				var hi uint64
				if arg.label == "" {
					hi = arg.value >> 32
				}
				b.word(hi)
			}
		}
		return b, nil
	}
	regArgs := make(map[RegisterSlot]stubArg, len(args))
	for i, arg := range args {
		regArgs[a.argRegs[i]] = arg
	}
	return b, regArgs
}

func alignDown(v, n uint64) uint64 {
	return v &^ (n - 1)
}

// stubBase returns the address a stub of size sz is placed at. Code stubs
// run with the stack pointer at their base, which must be aligned for the
// call instruction. Frame stubs start with a return address so their base
// is aligned like the stack pointer on function entry.
func (a *Arch) stubBase(sp uint64, sz int, frame bool) uint64 {
	top := alignDown(sp-a.redZone-uint64(sz), a.stackAlign)
	if frame {
		top -= uint64(a.ptrSize)
	}
	return a.wordMask(top)
}

// inject writes the stub assembled by b to the inferior's stack, saves the
// registers in frame, points the registers into the stub and resumes the
// inferior. The stub is completely written before any register is changed.
func (t *Target) inject(b *stubBuilder, frameEntry bool, method uint64, regArgs map[RegisterSlot]stubArg, frame *callFrame) error {
	cur := t.regs.Current()
	labels, sz := b.layout()
	base := t.arch.stubBase(cur.SP(), sz, frameEntry)

	code, err := b.emit(base)
	if err != nil {
		return &CommandError{Code: UnknownError, Err: err}
	}
	if err := writeMemory(t.inf, base, code); err != nil {
		return err
	}

	frame.regs = cur
	frame.fpregs = t.regs.FPRegisters()
	frame.callAddr = base + uint64(labels[trapLabel])
	if off, ok := labels[excLabel]; ok {
		frame.excAddr = base + uint64(off)
	}

	regs := cur
	regs[RegSP] = base
	if frameEntry {
		regs[RegIP] = t.arch.wordMask(method)
	} else {
		regs[RegIP] = base
	}
	for slot, arg := range regArgs {
		regs[slot] = arg.resolve(base, labels)
	}
	// Leave the syscall restart logic of the kernel out of this.
	regs[RegOrigAX] = t.arch.wordMask(^uint64(0))
	if err := t.regs.write(&regs); err != nil {
		return err
	}

	frame.signal = t.inf.PendingSignal()
	t.inf.SetPendingSignal(0)
	t.calls = append(t.calls, frame)

	if logflags.FnCall() {
		t.fncallLog.Debugf("injected call to %#x, stub at %#x (%d bytes), trap at %#x, depth %d", method, base, sz, frame.callAddr, len(t.calls))
		if !frameEntry {
			t.fncallLog.Debugf("stub:\n%s", disassembleStub(t.arch, base, code[:labels[trapLabel]]))
		}
	}

	return t.inf.Continue()
}

// disassembleStub renders the instructions of a code stub for logging.
func disassembleStub(a *Arch, base uint64, code []byte) string {
	mode := a.ptrSize * 8
	var buf strings.Builder
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil {
			fmt.Fprintf(&buf, "%#x:\t?? %#x\n", base+uint64(off), code[off])
			off++
			continue
		}
		fmt.Fprintf(&buf, "%#x:\t% x\t%s\n", base+uint64(off), code[off:off+inst.Len], x86asm.GNUSyntax(inst, base+uint64(off), nil))
		off += inst.Len
	}
	return strings.TrimRight(buf.String(), "\n")
}

// topLevelFrame returns the frame of the code stub in flight, if any.
func (t *Target) topLevelFrame() *callFrame {
	for _, frame := range t.calls {
		if frame.kind == topLevelCall {
			return frame
		}
	}
	return nil
}

func (t *Target) innermostFrame() *callFrame {
	if len(t.calls) == 0 {
		return nil
	}
	return t.calls[len(t.calls)-1]
}

// SavedRegisters returns the registers saved by the code stub call in
// flight. The last return value is false if there is none.
func (t *Target) SavedRegisters() (Registers, FPRegisters, bool) {
	frame := t.topLevelFrame()
	if frame == nil {
		return Registers{}, nil, false
	}
	return frame.regs, frame.fpregs.Clone(), true
}

// CallDepth returns the number of injected calls in flight.
func (t *Target) CallDepth() int {
	return len(t.calls)
}

// completeCall restores the state saved in the innermost frames up to and
// including frame and pops them. Failing to restore the registers leaves
// the inferior in an unknown state and is fatal.
func (t *Target) completeCall(frame *callFrame) {
	i := len(t.calls) - 1
	for i >= 0 && t.calls[i] != frame {
		i--
	}
	if i < len(t.calls)-1 {
		t.fncallLog.Warnf("dropping %d abandoned call frames", len(t.calls)-1-i)
	}
	if err := t.regs.restore(&frame.regs, frame.fpregs); err != nil {
		fatalf("%v after returning from a call", err)
		return
	}
	t.inf.SetPendingSignal(frame.signal)
	t.calls = t.calls[:i]
}

// AbortInnermostInvoke discards the innermost injected call without
// letting it complete, restoring the registers saved when it was injected.
func (t *Target) AbortInnermostInvoke() error {
	frame := t.innermostFrame()
	if frame == nil {
		return &CommandError{Code: UnknownError, Err: ErrNoActiveInvoke}
	}
	t.completeCall(frame)
	if logflags.FnCall() {
		t.fncallLog.Debugf("aborted call returning at %#x, depth %d", frame.callAddr, len(t.calls))
	}
	if err := t.regs.Refresh(); err != nil {
		return err
	}
	return nil
}
