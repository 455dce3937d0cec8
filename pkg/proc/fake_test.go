package proc

import (
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

var errFake = errors.New("fake inferior failure")

// Linux x86 signal numbers of signals the classifier doesn't name.
const (
	sigSEGV Signal = 11
	sigALRM Signal = 14
	sigCHLD Signal = 17
)

// fakeInferior is a stopped inferior backed by a sparse memory map. Reads
// of bytes that were never written fail. Memory and debug registers can
// be accessed from several goroutines.
type fakeInferior struct {
	mu      sync.Mutex
	mem     map[uint64]byte
	regs    Registers
	fpregs  FPRegisters
	dr      [8]uint64
	pending int
	notify  uint64

	continues  int
	onContinue func(f *fakeInferior)

	readErr, writeErr     error
	regsErr, setRegsErr   error
	setFPErr, continueErr error
}

func newFakeInferior() *fakeInferior {
	return &fakeInferior{
		mem:    make(map[uint64]byte),
		fpregs: FPRegisters{1, 2, 3, 4, 5, 6, 7, 8},
	}
}

func (f *fakeInferior) ReadMemory(buf []byte, addr uint64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	for i := range buf {
		b, ok := f.mem[addr+uint64(i)]
		if !ok {
			return i, nil
		}
		buf[i] = b
	}
	return len(buf), nil
}

func (f *fakeInferior) WriteMemory(addr uint64, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	for i, b := range data {
		f.mem[addr+uint64(i)] = b
	}
	return len(data), nil
}

func (f *fakeInferior) Registers() (Registers, error) {
	return f.regs, f.regsErr
}

func (f *fakeInferior) SetRegisters(regs *Registers) error {
	if f.setRegsErr != nil {
		return f.setRegsErr
	}
	f.regs = *regs
	return nil
}

func (f *fakeInferior) FPRegisters() (FPRegisters, error) {
	return f.fpregs.Clone(), nil
}

func (f *fakeInferior) SetFPRegisters(fpregs FPRegisters) error {
	if f.setFPErr != nil {
		return f.setFPErr
	}
	f.fpregs = fpregs.Clone()
	return nil
}

func (f *fakeInferior) DebugRegister(idx int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dr[idx], nil
}

func (f *fakeInferior) SetDebugRegister(idx int, value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.dr[idx] = value
	return nil
}

func (f *fakeInferior) Continue() error {
	if f.continueErr != nil {
		return f.continueErr
	}
	f.continues++
	if f.onContinue != nil {
		f.onContinue(f)
	}
	return nil
}

func (f *fakeInferior) PendingSignal() int { return f.pending }

func (f *fakeInferior) SetPendingSignal(sig int) { f.pending = sig }

func (f *fakeInferior) NotificationAddress() uint64 { return f.notify }

func (f *fakeInferior) poke(addr uint64, data ...byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range data {
		f.mem[addr+uint64(i)] = b
	}
}

func (f *fakeInferior) peek(t testing.TB, addr uint64, n int) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, n)
	for i := range buf {
		b, ok := f.mem[addr+uint64(i)]
		if !ok {
			t.Fatalf("reading unmapped address %#x", addr+uint64(i))
		}
		buf[i] = b
	}
	return buf
}

func (f *fakeInferior) peekWord(t testing.TB, arch *Arch, addr uint64) uint64 {
	t.Helper()
	return arch.word(f.peek(t, addr, arch.ptrSize))
}

const (
	testPC386   = 0x08048420
	testSP386   = 0xbffff3c8
	testPCAMD64 = 0x00401020
	testSPAMD64 = 0x7ffffffde3c8
)

// newTestTarget returns a target stopped at a plausible location with
// distinct values in every general purpose register.
func newTestTarget(t testing.TB, arch *Arch) (*Target, *fakeInferior) {
	t.Helper()
	f := newFakeInferior()
	for i := range f.regs {
		f.regs[i] = arch.wordMask(0x1000 + uint64(i)*0x11)
	}
	if arch.ptrSize == 4 {
		f.regs[RegIP], f.regs[RegSP] = testPC386, testSP386
		for slot := RegR8; slot <= RegGSBase; slot++ {
			f.regs[slot] = 0
		}
	} else {
		f.regs[RegIP], f.regs[RegSP] = testPCAMD64, testSPAMD64
	}
	f.poke(f.regs[RegIP]-1, 0x90, 0x55, 0x89, 0xe5)
	tgt, err := NewTarget(f, arch, NewBreakpointManager(f, arch))
	assertNoError(err, t, "NewTarget")
	return tgt, f
}

func assertNoError(err error, t testing.TB, s string) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

func assertCode(err error, code ErrorCode, t testing.TB, s string) {
	if CodeOf(err) != code || err == nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - expected %v got %v\n", fname, line, s, code, err)
	}
}

// decodeAll disassembles a code stub.
func decodeAll(t testing.TB, code []byte, mode int) []x86asm.Inst {
	t.Helper()
	var r []x86asm.Inst
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil {
			t.Fatalf("could not decode stub at offset %d: %v", off, err)
		}
		r = append(r, inst)
		off += inst.Len
	}
	return r
}

// withPanickingFatalf makes fatal errors panic for the duration of the
// test.
func withPanickingFatalf(t *testing.T) {
	old := fatalf
	fatalf = func(format string, args ...interface{}) {
		panic("fatal")
	}
	t.Cleanup(func() { fatalf = old })
}

func expectFatal(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		if r := recover(); r != "fatal" {
			t.Fatalf("expected fatal error, got %v", r)
		}
	}()
	f()
}
