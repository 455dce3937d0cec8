package proc

import (
	"errors"
	"sync"
	"testing"

	"github.com/go-delve/x86backend/pkg/proc/x86util"
)

func TestSoftwareBreakpointRefcount(t *testing.T) {
	tgt, f := newTestTarget(t, I386Arch())
	const addr = 0x08048500
	f.poke(addr, 0x55)

	id1, err := tgt.InsertBreakpoint(addr)
	assertNoError(err, t, "InsertBreakpoint")
	id2, err := tgt.InsertBreakpoint(addr)
	assertNoError(err, t, "InsertBreakpoint (again)")
	if id1 != id2 {
		t.Fatalf("second insert returned a new id %d (first %d)", id2, id1)
	}
	if f.mem[addr] != 0xCC {
		t.Fatalf("breakpoint instruction not written: %#x", f.mem[addr])
	}
	bp, ok := tgt.Breakpoints().LookupByID(id1)
	if !ok || bp.Refcount != 2 || bp.OriginalData != 0x55 || !bp.Enabled {
		t.Fatalf("unexpected breakpoint %v (found %v)", &bp, ok)
	}

	assertNoError(tgt.RemoveBreakpoint(id1), t, "RemoveBreakpoint")
	if f.mem[addr] != 0xCC {
		t.Fatal("breakpoint removed while still referenced")
	}
	assertNoError(tgt.RemoveBreakpoint(id1), t, "RemoveBreakpoint (last reference)")
	if f.mem[addr] != 0x55 {
		t.Fatalf("original byte not restored: %#x", f.mem[addr])
	}
	if _, ok := tgt.Breakpoints().Lookup(addr); ok {
		t.Fatal("breakpoint still in the table")
	}
	assertCode(tgt.RemoveBreakpoint(id1), NoSuchBreakpoint, t, "RemoveBreakpoint (removed)")
	if !errors.Is(tgt.RemoveBreakpoint(id1), ErrNoSuchBreakpoint) {
		t.Fatal("errors.Is does not match ErrNoSuchBreakpoint")
	}
}

func TestBreakpointIDsAreNotReused(t *testing.T) {
	tgt, f := newTestTarget(t, AMD64Arch())
	f.poke(0x401100, 0x90, 0x90)
	id1, err := tgt.InsertBreakpoint(0x401100)
	assertNoError(err, t, "InsertBreakpoint")
	assertNoError(tgt.RemoveBreakpoint(id1), t, "RemoveBreakpoint")
	id2, err := tgt.InsertBreakpoint(0x401101)
	assertNoError(err, t, "InsertBreakpoint")
	if id1 == id2 || id2 <= 0 {
		t.Fatalf("bad ids %d %d", id1, id2)
	}
	if ids := tgt.Breakpoints().IDs(); len(ids) != 1 || ids[0] != id2 {
		t.Fatalf("IDs() = %v", ids)
	}
}

func TestSoftwareBreakpointReadFailure(t *testing.T) {
	tgt, _ := newTestTarget(t, I386Arch())
	// never written, reads fail
	_, err := tgt.InsertBreakpoint(0x1234)
	assertCode(err, TargetUnavailable, t, "InsertBreakpoint on unmapped memory")
	if len(tgt.Breakpoints().IDs()) != 0 {
		t.Fatal("failed insert left a breakpoint in the table")
	}
}

func TestEnableDisable(t *testing.T) {
	tgt, f := newTestTarget(t, I386Arch())
	const addr = 0x08048600
	f.poke(addr, 0x83)

	id, err := tgt.InsertBreakpoint(addr)
	assertNoError(err, t, "InsertBreakpoint")
	for i := 0; i < 2; i++ {
		assertNoError(tgt.DisableBreakpoint(id), t, "DisableBreakpoint")
		if f.mem[addr] != 0x83 {
			t.Fatalf("disabled breakpoint still patched: %#x", f.mem[addr])
		}
	}
	for i := 0; i < 2; i++ {
		assertNoError(tgt.EnableBreakpoint(id), t, "EnableBreakpoint")
		if f.mem[addr] != 0xCC {
			t.Fatalf("enabled breakpoint not patched: %#x", f.mem[addr])
		}
	}
	bp, _ := tgt.Breakpoints().LookupByID(id)
	if bp.OriginalData != 0x83 {
		t.Fatalf("original byte lost: %#x", bp.OriginalData)
	}

	assertCode(tgt.EnableBreakpoint(id+100), NoSuchBreakpoint, t, "EnableBreakpoint")
	assertCode(tgt.DisableBreakpoint(id+100), NoSuchBreakpoint, t, "DisableBreakpoint")
}

func TestHardwareBreakpointSlots(t *testing.T) {
	tgt, f := newTestTarget(t, I386Arch())

	var ids []int
	for i := 0; i < x86util.NumSlots; i++ {
		addr := uint64(0x08049000 + i*0x10)
		idx, id, err := tgt.InsertHardwareBreakpoint(WatchExecute, addr)
		assertNoError(err, t, "InsertHardwareBreakpoint")
		if int(idx) != i {
			t.Fatalf("breakpoint %d got slot %d", i, idx)
		}
		if f.dr[idx] != addr {
			t.Fatalf("DR%d = %#x, want %#x", idx, f.dr[idx], addr)
		}
		if f.dr[x86util.DR7]&(1<<(2*idx)) == 0 {
			t.Fatalf("DR7 = %#x, slot %d not enabled", f.dr[x86util.DR7], idx)
		}
		ids = append(ids, id)
	}

	_, _, err := tgt.InsertHardwareBreakpoint(WatchExecute, 0x0804a000)
	assertCode(err, HardwareSlotOccupied, t, "fifth hardware breakpoint")

	// a second reference to an existing hardware breakpoint doesn't need a slot
	idx, id, err := tgt.InsertHardwareBreakpoint(WatchExecute, 0x08049010)
	assertNoError(err, t, "InsertHardwareBreakpoint (existing)")
	if idx != 1 || id != ids[1] {
		t.Fatalf("got slot %d id %d, want slot 1 id %d", idx, id, ids[1])
	}

	assertNoError(tgt.RemoveBreakpoint(ids[2]), t, "RemoveBreakpoint")
	if f.dr[2] != 0 || f.dr[x86util.DR7]&(0x3<<4) != 0 {
		t.Fatalf("slot 2 not cleared: DR2 = %#x DR7 = %#x", f.dr[2], f.dr[x86util.DR7])
	}
	idx, _, err = tgt.InsertHardwareBreakpoint(WatchWrite, 0x0804a000)
	assertNoError(err, t, "InsertHardwareBreakpoint after remove")
	if idx != 2 {
		t.Fatalf("got slot %d, want 2", idx)
	}
	// write watchpoint, RW = 01 and LEN = 4 bytes
	if lenrw := (f.dr[x86util.DR7] >> 24) & 0xf; lenrw != 0xd {
		t.Fatalf("DR7 = %#x, bad LEN/RW for slot 2 %#x", f.dr[x86util.DR7], lenrw)
	}
}

func TestHardwareSoftwareCollision(t *testing.T) {
	tgt, f := newTestTarget(t, AMD64Arch())
	f.poke(0x401200, 0x48)

	_, err := tgt.InsertBreakpoint(0x401200)
	assertNoError(err, t, "InsertBreakpoint")
	_, _, err = tgt.InsertHardwareBreakpoint(WatchExecute, 0x401200)
	assertCode(err, HardwareSlotOccupied, t, "hardware over software")

	_, _, err = tgt.InsertHardwareBreakpoint(WatchReadWrite, 0x601000)
	assertNoError(err, t, "InsertHardwareBreakpoint")
	_, err = tgt.InsertBreakpoint(0x601000)
	assertCode(err, HardwareSlotOccupied, t, "software over hardware")
}

func TestHardwareBreakpointRelocatedOnEnable(t *testing.T) {
	tgt, f := newTestTarget(t, AMD64Arch())

	_, id, err := tgt.InsertHardwareBreakpoint(WatchExecute, 0x401000)
	assertNoError(err, t, "InsertHardwareBreakpoint")
	assertNoError(tgt.DisableBreakpoint(id), t, "DisableBreakpoint")
	idx, _, err := tgt.InsertHardwareBreakpoint(WatchExecute, 0x402000)
	assertNoError(err, t, "InsertHardwareBreakpoint")
	if idx != 0 {
		t.Fatalf("freed slot not reused: %d", idx)
	}
	assertNoError(tgt.EnableBreakpoint(id), t, "EnableBreakpoint")
	bp, _ := tgt.Breakpoints().LookupByID(id)
	if bp.HWBreakIndex != 1 || f.dr[1] != 0x401000 || f.dr[0] != 0x402000 {
		t.Fatalf("bad relocation: slot %d DR0 %#x DR1 %#x", bp.HWBreakIndex, f.dr[0], f.dr[1])
	}
}

func TestHardwareBreakpointWriteFailure(t *testing.T) {
	tgt, f := newTestTarget(t, I386Arch())
	f.writeErr = errFake
	_, _, err := tgt.InsertHardwareBreakpoint(WatchExecute, 0x08048000)
	assertCode(err, TargetUnavailable, t, "InsertHardwareBreakpoint")
	f.writeErr = nil
	idx, _, err := tgt.InsertHardwareBreakpoint(WatchExecute, 0x08048000)
	assertNoError(err, t, "InsertHardwareBreakpoint")
	if idx != 0 {
		t.Fatalf("failed insert leaked slot, got %d", idx)
	}
}

func TestStripBreakpoints(t *testing.T) {
	tgt, f := newTestTarget(t, I386Arch())
	const start = 0x08048700
	f.poke(start, 0x55, 0x89, 0xe5, 0x83, 0xec, 0x08)

	id1, err := tgt.InsertBreakpoint(start + 1)
	assertNoError(err, t, "InsertBreakpoint")
	_, err = tgt.InsertBreakpoint(start + 4)
	assertNoError(err, t, "InsertBreakpoint")
	// outside of the buffer
	f.poke(start+6, 0xc3)
	_, err = tgt.InsertBreakpoint(start + 6)
	assertNoError(err, t, "InsertBreakpoint")

	buf := make([]byte, 6)
	_, err = tgt.ReadMemory(buf, start)
	assertNoError(err, t, "ReadMemory")
	if want := []byte{0x55, 0x89, 0xe5, 0x83, 0xec, 0x08}; string(buf) != string(want) {
		t.Fatalf("ReadMemory = % x, want % x", buf, want)
	}

	// disabled breakpoints are left alone
	assertNoError(tgt.DisableBreakpoint(id1), t, "DisableBreakpoint")
	buf = []byte{0x55, 0xCC, 0xe5, 0x83, 0xCC, 0x08}
	tgt.RemoveBreakpointsFromRange(start, buf)
	if want := []byte{0x55, 0xCC, 0xe5, 0x83, 0xec, 0x08}; string(buf) != string(want) {
		t.Fatalf("RemoveBreakpointsFromRange = % x, want % x", buf, want)
	}
}

func TestResetAfterFork(t *testing.T) {
	tgt, f := newTestTarget(t, I386Arch())
	const swaddr = 0x08048800
	f.poke(swaddr, 0x31)

	swid, err := tgt.InsertBreakpoint(swaddr)
	assertNoError(err, t, "InsertBreakpoint")
	_, hwid, err := tgt.InsertHardwareBreakpoint(WatchWrite, 0x0804c000)
	assertNoError(err, t, "InsertHardwareBreakpoint")

	assertNoError(tgt.Breakpoints().ResetAfterFork(), t, "ResetAfterFork")
	if f.dr[x86util.DR7] != 0 {
		t.Fatalf("DR7 = %#x after fork", f.dr[x86util.DR7])
	}
	if bp, _ := tgt.Breakpoints().LookupByID(hwid); bp.Enabled {
		t.Fatal("hardware breakpoint still enabled")
	}
	if bp, _ := tgt.Breakpoints().LookupByID(swid); !bp.Enabled || f.mem[swaddr] != 0xCC {
		t.Fatal("software breakpoint disturbed")
	}
	assertNoError(tgt.EnableBreakpoint(hwid), t, "EnableBreakpoint")
	if f.dr[0] != 0x0804c000 {
		t.Fatalf("DR0 = %#x", f.dr[0])
	}
}

func TestRemoveAll(t *testing.T) {
	tgt, f := newTestTarget(t, AMD64Arch())
	f.poke(0x401300, 0x41)
	id, err := tgt.InsertBreakpoint(0x401300)
	assertNoError(err, t, "InsertBreakpoint")
	_, err = tgt.InsertBreakpoint(0x401300)
	assertNoError(err, t, "InsertBreakpoint")
	_, _, err = tgt.InsertHardwareBreakpoint(WatchExecute, 0x401400)
	assertNoError(err, t, "InsertHardwareBreakpoint")

	assertNoError(tgt.Breakpoints().RemoveHardwareBreakpoints(), t, "RemoveHardwareBreakpoints")
	if f.dr[0] != 0 || f.dr[x86util.DR7] != 0 {
		t.Fatalf("debug registers not cleared: DR0 %#x DR7 %#x", f.dr[0], f.dr[x86util.DR7])
	}
	assertNoError(tgt.Breakpoints().RemoveAll(), t, "RemoveAll")
	if f.mem[0x401300] != 0x41 {
		t.Fatal("software breakpoint not removed")
	}
	if len(tgt.Breakpoints().IDs()) != 0 {
		t.Fatalf("table not empty: %v", tgt.Breakpoints().IDs())
	}
	assertCode(tgt.RemoveBreakpoint(id), NoSuchBreakpoint, t, "RemoveBreakpoint")
}

// Breakpoints are inserted and removed by several goroutines while the
// stop path classifies traps and reads memory. Run with -race.
func TestBreakpointManagerConcurrentAccess(t *testing.T) {
	tgt, f := newTestTarget(t, I386Arch())
	bpm := tgt.Breakpoints()

	const (
		code    = 0x08049000
		codeLen = 16
		data    = 0x0804c000
		workers = 4
		iters   = 200
	)
	orig := make([]byte, codeLen)
	for i := range orig {
		orig[i] = byte(0x40 + i)
	}
	f.poke(code, orig...)
	// the trap the classifier sees is at one of the contended addresses
	const pc = code + 5 + 1

	done := make(chan struct{})
	var stopPath sync.WaitGroup
	stopPath.Add(2)

	go func() {
		defer stopPath.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			f.regs[RegIP] = pc
			f.SetDebugRegister(x86util.DR6, 1)
			out, err := tgt.ClassifyStop(SIGTRAP)
			if err != nil {
				t.Errorf("ClassifyStop: %v", err)
				return
			}
			switch out.Action {
			case StopBreakpointHit, StopStopped:
			default:
				t.Errorf("unexpected outcome %v", out)
				return
			}
		}
	}()

	go func() {
		defer stopPath.Done()
		buf := make([]byte, codeLen)
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, err := tgt.ReadMemory(buf, code); err != nil {
				t.Errorf("ReadMemory: %v", err)
				return
			}
			if string(buf) != string(orig) {
				t.Errorf("breakpoint visible in memory read: % x", buf)
				return
			}
		}
	}()

	var crud sync.WaitGroup
	for w := 0; w < workers; w++ {
		crud.Add(1)
		go func(w int) {
			defer crud.Done()
			for i := 0; i < iters; i++ {
				addr := uint64(code + (w+i)%codeLen)
				id, err := bpm.InsertSoftware(addr)
				if err != nil {
					t.Errorf("InsertSoftware(%#x): %v", addr, err)
					return
				}
				if err := bpm.Remove(id); err != nil {
					t.Errorf("Remove(%d): %v", id, err)
					return
				}
			}
		}(w)
	}
	crud.Add(1)
	go func() {
		defer crud.Done()
		for i := 0; i < iters; i++ {
			addr := uint64(data + (i%4)*4)
			_, id, err := bpm.InsertHardware(WatchWrite, addr)
			if err != nil {
				t.Errorf("InsertHardware(%#x): %v", addr, err)
				return
			}
			if err := bpm.Remove(id); err != nil {
				t.Errorf("Remove(%d): %v", id, err)
				return
			}
		}
	}()

	crud.Wait()
	close(done)
	stopPath.Wait()

	if ids := bpm.IDs(); len(ids) != 0 {
		t.Fatalf("breakpoints left in the table: %v", ids)
	}
	if got := f.peek(t, code, codeLen); string(got) != string(orig) {
		t.Fatalf("memory not restored: % x", got)
	}
	if dr7, _ := f.DebugRegister(x86util.DR7); dr7 != 0 {
		t.Fatalf("DR7 = %#x after removing every hardware breakpoint", dr7)
	}
}
