package proc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-delve/x86backend/pkg/logflags"
	"github.com/go-delve/x86backend/pkg/proc/x86util"
)

// BreakpointKind distinguishes code patching breakpoints from debug
// register breakpoints.
type BreakpointKind uint8

const (
	// SoftwareBreakpoint replaces the first byte of an instruction with
	// the breakpoint instruction.
	SoftwareBreakpoint BreakpointKind = iota
	// HardwareBreakpoint programs one of the debug address registers.
	HardwareBreakpoint
)

func (k BreakpointKind) String() string {
	if k == HardwareBreakpoint {
		return "hardware"
	}
	return "software"
}

// WatchType is the access that triggers a hardware breakpoint.
type WatchType uint8

const (
	WatchExecute WatchType = iota
	WatchWrite
	WatchReadWrite
)

// Read returns true if the hardware breakpoint should trigger on memory reads.
func (wtype WatchType) Read() bool {
	return wtype == WatchReadWrite
}

// Write returns true if the hardware breakpoint should trigger on memory writes.
func (wtype WatchType) Write() bool {
	return wtype == WatchWrite || wtype == WatchReadWrite
}

func (wtype WatchType) String() string {
	switch wtype {
	case WatchExecute:
		return "execute"
	case WatchWrite:
		return "write"
	case WatchReadWrite:
		return "read-write"
	}
	return fmt.Sprintf("WatchType(%d)", uint8(wtype))
}

// Breakpoint represents a physical breakpoint. Stores information on the break
// point including the byte of data that originally was stored at that
// address.
type Breakpoint struct {
	ID       int
	Addr     uint64
	Enabled  bool
	Refcount int
	Kind     BreakpointKind

	// OriginalData is the byte replaced by the breakpoint instruction,
	// only valid for software breakpoints.
	OriginalData byte

	// HWBreakIndex is the debug register used by a hardware breakpoint.
	HWBreakIndex uint8
	WatchType    WatchType
}

func (bp *Breakpoint) String() string {
	if bp.Kind == HardwareBreakpoint {
		return fmt.Sprintf("Breakpoint %d at %#x (hardware DR%d %s, refcount %d)", bp.ID, bp.Addr, bp.HWBreakIndex, bp.WatchType, bp.Refcount)
	}
	return fmt.Sprintf("Breakpoint %d at %#x (refcount %d)", bp.ID, bp.Addr, bp.Refcount)
}

// BreakpointManager is the breakpoint table of one inferior. Every method
// holds the manager's lock for its whole duration, so it can be shared by
// the stop classifier and by other goroutines inserting and removing
// breakpoints.
type BreakpointManager struct {
	mu sync.Mutex

	inf  Inferior
	arch *Arch

	m      map[uint64]*Breakpoint
	byID   map[int]*Breakpoint
	nextID int

	// dr mirrors the debug registers we program, slots records the id of
	// the breakpoint owning each address register (0 if free).
	dr    [8]uint64
	drs   *x86util.DebugRegisters
	slots [x86util.NumSlots]int

	log logflags.Logger
}

// NewBreakpointManager creates an empty breakpoint table for inf.
func NewBreakpointManager(inf Inferior, arch *Arch) *BreakpointManager {
	bpm := &BreakpointManager{
		inf:  inf,
		arch: arch,
		m:    make(map[uint64]*Breakpoint),
		byID: make(map[int]*Breakpoint),
		log:  logflags.BreakpointsLogger(),
	}
	bpm.drs = x86util.NewDebugRegisters(&bpm.dr[0], &bpm.dr[1], &bpm.dr[2], &bpm.dr[3], &bpm.dr[x86util.DR6], &bpm.dr[x86util.DR7])
	return bpm
}

// InsertSoftware sets a software breakpoint at addr and returns its id.
// Inserting a breakpoint where one already exists increments its
// reference count.
func (bpm *BreakpointManager) InsertSoftware(addr uint64) (int, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if bp, ok := bpm.m[addr]; ok {
		// A hardware and a software breakpoint can't share an instruction.
		if bp.Kind == HardwareBreakpoint {
			return 0, &CommandError{Code: HardwareSlotOccupied, Err: fmt.Errorf("hardware breakpoint %d already set at %#x", bp.ID, addr)}
		}
		bp.Refcount++
		bpm.log.Debugf("breakpoint %d at %#x refcount %d", bp.ID, addr, bp.Refcount)
		return bp.ID, nil
	}

	bp := &Breakpoint{Addr: addr, Refcount: 1, Kind: SoftwareBreakpoint}
	if err := bpm.enable(bp); err != nil {
		return 0, err
	}
	bpm.add(bp)
	bpm.log.Debugf("inserted %s", bp)
	return bp.ID, nil
}

// InsertHardware programs a free debug register to trigger on wtype
// accesses to addr. Returns the debug register index and the breakpoint
// id. If a hardware breakpoint already exists at addr its reference count
// is incremented and its slot is returned.
func (bpm *BreakpointManager) InsertHardware(wtype WatchType, addr uint64) (uint8, int, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if bp, ok := bpm.m[addr]; ok {
		if bp.Kind == SoftwareBreakpoint {
			return 0, 0, &CommandError{Code: HardwareSlotOccupied, Err: fmt.Errorf("software breakpoint %d already set at %#x", bp.ID, addr)}
		}
		bp.Refcount++
		bpm.log.Debugf("breakpoint %d at %#x refcount %d", bp.ID, addr, bp.Refcount)
		return bp.HWBreakIndex, bp.ID, nil
	}

	idx, ok := bpm.freeSlot()
	if !ok {
		return 0, 0, ErrHardwareSlotOccupied
	}

	bp := &Breakpoint{Addr: addr, Refcount: 1, Kind: HardwareBreakpoint, HWBreakIndex: idx, WatchType: wtype}
	bpm.nextID++
	bp.ID = bpm.nextID
	if err := bpm.enable(bp); err != nil {
		bpm.nextID--
		return 0, 0, err
	}
	bpm.m[addr] = bp
	bpm.byID[bp.ID] = bp
	bpm.log.Debugf("inserted %s", bp)
	return idx, bp.ID, nil
}

func (bpm *BreakpointManager) add(bp *Breakpoint) {
	bpm.nextID++
	bp.ID = bpm.nextID
	bpm.m[bp.Addr] = bp
	bpm.byID[bp.ID] = bp
}

// Remove decrements the reference count of breakpoint id, the breakpoint
// is removed from the inferior once it reaches zero.
func (bpm *BreakpointManager) Remove(id int) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	bp, ok := bpm.byID[id]
	if !ok {
		return noSuchBreakpoint(id)
	}
	if bp.Refcount > 1 {
		bp.Refcount--
		bpm.log.Debugf("breakpoint %d at %#x refcount %d", bp.ID, bp.Addr, bp.Refcount)
		return nil
	}
	if err := bpm.disable(bp); err != nil {
		return err
	}
	bp.Refcount = 0
	delete(bpm.m, bp.Addr)
	delete(bpm.byID, bp.ID)
	bpm.log.Debugf("removed %s", bp)
	return nil
}

// Enable reinserts a disabled breakpoint. Enabling an enabled breakpoint
// does nothing.
func (bpm *BreakpointManager) Enable(id int) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	bp, ok := bpm.byID[id]
	if !ok {
		return noSuchBreakpoint(id)
	}
	return bpm.enable(bp)
}

// Disable removes breakpoint id from the inferior without forgetting it.
// Disabling a disabled breakpoint does nothing.
func (bpm *BreakpointManager) Disable(id int) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	bp, ok := bpm.byID[id]
	if !ok {
		return noSuchBreakpoint(id)
	}
	return bpm.disable(bp)
}

func noSuchBreakpoint(id int) error {
	return &CommandError{Code: NoSuchBreakpoint, Err: fmt.Errorf("breakpoint %d", id)}
}

// enable must be called with bpm.mu held.
func (bpm *BreakpointManager) enable(bp *Breakpoint) error {
	if bp.Enabled {
		return nil
	}
	if bp.Kind == HardwareBreakpoint {
		if owner := bpm.slots[bp.HWBreakIndex]; owner != 0 && owner != bp.ID {
			// the slot was reused while bp was disabled
			idx, ok := bpm.freeSlot()
			if !ok {
				return ErrHardwareSlotOccupied
			}
			bp.HWBreakIndex = idx
		}
		if err := bpm.writeHardwareBreakpoint(bp); err != nil {
			return err
		}
		bpm.slots[bp.HWBreakIndex] = bp.ID
	} else {
		orig, err := readMemory(bpm.inf, bp.Addr, 1)
		if err != nil {
			return err
		}
		if err := writeMemory(bpm.inf, bp.Addr, bpm.arch.BreakpointInstruction()); err != nil {
			return err
		}
		bp.OriginalData = orig[0]
	}
	bp.Enabled = true
	return nil
}

// disable must be called with bpm.mu held.
func (bpm *BreakpointManager) disable(bp *Breakpoint) error {
	if !bp.Enabled {
		return nil
	}
	if bp.Kind == HardwareBreakpoint {
		if err := bpm.clearHardwareBreakpoint(bp.HWBreakIndex); err != nil {
			return err
		}
		bpm.slots[bp.HWBreakIndex] = 0
	} else {
		if err := writeMemory(bpm.inf, bp.Addr, []byte{bp.OriginalData}); err != nil {
			return err
		}
	}
	bp.Enabled = false
	return nil
}

func (bpm *BreakpointManager) freeSlot() (uint8, bool) {
	for i := range bpm.slots {
		if bpm.slots[i] == 0 {
			return uint8(i), true
		}
	}
	return 0, false
}

func (bpm *BreakpointManager) writeHardwareBreakpoint(bp *Breakpoint) error {
	sz := 1
	if bp.WatchType != WatchExecute {
		sz = bpm.arch.PtrSize()
	}
	saved := bpm.dr
	if err := bpm.drs.SetBreakpoint(bp.HWBreakIndex, bp.Addr, bp.WatchType.Read(), bp.WatchType.Write(), sz); err != nil {
		return &CommandError{Code: HardwareSlotOccupied, Err: err}
	}
	if err := bpm.flushDebugRegisters(bp.HWBreakIndex); err != nil {
		bpm.dr = saved
		return err
	}
	return nil
}

func (bpm *BreakpointManager) clearHardwareBreakpoint(idx uint8) error {
	saved := bpm.dr
	bpm.drs.ClearBreakpoint(idx)
	if err := bpm.flushDebugRegisters(idx); err != nil {
		bpm.dr = saved
		return err
	}
	return nil
}

// flushDebugRegisters writes the address register idx and DR7.
func (bpm *BreakpointManager) flushDebugRegisters(idx uint8) error {
	if !bpm.drs.Dirty {
		return nil
	}
	if err := bpm.inf.SetDebugRegister(int(idx), bpm.dr[idx]); err != nil {
		return targetUnavailable(err)
	}
	if err := bpm.inf.SetDebugRegister(x86util.DR7, bpm.dr[x86util.DR7]); err != nil {
		return targetUnavailable(err)
	}
	bpm.drs.Dirty = false
	return nil
}

// Lookup returns a copy of the breakpoint set at addr.
func (bpm *BreakpointManager) Lookup(addr uint64) (Breakpoint, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bp, ok := bpm.m[addr]
	if !ok {
		return Breakpoint{}, false
	}
	return *bp, true
}

// LookupByID returns a copy of breakpoint id.
func (bpm *BreakpointManager) LookupByID(id int) (Breakpoint, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bp, ok := bpm.byID[id]
	if !ok {
		return Breakpoint{}, false
	}
	return *bp, true
}

// IDs returns the ids of all breakpoints, sorted.
func (bpm *BreakpointManager) IDs() []int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	r := make([]int, 0, len(bpm.byID))
	for id := range bpm.byID {
		r = append(r, id)
	}
	sort.Ints(r)
	return r
}

// StripFromBuffer replaces, in buf, the breakpoint instructions of every
// enabled software breakpoint in [start, start+len(buf)) with the
// original instruction byte. buf must contain memory read from start.
func (bpm *BreakpointManager) StripFromBuffer(start uint64, buf []byte) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bpm.strip(start, buf)
}

// ReadMemory reads len(buf) bytes at addr from the inferior and strips
// the breakpoint instructions from them. No breakpoint can be inserted or
// removed between the read and the strip.
func (bpm *BreakpointManager) ReadMemory(buf []byte, addr uint64) (int, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	n, err := bpm.inf.ReadMemory(buf, addr)
	if err != nil {
		return n, targetUnavailable(err)
	}
	bpm.strip(addr, buf[:n])
	return n, nil
}

func (bpm *BreakpointManager) strip(start uint64, buf []byte) {
	for _, bp := range bpm.m {
		if bp.Kind != SoftwareBreakpoint || !bp.Enabled {
			continue
		}
		if bp.Addr < start || bp.Addr-start >= uint64(len(buf)) {
			continue
		}
		buf[bp.Addr-start] = bp.OriginalData
	}
}

// ResetAfterFork disables every hardware breakpoint, debug registers are
// not reliably inherited by the child of a fork.
func (bpm *BreakpointManager) ResetAfterFork() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	var firstErr error
	for _, bp := range bpm.m {
		if bp.Kind != HardwareBreakpoint {
			continue
		}
		if err := bpm.disable(bp); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RemoveHardwareBreakpoints clears all debug address registers of the
// inferior, hardware breakpoints in the table are left disabled.
func (bpm *BreakpointManager) RemoveHardwareBreakpoints() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	var firstErr error
	for i := uint8(0); i < x86util.NumSlots; i++ {
		bpm.drs.ClearBreakpoint(i)
		bpm.dr[i] = 0
		bpm.drs.Dirty = true
		if err := bpm.flushDebugRegisters(i); err != nil && firstErr == nil {
			firstErr = err
		}
		bpm.slots[i] = 0
	}
	for _, bp := range bpm.m {
		if bp.Kind == HardwareBreakpoint {
			bp.Enabled = false
		}
	}
	return firstErr
}

// RemoveAll removes every breakpoint from the inferior and from the table,
// regardless of reference counts.
func (bpm *BreakpointManager) RemoveAll() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	for addr, bp := range bpm.m {
		if err := bpm.disable(bp); err != nil {
			return err
		}
		delete(bpm.m, addr)
		delete(bpm.byID, bp.ID)
	}
	return nil
}

// classifyBreakpoint returns the breakpoint responsible for a trap at pc:
// the hardware breakpoint whose condition is latched in status, a value of
// DR6, or else the enabled software breakpoint whose instruction ends at pc.
// Both lookups happen under one acquisition of the lock.
func (bpm *BreakpointManager) classifyBreakpoint(status, pc uint64) (Breakpoint, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	bpm.dr[x86util.DR6] = status
	hit, idx := bpm.drs.GetActiveBreakpoint()
	// DR6 is cleared on the inferior by the register cache, the mirror only
	// serves the lookup.
	bpm.dr[x86util.DR6] = 0
	bpm.drs.Dirty = false
	if hit && bpm.slots[idx] != 0 {
		return *bpm.byID[bpm.slots[idx]], true
	}

	bp, ok := bpm.m[bpm.arch.wordMask(pc-1)]
	if !ok || !bp.Enabled || bp.Kind != SoftwareBreakpoint {
		return Breakpoint{}, false
	}
	return *bp, true
}
