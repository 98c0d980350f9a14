// Package hostsim implements arch.Arch entirely in host process memory: a
// map-based page table simulation standing in for a real MMU, goroutine-
// keyed interrupt/executor-affinity state standing in for per-CPU
// registers. It is the only arch.Arch implementation complete enough to
// drive the paging, vm, proc, boot and klog tests.
package hostsim

import (
	"fmt"
	"sync"
	"time"

	"cascadeos/arch"
	"cascadeos/kerrors"
	"cascadeos/ksync"
	"cascadeos/pfa"
)

type pageEntry struct {
	phys pfa.FrameNumber
	prot arch.Protection
}

type table struct {
	entries map[uintptr]pageEntry
}

// Arch is a single host-simulated machine: every table, every goroutine's
// simulated interrupt flag, and every goroutine's bound executor id live
// in one instance. Tests typically construct one Arch per test.
type Arch struct {
	mu         sync.Mutex
	tables     map[arch.PageTableHandle]*table
	nextHandle uint64
	loaded     map[uint64]arch.PageTableHandle
	executorID map[uint64]uint32
	interrupts map[uint64]bool
}

var _ arch.Arch = (*Arch)(nil)

// New constructs an empty host-simulated machine.
func New() *Arch {
	return &Arch{
		tables:     make(map[arch.PageTableHandle]*table),
		loaded:     make(map[uint64]arch.PageTableHandle),
		executorID: make(map[uint64]uint32),
		interrupts: make(map[uint64]bool),
	}
}

func (a *Arch) Name() string { return "hostsim" }

func (a *Arch) DisableInterrupts() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := ksync.GoroutineID()
	was, ok := a.interrupts[id]
	if !ok {
		was = true
	}
	a.interrupts[id] = false
	return was
}

func (a *Arch) RestoreInterrupts(wasEnabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interrupts[ksync.GoroutineID()] = wasEnabled
}

func (a *Arch) InterruptsEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.interrupts[ksync.GoroutineID()]
	if !ok {
		return true
	}
	return v
}

// SpinHint yields the processor to another goroutine, the hosted analogue
// of a PAUSE instruction inside a spin loop. It is a hint, not a
// correctness requirement, so a zero-duration sleep (which still yields to
// the Go scheduler) is enough.
func (a *Arch) SpinHint() {
	time.Sleep(0)
}

// Halt parks the calling goroutine briefly, the hosted analogue of HLT.
func (a *Arch) Halt() {
	time.Sleep(time.Microsecond)
}

func (a *Arch) NewPageTable(_ pfa.FrameNumber) arch.PageTableHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextHandle++
	h := arch.PageTableHandle(a.nextHandle)
	a.tables[h] = &table{entries: make(map[uintptr]pageEntry)}
	return h
}

func (a *Arch) DestroyPageTable(h arch.PageTableHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tables, h)
}

func (a *Arch) CopyKernelTop(dst, src arch.PageTableHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.tables[src]
	if !ok {
		return
	}
	d, ok := a.tables[dst]
	if !ok {
		return
	}
	for va, e := range s.entries {
		d.entries[va] = e
	}
}

func (a *Arch) MapPage(h arch.PageTableHandle, virt uintptr, phys pfa.FrameNumber, prot arch.Protection) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tables[h]
	if !ok {
		return kerrors.New("arch/hostsim.MapPage", kerrors.BadArgument)
	}
	if _, exists := t.entries[virt]; exists {
		return kerrors.New("arch/hostsim.MapPage", kerrors.AlreadyMapped)
	}
	t.entries[virt] = pageEntry{phys: phys, prot: prot}
	return nil
}

func (a *Arch) UnmapPage(h arch.PageTableHandle, virt uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tables[h]
	if !ok {
		return kerrors.New("arch/hostsim.UnmapPage", kerrors.BadArgument)
	}
	if _, exists := t.entries[virt]; !exists {
		return kerrors.New("arch/hostsim.UnmapPage", kerrors.NotInAnyMap)
	}
	delete(t.entries, virt)
	return nil
}

func (a *Arch) LoadPageTable(h arch.PageTableHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loaded[ksync.GoroutineID()] = h
}

// Lookup reports the frame and protection a virtual address is currently
// mapped to in table h. Not part of arch.Arch; tests use it (with
// paging.Table.Handle) to read back what MapPage installed.
func (a *Arch) Lookup(h arch.PageTableHandle, virt uintptr) (pfa.FrameNumber, arch.Protection, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tables[h]
	if !ok {
		return 0, 0, false
	}
	e, ok := t.entries[virt]
	return e.phys, e.prot, ok
}

func (a *Arch) BindExecutor(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executorID[ksync.GoroutineID()] = id
}

func (a *Arch) CurrentExecutor() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executorID[ksync.GoroutineID()]
}

func (a *Arch) StartTimer(interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	go func() {
		for range t.C {
			fn()
		}
	}()
}

// WriteSerial writes to process stdout, standing in for a real UART;
// klog's Output fan-out can target this the same way it would a real
// serial console.
func (a *Arch) WriteSerial(p []byte) (int, error) {
	return fmt.Print(string(p))
}

func (a *Arch) Disassemble(code []byte) string {
	return fmt.Sprintf("<%d bytes, hostsim has no decoder>", len(code))
}
