// Package boot drives the kernel core's stage1→stage4 bring-up: from the
// bootloader's handoff to every Executor idling in the scheduler.
package boot

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"cascadeos/arch"
	"cascadeos/bootcfg"
	"cascadeos/kerrors"
	"cascadeos/klog"
	"cascadeos/paging"
	"cascadeos/pfa"
	"cascadeos/proc"
	"cascadeos/sched"
	"cascadeos/vm"
)

// SMPDescriptor names one secondary processor the bootloader found: its
// id and the trampoline function that, on a real machine, wakes that CPU
// into Entry.
type SMPDescriptor struct {
	ProcessorID    uint32
	BootTrampoline func()
}

// FramebufferDescriptor is the optional early display surface the
// bootloader may report. Nothing in this tree draws to it; it is carried
// through BootInfo purely so a driver layer (out of scope here) has
// somewhere to read it from.
type FramebufferDescriptor struct {
	Base          uintptr
	Width, Height int
	Stride        int
}

// BootInfo is everything the boot shim hands the kernel core at stage-1
// entry: the binary memory-map and SMP tables stay as typed Go structs
// (not human-authored, so TOML buys nothing), while ConfigDoc is the
// optional operator-tunable bootcfg document.
type BootInfo struct {
	DirectMapBase  uintptr
	KernelVirtBase uintptr
	KernelPhysBase uintptr
	MemoryMap      pfa.MemoryMap
	SMP            []SMPDescriptor

	RSDP        uintptr
	DeviceTree  []byte
	Framebuffer *FramebufferDescriptor
	KernelFile  []byte

	ConfigDoc []byte
}

// Kernel is the process-wide state populated across stage1-3 and sealed
// at the end of stage4.
type Kernel struct {
	Arch   arch.Arch
	Config bootcfg.Config
	Log    *klog.Writer

	Alloc       *pfa.Allocator
	KernelTable *paging.Table
	KernelAS    *vm.AddressSpace

	barrier   *barrier
	executors []*sched.Executor
	sealed    atomic.Bool
}

// Sealed reports whether Stage4 has finished.
func (k *Kernel) Sealed() bool { return k.sealed.Load() }

// reserveLowMemory carves reservePages worth of frames off the front of
// the first Free region(s) in mm, reclassifying them Reserved.
func reserveLowMemory(mm pfa.MemoryMap, reservePages int) pfa.MemoryMap {
	if reservePages <= 0 {
		return mm
	}
	remaining := uint64(reservePages)
	out := pfa.MemoryMap{Regions: make([]pfa.Region, 0, len(mm.Regions)+1)}
	for _, r := range mm.Regions {
		if remaining == 0 || r.Kind != pfa.RegionFree {
			out.Regions = append(out.Regions, r)
			continue
		}
		if r.Count <= remaining {
			out.Regions = append(out.Regions, pfa.Region{Kind: pfa.RegionReserved, Base: r.Base, Count: r.Count})
			remaining -= r.Count
			continue
		}
		out.Regions = append(out.Regions,
			pfa.Region{Kind: pfa.RegionReserved, Base: r.Base, Count: remaining},
			pfa.Region{Kind: pfa.RegionFree, Base: r.Base + pfa.FrameNumber(remaining), Count: r.Count - remaining},
		)
		remaining = 0
	}
	return out
}

// Stage1 constructs the Physical Frame Allocator, the kernel page table,
// and the kernel Address Space from the bootloader's handoff. It runs
// synchronously on the bootstrap Executor's own call stack, before any
// Task or secondary Executor exists, so that a panic here is still
// meaningful.
func Stage1(info BootInfo, a arch.Arch) (*Kernel, error) {
	cfg := bootcfg.Parse(nil, info.ConfigDoc)

	log := klog.NewWriter()
	log.AddOutput(klog.NewSerialOutput(a))

	mm := reserveLowMemory(info.MemoryMap, cfg.PFAReservePages)
	alloc := pfa.New()
	alloc.Init(mm)

	// The kernel's own page table is simply the one NewAddressSpace builds
	// for it; every later user AddressSpace is handed this same table as
	// kernelTable so its top-level entries get copied forward.
	kas, err := vm.NewAddressSpace("kernel", a, alloc, nil)
	if err != nil {
		return nil, kerrors.Wrap("boot.Stage1", kerrors.Unexpected, err)
	}
	kas.Kernel = true

	k := &Kernel{
		Arch:        a,
		Config:      cfg,
		Log:         log,
		Alloc:       alloc,
		KernelTable: kas.Table(),
		KernelAS:    kas,
		barrier:     newBarrier(len(info.SMP) + 1), // + the bootstrap Executor itself
	}

	log.Log(klog.Info, "stage1 complete", logrus.Fields{
		"reserved_pages": cfg.PFAReservePages,
		"executors":      len(info.SMP) + 1,
		"arch":           a.Name(),
	})
	return k, nil
}

func (k *Kernel) registerExecutor(e *sched.Executor) {
	k.executors = append(k.executors, e)
}

// Stage2 loads the kernel page table onto e and binds e's per-CPU
// identity. Every Executor, bootstrap included, runs Stage2 exactly once
// before Stage3.
func (k *Kernel) Stage2(e *sched.Executor) {
	k.KernelTable.Load()
	k.Arch.BindExecutor(uint32(e.ID()))
}

// Stage3 brings e to the stage-3 barrier. Only the Executor that happens
// to arrive *first* spawns a Task: the init-stage-4 kernel Task running
// stage4. It then — like every other Executor — blocks until the
// barrier's last arrival, and finally drops into its own scheduler loop.
// Stage3 does not return until e.Stop() is called.
func (k *Kernel) Stage3(e *sched.Executor, stage4 func(*sched.Task)) {
	if k.barrier.arrive() {
		sched.Spawn(stage4, sched.PriorityHigh)
	}
	k.barrier.wait()
	e.Run()
}

// Stage4 is the init-stage-4 kernel Task body spawned by whichever
// Executor reaches the stage-3 barrier first. It starts the cleanup
// services and seals the Kernel, the last steps before the kernel is
// considered fully up.
func (k *Kernel) Stage4(t *sched.Task) {
	sched.TaskCleanup.Start()
	proc.ProcessCleanup.Start()
	k.sealed.Store(true)
	k.Log.Log(klog.Info, "stage4 complete: kernel sealed", nil)
}

// Entry is the shared entry point every Executor's SMP trampoline jumps
// to, including the bootstrap Executor once Stage1 has returned. It
// builds that Executor's record, runs Stage2, then Stage3 — and so, like
// Stage3, does not return until that Executor is stopped.
func (k *Kernel) Entry(id sched.ExecutorID, stage4 func(*sched.Task)) *sched.Executor {
	e := sched.NewExecutor(id, k.Config.TimeSlice())
	k.registerExecutor(e)
	k.Stage2(e)
	go k.Stage3(e, stage4)
	return e
}
