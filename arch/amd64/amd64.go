// Package amd64 is the x86-64 arch.Arch adapter. It is a documented,
// intentional stub everywhere but instruction disassembly and StartTimer
// (a plain time.Ticker): a real kernel
// build would replace every other method with actual ring-0 code, which
// this module's test suite never needs since arch/hostsim carries that
// weight instead.
package amd64

import (
	"strings"
	"time"

	"golang.org/x/arch/x86/x86asm"

	"cascadeos/arch"
	"cascadeos/kerrors"
	"cascadeos/pfa"
)

// Arch is the (stub) x86-64 architecture adapter.
type Arch struct{}

var _ arch.Arch = (*Arch)(nil)

// New constructs the x86-64 adapter.
func New() *Arch { return &Arch{} }

func (a *Arch) Name() string { return "amd64" }

// DisableInterrupts/RestoreInterrupts/InterruptsEnabled would toggle RFLAGS.IF
// via CLI/STI on real hardware; stubbed true/no-op since this module never
// runs at ring 0.
func (a *Arch) DisableInterrupts() bool { return true }
func (a *Arch) RestoreInterrupts(bool)  {}
func (a *Arch) InterruptsEnabled() bool { return true }

func (a *Arch) SpinHint() {}
func (a *Arch) Halt()     {}

func (a *Arch) NewPageTable(pfa.FrameNumber) arch.PageTableHandle { return 0 }
func (a *Arch) DestroyPageTable(arch.PageTableHandle)             {}
func (a *Arch) CopyKernelTop(arch.PageTableHandle, arch.PageTableHandle) {}

func (a *Arch) MapPage(arch.PageTableHandle, uintptr, pfa.FrameNumber, arch.Protection) error {
	return kerrors.New("arch/amd64.MapPage", kerrors.Unexpected)
}

func (a *Arch) UnmapPage(arch.PageTableHandle, uintptr) error {
	return kerrors.New("arch/amd64.UnmapPage", kerrors.Unexpected)
}

func (a *Arch) LoadPageTable(arch.PageTableHandle) {}

func (a *Arch) BindExecutor(uint32)     {}
func (a *Arch) CurrentExecutor() uint32 { return 0 }

func (a *Arch) StartTimer(interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for range t.C {
			fn()
		}
	}()
}

func (a *Arch) WriteSerial(p []byte) (int, error) { return len(p), nil }

// Disassemble decodes as many x86-64 instructions as it can starting at
// code[0]; it stops at the first decode error, which it reports as a
// final "<decode error: ...>" line.
func (a *Arch) Disassemble(code []byte) string {
	var lines []string
	off := 0
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			lines = append(lines, "<decode error: "+err.Error()+">")
			break
		}
		lines = append(lines, x86asm.GNUSyntax(inst, uint64(off), nil))
		if inst.Len == 0 {
			break
		}
		off += inst.Len
	}
	return strings.Join(lines, "\n")
}
