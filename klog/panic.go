// The panic path captures the faulting goroutine's stack as a pprof
// profile instead of a printed string, so a kernel fault can be inspected
// post-mortem with `go tool pprof`. Each frame's function name is run
// through github.com/ianlancetaylor/demangle — a no-op for already-plain
// Go names, but the real symbolication step once a build carries mangled
// cgo/asm symbols.

package klog

import (
	"fmt"
	"runtime"

	"github.com/google/pprof/profile"
	"github.com/ianlancetaylor/demangle"
	"github.com/sirupsen/logrus"

	"cascadeos/arch"
	"cascadeos/kerrors"
)

const maxFaultFrames = 32

// FaultProfile captures the calling goroutine's stack, starting at
// FaultProfile's caller, as a one-sample pprof profile, one Location per
// frame.
func FaultProfile() *profile.Profile {
	pcs := make([]uintptr, maxFaultFrames)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "panic", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "panic", Unit: "count"},
		Period:     1,
	}
	funcs := map[string]*profile.Function{}
	var locs []*profile.Location

	for {
		fr, more := frames.Next()
		name := demangle.Filter(fr.Function)
		fn, ok := funcs[name]
		if !ok {
			fn = &profile.Function{
				ID:         uint64(len(funcs) + 1),
				Name:       name,
				SystemName: fr.Function,
				Filename:   fr.File,
			}
			funcs[name] = fn
			p.Function = append(p.Function, fn)
		}
		loc := &profile.Location{
			ID:   uint64(len(locs) + 1),
			Line: []profile.Line{{Function: fn, Line: int64(fr.Line)}},
		}
		locs = append(locs, loc)
		p.Location = append(p.Location, loc)
		if !more {
			break
		}
	}
	p.Sample = []*profile.Sample{{Location: locs, Value: []int64{1}}}
	return p
}

// topFrame returns the innermost function name recorded in p, or "" if p
// carries no samples.
func topFrame(p *profile.Profile) string {
	if len(p.Sample) == 0 || len(p.Sample[0].Location) == 0 {
		return ""
	}
	loc := p.Sample[0].Location[0]
	if len(loc.Line) == 0 {
		return ""
	}
	return loc.Line[0].Function.Name
}

// PanicHandler handles a value recovered from a panic: it logs the fault
// at Panic level — bypassing the rate limiter by construction — then
// calls a.Halt and returns once Halt does. Nothing in this module installs
// it; a caller invokes it from its own deferred recover.
func PanicHandler(w *Writer, a arch.Arch, recovered any) {
	reason := fmt.Sprintf("%v", recovered)
	if f, ok := recovered.(*kerrors.Fault); ok {
		reason = f.Reason
	}

	prof := FaultProfile()
	w.Log(Panic, reason, logrus.Fields{
		"arch":  a.Name(),
		"frame": topFrame(prof),
		"depth": len(prof.Sample[0].Location),
	})
	a.Halt()
}
