// Package bootcfg parses the optional stage-1 boot configuration document.
// The bootloader's binary contract (memory map, SMP descriptors,
// direct-map base) stays as typed Go structs handed to boot.Stage1
// directly; bootcfg only covers the operator-tunable knobs a real boot
// loader would let you override without a recompile.
package bootcfg

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"cascadeos/klog"
	"cascadeos/sched"
)

// defaultPFAReservePages is the default low-memory reservation (1<<16
// pages, ~256MB at a 4KiB page size) — the frames stage1 carves out of the
// bootloader memory map before anything else can claim them.
const defaultPFAReservePages = 1 << 16

const defaultExecutorLimit = 32

// Config holds every stage-1 tunable, each with a compiled-in default so a
// missing or malformed document never blocks boot.
type Config struct {
	TimeSliceMS     int    `toml:"time_slice_ms"`
	LogLevel        string `toml:"log_level"`
	PFAReservePages int    `toml:"pfa_reserve_pages"`
	ExecutorLimit   int    `toml:"executor_limit"`
}

// Default returns the compiled-in configuration used when no document is
// supplied or parsing fails.
func Default() Config {
	return Config{
		TimeSliceMS:     int(sched.DefaultTimeSlice / time.Millisecond),
		LogLevel:        "info",
		PFAReservePages: defaultPFAReservePages,
		ExecutorLimit:   defaultExecutorLimit,
	}
}

// Parse decodes a stage-1 TOML document, starting from Default() so any
// key the document omits keeps its compiled-in value. A malformed document
// never fails stage 1 — Parse logs at Warn (if w is non-nil) and falls
// back to whatever was decoded before the error, which is at worst
// Default() itself.
func Parse(w *klog.Writer, data []byte) Config {
	cfg := Default()
	if len(data) == 0 {
		return cfg
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		if w != nil {
			w.Log(klog.Warn, "bootcfg: falling back to defaults for unparsed keys", map[string]any{"error": err.Error()})
		}
	}
	return cfg
}

// TimeSlice returns the configured Executor preemption interval.
func (c Config) TimeSlice() time.Duration {
	if c.TimeSliceMS <= 0 {
		return sched.DefaultTimeSlice
	}
	return time.Duration(c.TimeSliceMS) * time.Millisecond
}

// Level maps the configured log_level string to a klog.Level, defaulting
// to klog.Info for an empty or unrecognized value.
func (c Config) Level() klog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "trace":
		return klog.Trace
	case "debug":
		return klog.Debug
	case "warn", "warning":
		return klog.Warn
	case "error":
		return klog.Error
	case "panic":
		return klog.Panic
	default:
		return klog.Info
	}
}
