package ksync

import (
	"bytes"
	"runtime"
	"strconv"
)

// GoroutineID extracts the calling goroutine's numeric id from the header
// line of its own stack trace ("goroutine 123 [running]:"). It exists only
// to give standaloneHolder a stable per-goroutine identity so ksync's own
// tests can exercise real blocking and recursion detection without a
// scheduler wired up via SetCurrentFunc; sched reuses it for the same
// purpose to key its goroutine-affine current-Task registry.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
