package klog

import (
	"bytes"
	"sync"

	"cascadeos/arch"
)

// SerialOutput is the Output that targets an architecture's serial
// console via arch.Arch.WriteSerial.
type SerialOutput struct {
	mu    sync.Mutex
	a     arch.Arch
	remap func([]byte) []byte
	state OutputState
}

// NewSerialOutput wraps a for use as a klog.Output.
func NewSerialOutput(a arch.Arch) *SerialOutput {
	return &SerialOutput{a: a}
}

// WriteRecord writes rec's formatted text to the serial console, applying
// any installed Remap transform first.
func (s *SerialOutput) WriteRecord(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == OutputClosed {
		return nil
	}
	b := []byte(rec.Text)
	if s.remap != nil {
		b = s.remap(b)
	}
	_, err := s.a.WriteSerial(b)
	if err != nil {
		s.state = OutputDegraded
	}
	return err
}

// Splat writes n copies of b directly, with no Record formatting.
func (s *SerialOutput) Splat(b byte, n int) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == OutputClosed {
		return nil
	}
	buf := bytes.Repeat([]byte{b}, n)
	if s.remap != nil {
		buf = s.remap(buf)
	}
	_, err := s.a.WriteSerial(buf)
	return err
}

// Remap installs fn as the output-side text transform; pass nil to clear
// it.
func (s *SerialOutput) Remap(fn func([]byte) []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remap = fn
}

// State reports whether the last write succeeded.
func (s *SerialOutput) State() OutputState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close marks the output Closed; further writes are silently dropped.
func (s *SerialOutput) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = OutputClosed
}
