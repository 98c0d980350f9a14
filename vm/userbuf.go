package vm

import (
	"cascadeos/kerrors"
	"cascadeos/pfa"
)

// UserBuf assists reading and writing a range of one Address Space's user
// memory from kernel code, fault-handling transparently as it crosses page
// boundaries.
type UserBuf struct {
	as     *AddressSpace
	userva uintptr
	length int
	off    int
}

// NewUserBuf returns a UserBuf over length bytes of as starting at userva.
func NewUserBuf(as *AddressSpace, userva uintptr, length int) *UserBuf {
	if length < 0 {
		panic("vm.NewUserBuf: negative length")
	}
	return &UserBuf{as: as, userva: userva, length: length}
}

// Remain reports the number of bytes left unread/unwritten in the buffer.
func (u *UserBuf) Remain() int { return u.length - u.off }

// TotalSize reports the buffer's total length.
func (u *UserBuf) TotalSize() int { return u.length }

// Read copies from user memory into dst, returning the number of bytes
// copied. If a fault cannot be resolved mid-copy, Read returns what it
// copied so far along with the error; the buffer's offset reflects exactly
// how far it got, so a retry (after the caller fixes whatever the fault
// reported) resumes cleanly.
func (u *UserBuf) Read(dst []byte) (int, error) { return u.tx(dst, false) }

// Write copies src into user memory, with the same partial-progress
// contract as Read.
func (u *UserBuf) Write(src []byte) (int, error) { return u.tx(src, true) }

func (u *UserBuf) tx(buf []byte, write bool) (int, error) {
	done := 0
	for len(buf) > 0 && u.off != u.length {
		va := u.userva + uintptr(u.off)
		page, pageOff, err := u.as.translate(va, write)
		if err != nil {
			return done, err
		}

		chunk := buf
		if remaining := u.length - u.off; len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		n := copy(page[pageOff:], chunk)
		if !write {
			n = copy(chunk, page[pageOff:])
		}
		buf = buf[n:]
		u.off += n
		done += n
	}
	return done, nil
}

// translate resolves va to its backing frame's bytes, faulting it in
// through as.Fault first if it isn't resolved yet. Atomic with respect to
// page faults.
func (as *AddressSpace) translate(va uintptr, write bool) ([]byte, int, error) {
	page := va &^ (pfa.PageSize - 1)
	access := AccessRead
	if write {
		access = AccessWrite
	}

	for attempt := 0; attempt < 2; attempt++ {
		frame, ok := as.residentFrame(page)
		if ok {
			return as.alloc.FrameBytes(frame), int(va - page), nil
		}
		if r := as.Fault(page, access); r != FaultOK {
			return nil, 0, kerrors.New("vm.translate", kerrors.NotInAnyMap)
		}
	}
	return nil, 0, kerrors.New("vm.translate", kerrors.NotInAnyMap)
}

// residentFrame reports the physical frame currently backing page within
// as, if one has already been resolved.
func (as *AddressSpace) residentFrame(page uintptr) (pfa.FrameNumber, bool) {
	as.lock.RLock()
	defer as.lock.RUnlock()

	e := as.lookup(page)
	if e == nil {
		return 0, false
	}
	return as.entryResidentFrame(e, page)
}

// UserIOVec represents a sequence of user buffers, one UserBuf per
// element.
type UserIOVec struct {
	as   *AddressSpace
	iovs []ioVecEntry
}

type ioVecEntry struct {
	uva uintptr
	sz  int
}

// NewUserIOVec builds a UserIOVec directly from already-resolved
// (address, length) pairs; parsing an iovec array out of user memory
// itself belongs to the syscall layer, out of scope here.
func NewUserIOVec(as *AddressSpace, iovs []struct {
	Addr uintptr
	Len  int
}) (*UserIOVec, error) {
	if len(iovs) > 10 {
		return nil, kerrors.New("vm.NewUserIOVec", kerrors.BadArgument)
	}
	v := &UserIOVec{as: as, iovs: make([]ioVecEntry, len(iovs))}
	for i, e := range iovs {
		if e.Len < 0 {
			return nil, kerrors.New("vm.NewUserIOVec", kerrors.BadArgument)
		}
		v.iovs[i] = ioVecEntry{uva: e.Addr, sz: e.Len}
	}
	return v, nil
}

// Remain reports the number of bytes remaining across every iovec.
func (v *UserIOVec) Remain() int {
	n := 0
	for _, e := range v.iovs {
		n += e.sz
	}
	return n
}

func (v *UserIOVec) tx(buf []byte, write bool) (int, error) {
	done := 0
	for len(buf) > 0 && len(v.iovs) > 0 {
		cur := &v.iovs[0]
		ub := NewUserBuf(v.as, cur.uva, cur.sz)
		n, err := ub.tx(buf, write)
		cur.uva += uintptr(n)
		cur.sz -= n
		if cur.sz == 0 {
			v.iovs = v.iovs[1:]
		}
		buf = buf[n:]
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

// Read copies into dst from the sequence of user buffers.
func (v *UserIOVec) Read(dst []byte) (int, error) { return v.tx(dst, false) }

// Write copies src into the sequence of user buffers.
func (v *UserIOVec) Write(src []byte) (int, error) { return v.tx(src, true) }

// FakeBuf implements the same Read/Write/Remain shape as UserBuf but
// operates directly on a kernel-owned byte slice — used when kernel code
// wants to treat an in-memory buffer like user memory without the
// overhead of a real translation.
type FakeBuf struct {
	buf []byte
}

// NewFakeBuf wraps buf for Read/Write access through the UserBuf-like
// interface.
func NewFakeBuf(buf []byte) *FakeBuf { return &FakeBuf{buf: buf} }

// Remain reports the number of bytes left in the buffer.
func (f *FakeBuf) Remain() int { return len(f.buf) }

// Read copies from the fake buffer into dst.
func (f *FakeBuf) Read(dst []byte) (int, error) {
	n := copy(dst, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

// Write copies src into the fake buffer.
func (f *FakeBuf) Write(src []byte) (int, error) {
	n := copy(f.buf, src)
	f.buf = f.buf[n:]
	return n, nil
}
