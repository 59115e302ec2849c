package vm

import (
	"bytes"

	"smpkern/defs"
	"smpkern/mem"
)

// userPageBytes returns a slice covering va through the end of its
// containing page, faulting the page in (same policy as
// HandlePageFault) if it isn't resident yet. Used by UserBuffer and
// the Copy* helpers so a multi-page transfer only takes as many trips
// through the region tree as it has pages, not one per byte.
func (as *AddressSpace) userPageBytes(va uintptr, write bool) ([]byte, error) {
	as.mu.Lock()
	region := as.findRegionContaining(va)
	if region == nil {
		as.mu.Unlock()
		return nil, defs.Wrap(defs.ErrNotFound, "vm: unmapped user address")
	}
	if write && !region.flags.Has(defs.Write) {
		as.mu.Unlock()
		return nil, defs.Wrap(defs.ErrPermissionDenied, "vm: write to read-only region")
	}

	alignment := uintptr(region.pageSize.Bytes())
	pageBase := alignDown(va, alignment)
	pa, ok := as.pm.Translate(pageBase)
	if !ok {
		pages := int(alignment / uintptr(mem.PGSIZE))
		var err error
		pa, err = as.frames.Alloc(pages)
		if err != nil {
			as.mu.Unlock()
			return nil, err
		}
		if err := as.pm.Map(pageBase, pa, region.flags, region.cache, region.pageSize); err != nil {
			as.frames.Free(pa, pages)
			as.mu.Unlock()
			return nil, err
		}
	}
	as.mu.Unlock()

	off := va - pageBase
	return as.frames.DmapBytes(pa, int(alignment))[off:], nil
}

// UserBuffer walks a span of user memory page by page, handing
// whole-page slices to its caller so reads and writes never take the
// address-space lock more than once per page crossed.
type UserBuffer struct {
	as  *AddressSpace
	uva uintptr
	len uintptr
	off uintptr
}

// NewUserBuffer describes the span [uva, uva+length) in as.
func NewUserBuffer(as *AddressSpace, uva, length uintptr) *UserBuffer {
	return &UserBuffer{as: as, uva: uva, len: length}
}

// Remain reports how many bytes of the span haven't been transferred.
func (ub *UserBuffer) Remain() uintptr { return ub.len - ub.off }

// Size reports the span's total length.
func (ub *UserBuffer) Size() uintptr { return ub.len }

// Read copies from user memory into dst, stopping at the end of the
// span even if dst is longer.
func (ub *UserBuffer) Read(dst []byte) (int, error) {
	return ub.tx(dst, false)
}

// Write copies src into user memory, stopping at the end of the span
// even if src is longer.
func (ub *UserBuffer) Write(src []byte) (int, error) {
	return ub.tx(src, true)
}

func (ub *UserBuffer) tx(buf []byte, write bool) (int, error) {
	done := 0
	for len(buf) > 0 && ub.off < ub.len {
		va := ub.uva + ub.off
		chunk, err := ub.as.userPageBytes(va, write)
		if err != nil {
			return done, err
		}
		if remain := ub.len - ub.off; uintptr(len(chunk)) > remain {
			chunk = chunk[:remain]
		}
		var c int
		if write {
			c = copy(chunk, buf)
		} else {
			c = copy(buf, chunk)
		}
		buf = buf[c:]
		ub.off += uintptr(c)
		done += c
	}
	return done, nil
}

// CopyIn reads exactly len(dst) bytes from uva into dst.
func (as *AddressSpace) CopyIn(uva uintptr, dst []byte) error {
	n, err := NewUserBuffer(as, uva, uintptr(len(dst))).Read(dst)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return defs.Wrap(defs.ErrInvalidArgument, "vm: CopyIn short read")
	}
	return nil
}

// CopyOut writes exactly len(src) bytes from src to uva.
func (as *AddressSpace) CopyOut(uva uintptr, src []byte) error {
	n, err := NewUserBuffer(as, uva, uintptr(len(src))).Write(src)
	if err != nil {
		return err
	}
	if n != len(src) {
		return defs.Wrap(defs.ErrInvalidArgument, "vm: CopyOut short write")
	}
	return nil
}

// CopyInString reads a NUL-terminated string starting at uva, failing
// if no terminator appears within maxLen bytes.
func (as *AddressSpace) CopyInString(uva uintptr, maxLen int) (string, error) {
	var out []byte
	remaining := uintptr(maxLen)
	va := uva
	for remaining > 0 {
		chunk, err := as.userPageBytes(va, false)
		if err != nil {
			return "", err
		}
		if uintptr(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		if idx := bytes.IndexByte(chunk, 0); idx >= 0 {
			out = append(out, chunk[:idx]...)
			return string(out), nil
		}
		out = append(out, chunk...)
		va += uintptr(len(chunk))
		remaining -= uintptr(len(chunk))
	}
	return "", defs.Wrap(defs.ErrInvalidArgument, "vm: CopyInString exceeds maxLen")
}
