// Package vm implements the per-process user address space: an
// augmented red-black tree of UserVmRegion mappings that supports
// best-fit allocation, explicit-address mapping, and lazy population
// through page faults.
package vm

import (
	"sync"

	"smpkern/defs"
	"smpkern/mem"
	"smpkern/pagemap"
)

const (
	// UserStart is the lowest address Allocate/AllocateSpecific will
	// ever hand out; page zero stays unmapped to catch null derefs.
	UserStart uintptr = 0x1000
	// UserEnd is the exclusive upper bound for user mappings: one page
	// below the 47-bit canonical boundary (0x8000_0000_0000) on amd64.
	UserEnd uintptr = 0x0000_7FFF_FFFF_F000
)

const (
	pfWrite uint64 = 1 << 1
	pfUser  uint64 = 1 << 2
)

// AddressSpace owns one process's user mappings and its PageMap. All
// tree mutation and page-fault handling happens under mu; the fast
// path pagemap itself takes for plain reads stays outside this lock.
type AddressSpace struct {
	mu sync.Mutex

	pm     *pagemap.PageMap
	frames *mem.Allocator

	root         *UserVmRegion
	cachedCursor *UserVmRegion
}

// New returns an empty address space backed by pm for translation and
// frames for demand-paging new leaves.
func New(pm *pagemap.PageMap, frames *mem.Allocator) *AddressSpace {
	return &AddressSpace{pm: pm, frames: frames}
}

// Allocate reserves size bytes (rounded up to pageSize) anywhere in
// the address space and returns its start address. flags always gains
// defs.User regardless of what the caller passed.
func (as *AddressSpace) Allocate(size uintptr, flags defs.PageFlags, cache defs.CachePolicy, pageSize defs.PageSize) (uintptr, error) {
	if size == 0 {
		return 0, defs.Wrap(defs.ErrInvalidArgument, "vm: Allocate zero size")
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	alignment := uintptr(pageSize.Bytes())
	size = alignUp(size, alignment)
	flags |= defs.User

	va := as.findHole(size, alignment)
	if va == 0 {
		return 0, defs.Wrap(defs.ErrOutOfMemory, "vm: Allocate no hole large enough")
	}

	as.insertRegion(va, size, flags, cache, pageSize)
	return va, nil
}

// AllocateSpecific reserves exactly [va, va+size) for the caller,
// failing if any part of that range is already mapped.
func (as *AddressSpace) AllocateSpecific(va, size uintptr, flags defs.PageFlags, cache defs.CachePolicy, pageSize defs.PageSize) error {
	if size == 0 {
		return defs.Wrap(defs.ErrInvalidArgument, "vm: AllocateSpecific zero size")
	}
	alignment := uintptr(pageSize.Bytes())
	if va%alignment != 0 {
		return defs.Wrap(defs.ErrInvalidArgument, "vm: AllocateSpecific misaligned address")
	}
	size = alignUp(size, alignment)
	if va < UserStart || va+size > UserEnd {
		return defs.Wrap(defs.ErrInvalidArgument, "vm: AllocateSpecific out of range")
	}
	flags |= defs.User

	as.mu.Lock()
	defer as.mu.Unlock()

	if as.checkOverlap(va, size) {
		return defs.Wrap(defs.ErrInvalidArgument, "vm: AllocateSpecific overlaps existing region")
	}
	as.insertRegion(va, size, flags, cache, pageSize)
	return nil
}

// Free unmaps and removes the region starting exactly at va, returning
// its size so the caller can drive a TLB shootdown for the owning
// process's PCID. Free never maps to a specific process identity
// itself, keeping this package free of any dependency on proc.
func (as *AddressSpace) Free(va uintptr) (uintptr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	region := as.findRegionContaining(va)
	if region == nil || region.start != va {
		return 0, defs.Wrap(defs.ErrNotFound, "vm: Free no region at address")
	}

	size := region.size
	if err := as.unmapRegion(region); err != nil {
		return 0, err
	}
	as.deleteNode(region)
	return size, nil
}

func (as *AddressSpace) unmapRegion(region *UserVmRegion) error {
	step := uintptr(region.pageSize.Bytes())
	for off := uintptr(0); off < region.size; off += step {
		va := region.start + off
		if _, ok := as.pm.Translate(va); !ok {
			continue
		}
		if err := as.pm.Unmap(va, true); err != nil {
			return err
		}
	}
	return nil
}

// HandlePageFault services a fault at faultVA with hardware error-code
// bits errorCode (bit 1 write, bit 2 user). It returns false when the
// fault cannot be resolved (no region, permission mismatch, or
// allocation failure), in which case the caller delivers a signal or
// panics depending on whether the faulting context was user or kernel.
func (as *AddressSpace) HandlePageFault(faultVA uintptr, errorCode uint64) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	region := as.findRegionContaining(faultVA)
	if region == nil {
		return false
	}
	if errorCode&pfWrite != 0 && !region.flags.Has(defs.Write) {
		return false
	}
	if errorCode&pfUser != 0 && !region.flags.Has(defs.User) {
		return false
	}

	alignment := uintptr(region.pageSize.Bytes())
	pageBase := alignDown(faultVA, alignment)

	if _, ok := as.pm.Translate(pageBase); ok {
		// Already mapped: another core raced us to the same fault.
		return true
	}

	pages := int(alignment / uintptr(mem.PGSIZE))
	pa, err := as.frames.Alloc(pages)
	if err != nil {
		return false
	}
	if err := as.pm.Map(pageBase, pa, region.flags, region.cache, region.pageSize); err != nil {
		as.frames.Free(pa, pages)
		return false
	}
	return true
}

// Translate exposes the underlying PageMap's translation for callers
// that need to inspect a mapping without faulting it in.
func (as *AddressSpace) Translate(va uintptr) (mem.Pa_t, bool) {
	return as.pm.Translate(va)
}

// RegionFlags returns the permission flags of the region containing
// va, if any.
func (as *AddressSpace) RegionFlags(va uintptr) (defs.PageFlags, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	region := as.findRegionContaining(va)
	if region == nil {
		return 0, false
	}
	return region.flags, true
}
