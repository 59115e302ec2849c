// Package pagemap builds and walks the x86-64 page-table hierarchy. A
// PageMap owns one address space's root page table and knows how to map,
// unmap, and translate virtual addresses at 4 KiB/2 MiB/1 GiB
// granularity; it knows nothing about who the address space belongs to.
package pagemap

import (
	"unsafe"

	"smpkern/arch/amd64"
	"smpkern/defs"
	"smpkern/klog"
	"smpkern/mem"
)

// entry is one page-table entry: present/writable/user/etc bits plus
// either the physical address of the next-level table or, at a leaf, of
// the mapped frame.
type entry uint64

const (
	entryPresent  entry = 1 << 0
	entryWrite    entry = 1 << 1
	entryUser     entry = 1 << 2
	entryWriteThru entry = 1 << 3
	entryCacheDis entry = 1 << 4
	entryAccessed entry = 1 << 5
	entryDirty    entry = 1 << 6
	entryHuge     entry = 1 << 7 // PS bit at PDPT/PD level
	entryGlobal   entry = 1 << 8
	entryPAT4K    entry = 1 << 7  // PAT bit position differs for 4K leaves
	entryPAT2M1G  entry = 1 << 12 // and for huge leaves
	entryPKeyShift      = 59
	entryPKeyMask entry = 0xf << entryPKeyShift
	entryNX       entry = 1 << 63

	addrMask entry = 0x000f_ffff_ffff_f000
)

const entriesPerTable = 512

type table [entriesPerTable]entry

// attrRow is one row of the {flags × cache policy} -> raw-PTE-bits
// attribute table GlobalInit builds once.
type attrRow struct {
	bits entry
}

// attrTable holds the raw PTE bits for each CachePolicy, indexed by
// defs.CachePolicy. Permission bits (Read/Write/User/Execute/Global) are
// cheap enough to compute directly in encodeFlags and don't need a
// table; cache policy is the one axis that benefits from being
// programmed once at init instead of re-derived on every Map call.
var attrTable [5]attrRow
var nxSupported bool
var pcidSupported bool

// GlobalInit detects NX/PCID support and programs the cache-policy ->
// PAT/PCD/PWT attribute table. It must run before the first PageMap is
// created.
func GlobalInit(log *klog.Logger) {
	nxSupported = detectNX()
	pcidSupported = detectPCID()
	for c := defs.WriteBack; c <= defs.WriteProtected; c++ {
		attrTable[c] = attrRow{bits: cacheBits(c)}
	}
	if log != nil {
		log.Infof("pagemap: nx=%v pcid=%v", nxSupported, pcidSupported)
	}
}

// cacheBits maps a CachePolicy to the PCD/PWT bit pattern. The PAT bit
// is never set, so the index stays within slots 0-3 of the default PAT
// MSR layout (WB, WT, UC-, UC) and no PAT reprogramming is required
// beyond the default the firmware leaves behind. Under that layout
// WriteCombining's PWT|PCD selects UC, and WriteProtected reuses the
// UC-minus encoding since this kernel never enables the WP memory type.
func cacheBits(c defs.CachePolicy) entry {
	switch c {
	case defs.WriteBack:
		return 0
	case defs.WriteThrough:
		return entryWriteThru
	case defs.WriteCombining:
		return entryWriteThru | entryCacheDis
	case defs.Uncached, defs.WriteProtected:
		return entryCacheDis
	default:
		return 0
	}
}

func detectNX() bool {
	_, _, _, edx := amd64.CPUID(0x80000001)
	return edx&(1<<20) != 0
}

func detectPCID() bool {
	_, _, ecx, _ := amd64.CPUID(0x1)
	return ecx&(1<<17) != 0
}

// PageMap is one address space's page-table hierarchy.
type PageMap struct {
	frames   *mem.Allocator
	rootPa   mem.Pa_t
	dirty    bool
	lastPCID int
}

var kernelMap *PageMap

// NewKernel builds the kernel's singleton PageMap: a fresh zeroed root
// with nothing mapped yet. Callers install the direct map and kernel
// image mappings afterward with Map/MapRange.
func NewKernel(frames *mem.Allocator) (*PageMap, error) {
	rootPa, err := frames.AllocClear(1)
	if err != nil {
		return nil, defs.Wrap(defs.ErrOutOfMemory, "pagemap.NewKernel: root frame")
	}
	pm := &PageMap{frames: frames, rootPa: rootPa, dirty: true}
	kernelMap = pm
	return pm, nil
}

// GetKernelMap returns the process-wide kernel PageMap created by the
// most recent NewKernel call.
func GetKernelMap() *PageMap { return kernelMap }

// CreateChild allocates a fresh root and copies the kernel's upper-half
// (indices 256..511, the canonical higher half) entries into it. The
// lower half starts empty; vm.AddressSpace populates it per-process.
func (pm *PageMap) CreateChild() (*PageMap, error) {
	rootPa, err := pm.frames.AllocClear(1)
	if err != nil {
		return nil, defs.Wrap(defs.ErrOutOfMemory, "pagemap.CreateChild: root frame")
	}
	child := &PageMap{frames: pm.frames, rootPa: rootPa, dirty: true}

	src := pm.tableAt(pm.rootPa)
	dst := pm.tableAt(rootPa)
	for i := entriesPerTable / 2; i < entriesPerTable; i++ {
		dst[i] = src[i]
	}
	return child, nil
}

func (pm *PageMap) tableAt(pa mem.Pa_t) *table {
	buf := pm.frames.DmapBytes(pa, mem.PGSIZE)
	return (*table)(unsafe.Pointer(&buf[0]))
}

func pageIndex(va uintptr, level int) int {
	shift := uint(12 + 9*level)
	return int((va >> shift) & 0x1ff)
}

// encodeFlags turns the caller-visible permission bits into raw PTE
// bits. NX is applied whenever the feature is present and Execute is
// absent.
func encodeFlags(flags defs.PageFlags, cache defs.CachePolicy, pkey uint8) entry {
	var e entry = entryPresent
	if flags.Has(defs.Write) {
		e |= entryWrite
	}
	if flags.Has(defs.User) {
		e |= entryUser
	}
	if flags.Has(defs.Global) {
		e |= entryGlobal
	}
	if nxSupported && !flags.Has(defs.Execute) {
		e |= entryNX
	}
	e |= attrTable[cache].bits
	e |= entry(pkey&0xf) << entryPKeyShift
	return e
}

func granularityLevel(size defs.PageSize) int {
	switch size {
	case defs.Size4K:
		return 0
	case defs.Size2M:
		return 1
	case defs.Size1G:
		return 2
	default:
		return 0
	}
}

// Map installs a single leaf mapping at the requested granularity,
// allocating any missing intermediate tables lazily. It fails rather
// than implicitly splitting an existing huge entry when a finer
// granularity is requested through it.
func (pm *PageMap) Map(va uintptr, pa mem.Pa_t, flags defs.PageFlags, cache defs.CachePolicy, size defs.PageSize) error {
	return pm.mapWithKey(va, pa, flags, cache, size, 0)
}

func (pm *PageMap) mapWithKey(va uintptr, pa mem.Pa_t, flags defs.PageFlags, cache defs.CachePolicy, size defs.PageSize, pkey uint8) error {
	level := granularityLevel(size)
	tbl := pm.tableAt(pm.rootPa)

	for l := 3; l > level; l-- {
		idx := pageIndex(va, l)
		e := tbl[idx]
		if e&entryHuge != 0 {
			return defs.Wrap(defs.ErrInvalidArgument, "pagemap.Map: existing huge entry blocks finer mapping")
		}
		if e&entryPresent == 0 {
			childPa, err := pm.frames.AllocClear(1)
			if err != nil {
				return defs.Wrap(defs.ErrOutOfMemory, "pagemap.Map: intermediate table")
			}
			e = entry(childPa)&addrMask | entryPresent | entryWrite | entryUser
			tbl[idx] = e
		}
		tbl = pm.tableAt(mem.Pa_t(e & addrMask))
	}

	idx := pageIndex(va, level)
	if tbl[idx]&entryPresent != 0 {
		return defs.Wrap(defs.ErrInvalidArgument, "pagemap.Map: address already mapped")
	}
	e := entry(pa)&addrMask | encodeFlags(flags, cache, pkey)
	if level > 0 {
		e |= entryHuge
	}
	tbl[idx] = e
	pm.dirty = true
	return nil
}

// MapRange maps [vaStart, vaStart+length) to [paStart, paStart+length),
// greedily choosing the largest granularity each aligned sub-range
// allows to minimize walk depth and TLB pressure.
func (pm *PageMap) MapRange(vaStart uintptr, paStart mem.Pa_t, length uintptr, flags defs.PageFlags, cache defs.CachePolicy) error {
	va, pa, remaining := vaStart, paStart, length
	for remaining > 0 {
		size, bytes := bestGranularity(va, uintptr(pa), remaining)
		if err := pm.Map(va, pa, flags, cache, size); err != nil {
			return err
		}
		va += bytes
		pa += mem.Pa_t(bytes)
		remaining -= bytes
	}
	return nil
}

func bestGranularity(va, pa uintptr, remaining uintptr) (defs.PageSize, uintptr) {
	const g1 = 1 << 30
	const g2 = 1 << 21
	const g4 = 1 << 12
	if va%g1 == 0 && pa%g1 == 0 && remaining >= g1 {
		return defs.Size1G, g1
	}
	if va%g2 == 0 && pa%g2 == 0 && remaining >= g2 {
		return defs.Size2M, g2
	}
	return defs.Size4K, g4
}

// Unmap clears the leaf entry mapping va. It does not flush any TLB;
// the caller flushes afterward (tlb.Ops' concern, not PageMap's). If
// freePhys is set the backing frame is returned to the allocator.
func (pm *PageMap) Unmap(va uintptr, freePhys bool) error {
	tbl := pm.tableAt(pm.rootPa)
	for l := 3; l > 0; l-- {
		idx := pageIndex(va, l)
		e := tbl[idx]
		if e&entryPresent == 0 {
			return defs.Wrap(defs.ErrNotFound, "pagemap.Unmap: no mapping")
		}
		if e&entryHuge != 0 {
			if freePhys {
				pm.frames.Free(mem.Pa_t(e&addrMask), 1)
			}
			tbl[idx] = 0
			pm.dirty = true
			return nil
		}
		tbl = pm.tableAt(mem.Pa_t(e & addrMask))
	}
	idx := pageIndex(va, 0)
	e := tbl[idx]
	if e&entryPresent == 0 {
		return defs.Wrap(defs.ErrNotFound, "pagemap.Unmap: no mapping")
	}
	if freePhys {
		pm.frames.Free(mem.Pa_t(e&addrMask), 1)
	}
	tbl[idx] = 0
	pm.dirty = true
	return nil
}

// Translate walks the hierarchy and returns the physical address va
// currently maps to, or ok=false if no mapping exists.
func (pm *PageMap) Translate(va uintptr) (mem.Pa_t, bool) {
	tbl := pm.tableAt(pm.rootPa)
	for l := 3; l > 0; l-- {
		idx := pageIndex(va, l)
		e := tbl[idx]
		if e&entryPresent == 0 {
			return 0, false
		}
		if e&entryHuge != 0 {
			shift := uint(12 + 9*l)
			offset := va & ((1 << shift) - 1)
			return mem.Pa_t(e&addrMask) + mem.Pa_t(offset), true
		}
		tbl = pm.tableAt(mem.Pa_t(e & addrMask))
	}
	idx := pageIndex(va, 0)
	e := tbl[idx]
	if e&entryPresent == 0 {
		return 0, false
	}
	offset := va & uintptr(mem.PGSIZE-1)
	return mem.Pa_t(e&addrMask) + mem.Pa_t(offset), true
}

// GetFlags returns the caller-visible flags and cache policy currently
// programmed at va.
func (pm *PageMap) GetFlags(va uintptr) (defs.PageFlags, defs.CachePolicy, error) {
	tbl := pm.tableAt(pm.rootPa)
	var e entry
	for l := 3; l >= 0; l-- {
		idx := pageIndex(va, l)
		e = tbl[idx]
		if e&entryPresent == 0 {
			return 0, 0, defs.Wrap(defs.ErrNotFound, "pagemap.GetFlags: no mapping")
		}
		if l == 0 || e&entryHuge != 0 {
			break
		}
		tbl = pm.tableAt(mem.Pa_t(e & addrMask))
	}
	var flags defs.PageFlags
	flags |= defs.Read
	if e&entryWrite != 0 {
		flags |= defs.Write
	}
	if e&entryUser != 0 {
		flags |= defs.User
	}
	if e&entryGlobal != 0 {
		flags |= defs.Global
	}
	if e&entryNX == 0 {
		flags |= defs.Execute
	}
	cache := defs.WriteBack
	if e&entryCacheDis != 0 {
		cache = defs.Uncached
	} else if e&entryWriteThru != 0 {
		cache = defs.WriteThrough
	}
	return flags, cache, nil
}

// GetProtectionKey returns the protection-key bits (0..15) programmed at
// va.
func (pm *PageMap) GetProtectionKey(va uintptr) (uint8, error) {
	tbl := pm.tableAt(pm.rootPa)
	var e entry
	for l := 3; l >= 0; l-- {
		idx := pageIndex(va, l)
		e = tbl[idx]
		if e&entryPresent == 0 {
			return 0, defs.Wrap(defs.ErrNotFound, "pagemap.GetProtectionKey: no mapping")
		}
		if l == 0 || e&entryHuge != 0 {
			break
		}
		tbl = pm.tableAt(mem.Pa_t(e & addrMask))
	}
	return uint8((e & entryPKeyMask) >> entryPKeyShift), nil
}

// RootPhys returns the physical address that Load installs into CR3.
func (pm *PageMap) RootPhys() mem.Pa_t { return pm.rootPa }

// Load installs this PageMap as the active one. With PCID support: if
// the map is clean and pcid was loaded recently on this core, the
// hardware is told to preserve TLB entries; needsFlush forces a flush of
// that PCID before the switch regardless.
func (pm *PageMap) Load(pcid int, needsFlush bool) {
	cr3 := uint64(pm.rootPa)
	if pcidSupported {
		cr3 |= uint64(pcid) & 0xfff
		if !needsFlush && !pm.dirty && pcid == pm.lastPCID {
			cr3 |= 1 << 63 // preserve-TLB bit
		}
	}
	amd64.LoadCR3(cr3)
	pm.dirty = false
	pm.lastPCID = pcid
}
