// Package mem implements the PhysicalFrameAllocator: the bottom-most
// allocator in the kernel, owning every 4 KiB physical frame and handing
// them out to pagemap, kvmalloc, and heap. Nothing above this package
// touches a physical address without going through Alloc/Free.
package mem

import (
	"fmt"
	"math/bits"
	"sync"

	"smpkern/boot"
	"smpkern/config"
	"smpkern/defs"
	"smpkern/klog"
	"smpkern/util"
)

// Pa_t is a physical address, kept distinct from a bare uintptr so every
// call site that handles one reads as "this is physical, not virtual".
type Pa_t uintptr

// PGSHIFT, PGSIZE, PGOFFSET and PGMASK describe the 4 KiB x86-64 leaf
// geometry; pagemap imports these instead of redefining them so the
// allocator and the page-table walker can never disagree about frame size.
const (
	PGSHIFT  uint  = 12
	PGSIZE   int   = 1 << PGSHIFT
	PGOFFSET Pa_t  = 0xfff
	PGMASK   Pa_t  = ^PGOFFSET
)

func pa2pfn(pa Pa_t) uint64 { return uint64(pa) >> PGSHIFT }
func pfn2pa(pfn uint64) Pa_t { return Pa_t(pfn << PGSHIFT) }

const bitsPerWord = 64

// Allocator is the physical frame allocator: a bitmap of allocation
// state, a summary bitmap that lets scans skip fully-allocated 64-page
// words, and a per-allocator stack cache that serves the common
// single-frame alloc/free pattern without touching the bitmap at all.
//
// The metadata (bitmap, summary, cache) lives in ordinary Go-heap slices
// rather than hand-placed in a bootloader memmap hole -- see DESIGN.md's
// note on this simplification.
type Allocator struct {
	mu sync.Mutex

	bitmap     []uint64 // one bit per frame; 1 = allocated
	summary    []uint64 // one bit per bitmap word; 1 = word is completely full
	totalPages int
	usedPages  int
	hint       int // next page index to resume single/multi-frame scans from

	cache    []Pa_t // LIFO stack of recently freed single frames
	cacheTop int

	// refcounts holds entries only for frames shared beyond their default
	// single-owner state; an allocated frame absent here has an implicit
	// count of 1. Refup/Refdown are an extension point for a future
	// copy-on-write fault handler and are never touched by Alloc/Free.
	refcounts map[Pa_t]int32

	hhdm uintptr // boot.Info.HHDMOffset, for AllocClear's zeroing pass
	log  *klog.Logger
}

// Stats is the snapshot returned by Allocator.Stats.
type Stats struct {
	TotalBytes uint64
	UsedBytes  uint64
	FreeBytes  uint64
}

// New builds an Allocator from the bootloader's memory map. It sizes the
// bitmap to cover every page up to the highest usable/reclaimable
// address, marks everything allocated, then frees back each MemUsable
// region: reserve metadata, mark all used, free the usable ranges.
func New(info boot.Info, cfg config.Config, log *klog.Logger) (*Allocator, error) {
	var highest uint64
	info.VisitMemRegions(func(r boot.MemoryRegion) bool {
		switch r.Kind {
		case boot.MemUsable, boot.MemBootloaderReclaimable,
			boot.MemKernelAndModules, boot.MemACPIReclaimable:
			if end := r.Base + r.Length; end > highest {
				highest = end
			}
		}
		return true
	})

	total := int(util.Roundup(int(highest), PGSIZE) / PGSIZE)
	if total == 0 {
		return nil, defs.Wrap(defs.ErrInvalidArgument, "mem.New: empty memory map")
	}

	words := (total + bitsPerWord - 1) / bitsPerWord
	summaryWords := (words + bitsPerWord - 1) / bitsPerWord

	a := &Allocator{
		bitmap:     make([]uint64, words),
		summary:    make([]uint64, summaryWords),
		totalPages: total,
		usedPages:  total,
		cache:      make([]Pa_t, cfg.FrameCacheSize),
		refcounts:  make(map[Pa_t]int32),
		hhdm:       info.HHDMOffset,
		log:        log,
	}
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}
	// A short final word still marks out-of-range pages allocated; they
	// are never visited by a scan because totalPages bounds every walk.
	for i := range a.summary {
		a.summary[i] = ^uint64(0)
	}

	info.VisitMemRegions(func(r boot.MemoryRegion) bool {
		if r.Kind != boot.MemUsable {
			return true
		}
		base := util.Roundup(int(r.Base), PGSIZE)
		end := util.Rounddown(int(r.Base+r.Length), PGSIZE)
		if end <= base {
			return true
		}
		pages := (end - base) / PGSIZE
		a.freeToBitmap(uint64(base)>>PGSHIFT, pages)
		return true
	})

	if log != nil {
		log.Infof("mem: %d pages managed (%d MiB), %d free after init",
			a.totalPages, (a.totalPages*PGSIZE)>>20, a.totalPages-a.usedPages)
	}
	return a, nil
}

func (a *Allocator) wordFull(w int) bool { return a.bitmap[w] == ^uint64(0) }

func (a *Allocator) setSummaryIfFull(w int) {
	if a.wordFull(w) {
		a.summary[w/bitsPerWord] |= 1 << uint(w%bitsPerWord)
	}
}

func (a *Allocator) clearSummary(w int) {
	a.summary[w/bitsPerWord] &^= 1 << uint(w%bitsPerWord)
}

func (a *Allocator) testBit(idx int) bool {
	return a.bitmap[idx/bitsPerWord]&(1<<uint(idx%bitsPerWord)) != 0
}

func (a *Allocator) setBit(idx int) {
	w := idx / bitsPerWord
	a.bitmap[w] |= 1 << uint(idx%bitsPerWord)
	a.setSummaryIfFull(w)
}

func (a *Allocator) clearBit(idx int) {
	w := idx / bitsPerWord
	a.bitmap[w] &^= 1 << uint(idx%bitsPerWord)
	a.clearSummary(w)
}

// Alloc reserves count contiguous frames and returns the physical address
// of the first one.
func (a *Allocator) Alloc(count int) (Pa_t, error) {
	if count <= 0 {
		return 0, defs.Wrap(defs.ErrInvalidArgument, "mem.Alloc: count must be positive")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if count == 1 {
		if pa, ok := a.cachePop(); ok {
			a.usedPages++
			return pa, nil
		}
	}

	idx, ok := a.allocFromBitmap(count)
	if !ok {
		return 0, defs.Wrap(defs.ErrOutOfMemory, "mem.Alloc: no run of frames available")
	}
	return pfn2pa(uint64(idx)), nil
}

// AllocAligned reserves count contiguous frames whose physical address is
// a multiple of align, which must be a power-of-two multiple of PGSIZE.
func (a *Allocator) AllocAligned(count int, align int) (Pa_t, error) {
	if count <= 0 || align <= 0 || align%PGSIZE != 0 || !util.IsPow2(align/PGSIZE) {
		return 0, defs.Wrap(defs.ErrInvalidArgument, "mem.AllocAligned: bad count or alignment")
	}
	pagesPerAlign := align / PGSIZE

	a.mu.Lock()
	defer a.mu.Unlock()

	tryFrom := func(start, end int) (int, bool) {
		cur := util.Roundup(start, pagesPerAlign)
		for cur < end {
			if cur+count > a.totalPages {
				return 0, false
			}
			fit := true
			for j := 0; j < count; j++ {
				if a.testBit(cur + j) {
					cur = util.Roundup(cur+j+1, pagesPerAlign)
					fit = false
					break
				}
			}
			if fit {
				for j := 0; j < count; j++ {
					a.setBit(cur + j)
				}
				a.usedPages += count
				a.hint = cur + count
				return cur, true
			}
		}
		return 0, false
	}

	if idx, ok := tryFrom(a.hint, a.totalPages); ok {
		return pfn2pa(uint64(idx)), nil
	}
	if a.hint > 0 {
		if idx, ok := tryFrom(0, a.hint); ok {
			return pfn2pa(uint64(idx)), nil
		}
	}
	return 0, defs.Wrap(defs.ErrOutOfMemory, "mem.AllocAligned: no aligned run available")
}

// AllocClear is Alloc followed by zeroing the frames through the direct
// map.
func (a *Allocator) AllocClear(count int) (Pa_t, error) {
	pa, err := a.Alloc(count)
	if err != nil {
		return 0, err
	}
	buf := a.DmapBytes(pa, count*PGSIZE)
	for i := range buf {
		buf[i] = 0
	}
	return pa, nil
}

// allocFromBitmap performs a two-pass hint-based scan: single frames use
// count-trailing-zeros on the first non-full word found by walking the
// summary bitmap; multi-frame runs scan for `count` consecutive clear
// bits, skipping whole full words.
func (a *Allocator) allocFromBitmap(count int) (int, bool) {
	if count == 1 {
		return a.allocSingleFromBitmap()
	}
	if idx, ok := a.tryAllocRange(a.hint, a.totalPages, count); ok {
		return idx, true
	}
	if a.hint > 0 {
		if idx, ok := a.tryAllocRange(0, a.hint, count); ok {
			return idx, true
		}
	}
	return 0, false
}

func (a *Allocator) allocSingleFromBitmap() (int, bool) {
	startWord := a.hint / bitsPerWord
	for n := 0; n < len(a.bitmap); n++ {
		i := (startWord + n) % len(a.bitmap)
		if a.summary[i/bitsPerWord]&(1<<uint(i%bitsPerWord)) != 0 {
			continue // whole word full, summary says so
		}
		entry := a.bitmap[i]
		if entry == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^entry)
		idx := i*bitsPerWord + bit
		if idx >= a.totalPages {
			continue
		}
		a.setBit(idx)
		a.usedPages++
		a.hint = idx + 1
		return idx, true
	}
	return 0, false
}

func (a *Allocator) tryAllocRange(start, end, count int) (int, bool) {
	consecutive := 0
	for i := start; i < end; i++ {
		if consecutive == 0 && i%bitsPerWord == 0 {
			w := i / bitsPerWord
			if w < len(a.summary)*bitsPerWord && a.summary[w/bitsPerWord]&(1<<uint(w%bitsPerWord)) != 0 {
				i += bitsPerWord - 1
				continue
			}
		}
		if !a.testBit(i) {
			consecutive++
			if consecutive == count {
				blockStart := i - count + 1
				for j := 0; j < count; j++ {
					a.setBit(blockStart + j)
				}
				a.usedPages += count
				a.hint = blockStart + count
				return blockStart, true
			}
		} else {
			consecutive = 0
		}
	}
	return 0, false
}

// Free returns count frames starting at pa to the allocator. A
// single-frame free tries the stack cache first; when the cache is full
// it flushes half of it back to the bitmap before pushing, exactly as
// the original flush_cache_to_bitmap/free does.
func (a *Allocator) Free(pa Pa_t, count int) {
	if count <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if count == 1 {
		if a.cachePush(pa) {
			a.usedPages--
			return
		}
		toFlush := len(a.cache) / 2
		for i := 0; i < toFlush; i++ {
			flushed, ok := a.cachePop()
			if !ok {
				break
			}
			a.usedPages++ // cache entries count as free; undo before freeToBitmap double-decrements
			a.freeToBitmap(uint64(flushed)>>PGSHIFT, 1)
		}
		a.cachePush(pa)
		a.usedPages--
		return
	}

	a.freeToBitmap(uint64(pa)>>PGSHIFT, count)
}

func (a *Allocator) freeToBitmap(startPFN uint64, count int) {
	for i := 0; i < count; i++ {
		idx := int(startPFN) + i
		if idx < a.totalPages && a.testBit(idx) {
			a.clearBit(idx)
			a.usedPages--
		}
	}
	if int(startPFN) < a.hint {
		a.hint = int(startPFN)
	}
}

func (a *Allocator) cachePush(pa Pa_t) bool {
	if a.cacheTop < len(a.cache) {
		a.cache[a.cacheTop] = pa
		a.cacheTop++
		return true
	}
	return false
}

func (a *Allocator) cachePop() (Pa_t, bool) {
	if a.cacheTop > 0 {
		a.cacheTop--
		return a.cache[a.cacheTop], true
	}
	return 0, false
}

// Reclaim returns every frame in regions of the given kind to the
// allocator. Called once the kernel is done with bootloader-owned or
// ACPI-reclaimable memory.
func (a *Allocator) Reclaim(regions []boot.MemoryRegion, kind boot.MemoryKind) {
	for _, r := range regions {
		if r.Kind != kind {
			continue
		}
		base := util.Roundup(int(r.Base), PGSIZE)
		end := util.Rounddown(int(r.Base+r.Length), PGSIZE)
		if end <= base {
			continue
		}
		a.Free(Pa_t(base), (end-base)/PGSIZE)
		if a.log != nil {
			a.log.Infof("mem: reclaimed %d pages of kind %d at %#x", (end-base)/PGSIZE, kind, base)
		}
	}
}

// Stats reports total/used/free memory in bytes.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := uint64(a.totalPages) * uint64(PGSIZE)
	used := uint64(a.usedPages) * uint64(PGSIZE)
	return Stats{TotalBytes: total, UsedBytes: used, FreeBytes: total - used}
}

// Refcnt returns pa's current reference count: 1 for an ordinarily-owned
// allocated frame, or whatever Refup has raised it to for a frame shared
// across more than one page table.
func (a *Allocator) Refcnt(pa Pa_t) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.refcounts[pa]; ok {
		return int(c)
	}
	return 1
}

// Refup raises pa's reference count, marking it shared. Intended for a
// copy-on-write fault handler that maps an already-allocated frame into a
// second address space instead of copying it.
func (a *Allocator) Refup(pa Pa_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.refcounts[pa]; ok {
		a.refcounts[pa] = c + 1
	} else {
		a.refcounts[pa] = 2
	}
}

// Refdown lowers pa's reference count and reports whether it has fallen
// back to sole ownership. It never calls Free itself -- the caller
// decides, once back to sole ownership, whether to keep the frame or
// release it.
func (a *Allocator) Refdown(pa Pa_t) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.refcounts[pa]
	if !ok {
		return true
	}
	c--
	if c <= 1 {
		delete(a.refcounts, pa)
		return true
	}
	a.refcounts[pa] = c
	return false
}

func (a *Allocator) String() string {
	s := a.Stats()
	return fmt.Sprintf("mem.Allocator{total=%dMiB used=%dMiB free=%dMiB}",
		s.TotalBytes>>20, s.UsedBytes>>20, s.FreeBytes>>20)
}
