// Package heap implements the kernel's SLUB-style general-purpose
// allocator: per-CPU active slabs backed by shared per-class partial
// and empty lists, a large-allocation path for anything bigger than
// the largest size class, and the HeapMap radix table that lets Free
// look up the owning Slab for any address the heap ever returned.
package heap

import (
	"encoding/binary"
	"sync"

	"smpkern/config"
	"smpkern/defs"
	"smpkern/kvmalloc"
	"smpkern/mem"
	"smpkern/pagemap"
)

const pageBytes = mem.PGSIZE

// Slab describes one heap-owned page (small classes) or run of pages
// (large allocations). Small slabs thread their free objects into an
// intrusive singly-linked list stored in the object bytes themselves,
// exactly like the objects a caller gets back -- there is no separate
// freelist array.
type Slab struct {
	next, prev *Slab

	basePA    mem.Pa_t
	baseVA    uintptr
	pageCount int

	classIndex   int
	objectSize   int
	totalObjects int
	usedCount    int
	freeHead     uintptr // VA of the first free object, 0 if none

	isLarge bool
}

type classState struct {
	mu      sync.Mutex
	objSize int
	partial *Slab
	empty   *Slab
}

func unlinkSlab(head **Slab, s *Slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else if *head == s {
		*head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.next, s.prev = nil, nil
}

func pushSlab(head **Slab, s *Slab) {
	s.prev = nil
	s.next = *head
	if *head != nil {
		(*head).prev = s
	}
	*head = s
}

// cpuClassCache is the per-CPU, per-class fast path: one active slab to
// allocate from and a small batch of freed pointers not yet returned to
// their slabs under the class lock.
type cpuClassCache struct {
	active *Slab
	batch  []uintptr
}

// Heap is the kernel-wide allocator. One Heap is shared by every CPU;
// per-CPU state is indexed by the caller-supplied CPU index so the
// fast path never takes a lock shared across cores.
type Heap struct {
	sizeClasses []int
	classes     []classState
	percpu      [][]cpuClassCache
	batchSize   int

	vmArena *kvmalloc.Allocator
	frames  *mem.Allocator
	pm      *pagemap.PageMap
	heapMap *HeapMap
}

// New returns a Heap with one class per entry in cfg.HeapSizeClasses
// and per-CPU state for cfg.MaxCPUs cores.
func New(cfg config.Config, vmArena *kvmalloc.Allocator, frames *mem.Allocator, pm *pagemap.PageMap) *Heap {
	h := &Heap{
		sizeClasses: append([]int(nil), cfg.HeapSizeClasses...),
		vmArena:     vmArena,
		frames:      frames,
		pm:          pm,
		heapMap:     NewHeapMap(),
		batchSize:   cfg.HeapFreeBatchSize,
	}
	h.classes = make([]classState, len(h.sizeClasses))
	for i, sz := range h.sizeClasses {
		h.classes[i].objSize = sz
	}
	h.percpu = make([][]cpuClassCache, cfg.MaxCPUs)
	for c := range h.percpu {
		h.percpu[c] = make([]cpuClassCache, len(h.sizeClasses))
	}
	return h
}

// classFor returns the index of the smallest size class that fits
// size, or -1 if size needs the large-allocation path.
func (h *Heap) classFor(size int) int {
	for i, sz := range h.sizeClasses {
		if size <= sz {
			return i
		}
	}
	return -1
}

// Malloc allocates size bytes on behalf of the given CPU and returns
// the virtual address of the new object. Every address Malloc returns
// stays registered in the HeapMap until freed.
func (h *Heap) Malloc(cpu int, size int) (uintptr, error) {
	if size <= 0 {
		return 0, defs.Wrap(defs.ErrInvalidArgument, "heap: Malloc")
	}
	idx := h.classFor(size)
	if idx < 0 {
		return h.allocLarge(size)
	}

	cache := &h.percpu[cpu][idx]
	if cache.active == nil || cache.active.freeHead == 0 {
		slab, err := h.refill(idx)
		if err != nil {
			return 0, err
		}
		cache.active = slab
	}
	return h.takeObject(cache.active), nil
}

// refill finds a slab to make active for class idx: a partial slab,
// then an empty one, then a freshly carved page, in that order.
func (h *Heap) refill(idx int) (*Slab, error) {
	cs := &h.classes[idx]
	cs.mu.Lock()
	if cs.partial != nil {
		s := cs.partial
		unlinkSlab(&cs.partial, s)
		cs.mu.Unlock()
		return s, nil
	}
	if cs.empty != nil {
		s := cs.empty
		unlinkSlab(&cs.empty, s)
		cs.mu.Unlock()
		return s, nil
	}
	cs.mu.Unlock()
	return h.newSlab(idx)
}

// newSlab reserves a virtual page, backs it with a physical frame,
// threads its intrusive freelist, and registers it in the HeapMap.
func (h *Heap) newSlab(idx int) (*Slab, error) {
	va, err := h.vmArena.AllocRegion(uintptr(pageBytes), uintptr(pageBytes))
	if err != nil {
		return nil, err
	}
	pa, err := h.frames.Alloc(1)
	if err != nil {
		h.vmArena.FreeRegion(va, uintptr(pageBytes))
		return nil, err
	}
	if err := h.pm.Map(va, pa, defs.Read|defs.Write, defs.WriteBack, defs.Size4K); err != nil {
		h.frames.Free(pa, 1)
		h.vmArena.FreeRegion(va, uintptr(pageBytes))
		return nil, err
	}

	objSize := h.sizeClasses[idx]
	total := pageBytes / objSize

	buf := h.frames.DmapBytes(pa, pageBytes)
	for i := 0; i < total-1; i++ {
		next := uint64(va) + uint64((i+1)*objSize)
		binary.LittleEndian.PutUint64(buf[i*objSize:], next)
	}
	binary.LittleEndian.PutUint64(buf[(total-1)*objSize:], 0)

	s := &Slab{
		basePA:       pa,
		baseVA:       va,
		pageCount:    1,
		classIndex:   idx,
		objectSize:   objSize,
		totalObjects: total,
		freeHead:     va,
	}
	h.heapMap.Insert(va, s)
	return s, nil
}

// takeObject pops the head of s's intrusive freelist.
func (h *Heap) takeObject(s *Slab) uintptr {
	obj := s.freeHead
	buf := h.frames.DmapBytes(s.basePA, pageBytes)
	off := obj - s.baseVA
	next := binary.LittleEndian.Uint64(buf[off:])
	s.freeHead = uintptr(next)
	s.usedCount++
	return obj
}

// Free releases a pointer previously returned by Malloc. Large
// allocations are unmapped immediately; small objects go through the
// per-CPU batch buffer and are only returned to their slab's freelist
// once the batch fills.
func (h *Heap) Free(cpu int, ptr uintptr) error {
	if ptr == 0 {
		return defs.Wrap(defs.ErrInvalidArgument, "heap: Free nil pointer")
	}
	s := h.heapMap.Lookup(ptr)
	if s == nil {
		return defs.Wrap(defs.ErrNotFound, "heap: Free unregistered pointer")
	}
	if s.isLarge {
		return h.freeLarge(s)
	}

	cache := &h.percpu[cpu][s.classIndex]
	cache.batch = append(cache.batch, ptr)
	if len(cache.batch) >= h.batchSize {
		h.flush(s.classIndex, cache)
	}
	return nil
}

// flush returns every pointer in cache's batch to its owning slab's
// freelist under that class's lock, transitioning slabs between the
// partial and empty lists as usedCount changes.
func (h *Heap) flush(idx int, cache *cpuClassCache) {
	cs := &h.classes[idx]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, ptr := range cache.batch {
		s := h.heapMap.Lookup(ptr)
		if s == nil {
			continue
		}
		buf := h.frames.DmapBytes(s.basePA, pageBytes)
		off := ptr - s.baseVA
		binary.LittleEndian.PutUint64(buf[off:], uint64(s.freeHead))
		s.freeHead = ptr
		s.usedCount--

		if s.usedCount == s.totalObjects-1 {
			pushSlab(&cs.partial, s)
		} else if s.usedCount == 0 {
			unlinkSlab(&cs.partial, s)
			pushSlab(&cs.empty, s)
		}
	}
	cache.batch = cache.batch[:0]
}

// allocLarge backs size (rounded up to whole pages) with a run of
// individually mapped 4 KiB pages, so Unmap can later release them one
// at a time regardless of whether PageMap would have preferred a
// larger leaf granularity for a plain MapRange.
func (h *Heap) allocLarge(size int) (uintptr, error) {
	pages := (size + pageBytes - 1) / pageBytes
	length := uintptr(pages) * uintptr(pageBytes)

	va, err := h.vmArena.AllocRegion(length, uintptr(pageBytes))
	if err != nil {
		return 0, err
	}
	pa, err := h.frames.Alloc(pages)
	if err != nil {
		h.vmArena.FreeRegion(va, length)
		return 0, err
	}
	for i := 0; i < pages; i++ {
		pageVA := va + uintptr(i*pageBytes)
		pagePA := pa + mem.Pa_t(i*pageBytes)
		if err := h.pm.Map(pageVA, pagePA, defs.Read|defs.Write, defs.WriteBack, defs.Size4K); err != nil {
			for j := 0; j < i; j++ {
				h.pm.Unmap(va+uintptr(j*pageBytes), false)
			}
			h.frames.Free(pa, pages)
			h.vmArena.FreeRegion(va, length)
			return 0, err
		}
	}

	s := &Slab{
		basePA:       pa,
		baseVA:       va,
		pageCount:    pages,
		totalObjects: pages,
		usedCount:    pages,
		isLarge:      true,
	}
	h.heapMap.InsertRange(va, length, s)
	return va, nil
}

func (h *Heap) freeLarge(s *Slab) error {
	length := uintptr(s.pageCount) * uintptr(pageBytes)
	h.heapMap.RemoveRange(s.baseVA, length)
	for i := 0; i < s.pageCount; i++ {
		if err := h.pm.Unmap(s.baseVA+uintptr(i*pageBytes), false); err != nil {
			return err
		}
	}
	h.frames.Free(s.basePA, s.pageCount)
	h.vmArena.FreeRegion(s.baseVA, length)
	return nil
}

// AlignedMalloc reserves size+align+8 bytes through Malloc and stashes
// the raw pointer immediately before the aligned address it returns,
// so AlignedFree can recover it.
func (h *Heap) AlignedMalloc(cpu int, size int, align int) (uintptr, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, defs.Wrap(defs.ErrInvalidArgument, "heap: AlignedMalloc alignment")
	}
	const ptrBytes = 8
	overhead := align + ptrBytes
	raw, err := h.Malloc(cpu, size+overhead)
	if err != nil {
		return 0, err
	}

	start := raw + ptrBytes
	aligned := (start + uintptr(align) - 1) &^ (uintptr(align) - 1)

	s := h.heapMap.Lookup(raw)
	stashBuf := h.frames.DmapBytes(s.basePA, pageBytes*maxInt(1, s.pageCount))
	binary.LittleEndian.PutUint64(stashBuf[aligned-ptrBytes-s.baseVA:], uint64(raw))

	return aligned, nil
}

// AlignedFree recovers the raw pointer stashed by AlignedMalloc and
// forwards it to Free.
func (h *Heap) AlignedFree(cpu int, ptr uintptr) error {
	if ptr == 0 {
		return defs.Wrap(defs.ErrInvalidArgument, "heap: AlignedFree nil pointer")
	}
	const ptrBytes = 8
	s := h.heapMap.Lookup(ptr - ptrBytes)
	if s == nil {
		return defs.Wrap(defs.ErrNotFound, "heap: AlignedFree unregistered pointer")
	}
	buf := h.frames.DmapBytes(s.basePA, pageBytes*maxInt(1, s.pageCount))
	raw := uintptr(binary.LittleEndian.Uint64(buf[ptr-ptrBytes-s.baseVA:]))
	return h.Free(cpu, raw)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
