package heap

import (
	"testing"
	"unsafe"

	"smpkern/boot"
	"smpkern/config"
	"smpkern/kvmalloc"
	"smpkern/mem"
	"smpkern/pagemap"
)

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	const pages = 512
	backing := make([]byte, pages*mem.PGSIZE+mem.PGSIZE)
	hhdm := uintptr(unsafe.Pointer(&backing[0]))

	frames, err := mem.New(boot.Info{
		MemMap:     []boot.MemoryRegion{{Base: 0, Length: uint64(pages * mem.PGSIZE), Kind: boot.MemUsable}},
		HHDMOffset: hhdm,
	}, config.Default(), nil)
	if err != nil {
		t.Fatalf("mem.New: %v", err)
	}

	pagemap.GlobalInit(nil)
	pm, err := pagemap.NewKernel(frames)
	if err != nil {
		t.Fatalf("pagemap.NewKernel: %v", err)
	}

	vmArena := kvmalloc.New(frames, hhdm)
	if err := vmArena.Init(0x2000_0000_0000, 0x1000_0000); err != nil {
		t.Fatalf("vmArena.Init: %v", err)
	}

	cfg := config.Default()
	cfg.MaxCPUs = 4
	return New(cfg, vmArena, frames, pm)
}

func TestMallocFreeSmallRoundTrip(t *testing.T) {
	h := newTestHeap(t)

	ptr, err := h.Malloc(0, 24)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if ptr == 0 {
		t.Fatal("Malloc returned nil pointer")
	}

	s := h.heapMap.Lookup(ptr)
	if s == nil {
		t.Fatal("Malloc'd pointer not registered in HeapMap")
	}
	if s.isLarge {
		t.Fatal("24-byte request should not take the large path")
	}

	if err := h.Free(0, ptr); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestMallocDistinctObjectsDoNotOverlap(t *testing.T) {
	h := newTestHeap(t)

	seen := map[uintptr]bool{}
	for i := 0; i < 100; i++ {
		ptr, err := h.Malloc(0, 16)
		if err != nil {
			t.Fatalf("Malloc: %v", err)
		}
		if seen[ptr] {
			t.Fatalf("Malloc returned duplicate pointer 0x%x", ptr)
		}
		seen[ptr] = true
	}
}

func TestFreeFlushesBatchAndUpdatesFreelist(t *testing.T) {
	h := newTestHeap(t)

	ptrs := make([]uintptr, h.batchSize)
	for i := range ptrs {
		ptr, err := h.Malloc(0, 16)
		if err != nil {
			t.Fatalf("Malloc: %v", err)
		}
		ptrs[i] = ptr
	}
	s := h.heapMap.Lookup(ptrs[0])

	for _, ptr := range ptrs {
		if err := h.Free(0, ptr); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}

	last := ptrs[len(ptrs)-1]
	if s.freeHead != last {
		t.Fatalf("flush should push the last-freed pointer to its slab's freelist head, got 0x%x want 0x%x", s.freeHead, last)
	}
}

func TestLargeAllocationRoundTrip(t *testing.T) {
	h := newTestHeap(t)

	ptr, err := h.Malloc(0, 1<<20)
	if err != nil {
		t.Fatalf("Malloc large: %v", err)
	}
	s := h.heapMap.Lookup(ptr)
	if s == nil || !s.isLarge {
		t.Fatal("megabyte request should register as a large Slab")
	}
	if s.pageCount != (1<<20)/pageBytes {
		t.Fatalf("unexpected page count %d", s.pageCount)
	}

	if err := h.Free(0, ptr); err != nil {
		t.Fatalf("Free large: %v", err)
	}
	if h.heapMap.Lookup(ptr) != nil {
		t.Fatal("freed large allocation should be removed from the HeapMap")
	}
}

func TestFreeUnknownPointerFails(t *testing.T) {
	h := newTestHeap(t)
	if err := h.Free(0, 0xdeadbeef); err == nil {
		t.Fatal("expected Free of an unregistered pointer to fail")
	}
}

func TestAlignedMallocReturnsAlignedAddress(t *testing.T) {
	h := newTestHeap(t)

	ptr, err := h.AlignedMalloc(0, 64, 64)
	if err != nil {
		t.Fatalf("AlignedMalloc: %v", err)
	}
	if ptr%64 != 0 {
		t.Fatalf("expected 64-byte aligned address, got 0x%x", ptr)
	}

	if err := h.AlignedFree(0, ptr); err != nil {
		t.Fatalf("AlignedFree: %v", err)
	}
}

func TestMallocBatchFlushTransitionsSlabState(t *testing.T) {
	h := newTestHeap(t)

	var ptrs []uintptr
	// Fill one slab's worth of 16-byte objects for class index 0.
	total := pageBytes / h.sizeClasses[0]
	for i := 0; i < total; i++ {
		ptr, err := h.Malloc(0, h.sizeClasses[0])
		if err != nil {
			t.Fatalf("Malloc: %v", err)
		}
		ptrs = append(ptrs, ptr)
	}

	for _, ptr := range ptrs {
		if err := h.Free(0, ptr); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
	cache := &h.percpu[0][0]
	h.flush(0, cache)

	cs := &h.classes[0]
	if cs.empty == nil {
		t.Fatal("fully freed slab should have transitioned to the empty list")
	}
}
