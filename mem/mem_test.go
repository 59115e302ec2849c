package mem

import (
	"testing"

	"smpkern/boot"
	"smpkern/config"
)

func testInfo(numPages int) boot.Info {
	return boot.Info{
		MemMap: []boot.MemoryRegion{
			{Base: 0, Length: uint64(numPages * PGSIZE), Kind: boot.MemUsable},
		},
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.FrameCacheSize = 4
	return cfg
}

func TestNewMarksEverythingFreeFromUsableRegions(t *testing.T) {
	a, err := New(testInfo(256), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stats := a.Stats()
	if stats.TotalBytes != uint64(256*PGSIZE) {
		t.Fatalf("TotalBytes = %d, want %d", stats.TotalBytes, 256*PGSIZE)
	}
	if stats.UsedBytes != 0 {
		t.Fatalf("UsedBytes = %d, want 0 right after init", stats.UsedBytes)
	}
}

func TestAllocFreeSingleFrameRoundTrip(t *testing.T) {
	a, err := New(testInfo(256), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pa, err := a.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc(1): %v", err)
	}
	if pa%Pa_t(PGSIZE) != 0 {
		t.Fatalf("Alloc(1) returned unaligned address %#x", pa)
	}
	if got := a.Stats().UsedBytes; got != uint64(PGSIZE) {
		t.Fatalf("UsedBytes after one alloc = %d, want %d", got, PGSIZE)
	}
	a.Free(pa, 1)
	if got := a.Stats().UsedBytes; got != 0 {
		t.Fatalf("UsedBytes after free = %d, want 0", got)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a, err := New(testInfo(4), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := a.Alloc(1); err != nil {
			t.Fatalf("Alloc(1) #%d: %v", i, err)
		}
	}
	if _, err := a.Alloc(1); err == nil {
		t.Fatal("expected Alloc to fail once all frames are used")
	}
}

func TestAllocMultiFrameContiguous(t *testing.T) {
	a, err := New(testInfo(64), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pa, err := a.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc(8): %v", err)
	}
	if got := a.Stats().UsedBytes; got != uint64(8*PGSIZE) {
		t.Fatalf("UsedBytes = %d, want %d", got, 8*PGSIZE)
	}
	a.Free(pa, 8)
	if got := a.Stats().UsedBytes; got != 0 {
		t.Fatalf("UsedBytes after multi-frame free = %d, want 0", got)
	}
}

func TestAllocAlignedRejectsBadAlignment(t *testing.T) {
	a, err := New(testInfo(64), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.AllocAligned(1, PGSIZE+1); err == nil {
		t.Fatal("expected error for non-page-multiple alignment")
	}
	if _, err := a.AllocAligned(1, 3*PGSIZE); err == nil {
		t.Fatal("expected error for a non-power-of-two page alignment")
	}
}

func TestAllocAlignedReturnsAlignedAddress(t *testing.T) {
	a, err := New(testInfo(64), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	align := 8 * PGSIZE
	pa, err := a.AllocAligned(2, align)
	if err != nil {
		t.Fatalf("AllocAligned: %v", err)
	}
	if int(pa)%align != 0 {
		t.Fatalf("AllocAligned returned %#x, not aligned to %#x", pa, align)
	}
}

func TestAllocZeroCountIsInvalid(t *testing.T) {
	a, err := New(testInfo(16), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Alloc(0); err == nil {
		t.Fatal("expected error for zero-count alloc")
	}
}

func TestSingleFrameCacheServesBeforeBitmap(t *testing.T) {
	a, err := New(testInfo(16), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pa, err := a.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc(1): %v", err)
	}
	a.Free(pa, 1)
	// The freed frame should now live in the cache, not the bitmap; a
	// subsequent alloc must hand back the exact same address because
	// the cache is LIFO and nothing else has been freed since.
	pa2, err := a.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc(1) after free: %v", err)
	}
	if pa2 != pa {
		t.Fatalf("expected cache to serve the just-freed frame %#x, got %#x", pa, pa2)
	}
}

func TestCacheFlushesUnderPressure(t *testing.T) {
	cfg := testConfig()
	cfg.FrameCacheSize = 2
	a, err := New(testInfo(16), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var pas []Pa_t
	for i := 0; i < 4; i++ {
		pa, err := a.Alloc(1)
		if err != nil {
			t.Fatalf("Alloc(1) #%d: %v", i, err)
		}
		pas = append(pas, pa)
	}
	for _, pa := range pas {
		a.Free(pa, 1) // cache holds only 2; this forces a flush partway through
	}
	if got := a.Stats().UsedBytes; got != 0 {
		t.Fatalf("UsedBytes after freeing everything = %d, want 0", got)
	}
	// All 4 frames should be available again, cache or bitmap.
	for i := 0; i < 4; i++ {
		if _, err := a.Alloc(1); err != nil {
			t.Fatalf("re-Alloc(1) #%d after flush: %v", i, err)
		}
	}
}

func TestRefcntDefaultsToOneForAllocatedFrame(t *testing.T) {
	a, err := New(testInfo(8), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pa, err := a.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if got := a.Refcnt(pa); got != 1 {
		t.Fatalf("Refcnt of a freshly allocated frame = %d, want 1", got)
	}
}

func TestRefupRefdownRoundTrip(t *testing.T) {
	a, err := New(testInfo(8), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pa, err := a.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	a.Refup(pa)
	if got := a.Refcnt(pa); got != 2 {
		t.Fatalf("Refcnt after one Refup = %d, want 2", got)
	}

	a.Refup(pa)
	if got := a.Refcnt(pa); got != 3 {
		t.Fatalf("Refcnt after two Refups = %d, want 3", got)
	}

	if a.Refdown(pa) {
		t.Fatal("Refdown should report still-shared while count is above 1")
	}
	if got := a.Refcnt(pa); got != 2 {
		t.Fatalf("Refcnt after one Refdown = %d, want 2", got)
	}

	if !a.Refdown(pa) {
		t.Fatal("Refdown should report back to sole ownership once count reaches 1")
	}
	if got := a.Refcnt(pa); got != 1 {
		t.Fatalf("Refcnt after dropping back to sole ownership = %d, want 1", got)
	}
}

func TestRefdownOnUnsharedFrameReportsSoleOwnership(t *testing.T) {
	a, err := New(testInfo(8), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pa, err := a.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if !a.Refdown(pa) {
		t.Fatal("Refdown on a never-shared frame should report sole ownership")
	}
}

func TestReclaim(t *testing.T) {
	a, err := New(boot.Info{MemMap: []boot.MemoryRegion{
		{Base: 0, Length: uint64(8 * PGSIZE), Kind: boot.MemBootloaderReclaimable},
	}}, testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := a.Stats().FreeBytes; got != 0 {
		t.Fatalf("reclaimable-only memmap should start fully used, FreeBytes = %d", got)
	}
	a.Reclaim([]boot.MemoryRegion{
		{Base: 0, Length: uint64(8 * PGSIZE), Kind: boot.MemBootloaderReclaimable},
	}, boot.MemBootloaderReclaimable)
	if got := a.Stats().FreeBytes; got != uint64(8*PGSIZE) {
		t.Fatalf("FreeBytes after Reclaim = %d, want %d", got, 8*PGSIZE)
	}
}
