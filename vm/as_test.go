package vm

import (
	"testing"
	"unsafe"

	"smpkern/boot"
	"smpkern/config"
	"smpkern/defs"
	"smpkern/mem"
	"smpkern/pagemap"
)

func newTestAddressSpace(t *testing.T) *AddressSpace {
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
	kernel, err := pagemap.NewKernel(frames)
	if err != nil {
		t.Fatalf("pagemap.NewKernel: %v", err)
	}
	child, err := kernel.CreateChild()
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	return New(child, frames)
}

func TestAllocateThenFault(t *testing.T) {
	as := newTestAddressSpace(t)

	va, err := as.Allocate(4096, defs.Read|defs.Write, defs.WriteBack, defs.Size4K)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if va < UserStart {
		t.Fatalf("allocated address 0x%x below UserStart", va)
	}

	if _, ok := as.Translate(va); ok {
		t.Fatal("fresh allocation should not be pre-populated")
	}
	if !as.HandlePageFault(va, 0) {
		t.Fatal("HandlePageFault should resolve a read fault in a fresh region")
	}
	if _, ok := as.Translate(va); !ok {
		t.Fatal("page should be mapped after HandlePageFault")
	}
}

func TestHandlePageFaultSpurious(t *testing.T) {
	as := newTestAddressSpace(t)
	va, err := as.Allocate(4096, defs.Read|defs.Write, defs.WriteBack, defs.Size4K)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !as.HandlePageFault(va, pfWrite) {
		t.Fatal("first fault should succeed")
	}
	if !as.HandlePageFault(va, pfWrite) {
		t.Fatal("second fault on an already-mapped page should report handled")
	}
}

func TestHandlePageFaultRejectsWriteToReadOnly(t *testing.T) {
	as := newTestAddressSpace(t)
	va, err := as.Allocate(4096, defs.Read, defs.WriteBack, defs.Size4K)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if as.HandlePageFault(va, pfWrite) {
		t.Fatal("write fault against a read-only region should be rejected")
	}
}

func TestHandlePageFaultNoRegion(t *testing.T) {
	as := newTestAddressSpace(t)
	if as.HandlePageFault(0x7fff_0000_0000, 0) {
		t.Fatal("fault with no covering region should be rejected")
	}
}

func TestAllocateSpecificRejectsOverlap(t *testing.T) {
	as := newTestAddressSpace(t)
	if err := as.AllocateSpecific(0x40_0000, 0x1000, defs.Read|defs.Write, defs.WriteBack, defs.Size4K); err != nil {
		t.Fatalf("AllocateSpecific: %v", err)
	}
	if err := as.AllocateSpecific(0x40_0000, 0x1000, defs.Read, defs.WriteBack, defs.Size4K); err == nil {
		t.Fatal("expected overlapping AllocateSpecific to fail")
	}
}

func TestAllocateManyRegionsStayDisjoint(t *testing.T) {
	as := newTestAddressSpace(t)
	seen := map[uintptr]uintptr{}
	for i := 0; i < 64; i++ {
		va, err := as.Allocate(4096, defs.Read|defs.Write, defs.WriteBack, defs.Size4K)
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		for start, size := range seen {
			if va < start+size && va+4096 > start {
				t.Fatalf("region at 0x%x overlaps existing region at 0x%x", va, start)
			}
		}
		seen[va] = 4096
	}
}

func TestFreeRemovesRegionAndUnmapsPage(t *testing.T) {
	as := newTestAddressSpace(t)
	va, err := as.Allocate(4096, defs.Read|defs.Write, defs.WriteBack, defs.Size4K)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !as.HandlePageFault(va, pfWrite) {
		t.Fatal("fault should resolve")
	}

	size, err := as.Free(va)
	if err != nil {
		t.Fatalf("Free: %v", err)
	}
	if size != 4096 {
		t.Fatalf("Free returned size %d, want 4096", size)
	}
	if _, ok := as.Translate(va); ok {
		t.Fatal("translate should fail after Free unmaps the page")
	}
	if _, err := as.Free(va); err == nil {
		t.Fatal("second Free of the same address should fail")
	}
}

func TestFreeThenReallocateReusesGap(t *testing.T) {
	as := newTestAddressSpace(t)
	if _, err := as.Allocate(4096, defs.Read|defs.Write, defs.WriteBack, defs.Size4K); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	va2, err := as.Allocate(4096, defs.Read|defs.Write, defs.WriteBack, defs.Size4K)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := as.Allocate(4096, defs.Read|defs.Write, defs.WriteBack, defs.Size4K); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if _, err := as.Free(va2); err != nil {
		t.Fatalf("Free: %v", err)
	}
	va4, err := as.Allocate(4096, defs.Read|defs.Write, defs.WriteBack, defs.Size4K)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if va4 != va2 {
		t.Fatalf("expected the freed gap at 0x%x to be reused, got 0x%x", va2, va4)
	}
}

func TestCopyOutThenCopyInRoundTrip(t *testing.T) {
	as := newTestAddressSpace(t)
	va, err := as.Allocate(8192, defs.Read|defs.Write, defs.WriteBack, defs.Size4K)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	msg := []byte("hello from the kernel, crossing a page boundary nicely")
	uva := va + 4090 // straddle the first page boundary
	if err := as.CopyOut(uva, msg); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	got := make([]byte, len(msg))
	if err := as.CopyIn(uva, got); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("round trip mismatch: got %q want %q", got, msg)
	}
}

func TestCopyOutRejectsReadOnlyRegion(t *testing.T) {
	as := newTestAddressSpace(t)
	va, err := as.Allocate(4096, defs.Read, defs.WriteBack, defs.Size4K)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := as.CopyOut(va, []byte("nope")); err == nil {
		t.Fatal("expected CopyOut to a read-only region to fail")
	}
}

func TestCopyInStringStopsAtNul(t *testing.T) {
	as := newTestAddressSpace(t)
	va, err := as.Allocate(4096, defs.Read|defs.Write, defs.WriteBack, defs.Size4K)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	payload := append([]byte("argv0"), 0, 'x', 'x')
	if err := as.CopyOut(va, payload); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	s, err := as.CopyInString(va, 64)
	if err != nil {
		t.Fatalf("CopyInString: %v", err)
	}
	if s != "argv0" {
		t.Fatalf("got %q want %q", s, "argv0")
	}
}

func TestCopyInStringExceedingMaxLenFails(t *testing.T) {
	as := newTestAddressSpace(t)
	va, err := as.Allocate(4096, defs.Read|defs.Write, defs.WriteBack, defs.Size4K)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = 'a'
	}
	if err := as.CopyOut(va, payload); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	if _, err := as.CopyInString(va, 8); err == nil {
		t.Fatal("expected CopyInString to fail when no NUL appears within maxLen")
	}
}
