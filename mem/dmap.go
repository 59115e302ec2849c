package mem

import "unsafe"

// DmapBytes returns a byte slice over the direct map for the n bytes
// starting at physical address pa. The direct map is the identity-offset
// mapping of all physical memory at hhdm: the bootloader's offset from
// boot.Info, or whatever SetDirectMapOffset last installed; every package that needs to
// read or write a frame's contents without a dedicated virtual mapping
// goes through this instead of touching hhdm arithmetic itself.
func (a *Allocator) DmapBytes(pa Pa_t, n int) []byte {
	va := a.hhdm + uintptr(pa)
	return unsafe.Slice((*byte)(unsafe.Pointer(va)), n)
}

// SetDirectMapOffset replaces the offset DmapBytes uses, for a direct
// map other than the bootloader-provided one the Allocator was
// constructed with. Nothing in this module calls it; pagemap.GlobalInit
// does not build a direct map of its own.
func (a *Allocator) SetDirectMapOffset(hhdm uintptr) {
	a.mu.Lock()
	a.hhdm = hhdm
	a.mu.Unlock()
}
