// Package tlb provides the local-CPU TLB invalidation primitives that
// ipi.Coordinator uses to implement cross-CPU shootdown, and that
// pagemap's callers use directly for single-CPU invalidation.
package tlb

import "smpkern/arch/amd64"

// invpcidType selects the INVPCID operation per the SDM's encoding.
const (
	invpcidIndividualAddress uint64 = 0
	invpcidSingleContext     uint64 = 1
	invpcidAllContextsGlobal uint64 = 2
	invpcidAllContexts       uint64 = 3
)

// Ops exposes the local-CPU TLB invalidation primitives as a concrete
// struct. Tests do not substitute it: ipi consumes it through its own
// LocalFlusher interface, and pcid accepts a nil *Ops and then skips
// flushing.
type Ops struct {
	// HasInvpcid reflects whether the CPU supports the single-instruction
	// cross-PCID invalidation feature; when false, flushes that target a
	// non-current PCID degrade to FlushHard.
	HasInvpcid bool
	// currentPCID is the PCID active on this core, used to decide whether
	// FlushSpecific/FlushContext can use the fast path.
	currentPCID int
}

// New returns an Ops bound to the current core's PCID support and
// initial active PCID (0, the kernel's reserved slot).
func New(hasInvpcid bool) *Ops {
	return &Ops{HasInvpcid: hasInvpcid}
}

// SetCurrentPCID records the PCID this core most recently loaded via
// pagemap.PageMap.Load, so FlushSpecific/FlushContext can tell whether a
// flush targets the active context or a different one.
func (o *Ops) SetCurrentPCID(pcid int) { o.currentPCID = pcid }

// FlushOne invalidates the single-page TLB entry for va in the current
// address space.
func (o *Ops) FlushOne(va uintptr) {
	amd64.InvalidatePage(va)
}

// FlushSpecific invalidates va tagged with pcid. If the CPU lacks
// INVPCID and pcid isn't the currently active one, this degrades to
// FlushHard since there is no way to target a non-current PCID's entry
// directly.
func (o *Ops) FlushSpecific(va uintptr, pcid int) {
	if o.HasInvpcid {
		amd64.InvalidatePCID(invpcidIndividualAddress, uint64(pcid), uint64(va))
		return
	}
	if pcid == o.currentPCID {
		amd64.InvalidatePage(va)
		return
	}
	o.FlushHard()
}

// FlushContext invalidates every non-global entry tagged with pcid.
// Same INVPCID-absent degradation as FlushSpecific.
func (o *Ops) FlushContext(pcid int) {
	if o.HasInvpcid {
		amd64.InvalidatePCID(invpcidSingleContext, uint64(pcid), 0)
		return
	}
	if pcid == o.currentPCID {
		o.flushAllRetainGlobalLocal()
		return
	}
	o.FlushHard()
}

// FlushAllRetainGlobal invalidates every non-global entry for every
// PCID, keeping global (kernel, typically) entries intact.
func (o *Ops) FlushAllRetainGlobal() {
	if o.HasInvpcid {
		amd64.InvalidatePCID(invpcidAllContextsGlobal, 0, 0)
		return
	}
	o.flushAllRetainGlobalLocal()
}

// flushAllRetainGlobalLocal reloads CR3 with itself, which the
// architecture defines as flushing all non-global entries.
func (o *Ops) flushAllRetainGlobalLocal() {
	amd64.LoadCR3(amd64.ReadCR3())
}

// FlushHard purges the entire TLB, including global entries, by
// toggling CR4's global-page-enable bit off and back on.
func (o *Ops) FlushHard() {
	const pge = 1 << 7
	cr4 := amd64.ReadCR4()
	amd64.WriteCR4(cr4 &^ pge)
	amd64.WriteCR4(cr4)
}
