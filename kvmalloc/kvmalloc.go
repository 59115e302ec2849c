// Package kvmalloc implements the kernel virtual arena allocator: a
// first-fit free-list over a range of virtual addresses, with no
// physical memory involved. heap and pagemap callers reserve ranges
// here, then back them with physical frames and PageMap mappings
// themselves.
package kvmalloc

import (
	"fmt"
	"sync"
	"unsafe"

	"smpkern/defs"
	"smpkern/mem"
)

// node is a free-list entry describing one unmapped virtual range.
// Regions are kept sorted by start so neighbors coalesce cheaply on
// free. Metadata nodes are carved from physical pages rather than the
// Go heap, since this allocator exists precisely to avoid depending on
// a working general-purpose allocator during early boot.
type node struct {
	start  uintptr
	length uintptr
	next   *node
}

// Allocator is the kernel virtual arena: one sorted list of free
// ranges, backed by a self-expanding pool of node structures.
type Allocator struct {
	mu sync.Mutex

	regionHead    *node
	freeNodesHead *node

	frames *mem.Allocator
	hhdm   uintptr
}

// New returns an uninitialized Allocator. Call Init to give it an
// arena to manage before any AllocRegion/FreeRegion call.
func New(frames *mem.Allocator, hhdm uintptr) *Allocator {
	return &Allocator{frames: frames, hhdm: hhdm}
}

// Init seeds the allocator with a single free region covering
// [start, start+length). It is normally called once at boot with the
// kernel's reserved virtual heap range.
func (a *Allocator) Init(start, length uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.expandPool(); err != nil {
		return err
	}
	head, err := a.newNodeLocked()
	if err != nil {
		return fmt.Errorf("kvmalloc: init: %w", err)
	}
	head.start = start
	head.length = length
	head.next = nil
	a.regionHead = head
	return nil
}

// expandPool grows the node pool by one physical page, carved into an
// array of node structures and threaded onto the free-node list.
func (a *Allocator) expandPool() error {
	pa, err := a.frames.Alloc(1)
	if err != nil {
		return defs.Wrap(defs.ErrOutOfMemory, "kvmalloc: expand node pool")
	}
	base := (*node)(unsafe.Pointer(a.hhdm + uintptr(pa)))
	count := mem.PGSIZE / int(unsafe.Sizeof(node{}))
	nodes := unsafe.Slice(base, count)

	for i := 0; i < count-1; i++ {
		nodes[i].next = &nodes[i+1]
	}
	nodes[count-1].next = a.freeNodesHead
	a.freeNodesHead = &nodes[0]
	return nil
}

// newNodeLocked pops a node off the pool, expanding it first if empty.
// Caller must hold a.mu.
func (a *Allocator) newNodeLocked() (*node, error) {
	if a.freeNodesHead == nil {
		if err := a.expandPool(); err != nil {
			return nil, err
		}
	}
	n := a.freeNodesHead
	a.freeNodesHead = n.next
	n.start, n.length, n.next = 0, 0, nil
	return n, nil
}

// returnNodeLocked returns a node's metadata storage to the pool.
// Caller must hold a.mu.
func (a *Allocator) returnNodeLocked(n *node) {
	n.next = a.freeNodesHead
	a.freeNodesHead = n
}

// AllocRegion reserves a size-byte virtual range aligned to align
// (which must be a power of two) using first-fit search over the
// sorted free list, splitting the matched region into prefix and/or
// suffix remainders as needed.
func (a *Allocator) AllocRegion(size, align uintptr) (uintptr, error) {
	if size == 0 || align == 0 || align&(align-1) != 0 {
		return 0, defs.Wrap(defs.ErrInvalidArgument, "kvmalloc: AllocRegion")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var prev *node
	curr := a.regionHead
	for curr != nil {
		alignedAddr := alignUp(curr.start, align)
		allocEnd := alignedAddr + size
		currEnd := curr.start + curr.length

		if allocEnd <= currEnd {
			if alignedAddr > curr.start {
				tailSize := currEnd - allocEnd
				if tailSize > 0 {
					tail, err := a.newNodeLocked()
					if err != nil {
						return 0, err
					}
					tail.start = allocEnd
					tail.length = tailSize
					tail.next = curr.next
					curr.next = tail
				}
				curr.length = alignedAddr - curr.start
				return alignedAddr, nil
			}

			res := curr.start
			tailSize := currEnd - allocEnd
			if tailSize == 0 {
				if prev != nil {
					prev.next = curr.next
				} else {
					a.regionHead = curr.next
				}
				a.returnNodeLocked(curr)
			} else {
				curr.start = allocEnd
				curr.length = tailSize
			}
			return res, nil
		}

		prev = curr
		curr = curr.next
	}

	return 0, defs.Wrap(defs.ErrOutOfMemory, "kvmalloc: arena exhausted")
}

// FreeRegion returns [start, start+size) to the free list, inserting
// it in address order and eagerly coalescing with whichever immediate
// neighbors turn out to be contiguous.
func (a *Allocator) FreeRegion(start, size uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.newNodeLocked()
	if err != nil {
		// No node storage to record the free: the range is leaked
		// rather than risk corrupting the list with a nil entry.
		return
	}
	n.start = start
	n.length = size

	var prev *node
	curr := a.regionHead
	for curr != nil && curr.start < start {
		prev = curr
		curr = curr.next
	}

	if prev != nil {
		prev.next = n
		n.next = curr
	} else {
		n.next = a.regionHead
		a.regionHead = n
	}

	if n.next != nil && n.start+n.length == n.next.start {
		victim := n.next
		n.length += victim.length
		n.next = victim.next
		a.returnNodeLocked(victim)
	}
	if prev != nil && prev.start+prev.length == n.start {
		prev.length += n.length
		prev.next = n.next
		a.returnNodeLocked(n)
	}
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
