package vm

import "smpkern/defs"

// UserVmRegion is one node of the augmented red-black tree describing
// a process's live mappings. gap is the distance from this region's
// end to the next region's start (or to UserEnd for the rightmost
// region); subtreeMaxGap is the largest gap anywhere in this node's
// subtree, letting Allocate prune whole subtrees that can't possibly
// satisfy a request.
type UserVmRegion struct {
	start uintptr
	size  uintptr

	gap             uintptr
	subtreeMaxGap   uintptr
	flags           defs.PageFlags
	pageSize        defs.PageSize
	cache           defs.CachePolicy

	isRed  bool
	parent *UserVmRegion
	left   *UserVmRegion
	right  *UserVmRegion
}

func (r *UserVmRegion) end() uintptr { return r.start + r.size }

func isRed(n *UserVmRegion) bool { return n != nil && n.isRed }

// updateNodeMetadata recomputes x's subtreeMaxGap from its children and
// its own gap. Callers must walk this up to the root after any
// structural change or gap update.
func (as *AddressSpace) updateNodeMetadata(x *UserVmRegion) {
	if x == nil {
		return
	}
	max := x.gap
	if x.left != nil && x.left.subtreeMaxGap > max {
		max = x.left.subtreeMaxGap
	}
	if x.right != nil && x.right.subtreeMaxGap > max {
		max = x.right.subtreeMaxGap
	}
	x.subtreeMaxGap = max
}

func (as *AddressSpace) updatePathToRoot(x *UserVmRegion) {
	for x != nil {
		as.updateNodeMetadata(x)
		x = x.parent
	}
}

// predecessor returns the region immediately before node in address
// order, or nil if node is the leftmost region.
func predecessor(node *UserVmRegion) *UserVmRegion {
	if node.left != nil {
		node = node.left
		for node.right != nil {
			node = node.right
		}
		return node
	}
	p := node.parent
	for p != nil && node == p.left {
		node = p
		p = p.parent
	}
	return p
}

// successor returns the region immediately after node in address
// order, or nil if node is the rightmost region.
func successor(node *UserVmRegion) *UserVmRegion {
	if node.right != nil {
		node = node.right
		for node.left != nil {
			node = node.left
		}
		return node
	}
	p := node.parent
	for p != nil && node == p.right {
		node = p
		p = p.parent
	}
	return p
}

func (as *AddressSpace) findRegionContaining(addr uintptr) *UserVmRegion {
	curr := as.root
	for curr != nil {
		if addr >= curr.start && addr < curr.end() {
			return curr
		}
		if addr < curr.start {
			curr = curr.left
		} else {
			curr = curr.right
		}
	}
	return nil
}

func (as *AddressSpace) checkOverlap(start, size uintptr) bool {
	end := start + size
	curr := as.root
	for curr != nil {
		if start < curr.end() && end > curr.start {
			return true
		}
		if start < curr.start {
			curr = curr.left
		} else {
			curr = curr.right
		}
	}
	return false
}

// findHole locates an address range of the given size and alignment:
// first the cached cursor's trailing gap, then the leftmost fitting gap
// found by a pruned descent of the tree via subtreeMaxGap, then the tail
// hole past the rightmost region. Gaps are tracked only after each
// region's end, so once a region exists the range below the lowest
// region is not considered.
func (as *AddressSpace) findHole(size, alignment uintptr) uintptr {
	if as.cachedCursor != nil {
		candidate := alignUp(as.cachedCursor.end(), alignment)
		overhead := candidate - as.cachedCursor.end()
		if as.cachedCursor.gap >= size+overhead && candidate+size <= UserEnd {
			return candidate
		}
	}

	if found := as.findHoleNode(as.root, size, alignment); found != 0 {
		return found
	}

	max := as.root
	if max == nil {
		return alignUp(UserStart, alignment)
	}
	for max.right != nil {
		max = max.right
	}
	tail := alignUp(max.end(), alignment)
	if tail+size <= UserEnd {
		return tail
	}
	return 0
}

func (as *AddressSpace) findHoleNode(node *UserVmRegion, size, alignment uintptr) uintptr {
	if node == nil || node.subtreeMaxGap < size {
		return 0
	}
	if node.left != nil && node.left.subtreeMaxGap >= size {
		if res := as.findHoleNode(node.left, size, alignment); res != 0 {
			return res
		}
	}

	candidate := alignUp(node.end(), alignment)
	overhead := candidate - node.end()
	if node.gap >= size+overhead && candidate+size <= UserEnd {
		return candidate
	}

	if node.right != nil && node.right.subtreeMaxGap >= size {
		return as.findHoleNode(node.right, size, alignment)
	}
	return 0
}

func (as *AddressSpace) rotateLeft(x *UserVmRegion) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		as.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y

	as.updateNodeMetadata(x)
	as.updateNodeMetadata(y)
}

func (as *AddressSpace) rotateRight(x *UserVmRegion) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		as.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y

	as.updateNodeMetadata(x)
	as.updateNodeMetadata(y)
}

// insertRegion threads a new region into the tree by address order,
// fixes up the gap accounting around it, then restores red-black
// properties.
func (as *AddressSpace) insertRegion(start, size uintptr, flags defs.PageFlags, cache defs.CachePolicy, pageSize defs.PageSize) {
	z := &UserVmRegion{
		start:    start,
		size:     size,
		flags:    flags,
		cache:    cache,
		pageSize: pageSize,
		isRed:    true,
	}

	var y *UserVmRegion
	x := as.root
	for x != nil {
		y = x
		if z.start < x.start {
			x = x.left
		} else {
			x = x.right
		}
	}
	z.parent = y
	if y == nil {
		as.root = z
	} else if z.start < y.start {
		y.left = z
	} else {
		y.right = z
	}

	pred := predecessor(z)
	if succ := successor(z); succ != nil {
		z.gap = succ.start - z.end()
	} else {
		z.gap = UserEnd - z.end()
	}
	if pred != nil {
		pred.gap = z.start - pred.end()
		as.updatePathToRoot(pred)
	}

	as.updatePathToRoot(z)
	as.cachedCursor = z
	as.insertFixup(z)
}

// deleteNode removes z, merging its range back into its predecessor's
// gap, then restores red-black properties. Mirrors the textbook
// RB-delete, relocating a successor's contents into z when z has two
// children instead of splicing z itself out of the tree.
func (as *AddressSpace) deleteNode(z *UserVmRegion) {
	pred := predecessor(z)
	if pred != nil {
		pred.gap += z.size + z.gap
	}

	var x, y *UserVmRegion
	if z.left == nil || z.right == nil {
		y = z
	} else {
		y = z.right
		for y.left != nil {
			y = y.left
		}
	}

	updateStart := y.parent
	originalYRed := y.isRed
	if y.left != nil {
		x = y.left
	} else {
		x = y.right
	}
	if x != nil {
		x.parent = y.parent
	}

	if y.parent == nil {
		as.root = x
	} else if y == y.parent.left {
		y.parent.left = x
	} else {
		y.parent.right = x
	}

	if y != z {
		z.start = y.start
		z.size = y.size
		z.flags = y.flags
		z.cache = y.cache
		z.pageSize = y.pageSize
		z.gap = y.gap
	}

	if as.cachedCursor == z || as.cachedCursor == y {
		as.cachedCursor = pred
	}

	if !originalYRed && x != nil {
		as.deleteFixup(x)
	}
	if updateStart != nil {
		as.updatePathToRoot(updateStart)
	}
	if pred != nil {
		as.updatePathToRoot(pred)
	}
}

func (as *AddressSpace) insertFixup(z *UserVmRegion) {
	for z.parent != nil && z.parent.isRed {
		if z.parent == z.parent.parent.left {
			y := z.parent.parent.right
			if isRed(y) {
				z.parent.isRed = false
				y.isRed = false
				z.parent.parent.isRed = true
				z = z.parent.parent
			} else {
				if z == z.parent.right {
					z = z.parent
					as.rotateLeft(z)
				}
				z.parent.isRed = false
				z.parent.parent.isRed = true
				as.rotateRight(z.parent.parent)
			}
		} else {
			y := z.parent.parent.left
			if isRed(y) {
				z.parent.isRed = false
				y.isRed = false
				z.parent.parent.isRed = true
				z = z.parent.parent
			} else {
				if z == z.parent.left {
					z = z.parent
					as.rotateRight(z)
				}
				z.parent.isRed = false
				z.parent.parent.isRed = true
				as.rotateLeft(z.parent.parent)
			}
		}
	}
	as.root.isRed = false
}

func (as *AddressSpace) deleteFixup(x *UserVmRegion) {
	for x != as.root && !isRed(x) {
		if x == x.parent.left {
			w := x.parent.right
			if isRed(w) {
				w.isRed = false
				x.parent.isRed = true
				as.rotateLeft(x.parent)
				w = x.parent.right
			}
			if !isRed(w.left) && !isRed(w.right) {
				w.isRed = true
				x = x.parent
			} else {
				if !isRed(w.right) {
					if w.left != nil {
						w.left.isRed = false
					}
					w.isRed = true
					as.rotateRight(w)
					w = x.parent.right
				}
				w.isRed = x.parent.isRed
				x.parent.isRed = false
				if w.right != nil {
					w.right.isRed = false
				}
				as.rotateLeft(x.parent)
				x = as.root
			}
		} else {
			w := x.parent.left
			if isRed(w) {
				w.isRed = false
				x.parent.isRed = true
				as.rotateRight(x.parent)
				w = x.parent.left
			}
			if !isRed(w.right) && !isRed(w.left) {
				w.isRed = true
				x = x.parent
			} else {
				if !isRed(w.left) {
					if w.right != nil {
						w.right.isRed = false
					}
					w.isRed = true
					as.rotateLeft(w)
					w = x.parent.left
				}
				w.isRed = x.parent.isRed
				x.parent.isRed = false
				if w.left != nil {
					w.left.isRed = false
				}
				as.rotateRight(x.parent)
				x = as.root
			}
		}
	}
	if x != nil {
		x.isRed = false
	}
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}
