package discussions

import (
	"math/rand/v2"

	"github.com/roach88/quill/internal/step"
)

// Anchor is the live range of one discussion in the current document.
type Anchor struct {
	ID   string
	From int
	To   int
}

func (a Anchor) less(b Anchor) bool {
	if a.From != b.From {
		return a.From < b.From
	}
	return a.ID < b.ID
}

// index holds anchors ordered by start offset, then id.
//
// It is a treap whose nodes carry their subtree size and the largest end
// offset below them, which gives pruned overlap queries.
// Not safe for concurrent use.
type index struct {
	root *node
	byID map[string]Anchor
}

type node struct {
	a           Anchor
	prio        uint64
	size        int
	maxTo       int
	left, right *node
}

func newIndex() *index {
	return &index{byID: make(map[string]Anchor)}
}

func (n *node) fix() *node {
	n.size = 1
	n.maxTo = n.a.To
	if n.left != nil {
		n.size += n.left.size
		n.maxTo = max(n.maxTo, n.left.maxTo)
	}
	if n.right != nil {
		n.size += n.right.size
		n.maxTo = max(n.maxTo, n.right.maxTo)
	}
	return n
}

func size(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

// split returns the nodes ordered before a and the rest. With inclusive
// set, a itself goes left.
func split(n *node, a Anchor, inclusive bool) (l, r *node) {
	if n == nil {
		return nil, nil
	}
	if n.a.less(a) || (inclusive && n.a == a) {
		n.right, r = split(n.right, a, inclusive)
		return n.fix(), r
	}
	l, n.left = split(n.left, a, inclusive)
	return l, n.fix()
}

func merge(l, r *node) *node {
	switch {
	case l == nil:
		return r
	case r == nil:
		return l
	case l.prio > r.prio:
		l.right = merge(l.right, r)
		return l.fix()
	default:
		r.left = merge(l, r.left)
		return r.fix()
	}
}

// Len returns the number of anchors.
func (ix *index) Len() int { return size(ix.root) }

// Get returns the anchor with id.
func (ix *index) Get(id string) (Anchor, bool) {
	a, ok := ix.byID[id]
	return a, ok
}

// Put inserts a or replaces the anchor with the same id.
func (ix *index) Put(a Anchor) {
	ix.Delete(a.ID)
	l, r := split(ix.root, a, false)
	n := (&node{a: a, prio: rand.Uint64()}).fix()
	ix.root = merge(merge(l, n), r)
	ix.byID[a.ID] = a
}

// Delete removes the anchor with id. It reports whether one existed.
func (ix *index) Delete(id string) bool {
	a, ok := ix.byID[id]
	if !ok {
		return false
	}
	l, r := split(ix.root, a, false)
	_, r = split(r, a, true)
	ix.root = merge(l, r)
	delete(ix.byID, id)
	return true
}

// Walk calls fn for every anchor in order until fn returns false.
func (ix *index) Walk(fn func(Anchor) bool) {
	walk(ix.root, fn)
}

func walk(n *node, fn func(Anchor) bool) bool {
	if n == nil {
		return true
	}
	return walk(n.left, fn) && fn(n.a) && walk(n.right, fn)
}

// All returns every anchor in order.
func (ix *index) All() []Anchor {
	out := make([]Anchor, 0, ix.Len())
	ix.Walk(func(a Anchor) bool {
		out = append(out, a)
		return true
	})
	return out
}

// Overlapping returns the anchors sharing at least one position with
// [from, to], in order. A point query (from == to) matches anchors that
// contain or touch the point.
func (ix *index) Overlapping(from, to int) []Anchor {
	var out []Anchor
	overlapping(ix.root, from, to, &out)
	return out
}

func overlapping(n *node, from, to int, out *[]Anchor) {
	if n == nil || n.maxTo < from {
		return
	}
	overlapping(n.left, from, to, out)
	if n.a.From > to {
		return
	}
	if n.a.To >= from {
		*out = append(*out, n.a)
	}
	overlapping(n.right, from, to, out)
}

// Remap moves every anchor through m. The start sticks after content
// inserted at it and the end sticks before, so text typed at either edge
// stays outside. Anchors that collapse are removed and returned.
//
// Mapping never reorders distinct starts, so nodes are updated in place.
// Only anchors whose starts become equal can end up out of id order; those
// are reinserted.
func (ix *index) Remap(m *step.Mapping) (dropped []string) {
	if m.Len() == 0 {
		return nil
	}
	remapNode(ix.root, m)

	var (
		prev     *Anchor
		misplace []Anchor
	)
	ix.Walk(func(a Anchor) bool {
		ix.byID[a.ID] = a
		if a.From >= a.To {
			dropped = append(dropped, a.ID)
			return true
		}
		if prev != nil && a.less(*prev) {
			misplace = append(misplace, a)
			return true
		}
		prev = &a
		return true
	})

	for _, id := range dropped {
		ix.deleteNode(id)
	}
	for _, a := range misplace {
		ix.deleteNode(a.ID)
	}
	for _, a := range misplace {
		ix.Put(a)
	}
	return dropped
}

// remapNode maps the anchors below n and restores maxTo bottom-up.
func remapNode(n *node, m *step.Mapping) {
	if n == nil {
		return
	}
	remapNode(n.left, m)
	remapNode(n.right, m)
	n.a.From = m.Map(n.a.From, 1)
	n.a.To = m.Map(n.a.To, -1)
	n.fix()
}

// deleteNode unlinks the node holding id by a search on its current
// anchor. It is only used while the tree is ordered up to ties.
func (ix *index) deleteNode(id string) {
	ix.root = unlink(ix.root, ix.byID[id])
	delete(ix.byID, id)
}

func unlink(n *node, a Anchor) *node {
	if n == nil {
		return nil
	}
	if n.a.ID == a.ID {
		return merge(n.left, n.right)
	}
	if a.From < n.a.From {
		n.left = unlink(n.left, a)
	} else if a.From > n.a.From {
		n.right = unlink(n.right, a)
	} else {
		// Equal starts may sit on either side until ties are resolved.
		n.left = unlink(n.left, a)
		n.right = unlink(n.right, a)
	}
	return n.fix()
}
