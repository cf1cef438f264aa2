package mst

import (
	"context"

	"github.com/ipfs/go-cid"
)

// segment is one unexpanded item in a node's child sequence: either a
// leaf entry or a subtree reference. Diff's cursor can compare two
// subtree segments' CIDs without resolving either one.
type segment struct {
	leaf bool
	key  string
	val  cid.Cid
	ref  *Ref
}

func flattenNode(n *Node) []segment {
	if n == nil {
		return nil
	}
	segs := make([]segment, 0, len(n.Entries)*2+1)
	if n.Left != nil {
		segs = append(segs, segment{ref: n.Left})
	}
	for _, e := range n.Entries {
		segs = append(segs, segment{leaf: true, key: e.Key, val: e.Val})
		if e.Right != nil {
			segs = append(segs, segment{ref: e.Right})
		}
	}
	return segs
}

// cursor is a lazily-expanding in-order walk over one tree's leaves: it
// yields leaf and subtree segments on demand, so a caller (Diff) can
// inspect an unexpanded subtree's CID and skip it entirely instead of
// descending into it.
type cursor struct {
	ctx    context.Context
	loader Loader
	frames [][]segment
	idx    []int
}

func newCursor(ctx context.Context, loader Loader, root *Node) *cursor {
	c := &cursor{ctx: ctx, loader: loader}
	c.pushFrame(flattenNode(root))
	return c
}

func (c *cursor) pushFrame(segs []segment) {
	c.frames = append(c.frames, segs)
	c.idx = append(c.idx, 0)
}

func (c *cursor) normalize() {
	for len(c.frames) > 0 && c.idx[len(c.idx)-1] >= len(c.frames[len(c.frames)-1]) {
		c.frames = c.frames[:len(c.frames)-1]
		c.idx = c.idx[:len(c.idx)-1]
	}
}

// peek returns the current unexpanded segment, or nil once every frame
// is exhausted.
func (c *cursor) peek() (*segment, error) {
	c.normalize()
	if len(c.frames) == 0 {
		return nil, nil
	}
	i := len(c.frames) - 1
	return &c.frames[i][c.idx[i]], nil
}

// advance moves past the current segment without expanding it. Only
// valid to call right after peek returned a non-nil segment.
func (c *cursor) advance() {
	if len(c.idx) == 0 {
		return
	}
	c.idx[len(c.idx)-1]++
}

// descend resolves the current subtree segment and pushes its children
// as the new current frame, returning the resolved node (nil if the
// subtree was empty). The caller must have just peeked a non-leaf
// segment.
func (c *cursor) descend() (*Node, error) {
	s, err := c.peek()
	if err != nil || s == nil || s.leaf {
		return nil, err
	}
	ref := s.ref
	c.advance()
	node, err := ref.Resolve(c.ctx, c.loader)
	if err != nil {
		return nil, err
	}
	c.pushFrame(flattenNode(node))
	return node, nil
}
