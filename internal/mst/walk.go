package mst

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"
)

// errStopWalk is an internal sentinel ListRange uses to short-circuit
// Walk once the before bound is reached; never returned to callers.
var errStopWalk = errors.New("mst: stop walk")

// Leaf is one key/value pair yielded by List/ListWithPrefix/Walk.
type Leaf struct {
	Key string
	Val cid.Cid
}

func layerOf(ctx context.Context, loader Loader, n *Node) (int, error) {
	if len(n.Entries) > 0 {
		return LayerForKey(n.Entries[0].Key), nil
	}
	if n.Left != nil {
		left, err := n.Left.Resolve(ctx, loader)
		if err != nil {
			return 0, err
		}
		if left == nil {
			return 0, nil
		}
		l, err := layerOf(ctx, loader, left)
		return l + 1, err
	}
	return 0, nil
}

// findGT returns the index of the first entry whose key is strictly
// greater than key (i.e. the count of entries with key <= given key).
func findGT(n *Node, key string) int {
	return sort.Search(len(n.Entries), func(i int) bool {
		return n.Entries[i].Key > key
	})
}

// findGE returns the index of the first entry whose key is >= key.
func findGE(n *Node, key string) int {
	return sort.Search(len(n.Entries), func(i int) bool {
		return n.Entries[i].Key >= key
	})
}

// Get returns the leaf value CID for key, and whether it was found.
func Get(ctx context.Context, loader Loader, root *Node, key string) (cid.Cid, bool, error) {
	keyLayer := LayerForKey(key)
	cur := root
	for {
		if cur == nil {
			return cid.Undef, false, nil
		}
		nodeLayer, err := layerOf(ctx, loader, cur)
		if err != nil {
			return cid.Undef, false, err
		}
		if keyLayer > nodeLayer {
			return cid.Undef, false, nil
		}
		if keyLayer == nodeLayer {
			idx := findGE(cur, key)
			if idx < len(cur.Entries) && cur.Entries[idx].Key == key {
				return cur.Entries[idx].Val, true, nil
			}
			return cid.Undef, false, nil
		}
		idx := findGT(cur, key)
		var childRef *Ref
		if idx == 0 {
			childRef = cur.Left
		} else {
			childRef = cur.Entries[idx-1].Right
		}
		child, err := childRef.Resolve(ctx, loader)
		if err != nil {
			return cid.Undef, false, err
		}
		cur = child
	}
}

// Walk visits every leaf in key order, calling fn for each. Stops and
// returns fn's error if it returns one.
func Walk(ctx context.Context, loader Loader, root *Node, fn func(Leaf) error) error {
	return walkNode(ctx, loader, root, fn)
}

func walkNode(ctx context.Context, loader Loader, n *Node, fn func(Leaf) error) error {
	if n == nil {
		return nil
	}
	left, err := n.Left.Resolve(ctx, loader)
	if err != nil {
		return err
	}
	if err := walkNode(ctx, loader, left, fn); err != nil {
		return err
	}
	for _, e := range n.Entries {
		if err := fn(Leaf{Key: e.Key, Val: e.Val}); err != nil {
			return err
		}
		right, err := e.Right.Resolve(ctx, loader)
		if err != nil {
			return err
		}
		if err := walkNode(ctx, loader, right, fn); err != nil {
			return err
		}
	}
	return nil
}

// List returns every leaf in key order.
func List(ctx context.Context, loader Loader, root *Node) ([]Leaf, error) {
	var out []Leaf
	err := Walk(ctx, loader, root, func(l Leaf) error {
		out = append(out, l)
		return nil
	})
	return out, err
}

// ListWithPrefix returns every leaf whose key has the given prefix, in
// key order.
func ListWithPrefix(ctx context.Context, loader Loader, root *Node, prefix string) ([]Leaf, error) {
	var out []Leaf
	err := Walk(ctx, loader, root, func(l Leaf) error {
		if strings.HasPrefix(l.Key, prefix) {
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

// ListRange returns every leaf with after < key < before, in key order.
// An empty after starts from the first key; an empty before runs to the
// last key. The before bound is half-open (keys equal to before are
// excluded, as are keys equal to after).
func ListRange(ctx context.Context, loader Loader, root *Node, after, before string) ([]Leaf, error) {
	var out []Leaf
	err := Walk(ctx, loader, root, func(l Leaf) error {
		if after != "" && l.Key <= after {
			return nil
		}
		if before != "" && l.Key >= before {
			return errStopWalk
		}
		out = append(out, l)
		return nil
	})
	if err == errStopWalk {
		err = nil
	}
	return out, err
}

// WalkNodeCIDs visits the content CID of every node in the tree
// (internal nodes, not leaf values), used to collect the set of node
// blocks a commit's new tree introduces.
func WalkNodeCIDs(ctx context.Context, loader Loader, root *Node, fn func(cid.Cid, []byte) error) error {
	return walkNodeCIDs(ctx, loader, root, fn)
}

func walkNodeCIDs(ctx context.Context, loader Loader, n *Node, fn func(cid.Cid, []byte) error) error {
	if n == nil {
		return nil
	}
	c, data, err := n.CID()
	if err != nil {
		return err
	}
	if err := fn(c, data); err != nil {
		return err
	}
	left, err := n.Left.Resolve(ctx, loader)
	if err != nil {
		return err
	}
	if err := walkNodeCIDs(ctx, loader, left, fn); err != nil {
		return err
	}
	for _, e := range n.Entries {
		right, err := e.Right.Resolve(ctx, loader)
		if err != nil {
			return err
		}
		if err := walkNodeCIDs(ctx, loader, right, fn); err != nil {
			return err
		}
	}
	return nil
}
