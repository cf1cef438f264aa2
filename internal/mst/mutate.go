package mst

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Add inserts key/val into root, returning the new root. Returns
// ErrKeyExists if key is already present. root may be nil (empty tree).
func Add(ctx context.Context, loader Loader, root *Node, key string, val cid.Cid) (*Node, error) {
	if err := EnsureValidKey(key); err != nil {
		return nil, err
	}
	return insertNode(ctx, loader, root, key, val, LayerForKey(key), false)
}

// Update replaces the value at an existing key, returning the new root.
// Returns ErrKeyMissing if key is absent.
func Update(ctx context.Context, loader Loader, root *Node, key string, val cid.Cid) (*Node, error) {
	if err := EnsureValidKey(key); err != nil {
		return nil, err
	}
	return insertNode(ctx, loader, root, key, val, LayerForKey(key), true)
}

func insertNode(ctx context.Context, loader Loader, node *Node, key string, val cid.Cid, keyLayer int, isUpdate bool) (*Node, error) {
	if node == nil {
		if isUpdate {
			return nil, fmt.Errorf("%w: %s", ErrKeyMissing, key)
		}
		return &Node{Entries: []Entry{{Key: key, Val: val}}}, nil
	}

	nodeLayer, err := layerOf(ctx, loader, node)
	if err != nil {
		return nil, err
	}

	switch {
	case keyLayer > nodeLayer:
		if isUpdate {
			return nil, fmt.Errorf("%w: %s", ErrKeyMissing, key)
		}
		less, greater, err := splitAround(ctx, loader, node, key)
		if err != nil {
			return nil, err
		}
		return &Node{
			Left:    RefToNode(less),
			Entries: []Entry{{Key: key, Val: val, Right: RefToNode(greater)}},
		}, nil

	case keyLayer < nodeLayer:
		idx := findGT(node, key)
		var childRef *Ref
		if idx == 0 {
			childRef = node.Left
		} else {
			childRef = node.Entries[idx-1].Right
		}
		child, err := childRef.Resolve(ctx, loader)
		if err != nil {
			return nil, err
		}
		newChild, err := insertNode(ctx, loader, child, key, val, keyLayer, isUpdate)
		if err != nil {
			return nil, err
		}
		newNode := node.clone()
		if idx == 0 {
			newNode.Left = RefToNode(newChild)
		} else {
			newNode.Entries[idx-1].Right = RefToNode(newChild)
		}
		return newNode, nil

	default:
		return insertSameLayer(ctx, loader, node, key, val, isUpdate)
	}
}

func insertSameLayer(ctx context.Context, loader Loader, node *Node, key string, val cid.Cid, isUpdate bool) (*Node, error) {
	entries := node.Entries
	idx := findGE(node, key)
	if idx < len(entries) && entries[idx].Key == key {
		if !isUpdate {
			return nil, fmt.Errorf("%w: %s", ErrKeyExists, key)
		}
		newEntries := append([]Entry(nil), entries...)
		newEntries[idx].Val = val
		return &Node{Left: node.Left, Entries: newEntries}, nil
	}
	if isUpdate {
		return nil, fmt.Errorf("%w: %s", ErrKeyMissing, key)
	}

	var gapRef *Ref
	if idx == 0 {
		gapRef = node.Left
	} else {
		gapRef = entries[idx-1].Right
	}
	gapNode, err := gapRef.Resolve(ctx, loader)
	if err != nil {
		return nil, err
	}
	less, greater, err := splitAround(ctx, loader, gapNode, key)
	if err != nil {
		return nil, err
	}

	newEntries := make([]Entry, 0, len(entries)+1)
	newEntries = append(newEntries, entries[:idx]...)
	newLeft := node.Left
	if idx == 0 {
		newLeft = RefToNode(less)
	} else {
		newEntries[idx-1].Right = RefToNode(less)
	}
	newEntries = append(newEntries, Entry{Key: key, Val: val, Right: RefToNode(greater)})
	newEntries = append(newEntries, entries[idx:]...)

	return &Node{Left: newLeft, Entries: newEntries}, nil
}

// splitAround splits node's entire reachable content into (less,
// greater) around key: every leaf with a smaller key goes into less,
// every leaf with a greater key goes into greater. Requires that key is
// not itself present anywhere in node.
func splitAround(ctx context.Context, loader Loader, node *Node, key string) (less, greater *Node, err error) {
	if node == nil {
		return nil, nil, nil
	}
	idx := findGT(node, key)

	if idx == 0 {
		leftChild, err := node.Left.Resolve(ctx, loader)
		if err != nil {
			return nil, nil, err
		}
		l, g, err := splitAround(ctx, loader, leftChild, key)
		if err != nil {
			return nil, nil, err
		}
		greaterNode := &Node{Left: RefToNode(g), Entries: append([]Entry(nil), node.Entries...)}
		return l, normalize(greaterNode), nil
	}

	gapChild, err := node.Entries[idx-1].Right.Resolve(ctx, loader)
	if err != nil {
		return nil, nil, err
	}
	l, g, err := splitAround(ctx, loader, gapChild, key)
	if err != nil {
		return nil, nil, err
	}

	lessEntries := append([]Entry(nil), node.Entries[:idx]...)
	lessEntries[idx-1].Right = RefToNode(l)
	lessNode := &Node{Left: node.Left, Entries: lessEntries}

	greaterEntries := append([]Entry(nil), node.Entries[idx:]...)
	greaterNode := &Node{Left: RefToNode(g), Entries: greaterEntries}

	return normalize(lessNode), normalize(greaterNode), nil
}

// Delete removes key from root, returning the new root. Returns
// ErrKeyMissing if key is absent.
func Delete(ctx context.Context, loader Loader, root *Node, key string) (*Node, error) {
	if err := EnsureValidKey(key); err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyMissing, key)
	}
	return deleteNode(ctx, loader, root, key, LayerForKey(key))
}

func deleteNode(ctx context.Context, loader Loader, node *Node, key string, keyLayer int) (*Node, error) {
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyMissing, key)
	}
	nodeLayer, err := layerOf(ctx, loader, node)
	if err != nil {
		return nil, err
	}
	if keyLayer > nodeLayer {
		return nil, fmt.Errorf("%w: %s", ErrKeyMissing, key)
	}

	if keyLayer < nodeLayer {
		idx := findGT(node, key)
		var childRef *Ref
		if idx == 0 {
			childRef = node.Left
		} else {
			childRef = node.Entries[idx-1].Right
		}
		child, err := childRef.Resolve(ctx, loader)
		if err != nil {
			return nil, err
		}
		newChild, err := deleteNode(ctx, loader, child, key, keyLayer)
		if err != nil {
			return nil, err
		}
		newNode := node.clone()
		if idx == 0 {
			newNode.Left = RefToNode(newChild)
		} else {
			newNode.Entries[idx-1].Right = RefToNode(newChild)
		}
		return newNode, nil
	}

	idx := findGE(node, key)
	if idx >= len(node.Entries) || node.Entries[idx].Key != key {
		return nil, fmt.Errorf("%w: %s", ErrKeyMissing, key)
	}

	var leftRef *Ref
	if idx == 0 {
		leftRef = node.Left
	} else {
		leftRef = node.Entries[idx-1].Right
	}
	leftChild, err := leftRef.Resolve(ctx, loader)
	if err != nil {
		return nil, err
	}
	rightChild, err := node.Entries[idx].Right.Resolve(ctx, loader)
	if err != nil {
		return nil, err
	}
	merged, err := mergeTrees(ctx, loader, leftChild, rightChild)
	if err != nil {
		return nil, err
	}

	newEntries := make([]Entry, 0, len(node.Entries)-1)
	newEntries = append(newEntries, node.Entries[:idx]...)
	newEntries = append(newEntries, node.Entries[idx+1:]...)

	newLeft := node.Left
	if idx == 0 {
		newLeft = RefToNode(merged)
	} else {
		newEntries[idx-1].Right = RefToNode(merged)
	}

	return normalize(&Node{Left: newLeft, Entries: newEntries}), nil
}

// mergeTrees combines two adjacent subtrees (every key in less is less
// than every key in greater) into one, preserving MST layer ordering.
func mergeTrees(ctx context.Context, loader Loader, less, greater *Node) (*Node, error) {
	if less == nil {
		return greater, nil
	}
	if greater == nil {
		return less, nil
	}
	lessLayer, err := layerOf(ctx, loader, less)
	if err != nil {
		return nil, err
	}
	greaterLayer, err := layerOf(ctx, loader, greater)
	if err != nil {
		return nil, err
	}

	switch {
	case lessLayer == greaterLayer:
		lastIdx := len(less.Entries) - 1
		lastRight, err := less.Entries[lastIdx].Right.Resolve(ctx, loader)
		if err != nil {
			return nil, err
		}
		greaterLeft, err := greater.Left.Resolve(ctx, loader)
		if err != nil {
			return nil, err
		}
		middle, err := mergeTrees(ctx, loader, lastRight, greaterLeft)
		if err != nil {
			return nil, err
		}
		newEntries := append([]Entry(nil), less.Entries...)
		newEntries[lastIdx].Right = RefToNode(middle)
		newEntries = append(newEntries, greater.Entries...)
		return &Node{Left: less.Left, Entries: newEntries}, nil

	case lessLayer > greaterLayer:
		lastIdx := len(less.Entries) - 1
		lastRight, err := less.Entries[lastIdx].Right.Resolve(ctx, loader)
		if err != nil {
			return nil, err
		}
		mergedRight, err := mergeTrees(ctx, loader, lastRight, greater)
		if err != nil {
			return nil, err
		}
		newEntries := append([]Entry(nil), less.Entries...)
		newEntries[lastIdx].Right = RefToNode(mergedRight)
		return &Node{Left: less.Left, Entries: newEntries}, nil

	default:
		greaterLeft, err := greater.Left.Resolve(ctx, loader)
		if err != nil {
			return nil, err
		}
		mergedLeft, err := mergeTrees(ctx, loader, less, greaterLeft)
		if err != nil {
			return nil, err
		}
		newEntries := append([]Entry(nil), greater.Entries...)
		return &Node{Left: RefToNode(mergedLeft), Entries: newEntries}, nil
	}
}

// normalize collapses a node with no entries down to its left subtree,
// so that two structurally-equivalent trees always serialize to the
// same CID regardless of the mutation path that produced them. Every
// call site builds n.Left (when set) from an already-resolved node, so
// n.Left.node is always populated here.
func normalize(n *Node) *Node {
	if n == nil || len(n.Entries) > 0 {
		return n
	}
	if n.Left == nil {
		return nil
	}
	return n.Left.node
}
