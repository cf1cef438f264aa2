// Package mst implements the Merkle Search Tree: a deterministic,
// insert-order-independent tree keyed by "collection/rkey" strings,
// mapping each key to a content-addressed leaf value CID. Built as an
// immutable, content-addressed Go tree on top of package codec.
package mst

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/northbound-pds/pds/internal/codec"
)

var (
	// ErrInvalidKey is returned for a key that is empty, too long, or
	// outside the collection/rkey alphabet atproto record keys use.
	ErrInvalidKey = errors.New("mst: invalid key")
	// ErrKeyExists is returned by Add when the key is already present.
	ErrKeyExists = errors.New("mst: key exists")
	// ErrKeyMissing is returned by Update/Delete when the key is
	// absent.
	ErrKeyMissing = errors.New("mst: key missing")
)

// maxKeyLength bounds a key's byte length (collection NSID + "/" + rkey).
const maxKeyLength = 256

// EnsureValidKey validates a record key: non-empty, bounded length, and
// restricted to the characters atproto allows in a collection/rkey path
// segment.
func EnsureValidKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("%w: exceeds %d bytes", ErrInvalidKey, maxKeyLength)
	}
	parts := strings.Split(key, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%w: must be collection/rkey: %q", ErrInvalidKey, key)
	}
	for _, r := range key {
		if !validKeyChar(r) {
			return fmt.Errorf("%w: invalid character %q in %q", ErrInvalidKey, r, key)
		}
	}
	return nil
}

func validKeyChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case strings.ContainsRune(".-_:/", r):
		return true
	}
	return false
}

// LayerForKey returns the MST layer a key's leaf belongs at: the count
// of leading all-zero 2-bit groups in sha256(key), giving each layer an
// independent ~1/4 probability of promoting a key further up the tree
// (fan-out ≈4).
func LayerForKey(key string) int {
	sum := sha256.Sum256([]byte(key))
	layer := 0
	for _, b := range sum {
		for shift := 6; shift >= 0; shift -= 2 {
			if (b>>uint(shift))&0x3 != 0 {
				return layer
			}
			layer++
		}
	}
	return layer
}

// Loader resolves a node's content from its CID. Backed by a
// blockstore.Store in production, or an in-memory map in tests.
type Loader interface {
	GetNode(ctx context.Context, c cid.Cid) (*Node, error)
}

// Ref is a reference to a child subtree: either an already-built,
// possibly unpersisted in-memory Node, or a CID that must be resolved
// through a Loader on first use, with the resolved Node cached after
// the first lookup.
type Ref struct {
	mu   sync.Mutex
	c    cid.Cid
	node *Node
}

// RefToNode wraps an already-built node.
func RefToNode(n *Node) *Ref {
	if n == nil {
		return nil
	}
	return &Ref{node: n}
}

// RefToCID wraps a CID to be lazily resolved.
func RefToCID(c cid.Cid) *Ref {
	if !c.Defined() {
		return nil
	}
	return &Ref{c: c}
}

// Resolve returns the referenced node, loading it through loader if it
// has not been loaded yet. The result is cached on the Ref.
func (r *Ref) Resolve(ctx context.Context, loader Loader) (*Node, error) {
	if r == nil {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.node != nil {
		return r.node, nil
	}
	n, err := loader.GetNode(ctx, r.c)
	if err != nil {
		return nil, fmt.Errorf("mst: resolve %s: %w", r.c, err)
	}
	r.node = n
	return n, nil
}

// Entry is one key/value slot in a node, with an optional subtree of
// strictly-lesser layer immediately to its right.
type Entry struct {
	Key   string
	Val   cid.Cid
	Right *Ref
}

// Node is one immutable MST node: an optional left-most subtree (every
// key under it sorts before every entry's key) followed by an ordered
// list of entries, each optionally followed by a right subtree holding
// keys between it and the next entry.
type Node struct {
	Left    *Ref
	Entries []Entry

	mu  sync.Mutex
	cid cid.Cid // cached once computed/persisted; zero until then
}

// Empty returns the canonical empty tree (no left subtree, no entries).
func Empty() *Node {
	return &Node{}
}

// clone returns a shallow copy of n suitable for building a modified
// node without mutating the original (structural sharing: unchanged
// Entries/Left/Right Refs are reused, not deep-copied).
func (n *Node) clone() *Node {
	cp := &Node{Left: n.Left, Entries: append([]Entry(nil), n.Entries...)}
	return cp
}

// CID serializes n and returns its content CID together with the
// serialized bytes. The node is serialized again on every call.
func (n *Node) CID() (cid.Cid, []byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	data, err := n.serialize()
	if err != nil {
		return cid.Undef, nil, err
	}
	c, err := codec.CIDForBytes(data)
	if err != nil {
		return cid.Undef, nil, err
	}
	n.cid = c
	return c, data, nil
}

func refCID(r *Ref) (cid.Cid, bool) {
	if r == nil {
		return cid.Undef, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.node != nil {
		c, _, err := r.node.CID()
		if err != nil {
			return cid.Undef, false
		}
		return c, true
	}
	return r.c, true
}
