package mst

import (
	"context"

	"github.com/ipfs/go-cid"
)

// Diff describes the difference between two MST revisions: which keys
// were added, updated, or deleted, and which block CIDs became newly
// reachable or newly unreachable as a result.
type Diff struct {
	Adds    map[string]cid.Cid
	Updates map[string]cid.Cid
	Deletes map[string]cid.Cid

	NewCIDs     map[cid.Cid]struct{}
	RemovedCIDs map[cid.Cid]struct{}
}

func newDiff() *Diff {
	return &Diff{
		Adds:        map[string]cid.Cid{},
		Updates:     map[string]cid.Cid{},
		Deletes:     map[string]cid.Cid{},
		NewCIDs:     map[cid.Cid]struct{}{},
		RemovedCIDs: map[cid.Cid]struct{}{},
	}
}

// Of computes the Diff between oldRoot and newRoot by descending both
// trees together, never visiting a subtree whose content CID is
// identical on both sides. Diffing a tree against itself (or two trees
// that happen to serialize identically) short-circuits to an empty
// Diff at the root without touching either tree.
func Of(ctx context.Context, loader Loader, oldRoot, newRoot *Node) (*Diff, error) {
	d := newDiff()

	if oldRoot == nil && newRoot == nil {
		return d, nil
	}
	if oldRoot != nil && newRoot != nil {
		oc, _, err := oldRoot.CID()
		if err != nil {
			return nil, err
		}
		nc, _, err := newRoot.CID()
		if err != nil {
			return nil, err
		}
		if oc == nc {
			return d, nil
		}
	}

	oldTouched := map[cid.Cid]struct{}{}
	newTouched := map[cid.Cid]struct{}{}
	if oldRoot != nil {
		if c, _, err := oldRoot.CID(); err == nil {
			oldTouched[c] = struct{}{}
		}
	}
	if newRoot != nil {
		if c, _, err := newRoot.CID(); err == nil {
			newTouched[c] = struct{}{}
		}
	}

	oldCur := newCursor(ctx, loader, oldRoot)
	newCur := newCursor(ctx, loader, newRoot)

	for {
		os, err := oldCur.peek()
		if err != nil {
			return nil, err
		}
		ns, err := newCur.peek()
		if err != nil {
			return nil, err
		}

		switch {
		case os == nil && ns == nil:
			return finishDiff(d, oldTouched, newTouched), nil

		case os == nil:
			if err := drain(newCur, newTouched, func(l Leaf) { d.Adds[l.Key] = l.Val }); err != nil {
				return nil, err
			}
			return finishDiff(d, oldTouched, newTouched), nil

		case ns == nil:
			if err := drain(oldCur, oldTouched, func(l Leaf) { d.Deletes[l.Key] = l.Val }); err != nil {
				return nil, err
			}
			return finishDiff(d, oldTouched, newTouched), nil

		case !os.leaf && !ns.leaf:
			oCID, oOK := refCID(os.ref)
			nCID, nOK := refCID(ns.ref)
			if oOK && nOK && oCID == nCID {
				oldCur.advance()
				newCur.advance()
				continue
			}
			oNode, err := oldCur.descend()
			if err != nil {
				return nil, err
			}
			if oNode != nil {
				if c, _, err := oNode.CID(); err == nil {
					oldTouched[c] = struct{}{}
				}
			}
			nNode, err := newCur.descend()
			if err != nil {
				return nil, err
			}
			if nNode != nil {
				if c, _, err := nNode.CID(); err == nil {
					newTouched[c] = struct{}{}
				}
			}

		case !os.leaf:
			oNode, err := oldCur.descend()
			if err != nil {
				return nil, err
			}
			if oNode != nil {
				if c, _, err := oNode.CID(); err == nil {
					oldTouched[c] = struct{}{}
				}
			}

		case !ns.leaf:
			nNode, err := newCur.descend()
			if err != nil {
				return nil, err
			}
			if nNode != nil {
				if c, _, err := nNode.CID(); err == nil {
					newTouched[c] = struct{}{}
				}
			}

		default: // both leaves
			switch {
			case os.key == ns.key:
				if os.val != ns.val {
					d.Updates[os.key] = ns.val
					oldTouched[os.val] = struct{}{}
					newTouched[ns.val] = struct{}{}
				}
				oldCur.advance()
				newCur.advance()
			case os.key < ns.key:
				d.Deletes[os.key] = os.val
				oldTouched[os.val] = struct{}{}
				oldCur.advance()
			default:
				d.Adds[ns.key] = ns.val
				newTouched[ns.val] = struct{}{}
				newCur.advance()
			}
		}
	}
}

// finishDiff turns the touched-CID sets gathered while descending
// mismatched subtrees into NewCIDs/RemovedCIDs. A subtree whose content
// is identical on both sides never reaches either touched set, since
// its node and leaf-value CIDs are reachable on both sides and cancel
// out of the difference regardless.
func finishDiff(d *Diff, oldTouched, newTouched map[cid.Cid]struct{}) *Diff {
	for c := range newTouched {
		if _, ok := oldTouched[c]; !ok {
			d.NewCIDs[c] = struct{}{}
		}
	}
	for c := range oldTouched {
		if _, ok := newTouched[c]; !ok {
			d.RemovedCIDs[c] = struct{}{}
		}
	}
	return d
}

// drain exhausts a cursor, descending every remaining subtree and
// calling fn for every leaf reached; every node and leaf-value CID
// visited is recorded in touched. Used once one side of the merge runs
// out while the other still has content (a pure suffix add/delete).
func drain(c *cursor, touched map[cid.Cid]struct{}, fn func(Leaf)) error {
	for {
		s, err := c.peek()
		if err != nil {
			return err
		}
		if s == nil {
			return nil
		}
		if s.leaf {
			fn(Leaf{Key: s.key, Val: s.val})
			touched[s.val] = struct{}{}
			c.advance()
			continue
		}
		node, err := c.descend()
		if err != nil {
			return err
		}
		if node != nil {
			if nc, _, err := node.CID(); err == nil {
				touched[nc] = struct{}{}
			}
		}
	}
}
