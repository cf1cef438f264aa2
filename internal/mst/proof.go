package mst

import (
	"context"

	"github.com/ipfs/go-cid"
)

// CoveringProof collects the CID and serialized bytes of every node on
// the path from root to each key's leaf position, for both oldRoot and
// newRoot (either may be nil for the genesis commit). This is the set
// a firehose subscriber needs to verify a commit's ops — inclusion for
// a create/update, absence for a delete — against the new root, per
// the MST's covering-proof requirement.
func CoveringProof(ctx context.Context, loader Loader, oldRoot, newRoot *Node, keys []string) (map[cid.Cid][]byte, error) {
	out := map[cid.Cid][]byte{}
	for _, key := range keys {
		for _, root := range []*Node{oldRoot, newRoot} {
			if root == nil {
				continue
			}
			if err := pathTo(ctx, loader, root, key, out); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// pathTo walks from n toward key's position, recording every node it
// passes through (its CID and bytes) into out.
func pathTo(ctx context.Context, loader Loader, n *Node, key string, out map[cid.Cid][]byte) error {
	keyLayer := LayerForKey(key)
	cur := n
	for cur != nil {
		c, data, err := cur.CID()
		if err != nil {
			return err
		}
		out[c] = data

		nodeLayer, err := layerOf(ctx, loader, cur)
		if err != nil {
			return err
		}
		if keyLayer >= nodeLayer {
			return nil
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
			return err
		}
		cur = child
	}
	return nil
}
