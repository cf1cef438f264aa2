// Package carfile builds Content-Addressable aRchive (CAR v1) byte
// streams: a repo export, a record-with-proof export, or the blocks
// payload of a firehose commit frame. Works over an arbitrary root set
// and block source rather than a single in-process block map.
package carfile

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"

	"github.com/northbound-pds/pds/internal/blockstore"
	"github.com/northbound-pds/pds/internal/mst"
)

// WriteCAR writes a CAR v1 archive to w: a header naming roots,
// followed by every block in blocks in arbitrary order except that
// each of roots is written first (so a streaming reader can start
// verifying before the archive finishes).
func WriteCAR(w io.Writer, roots []cid.Cid, blocks blockstore.Blocks) error {
	h := &car.CarHeader{Roots: roots, Version: 1}
	if err := car.WriteHeader(h, w); err != nil {
		return fmt.Errorf("carfile: write header: %w", err)
	}

	written := make(map[cid.Cid]struct{}, len(roots))
	for _, root := range roots {
		data, ok := blocks[root]
		if !ok {
			return fmt.Errorf("carfile: root block not found: %s", root)
		}
		if err := carutil.LdWrite(w, root.Bytes(), data); err != nil {
			return fmt.Errorf("carfile: write root block %s: %w", root, err)
		}
		written[root] = struct{}{}
	}
	for c, data := range blocks {
		if _, ok := written[c]; ok {
			continue
		}
		if err := carutil.LdWrite(w, c.Bytes(), data); err != nil {
			return fmt.Errorf("carfile: write block %s: %w", c, err)
		}
	}
	return nil
}

// EncodeCAR is WriteCAR into a fresh buffer, for callers (commit frame
// encoding, getRecord/getBlocks responses) that need the archive as a
// byte slice rather than a stream.
func EncodeCAR(roots []cid.Cid, blocks blockstore.Blocks) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCAR(&buf, roots, blocks); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CommitFrameBlocks assembles the block set a firehose #commit
// payload's "blocks" CAR must carry: the commit's own new blocks (MST
// nodes, record blocks, and the commit block itself) plus the MST
// covering-proof blocks for every affected key, so a receiver can
// verify each op's inclusion or absence against the new root without
// fetching anything else.
func CommitFrameBlocks(ctx context.Context, loader mst.Loader, newBlocks blockstore.Blocks, oldRoot, newRoot *mst.Node, keys []string) (blockstore.Blocks, error) {
	proof, err := mst.CoveringProof(ctx, loader, oldRoot, newRoot, keys)
	if err != nil {
		return nil, fmt.Errorf("carfile: covering proof: %w", err)
	}
	out := make(blockstore.Blocks, len(newBlocks)+len(proof))
	for c, d := range newBlocks {
		out[c] = d
	}
	for c, d := range proof {
		if _, ok := out[c]; !ok {
			out[c] = d
		}
	}
	return out, nil
}

// ExportRepo writes every block reachable from commitCID (the whole
// repo) as a CAR archive rooted at commitCID, for getRepo-style full
// exports.
func ExportRepo(w io.Writer, commitCID cid.Cid, allBlocks blockstore.Blocks) error {
	return WriteCAR(w, []cid.Cid{commitCID}, allBlocks)
}

// ExportRecord writes a record's value block plus its MST covering
// proof (root to leaf) and the commit block, rooted at commitCID — the
// minimal archive a client needs to verify one record's inclusion.
func ExportRecord(ctx context.Context, w io.Writer, loader mst.Loader, commitCID cid.Cid, root *mst.Node, key string, recordCID cid.Cid, recordData []byte, store blockstore.Store) error {
	proof, err := mst.CoveringProof(ctx, loader, nil, root, []string{key})
	if err != nil {
		return fmt.Errorf("carfile: export record proof: %w", err)
	}
	blocks := blockstore.Blocks{recordCID: recordData}
	for c, d := range proof {
		blocks[c] = d
	}
	commitData, err := store.Read(ctx, commitCID)
	if err != nil {
		return fmt.Errorf("carfile: export record read commit: %w", err)
	}
	blocks[commitCID] = commitData
	return WriteCAR(w, []cid.Cid{commitCID}, blocks)
}
