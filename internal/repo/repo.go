package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/northbound-pds/pds/internal/blockstore"
	"github.com/northbound-pds/pds/internal/carfile"
	"github.com/northbound-pds/pds/internal/codec"
	"github.com/northbound-pds/pds/internal/mst"
	"github.com/northbound-pds/pds/internal/signing"
)

// Action names one record write's kind, matching the three ops a batch
// of writes may contain.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Write is one pending record mutation, keyed by collection/rkey.
// Record is nil for Delete.
type Write struct {
	Action     Action
	Collection string
	RKey       string
	Record     map[string]any
}

// Key returns the MST key ("collection/rkey") this write targets.
func (w Write) Key() string {
	return w.Collection + "/" + w.RKey
}

// CommitOp records one write's effect inside a commit, in the shape the
// firehose payload carries it: the MST key, the record's new CID (zero
// for a delete), and the record's previous CID (zero for a create).
type CommitOp struct {
	Action Action
	Path   string
	CID    cid.Cid
	Prev   cid.Cid
}

// CommitData is everything produced by one ApplyWrites call: the new
// signed commit, the ops that produced it, and every block that became
// newly reachable as a result (MST nodes, new/updated records, and the
// commit block itself) — exactly what a firehose #commit event and a
// getRepo export need.
type CommitData struct {
	DID       string
	Commit    *Commit
	CommitCID cid.Cid
	Ops       []CommitOp
	Blocks    blockstore.Blocks
	PrevData  cid.Cid // previous MST root; Undef for the genesis commit
	Since     cid.Cid // always Undef; reserved wire field, never populated (see DESIGN.md)
	Seq       int64   // firehose sequence number; the genesis commit is allocated one too (see DESIGN.md)
}

// Callback is invoked with every CommitData produced by this repo,
// whether from Create or ApplyWrites — the hook the firehose collector
// is notified through.
type Callback func(context.Context, *CommitData) error

// Repo tracks one DID's current MST and signed commit chain.
type Repo struct {
	store  blockstore.Store
	loader mst.Loader
	priv   *signing.PrivateKey
	clock  *codec.TIDClock

	did      string
	root     *mst.Node
	head     *Commit
	headCID  cid.Cid
	callback Callback
}

// ErrRecordNotFound is returned by GetRecord/ApplyWrites (for
// update/delete) when the targeted key is absent.
var ErrRecordNotFound = errors.New("repo: record not found")

func rootCID(n *mst.Node) (cid.Cid, []byte, error) {
	if n == nil {
		n = mst.Empty()
	}
	return n.CID()
}

// Create initializes a brand-new, empty repo for did, signs its genesis
// commit, and persists it via store.CreateRepo.
func Create(ctx context.Context, store blockstore.Store, did string, priv *signing.PrivateKey, clock *codec.TIDClock, cb Callback) (*Repo, *CommitData, error) {
	loader := newStoreLoader(store)

	dataCID, dataBytes, err := rootCID(nil)
	if err != nil {
		return nil, nil, err
	}

	commit := &Commit{
		DID:     did,
		Version: CommitVersion,
		Data:    dataCID,
		Rev:     clock.Next(),
	}
	if err := commit.Sign(priv); err != nil {
		return nil, nil, err
	}
	commitCID, commitBytes, err := commit.CID()
	if err != nil {
		return nil, nil, err
	}

	blocks := blockstore.Blocks{dataCID: dataBytes, commitCID: commitBytes}

	seq, err := store.AllocateSeq(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("repo: allocate seq for %s: %w", did, err)
	}
	eventData, err := EncodeCommitFrame(&CommitData{
		DID: did, Commit: commit, CommitCID: commitCID, Blocks: blocks,
		PrevData: cid.Undef, Since: cid.Undef, Seq: seq,
	}, time.Now())
	if err != nil {
		return nil, nil, fmt.Errorf("repo: encode genesis commit frame for %s: %w", did, err)
	}

	if err := store.CreateRepo(ctx, did, commitCID, commit.Rev, blocks, seq, eventData); err != nil {
		return nil, nil, fmt.Errorf("repo: create %s: %w", did, err)
	}

	r := &Repo{
		store: store, loader: loader, priv: priv, clock: clock,
		did: did, root: nil, head: commit, headCID: commitCID, callback: cb,
	}
	cd := &CommitData{
		DID: did, Commit: commit, CommitCID: commitCID, Blocks: blocks,
		PrevData: cid.Undef, Since: cid.Undef, Seq: seq,
	}
	if cb != nil {
		if err := cb(ctx, cd); err != nil {
			return nil, nil, fmt.Errorf("repo: create callback: %w", err)
		}
	}
	return r, cd, nil
}

// Load rebuilds a Repo handle for an already-hosted did from store.
func Load(ctx context.Context, store blockstore.Store, did string, priv *signing.PrivateKey, clock *codec.TIDClock, cb Callback) (*Repo, error) {
	rec, err := store.LoadRepo(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("repo: load %s: %w", did, err)
	}
	commitBytes, err := store.Read(ctx, rec.Head)
	if err != nil {
		return nil, fmt.Errorf("repo: load %s head: %w", did, err)
	}
	commit, err := DecodeCommit(commitBytes)
	if err != nil {
		return nil, fmt.Errorf("repo: load %s decode commit: %w", did, err)
	}

	loader := newStoreLoader(store)
	root, err := loader.GetNode(ctx, commit.Data)
	if err != nil {
		return nil, fmt.Errorf("repo: load %s mst root: %w", did, err)
	}

	return &Repo{
		store: store, loader: loader, priv: priv, clock: clock,
		did: did, root: root, head: commit, headCID: rec.Head, callback: cb,
	}, nil
}

// DID returns the repo's DID.
func (r *Repo) DID() string { return r.did }

// Head returns the current head commit and its CID.
func (r *Repo) Head() (*Commit, cid.Cid) { return r.head, r.headCID }

// GetRecord returns the record stored at collection/rkey.
func (r *Repo) GetRecord(ctx context.Context, collection, rkey string) (map[string]any, cid.Cid, error) {
	key := collection + "/" + rkey
	valCID, ok, err := mst.Get(ctx, r.loader, r.root, key)
	if err != nil {
		return nil, cid.Undef, err
	}
	if !ok {
		return nil, cid.Undef, fmt.Errorf("%w: %s", ErrRecordNotFound, key)
	}
	data, err := r.store.Read(ctx, valCID)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("repo: read record %s: %w", key, err)
	}
	v, err := codec.Decode(data)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("repo: decode record %s: %w", key, err)
	}
	m, _ := v.(map[string]any)
	return m, valCID, nil
}

// ListRecords lists every record in a collection, in rkey order.
func (r *Repo) ListRecords(ctx context.Context, collection string) ([]mst.Leaf, error) {
	return mst.ListWithPrefix(ctx, r.loader, r.root, collection+"/")
}

// ListRange lists every record with a full "collection/rkey" key
// strictly between after and before, in key order. Either bound may be
// empty to leave that side unbounded.
func (r *Repo) ListRange(ctx context.Context, after, before string) ([]mst.Leaf, error) {
	return mst.ListRange(ctx, r.loader, r.root, after, before)
}

// ApplyWrites applies a batch of writes as one new signed commit,
// persists it atomically, advances the repo's head, and invokes the
// callback with the resulting CommitData.
func (r *Repo) ApplyWrites(ctx context.Context, writes []Write) (*CommitData, error) {
	oldRoot := r.root
	newRoot := oldRoot

	recordBlocks := blockstore.Blocks{}
	ops := make([]CommitOp, 0, len(writes))

	for _, w := range writes {
		key := w.Key()
		switch w.Action {
		case ActionCreate:
			valCID, valBytes, err := codec.CIDFor(w.Record)
			if err != nil {
				return nil, fmt.Errorf("repo: encode record %s: %w", key, err)
			}
			newRoot, err = mst.Add(ctx, r.loader, newRoot, key, valCID)
			if err != nil {
				return nil, fmt.Errorf("repo: create %s: %w", key, err)
			}
			recordBlocks[valCID] = valBytes
			ops = append(ops, CommitOp{Action: ActionCreate, Path: key, CID: valCID})

		case ActionUpdate:
			prevCID, ok, err := mst.Get(ctx, r.loader, newRoot, key)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, key)
			}
			valCID, valBytes, err := codec.CIDFor(w.Record)
			if err != nil {
				return nil, fmt.Errorf("repo: encode record %s: %w", key, err)
			}
			newRoot, err = mst.Update(ctx, r.loader, newRoot, key, valCID)
			if err != nil {
				return nil, fmt.Errorf("repo: update %s: %w", key, err)
			}
			recordBlocks[valCID] = valBytes
			ops = append(ops, CommitOp{Action: ActionUpdate, Path: key, CID: valCID, Prev: prevCID})

		case ActionDelete:
			prevCID, ok, err := mst.Get(ctx, r.loader, newRoot, key)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, key)
			}
			newRoot, err = mst.Delete(ctx, r.loader, newRoot, key)
			if err != nil {
				return nil, fmt.Errorf("repo: delete %s: %w", key, err)
			}
			ops = append(ops, CommitOp{Action: ActionDelete, Path: key, Prev: prevCID})

		default:
			return nil, fmt.Errorf("repo: unknown write action %q", w.Action)
		}
	}

	// diff.NewCIDs is computed once by comparing the batch's starting
	// tree with its final tree, not tracked incrementally per write, so a block
	// that disappears and reappears within the same batch is simply
	// "still reachable in the new tree" and needs no special-case
	// reconciliation (see DESIGN.md).
	diff, err := mst.Of(ctx, r.loader, oldRoot, newRoot)
	if err != nil {
		return nil, fmt.Errorf("repo: diff mst: %w", err)
	}

	nodeBlocks := blockstore.Blocks{}
	err = mst.WalkNodeCIDs(ctx, r.loader, newRoot, func(c cid.Cid, data []byte) error {
		if _, isNew := diff.NewCIDs[c]; isNew {
			nodeBlocks[c] = data
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repo: walk new mst nodes: %w", err)
	}

	dataCID, _, err := rootCID(newRoot)
	if err != nil {
		return nil, err
	}

	prevHeadCID := r.headCID
	prevDataCID, _, err := rootCID(oldRoot)
	if err != nil {
		return nil, err
	}

	commit := &Commit{
		DID:     r.did,
		Version: CommitVersion,
		Data:    dataCID,
		Rev:     r.clock.Next(),
		Prev:    prevHeadCID,
	}
	if err := commit.Sign(r.priv); err != nil {
		return nil, err
	}
	commitCID, commitBytes, err := commit.CID()
	if err != nil {
		return nil, err
	}

	blocks := blockstore.Blocks{commitCID: commitBytes}
	for c, d := range nodeBlocks {
		blocks[c] = d
	}
	for c, d := range recordBlocks {
		blocks[c] = d
	}

	keys := make([]string, len(writes))
	for i, w := range writes {
		keys[i] = w.Key()
	}
	frameBlocks, err := carfile.CommitFrameBlocks(ctx, r.loader, blocks, oldRoot, newRoot, keys)
	if err != nil {
		return nil, fmt.Errorf("repo: assemble commit frame blocks: %w", err)
	}

	seq, err := r.store.AllocateSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("repo: allocate seq: %w", err)
	}

	eventData, err := EncodeCommitFrame(&CommitData{
		DID: r.did, Commit: commit, CommitCID: commitCID, Ops: ops,
		Blocks: frameBlocks, PrevData: prevDataCID, Since: cid.Undef, Seq: seq,
	}, time.Now())
	if err != nil {
		return nil, fmt.Errorf("repo: encode commit frame: %w", err)
	}

	if err := r.store.ApplyCommit(ctx, r.did, prevHeadCID, commitCID, commit.Rev, blocks, seq, eventData); err != nil {
		return nil, fmt.Errorf("repo: apply commit: %w", err)
	}

	r.root = newRoot
	r.head = commit
	r.headCID = commitCID

	cd := &CommitData{
		DID: r.did, Commit: commit, CommitCID: commitCID, Ops: ops,
		Blocks: blocks, PrevData: prevDataCID, Since: cid.Undef, Seq: seq,
	}
	if r.callback != nil {
		if err := r.callback(ctx, cd); err != nil {
			return nil, fmt.Errorf("repo: apply writes callback: %w", err)
		}
	}
	return cd, nil
}
