// Package repohost orchestrates the repo, blockstore, signing, and
// firehose packages into the operations a wire server (or a test) needs:
// one value that owns its collaborators explicitly instead of relying on
// module-level singletons.
package repohost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/northbound-pds/pds/internal/blockstore"
	"github.com/northbound-pds/pds/internal/carfile"
	"github.com/northbound-pds/pds/internal/codec"
	"github.com/northbound-pds/pds/internal/firehose"
	"github.com/northbound-pds/pds/internal/mst"
	"github.com/northbound-pds/pds/internal/repo"
	"github.com/northbound-pds/pds/internal/signing"
)

var (
	// ErrRepoNotFound is returned for any operation on a DID this host
	// has never created.
	ErrRepoNotFound = errors.New("repohost: repo not found")

	// ErrRepoDeactivated is returned by ApplyWrites once a repo has been
	// tombstoned: its blocks are retained but it no longer accepts
	// writes.
	ErrRepoDeactivated = errors.New("repohost: repo deactivated")
)

// Clock abstracts wall-clock time so tests can inject a fixed instant.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real-time Clock used in production.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// RepoStatus is the summary GetRepoStatus/ListRepos return for one
// hosted repo.
type RepoStatus struct {
	DID    string
	Head   cid.Cid
	Rev    string
	Active bool
}

// RepoHost is the one value a server layer needs: it owns the block
// store, the signing key lookup, the wall clock, and the firehose, and
// funnels every record write through repo.Repo.ApplyWrites before
// notifying the firehose collector through the repo's commit callback.
type RepoHost struct {
	store blockstore.Store
	keys  signing.KeyLookup
	clock Clock
	tids  *codec.TIDClock
	fh    *firehose.Firehose

	mu    sync.Mutex
	repos map[string]*repo.Repo
}

// New creates a RepoHost. clock may be nil, defaulting to SystemClock.
// fh must already have Start called on it by the caller (RepoHost does
// not own the firehose's lifecycle, only notifies it).
func New(store blockstore.Store, keys signing.KeyLookup, clock Clock, fh *firehose.Firehose) *RepoHost {
	if clock == nil {
		clock = SystemClock{}
	}
	return &RepoHost{
		store: store,
		keys:  keys,
		clock: clock,
		tids:  codec.NewTIDClock(clock.Now),
		fh:    fh,
		repos: make(map[string]*repo.Repo),
	}
}

// notify is the repo.Callback every Repo this host creates/loads is
// wired with: it wakes the firehose collector after every successful
// commit. It never itself fails a commit — a notify is best-effort
// wakeup, not part of the durability guarantee (the event is already
// durably persisted by the time this runs).
func (h *RepoHost) notify(ctx context.Context, cd *repo.CommitData) error {
	h.fh.Notify()
	return nil
}

// CreateRepo creates a brand-new repo for did, signs and persists its
// genesis commit, and returns the resulting CommitData.
func (h *RepoHost) CreateRepo(ctx context.Context, did string) (*repo.CommitData, error) {
	priv, err := h.keys.SigningKeyFor(did)
	if err != nil {
		return nil, fmt.Errorf("repohost: signing key for %s: %w", did, err)
	}

	r, cd, err := repo.Create(ctx, h.store, did, priv, h.tids, h.notify)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.repos[did] = r
	h.mu.Unlock()
	return cd, nil
}

// repoFor returns a live Repo handle for did, loading and caching it
// from the store on first use. Returns ErrRepoNotFound for an unhosted
// DID.
func (h *RepoHost) repoFor(ctx context.Context, did string) (*repo.Repo, error) {
	h.mu.Lock()
	r, ok := h.repos[did]
	h.mu.Unlock()
	if ok {
		return r, nil
	}

	if _, err := h.store.LoadRepo(ctx, did); err != nil {
		if errors.Is(err, blockstore.ErrRepoNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRepoNotFound, did)
		}
		return nil, err
	}

	priv, err := h.keys.SigningKeyFor(did)
	if err != nil {
		return nil, fmt.Errorf("repohost: signing key for %s: %w", did, err)
	}

	r, err = repo.Load(ctx, h.store, did, priv, h.tids, h.notify)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.repos[did] = r
	h.mu.Unlock()
	return r, nil
}

// ApplyWrites applies a batch of record writes to did's repo as one new
// signed commit. Returns ErrRepoDeactivated if did has been tombstoned.
func (h *RepoHost) ApplyWrites(ctx context.Context, did string, writes []repo.Write) (*repo.CommitData, error) {
	rec, err := h.store.LoadRepo(ctx, did)
	if err != nil {
		if errors.Is(err, blockstore.ErrRepoNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRepoNotFound, did)
		}
		return nil, err
	}
	if !rec.Active {
		return nil, fmt.Errorf("%w: %s", ErrRepoDeactivated, did)
	}

	r, err := h.repoFor(ctx, did)
	if err != nil {
		return nil, err
	}
	return r.ApplyWrites(ctx, writes)
}

// GetRecord returns the record at collection/rkey in did's repo.
func (h *RepoHost) GetRecord(ctx context.Context, did, collection, rkey string) (map[string]any, cid.Cid, error) {
	r, err := h.repoFor(ctx, did)
	if err != nil {
		return nil, cid.Undef, err
	}
	return r.GetRecord(ctx, collection, rkey)
}

// ListRecords lists every record in a collection of did's repo.
func (h *RepoHost) ListRecords(ctx context.Context, did, collection string) ([]mst.Leaf, error) {
	r, err := h.repoFor(ctx, did)
	if err != nil {
		return nil, err
	}
	return r.ListRecords(ctx, collection)
}

// ListRecordRange lists every record of did's repo with a full
// "collection/rkey" key strictly between after and before, in key
// order. Either bound may be empty to leave that side unbounded.
func (h *RepoHost) ListRecordRange(ctx context.Context, did, after, before string) ([]mst.Leaf, error) {
	r, err := h.repoFor(ctx, did)
	if err != nil {
		return nil, err
	}
	return r.ListRange(ctx, after, before)
}

// GetRepoStatus returns did's current head/rev/active status.
func (h *RepoHost) GetRepoStatus(ctx context.Context, did string) (RepoStatus, error) {
	rec, err := h.store.LoadRepo(ctx, did)
	if err != nil {
		if errors.Is(err, blockstore.ErrRepoNotFound) {
			return RepoStatus{}, fmt.Errorf("%w: %s", ErrRepoNotFound, did)
		}
		return RepoStatus{}, err
	}
	return RepoStatus{DID: rec.DID, Head: rec.Head, Rev: rec.Rev, Active: rec.Active}, nil
}

// ListRepos returns every hosted repo's status.
func (h *RepoHost) ListRepos(ctx context.Context) ([]RepoStatus, error) {
	recs, err := h.store.ListRepos(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RepoStatus, len(recs))
	for i, rec := range recs {
		out[i] = RepoStatus{DID: rec.DID, Head: rec.Head, Rev: rec.Rev, Active: rec.Active}
	}
	return out, nil
}

// Tombstone deactivates did's repo and emits a #tombstone firehose
// lifecycle event, matching CreateRepo/ApplyWrites's seq/event
// pipeline: seq is allocated and the event frame fully built before the
// store mutation, so the event is persisted atomically with the
// deactivation.
func (h *RepoHost) Tombstone(ctx context.Context, did string) error {
	if _, err := h.store.LoadRepo(ctx, did); err != nil {
		if errors.Is(err, blockstore.ErrRepoNotFound) {
			return fmt.Errorf("%w: %s", ErrRepoNotFound, did)
		}
		return err
	}

	seq, err := h.store.AllocateSeq(ctx)
	if err != nil {
		return fmt.Errorf("repohost: allocate seq for %s tombstone: %w", did, err)
	}

	eventData, err := firehose.EncodeLifecycleFrame("#tombstone", map[string]any{
		"did":  did,
		"seq":  seq,
		"time": h.clock.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("repohost: encode tombstone frame for %s: %w", did, err)
	}

	if err := h.store.TombstoneRepo(ctx, did, seq, eventData); err != nil {
		return fmt.Errorf("repohost: tombstone %s: %w", did, err)
	}
	h.fh.Notify()

	h.mu.Lock()
	delete(h.repos, did)
	h.mu.Unlock()
	return nil
}

// ExportRepo writes did's full repo as a CAR archive rooted at its head
// commit, restricted to blocks with seq >= since (a TID/rev cursor; the
// zero value exports everything).
func (h *RepoHost) ExportRepo(ctx context.Context, w io.Writer, did, since string) error {
	r, err := h.repoFor(ctx, did)
	if err != nil {
		return err
	}

	var sinceSeq int64
	if since != "" {
		sinceSeq, err = codec.SeqFromTID(since)
		if err != nil {
			return fmt.Errorf("repohost: decode since cursor: %w", err)
		}
	}

	_, headCID := r.Head()
	blocks, err := h.store.ReadBlocksSince(ctx, did, sinceSeq)
	if err != nil {
		return fmt.Errorf("repohost: read blocks for %s: %w", did, err)
	}
	return carfile.ExportRepo(w, headCID, blocks)
}

// ExportRecord writes a record's value block plus its MST covering
// proof and the commit block, the minimal archive a client needs to
// verify one record's inclusion in did's repo.
func (h *RepoHost) ExportRecord(ctx context.Context, w io.Writer, did, collection, rkey string) error {
	r, err := h.repoFor(ctx, did)
	if err != nil {
		return err
	}

	record, recordCID, err := r.GetRecord(ctx, collection, rkey)
	if err != nil {
		return err
	}
	_, recordBytes, err := codec.CIDFor(record)
	if err != nil {
		return fmt.Errorf("repohost: re-encode record %s/%s: %w", collection, rkey, err)
	}

	commit, commitCID := r.Head()
	loader := repo.NewStoreLoader(h.store)
	root, err := loader.GetNode(ctx, commit.Data)
	if err != nil {
		return fmt.Errorf("repohost: load mst root for %s: %w", did, err)
	}

	return carfile.ExportRecord(ctx, w, loader, commitCID, root, collection+"/"+rkey, recordCID, recordBytes, h.store)
}

// ExportBlocks writes an arbitrary set of did's blocks as a CAR archive
// rooted at the repo's current head commit.
func (h *RepoHost) ExportBlocks(ctx context.Context, w io.Writer, did string, cids []cid.Cid) error {
	r, err := h.repoFor(ctx, did)
	if err != nil {
		return err
	}
	_, headCID := r.Head()

	blocks, err := h.store.ReadMany(ctx, cids)
	if err != nil {
		return fmt.Errorf("repohost: read blocks: %w", err)
	}
	return carfile.WriteCAR(w, []cid.Cid{headCID}, blocks)
}

// Subscribe starts a firehose subscription from cursor (nil for live
// mode).
func (h *RepoHost) Subscribe(ctx context.Context, cursor *int64) (<-chan firehose.Frame, error) {
	return h.fh.Subscribe(ctx, cursor)
}
