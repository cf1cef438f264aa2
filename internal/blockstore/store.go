// Package blockstore defines the content-addressed block store contract
// repos are built on, and two implementations: an in-memory store for
// tests and small deployments, and a PostgreSQL-backed store for durable
// multi-repo hosting.
package blockstore

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
)

// Blocks is a set of content-addressed blocks keyed by CID.
type Blocks map[cid.Cid][]byte

// ByteSize returns the total encoded size of all blocks in the set.
func (b Blocks) ByteSize() int {
	n := 0
	for _, v := range b {
		n += len(v)
	}
	return n
}

// Add stores data in the set under the caller-supplied CID c; the CID
// is not derived from data here (callers get it alongside the bytes
// from codec.CIDFor).
func (b Blocks) Add(c cid.Cid, data []byte) {
	b[c] = data
}

var (
	// ErrBlockNotFound is returned by Read for a CID this
	// store has never seen.
	ErrBlockNotFound = errors.New("blockstore: block not found")

	// ErrReadonlyViolation is returned when a caller attempts to
	// overwrite a block or sequence number that has already been
	// written. Every block and sequence number is write-once.
	ErrReadonlyViolation = errors.New("blockstore: write-once violation")

	// ErrRepoNotFound is returned by LoadRepo for an unknown DID.
	ErrRepoNotFound = errors.New("blockstore: repo not found")

	// ErrRepoExists is returned by CreateRepo when the DID is already
	// hosted.
	ErrRepoExists = errors.New("blockstore: repo already exists")

	// ErrCommitConflict is returned by ApplyCommit when the supplied
	// prevHead does not match the store's current head for the repo —
	// another commit has raced ahead of the caller.
	ErrCommitConflict = errors.New("blockstore: commit conflict")
)

// RepoRecord is the persisted state of one hosted repo (spec "Persisted
// state layout": did, head commit CID, active/tombstoned status).
type RepoRecord struct {
	DID    string
	Head   cid.Cid
	Rev    string
	Active bool
}

// Event is one durable, sequenced firehose event: the raw canonical
// frame bytes keyed by an allocated sequence number.
type Event struct {
	Seq  int64
	Data []byte
}

// Store is the abstract, write-once, linearizable-per-repo block store
// every repo operation is built on.
type Store interface {
	// Read returns the bytes for a single block, or ErrBlockNotFound.
	Read(ctx context.Context, c cid.Cid) ([]byte, error)

	// Has reports whether a block exists without fetching its bytes.
	Has(ctx context.Context, c cid.Cid) (bool, error)

	// ReadMany returns the subset of cids present in the store; absent
	// CIDs are simply omitted from the result, not an error.
	ReadMany(ctx context.Context, cids []cid.Cid) (Blocks, error)

	// ReadBlocks returns every block ever written for did, for full
	// repo export.
	ReadBlocks(ctx context.Context, did string) (Blocks, error)

	// ReadBlocksSince returns the subset of did's blocks whose batch
	// seq is >= since, for getRepo's "since" filter (spec §6). since=0
	// is equivalent to ReadBlocks.
	ReadBlocksSince(ctx context.Context, did string, since int64) (Blocks, error)

	// Write persists a batch of blocks for did. Write-once: attempting
	// to write a CID that already exists with different bytes is an
	// error (ErrReadonlyViolation); writing identical bytes again is a
	// no-op.
	Write(ctx context.Context, did string, blocks Blocks) error

	// ApplyCommit atomically writes newBlocks, advances did's head to
	// newHead/newRev, and persists eventData under the given seq (which
	// the caller must have already obtained from AllocateSeq — the
	// event frame's own bytes are typically built to embed that seq
	// before it can be committed, so allocation happens first).
	// prevHead must match the store's current head for did, or
	// ErrCommitConflict is returned and nothing is written.
	ApplyCommit(ctx context.Context, did string, prevHead, newHead cid.Cid, newRev string, newBlocks Blocks, seq int64, eventData []byte) error

	// AllocateSeq hands out the next firehose sequence number, for a
	// commit about to be built or for non-commit events (#identity,
	// #account), without writing anything else.
	AllocateSeq(ctx context.Context) (int64, error)

	// LastSeq returns the highest sequence number ever allocated, or 0
	// if none has been.
	LastSeq(ctx context.Context) (int64, error)

	// ReadEventsBySeq streams events with seq >= since, in ascending
	// seq order, calling fn for each. fn returning an error stops
	// iteration and the error propagates.
	ReadEventsBySeq(ctx context.Context, since int64, fn func(Event) error) error

	// CreateRepo creates a new repo with its genesis commit blocks
	// already written, an initial head/rev, and the genesis commit's
	// firehose event persisted under seq — the genesis commit goes
	// through the same seq/event pipeline as every later ApplyCommit,
	// so it is visible to firehose replay like any other commit.
	// Returns ErrRepoExists if did is already hosted.
	CreateRepo(ctx context.Context, did string, head cid.Cid, rev string, genesisBlocks Blocks, seq int64, eventData []byte) error

	// LoadRepo returns the persisted head/rev/active status for did.
	// Returns ErrRepoNotFound if did is unknown.
	LoadRepo(ctx context.Context, did string) (RepoRecord, error)

	// ListRepos returns every hosted repo record.
	ListRepos(ctx context.Context) ([]RepoRecord, error)

	// TombstoneRepo marks did inactive and persists the #tombstone
	// lifecycle event under seq, exactly like CreateRepo/ApplyCommit:
	// the caller allocates seq and builds eventData first. Its blocks
	// are retained but the repo is no longer writable.
	TombstoneRepo(ctx context.Context, did string, seq int64, eventData []byte) error
}
