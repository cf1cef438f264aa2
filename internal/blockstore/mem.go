package blockstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ipfs/go-cid"
)

// MemStore is an in-memory Store, suitable for tests and small
// deployments. Safe for concurrent use; every repo's writes are
// serialized by a single mutex, satisfying the "linearizable per repo"
// requirement (a single process-wide lock is a stricter, and therefore
// valid, implementation of a per-repo lock).
type MemStore struct {
	mu       sync.Mutex
	blocks   map[cid.Cid][]byte
	blockSeq map[cid.Cid]int64
	byRepo   map[string]map[cid.Cid]struct{}
	repos    map[string]*RepoRecord
	events   []Event
	lastSeq  int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		blocks:   make(map[cid.Cid][]byte),
		blockSeq: make(map[cid.Cid]int64),
		byRepo:   make(map[string]map[cid.Cid]struct{}),
		repos:    make(map[string]*RepoRecord),
	}
}

func (s *MemStore) Read(ctx context.Context, c cid.Cid) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, c)
	}
	return b, nil
}

func (s *MemStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocks[c]
	return ok, nil
}

func (s *MemStore) ReadMany(ctx context.Context, cids []cid.Cid) (Blocks, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Blocks, len(cids))
	for _, c := range cids {
		if b, ok := s.blocks[c]; ok {
			out[c] = b
		}
	}
	return out, nil
}

func (s *MemStore) ReadBlocks(ctx context.Context, did string) (Blocks, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.byRepo[did]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotFound, did)
	}
	out := make(Blocks, len(set))
	for c := range set {
		out[c] = s.blocks[c]
	}
	return out, nil
}

func (s *MemStore) ReadBlocksSince(ctx context.Context, did string, since int64) (Blocks, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.byRepo[did]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotFound, did)
	}
	out := make(Blocks, len(set))
	for c := range set {
		if s.blockSeq[c] >= since {
			out[c] = s.blocks[c]
		}
	}
	return out, nil
}

func (s *MemStore) Write(ctx context.Context, did string, blocks Blocks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(did, blocks, 0)
}

// writeLocked requires s.mu held. Enforces write-once: a CID already
// present must carry identical bytes. seq tags every newly-written
// block in this batch (every block written as part of one commit
// shares that commit's seq, per spec "Sequence number").
func (s *MemStore) writeLocked(did string, blocks Blocks, seq int64) error {
	set, ok := s.byRepo[did]
	if !ok {
		set = make(map[cid.Cid]struct{})
		s.byRepo[did] = set
	}
	for c, data := range blocks {
		if existing, ok := s.blocks[c]; ok {
			if !bytes.Equal(existing, data) {
				return fmt.Errorf("%w: %s", ErrReadonlyViolation, c)
			}
			set[c] = struct{}{}
			continue
		}
		s.blocks[c] = data
		s.blockSeq[c] = seq
		set[c] = struct{}{}
	}
	return nil
}

func (s *MemStore) ApplyCommit(ctx context.Context, did string, prevHead, newHead cid.Cid, newRev string, newBlocks Blocks, seq int64, eventData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.repos[did]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRepoNotFound, did)
	}
	if rec.Head != prevHead {
		return fmt.Errorf("%w: %s", ErrCommitConflict, did)
	}
	if err := s.writeLocked(did, newBlocks, seq); err != nil {
		return err
	}

	s.events = append(s.events, Event{Seq: seq, Data: eventData})
	if seq > s.lastSeq {
		s.lastSeq = seq
	}

	rec.Head = newHead
	rec.Rev = newRev
	return nil
}

func (s *MemStore) AllocateSeq(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeq++
	return s.lastSeq, nil
}

func (s *MemStore) LastSeq(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq, nil
}

func (s *MemStore) ReadEventsBySeq(ctx context.Context, since int64, fn func(Event) error) error {
	s.mu.Lock()
	// Copy under lock, then iterate and call fn outside the lock so a
	// slow or blocking fn never holds up writers — matching the
	// firehose collector's "never hold the lock during storage I/O"
	// requirement even for the in-memory store.
	events := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		if e.Seq >= since {
			events = append(events, e)
		}
	}
	s.mu.Unlock()
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	for _, e := range events {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) CreateRepo(ctx context.Context, did string, head cid.Cid, rev string, genesisBlocks Blocks, seq int64, eventData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[did]; ok {
		return fmt.Errorf("%w: %s", ErrRepoExists, did)
	}
	if err := s.writeLocked(did, genesisBlocks, seq); err != nil {
		return err
	}
	s.events = append(s.events, Event{Seq: seq, Data: eventData})
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	s.repos[did] = &RepoRecord{DID: did, Head: head, Rev: rev, Active: true}
	return nil
}

func (s *MemStore) LoadRepo(ctx context.Context, did string) (RepoRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.repos[did]
	if !ok {
		return RepoRecord{}, fmt.Errorf("%w: %s", ErrRepoNotFound, did)
	}
	return *rec, nil
}

func (s *MemStore) ListRepos(ctx context.Context) ([]RepoRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RepoRecord, 0, len(s.repos))
	for _, rec := range s.repos {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *MemStore) TombstoneRepo(ctx context.Context, did string, seq int64, eventData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.repos[did]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRepoNotFound, did)
	}
	rec.Active = false
	s.events = append(s.events, Event{Seq: seq, Data: eventData})
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	return nil
}
