package blockstore

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.DagCBOR, mh)
}

func TestMemStoreWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	c := testCID(t, []byte("a"))

	seq, err := s.AllocateSeq(ctx)
	require.NoError(t, err)
	require.NoError(t, s.CreateRepo(ctx, "did:example:1", cid.Undef, "rev0", Blocks{c: []byte("a")}, seq, []byte("genesis")))

	err = s.Write(ctx, "did:example:1", Blocks{c: []byte("different")})
	assert.ErrorIs(t, err, ErrReadonlyViolation)

	// identical bytes is a no-op, not an error
	require.NoError(t, s.Write(ctx, "did:example:1", Blocks{c: []byte("a")}))
}

func TestMemStoreApplyCommitConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	c := testCID(t, []byte("genesis"))
	genesisSeq, err := s.AllocateSeq(ctx)
	require.NoError(t, err)
	require.NoError(t, s.CreateRepo(ctx, "did:example:1", c, "rev0", Blocks{c: []byte("genesis")}, genesisSeq, []byte("genesis-event")))

	newC := testCID(t, []byte("v2"))
	seq, err := s.AllocateSeq(ctx)
	require.NoError(t, err)
	err = s.ApplyCommit(ctx, "did:example:1", c, newC, "rev1", Blocks{newC: []byte("v2")}, seq, []byte("event1"))
	require.NoError(t, err)
	assert.Equal(t, genesisSeq+1, seq)

	// stale prevHead now refers to the old head, not the current one
	seq2, err := s.AllocateSeq(ctx)
	require.NoError(t, err)
	err = s.ApplyCommit(ctx, "did:example:1", c, newC, "rev2", Blocks{}, seq2, []byte("event2"))
	assert.ErrorIs(t, err, ErrCommitConflict)
}

func TestMemStoreReadEventsBySeq(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	c := testCID(t, []byte("genesis"))
	genesisSeq, err := s.AllocateSeq(ctx)
	require.NoError(t, err)
	require.NoError(t, s.CreateRepo(ctx, "did:example:1", c, "rev0", Blocks{c: []byte("genesis")}, genesisSeq, []byte("genesis-event")))

	for i := 0; i < 3; i++ {
		newC := testCID(t, []byte{byte(i)})
		seq, err := s.AllocateSeq(ctx)
		require.NoError(t, err)
		err = s.ApplyCommit(ctx, "did:example:1", c, newC, "rev", Blocks{newC: {byte(i)}}, seq, []byte{byte(i)})
		require.NoError(t, err)
		c = newC
	}

	var seqs []int64
	err := s.ReadEventsBySeq(ctx, 2, func(e Event) error {
		seqs = append(seqs, e.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4}, seqs)
}

func TestMemStoreReadBlocksSince(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	genesisC := testCID(t, []byte("genesis"))
	genesisSeq, err := s.AllocateSeq(ctx)
	require.NoError(t, err)
	require.NoError(t, s.CreateRepo(ctx, "did:example:1", genesisC, "rev0", Blocks{genesisC: []byte("genesis")}, genesisSeq, []byte("genesis-event")))

	newC := testCID(t, []byte("v2"))
	seq, err := s.AllocateSeq(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ApplyCommit(ctx, "did:example:1", genesisC, newC, "rev1", Blocks{newC: []byte("v2")}, seq, []byte("event1")))

	all, err := s.ReadBlocksSince(ctx, "did:example:1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyLatest, err := s.ReadBlocksSince(ctx, "did:example:1", seq)
	require.NoError(t, err)
	assert.Len(t, onlyLatest, 1)
	assert.Contains(t, onlyLatest, newC)
}

func TestMemStoreTombstone(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seq, err := s.AllocateSeq(ctx)
	require.NoError(t, err)
	require.NoError(t, s.CreateRepo(ctx, "did:example:1", cid.Undef, "rev0", Blocks{}, seq, []byte("genesis-event")))

	tombSeq, err := s.AllocateSeq(ctx)
	require.NoError(t, err)
	require.NoError(t, s.TombstoneRepo(ctx, "did:example:1", tombSeq, []byte("tombstone-event")))

	rec, err := s.LoadRepo(ctx, "did:example:1")
	require.NoError(t, err)
	assert.False(t, rec.Active)

	err = s.TombstoneRepo(ctx, "did:example:nope", tombSeq+1, []byte("x"))
	assert.ErrorIs(t, err, ErrRepoNotFound)
}
