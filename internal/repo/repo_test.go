package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbound-pds/pds/internal/blockstore"
	"github.com/northbound-pds/pds/internal/codec"
	"github.com/northbound-pds/pds/internal/signing"
)

func testClock() *codec.TIDClock {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return codec.NewTIDClock(func() time.Time { return base })
}

func TestCreateProducesVerifiableGenesisCommit(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemStore()
	priv, err := signing.GenerateKey()
	require.NoError(t, err)

	var events []*CommitData
	cb := func(_ context.Context, cd *CommitData) error {
		events = append(events, cd)
		return nil
	}

	r, cd, err := Create(ctx, store, "did:example:alice", priv, testClock(), cb)
	require.NoError(t, err)
	assert.Equal(t, "did:example:alice", r.DID())
	assert.True(t, r.head.Verify(priv.Public()))
	assert.False(t, cd.Since.Defined())
	require.Len(t, events, 1)
	assert.Equal(t, cd.Seq, events[0].Seq)
	assert.Greater(t, cd.Seq, int64(0))

	rec, err := store.LoadRepo(ctx, "did:example:alice")
	require.NoError(t, err)
	_, headCID := r.Head()
	assert.Equal(t, headCID, rec.Head)

	// the genesis commit's event must be durably readable by seq
	var seqs []int64
	require.NoError(t, store.ReadEventsBySeq(ctx, 0, func(e blockstore.Event) error {
		seqs = append(seqs, e.Seq)
		return nil
	}))
	assert.Contains(t, seqs, cd.Seq)
}

func TestApplyWritesCreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemStore()
	priv, err := signing.GenerateKey()
	require.NoError(t, err)
	clock := testClock()

	r, _, err := Create(ctx, store, "did:example:bob", priv, clock, nil)
	require.NoError(t, err)

	cd, err := r.ApplyWrites(ctx, []Write{
		{Action: ActionCreate, Collection: "app.bsky.feed.post", RKey: "abc", Record: map[string]any{"text": "hello"}},
	})
	require.NoError(t, err)
	require.Len(t, cd.Ops, 1)
	assert.Equal(t, ActionCreate, cd.Ops[0].Action)
	assert.False(t, cd.Ops[0].Prev.Defined())

	rec, _, err := r.GetRecord(ctx, "app.bsky.feed.post", "abc")
	require.NoError(t, err)
	assert.Equal(t, "hello", rec["text"])

	cd2, err := r.ApplyWrites(ctx, []Write{
		{Action: ActionUpdate, Collection: "app.bsky.feed.post", RKey: "abc", Record: map[string]any{"text": "updated"}},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, cd2.Ops[0].Action)
	assert.True(t, cd2.Ops[0].Prev.Defined())

	rec2, _, err := r.GetRecord(ctx, "app.bsky.feed.post", "abc")
	require.NoError(t, err)
	assert.Equal(t, "updated", rec2["text"])

	cd3, err := r.ApplyWrites(ctx, []Write{
		{Action: ActionDelete, Collection: "app.bsky.feed.post", RKey: "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionDelete, cd3.Ops[0].Action)

	_, _, err = r.GetRecord(ctx, "app.bsky.feed.post", "abc")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	assert.Greater(t, cd3.Seq, cd2.Seq)
	assert.Greater(t, cd2.Seq, cd.Seq)
}

func TestApplyWritesUpdateMissingFails(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemStore()
	priv, err := signing.GenerateKey()
	require.NoError(t, err)
	r, _, err := Create(ctx, store, "did:example:carol", priv, testClock(), nil)
	require.NoError(t, err)

	_, err = r.ApplyWrites(ctx, []Write{
		{Action: ActionUpdate, Collection: "app.bsky.feed.post", RKey: "missing", Record: map[string]any{"text": "x"}},
	})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestLoadRebuildsRepoFromStore(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemStore()
	priv, err := signing.GenerateKey()
	require.NoError(t, err)
	clock := testClock()

	r, _, err := Create(ctx, store, "did:example:dave", priv, clock, nil)
	require.NoError(t, err)
	_, err = r.ApplyWrites(ctx, []Write{
		{Action: ActionCreate, Collection: "app.bsky.feed.post", RKey: "1", Record: map[string]any{"text": "a"}},
	})
	require.NoError(t, err)

	loaded, err := Load(ctx, store, "did:example:dave", priv, clock, nil)
	require.NoError(t, err)
	assert.Equal(t, r.headCID, loaded.headCID)

	rec, _, err := loaded.GetRecord(ctx, "app.bsky.feed.post", "1")
	require.NoError(t, err)
	assert.Equal(t, "a", rec["text"])
}

func TestListRecordsInKeyOrder(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemStore()
	priv, err := signing.GenerateKey()
	require.NoError(t, err)
	r, _, err := Create(ctx, store, "did:example:erin", priv, testClock(), nil)
	require.NoError(t, err)

	_, err = r.ApplyWrites(ctx, []Write{
		{Action: ActionCreate, Collection: "app.bsky.feed.post", RKey: "b", Record: map[string]any{"text": "b"}},
		{Action: ActionCreate, Collection: "app.bsky.feed.post", RKey: "a", Record: map[string]any{"text": "a"}},
		{Action: ActionCreate, Collection: "app.bsky.feed.like", RKey: "z", Record: map[string]any{}},
	})
	require.NoError(t, err)

	leaves, err := r.ListRecords(ctx, "app.bsky.feed.post")
	require.NoError(t, err)
	require.Len(t, leaves, 2)
	assert.Equal(t, "app.bsky.feed.post/a", leaves[0].Key)
	assert.Equal(t, "app.bsky.feed.post/b", leaves[1].Key)
}
