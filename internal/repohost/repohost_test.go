package repohost

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbound-pds/pds/internal/blockstore"
	"github.com/northbound-pds/pds/internal/firehose"
	"github.com/northbound-pds/pds/internal/repo"
	"github.com/northbound-pds/pds/internal/signing"
)

// singleKeyLookup resolves each DID to its own key from a fixed map,
// enough for tests that only ever host one or two DIDs.
type singleKeyLookup struct {
	keys map[string]*signing.PrivateKey
}

func (l singleKeyLookup) SigningKeyFor(did string) (*signing.PrivateKey, error) {
	return l.keys[did], nil
}

func newTestHost(t *testing.T, dids ...string) (*RepoHost, *blockstore.MemStore, *firehose.Firehose) {
	t.Helper()
	store := blockstore.NewMemStore()
	keys := singleKeyLookup{keys: make(map[string]*signing.PrivateKey)}
	for _, did := range dids {
		priv, err := signing.GenerateKey()
		require.NoError(t, err)
		keys.keys[did] = priv
	}

	cfg := firehose.DefaultConfig()
	cfg.NewEventsTimeout = 50 * time.Millisecond
	fh := firehose.New(store, cfg)

	fixedClock := fixedClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	h := New(store, keys, fixedClock, fh)
	return h, store, fh
}

type fixedClock time.Time

func fixedClockAt(t time.Time) fixedClock { return fixedClock(t) }
func (c fixedClock) Now() time.Time       { return time.Time(c) }

func TestRepoHostCreateAndApplyWrites(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHost(t, "did:example:alice")

	cd, err := h.CreateRepo(ctx, "did:example:alice")
	require.NoError(t, err)
	assert.False(t, cd.Since.Defined())

	cd2, err := h.ApplyWrites(ctx, "did:example:alice", []repo.Write{
		{Action: repo.ActionCreate, Collection: "app.bsky.feed.post", RKey: "1", Record: map[string]any{"text": "hi"}},
	})
	require.NoError(t, err)
	require.Len(t, cd2.Ops, 1)
	assert.Greater(t, cd2.Seq, cd.Seq)

	rec, valCID, err := h.GetRecord(ctx, "did:example:alice", "app.bsky.feed.post", "1")
	require.NoError(t, err)
	assert.True(t, valCID.Defined())
	assert.Equal(t, "hi", rec["text"])

	leaves, err := h.ListRecords(ctx, "did:example:alice", "app.bsky.feed.post")
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	assert.Equal(t, "app.bsky.feed.post/1", leaves[0].Key)
}

func TestRepoHostApplyWritesUnknownRepo(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHost(t)

	_, err := h.ApplyWrites(ctx, "did:example:ghost", []repo.Write{
		{Action: repo.ActionCreate, Collection: "app.bsky.feed.post", RKey: "1", Record: map[string]any{}},
	})
	assert.ErrorIs(t, err, ErrRepoNotFound)
}

func TestRepoHostTombstoneStopsWrites(t *testing.T) {
	ctx := context.Background()
	h, store, _ := newTestHost(t, "did:example:bob")

	_, err := h.CreateRepo(ctx, "did:example:bob")
	require.NoError(t, err)

	require.NoError(t, h.Tombstone(ctx, "did:example:bob"))

	rec, err := store.LoadRepo(ctx, "did:example:bob")
	require.NoError(t, err)
	assert.False(t, rec.Active)

	_, err = h.ApplyWrites(ctx, "did:example:bob", []repo.Write{
		{Action: repo.ActionCreate, Collection: "app.bsky.feed.post", RKey: "1", Record: map[string]any{}},
	})
	assert.ErrorIs(t, err, ErrRepoDeactivated)

	status, err := h.GetRepoStatus(ctx, "did:example:bob")
	require.NoError(t, err)
	assert.False(t, status.Active)

	// the tombstone event itself must be durably readable, like any
	// other firehose event.
	var found bool
	require.NoError(t, store.ReadEventsBySeq(ctx, 0, func(e blockstore.Event) error {
		if bytes.Contains(e.Data, []byte("#tombstone")) {
			found = true
		}
		return nil
	}))
	assert.True(t, found)
}

func TestRepoHostListRepos(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHost(t, "did:example:carol", "did:example:dave")

	_, err := h.CreateRepo(ctx, "did:example:carol")
	require.NoError(t, err)
	_, err = h.CreateRepo(ctx, "did:example:dave")
	require.NoError(t, err)

	list, err := h.ListRepos(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRepoHostExportRepoProducesValidCAR(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHost(t, "did:example:erin")

	_, err := h.CreateRepo(ctx, "did:example:erin")
	require.NoError(t, err)
	_, err = h.ApplyWrites(ctx, "did:example:erin", []repo.Write{
		{Action: repo.ActionCreate, Collection: "app.bsky.feed.post", RKey: "1", Record: map[string]any{"text": "a"}},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, h.ExportRepo(ctx, &buf, "did:example:erin", ""))
	assert.Greater(t, buf.Len(), 0)
}

func TestRepoHostExportRecord(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHost(t, "did:example:frank")

	_, err := h.CreateRepo(ctx, "did:example:frank")
	require.NoError(t, err)
	_, err = h.ApplyWrites(ctx, "did:example:frank", []repo.Write{
		{Action: repo.ActionCreate, Collection: "app.bsky.feed.post", RKey: "1", Record: map[string]any{"text": "a"}},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, h.ExportRecord(ctx, &buf, "did:example:frank", "app.bsky.feed.post", "1"))
	assert.Greater(t, buf.Len(), 0)
}

func TestRepoHostSubscribeReceivesLiveCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, _, fh := newTestHost(t, "did:example:grace")
	require.NoError(t, fh.Start(ctx))

	_, err := h.CreateRepo(ctx, "did:example:grace")
	require.NoError(t, err)

	ch, err := h.Subscribe(ctx, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	cd, err := h.ApplyWrites(ctx, "did:example:grace", []repo.Write{
		{Action: repo.ActionCreate, Collection: "app.bsky.feed.post", RKey: "1", Record: map[string]any{"text": "a"}},
	})
	require.NoError(t, err)

	select {
	case fr := <-ch:
		assert.Equal(t, cd.Seq, fr.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live commit frame")
	}
}
