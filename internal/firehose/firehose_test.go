package firehose

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbound-pds/pds/internal/blockstore"
	"github.com/northbound-pds/pds/internal/codec"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NewEventsTimeout = 50 * time.Millisecond
	cfg.WaitForSkippedSeqWindow = 10000
	return cfg
}

func seedEvents(t *testing.T, store *blockstore.MemStore, n int) {
	t.Helper()
	ctx := context.Background()
	c, _, err := codec.CIDFor(map[string]any{"genesis": true})
	require.NoError(t, err)
	seq, err := store.AllocateSeq(ctx)
	require.NoError(t, err)
	require.NoError(t, store.CreateRepo(ctx, "did:example:seed", c, "rev0", blockstore.Blocks{c: []byte("genesis")}, seq, []byte("genesis-event")))

	head := c
	for i := 0; i < n; i++ {
		newC, _, err := codec.CIDFor(map[string]any{"i": int64(i)})
		require.NoError(t, err)
		seq, err := store.AllocateSeq(ctx)
		require.NoError(t, err)
		require.NoError(t, store.ApplyCommit(ctx, "did:example:seed", head, newC, "rev", blockstore.Blocks{newC: []byte("x")}, seq, []byte("event")))
		head = newC
	}
}

func recvWithTimeout(t *testing.T, ch <-chan Frame, d time.Duration) (Frame, bool) {
	t.Helper()
	select {
	case fr, ok := <-ch:
		return fr, ok
	case <-time.After(d):
		return Frame{}, false
	}
}

func TestFirehoseLiveDeliversNewCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := blockstore.NewMemStore()
	seedEvents(t, store, 2)

	f := New(store, testConfig())
	require.NoError(t, f.Start(ctx))

	ch, err := f.Subscribe(ctx, nil)
	require.NoError(t, err)

	// give Subscribe's goroutine a moment to register before the new
	// commit is applied, so it's delivered live rather than backfilled.
	time.Sleep(20 * time.Millisecond)

	c, _, err := codec.CIDFor(map[string]any{"live": true})
	require.NoError(t, err)
	rec, err := store.LoadRepo(context.Background(), "did:example:seed")
	require.NoError(t, err)
	seq, err := store.AllocateSeq(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.ApplyCommit(context.Background(), "did:example:seed", rec.Head, c, "rev", blockstore.Blocks{c: []byte("live")}, seq, []byte("live-event")))
	f.Notify()

	fr, ok := recvWithTimeout(t, ch, time.Second)
	require.True(t, ok)
	assert.Equal(t, seq, fr.Seq)
}

func TestFirehoseFutureCursorTerminatesStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := blockstore.NewMemStore()
	seedEvents(t, store, 1)

	f := New(store, testConfig())
	require.NoError(t, f.Start(ctx))

	future := int64(1_000_000)
	ch, err := f.Subscribe(ctx, &future)
	require.NoError(t, err)

	fr, ok := recvWithTimeout(t, ch, time.Second)
	require.True(t, ok)
	assert.Contains(t, string(fr.Data), "FutureCursor")

	_, ok = recvWithTimeout(t, ch, 200*time.Millisecond)
	assert.False(t, ok, "channel should be closed after the terminal frame")
}

func TestFirehoseRollbackReplayFromCursor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := blockstore.NewMemStore()
	seedEvents(t, store, 5)

	f := New(store, testConfig())
	require.NoError(t, f.Start(ctx))

	cursor := int64(2)
	ch, err := f.Subscribe(ctx, &cursor)
	require.NoError(t, err)

	var seqs []int64
	for i := 0; i < 4; i++ {
		fr, ok := recvWithTimeout(t, ch, time.Second)
		require.True(t, ok)
		seqs = append(seqs, fr.Seq)
	}
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
	assert.GreaterOrEqual(t, seqs[0], cursor)
}

// TestFirehoseMultipleSubscribersAtDistinctCursors covers two concurrent
// subscribers joining at different cursors against a RollbackWindow too
// small to cover the far cursor's gap from the ring buffer alone: one replays from
// the ring buffer, the other falls back to a manual OutdatedCursor
// backfill, and both must independently see every event from their own
// cursor onward in order, unaffected by the other's replay.
func TestFirehoseMultipleSubscribersAtDistinctCursors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := blockstore.NewMemStore()
	seedEvents(t, store, 6)

	cfg := testConfig()
	cfg.RollbackWindow = 2
	cfg.PreloadWindow = 2
	f := New(store, cfg)
	require.NoError(t, f.Start(ctx))

	// After preload (last=7, PreloadWindow=2), the rollback buffer holds
	// seq 6..7. nearCursor sits at the buffer's oldest frame, so it's
	// served straight from the ring; farCursor sits well before it, so
	// it must take the manual OutdatedCursor backfill path.
	nearCursor := int64(6)
	farCursor := int64(1)

	nearCh, err := f.Subscribe(ctx, &nearCursor)
	require.NoError(t, err)
	farCh, err := f.Subscribe(ctx, &farCursor)
	require.NoError(t, err)

	var nearSeqs []int64
	for i := 0; i < 2; i++ {
		fr, ok := recvWithTimeout(t, nearCh, time.Second)
		require.True(t, ok)
		nearSeqs = append(nearSeqs, fr.Seq)
	}
	for i := 1; i < len(nearSeqs); i++ {
		assert.Greater(t, nearSeqs[i], nearSeqs[i-1])
	}
	assert.GreaterOrEqual(t, nearSeqs[0], nearCursor)

	fr, ok := recvWithTimeout(t, farCh, time.Second)
	require.True(t, ok)
	assert.Contains(t, string(fr.Data), "OutdatedCursor")

	var farSeqs []int64
	for i := 0; i < 7; i++ {
		fr, ok := recvWithTimeout(t, farCh, time.Second)
		require.True(t, ok)
		farSeqs = append(farSeqs, fr.Seq)
	}
	for i := 1; i < len(farSeqs); i++ {
		assert.Greater(t, farSeqs[i], farSeqs[i-1])
	}
	assert.GreaterOrEqual(t, farSeqs[0], farCursor)
}

func TestFirehoseOutdatedCursorTriggersManualBackfill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := blockstore.NewMemStore()
	seedEvents(t, store, 3)

	cfg := testConfig()
	cfg.RollbackWindow = 2
	cfg.PreloadWindow = 2
	f := New(store, cfg)
	require.NoError(t, f.Start(ctx))

	cursor := int64(1)
	ch, err := f.Subscribe(ctx, &cursor)
	require.NoError(t, err)

	fr, ok := recvWithTimeout(t, ch, time.Second)
	require.True(t, ok)
	assert.Contains(t, string(fr.Data), "OutdatedCursor")

	var seqs []int64
	for i := 0; i < 4; i++ {
		fr, ok := recvWithTimeout(t, ch, time.Second)
		require.True(t, ok)
		seqs = append(seqs, fr.Seq)
	}
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
}
