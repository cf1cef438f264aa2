// Package firehose fans a durably-persisted, sequenced event log out to
// zero or more live subscribers: a background collector reads new
// events, appends them to a bounded rollback buffer, and pushes them to
// every subscriber's queue; late subscribers can replay from the
// rollback buffer or, if far enough behind, from durable storage
// directly.
package firehose

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/northbound-pds/pds/internal/blockstore"
)

// Config holds the environment knobs spec §6 names.
type Config struct {
	// RollbackWindow is the rollback ring buffer's capacity (default 50,000).
	RollbackWindow int

	// PreloadWindow is how many of the most recent durable events the
	// collector loads into the rollback buffer at startup.
	PreloadWindow int

	// NewEventsTimeout bounds how long the collector waits for a gap to
	// fill, and how long it idles between poll cycles when Notify isn't
	// called.
	NewEventsTimeout time.Duration

	// WaitForSkippedSeqWindow: a gap older than this (relative to the
	// highest allocated seq) is skipped immediately, without waiting.
	WaitForSkippedSeqWindow int64
}

// DefaultConfig matches spec §4.6's stated defaults where given.
func DefaultConfig() Config {
	return Config{
		RollbackWindow:          50000,
		PreloadWindow:           50000,
		NewEventsTimeout:        5 * time.Second,
		WaitForSkippedSeqWindow: 10000,
	}
}

// Firehose is the collector plus subscriber registry for one block
// store's event log.
type Firehose struct {
	store blockstore.Store
	cfg   Config

	mu          sync.Mutex
	cond        *sync.Cond
	rollback    *ring
	lastSeq     int64
	subscribers map[*subscriber]struct{}
	started     bool
	startedCh   chan struct{}
}

// New creates a Firehose over store. Call Start to begin collecting.
func New(store blockstore.Store, cfg Config) *Firehose {
	f := &Firehose{
		store:       store,
		cfg:         cfg,
		rollback:    newRing(cfg.RollbackWindow),
		subscribers: make(map[*subscriber]struct{}),
		startedCh:   make(chan struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Notify wakes the collector to check for new events. Callers invoke
// this after every successful ApplyCommit/CreateRepo/TombstoneRepo.
func (f *Firehose) Notify() {
	f.mu.Lock()
	f.cond.Broadcast()
	f.mu.Unlock()
}

// Start preloads the rollback buffer from durable storage and launches
// the background collector loop. It returns once preload completes and
// the "started" signal subscribers wait on has fired; the collector
// loop itself keeps running until ctx is cancelled.
func (f *Firehose) Start(ctx context.Context) error {
	last, err := f.store.LastSeq(ctx)
	if err != nil {
		return err
	}

	preloadFrom := last - int64(f.cfg.PreloadWindow) + 1
	if preloadFrom < 1 {
		preloadFrom = 1
	}

	var preload []Frame
	if last > 0 {
		if err := f.store.ReadEventsBySeq(ctx, preloadFrom, func(e blockstore.Event) error {
			preload = append(preload, Frame{Seq: e.Seq, Data: e.Data})
			return nil
		}); err != nil {
			return err
		}
	}

	f.mu.Lock()
	for _, fr := range preload {
		f.rollback.push(fr)
	}
	f.lastSeq = last
	f.started = true
	close(f.startedCh)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	}()

	go f.collectLoop(ctx)
	return nil
}

// awaitStarted blocks until Start has preloaded the rollback buffer, or
// ctx is cancelled first.
func (f *Firehose) awaitStarted(ctx context.Context) error {
	select {
	case <-f.startedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Firehose) collectLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		f.drainNewEvents(ctx)
		if ctx.Err() != nil {
			return
		}
		f.waitForWork(ctx)
	}
}

// waitForWork blocks until Notify is called, NewEventsTimeout elapses,
// or ctx is cancelled — whichever comes first.
func (f *Firehose) waitForWork(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	timer := time.AfterFunc(f.cfg.NewEventsTimeout, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer timer.Stop()
	f.cond.Wait()
}

// drainNewEvents reads every event with seq > the last one processed
// and feeds it through the gap-wait policy and into process.
func (f *Firehose) drainNewEvents(ctx context.Context) {
	f.mu.Lock()
	since := f.lastSeq + 1
	f.mu.Unlock()

	var batch []blockstore.Event
	if err := f.store.ReadEventsBySeq(ctx, since, func(e blockstore.Event) error {
		batch = append(batch, e)
		return nil
	}); err != nil {
		log.Printf("firehose: read events by seq: %v", err)
		return
	}

	for _, e := range batch {
		f.mu.Lock()
		expected := f.lastSeq + 1
		f.mu.Unlock()

		if e.Seq > expected {
			if f.waitForGap(ctx, expected, e.Seq) {
				// the gap filled in while we waited; re-fetch from the
				// (now lower) expected seq on the next loop iteration
				// so events are processed strictly in order.
				return
			}
			// gap is permanent: fall through and process e, which
			// leaves [expected, e.Seq) permanently skipped.
		}
		f.process(e)
	}
}

// waitForGap implements the gap-wait policy: wait up to
// NewEventsTimeout for the missing seq to appear, unless the gap
// already predates WaitForSkippedSeqWindow relative to the highest
// allocated seq, in which case skip waiting entirely. Returns true if
// the missing seq appeared during the wait.
func (f *Firehose) waitForGap(ctx context.Context, expected, got int64) bool {
	lastAllocated, err := f.store.LastSeq(ctx)
	if err == nil && lastAllocated-expected > f.cfg.WaitForSkippedSeqWindow {
		log.Printf("firehose: seq gap %d..%d predates skip window, not waiting", expected, got-1)
		return false
	}

	deadline := time.Now().Add(f.cfg.NewEventsTimeout)
	for time.Now().Before(deadline) {
		var found bool
		_ = f.store.ReadEventsBySeq(ctx, expected, func(e blockstore.Event) error {
			if e.Seq == expected {
				found = true
			}
			return nil
		})
		if found {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	log.Printf("firehose: seq gap %d..%d timed out, skipping permanently", expected, got-1)
	return false
}

// process appends e to the rollback buffer and fans it out to every
// current subscriber, under the lock only long enough to append and
// snapshot the subscriber set — never while pushing to subscriber
// queues or touching storage.
func (f *Firehose) process(e blockstore.Event) {
	fr := Frame{Seq: e.Seq, Data: e.Data}

	f.mu.Lock()
	f.lastSeq = e.Seq
	f.rollback.push(fr)
	subs := make([]*subscriber, 0, len(f.subscribers))
	for s := range f.subscribers {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.push(fr)
	}
}
