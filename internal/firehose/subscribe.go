package firehose

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/northbound-pds/pds/internal/blockstore"
)

// subscriber is one live connection's unbounded, non-blocking-enqueue
// delivery queue. The collector's process() pushes into it without
// blocking; a
// separate goroutine (started by Subscribe) drains it into the
// caller's channel, which may block on a slow consumer without ever
// holding up the collector.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Frame
	closed bool
}

func newSubscriber() *subscriber {
	s := &subscriber{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) push(f Frame) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, f)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// pop blocks until a frame is available or the subscriber has been
// closed (cancellation), returning ok=false in the latter case.
func (s *subscriber) pop() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return Frame{}, false
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	return f, true
}

// errStopLoad and errCanceled are internal sentinels used to break out
// of ReadEventsBySeq's callback from within the manual backfill loop;
// they never escape runSubscriber.
var (
	errStopLoad = errors.New("firehose: stop manual load, rollback caught up")
	errCanceled = errors.New("firehose: subscriber cancelled")
)

// Subscribe implements spec §4.6's subscribe protocol. cursor is nil
// for "no cursor given" (live mode from the current tail). The
// returned channel is closed when the subscription ends, whether by
// context cancellation or a terminal error frame.
func (f *Firehose) Subscribe(ctx context.Context, cursor *int64) (<-chan Frame, error) {
	if err := f.awaitStarted(ctx); err != nil {
		return nil, err
	}

	last, err := f.store.LastSeq(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Frame, 16)

	if cursor != nil && *cursor > last {
		go func() {
			defer close(out)
			sendFrame(ctx, out, Frame{Seq: -1, Data: errorFrameBytes("FutureCursor",
				"cursor is ahead of the current sequence")})
		}()
		return out, nil
	}

	go f.runSubscriber(ctx, cursor, out)
	return out, nil
}

func (f *Firehose) runSubscriber(ctx context.Context, cursor *int64, out chan Frame) {
	defer close(out)

	if cursor == nil {
		sub := f.register(ctx)
		defer f.deregister(sub)
		f.pump(ctx, sub, out)
		return
	}

	f.mu.Lock()
	first, haveRollback := f.rollback.first()
	f.mu.Unlock()

	if !haveRollback || *cursor >= first.Seq {
		snapshot, sub := f.snapshotAndRegister(ctx)
		defer f.deregister(sub)
		for _, fr := range snapshot {
			if fr.Seq < *cursor {
				continue
			}
			if !sendFrame(ctx, out, fr) {
				return
			}
		}
		f.pump(ctx, sub, out)
		return
	}

	// cursor < rollback[0].seq: load manually from durable storage,
	// re-checking the rollback window on every event until it catches
	// up, per spec §4.6 step 5.
	if !sendFrame(ctx, out, Frame{Data: infoFrameBytes("OutdatedCursor")}) {
		return
	}

	lastLoaded := *cursor - 1
	var preRollback []Frame

	loadErr := f.store.ReadEventsBySeq(ctx, *cursor, func(e blockstore.Event) error {
		fr := Frame{Seq: e.Seq, Data: e.Data}

		f.mu.Lock()
		curFirst, curOK := f.rollback.first()
		f.mu.Unlock()

		if curOK && fr.Seq >= curFirst.Seq {
			return errStopLoad
		}
		if !sendFrame(ctx, out, fr) {
			return errCanceled
		}
		preRollback = append(preRollback, fr)
		lastLoaded = fr.Seq
		return nil
	})

	if loadErr != nil {
		if errors.Is(loadErr, errCanceled) {
			return
		}
		if !errors.Is(loadErr, errStopLoad) {
			log.Printf("firehose: manual backfill load: %v", loadErr)
			return
		}
	}

	snapshot, sub := f.snapshotAndRegister(ctx)
	defer f.deregister(sub)

	f.mu.Lock()
	f.rollback.extendLeft(preRollback)
	f.mu.Unlock()

	for _, fr := range snapshot {
		if fr.Seq <= lastLoaded {
			continue
		}
		if !sendFrame(ctx, out, fr) {
			return
		}
	}
	f.pump(ctx, sub, out)
}

// register adds a fresh subscriber to the registry and arms it to
// close when ctx is cancelled (waking a pop() blocked with nothing
// else to deliver).
func (f *Firehose) register(ctx context.Context) *subscriber {
	sub := newSubscriber()
	f.mu.Lock()
	f.subscribers[sub] = struct{}{}
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		sub.close()
	}()
	return sub
}

// snapshotAndRegister atomically takes a rollback snapshot and
// registers a fresh subscriber in the same critical section, so no
// event can be lost or duplicated between the snapshot and the
// subscriber's first enqueued frame.
func (f *Firehose) snapshotAndRegister(ctx context.Context) ([]Frame, *subscriber) {
	sub := newSubscriber()
	f.mu.Lock()
	snapshot := f.rollback.snapshot()
	f.subscribers[sub] = struct{}{}
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		sub.close()
	}()
	return snapshot, sub
}

func (f *Firehose) deregister(sub *subscriber) {
	f.mu.Lock()
	delete(f.subscribers, sub)
	f.mu.Unlock()
	sub.close()
}

// pump drains sub into out until the subscriber is closed or ctx is
// cancelled.
func (f *Firehose) pump(ctx context.Context, sub *subscriber, out chan Frame) {
	for {
		fr, ok := sub.pop()
		if !ok {
			return
		}
		if !sendFrame(ctx, out, fr) {
			return
		}
	}
}

// sendFrame sends fr on out, returning false if ctx is cancelled first.
func sendFrame(ctx context.Context, out chan<- Frame, fr Frame) bool {
	select {
	case out <- fr:
		return true
	case <-ctx.Done():
		return false
	}
}
