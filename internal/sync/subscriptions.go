package sync

import (
	"context"
	"fmt"

	gosync "sync"

	"github.com/offgridchat/syncd/internal/metrics"
	"github.com/offgridchat/syncd/internal/remote"
	"go.uber.org/zap"
)

// Subscriptions opens and closes remote listeners. Subscribing twice to the
// same key shares one listener (ref-counted); at most one live remote
// listener exists per key even under rapid subscribe/unsubscribe churn.
type Subscriptions struct {
	channel    remote.Channel
	rec        *Reconciler
	logger     *zap.Logger
	metrics    *metrics.Metrics
	queueDepth int

	mu     gosync.Mutex
	active map[string]*listener
	closed bool
}

type listener struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// Handle identifies one logical subscription held by a caller.
type Handle struct {
	key      string
	mu       gosync.Mutex
	released bool
}

// NewSubscriptions creates the manager. queueDepth bounds the per-listener
// snapshot queue; values below 2 are raised to 2.
func NewSubscriptions(ch remote.Channel, rec *Reconciler, logger *zap.Logger, m *metrics.Metrics, queueDepth int) *Subscriptions {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueDepth < 2 {
		queueDepth = 2
	}
	return &Subscriptions{
		channel:    ch,
		rec:        rec,
		logger:     logger,
		metrics:    m,
		queueDepth: queueDepth,
		active:     make(map[string]*listener),
	}
}

// Subscribe opens (or joins) the listener for a filter.
func (s *Subscriptions) Subscribe(f remote.Filter) (*Handle, error) {
	key := f.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("subscribe %s: manager closed", key)
	}
	if l, ok := s.active[key]; ok {
		l.refs++
		return &Handle{key: key}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := s.channel.Subscribe(ctx, f)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}

	l := &listener{refs: 1, cancel: cancel, done: make(chan struct{})}
	s.active[key] = l
	s.metrics.SubscriptionOpened()

	go s.consume(ctx, f, stream, l)

	return &Handle{key: key}, nil
}

// Unsubscribe releases a handle. The remote listener is torn down when the
// last handle for its key is released. Releasing a handle twice is a no-op.
func (s *Subscriptions) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	s.mu.Lock()
	l, ok := s.active[h.key]
	if !ok {
		s.mu.Unlock()
		return
	}
	l.refs--
	if l.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.active, h.key)
	s.mu.Unlock()

	l.cancel()
	s.metrics.SubscriptionClosed()
}

// Active returns the number of live remote listeners.
func (s *Subscriptions) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close tears down every listener regardless of ref counts and waits for
// their consumers to exit. Used on daemon shutdown.
func (s *Subscriptions) Close() {
	s.mu.Lock()
	s.closed = true
	listeners := make([]*listener, 0, len(s.active))
	for key, l := range s.active {
		listeners = append(listeners, l)
		delete(s.active, key)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.cancel()
		s.metrics.SubscriptionClosed()
	}
	for _, l := range listeners {
		<-l.done
	}
}

// consume pumps the stream through a bounded coalescing queue into the
// reconciler, so a slow merge never blocks the transport and never drops a
// result set that still matters: each snapshot is full and self-consistent,
// so under pressure only the newest is kept.
func (s *Subscriptions) consume(ctx context.Context, f remote.Filter, stream <-chan remote.Snapshot, l *listener) {
	defer close(l.done)

	q := newSnapshotQueue(s.queueDepth)
	go func() {
		defer q.closeQueue()
		for {
			select {
			case snap, ok := <-stream:
				if !ok {
					return
				}
				q.push(snap)
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		snap, ok := q.pop(ctx)
		if !ok {
			return
		}
		s.apply(f, snap)
	}
}

// apply routes one snapshot into the reconciler. A participant-level filter
// can span conversations; its snapshot is split per conversation so merges
// stay serialized per conversation key.
func (s *Subscriptions) apply(f remote.Filter, snap remote.Snapshot) {
	if f.ConversationID != "" {
		if err := s.rec.ApplySnapshot(f.ConversationID, snap); err != nil {
			s.logger.Error("apply snapshot failed", zap.Error(err), zap.String("key", f.Key()))
		}
		return
	}

	groups := make(map[string]remote.Snapshot)
	var order []string
	for _, rec := range snap {
		if _, ok := groups[rec.ConversationID]; !ok {
			order = append(order, rec.ConversationID)
		}
		groups[rec.ConversationID] = append(groups[rec.ConversationID], rec)
	}
	for _, convID := range order {
		if err := s.rec.ApplySnapshot(convID, groups[convID]); err != nil {
			s.logger.Error("apply snapshot failed", zap.Error(err),
				zap.String("key", f.Key()), zap.String("conversation_id", convID))
		}
	}
}

// snapshotQueue is a bounded FIFO that coalesces under pressure: when full,
// the oldest queued snapshot is discarded in favor of the incoming one.
type snapshotQueue struct {
	mu     gosync.Mutex
	items  []remote.Snapshot
	depth  int
	closed bool
	signal chan struct{}
}

func newSnapshotQueue(depth int) *snapshotQueue {
	return &snapshotQueue{depth: depth, signal: make(chan struct{}, 1)}
}

func (q *snapshotQueue) push(snap remote.Snapshot) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.items) == q.depth {
		q.items = q.items[1:]
	}
	q.items = append(q.items, snap)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *snapshotQueue) closeQueue() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a snapshot is available, the queue closes and drains, or
// ctx is cancelled.
func (q *snapshotQueue) pop(ctx context.Context) (remote.Snapshot, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			snap := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return snap, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, false
		}
	}
}
