// Package sync merges local optimistic writes and remote snapshots into one
// authoritative message list per conversation.
package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	gosync "sync"

	"github.com/offgridchat/syncd/internal/bus"
	"github.com/offgridchat/syncd/internal/metrics"
	"github.com/offgridchat/syncd/internal/store"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// Reconciler owns the authoritative in-memory message lists and the id map.
// It is the single writer of status transitions into the store; merges for a
// conversation are serialized on that conversation's lock, merges for
// different conversations run concurrently.
type Reconciler struct {
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics
	ids     *idMap

	mu      gosync.Mutex
	threads map[string]*thread

	cancel context.CancelFunc
}

// thread is the authoritative state of one conversation, loaded lazily from
// the store and kept sorted by (sentAt, id).
type thread struct {
	mu     gosync.Mutex
	id     string
	loaded bool
	list   []*store.Message
	byID   map[string]*store.Message
}

// NewReconciler creates a reconciler. idMapTTL bounds how long an in-flight
// localId may wait for its echo before being dropped from the map.
func NewReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics, idMapTTL time.Duration) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idMapTTL <= 0 {
		idMapTTL = 10 * time.Minute
	}
	return &Reconciler{
		db:      db,
		bus:     b,
		logger:  logger,
		metrics: m,
		ids:     newIDMap(idMapTTL, logger, m),
		threads: make(map[string]*thread),
	}
}

// Start launches the id map age sweep.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.ids.sweep(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweep.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Reconciler) thread(conversationID string) *thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[conversationID]
	if !ok {
		t = &thread{id: conversationID, byID: make(map[string]*store.Message)}
		r.threads[conversationID] = t
	}
	return t
}

// loadLocked populates the thread from the store on first use. Caller holds t.mu.
func (t *thread) loadLocked(db *store.DB) error {
	if t.loaded {
		return nil
	}
	msgs, err := db.Messages(t.id)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", t.id, err)
	}
	t.list = make([]*store.Message, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		t.list = append(t.list, &m)
		t.byID[m.ID] = &m
	}
	t.loaded = true
	return nil
}

func (t *thread) sortLocked() {
	sort.SliceStable(t.list, func(i, j int) bool {
		if t.list[i].SentAt != t.list[j].SentAt {
			return t.list[i].SentAt < t.list[j].SentAt
		}
		return t.list[i].ID < t.list[j].ID
	})
}

// TrackLocal registers a local optimistic write: the message joins the
// authoritative list and its id enters the pending-match set so the remote
// echo collapses onto it. Idempotent; also called on startup for outbox
// entries that survived a restart.
func (r *Reconciler) TrackLocal(m *store.Message) {
	t := r.thread(m.ConversationID)

	t.mu.Lock()
	if err := t.loadLocked(r.db); err != nil {
		t.mu.Unlock()
		r.logger.Error("track local: load failed", zap.Error(err), zap.String("conversation_id", m.ConversationID))
		return
	}
	if _, exists := t.byID[m.ID]; !exists {
		clone := m.Clone()
		t.byID[clone.ID] = clone
		t.list = append(t.list, clone)
		t.sortLocked()
	}
	t.mu.Unlock()

	r.ids.register(m.ID)
	r.publishUpdated(m.ConversationID, m.ID)
}

// MapServerID records a backend-assigned id for an in-flight send.
func (r *Reconciler) MapServerID(localID, serverID string) {
	r.ids.setServerID(localID, serverID)
}

// FailLocal marks a local message failed after its outbox entry was
// abandoned. The pending-match registration is dropped: no echo is coming.
func (r *Reconciler) FailLocal(conversationID, localID, reason string) error {
	t := r.thread(conversationID)

	t.mu.Lock()
	if err := t.loadLocked(r.db); err != nil {
		t.mu.Unlock()
		return err
	}
	m, ok := t.byID[localID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("fail local: message %s not found in %s", localID, conversationID)
	}
	merged := store.MergeStatus(m.Status, store.StatusFailed)
	changed := merged != m.Status
	m.Status = merged
	var err error
	if changed {
		err = r.db.UpdateStatus(localID, merged, 0, 0)
	}
	t.mu.Unlock()

	r.ids.match(localID)
	if err != nil {
		return err
	}
	if changed {
		r.logger.Warn("send abandoned",
			zap.String("conversation_id", conversationID),
			zap.String("local_id", localID),
			zap.String("reason", reason))
		r.publishUpdated(conversationID, localID)
	}
	return nil
}

// ApplySnapshot merges one full remote result set into the conversation.
// Applying the same snapshot twice yields an identical list and triggers
// arrival hooks only for messages not seen before.
func (r *Reconciler) ApplySnapshot(conversationID string, snap []*store.Message) error {
	t := r.thread(conversationID)

	var arrived []*store.Message
	var updated []string
	var firstErr error

	t.mu.Lock()
	if err := t.loadLocked(r.db); err != nil {
		t.mu.Unlock()
		return err
	}

	for _, rec := range snap {
		if rec.ConversationID != conversationID {
			r.logger.Warn("snapshot record for wrong conversation",
				zap.String("want", conversationID), zap.String("got", rec.ConversationID),
				zap.String("id", rec.ID))
			continue
		}

		if localID, ok := r.ids.match(rec.ID); ok {
			if local, exists := t.byID[localID]; exists {
				// Echo of our own send: collapse onto the optimistic entry.
				if err := r.confirmEchoLocked(t, local, localID, rec); err != nil && firstErr == nil {
					firstErr = err
				}
				updated = append(updated, rec.ID)
				r.metrics.RecordReconciled(metrics.OutcomeEcho)
				continue
			}
			// Registered but not in the list: reconciliation anomaly, accept
			// the record as new rather than dropping it.
		}

		if existing, ok := t.byID[rec.ID]; ok {
			if mergeMessage(existing, rec) {
				if err := r.db.PutMessage(existing); err != nil && firstErr == nil {
					firstErr = err
				}
				updated = append(updated, rec.ID)
			}
			r.metrics.RecordReconciled(metrics.OutcomeUpdate)
			continue
		}

		// Brand-new message from another party.
		clone := rec.Clone()
		if clone.Status == "" {
			clone.Status = store.StatusSent
		}
		t.byID[clone.ID] = clone
		t.list = append(t.list, clone)
		if err := r.db.PutMessage(clone); err != nil && firstErr == nil {
			firstErr = err
		}
		arrived = append(arrived, clone.Clone())
		r.metrics.RecordReconciled(metrics.OutcomeNew)
	}

	t.sortLocked()

	if n := len(t.list); n > 0 {
		last := t.list[n-1]
		if err := r.db.TouchConversationProjection(conversationID, last.Text, last.SentAt, last.SenderID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.mu.Unlock()

	r.metrics.SnapshotApplied()

	// Side-channel hooks run outside the merge lock; their consumers must
	// not block reconciliation.
	for _, m := range arrived {
		r.bus.Publish(bus.Event{Kind: bus.KindMessageArrived, Timestamp: time.Now(), Payload: m})
		r.publishUpdated(conversationID, m.ID)
	}
	for _, id := range updated {
		r.publishUpdated(conversationID, id)
	}
	if len(arrived) > 0 || len(updated) > 0 {
		r.bus.Publish(bus.Event{Kind: bus.KindConversationUpdated, Timestamp: time.Now(), Payload: conversationID})
	}

	return firstErr
}

// confirmEchoLocked replaces the optimistic entry's identity and content with
// the authoritative record and retires the outbox entry. Caller holds t.mu.
func (r *Reconciler) confirmEchoLocked(t *thread, local *store.Message, localID string, rec *store.Message) error {
	if rec.ID != localID {
		if err := r.db.ReplaceID(localID, rec.ID); err != nil {
			return err
		}
		delete(t.byID, localID)
		local.ID = rec.ID
		t.byID[rec.ID] = local
	}

	// An upload that round-tripped is at least sent.
	if rec.Status == "" || rec.Status == store.StatusQueued {
		rec = rec.Clone()
		rec.Status = store.StatusSent
	}
	mergeMessage(local, rec)

	if err := r.db.PutMessage(local); err != nil {
		return err
	}
	if err := r.db.DeleteOutbox(localID); err != nil {
		return err
	}
	r.bus.Publish(bus.Event{Kind: bus.KindOutboxConfirmed, Timestamp: time.Now(), Payload: localID})
	return nil
}

// ApplyStatus merges a status transition computed by the status propagator.
// The monotonicity rule is enforced here; callers cannot regress a message.
func (r *Reconciler) ApplyStatus(conversationID, messageID string, st store.Status, deliveredAt, readAt int64, deliveredTo, readBy []string) error {
	t := r.thread(conversationID)

	t.mu.Lock()
	if err := t.loadLocked(r.db); err != nil {
		t.mu.Unlock()
		return err
	}
	m, ok := t.byID[messageID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("apply status: message %s not found in %s", messageID, conversationID)
	}

	changed := false
	if merged := store.MergeStatus(m.Status, st); merged != m.Status {
		m.Status = merged
		changed = true
	}
	if next := store.UnionSet(m.DeliveredTo, deliveredTo...); len(next) != len(m.DeliveredTo) {
		m.DeliveredTo = next
		changed = true
	}
	if next := store.UnionSet(m.ReadBy, readBy...); len(next) != len(m.ReadBy) {
		m.ReadBy = next
		changed = true
	}
	if deliveredAt > 0 && m.DeliveredAt == 0 {
		m.DeliveredAt = deliveredAt
		changed = true
	}
	if readAt > 0 && m.ReadAt == 0 {
		m.ReadAt = readAt
		changed = true
	}

	var err error
	if changed {
		err = r.db.PutMessage(m)
	}
	t.mu.Unlock()

	if err != nil {
		return err
	}
	if changed {
		r.publishUpdated(conversationID, messageID)
	}
	return nil
}

// ApplyMetadataPatch merges an opaque metadata patch into a message. The
// patch contents are validated as JSON-compatible values and otherwise not
// interpreted.
func (r *Reconciler) ApplyMetadataPatch(messageID string, patch map[string]any) error {
	sanitized, err := structpb.NewStruct(patch)
	if err != nil {
		return fmt.Errorf("metadata patch for %s: %w", messageID, err)
	}

	stored, err := r.db.GetMessage(messageID)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("metadata patch: message %s not found", messageID)
	}

	t := r.thread(stored.ConversationID)
	t.mu.Lock()
	if err := t.loadLocked(r.db); err != nil {
		t.mu.Unlock()
		return err
	}
	m, ok := t.byID[messageID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("metadata patch: message %s not found in %s", messageID, stored.ConversationID)
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	for k, v := range sanitized.AsMap() {
		m.Metadata[k] = v
	}
	err = r.db.PutMessage(m)
	t.mu.Unlock()

	if err != nil {
		return err
	}
	r.publishUpdated(stored.ConversationID, messageID)
	return nil
}

// Messages returns a copy of the authoritative list for a conversation.
func (r *Reconciler) Messages(conversationID string) ([]store.Message, error) {
	t := r.thread(conversationID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(r.db); err != nil {
		return nil, err
	}
	out := make([]store.Message, 0, len(t.list))
	for _, m := range t.list {
		out = append(out, *m.Clone())
	}
	return out, nil
}

// Message returns a copy of a single authoritative entry.
func (r *Reconciler) Message(conversationID, messageID string) (*store.Message, bool) {
	t := r.thread(conversationID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(r.db); err != nil {
		return nil, false
	}
	m, ok := t.byID[messageID]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// PendingMatches reports the id map size, for diagnostics.
func (r *Reconciler) PendingMatches() int {
	return r.ids.len()
}

func (r *Reconciler) publishUpdated(conversationID, messageID string) {
	r.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpdated,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{ConversationID: conversationID, MessageID: messageID},
	})
}

// mergeMessage folds the remote record's fields into dst, applying the
// monotonicity rules for status and the observer sets. Content and ordering
// fields take the remote's values; the remote store is the source of truth.
// Local-only metadata keys survive. Reports whether dst changed.
func mergeMessage(dst, src *store.Message) bool {
	changed := false

	if dst.Text != src.Text {
		dst.Text = src.Text
		changed = true
	}
	if src.ImageRef != "" && dst.ImageRef != src.ImageRef {
		dst.ImageRef = src.ImageRef
		changed = true
	}
	if src.SenderID != "" && dst.SenderID != src.SenderID {
		dst.SenderID = src.SenderID
		changed = true
	}
	if src.SentAt > 0 && dst.SentAt != src.SentAt {
		dst.SentAt = src.SentAt
		changed = true
	}
	if merged := store.MergeStatus(dst.Status, src.Status); merged != dst.Status {
		dst.Status = merged
		changed = true
	}
	if next := store.UnionSet(dst.DeliveredTo, src.DeliveredTo...); len(next) != len(dst.DeliveredTo) {
		dst.DeliveredTo = next
		changed = true
	}
	if next := store.UnionSet(dst.ReadBy, src.ReadBy...); len(next) != len(dst.ReadBy) {
		dst.ReadBy = next
		changed = true
	}
	if src.DeliveredAt > 0 && dst.DeliveredAt == 0 {
		dst.DeliveredAt = src.DeliveredAt
		changed = true
	}
	if src.ReadAt > 0 && dst.ReadAt == 0 {
		dst.ReadAt = src.ReadAt
		changed = true
	}
	for k, v := range src.Metadata {
		if dst.Metadata == nil {
			dst.Metadata = make(map[string]any, len(src.Metadata))
		}
		if cur, ok := dst.Metadata[k]; !ok || !metadataEqual(cur, v) {
			dst.Metadata[k] = v
			changed = true
		}
	}
	return changed
}

func metadataEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
