// Package status converts delivery and read acknowledgements into monotonic
// status transitions on the authoritative message list.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/offgridchat/syncd/internal/remote"
	"github.com/offgridchat/syncd/internal/store"
	"go.uber.org/zap"
)

// Authority is the reconciler surface the propagator writes through. The
// reconciler is the single writer of status transitions; the propagator only
// computes them.
type Authority interface {
	Message(conversationID, messageID string) (*store.Message, bool)
	ApplyStatus(conversationID, messageID string, st store.Status, deliveredAt, readAt int64, deliveredTo, readBy []string) error
}

// Propagator aggregates per-observer receipts into message status. Device
// delivery and user read are distinct events: a message can sit delivered on
// a device for days before the conversation is opened.
type Propagator struct {
	auth    Authority
	db      *store.DB
	channel remote.Channel
	logger  *zap.Logger
}

// NewPropagator creates a propagator. channel may be nil when outbound
// receipt publication is not wanted (tests, read-only replicas).
func NewPropagator(auth Authority, db *store.DB, channel remote.Channel, logger *zap.Logger) *Propagator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Propagator{auth: auth, db: db, channel: channel, logger: logger}
}

// MarkDelivered records that observerID's device received the messages.
func (p *Propagator) MarkDelivered(ctx context.Context, conversationID string, messageIDs []string, observerID string) error {
	return p.mark(ctx, conversationID, messageIDs, observerID, false)
}

// MarkRead records that observerID saw the messages on screen. Read implies
// delivered.
func (p *Propagator) MarkRead(ctx context.Context, conversationID string, messageIDs []string, observerID string) error {
	return p.mark(ctx, conversationID, messageIDs, observerID, true)
}

func (p *Propagator) mark(ctx context.Context, conversationID string, messageIDs []string, observerID string, read bool) error {
	conv, err := p.db.GetConversation(conversationID)
	if err != nil {
		return fmt.Errorf("mark: load conversation %s: %w", conversationID, err)
	}

	now := time.Now().UnixMilli()
	var firstErr error

	for _, id := range messageIDs {
		m, ok := p.auth.Message(conversationID, id)
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("mark: message %s not found in %s", id, conversationID)
			}
			continue
		}
		if m.SenderID == observerID {
			// A sender's own copy needs no receipt.
			continue
		}

		deliveredTo := store.UnionSet(m.DeliveredTo, observerID)
		readBy := m.ReadBy
		if read {
			readBy = store.UnionSet(m.ReadBy, observerID)
		}

		st := aggregate(conv, m.SenderID, deliveredTo, readBy)

		var deliveredAt, readAt int64
		if st.Rank() >= store.StatusDelivered.Rank() && m.DeliveredAt == 0 {
			deliveredAt = now
		}
		if st == store.StatusRead && m.ReadAt == 0 {
			readAt = now
		}

		addRead := []string(nil)
		if read {
			addRead = []string{observerID}
		}
		if err := p.auth.ApplyStatus(conversationID, id, st, deliveredAt, readAt, []string{observerID}, addRead); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		p.publishReceipt(ctx, id, st, deliveredTo, readBy)
	}

	return firstErr
}

// aggregate computes the message-level status from per-recipient receipts.
// For a group the status is the minimum across all recipients other than the
// sender: read only when everyone read, delivered only when everyone
// received. A two-party conversation degenerates to the single other
// participant. Without participant data the observer's receipt is taken
// directly, the two-party behavior.
func aggregate(conv *store.Conversation, senderID string, deliveredTo, readBy []string) store.Status {
	if conv == nil || len(conv.Participants) == 0 {
		if len(readBy) > 0 {
			return store.StatusRead
		}
		return store.StatusDelivered
	}

	allDelivered := true
	allRead := true
	for _, pid := range conv.Participants {
		if pid == senderID {
			continue
		}
		if !store.Contains(deliveredTo, pid) {
			allDelivered = false
		}
		if !store.Contains(readBy, pid) {
			allRead = false
		}
	}
	switch {
	case allRead:
		return store.StatusRead
	case allDelivered:
		return store.StatusDelivered
	default:
		return store.StatusSent
	}
}

// publishReceipt pushes this device's receipt to the remote so other parties
// observe it. Fire-and-forget: a failure only logs, reconciliation is never
// blocked on it.
func (p *Propagator) publishReceipt(ctx context.Context, messageID string, st store.Status, deliveredTo, readBy []string) {
	if p.channel == nil {
		return
	}
	patch := map[string]any{
		"status":      st,
		"deliveredTo": deliveredTo,
		"readBy":      readBy,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := p.channel.UpdateFields(ctx, messageID, patch); err != nil {
			p.logger.Warn("publish receipt failed", zap.Error(err), zap.String("message_id", messageID))
		}
	}()
}
