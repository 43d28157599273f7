package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/offgridchat/syncd/internal/store"
)

// Memory is an in-process Channel implementation. It backs the daemon's
// loopback mode and the engine tests: full result sets per filter, upserts
// keyed by id, field patches, plus offline and fault injection toggles.
type Memory struct {
	mu      sync.Mutex
	records map[string]*store.Message      // id -> record
	convs   map[string]*store.Conversation // participant matching for list filters
	subs    map[int]*memorySub
	next    int
	online  bool
	monitor *Monitor

	upsertErr  error
	upsertErrN int
}

type memorySub struct {
	filter Filter
	ch     chan Snapshot
}

// NewMemory creates an empty in-memory channel in the online state.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*store.Message),
		convs:   make(map[string]*store.Conversation),
		subs:    make(map[int]*memorySub),
		online:  true,
	}
}

// AttachMonitor wires connectivity transitions into the given monitor.
func (m *Memory) AttachMonitor(mon *Monitor) {
	m.mu.Lock()
	m.monitor = mon
	m.mu.Unlock()
}

// SetOnline toggles connectivity. While offline, Upsert and UpdateFields
// fail with ErrOffline.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	m.online = online
	mon := m.monitor
	m.mu.Unlock()
	if mon != nil {
		mon.Set(online)
	}
}

// FailUpserts makes the next n Upsert calls fail with err.
func (m *Memory) FailUpserts(err error, n int) {
	m.mu.Lock()
	m.upsertErr = err
	m.upsertErrN = n
	m.mu.Unlock()
}

// SetConversation registers conversation membership used by participant
// filters.
func (m *Memory) SetConversation(c *store.Conversation) {
	m.mu.Lock()
	m.convs[c.ID] = c
	m.mu.Unlock()
}

// Subscribe implements Channel. The current result set is delivered first.
func (m *Memory) Subscribe(ctx context.Context, f Filter) (<-chan Snapshot, error) {
	sub := &memorySub{filter: f, ch: make(chan Snapshot, 8)}

	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = sub
	sub.ch <- m.snapshotLocked(f)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch, nil
}

// Upsert implements Channel. The record is stored under its own id, so a
// client-generated local id is echoed back verbatim.
func (m *Memory) Upsert(_ context.Context, msg *store.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.upsertErrN > 0 {
		m.upsertErrN--
		return "", m.upsertErr
	}
	if !m.online {
		return "", ErrOffline
	}

	m.records[msg.ID] = msg.Clone()
	m.broadcastLocked(msg.ConversationID)
	return msg.ID, nil
}

// UpdateFields implements Channel.
func (m *Memory) UpdateFields(_ context.Context, id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.online {
		return ErrOffline
	}
	rec, ok := m.records[id]
	if !ok {
		return NotFound(fmt.Sprintf("record %s", id))
	}

	for field, value := range patch {
		switch field {
		case "status":
			// Receipts from different devices race; a stale patch must not
			// roll the record back.
			switch v := value.(type) {
			case store.Status:
				rec.Status = store.MergeStatus(rec.Status, v)
			case string:
				rec.Status = store.MergeStatus(rec.Status, store.Status(v))
			default:
				return InvalidArgument(fmt.Sprintf("status: unsupported type %T", value))
			}
		case "deliveredAt":
			v, ok := value.(int64)
			if !ok {
				return InvalidArgument("deliveredAt: want int64")
			}
			rec.DeliveredAt = v
		case "readAt":
			v, ok := value.(int64)
			if !ok {
				return InvalidArgument("readAt: want int64")
			}
			rec.ReadAt = v
		case "deliveredTo":
			// Observer sets only grow. Patches carry each caller's view;
			// replacing would erase receipts from concurrent observers.
			v, ok := value.([]string)
			if !ok {
				return InvalidArgument("deliveredTo: want []string")
			}
			rec.DeliveredTo = store.UnionSet(rec.DeliveredTo, v...)
		case "readBy":
			v, ok := value.([]string)
			if !ok {
				return InvalidArgument("readBy: want []string")
			}
			rec.ReadBy = store.UnionSet(rec.ReadBy, v...)
		case "metadata":
			v, ok := value.(map[string]any)
			if !ok {
				return InvalidArgument("metadata: want map[string]any")
			}
			if rec.Metadata == nil {
				rec.Metadata = make(map[string]any, len(v))
			}
			for k, mv := range v {
				rec.Metadata[k] = mv
			}
		case "text":
			v, ok := value.(string)
			if !ok {
				return InvalidArgument("text: want string")
			}
			rec.Text = v
		default:
			return InvalidArgument(fmt.Sprintf("unknown field %q", field))
		}
	}

	m.broadcastLocked(rec.ConversationID)
	return nil
}

func (m *Memory) matchLocked(f Filter, msg *store.Message) bool {
	if f.ConversationID != "" {
		return msg.ConversationID == f.ConversationID
	}
	conv, ok := m.convs[msg.ConversationID]
	if !ok {
		return false
	}
	return store.Contains(conv.Participants, f.ParticipantID)
}

func (m *Memory) snapshotLocked(f Filter) Snapshot {
	var snap Snapshot
	for _, rec := range m.records {
		if m.matchLocked(f, rec) {
			snap = append(snap, rec.Clone())
		}
	}
	sort.Slice(snap, func(i, j int) bool {
		if snap[i].SentAt != snap[j].SentAt {
			return snap[i].SentAt < snap[j].SentAt
		}
		return snap[i].ID < snap[j].ID
	})
	return snap
}

// broadcastLocked delivers fresh snapshots to every subscriber whose filter
// touches the changed conversation. A slow subscriber has its oldest buffered
// snapshot dropped: each snapshot is a full set, so only the newest matters.
func (m *Memory) broadcastLocked(conversationID string) {
	for _, sub := range m.subs {
		if sub.filter.ConversationID != "" && sub.filter.ConversationID != conversationID {
			continue
		}
		snap := m.snapshotLocked(sub.filter)
		select {
		case sub.ch <- snap:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snap:
			default:
			}
		}
	}
}
