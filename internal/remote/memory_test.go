package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/offgridchat/syncd/internal/bus"
	"github.com/offgridchat/syncd/internal/store"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{Unavailable("no route"), ErrorTransient},
		{ErrOffline, ErrorTransient},
		{PermissionDenied("nope"), ErrorTerminal},
		{NotFound("gone"), ErrorTerminal},
		{InvalidArgument("bad"), ErrorTerminal},
		{errors.New("plain"), ErrorUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestFilterKey(t *testing.T) {
	if k := (Filter{ConversationID: "c1"}).Key(); k != "conv:c1" {
		t.Errorf("key = %q", k)
	}
	if k := (Filter{ParticipantID: "alice"}).Key(); k != "part:alice" {
		t.Errorf("key = %q", k)
	}
}

func TestMemoryEchoesLocalID(t *testing.T) {
	mem := NewMemory()

	serverID, err := mem.Upsert(context.Background(), &store.Message{ID: "local-1", ConversationID: "c1", Text: "x", SentAt: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if serverID != "local-1" {
		t.Errorf("serverID = %q, want the uploaded id back", serverID)
	}
}

func TestMemorySubscribeStreamsSnapshots(t *testing.T) {
	mem := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := mem.Subscribe(ctx, Filter{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}

	// Current (empty) set first.
	select {
	case snap := <-stream:
		if len(snap) != 0 {
			t.Errorf("initial snapshot = %v, want empty", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for initial snapshot")
	}

	if _, err := mem.Upsert(context.Background(), &store.Message{ID: "m1", ConversationID: "c1", Text: "x", SentAt: 1000}); err != nil {
		t.Fatal(err)
	}
	// A record in another conversation is invisible to this filter.
	if _, err := mem.Upsert(context.Background(), &store.Message{ID: "m2", ConversationID: "c2", Text: "y", SentAt: 2000}); err != nil {
		t.Fatal(err)
	}

	select {
	case snap := <-stream:
		if len(snap) != 1 || snap[0].ID != "m1" {
			t.Errorf("snapshot = %v, want [m1]", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for snapshot")
	}

	cancel()
	// The stream closes once the subscription context ends.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream not closed after cancel")
		}
	}
}

func TestMemoryOfflineFailsWrites(t *testing.T) {
	mem := NewMemory()
	mem.SetOnline(false)

	if _, err := mem.Upsert(context.Background(), &store.Message{ID: "m1", ConversationID: "c1", Text: "x"}); Classify(err) != ErrorTransient {
		t.Errorf("offline upsert err = %v, want transient", err)
	}
	if err := mem.UpdateFields(context.Background(), "m1", map[string]any{"text": "y"}); Classify(err) != ErrorTransient {
		t.Errorf("offline update err = %v, want transient", err)
	}

	mem.SetOnline(true)
	if _, err := mem.Upsert(context.Background(), &store.Message{ID: "m1", ConversationID: "c1", Text: "x"}); err != nil {
		t.Errorf("online upsert err = %v", err)
	}
}

func TestMemoryFaultInjection(t *testing.T) {
	mem := NewMemory()
	mem.FailUpserts(Unavailable("injected"), 2)

	msg := &store.Message{ID: "m1", ConversationID: "c1", Text: "x"}
	for i := 0; i < 2; i++ {
		if _, err := mem.Upsert(context.Background(), msg); err == nil {
			t.Fatalf("upsert %d should fail", i+1)
		}
	}
	if _, err := mem.Upsert(context.Background(), msg); err != nil {
		t.Errorf("third upsert err = %v, want nil", err)
	}
}

func TestMemoryUpdateFields(t *testing.T) {
	mem := NewMemory()
	if _, err := mem.Upsert(context.Background(), &store.Message{ID: "m1", ConversationID: "c1", Text: "x", Status: store.StatusSent}); err != nil {
		t.Fatal(err)
	}

	err := mem.UpdateFields(context.Background(), "m1", map[string]any{
		"status":      store.StatusRead,
		"readBy":      []string{"bob"},
		"deliveredTo": []string{"bob"},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := mem.Subscribe(ctx, Filter{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	snap := <-stream
	if snap[0].Status != store.StatusRead || !store.Contains(snap[0].ReadBy, "bob") {
		t.Errorf("record = %+v, want read by bob", snap[0])
	}

	if err := mem.UpdateFields(context.Background(), "missing", map[string]any{"text": "y"}); Classify(err) != ErrorTerminal {
		t.Errorf("missing record err = %v, want terminal", err)
	}
	if err := mem.UpdateFields(context.Background(), "m1", map[string]any{"bogus": 1}); Classify(err) != ErrorTerminal {
		t.Errorf("unknown field err = %v, want terminal", err)
	}
}

// TestMemoryReceiptPatchesUnion covers two devices patching their receipts
// without having seen each other's: both observers must survive on the record,
// and a stale status must not regress it.
func TestMemoryReceiptPatchesUnion(t *testing.T) {
	mem := NewMemory()
	if _, err := mem.Upsert(context.Background(), &store.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Text: "x", Status: store.StatusSent}); err != nil {
		t.Fatal(err)
	}

	// Bob's device read it; carol's device only received it. Each patch
	// carries only that caller's view of the sets.
	if err := mem.UpdateFields(context.Background(), "m1", map[string]any{
		"status":      store.StatusRead,
		"deliveredTo": []string{"bob"},
		"readBy":      []string{"bob"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := mem.UpdateFields(context.Background(), "m1", map[string]any{
		"status":      store.StatusDelivered,
		"deliveredTo": []string{"carol"},
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := mem.Subscribe(ctx, Filter{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	rec := (<-stream)[0]

	if !store.Contains(rec.DeliveredTo, "bob") || !store.Contains(rec.DeliveredTo, "carol") {
		t.Errorf("deliveredTo = %v, want both bob and carol", rec.DeliveredTo)
	}
	if !store.Contains(rec.ReadBy, "bob") {
		t.Errorf("readBy = %v, want bob", rec.ReadBy)
	}
	if rec.Status != store.StatusRead {
		t.Errorf("status = %s, want read (stale delivered patch must not regress)", rec.Status)
	}
}

func TestMonitorPublishesTransitionsOnly(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("net.", 10)
	defer unsub()

	mon := NewMonitor(b, true)
	mon.Set(true) // no transition, no event
	mon.Set(false)
	mon.Set(false) // still down, no event
	mon.Set(true)

	var kinds []string
	deadline := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
		case <-deadline:
			t.Fatalf("got %v, want [net.down net.up]", kinds)
		}
	}
	if kinds[0] != bus.KindNetDown || kinds[1] != bus.KindNetUp {
		t.Errorf("kinds = %v, want [net.down net.up]", kinds)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected extra event %q", evt.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}
