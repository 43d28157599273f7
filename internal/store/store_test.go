package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestMergeStatusMonotonic(t *testing.T) {
	cases := []struct {
		current, incoming, want Status
	}{
		{StatusQueued, StatusSent, StatusSent},
		{StatusSent, StatusDelivered, StatusDelivered},
		{StatusDelivered, StatusRead, StatusRead},
		{StatusRead, StatusDelivered, StatusRead},
		{StatusDelivered, StatusSent, StatusDelivered},
		{StatusRead, StatusQueued, StatusRead},
		{StatusQueued, StatusRead, StatusRead}, // skipping intermediate states is fine
		{StatusQueued, StatusFailed, StatusFailed},
		{StatusSent, StatusFailed, StatusFailed},
		{StatusDelivered, StatusFailed, StatusDelivered}, // delivered messages cannot fail
		{StatusRead, StatusFailed, StatusRead},
		{StatusFailed, StatusRead, StatusFailed}, // failed is terminal
		{StatusFailed, StatusSent, StatusFailed},
	}
	for _, c := range cases {
		if got := MergeStatus(c.current, c.incoming); got != c.want {
			t.Errorf("MergeStatus(%s, %s) = %s, want %s", c.current, c.incoming, got, c.want)
		}
	}
}

func TestUnionSet(t *testing.T) {
	set := UnionSet(nil, "a")
	set = UnionSet(set, "b", "a")
	set = UnionSet(set, "", "c")
	if len(set) != 3 || set[0] != "a" || set[1] != "b" || set[2] != "c" {
		t.Errorf("set = %v, want [a b c]", set)
	}
}

func TestPutMessageIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Text: "hello", SentAt: 1000, Status: StatusSent}
	if err := db.PutMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Text = "hello updated"
	if err := db.PutMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.Messages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Text != "hello updated" {
		t.Errorf("text = %q, want hello updated", msgs[0].Text)
	}
}

func TestMessagesOrderedWithIDTieBreak(t *testing.T) {
	db := testDB(t)

	// Inserted out of order; same sent_at for b1/a1 to exercise the tie-break.
	for _, m := range []*Message{
		{ID: "z9", ConversationID: "c1", Text: "third", SentAt: 3000, Status: StatusSent},
		{ID: "b1", ConversationID: "c1", Text: "second", SentAt: 1000, Status: StatusSent},
		{ID: "a1", ConversationID: "c1", Text: "first", SentAt: 1000, Status: StatusSent},
	} {
		if err := db.PutMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.Messages("c1")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, m := range msgs {
		got = append(got, m.ID)
	}
	want := []string{"a1", "b1", "z9"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestMessageBlobsRoundTrip(t *testing.T) {
	db := testDB(t)

	msg := &Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", Text: "hi", SentAt: 1000,
		Status:      StatusDelivered,
		DeliveredTo: []string{"bob", "carol"},
		ReadBy:      []string{"bob"},
		Metadata:    map[string]any{"threadId": "t-9", "starred": true},
	}
	if err := db.PutMessage(msg); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("message not found")
	}
	if len(got.DeliveredTo) != 2 || got.DeliveredTo[1] != "carol" {
		t.Errorf("deliveredTo = %v", got.DeliveredTo)
	}
	if len(got.ReadBy) != 1 || got.ReadBy[0] != "bob" {
		t.Errorf("readBy = %v", got.ReadBy)
	}
	if got.Metadata["threadId"] != "t-9" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if got.Metadata["starred"] != true {
		t.Errorf("metadata starred = %v", got.Metadata["starred"])
	}
}

func TestUpdateStatusKeepsTimestamps(t *testing.T) {
	db := testDB(t)

	if err := db.PutMessage(&Message{ID: "m1", ConversationID: "c1", Text: "x", SentAt: 1000, Status: StatusSent}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateStatus("m1", StatusDelivered, 5000, 0); err != nil {
		t.Fatal(err)
	}
	// Zero deliveredAt must not clobber the recorded one.
	if err := db.UpdateStatus("m1", StatusRead, 0, 6000); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRead {
		t.Errorf("status = %s, want read", got.Status)
	}
	if got.DeliveredAt != 5000 {
		t.Errorf("deliveredAt = %d, want 5000", got.DeliveredAt)
	}
	if got.ReadAt != 6000 {
		t.Errorf("readAt = %d, want 6000", got.ReadAt)
	}

	if err := db.UpdateStatus("missing", StatusSent, 0, 0); err == nil {
		t.Error("expected error for missing message")
	}
}

func TestReplaceID(t *testing.T) {
	db := testDB(t)

	if err := db.PutMessage(&Message{ID: "local-1", ConversationID: "c1", Text: "x", SentAt: 1000, Status: StatusSent}); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceID("local-1", "srv-1"); err != nil {
		t.Fatal(err)
	}

	old, err := db.GetMessage("local-1")
	if err != nil {
		t.Fatal(err)
	}
	if old != nil {
		t.Error("old id still present after rename")
	}
	renamed, err := db.GetMessage("srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if renamed == nil || renamed.Text != "x" {
		t.Errorf("renamed = %v, want text x", renamed)
	}

	if err := db.ReplaceID("missing", "srv-2"); err == nil {
		t.Error("expected error renaming missing message")
	}
}

func TestEnqueueSendAtomic(t *testing.T) {
	db := testDB(t)

	msg := &Message{ID: "local-1", ConversationID: "c1", SenderID: "alice", Text: "queued", SentAt: 1000, Status: StatusQueued}
	entry, err := db.EnqueueSend(msg)
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != OutboxPending || entry.LocalID != "local-1" {
		t.Errorf("entry = %+v", entry)
	}

	// Both rows must exist.
	got, err := db.GetMessage("local-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Status != StatusQueued {
		t.Errorf("optimistic message = %v, want queued", got)
	}
	unconfirmed, err := db.ListUnconfirmed()
	if err != nil {
		t.Fatal(err)
	}
	if len(unconfirmed) != 1 || unconfirmed[0].Payload.Text != "queued" {
		t.Fatalf("unconfirmed = %+v, want 1 entry with payload", unconfirmed)
	}

	// A duplicate id must fail without leaving a second outbox row.
	if _, err := db.EnqueueSend(msg); err == nil {
		t.Error("expected error enqueueing duplicate id")
	}
	unconfirmed, err = db.ListUnconfirmed()
	if err != nil {
		t.Fatal(err)
	}
	if len(unconfirmed) != 1 {
		t.Errorf("got %d unconfirmed after duplicate enqueue, want 1", len(unconfirmed))
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	msg := &Message{ID: "local-1", ConversationID: "c1", Text: "x", SentAt: 1000, Status: StatusQueued}
	if _, err := db.EnqueueSend(msg); err != nil {
		t.Fatal(err)
	}

	claimed, err := db.MarkOutboxInFlight("local-1")
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("first claim should succeed")
	}
	// Second claim must lose the compare-and-set.
	claimed, err = db.MarkOutboxInFlight("local-1")
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Error("second claim should fail while in-flight")
	}

	attempts, err := db.OutboxFailure("local-1", "connection refused")
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}

	// Failure reverts to pending, so it can be claimed again.
	claimed, err = db.MarkOutboxInFlight("local-1")
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Error("claim after failure should succeed")
	}

	if err := db.AbandonOutbox("local-1", "gave up"); err != nil {
		t.Fatal(err)
	}
	unconfirmed, err := db.ListUnconfirmed()
	if err != nil {
		t.Fatal(err)
	}
	if len(unconfirmed) != 0 {
		t.Errorf("abandoned entry still listed as unconfirmed")
	}
	// The abandoned row survives for inspection.
	e, err := db.GetOutbox("local-1")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.State != OutboxAbandoned || e.LastError != "gave up" {
		t.Errorf("entry = %+v, want abandoned with last error", e)
	}

	if err := db.DeleteOutbox("local-1"); err != nil {
		t.Fatal(err)
	}
	e, err = db.GetOutbox("local-1")
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Error("entry still present after delete")
	}
}

func TestRequeueInFlight(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"a", "b"} {
		if _, err := db.EnqueueSend(&Message{ID: id, ConversationID: "c1", Text: "x", SentAt: 1000, Status: StatusQueued}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.MarkOutboxInFlight("a"); err != nil {
		t.Fatal(err)
	}

	n, err := db.RequeueInFlight()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}

	// Both are claimable again.
	for _, id := range []string{"a", "b"} {
		claimed, err := db.MarkOutboxInFlight(id)
		if err != nil {
			t.Fatal(err)
		}
		if !claimed {
			t.Errorf("entry %s not claimable after requeue", id)
		}
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	db := testDB(t)

	conv := &Conversation{ID: "c1", Participants: []string{"alice", "bob"}, LastMessageText: "hi", LastMessageAt: 1000}
	if err := db.PutConversation(conv); err != nil {
		t.Fatal(err)
	}

	// A stale projection write must not roll the preview back.
	if err := db.PutConversation(&Conversation{ID: "c1", LastMessageText: "old", LastMessageAt: 500}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessageText != "hi" || got.LastMessageAt != 1000 {
		t.Errorf("projection rolled back: %+v", got)
	}
	// Empty participants in the stale write must not erase membership.
	if len(got.Participants) != 2 {
		t.Errorf("participants = %v, want [alice bob]", got.Participants)
	}

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
}

func TestTouchConversationProjection(t *testing.T) {
	db := testDB(t)

	if err := db.PutConversation(&Conversation{ID: "c1", Participants: []string{"alice", "bob"}, IsGroup: false}); err != nil {
		t.Fatal(err)
	}

	if err := db.TouchConversationProjection("c1", "newest", 2000, "bob"); err != nil {
		t.Fatal(err)
	}
	// Older touch is a no-op.
	if err := db.TouchConversationProjection("c1", "stale", 1000, "alice"); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessageText != "newest" || got.LastMessageAt != 2000 || got.LastMessageSenderID != "bob" {
		t.Errorf("projection = %+v, want newest@2000 from bob", got)
	}
	// Membership untouched by projection writes.
	if len(got.Participants) != 2 {
		t.Errorf("participants = %v, want [alice bob]", got.Participants)
	}
}

func TestStatusTimestampsUnixMillis(t *testing.T) {
	db := testDB(t)

	now := time.Now().UnixMilli()
	if err := db.PutMessage(&Message{ID: "m1", ConversationID: "c1", Text: "x", SentAt: now, Status: StatusSent}); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SentAt != now {
		t.Errorf("sentAt = %d, want %d", got.SentAt, now)
	}
}
