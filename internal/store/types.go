package store

// Status is the delivery state of a message as seen by this device.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusQueued:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the position of s in the delivery order
// queued < sent < delivered < read. Failed and unknown statuses rank -1.
func (s Status) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// MergeStatus combines the current status with an incoming one without ever
// regressing. Failed is terminal and only reachable from queued or sent;
// a message that was already delivered or read cannot fail.
func MergeStatus(current, incoming Status) Status {
	if current == StatusFailed {
		return StatusFailed
	}
	if incoming == StatusFailed {
		if current.Rank() <= StatusSent.Rank() {
			return StatusFailed
		}
		return current
	}
	if incoming.Rank() > current.Rank() {
		return incoming
	}
	return current
}

// UnionSet merges additions into set, preserving the existing order and
// appending unseen members in their incoming order. Used for the
// monotonically growing deliveredTo/readBy sets.
func UnionSet(set []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(set))
	out := set
	for _, v := range set {
		seen[v] = struct{}{}
	}
	for _, v := range additions {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Contains reports whether set holds member.
func Contains(set []string, member string) bool {
	for _, v := range set {
		if v == member {
			return true
		}
	}
	return false
}

// Message is a synced message. ID is the client-generated local id until the
// remote confirms it, authoritative afterwards. Times are unix milliseconds.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	ImageRef       string
	SentAt         int64
	DeliveredAt    int64
	ReadAt         int64
	Status         Status
	DeliveredTo    []string
	ReadBy         []string
	Metadata       map[string]any
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	c.DeliveredTo = append([]string(nil), m.DeliveredTo...)
	c.ReadBy = append([]string(nil), m.ReadBy...)
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Conversation is a synced conversation. The lastMessage* fields are a
// denormalized projection of the newest message and are recomputed by the
// reconciler, never authored independently.
type Conversation struct {
	ID                  string
	Participants        []string
	IsGroup             bool
	LastMessageText     string
	LastMessageAt       int64
	LastMessageSenderID string
}

// OutboxState is the lifecycle state of an outbox entry.
type OutboxState string

const (
	OutboxPending   OutboxState = "pending"
	OutboxInFlight  OutboxState = "in-flight"
	OutboxAbandoned OutboxState = "abandoned"
)

// OutboxEntry is a locally-created message awaiting remote confirmation.
// Entries are deleted once the reconciler matches the remote echo; abandoned
// entries are kept so last_error survives for inspection.
type OutboxEntry struct {
	LocalID   string
	Payload   Message
	Attempts  int
	LastError string
	State     OutboxState
	CreatedAt int64
}
