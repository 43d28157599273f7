// Package remote defines the transport-agnostic contract to the real-time
// backend. Any implementation that delivers full result sets per subscription
// and upserts records keyed by id can back the engine: a gRPC streaming
// service, a WebSocket relay, or the in-memory loopback in this package.
package remote

import (
	"context"

	"github.com/offgridchat/syncd/internal/store"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Filter selects the records a subscription observes. Exactly one field
// should be set: ConversationID for a single thread, ParticipantID for all
// conversations a user takes part in (list views).
type Filter struct {
	ConversationID string
	ParticipantID  string
}

// Key returns the canonical subscription key for the filter.
func (f Filter) Key() string {
	if f.ConversationID != "" {
		return "conv:" + f.ConversationID
	}
	return "part:" + f.ParticipantID
}

// Snapshot is one full, self-consistent result set for a filter. Snapshots
// are not guaranteed to arrive sorted.
type Snapshot []*store.Message

// Channel is the subscribe/upsert contract to the backend.
//
// Subscribe delivers a snapshot whenever the filter's result set changes,
// starting with the current set. The returned channel closes when ctx is
// cancelled or the subscription ends. Within one filter, snapshots arrive in
// the order the backend produced them.
//
// Upsert publishes a record under its id (so a client-generated local id is
// echoed back verbatim). Backends that assign their own identity return the
// rewritten id; otherwise serverID equals the record's id.
//
// UpdateFields patches individual fields of an existing record.
type Channel interface {
	Subscribe(ctx context.Context, f Filter) (<-chan Snapshot, error)
	Upsert(ctx context.Context, m *store.Message) (serverID string, err error)
	UpdateFields(ctx context.Context, id string, patch map[string]any) error
}

// Error classes of the channel contract. Backends surface failures as gRPC
// status codes regardless of their actual transport.
type ErrorClass int

const (
	// ErrorTransient covers network unavailability; retried with backoff.
	ErrorTransient ErrorClass = iota
	// ErrorTerminal covers permission-denied, not-found and invalid-argument;
	// the operation is abandoned immediately.
	ErrorTerminal
	// ErrorUnknown is anything else; treated as transient to err on the side
	// of retrying.
	ErrorUnknown
)

// Classify maps an error from a Channel operation onto the retry taxonomy.
func Classify(err error) ErrorClass {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return ErrorTransient
	case codes.PermissionDenied, codes.NotFound, codes.InvalidArgument:
		return ErrorTerminal
	default:
		return ErrorUnknown
	}
}

// ErrOffline is returned by backends when the device has no connectivity.
var ErrOffline = status.Error(codes.Unavailable, "offline")

// Unavailable builds a transient error with the given message.
func Unavailable(msg string) error {
	return status.Error(codes.Unavailable, msg)
}

// PermissionDenied builds a terminal permission error.
func PermissionDenied(msg string) error {
	return status.Error(codes.PermissionDenied, msg)
}

// NotFound builds a terminal not-found error.
func NotFound(msg string) error {
	return status.Error(codes.NotFound, msg)
}

// InvalidArgument builds a terminal caller-bug error.
func InvalidArgument(msg string) error {
	return status.Error(codes.InvalidArgument, msg)
}
