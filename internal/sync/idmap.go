package sync

import (
	"sync"
	"time"

	"github.com/offgridchat/syncd/internal/metrics"
	"go.uber.org/zap"
)

// idMap tracks in-flight localId to serverId pairs awaiting a remote echo.
// Entries live only in memory and are bounded by age: an entry that never
// matches is logged and dropped by the sweep, while the durable outbox row
// remains the source of truth for the retry bookkeeping.
type idMap struct {
	mu       sync.Mutex
	ttl      time.Duration
	entries  map[string]*idEntry // keyed by localID
	byServer map[string]string   // serverID -> localID, when they differ
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

type idEntry struct {
	serverID string
	addedAt  time.Time
}

func newIDMap(ttl time.Duration, logger *zap.Logger, m *metrics.Metrics) *idMap {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &idMap{
		ttl:      ttl,
		entries:  make(map[string]*idEntry),
		byServer: make(map[string]string),
		logger:   logger,
		metrics:  m,
	}
}

// register adds a localID to the pending-match set. Idempotent.
func (im *idMap) register(localID string) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if _, ok := im.entries[localID]; ok {
		return
	}
	im.entries[localID] = &idEntry{addedAt: time.Now()}
	im.metrics.SetIDMapSize(len(im.entries))
}

// setServerID records a backend-assigned id for an in-flight entry, for
// backends that rewrite identity on upsert.
func (im *idMap) setServerID(localID, serverID string) {
	im.mu.Lock()
	defer im.mu.Unlock()
	e, ok := im.entries[localID]
	if !ok {
		return
	}
	e.serverID = serverID
	if serverID != "" && serverID != localID {
		im.byServer[serverID] = localID
	}
}

// match resolves an incoming record id against the pending set. On a hit the
// entry is removed immediately so a duplicate snapshot cannot match twice.
func (im *idMap) match(recordID string) (localID string, ok bool) {
	im.mu.Lock()
	defer im.mu.Unlock()

	localID = recordID
	if mapped, found := im.byServer[recordID]; found {
		localID = mapped
	}
	e, found := im.entries[localID]
	if !found {
		return "", false
	}
	delete(im.entries, localID)
	if e.serverID != "" {
		delete(im.byServer, e.serverID)
	}
	im.metrics.SetIDMapSize(len(im.entries))
	return localID, true
}

// sweep drops entries older than the TTL. Returns the number dropped.
func (im *idMap) sweep(now time.Time) int {
	im.mu.Lock()
	defer im.mu.Unlock()

	dropped := 0
	for localID, e := range im.entries {
		if now.Sub(e.addedAt) < im.ttl {
			continue
		}
		im.logger.Warn("dropping unmatched id map entry",
			zap.String("local_id", localID),
			zap.Duration("age", now.Sub(e.addedAt)))
		delete(im.entries, localID)
		if e.serverID != "" {
			delete(im.byServer, e.serverID)
		}
		dropped++
	}
	im.metrics.SetIDMapSize(len(im.entries))
	im.metrics.IDMapDropped(dropped)
	return dropped
}

func (im *idMap) len() int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return len(im.entries)
}
