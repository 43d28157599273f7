package remote

import (
	"sync"
	"time"

	"github.com/offgridchat/syncd/internal/bus"
)

// Monitor tracks the online/offline signal and publishes transitions on the
// bus ("net.up" / "net.down"). The outbox listens for net.up to kick retries.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	bus    *bus.Bus
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(b *bus.Bus, online bool) *Monitor {
	return &Monitor{bus: b, online: online}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records a connectivity change. Only actual transitions publish events.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed || m.bus == nil {
		return
	}
	kind := bus.KindNetDown
	if online {
		kind = bus.KindNetUp
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
}
