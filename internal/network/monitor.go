// Package network observes connectivity and reports transitions to the
// sync engine and status subscribers.
package network

import (
	"sync"

	"go.uber.org/zap"

	"github.com/caregohq/carego-sync/internal/logging"
)

// Connection quality hints. Quality only throttles background flush
// aggressiveness; it never blocks a flush outright.
const (
	QualityGood    = "good"
	QualityPoor    = "poor"
	QualityUnknown = "unknown"
)

// Status is one observed connectivity state.
type Status struct {
	Online  bool   `json:"online"`
	Quality string `json:"quality"`
}

// Monitor holds the current connectivity signal. Transitions come from the
// embedding application or the optional Prober; subscribers receive exactly
// one notification per genuine transition, duplicates are absorbed here.
type Monitor struct {
	mu      sync.RWMutex
	status  Status
	subs    map[int]chan Status
	nextSub int
}

// NewMonitor creates a monitor that assumes online with unknown quality
// until the first real signal arrives.
func NewMonitor() *Monitor {
	return &Monitor{
		status: Status{Online: true, Quality: QualityUnknown},
		subs:   make(map[int]chan Status),
	}
}

// Online reports the current online flag.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Online
}

// Quality reports the advisory connection quality.
func (m *Monitor) Quality() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Quality
}

// Current returns the full connectivity status.
func (m *Monitor) Current() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SetStatus records a connectivity observation. Repeated identical states
// are deduplicated: observers hear nothing.
func (m *Monitor) SetStatus(online bool, quality string) {
	switch quality {
	case QualityGood, QualityPoor:
	default:
		quality = QualityUnknown
	}
	next := Status{Online: online, Quality: quality}

	m.mu.Lock()
	if m.status == next {
		m.mu.Unlock()
		return
	}
	prev := m.status
	m.status = next

	// Snapshot subscribers so the send happens outside the lock.
	targets := make([]chan Status, 0, len(m.subs))
	for _, ch := range m.subs {
		targets = append(targets, ch)
	}
	m.mu.Unlock()

	logging.Info("connectivity changed",
		zap.Bool("was_online", prev.Online),
		zap.Bool("online", next.Online),
		zap.String("quality", next.Quality))

	for _, ch := range targets {
		// Non-blocking: a full subscriber already has a wake pending,
		// which is equivalent for transition consumers.
		select {
		case ch <- next:
		default:
		}
	}
}

// SetOnline records an online/offline observation, keeping the last
// known quality.
func (m *Monitor) SetOnline(online bool) {
	m.mu.RLock()
	quality := m.status.Quality
	m.mu.RUnlock()
	m.SetStatus(online, quality)
}

// Subscribe returns a channel of transitions and a cancel function. The
// channel is buffered; slow consumers miss intermediate states, never the
// fact that a transition happened.
func (m *Monitor) Subscribe(buffer int) (<-chan Status, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Status, buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}
