package coord

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// heartbeatMonitor passively tracks the most recent probe received per
// connection and evicts connections whose probes stop arriving. The
// staleness threshold is deliberately generous compared to the agent's reply
// timeout: the agent fails fast while the coordinator tolerates a missed
// probe or two.
type heartbeatMonitor struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time

	checkInterval time.Duration
	staleAfter    time.Duration
}

func newHeartbeatMonitor(checkInterval, staleAfter time.Duration) *heartbeatMonitor {
	return &heartbeatMonitor{
		lastSeen:      make(map[string]time.Time),
		checkInterval: checkInterval,
		staleAfter:    staleAfter,
	}
}

// Track starts liveness tracking for a connection. The connection is not
// considered stale before staleAfter has elapsed from this point.
func (m *heartbeatMonitor) Track(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[id] = time.Now()
}

// RecordProbe notes that a probe arrived for id. No-op if id is untracked.
func (m *heartbeatMonitor) RecordProbe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lastSeen[id]; ok {
		m.lastSeen[id] = time.Now()
	}
}

// Forget stops tracking a connection.
func (m *heartbeatMonitor) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastSeen, id)
}

// stale returns the ids whose last probe is older than the threshold.
func (m *heartbeatMonitor) stale(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, seen := range m.lastSeen {
		if now.Sub(seen) > m.staleAfter {
			ids = append(ids, id)
		}
	}
	return ids
}

// runHeartbeatMonitor sweeps for stale connections on the configured cadence
// until ctx is cancelled.
func (s *Server) runHeartbeatMonitor(ctx context.Context) {
	ticker := time.NewTicker(s.monitor.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictStale()
		}
	}
}

// evictStale closes every connection whose heartbeat went silent.
func (s *Server) evictStale() {
	for _, id := range s.monitor.stale(time.Now()) {
		rec := s.pool.Get(id)
		s.monitor.Forget(id)
		if rec == nil {
			continue
		}

		log.Warn().
			Str("id", id).
			Str("remote_ip", rec.RemoteIP).
			Dur("threshold", s.monitor.staleAfter).
			Msg("heartbeat timeout, closing connection")

		_ = rec.Conn.CloseWithCode(closeCodeGoingAway, "heartbeat timeout")
		s.pool.Remove(id)
		if s.metrics != nil {
			s.metrics.StaleEvictions.Inc()
		}
	}
}
