package coord

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CloseAllWait bounds how long CloseAll waits for any single connection's
// close acknowledgment. Waits run concurrently, so total shutdown time stays
// near this bound regardless of connection count.
const CloseAllWait = 5 * time.Second

// Verdict is the admission decision for a new transport.
type Verdict int

const (
	Accept Verdict = iota
	PoolFull
	IPLimitReached
	Draining
)

// String returns the human-readable form used in rejection responses.
func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case PoolFull:
		return "server at capacity"
	case IPLimitReached:
		return "too many connections from your address"
	case Draining:
		return "server is draining"
	default:
		return "unknown"
	}
}

// Conn is the slice of a transport the pool needs: request a close and
// observe close completion.
type Conn interface {
	// CloseWithCode asks the transport to close with the given status code
	// and reason. It must be safe to call more than once.
	CloseWithCode(code int, reason string) error
	// Done returns a channel that is closed once the transport has fully
	// shut down.
	Done() <-chan struct{}
}

// Record tracks one admitted connection. Records are owned exclusively by
// the Pool; callers mutate them only through Pool operations.
type Record struct {
	ID            string
	Conn          Conn
	RemoteIP      string
	ConnectedAt   time.Time
	LastActivity  time.Time
	Authenticated bool
	Metadata      map[string]string
}

// Stats is a snapshot of pool counters. The lifetime totals are monotonic
// and reset only on process restart.
type Stats struct {
	Active        int   `json:"active"`
	Limit         int   `json:"limit"`
	Connected     int64 `json:"connected_total"`
	Disconnected  int64 `json:"disconnected_total"`
	Rejected      int64 `json:"rejected_total"`
	RejectedPerIP int64 `json:"rejected_per_ip_total"`
}

// Pool is the admission controller for agent connections. It gates how many
// transports may be open globally and per remote IP, tracks connection
// metadata, and performs graceful mass shutdown.
type Pool struct {
	mu       sync.Mutex
	conns    map[string]*Record
	byIP     map[string]map[string]struct{} // remote IP -> set of connection ids
	maxConns int
	maxPerIP int
	draining bool

	connected     int64
	disconnected  int64
	rejected      int64
	rejectedPerIP int64

	metrics *Metrics
}

// NewPool creates a connection pool with the given global and per-IP limits.
// metrics may be nil.
func NewPool(maxConns, maxPerIP int, metrics *Metrics) *Pool {
	return &Pool{
		conns:    make(map[string]*Record),
		byIP:     make(map[string]map[string]struct{}),
		maxConns: maxConns,
		maxPerIP: maxPerIP,
		metrics:  metrics,
	}
}

// CanAccept reports whether a new transport from ip may be admitted.
// Draining is checked first, then global capacity, then per-IP capacity.
// Pure query: no counters move.
func (p *Pool) CanAccept(ip string) Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canAcceptLocked(ip)
}

func (p *Pool) canAcceptLocked(ip string) Verdict {
	if p.draining {
		return Draining
	}
	if len(p.conns) >= p.maxConns {
		return PoolFull
	}
	if len(p.byIP[ip]) >= p.maxPerIP {
		return IPLimitReached
	}
	return Accept
}

// Add admits a connection record. It re-validates admission; in a correctly
// functioning system rejection already happened before the transport upgrade,
// so a rejection here is defensive and only moves the rejection counters.
func (p *Pool) Add(rec *Record) Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()

	verdict := p.canAcceptLocked(rec.RemoteIP)
	if verdict != Accept {
		p.recordRejectionLocked(verdict)
		log.Warn().
			Str("id", rec.ID).
			Str("remote_ip", rec.RemoteIP).
			Str("reason", verdict.String()).
			Msg("connection rejected at add")
		return verdict
	}

	p.conns[rec.ID] = rec
	ipSet, ok := p.byIP[rec.RemoteIP]
	if !ok {
		ipSet = make(map[string]struct{})
		p.byIP[rec.RemoteIP] = ipSet
	}
	ipSet[rec.ID] = struct{}{}
	p.connected++

	if p.metrics != nil {
		p.metrics.ActiveConnections.Set(float64(len(p.conns)))
		p.metrics.ConnectionsTotal.Inc()
	}

	log.Info().
		Str("id", rec.ID).
		Str("remote_ip", rec.RemoteIP).
		Int("active", len(p.conns)).
		Msg("connection admitted")
	return Accept
}

// RecordRejection counts an admission rejection decided before the transport
// upgrade, moving the same counters and metric a failed Add would.
func (p *Pool) RecordRejection(v Verdict) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordRejectionLocked(v)
}

func (p *Pool) recordRejectionLocked(v Verdict) {
	switch v {
	case IPLimitReached:
		p.rejectedPerIP++
	default:
		p.rejected++
	}
	if p.metrics != nil {
		p.metrics.Rejections.WithLabelValues(v.String()).Inc()
	}
}

// Remove deletes a connection from the pool. Returns false if id is unknown.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(id)
}

func (p *Pool) removeLocked(id string) bool {
	rec, ok := p.conns[id]
	if !ok {
		return false
	}

	delete(p.conns, id)
	if ipSet, ok := p.byIP[rec.RemoteIP]; ok {
		delete(ipSet, id)
		if len(ipSet) == 0 {
			delete(p.byIP, rec.RemoteIP)
		}
	}
	p.disconnected++

	if p.metrics != nil {
		p.metrics.ActiveConnections.Set(float64(len(p.conns)))
	}

	log.Info().
		Str("id", id).
		Str("remote_ip", rec.RemoteIP).
		Int("active", len(p.conns)).
		Msg("connection removed")
	return true
}

// UpdateActivity refreshes the last-activity timestamp. No-op on unknown id.
func (p *Pool) UpdateActivity(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.conns[id]; ok {
		rec.LastActivity = time.Now()
	}
}

// MarkAuthenticated flags a connection as authenticated. No-op on unknown id.
func (p *Pool) MarkAuthenticated(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.conns[id]; ok {
		rec.Authenticated = true
	}
}

// Get returns the record for id, or nil.
func (p *Pool) Get(id string) *Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[id]
}

// CloseIdleConnections closes and removes every connection whose idle time
// exceeds idleTimeout, returning how many were closed. Meant to run on a
// periodic timer owned by the coordinator, not by the pool.
func (p *Pool) CloseIdleConnections(idleTimeout time.Duration) int {
	now := time.Now()

	p.mu.Lock()
	var victims []*Record
	for _, rec := range p.conns {
		if now.Sub(rec.LastActivity) > idleTimeout {
			victims = append(victims, rec)
		}
	}
	for _, rec := range victims {
		p.removeLocked(rec.ID)
	}
	p.mu.Unlock()

	for _, rec := range victims {
		_ = rec.Conn.CloseWithCode(closeCodeGoingAway, "idle timeout")
		if p.metrics != nil {
			p.metrics.IdleEvictions.Inc()
		}
		log.Info().
			Str("id", rec.ID).
			Dur("idle", now.Sub(rec.LastActivity)).
			Msg("closed idle connection")
	}

	return len(victims)
}

// StartDraining puts the pool into draining mode: all new transports are
// rejected while existing ones continue normally.
func (p *Pool) StartDraining() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.draining {
		p.draining = true
		log.Info().Msg("pool draining started")
	}
}

// StopDraining leaves draining mode.
func (p *Pool) StopDraining() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		p.draining = false
		log.Info().Msg("pool draining stopped")
	}
}

// IsDraining reports whether the pool is draining.
func (p *Pool) IsDraining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// CloseAll requests a close on every active connection and waits, per
// connection concurrently, for either the close acknowledgment or
// CloseAllWait, whichever comes first. All internal maps are cleared once
// every per-connection wait resolves.
func (p *Pool) CloseAll(code int, reason string) {
	p.mu.Lock()
	victims := make([]*Record, 0, len(p.conns))
	for _, rec := range p.conns {
		victims = append(victims, rec)
	}
	p.mu.Unlock()

	log.Info().Int("count", len(victims)).Str("reason", reason).Msg("closing all connections")

	var wg sync.WaitGroup
	for _, rec := range victims {
		wg.Add(1)
		go func(rec *Record) {
			defer wg.Done()
			_ = rec.Conn.CloseWithCode(code, reason)
			select {
			case <-rec.Conn.Done():
			case <-time.After(CloseAllWait):
				log.Warn().Str("id", rec.ID).Msg("close acknowledgment timed out")
			}
		}(rec)
	}
	wg.Wait()

	p.mu.Lock()
	p.disconnected += int64(len(p.conns))
	p.conns = make(map[string]*Record)
	p.byIP = make(map[string]map[string]struct{})
	if p.metrics != nil {
		p.metrics.ActiveConnections.Set(0)
	}
	p.mu.Unlock()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:        len(p.conns),
		Limit:         p.maxConns,
		Connected:     p.connected,
		Disconnected:  p.disconnected,
		Rejected:      p.rejected,
		RejectedPerIP: p.rejectedPerIP,
	}
}
