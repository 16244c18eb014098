package agent

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// heartbeat is the agent-side active prober. Every interval it sends a probe
// and expects a reply within replyWait; a still-pending reply at the next
// tick, or a fired reply timer, means the transport is dead.
//
// One heartbeat instance serves one transport: created when the transport
// opens, stopped when it closes.
type heartbeat struct {
	interval  time.Duration
	replyWait time.Duration
	send      func() error       // sends one probe
	onDead    func(reason string) // closes the transport

	mu      sync.Mutex
	pending bool
	timer   *time.Timer // reply timeout, armed while pending
	stopped bool
	stop    chan struct{}
}

func newHeartbeat(interval, replyWait time.Duration, send func() error, onDead func(reason string)) *heartbeat {
	return &heartbeat{
		interval:  interval,
		replyWait: replyWait,
		send:      send,
		onDead:    onDead,
		stop:      make(chan struct{}),
	}
}

// start runs the probe loop until stop is called.
func (h *heartbeat) start() {
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				h.tick()
			}
		}
	}()
}

func (h *heartbeat) tick() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	if h.pending {
		h.mu.Unlock()
		h.onDead("heartbeat reply still pending at next probe")
		return
	}
	h.pending = true
	h.timer = time.AfterFunc(h.replyWait, h.replyTimedOut)
	h.mu.Unlock()

	if err := h.send(); err != nil {
		log.Debug().Err(err).Msg("heartbeat probe send failed")
		h.onDead("heartbeat probe send failed")
	}
}

// replyTimedOut fires when no reply arrived within replyWait.
func (h *heartbeat) replyTimedOut() {
	h.mu.Lock()
	if h.stopped || !h.pending {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.onDead("heartbeat reply timeout")
}

// replyReceived clears the pending flag. Idempotent: a second reply, or a
// reply arriving after the timeout already fired, is a no-op.
func (h *heartbeat) replyReceived() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.pending {
		return
	}
	h.pending = false
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// stopMonitor halts probing and cancels any armed reply timer. Safe to call
// more than once.
func (h *heartbeat) stopMonitor() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	h.pending = false
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	close(h.stop)
}
