package agent

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type hbRecorder struct {
	mu     sync.Mutex
	sends  int
	deaths []string
	sendCh chan struct{}
	deadCh chan string
}

func newHBRecorder() *hbRecorder {
	return &hbRecorder{
		sendCh: make(chan struct{}, 16),
		deadCh: make(chan string, 16),
	}
}

func (r *hbRecorder) send() error {
	r.mu.Lock()
	r.sends++
	r.mu.Unlock()
	r.sendCh <- struct{}{}
	return nil
}

func (r *hbRecorder) onDead(reason string) {
	r.mu.Lock()
	r.deaths = append(r.deaths, reason)
	r.mu.Unlock()
	r.deadCh <- reason
}

func (r *hbRecorder) deathCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deaths)
}

func TestHeartbeatProbeAndReply(t *testing.T) {
	rec := newHBRecorder()
	hb := newHeartbeat(time.Hour, time.Hour, rec.send, rec.onDead)

	hb.tick()
	assert.True(t, hb.pending)

	hb.replyReceived()
	assert.False(t, hb.pending)

	// A second reply for the same probe is a no-op.
	hb.replyReceived()

	hb.tick()
	assert.True(t, hb.pending)
	assert.Equal(t, 0, rec.deathCount())

	hb.stopMonitor()
}

func TestHeartbeatPendingAtNextTick(t *testing.T) {
	rec := newHBRecorder()
	hb := newHeartbeat(time.Hour, time.Hour, rec.send, rec.onDead)

	hb.tick()
	// No reply before the next probe fires.
	hb.tick()

	select {
	case reason := <-rec.deadCh:
		assert.Contains(t, reason, "pending")
	case <-time.After(time.Second):
		t.Fatal("expected transport declared dead")
	}

	hb.stopMonitor()
}

func TestHeartbeatReplyTimeout(t *testing.T) {
	rec := newHBRecorder()
	hb := newHeartbeat(time.Hour, 20*time.Millisecond, rec.send, rec.onDead)

	hb.tick()

	select {
	case reason := <-rec.deadCh:
		assert.Contains(t, reason, "timeout")
	case <-time.After(time.Second):
		t.Fatal("expected reply timeout to fire")
	}

	hb.stopMonitor()
}

func TestHeartbeatLateReplyAfterTimeout(t *testing.T) {
	rec := newHBRecorder()
	hb := newHeartbeat(time.Hour, 20*time.Millisecond, rec.send, rec.onDead)

	hb.tick()
	select {
	case <-rec.deadCh:
	case <-time.After(time.Second):
		t.Fatal("expected reply timeout to fire")
	}

	// The reply arrives after the timeout already declared the transport
	// dead: it must be absorbed without a second death.
	hb.replyReceived()
	hb.replyReceived()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.deathCount())
	assert.False(t, hb.pending)

	hb.stopMonitor()
}

func TestHeartbeatReplyCancelsTimeout(t *testing.T) {
	rec := newHBRecorder()
	hb := newHeartbeat(time.Hour, 30*time.Millisecond, rec.send, rec.onDead)

	hb.tick()
	hb.replyReceived()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, rec.deathCount())

	hb.stopMonitor()
}

func TestHeartbeatSendFailure(t *testing.T) {
	rec := newHBRecorder()
	hb := newHeartbeat(time.Hour, time.Hour,
		func() error { return errors.New("broken pipe") },
		rec.onDead)

	hb.tick()

	select {
	case reason := <-rec.deadCh:
		assert.Contains(t, reason, "send failed")
	case <-time.After(time.Second):
		t.Fatal("expected send failure to declare transport dead")
	}

	hb.stopMonitor()
}

func TestHeartbeatStopCancelsTimers(t *testing.T) {
	rec := newHBRecorder()
	hb := newHeartbeat(time.Hour, 20*time.Millisecond, rec.send, rec.onDead)

	hb.tick()
	hb.stopMonitor()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, rec.deathCount())

	// Ticks after stop do nothing.
	hb.tick()
	assert.Equal(t, 0, rec.deathCount())

	// Stop is idempotent.
	hb.stopMonitor()
}

func TestHeartbeatLoop(t *testing.T) {
	rec := newHBRecorder()
	hb := newHeartbeat(10*time.Millisecond, time.Hour, rec.send, rec.onDead)

	hb.start()
	defer hb.stopMonitor()

	for i := 0; i < 3; i++ {
		select {
		case <-rec.sendCh:
			hb.replyReceived()
		case <-time.After(time.Second):
			t.Fatal("expected periodic probes")
		}
	}
	assert.Equal(t, 0, rec.deathCount())
}
