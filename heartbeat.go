package main

import (
	"sync/atomic"
	"time"
)

// LivenessState is the per-connection heartbeat state. Evicted is terminal.
type LivenessState int32

const (
	Alive LivenessState = iota
	Evicted
)

func (s LivenessState) String() string {
	switch s {
	case Alive:
		return "alive"
	case Evicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Heartbeat tracks when a connection last proved it was responsive.
// It is safe for concurrent use: the read pump touches it while the hub's
// liveness check reads it.
type Heartbeat struct {
	lastSeen atomic.Int64 // unix nanos
	state    atomic.Int32
}

func NewHeartbeat(now time.Time) *Heartbeat {
	hb := &Heartbeat{}
	hb.lastSeen.Store(now.UnixNano())
	return hb
}

// Touch refreshes the last-seen time. A touch after eviction is ignored.
func (hb *Heartbeat) Touch(now time.Time) {
	if hb.State() == Evicted {
		return
	}
	hb.lastSeen.Store(now.UnixNano())
}

func (hb *Heartbeat) LastSeen() time.Time {
	return time.Unix(0, hb.lastSeen.Load())
}

func (hb *Heartbeat) State() LivenessState {
	return LivenessState(hb.state.Load())
}

// Expired reports whether more than timeout has passed since the last touch.
func (hb *Heartbeat) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(hb.LastSeen()) > timeout
}

// Evict moves the heartbeat to Evicted and reports whether this call made
// the transition.
func (hb *Heartbeat) Evict() bool {
	return hb.state.CompareAndSwap(int32(Alive), int32(Evicted))
}
