// Package epoch implements the epoch protocol (spec component C6): a
// global epoch counter, a dense array of per-thread local epochs, the
// min_epoch computation, and the scoped Guard that ties a thread's local
// epoch to the current global one for the duration of a critical section.
//
// Grounded on the RCU-style reader epoch used across the pack:
// UmarFarooq-MP-Loki/rcu (EnterRead/ExitRead/MinReaderEpoch over
// atomic.Uint64), the cache-line-padded slot array in
// other_examples/jayloop-radix__epoch.go, and the idle-sentinel
// convention ("max uint64 == not reading") from
// UmarFarooq-MP-Loki/memory/epoch.go and snapshotter/epoch.go.
package epoch

import (
	"sync/atomic"

	"pmgc/idalloc"
)

// idle is the local-epoch value a thread parks at when it holds no guard.
// Any real global epoch value is smaller, so idle slots never constrain
// min_epoch (spec glossary: "Protected epoch").
const idle = ^uint64(0)

// slot is cache-line padded so that concurrent Enter/Exit calls from
// different threads don't false-share a line, mirroring
// other_examples/jayloop-radix__epoch.go's reserveSlot.
type slot struct {
	local atomic.Uint64
	_     [7]uint64 // pad to 64 bytes alongside the uint64 above
}

// Manager owns the global epoch counter and the dense per-thread local
// epoch array (spec §5: "a dense array indexed by thread id").
type Manager struct {
	global atomic.Uint64
	slots  []slot
}

// NewManager creates a manager sized for up to maxThread concurrent
// threads, matching the coordinator's kMaxThreadNum (spec §6).
func NewManager(maxThread int) *Manager {
	m := &Manager{slots: make([]slot, maxThread)}
	for i := range m.slots {
		m.slots[i].local.Store(idle)
	}
	return m
}

// Advance increments the global epoch and returns the new value. Called
// once per tick by the coordinator's epoch-advancer thread (spec §4.6).
func (m *Manager) Advance() uint64 {
	return m.global.Add(1)
}

// Global returns the current global epoch without advancing it.
func (m *Manager) Global() uint64 {
	return m.global.Load()
}

// MinEpoch returns the minimum local epoch across all pinned threads, or
// the current global epoch if no thread is pinned — the "protected epoch"
// below which reclamation is safe (spec glossary).
func (m *Manager) MinEpoch() uint64 {
	min := idle
	for i := range m.slots {
		v := m.slots[i].local.Load()
		if v < min {
			min = v
		}
	}
	if min == idle {
		return m.global.Load()
	}
	return min
}

// Guard is a scoped RAII-style pin: Enter on construction, Exit
// guaranteed on every exit path via the caller's defer (spec §6:
// "epoch_guard() ... Scoped acquisition with guaranteed release on every
// exit path").
type Guard struct {
	m        *Manager
	threadID int
	epoch    uint64
}

// Enter pins hb's thread to the current global epoch and returns a Guard
// that must be closed (typically via defer g.Exit()).
func (m *Manager) Enter(hb *idalloc.Heartbeat) *Guard {
	id := hb.ThreadID()
	e := m.global.Load()
	m.slots[id].local.Store(e)
	return &Guard{m: m, threadID: id, epoch: e}
}

// Exit unpins the guard's thread. Idempotent: calling it more than once
// is safe, matching the teacher's unconditional-unlock-in-defer style
// (e.g. redis/dictionary.go's lock/unlock pairing).
func (g *Guard) Exit() {
	if g == nil {
		return
	}
	g.m.slots[g.threadID].local.Store(idle)
}

// Epoch returns the global epoch value this guard pinned to on Enter.
func (g *Guard) Epoch() uint64 {
	return g.epoch
}
