package epoch

import (
	"testing"
	"time"

	"pmgc/idalloc"
)

func newHeartbeat(t *testing.T, a *idalloc.Allocator) *idalloc.Heartbeat {
	hb, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return hb
}

func TestMinEpochWithNoGuardsIsGlobal(t *testing.T) {
	m := NewManager(4)
	m.Advance()
	m.Advance()
	if got, want := m.MinEpoch(), m.Global(); got != want {
		t.Fatalf("MinEpoch() = %d, want %d (global, no guards held)", got, want)
	}
}

func TestGuardPinsMinEpoch(t *testing.T) {
	a := idalloc.New(4, time.Minute)
	m := NewManager(4)
	hb := newHeartbeat(t, a)

	m.Advance() // global = 1
	g := m.Enter(hb)
	m.Advance() // global = 2, but g pinned at 1

	if got := m.MinEpoch(); got != 1 {
		t.Fatalf("MinEpoch() = %d, want 1 while guard held", got)
	}

	g.Exit()
	if got := m.MinEpoch(); got != m.Global() {
		t.Fatalf("MinEpoch() = %d, want global %d after Exit", got, m.Global())
	}
}

func TestMultipleGuardsMinIsSmallest(t *testing.T) {
	a := idalloc.New(4, time.Minute)
	m := NewManager(4)
	hb1 := newHeartbeat(t, a)
	hb2 := newHeartbeat(t, a)

	m.Advance() // 1
	g1 := m.Enter(hb1)
	m.Advance() // 2
	g2 := m.Enter(hb2)
	m.Advance() // 3

	if got := m.MinEpoch(); got != 1 {
		t.Fatalf("MinEpoch() = %d, want 1 (oldest guard)", got)
	}
	g1.Exit()
	if got := m.MinEpoch(); got != 2 {
		t.Fatalf("MinEpoch() = %d, want 2 after oldest guard exits", got)
	}
	g2.Exit()
}

func TestExitIsIdempotent(t *testing.T) {
	a := idalloc.New(1, time.Minute)
	m := NewManager(1)
	hb := newHeartbeat(t, a)
	g := m.Enter(hb)
	g.Exit()
	g.Exit() // must not panic
}
