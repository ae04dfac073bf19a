package header

import (
	"path/filepath"
	"testing"
	"time"
	"unsafe"

	"pmgc/idalloc"
	"pmgc/oid"
	"pmgc/pmpool"
	"pmgc/target"
)

func tempPool(t *testing.T) *pmpool.Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "header.pm")
	p, err := pmpool.Open(path, 4<<20, "header-test")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func newTLSRecord(t *testing.T, pool *pmpool.Pool) oid.ObjectId {
	t.Helper()
	id, err := pool.Zalloc(Size)
	if err != nil {
		t.Fatalf("Zalloc TLS record: %v", err)
	}
	return id
}

func newHeader(t *testing.T, pool *pmpool.Pool, policy target.Policy) (*Header, *idalloc.Heartbeat) {
	t.Helper()
	ids := idalloc.New(4, time.Minute)
	hb, err := ids.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return New(pool, newTLSRecord(t, pool), policy), hb
}

func newValueCell(t *testing.T, pool *pmpool.Pool, valueSize int) (oid.ObjectId, pmpool.Field) {
	t.Helper()
	value, err := pool.Zalloc(valueSize)
	if err != nil {
		t.Fatalf("Zalloc value: %v", err)
	}
	cellID, err := pool.Zalloc(oid.Size)
	if err != nil {
		t.Fatalf("Zalloc cell: %v", err)
	}
	cell := pmpool.FieldAt(pool, unsafe.Pointer(pmpool.Deref[oid.ObjectId](pool, cellID)))
	cell.StorePersist(value)
	return value, cell
}

func TestAddGarbageBindsAndAppends(t *testing.T) {
	pool := tempPool(t)
	h, hb := newHeader(t, pool, target.Policy{ChunkSlots: 4, ValueSize: 8})

	_, cell := newValueCell(t, pool, 8)
	if err := h.AddGarbage(hb, 1, cell); err != nil {
		t.Fatalf("AddGarbage: %v", err)
	}
	if h.HeadOID().IsNull() {
		t.Fatalf("HeadOID should be non-null after first AddGarbage")
	}
	if got := cell.Load(); !got.IsNull() {
		t.Fatalf("cell should be zeroed after AddGarbage, got %v", got)
	}
}

func TestClearGarbageFreesOnceEpochAdvances(t *testing.T) {
	pool := tempPool(t)
	destroyed := 0
	policy := target.Policy{ChunkSlots: 4, ValueSize: 8, Destroy: func(unsafe.Pointer) { destroyed++ }}
	h, hb := newHeader(t, pool, policy)

	for i := 0; i < 4; i++ {
		_, cell := newValueCell(t, pool, 8)
		if err := h.AddGarbage(hb, 0, cell); err != nil {
			t.Fatalf("AddGarbage %d: %v", i, err)
		}
	}

	h.ClearGarbage(1)
	if destroyed != 4 {
		t.Fatalf("destroyed = %d, want 4", destroyed)
	}
	// The fourth append linked an empty tail chunk; with the owning thread
	// still live, the head advances to that tail instead of going null.
	if got, want := h.HeadOID(), h.tailChunk.PM().ID(); !got.Equal(want) {
		t.Fatalf("head should name the empty tail after draining the full chunk, got %v want %v", got, want)
	}
}

func TestTryReuseRejectedWithoutPolicyOptIn(t *testing.T) {
	pool := tempPool(t)
	h, hb := newHeader(t, pool, target.Policy{ChunkSlots: 4, ValueSize: 8})
	_, out := newValueCell(t, pool, 8)
	if _, err := h.TryReuse(hb, out); err == nil {
		t.Fatalf("TryReuse should error when policy.ReusePages is false")
	}
}

func TestTryReuseCursorIndependentOfReclaimerHeadPointer(t *testing.T) {
	pool := tempPool(t)
	policy := target.Policy{ReusePages: true, ChunkSlots: 4, ValueSize: 8}
	h, hb := newHeader(t, pool, policy)

	for i := 0; i < 4; i++ {
		_, cell := newValueCell(t, pool, 8)
		if err := h.AddGarbage(hb, 0, cell); err != nil {
			t.Fatalf("AddGarbage %d: %v", i, err)
		}
	}
	originalHead := h.headChunk

	// Destructs all four slots in place; begin stays 0 (nothing reused
	// yet), so the reclaimer retains the head chunk rather than unlinking
	// it — headChunk must be untouched by this call either way.
	h.ClearGarbage(1)
	if h.headChunk != originalHead {
		t.Fatalf("ClearGarbage should not move headChunk while begin==0")
	}

	for i := 0; i < 4; i++ {
		_, out := newValueCell(t, pool, 8)
		ok, err := h.TryReuse(hb, out)
		if err != nil {
			t.Fatalf("TryReuse %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("TryReuse %d: expected a destructed slot", i)
		}
	}

	if h.headChunk != originalHead {
		t.Fatalf("TryReuse must never touch headChunk, only its own reuseHead cursor")
	}
	if h.reuseHead == originalHead {
		t.Fatalf("reuseHead should have advanced past the fully drained chunk")
	}

	_, out := newValueCell(t, pool, 8)
	if ok, _ := h.TryReuse(hb, out); ok {
		t.Fatalf("TryReuse should be exhausted after draining the only destructed chunk")
	}
}

func TestVisitUnreleasedFindsOnlyNonNullScratchSlots(t *testing.T) {
	pool := tempPool(t)
	h, hb := newHeader(t, pool, target.Policy{ChunkSlots: 4, ValueSize: 8})

	value, err := pool.Zalloc(8)
	if err != nil {
		t.Fatalf("Zalloc: %v", err)
	}
	scratch, err := h.TmpField(hb, 3)
	if err != nil {
		t.Fatalf("TmpField: %v", err)
	}
	scratch.StorePersist(value)

	var found []oid.ObjectId
	h.VisitUnreleased(func(f pmpool.Field) { found = append(found, f.Load()) })

	if len(found) != 1 || !found[0].Equal(value) {
		t.Fatalf("VisitUnreleased = %v, want exactly [%v]", found, value)
	}
}

func TestClearGarbageSkipsWhenAlreadyLocked(t *testing.T) {
	pool := tempPool(t)
	h, hb := newHeader(t, pool, target.Policy{ChunkSlots: 4, ValueSize: 8})
	_, cell := newValueCell(t, pool, 8)
	if err := h.AddGarbage(hb, 0, cell); err != nil {
		t.Fatalf("AddGarbage: %v", err)
	}

	h.mu.Lock()
	h.ClearGarbage(1) // must return immediately, not deadlock
	h.mu.Unlock()

	if h.HeadOID().IsNull() {
		t.Fatalf("head should be untouched while ClearGarbage was skipped")
	}
}

func TestClearGarbageUnbindsHeaderOnceThreadExitsAndChainEmpty(t *testing.T) {
	pool := tempPool(t)
	destroyed := 0
	policy := target.Policy{ChunkSlots: 4, ValueSize: 8, Destroy: func(unsafe.Pointer) { destroyed++ }}
	h, hb := newHeader(t, pool, policy)

	_, cell := newValueCell(t, pool, 8)
	if err := h.AddGarbage(hb, 0, cell); err != nil {
		t.Fatalf("AddGarbage: %v", err)
	}
	hb.Release()

	h.ClearGarbage(1)

	if destroyed != 1 {
		t.Fatalf("destroyed = %d, want 1", destroyed)
	}
	if got := h.HeadOID(); !got.IsNull() {
		t.Fatalf("HeadOID should be null once the dangling empty chunk is freed, got %v", got)
	}
	if h.headChunk != nil || h.tailChunk != nil {
		t.Fatalf("headChunk/tailChunk should be nil, header should have returned to Unbound")
	}
}

func TestRecoverDrainsChainAndSparesAliasedScratch(t *testing.T) {
	pool := tempPool(t)
	policy := target.Policy{ChunkSlots: 4, ValueSize: 8}
	tlsID := newTLSRecord(t, pool)
	ids := idalloc.New(4, time.Minute)
	hb, err := ids.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h := New(pool, tlsID, policy)

	value, cell := newValueCell(t, pool, 8)
	if err := h.AddGarbage(hb, 0, cell); err != nil {
		t.Fatalf("AddGarbage: %v", err)
	}

	// Simulate a crash between the slot persist and the cell zero of
	// Append (spec scenario 6): re-write the same id into the scratch
	// cell as if the zero never happened.
	scratch, err := h.TmpField(hb, 0)
	if err != nil {
		t.Fatalf("TmpField: %v", err)
	}
	scratch.StorePersist(value)

	fresh := New(pool, tlsID, policy)
	fresh.Recover()

	if got := fresh.HeadOID(); !got.IsNull() {
		t.Fatalf("head should be null after Recover drains the sole chunk, got %v", got)
	}
	if got := scratch.Load(); !got.Equal(value) {
		t.Fatalf("scratch slot should be untouched by Recover, got %v want %v", got, value)
	}
}
