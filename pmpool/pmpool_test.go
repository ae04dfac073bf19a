package pmpool

import (
	"path/filepath"
	"testing"

	"pmgc/oid"
)

func tempPool(t *testing.T) *Pool {
	path := filepath.Join(t.TempDir(), "pool.pm")
	p, err := Open(path, 16*1024*1024, "pmgc-test")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestOpenCreatesFreshPool(t *testing.T) {
	p := tempPool(t)
	if p.Recovered() {
		t.Fatal("freshly created pool reported as recovered")
	}
}

func TestZallocIsZeroed(t *testing.T) {
	p := tempPool(t)
	id, err := p.Zalloc(128)
	if err != nil {
		t.Fatalf("Zalloc: %v", err)
	}
	if id.IsNull() {
		t.Fatal("Zalloc returned null id")
	}
	ptr := Deref[[128]byte](p, id)
	for i, b := range ptr {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %d", i, b)
		}
	}
}

func TestFreeAndReuse(t *testing.T) {
	p := tempPool(t)
	id1, err := p.Zalloc(64)
	if err != nil {
		t.Fatalf("Zalloc: %v", err)
	}
	p.Free(id1, 64)

	id2, err := p.Zalloc(64)
	if err != nil {
		t.Fatalf("Zalloc: %v", err)
	}
	if id2.Offset != id1.Offset {
		t.Fatalf("expected freed block to be reused: %v vs %v", id1, id2)
	}
}

func TestRootSlotsRoundtrip(t *testing.T) {
	p := tempPool(t)
	root := p.EnsureRoot(4)
	if len(root) != 4 {
		t.Fatalf("expected 4 root slots, got %d", len(root))
	}

	want := oid.ObjectId{PoolUUIDLo: p.UUIDLo(), Offset: 4096}
	p.SetRootSlot(2, want)
	got := p.RootSlot(2)
	if !got.Equal(want) {
		t.Fatalf("RootSlot(2) = %+v, want %+v", got, want)
	}
}

func TestReopenPreservesRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.pm")
	p1, err := Open(path, 16*1024*1024, "pmgc-test")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	root := p1.EnsureRoot(2)
	p1.SetRootSlot(0, oid.ObjectId{PoolUUIDLo: p1.UUIDLo(), Offset: 8192})
	_ = root
	if err := p1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := Open(path, 16*1024*1024, "pmgc-test")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	if !p2.Recovered() {
		t.Fatal("reopened pool should report Recovered()")
	}
	got := p2.RootSlot(0)
	if got.Offset != 8192 {
		t.Fatalf("root slot 0 offset = %d, want 8192", got.Offset)
	}
}

func TestLayoutTagMismatchRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.pm")
	p1, err := Open(path, 1024*1024, "tag-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p1.Close()

	_, err = Open(path, 1024*1024, "tag-b")
	if err == nil {
		t.Fatal("expected layout tag mismatch error")
	}
}
