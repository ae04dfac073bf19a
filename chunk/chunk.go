// Package chunk implements the two-tier garbage chunk (spec components
// C3, the PM-resident slot array, and C4, its volatile DRAM companion),
// including the producer, reuse-pop and reclaimer operations that walk
// and unlink a header's chunk chain.
//
// Grounded on the lock-free freelist chunking in
// UmarFarooq-MP-Loki/memory (monotonic cursor pattern) and the
// tagged-successor state machine in other_examples/jayloop-radix, with
// the PM slot layout following the fixed-capacity record style of
// vmware-archive-go-redis-pmem/dictionary.go.
package chunk

import (
	"sync/atomic"
	"unsafe"

	"pmgc/oid"
	"pmgc/pmpool"
	"pmgc/target"
)

// pmHeader is the fixed-size prefix of a garbage chunk's PM layout (spec
// §3, "Garbage chunk (PM)"). Dram is a placeholder: the field exists so
// the layout keeps the byte shape the spec describes, but it is never
// read back — DRAM companions are always reconstructed on bind, never
// recovered from PM (spec §9, "Cyclic back-reference").
type pmHeader struct {
	Dram uint64
	Next oid.ObjectId
	Tmp  oid.ObjectId
}

var pmHeaderSize = int(unsafe.Sizeof(pmHeader{}))

// Size returns the PM allocation size of a chunk with the given slot
// capacity, matching spec §6's "total size ... a multiple of 64 bytes"
// once the allocator's own alignment is applied.
func Size(capacity int) int {
	return pmHeaderSize + capacity*oid.Size
}

// PM is a live handle onto one garbage chunk's persistent layout: the
// fixed header plus the flexible slots[capacity] tail.
type PM struct {
	pool     *pmpool.Pool
	id       oid.ObjectId
	hdr      *pmHeader
	capacity int
}

// NewPM allocates and zeroes a fresh chunk of the given capacity.
func NewPM(pool *pmpool.Pool, capacity int) (PM, error) {
	id, err := pool.Zalloc(Size(capacity))
	if err != nil {
		return PM{}, err
	}
	return OpenPM(pool, id, capacity), nil
}

// OpenPM binds a PM handle onto an existing chunk allocation, used when
// walking a chain (recovery or reclamation).
func OpenPM(pool *pmpool.Pool, id oid.ObjectId, capacity int) PM {
	return PM{pool: pool, id: id, hdr: pmpool.Deref[pmHeader](pool, id), capacity: capacity}
}

func (p PM) ID() oid.ObjectId { return p.id }

func (p PM) nextField() pmpool.Field {
	return pmpool.FieldAt(p.pool, unsafe.Pointer(&p.hdr.Next))
}

func (p PM) tmpField() pmpool.Field {
	return pmpool.FieldAt(p.pool, unsafe.Pointer(&p.hdr.Tmp))
}

// swap exposes this chunk's own (next, tmp) pair as a SwapPair. Once
// Destruct retains this chunk instead of unlinking it, this pair
// becomes the walk's exchange frontier for every later unlink, in
// place of the owning TLS-PM record's (head, tmp_head) pair.
func (p PM) swap() pmpool.SwapPair {
	return pmpool.NewSwapPair(p.nextField(), p.tmpField())
}

// Next reads the chunk's successor id.
func (p PM) Next() oid.ObjectId { return p.nextField().Load() }

// LinkNextPersist durably splices in the chunk's first successor (spec
// §4.1, "durably link it into T.pm.next").
func (p PM) LinkNextPersist(next oid.ObjectId) { p.nextField().StorePersist(next) }

func (p PM) slotAddr(i int) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(p.hdr)) + uintptr(pmHeaderSize) + uintptr(i)*uintptr(oid.Size))
}

func (p PM) slotField(i int) pmpool.Field {
	return pmpool.FieldAt(p.pool, p.slotAddr(i))
}

func (p PM) SlotLoad(i int) oid.ObjectId          { return p.slotField(i).Load() }
func (p PM) SlotStorePersist(i int, id oid.ObjectId) { p.slotField(i).StorePersist(id) }
func (p PM) SlotZeroPersist(i int)                { p.slotField(i).ZeroPersist() }

// nextState is the DRAM next_ptr's (successor, USED) pair from spec
// §4.8. Modeled as a whole-value CAS over an immutable struct rather
// than a tagged pointer, since Go's GC forbids stashing bits inside a
// live pointer.
type nextState struct {
	chunk *DRAM
	used  bool
}

// DRAM is the volatile companion to a PM chunk (spec §3, "Garbage chunk
// (DRAM)"): the three monotonic cursors, per-slot epoch tags, and the
// tagged successor pointer.
type DRAM struct {
	pm       PM
	begin    atomic.Uint32
	mid      atomic.Uint32
	end      atomic.Uint32
	epoch    []uint64
	next     atomic.Pointer[nextState]
	capacity int
}

// NewDRAM constructs the volatile companion for a freshly bound PM
// chunk with all cursors at zero.
func NewDRAM(pm PM) *DRAM {
	d := &DRAM{pm: pm, epoch: make([]uint64, pm.capacity), capacity: pm.capacity}
	d.next.Store(&nextState{})
	return d
}

func bindDRAM(pool *pmpool.Pool, id oid.ObjectId, capacity int) *DRAM {
	return NewDRAM(OpenPM(pool, id, capacity))
}

// Bind constructs a live DRAM companion for the chunk named by id. Used
// by header when it first walks into a chunk after a restart (spec §9).
func Bind(pool *pmpool.Pool, id oid.ObjectId, capacity int) *DRAM {
	if id.IsNull() {
		return nil
	}
	return bindDRAM(pool, id, capacity)
}

// NewChunk allocates a fresh chunk and its DRAM companion together
// (spec §4.5, initial chunk of a newly bound header).
func NewChunk(pool *pmpool.Pool, capacity int) (*DRAM, error) {
	pm, err := NewPM(pool, capacity)
	if err != nil {
		return nil, err
	}
	return NewDRAM(pm), nil
}

func (d *DRAM) PM() PM          { return d.pm }
func (d *DRAM) Capacity() int   { return d.capacity }
func (d *DRAM) Begin() uint32   { return d.begin.Load() }
func (d *DRAM) Mid() uint32     { return d.mid.Load() }
func (d *DRAM) End() uint32     { return d.end.Load() }

// Successor returns this chunk's successor DRAM companion, constructing
// and caching it on first walk (spec §9). Returns nil at the end of the
// chain. Used by header to find the true tail of a chain it has just
// bound to after a restart.
func (d *DRAM) Successor(pool *pmpool.Pool) *DRAM {
	return d.nextChunk(pool, d.capacity)
}

// nextChunk returns this chunk's successor DRAM companion, constructing
// and caching it in d.next on first walk (spec §9). Returns nil at the
// end of the chain.
func (d *DRAM) nextChunk(pool *pmpool.Pool, capacity int) *DRAM {
	for {
		cur := d.next.Load()
		if cur == nil {
			cur = &nextState{}
		}
		if cur.chunk != nil {
			return cur.chunk
		}
		nextOID := d.pm.Next()
		if nextOID.IsNull() {
			return nil
		}
		fresh := bindDRAM(pool, nextOID, capacity)
		if d.next.CompareAndSwap(cur, &nextState{chunk: fresh, used: cur.used}) {
			return fresh
		}
	}
}

// Append implements spec §4.1: consumes cell's id into the tail chunk's
// next free slot, growing the chain if the chunk is now full. Returns
// the (possibly new) tail chunk the caller's header should remember.
func Append(pool *pmpool.Pool, tail *DRAM, epoch uint64, cell pmpool.Field) (*DRAM, error) {
	i := int(tail.end.Load())
	id := cell.Load()

	tail.epoch[i] = epoch
	tail.pm.SlotStorePersist(i, id)
	cell.ZeroPersist()

	newTail := tail
	if i == tail.capacity-1 {
		newPM, err := NewPM(pool, tail.capacity)
		if err != nil {
			return tail, err
		}
		tail.pm.LinkNextPersist(newPM.ID())
		newTail = NewDRAM(newPM)
		tail.next.Store(&nextState{chunk: newTail})
	}

	tail.end.Store(uint32(i + 1))
	return newTail, nil
}

// TryReuse implements spec §4.2. Only the owning (producer) thread may
// call this. Returns the (possibly new) reuse-head chunk the caller's
// header should remember, and whether a slot was reused.
func TryReuse(pool *pmpool.Pool, head *DRAM, out pmpool.Field) (*DRAM, bool) {
	pos := int(head.begin.Load())
	mid := int(head.mid.Load())
	if pos == mid {
		return head, false
	}

	id := head.pm.SlotLoad(pos)
	out.StorePersist(id)
	head.pm.SlotZeroPersist(pos)

	newHead := head
	if pos == head.capacity-1 {
		for {
			cur := head.next.Load()
			if cur == nil {
				cur = &nextState{}
			}
			if cur.chunk == nil {
				break
			}
			if cur.used {
				newHead = cur.chunk
				break
			}
			if head.next.CompareAndSwap(cur, &nextState{chunk: cur.chunk, used: true}) {
				newHead = cur.chunk
				break
			}
		}
	}

	head.begin.Store(uint32(pos + 1))
	return newHead, true
}

func slotPtr(pool *pmpool.Pool, id oid.ObjectId) unsafe.Pointer {
	if id.IsNull() {
		return nil
	}
	return unsafe.Pointer(pmpool.Deref[byte](pool, id))
}

func releaseSlot(pool *pmpool.Pool, cur *DRAM, i int, destroy target.Destroy, needDestroy bool, valueSize int) {
	id := cur.pm.SlotLoad(i)
	if id.IsNull() {
		return
	}
	if needDestroy && destroy != nil {
		destroy(slotPtr(pool, id))
	}
	pool.Free(id, valueSize)
	cur.pm.SlotZeroPersist(i)
}

// destructAdvance advances mid over slots old enough to reclaim,
// invoking destroy but never freeing (the slot is retained for reuse).
// Returns whether the chunk should be left alone this pass.
func destructAdvance(pool *pmpool.Pool, cur *DRAM, protectedEpoch uint64, destroy target.Destroy) (stop bool) {
	end := int(cur.end.Load())
	mid := int(cur.mid.Load())
	for mid < end && cur.epoch[mid] < protectedEpoch {
		if destroy != nil {
			destroy(slotPtr(pool, cur.pm.SlotLoad(mid)))
		}
		mid++
	}
	cur.mid.Store(uint32(mid))
	return mid != cur.capacity
}

// Destruct implements the reuse_pages=true reclamation walk (spec
// §4.3). swap addresses the owning TLS-PM record's (head, tmp_head)
// pair — the field that currently names the chunk this walk is
// examining. As the walk retains chunks instead of unlinking them, the
// exchange frontier moves forward onto each retained chunk's own
// (next, tmp) pair (mirroring the original's reassignment of
// `list_oid`/`tmp_oid` to `&pmem->next`/`&pmem->tmp` at the bottom of
// every non-unlinking loop iteration), so every later unlink — whether
// it drops the walk's current chunk outright or bypasses one via a
// candidate — durably splices the chunk that actually still points at
// it, not the record's original head field. Returns the (possibly
// updated) head chunk the caller's header should remember.
func Destruct(pool *pmpool.Pool, swap pmpool.SwapPair, head *DRAM, capacity int, policy target.Policy, protectedEpoch uint64) *DRAM {
	var candidate *DRAM
	frontier := swap
	cur := head
	newHead := head

	for cur != nil {
		if stop := destructAdvance(pool, cur, protectedEpoch, policy.Destroy); stop {
			return newHead
		}

		begin := int(cur.begin.Load())
		nextOID := cur.pm.Next()

		if begin == capacity {
			nxt := cur.nextChunk(pool, capacity)
			frontier.ExchangeHead(nextOID)
			pool.Free(cur.pm.ID(), Size(capacity))
			frontier.FinishFree()
			if cur == newHead {
				newHead = nxt
			}
			candidate = nil
			cur = nxt
			continue
		}

		if candidate != nil && candidate.begin.Load() == 0 {
			if ns := candidate.next.Load(); ns != nil && !ns.used {
				nxt := cur.nextChunk(pool, capacity)
				if candidate.next.CompareAndSwap(ns, &nextState{chunk: nxt, used: false}) {
					for i := begin; i < capacity; i++ {
						releaseSlot(pool, cur, i, nil, false, policy.ValueSize)
					}
					frontier.ExchangeHead(nextOID)
					pool.Free(cur.pm.ID(), Size(capacity))
					frontier.FinishFree()
					cur = nxt
					continue
				}
			}
		}

		candidate = cur
		frontier = cur.pm.swap()
		cur = cur.nextChunk(pool, capacity)
	}

	return newHead
}

// Clear implements the reuse_pages=false reclamation walk, also used to
// drain a chain whose owning thread has exited (spec §4.3). Returns the
// (possibly updated) head chunk, or nil once the chain is fully freed.
func Clear(pool *pmpool.Pool, swap pmpool.SwapPair, head *DRAM, capacity int, policy target.Policy, protectedEpoch uint64) *DRAM {
	cur := head
	for cur != nil {
		begin := int(cur.begin.Load())
		mid := int(cur.mid.Load())
		for i := begin; i < mid; i++ {
			releaseSlot(pool, cur, i, nil, false, policy.ValueSize)
		}

		end := int(cur.end.Load())
		for mid < end && cur.epoch[mid] < protectedEpoch {
			releaseSlot(pool, cur, mid, policy.Destroy, true, policy.ValueSize)
			mid++
		}
		cur.mid.Store(uint32(mid))
		cur.begin.Store(uint32(mid))

		if mid != capacity {
			return cur
		}

		next := cur.pm.Next()
		nxt := cur.nextChunk(pool, capacity)
		swap.ExchangeHead(next)
		pool.Free(cur.pm.ID(), Size(capacity))
		swap.FinishFree()
		cur = nxt
	}
	return nil
}

// ReleaseAll implements spec §4.7 (release_all_garbages): the
// once-per-restart recovery walk over a TLS-PM record whose head is
// non-null. swap addresses the record's (head, tmp_head) pair.
// isLiveScratch reports whether an id is still held in the owning
// thread's scratch bank; a slot holding such an id is left untouched
// (the aliasing check that prevents double-freeing an id a crash left
// in both places).
func ReleaseAll(pool *pmpool.Pool, swap pmpool.SwapPair, capacity, valueSize int, isLiveScratch func(oid.ObjectId) bool) {
	if stale := swap.Normalize(); !stale.IsNull() {
		pool.Free(stale, Size(capacity))
		swap.FinishFree()
	}

	for {
		headOID := swap.Head.Load()
		if headOID.IsNull() {
			return
		}
		pm := OpenPM(pool, headOID, capacity)

		if stale := pm.swap().Normalize(); !stale.IsNull() {
			pool.Free(stale, Size(capacity))
			pm.swap().FinishFree()
		}

		for i := 0; i < capacity; i++ {
			id := pm.SlotLoad(i)
			if id.IsNull() {
				continue
			}
			if !isLiveScratch(id) {
				pool.Free(id, valueSize)
				pm.SlotZeroPersist(i)
			}
		}

		next := pm.Next()
		swap.ExchangeHead(next)
		pool.Free(headOID, Size(capacity))
		swap.FinishFree()
	}
}
