// Package header implements the thread-local PM fields record (spec
// component C2) and the per-(target-type, thread) list header (C5): it
// binds a thread's liveness token to its persistent chunk chain,
// serializes reclamation against rebinding, and dispatches reclamation
// to the chunk package's destruct or clear walk depending on target
// policy and thread liveness.
//
// The source's implicit thread-local header lookup becomes an explicit
// handle here: callers hold a *idalloc.Heartbeat (spec's "liveness
// token") and pass it into every call; the coordinator indexes each
// target's fixed header table directly by the heartbeat's dense thread
// id, so a header slot is claimed the moment a caller first presents a
// heartbeat for it.
//
// Grounded on the bind/rebind pattern of
// vmware-archive-go-redis-pmem/dictionary.go's per-shard state and the
// mutex-guarded lazy-init style of redis/db.go.
package header

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"

	"pmgc/chunk"
	"pmgc/idalloc"
	"pmgc/oid"
	"pmgc/pmpool"
	"pmgc/target"
)

// ScratchSlots is K from spec §3: the size of a TLS-PM record's
// in-flight-allocation scratch bank.
const ScratchSlots = 13

// TLSFields is the PM-resident thread-local record (spec §3,
// "TLS-PM record"). Layout is fixed and must not be reordered: Head and
// TmpHead sit last and adjacent, so the exchange-head protocol persists
// both with one call over their contiguous 32 bytes. Records are packed
// at a stride of Size bytes, so the pair does not always fall within a
// single 64-byte line.
type TLSFields struct {
	Scratch [ScratchSlots]oid.ObjectId
	Head    oid.ObjectId
	TmpHead oid.ObjectId
}

// Size is the PM footprint of one TLS-PM record, used by the
// coordinator to size the per-target thread-slot region.
var Size = int(unsafe.Sizeof(TLSFields{}))

// Header is one (target-type, thread-slot) pair (spec component C5).
type Header struct {
	pool     *pmpool.Pool
	policy   target.Policy
	capacity int

	tls *TLSFields

	mu sync.Mutex

	heartbeat *idalloc.Heartbeat
	tailChunk *chunk.DRAM
	headChunk *chunk.DRAM

	// reuseHead is TryReuse's own reuse cursor into the chain, tracked
	// separately from headChunk (which only the mutex-guarded reclaimer
	// path touches). Written only by the single owning thread, mirroring
	// the original's split between cli_head_ (GetPageIfPossible's cursor)
	// and gc_head_ (ClearGarbage's, re-derived fresh from PM there).
	// Sharing one field between the two would race TryReuse's unguarded
	// write against clearGarbageLocked's mutex-guarded one.
	reuseHead *chunk.DRAM
}

// New wires a header to the fixed TLS-PM record at tlsID. The record's
// storage belongs to the coordinator, which allocates one contiguous
// region of MaxThreads+1 records per target (spec §6) and hands one
// record's id to each header at construction.
func New(pool *pmpool.Pool, tlsID oid.ObjectId, policy target.Policy) *Header {
	return &Header{
		pool:     pool,
		policy:   policy,
		capacity: policy.Slots(),
		tls:      pmpool.Deref[TLSFields](pool, tlsID),
	}
}

func (h *Header) headField() pmpool.Field {
	return pmpool.FieldAt(h.pool, unsafe.Pointer(&h.tls.Head))
}

func (h *Header) tmpField() pmpool.Field {
	return pmpool.FieldAt(h.pool, unsafe.Pointer(&h.tls.TmpHead))
}

func (h *Header) swap() pmpool.SwapPair {
	return pmpool.NewSwapPair(h.headField(), h.tmpField())
}

func (h *Header) scratchField(i int) pmpool.Field {
	return pmpool.FieldAt(h.pool, unsafe.Pointer(&h.tls.Scratch[i]))
}

// HeadOID reports the TLS-PM record's current durable head, non-null
// iff this thread slot has ever published garbage (used by the
// coordinator to decide which slots need recovery at construction).
func (h *Header) HeadOID() oid.ObjectId {
	return h.headField().Load()
}

// bind implements assign_if_needed (spec §4.5) against the caller's
// heartbeat: allocates the chain's first chunk if this record has never
// been used, and reconstructs DRAM companions up to the true tail on
// this process's first touch of an existing chain (spec §9). The fast
// path (same live heartbeat as last call) never takes the header mutex.
func (h *Header) bind(hb *idalloc.Heartbeat) error {
	if h.heartbeat == hb {
		hb.Touch()
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.heartbeat = hb
	hb.Touch()

	if h.headChunk != nil {
		return nil
	}

	headField := h.headField()
	if headField.Load().IsNull() {
		head, err := chunk.NewChunk(h.pool, h.capacity)
		if err != nil {
			return errors.Wrap(err, "header: allocate initial chunk")
		}
		headField.StorePersist(head.PM().ID())
		h.headChunk = head
		h.tailChunk = head
		h.reuseHead = head
		return nil
	}

	h.headChunk = chunk.Bind(h.pool, headField.Load(), h.capacity)
	h.tailChunk = h.headChunk
	h.reuseHead = h.headChunk
	for {
		nxt := h.tailChunk.Successor(h.pool)
		if nxt == nil {
			break
		}
		h.tailChunk = nxt
	}
	return nil
}

// TmpField returns a stable address to the i-th scratch slot of this
// thread's TLS-PM record (spec §6, tmp_field<T>(i)).
func (h *Header) TmpField(hb *idalloc.Heartbeat, i int) (pmpool.Field, error) {
	if i < 0 || i >= ScratchSlots {
		return pmpool.Field{}, errors.Errorf("header: scratch index %d out of range [0,%d)", i, ScratchSlots)
	}
	if err := h.bind(hb); err != nil {
		return pmpool.Field{}, err
	}
	return h.scratchField(i), nil
}

// AddGarbage enqueues cell's id onto the tail chunk and durably nulls
// the cell (spec §6, add_garbage<T>(cell)).
func (h *Header) AddGarbage(hb *idalloc.Heartbeat, epoch uint64, cell pmpool.Field) error {
	if err := h.bind(hb); err != nil {
		return err
	}
	newTail, err := chunk.Append(h.pool, h.tailChunk, epoch, cell)
	h.tailChunk = newTail
	if err != nil {
		return errors.Wrap(err, "header: append garbage")
	}
	return nil
}

// TryReuse pops a destructed slot into out; only meaningful when the
// header's policy opted into page reuse (spec §6, try_reuse<T>(out)).
func (h *Header) TryReuse(hb *idalloc.Heartbeat, out pmpool.Field) (bool, error) {
	if !h.policy.ReusePages {
		return false, errors.New("header: try_reuse called on a target with reuse_pages=false")
	}
	if err := h.bind(hb); err != nil {
		return false, err
	}
	newHead, ok := chunk.TryReuse(h.pool, h.reuseHead, out)
	h.reuseHead = newHead
	return ok, nil
}

// VisitUnreleased calls fn for every non-null scratch slot in this
// thread's TLS-PM record (spec §6, unreleased_fields<T>()).
func (h *Header) VisitUnreleased(fn func(pmpool.Field)) {
	for i := 0; i < ScratchSlots; i++ {
		f := h.scratchField(i)
		if !f.Load().IsNull() {
			fn(f)
		}
	}
}

// ClearGarbage is the reclaimer's entry point (spec §4.5,
// clear_garbage(protected_epoch)): skips this header if another
// reclaimer already holds its mutex, dispatches to destruct or clear
// per policy and liveness, and drops the chain once fully drained.
func (h *Header) ClearGarbage(protectedEpoch uint64) {
	if !h.mu.TryLock() {
		return
	}
	defer h.mu.Unlock()
	h.clearGarbageLocked(protectedEpoch)
}

func (h *Header) clearGarbageLocked(protectedEpoch uint64) {
	if h.headChunk == nil {
		return
	}

	live := h.heartbeat != nil && !h.heartbeat.Expired()

	var newHead *chunk.DRAM
	if h.policy.ReusePages && live {
		newHead = chunk.Destruct(h.pool, h.swap(), h.headChunk, h.capacity, h.policy, protectedEpoch)
	} else {
		newHead = chunk.Clear(h.pool, h.swap(), h.headChunk, h.capacity, h.policy, protectedEpoch)
	}

	h.headChunk = newHead
	if h.headChunk == nil {
		h.tailChunk = nil
		h.reuseHead = nil
		return
	}

	empty := h.headChunk.Begin() == h.headChunk.End() && int(h.headChunk.End()) != h.capacity
	if live || !empty {
		return
	}

	// The owning thread has exited and nothing is left in the dangling
	// tail chunk: free it and drop the slot back to Unbound (spec §4.5's
	// final ClearGarbage step; original's cli_tail_/cli_head_/gc_head_
	// reset once dram->Empty() with an expired heartbeat).
	swap := h.swap()
	swap.ExchangeHead(oid.Null)
	h.pool.Free(h.headChunk.PM().ID(), chunk.Size(h.capacity))
	swap.FinishFree()
	h.headChunk = nil
	h.tailChunk = nil
	h.reuseHead = nil
}

// Shutdown forcibly drains this header's chain regardless of policy or
// liveness, then frees the head chunk once empty (spec §4.6,
// coordinator destruction).
func (h *Header) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.headChunk == nil {
		return
	}
	h.headChunk = chunk.Clear(h.pool, h.swap(), h.headChunk, h.capacity, h.policy, ^uint64(0))
	if h.headChunk != nil {
		swap := h.swap()
		swap.ExchangeHead(oid.Null)
		h.pool.Free(h.headChunk.PM().ID(), chunk.Size(h.capacity))
		swap.FinishFree()
	}
	h.headChunk = nil
	h.tailChunk = nil
	h.reuseHead = nil
}

// Recover implements release_all_garbages for this TLS-PM record (spec
// §4.7): invoked once by the coordinator at construction when the
// record's head is non-null.
func (h *Header) Recover() {
	isLive := func(id oid.ObjectId) bool {
		for i := 0; i < ScratchSlots; i++ {
			if h.tls.Scratch[i].Equal(id) {
				return true
			}
		}
		return false
	}
	chunk.ReleaseAll(h.pool, h.swap(), h.capacity, h.policy.ValueSize, isLive)
	h.headChunk = nil
	h.tailChunk = nil
	h.reuseHead = nil
}

// Stats is a snapshot of a header's binding and chain state (spec §13,
// supplemented introspection feature).
type Stats struct {
	Bound bool
	Head  oid.ObjectId
}

// Stats reports a snapshot of this header for diagnostics.
func (h *Header) Stats() Stats {
	return Stats{
		Bound: h.heartbeat != nil && !h.heartbeat.Expired(),
		Head:  h.headField().Load(),
	}
}
