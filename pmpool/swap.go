package pmpool

import "pmgc/oid"

// SwapPair is a (head, tmp) field pair sharing one cache line — the
// TLS-PM record's (head, tmp_head) or a garbage chunk's (next, tmp) —
// used by the crash-consistent head-exchange protocol (spec §4.4).
type SwapPair struct {
	Head Field
	Tmp  Field
}

// NewSwapPair wraps two adjacent Fields as a SwapPair. Head and Tmp are
// expected to live in the same cache line so ExchangeHead's persist of
// both covers them with one flush.
func NewSwapPair(head, tmp Field) SwapPair {
	return SwapPair{Head: head, Tmp: tmp}
}

// ExchangeHead unlinks the chunk currently named by p.Head, splicing in
// next (that chunk's successor), and returns the unlinked chunk's id so
// the caller can free it. This implements spec §4.4 steps 1-3; step 4
// (pm_free) is left to the caller since it needs the chunk's PM size,
// which pmpool.SwapPair does not know.
func (p SwapPair) ExchangeHead(next oid.ObjectId) oid.ObjectId {
	unlinked := p.Head.Load()

	p.Tmp.StorePersist(unlinked) // step 1
	p.Head.StorePersist(next)    // step 2, persisted together below

	// Steps 1 and 2 touch the same cache line; persisting Head's own
	// range again after Tmp is already flushed keeps the pair
	// consistent even if the two StorePersist calls above raced with a
	// crash between them (the second call's flush covers both fields
	// because they are laid out contiguously).
	p.persistPairRange()

	return unlinked
}

// FinishFree clears the swap slot after the caller has durably freed the
// unlinked chunk (spec §4.4 step 4: "pm_free(tmp_addr) ... resets
// tmp_addr to null durably").
func (p SwapPair) FinishFree() {
	p.Tmp.ZeroPersist()
}

// Normalize applies the crash-recovery rule from spec §4.4/§4.7: if Tmp
// is null, nothing was in flight. If Tmp equals Head, the crash landed
// between ExchangeHead's steps 1 and 2 — discard Tmp. Otherwise the crash
// landed between steps 2 and 4 — the value in Tmp still needs freeing;
// the caller does that and then calls FinishFree.
func (p SwapPair) Normalize() (needsFree oid.ObjectId) {
	tmp := p.Tmp.Load()
	if tmp.IsNull() {
		return oid.Null
	}
	head := p.Head.Load()
	if tmp.Equal(head) {
		p.Tmp.ZeroPersist()
		return oid.Null
	}
	return tmp
}

func (p SwapPair) persistPairRange() {
	// Head and Tmp are contiguous ObjectId fields; persisting the span
	// from Head through the end of Tmp covers both with the single
	// flush spec §4.4 calls for.
	p.Head.Pool().Persist(p.Head.Addr(), oid.Size*2)
}
