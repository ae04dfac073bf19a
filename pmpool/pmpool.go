// Package pmpool is the PM allocator shim (spec component C1).
//
// It wraps pool open/create, zeroed and raw allocation, durable free,
// direct-pointer translation from an oid.ObjectId, and byte-range persist.
// Everything above this package treats PM exclusively through ObjectId;
// pmpool is the only place raw pointers into the mapping are produced.
//
// The teacher (vmware-archive-go-redis-pmem) wraps
// github.com/vmware/go-pmem-transaction, whose pnew/pmake/clflush are
// compiler builtins on a patched Go runtime and cannot be imported under a
// stock toolchain (see DESIGN.md). This package reimplements the same
// external-interface contract with an ordinary file-backed mmap and
// golang.org/x/sys/unix for persistence, following the bump-allocator
// shape of the teacher's heap/toyHeap.go and the root-header shape of
// region/region.go.
package pmpool

import (
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"pmgc/oid"
)

const (
	// poolMagic identifies a pmgc pool file on open.
	poolMagic uint64 = 0x706d676300000001

	// headerSize is the size of the fixed pool header written at offset 0.
	headerSize = 64
)

// poolHeader is the fixed-layout header stored at the start of every pool
// file. It is read back verbatim on reopen so a restart can tell a
// first-time create from a recovery open.
type poolHeader struct {
	magic    uint64
	uuidLo   uint64
	size     uint64
	rootOff  uint64 // offset of the root array, 0 until installed
	rootLen  uint64 // number of ObjectId slots in the root array
	bumpNext uint64 // next free byte offset for Zalloc/Alloc
}

// Pool is a single memory-mapped persistent memory pool. All allocation is
// a monotonic bump allocator; frees return the block to a simple free list
// keyed by size class, mirroring the absence of compaction in the teacher's
// toy heap while still letting Free reuse space during long test runs.
type Pool struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	data     []byte // mmap'd region, data[0:headerSize] is the header
	hdr      *poolHeader
	freeList map[uint64][]uint64 // size-class -> list of offsets

	recovered bool // opened against an existing, initialized pool file
}

// Open opens an existing pool file, or creates one of the given capacity if
// it does not exist. layoutTag is hashed into the pool uuid so pools created
// for incompatible layouts cannot be cross-opened.
func Open(path string, capacity int64, layoutTag string) (*Pool, error) {
	created := false
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "pmpool: create pool file")
		}
		if err := f.Truncate(capacity); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "pmpool: truncate pool file")
		}
		created = true
	} else if err != nil {
		return nil, errors.Wrap(err, "pmpool: open pool file")
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "pmpool: stat pool file")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "pmpool: mmap pool file")
	}

	p := &Pool{
		path:     path,
		file:     f,
		data:     data,
		hdr:      (*poolHeader)(unsafe.Pointer(&data[0])),
		freeList: make(map[uint64][]uint64),
	}

	if created || p.hdr.magic != poolMagic {
		p.hdr.magic = poolMagic
		p.hdr.uuidLo = fnv64(layoutTag)
		p.hdr.size = uint64(st.Size())
		p.hdr.rootOff = 0
		p.hdr.rootLen = 0
		p.hdr.bumpNext = headerSize
		p.persistHeader()
	} else if p.hdr.uuidLo != fnv64(layoutTag) {
		p.Close()
		return nil, errors.Errorf("pmpool: layout tag mismatch for pool %q", path)
	} else {
		p.recovered = true
	}

	return p, nil
}

// Recovered reports whether this pool was opened against existing state
// (as opposed to freshly created), i.e. whether recovery should run.
func (p *Pool) Recovered() bool {
	return p.recovered
}

// Close unmaps and closes the pool file.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.data != nil {
		err = unix.Munmap(p.data)
		p.data = nil
	}
	if p.file != nil {
		if cerr := p.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// UUIDLo returns the pool's identity, used as ObjectId.PoolUUIDLo.
func (p *Pool) UUIDLo() uint64 {
	return p.hdr.uuidLo
}

// EnsureRoot installs (once) a root array of n ObjectId slots and returns it
// as a live ObjectId slice view. On a recovered pool it returns the
// existing root array unchanged.
func (p *Pool) EnsureRoot(n int) []oid.ObjectId {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hdr.rootLen == 0 {
		size := n * oid.Size
		off := p.bumpAllocLocked(size)
		p.hdr.rootOff = off
		p.hdr.rootLen = uint64(n)
		p.persistHeader()
		p.zeroRange(off, size)
	}

	return p.rootSliceLocked()
}

func (p *Pool) rootSliceLocked() []oid.ObjectId {
	out := make([]oid.ObjectId, p.hdr.rootLen)
	base := p.hdr.rootOff
	for i := range out {
		out[i] = oid.FromBytes(p.data[base+uint64(i)*oid.Size : base+uint64(i+1)*oid.Size])
	}
	return out
}

// SetRootSlot durably writes value into root slot i and persists it.
func (p *Pool) SetRootSlot(i int, value oid.ObjectId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	off := p.hdr.rootOff + uint64(i)*oid.Size
	value.PutBytes(p.data[off : off+oid.Size])
	p.persistRangeLocked(off, oid.Size)
}

// RootSlot reads root slot i.
func (p *Pool) RootSlot(i int) oid.ObjectId {
	p.mu.Lock()
	defer p.mu.Unlock()
	off := p.hdr.rootOff + uint64(i)*oid.Size
	return oid.FromBytes(p.data[off : off+oid.Size])
}

// Zalloc allocates a zeroed block of size bytes and returns its ObjectId.
// Bump allocation only grows the pool; Free below returns blocks to a
// size-classed free list so long-running reclamation tests do not exhaust
// the pool.
func (p *Pool) Zalloc(size int) (oid.ObjectId, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if reused, ok := p.popFreeLocked(size); ok {
		p.zeroRange(reused, size)
		return oid.ObjectId{PoolUUIDLo: p.hdr.uuidLo, Offset: reused}, nil
	}

	off, err := p.bumpAllocLockedChecked(size)
	if err != nil {
		return oid.Null, err
	}
	p.zeroRange(off, size)
	return oid.ObjectId{PoolUUIDLo: p.hdr.uuidLo, Offset: off}, nil
}

// Free returns the allocation identified by id (of the given size) to the
// pool's size-classed free list. The free list is held in memory only and
// is not persisted. Free does not touch the field that named the
// allocation; callers clear it themselves (SwapPair.FinishFree,
// chunk slot ZeroPersist).
func (p *Pool) Free(id oid.ObjectId, size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id.IsNull() {
		return
	}
	cls := sizeClass(size)
	p.freeList[cls] = append(p.freeList[cls], id.Offset)
}

// Deref translates an ObjectId into a raw pointer within the mapping. The
// caller must know the static type T it points to; this is the one place
// pmgc lets PM data escape into a typed Go pointer.
func Deref[T any](p *Pool, id oid.ObjectId) *T {
	if id.IsNull() {
		return nil
	}
	return (*T)(unsafe.Pointer(&p.data[id.Offset]))
}

// Field is a single durable ObjectId field living somewhere inside a
// pool's mapping — a TLS-PM record's head/tmp_head/scratch slot, or a
// garbage chunk's next/tmp/slot entry. It is the common primitive chunk
// and header use to implement the persist-before-publish and
// exchange-head protocols (spec §4.1-§4.4) without needing to know each
// other's PM struct layouts.
type Field struct {
	pool *Pool
	addr unsafe.Pointer
}

// FieldAt wraps the ObjectId stored at addr (which must point inside
// p's mapping) as a Field.
func FieldAt(p *Pool, addr unsafe.Pointer) Field {
	return Field{pool: p, addr: addr}
}

// Load reads the field's current value with no ordering guarantee beyond
// what the caller's surrounding atomics provide.
func (f Field) Load() oid.ObjectId {
	return oid.FromBytes(unsafe.Slice((*byte)(f.addr), oid.Size))
}

// StorePersist writes id and persists the write before returning, giving
// the "persisted before publish" guarantee spec §3 requires of any
// durable id store.
func (f Field) StorePersist(id oid.ObjectId) {
	id.PutBytes(unsafe.Slice((*byte)(f.addr), oid.Size))
	f.pool.Persist(f.addr, oid.Size)
}

// ZeroPersist durably nulls the field.
func (f Field) ZeroPersist() {
	f.StorePersist(oid.Null)
}

// Addr exposes the raw address for callers (like the exchange-head
// protocol) that need to persist two adjacent fields with one call.
func (f Field) Addr() unsafe.Pointer {
	return f.addr
}

// Pool returns the pool this field lives in.
func (f Field) Pool() *Pool {
	return f.pool
}

// Persist flushes [ptr, ptr+size) to persistent memory. On real PM this
// would be clflush/clwb + sfence; over mmap'd storage msync is the
// equivalent durability barrier.
func (p *Pool) Persist(ptr unsafe.Pointer, size int) {
	off := uintptr(ptr) - uintptr(unsafe.Pointer(&p.data[0]))
	p.persistRangeLocked(uint64(off), size)
}

func (p *Pool) persistRangeLocked(off uint64, size int) {
	const pageSize = 4096
	start := (off / pageSize) * pageSize
	end := off + uint64(size)
	if end > uint64(len(p.data)) {
		end = uint64(len(p.data))
	}
	_ = unix.Msync(p.data[start:end], unix.MS_SYNC)
}

func (p *Pool) persistHeader() {
	p.persistRangeLocked(0, headerSize)
}

func (p *Pool) zeroRange(off uint64, size int) {
	for i := 0; i < size; i++ {
		p.data[off+uint64(i)] = 0
	}
	p.persistRangeLocked(off, size)
}

func (p *Pool) bumpAllocLocked(size int) uint64 {
	off, err := p.bumpAllocLockedChecked(size)
	if err != nil {
		panic(err)
	}
	return off
}

// alignment matches spec §6: chunk allocations should be a multiple of the
// cache line (64 bytes); we round every allocation up uniformly.
const allocAlign = 64

func (p *Pool) bumpAllocLockedChecked(size int) (uint64, error) {
	size = alignUp(size, allocAlign)
	off := p.hdr.bumpNext
	if off+uint64(size) > uint64(len(p.data)) {
		return 0, errors.Errorf("pmpool: pool exhausted (need %d, have %d free)", size, uint64(len(p.data))-off)
	}
	p.hdr.bumpNext = off + uint64(size)
	p.persistHeader()
	return off, nil
}

func (p *Pool) popFreeLocked(size int) (uint64, bool) {
	cls := sizeClass(size)
	lst := p.freeList[cls]
	if len(lst) == 0 {
		return 0, false
	}
	off := lst[len(lst)-1]
	p.freeList[cls] = lst[:len(lst)-1]
	return off, true
}

func sizeClass(size int) uint64 {
	return uint64(alignUp(size, allocAlign))
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func fnv64(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
