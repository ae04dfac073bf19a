// Package gccoord implements the coordinator (spec component C7): pool
// open/recover, the per-(target-type, thread) header table, the
// epoch-advancer and reclaimer goroutines, and their idempotent
// start/stop lifecycle.
//
// Grounded on the goroutine-loop shutdown pattern in
// vmware-archive-go-redis-pmem/redis/server.go (Start spawning a Cron
// goroutine, stopped via a channel close) and the ticker-plus-WaitGroup
// worker pool in other_examples/okian-lfdb__gc.go.
package gccoord

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"pmgc/epoch"
	"pmgc/header"
	"pmgc/idalloc"
	"pmgc/oid"
	"pmgc/pmpool"
	"pmgc/target"
)

// Defaults from spec §6: "gc_interval defaults to 100000 microseconds,
// gc_thread_num defaults to 1."
const (
	DefaultGCIntervalMicros = 100000
	DefaultGCThreadNum      = 1

	// DefaultMaxThreads bounds the coordinator's dense thread-id space
	// and the epoch manager's per-thread slot array (spec §6,
	// kMaxThreadNum). Chosen generously since each slot only costs one
	// cache line (epoch.slot) plus one TLS-PM record per target.
	DefaultMaxThreads = 256

	// heartbeatGrace is how long a thread's liveness token may go
	// untouched before header.ClearGarbage treats its chain as
	// abandoned and switches from destruct to clear (spec §4.5).
	heartbeatGrace = 10 * time.Second
)

// Config holds the coordinator's runtime-configurable knobs (spec §6:
// "these are the only runtime-configurable knobs").
type Config struct {
	// PoolPath is the backing file for the PM pool.
	PoolPath string

	// PoolCapacity is the pool's byte size. Zero selects a default of
	// twice the space needed for MaxThreads+1 TLS-PM records per target
	// (the configured targets plus the default one); the second half is
	// the allowance left for garbage chunks.
	PoolCapacity int64

	// LayoutTag distinguishes incompatible pool layouts on reopen.
	LayoutTag string

	// GCIntervalMicros is the epoch-advancer tick period in
	// microseconds. Zero selects DefaultGCIntervalMicros.
	GCIntervalMicros int64

	// GCThreadNum is the number of reclaimer goroutines. Zero selects
	// DefaultGCThreadNum.
	GCThreadNum int

	// MaxThreads bounds the number of distinct live threads the
	// coordinator can track at once. Zero selects DefaultMaxThreads.
	MaxThreads int

	// Targets lists every GC target type the coordinator manages. The
	// coordinator additionally reserves one "default" target (spec §6:
	// "N+1 ObjectIds ... one per GC target type plus the default").
	Targets []target.Policy
}

func (c Config) intervalOrDefault() time.Duration {
	if c.GCIntervalMicros <= 0 {
		return DefaultGCIntervalMicros * time.Microsecond
	}
	return time.Duration(c.GCIntervalMicros) * time.Microsecond
}

func (c Config) threadNumOrDefault() int {
	if c.GCThreadNum <= 0 {
		return DefaultGCThreadNum
	}
	return c.GCThreadNum
}

func (c Config) maxThreadsOrDefault() int {
	if c.MaxThreads <= 0 {
		return DefaultMaxThreads
	}
	return c.MaxThreads
}

func (c Config) capacityOrDefault() int64 {
	if c.PoolCapacity > 0 {
		return c.PoolCapacity
	}
	perTarget := int64(header.Size) * int64(c.maxThreadsOrDefault()+1)
	minimum := perTarget * int64(len(c.Targets)+1)
	return minimum * 2
}

// targetTable is one GC target type's fixed array of per-thread headers,
// indexed directly by a heartbeat's dense thread id.
type targetTable struct {
	policy   target.Policy
	regionID oid.ObjectId
	headers  []*header.Header // len == maxThreads, indexed by idalloc dense thread id
}

// Coordinator is the top-level GC engine (spec component C7): it owns
// the pool, the shared id allocator and epoch manager, one targetTable
// per configured target, and the epoch-advancer/reclaimer goroutines.
type Coordinator struct {
	cfg    Config
	pool   *pmpool.Pool
	ids    *idalloc.Allocator
	epochs *epoch.Manager
	tables []*targetTable

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Open creates or recovers a pool at cfg.PoolPath, binds one targetTable
// per configured target type, and recovers any thread slot whose TLS-PM
// record shows a non-null head (spec §4.7). It does not start the
// background goroutines; call StartGC for that.
func Open(cfg Config) (*Coordinator, error) {
	pool, err := pmpool.Open(cfg.PoolPath, cfg.capacityOrDefault(), cfg.LayoutTag)
	if err != nil {
		return nil, errors.Wrap(err, "gccoord: open pool")
	}

	maxThreads := cfg.maxThreadsOrDefault()
	targets := append([]target.Policy{{Name: "default"}}, cfg.Targets...)
	root := pool.EnsureRoot(len(targets))

	co := &Coordinator{
		cfg:    cfg,
		pool:   pool,
		ids:    idalloc.New(maxThreads, heartbeatGrace),
		epochs: epoch.NewManager(maxThreads),
	}

	for i, policy := range targets {
		regionID := root[i]
		if regionID.IsNull() {
			id, err := pool.Zalloc(header.Size * (maxThreads + 1))
			if err != nil {
				pool.Close()
				return nil, errors.Wrapf(err, "gccoord: allocate TLS region for target %q", policy.Name)
			}
			pool.SetRootSlot(i, id)
			regionID = id
		}

		tbl := &targetTable{policy: policy, regionID: regionID, headers: make([]*header.Header, maxThreads)}
		for slot := 0; slot < maxThreads; slot++ {
			tlsID := oid.ObjectId{PoolUUIDLo: regionID.PoolUUIDLo, Offset: regionID.Offset + uint64(slot)*uint64(header.Size)}
			h := header.New(pool, tlsID, policy)
			tbl.headers[slot] = h
			if !h.HeadOID().IsNull() {
				h.Recover()
			}
		}
		co.tables = append(co.tables, tbl)
	}

	return co, nil
}

// Join hands the calling thread a fresh liveness token (spec §1's
// external id-manager collaborator). The same *idalloc.Heartbeat must be
// reused across every Coordinator call the thread makes for the epoch
// guard and every target's header to stay consistent (spec §4.5, §6).
func (co *Coordinator) Join() (*idalloc.Heartbeat, error) {
	return co.ids.Acquire()
}

// EnterGuard pins hb's thread to the current global epoch (spec §6,
// epoch_guard()). The caller must call Exit on the returned guard,
// typically via defer, before its next blocking wait.
func (co *Coordinator) EnterGuard(hb *idalloc.Heartbeat) *epoch.Guard {
	return co.epochs.Enter(hb)
}

func (co *Coordinator) table(targetIndex int) *targetTable {
	return co.tables[targetIndex]
}

func (co *Coordinator) headerFor(targetIndex int, hb *idalloc.Heartbeat) *header.Header {
	tbl := co.table(targetIndex)
	return tbl.headers[hb.ThreadID()]
}

// AddGarbage enqueues cell for reclamation under the named target once
// the global epoch advances past the current one (spec §6,
// add_garbage<T>(cell)).
func (co *Coordinator) AddGarbage(targetIndex int, hb *idalloc.Heartbeat, cell pmpool.Field) error {
	return co.headerFor(targetIndex, hb).AddGarbage(hb, co.epochs.Global(), cell)
}

// TryReuse pops a destructed slot for the calling thread's own chain
// under the named target (spec §6, try_reuse<T>(out)).
func (co *Coordinator) TryReuse(targetIndex int, hb *idalloc.Heartbeat, out pmpool.Field) (bool, error) {
	return co.headerFor(targetIndex, hb).TryReuse(hb, out)
}

// TmpField returns the calling thread's i-th scratch slot under the
// named target (spec §6, tmp_field<T>(i)).
func (co *Coordinator) TmpField(targetIndex int, hb *idalloc.Heartbeat, i int) (pmpool.Field, error) {
	return co.headerFor(targetIndex, hb).TmpField(hb, i)
}

// UnreleasedFields returns every non-null scratch-slot field across all
// thread slots of the named target (spec §6, unreleased_fields<T>()):
// the bulk query the external interface promises, built by aggregating
// header.Header.VisitUnreleased over the target's whole header table.
func (co *Coordinator) UnreleasedFields(targetIndex int) []pmpool.Field {
	var out []pmpool.Field
	for _, h := range co.table(targetIndex).headers {
		h.VisitUnreleased(func(f pmpool.Field) {
			out = append(out, f)
		})
	}
	return out
}

// StartGC launches the epoch-advancer and gc_thread_num reclaimer
// goroutines if they are not already running. Returns whether it
// actually started them (spec §6: "idempotent start/stop").
func (co *Coordinator) StartGC() bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.running {
		return false
	}
	co.running = true
	co.stopCh = make(chan struct{})

	interval := co.cfg.intervalOrDefault()
	threadNum := co.cfg.threadNumOrDefault()

	co.wg.Add(1)
	go co.advanceEpochLoop(interval, co.stopCh)

	for i := 0; i < threadNum; i++ {
		co.wg.Add(1)
		go co.reclaimLoop(interval, co.stopCh)
	}

	return true
}

// StopGC signals the background goroutines to exit and waits for them.
// Returns whether it actually stopped a running coordinator.
func (co *Coordinator) StopGC() bool {
	co.mu.Lock()
	if !co.running {
		co.mu.Unlock()
		return false
	}
	co.running = false
	close(co.stopCh)
	co.mu.Unlock()

	co.wg.Wait()
	return true
}

func (co *Coordinator) advanceEpochLoop(interval time.Duration, stop <-chan struct{}) {
	defer co.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			co.epochs.Advance()
		}
	}
}

func (co *Coordinator) reclaimLoop(interval time.Duration, stop <-chan struct{}) {
	defer co.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			co.reclaimOnce()
		}
	}
}

func (co *Coordinator) reclaimOnce() {
	protected := co.epochs.MinEpoch()
	for _, tbl := range co.tables {
		for _, h := range tbl.headers {
			h.ClearGarbage(protected)
		}
	}
}

// Shutdown stops the background goroutines (if running), forcibly
// drains every header's chain regardless of policy or liveness (spec
// §4.6, coordinator destruction), then closes the pool.
func (co *Coordinator) Shutdown() error {
	co.StopGC()
	for _, tbl := range co.tables {
		for _, h := range tbl.headers {
			h.Shutdown()
		}
	}
	if err := co.pool.Close(); err != nil {
		return errors.Wrap(err, "gccoord: close pool")
	}
	return nil
}

// Recovered reports whether Open recovered an existing pool rather than
// creating a fresh one.
func (co *Coordinator) Recovered() bool {
	return co.pool.Recovered()
}

// TargetIndexByName returns the configured index of the named target,
// or -1 if none matches. Index 0 is always the reserved "default"
// target.
func (co *Coordinator) TargetIndexByName(name string) int {
	for i, tbl := range co.tables {
		if tbl.policy.Name == name {
			return i
		}
	}
	return -1
}

// Stats aggregates per-target, per-thread header snapshots (spec §13,
// supplemented introspection feature) for diagnostics and gcmetrics.
type Stats struct {
	Target string
	Thread int
	header.Stats
}

// Stats returns a snapshot of every header, across every target, that is
// bound to a live thread or still holds a non-null persistent head.
func (co *Coordinator) Stats() []Stats {
	var out []Stats
	for _, tbl := range co.tables {
		for slot, h := range tbl.headers {
			s := h.Stats()
			if !s.Bound && s.Head.IsNull() {
				continue
			}
			out = append(out, Stats{Target: tbl.policy.Name, Thread: slot, Stats: s})
		}
	}
	return out
}

// GlobalEpoch exposes the coordinator's current global epoch, used by
// gcmetrics and tests.
func (co *Coordinator) GlobalEpoch() uint64 {
	return co.epochs.Global()
}
