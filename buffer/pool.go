// Package buffer implements the buffer pool manager: the component that
// owns the fixed frame array and coordinates the free list, the page-table
// index, the replacer, and the disk manager to service page requests.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"ridgedb/hashdir"
	"ridgedb/replacer"
	"ridgedb/storage/page"
	"ridgedb/storage/storeerr"
)

// DiskManager is the BPM's only I/O dependency. Both operations are
// synchronous and presumed infallible from the BPM's perspective for reads
// and writes of pages already allocated; an error here signals a genuine
// I/O failure that the caller must handle outside the pool's invariants.
type DiskManager interface {
	ReadPage(pid page.PID, buf []byte) error
	WritePage(pid page.PID, buf []byte) error
	DeallocatePage(pid page.PID) error
	// FlushAllPages writes every page in pages, honoring whatever
	// throughput throttle the disk manager was configured with.
	FlushAllPages(ctx context.Context, pages map[page.PID][]byte) error
}

// Stats is a point-in-time snapshot of the pool's counters, surfaced for
// introspection (tests, the shell's stats command) alongside the same
// numbers driving the OpenTelemetry metrics.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
}

// Manager is the concrete BufferPoolManager: pages[0..N) frames, a free
// list, a page-table index, a replacer, and a disk manager, all guarded by
// a single mutex.
type Manager struct {
	mu sync.Mutex

	frames    []*page.Frame
	freeList  []page.FID
	pageTable *hashdir.Table[page.PID, page.FID]
	replacer  replacer.Replacer
	disk      DiskManager
	nextPID   atomic.Int64

	hits      uint64
	misses    uint64
	evictions uint64
	flushes   uint64

	log *zap.Logger

	meter           metric.Meter
	hitCounter      metric.Int64Counter
	missCounter     metric.Int64Counter
	evictionCounter metric.Int64Counter
	flushCounter    metric.Int64Counter
	opDuration      metric.Float64Histogram

	tracer trace.Tracer
}

// Option configures a Manager at construction time.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMeter wires the pool's hit/miss/eviction/flush counters and operation
// latency histogram into m. A nil meter (the default) leaves the pool
// instrumented with a no-op meter: the plain Stats() counters are always
// tracked regardless.
func WithMeter(m metric.Meter) Option {
	return func(mgr *Manager) { mgr.meter = m }
}

// WithTracer wires the pool's public operations into the given tracer, each
// wrapped in its own span. A nil tracer (the default) leaves the pool
// tracing-free, using a no-op tracer that never allocates a real span.
func WithTracer(t trace.Tracer) Option {
	return func(mgr *Manager) { mgr.tracer = t }
}

// New builds a pool of poolSize frames, backed by disk, using LRU-K with
// history depth k for eviction and bucketSize as the extendible hash
// directory's per-bucket capacity.
func New(poolSize int, k uint64, bucketSize int, disk DiskManager, opts ...Option) *Manager {
	m := &Manager{
		frames:   make([]*page.Frame, poolSize),
		freeList: make([]page.FID, poolSize),
		disk:     disk,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.meter == nil {
		m.meter = noop.NewMeterProvider().Meter("")
	}
	if m.tracer == nil {
		m.tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	m.hitCounter, _ = m.meter.Int64Counter("bpm.page.hit", metric.WithDescription("buffer pool page-table hits"))
	m.missCounter, _ = m.meter.Int64Counter("bpm.page.miss", metric.WithDescription("buffer pool page-table misses"))
	m.evictionCounter, _ = m.meter.Int64Counter("bpm.eviction", metric.WithDescription("frames reclaimed via the replacer"))
	m.flushCounter, _ = m.meter.Int64Counter("bpm.flush", metric.WithDescription("pages written back to disk"))
	m.opDuration, _ = m.meter.Float64Histogram("bpm.operation.duration",
		metric.WithDescription("buffer pool operation latency"), metric.WithUnit("s"))

	m.replacer = replacer.New(poolSize, k, m.log)
	m.pageTable = hashdir.New[page.PID, page.FID](bucketSize, hashPID, m.log)

	for i := 0; i < poolSize; i++ {
		m.frames[i] = page.NewFrame()
		m.freeList[i] = page.FID(i)
	}
	return m
}

// recordDuration records the elapsed time since start against the
// bpm.operation.duration histogram, tagged with the operation name.
func (m *Manager) recordDuration(ctx context.Context, op string, start time.Time) {
	m.opDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("op", op)))
}

// hashPID spreads a page id's bits adequately for the directory; pages are
// allocated by a monotonic counter so a straight identity pass-through is
// sufficient low-bit entropy for directory indexing at any realistic pool
// size, but we still mix the high bits down to avoid pathological runs if
// the counter ever wraps.
func hashPID(pid page.PID) uint64 {
	x := uint64(pid)
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// acquireFrame returns a frame ready for reuse: popped from the free list,
// or evicted via the replacer. If the reused frame held a dirty page, it is
// written back first. The victim's old pid (if any) is removed from the
// page table before the caller inserts the new mapping. Must be called
// with mu held.
func (m *Manager) acquireFrame(ctx context.Context) (page.FID, *page.Frame, error) {
	if n := len(m.freeList); n > 0 {
		fid := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return fid, m.frames[fid], nil
	}

	fid, ok := m.replacer.Evict()
	if !ok {
		return 0, nil, storeerr.ErrPoolExhausted
	}
	m.evictions++
	m.evictionCounter.Add(ctx, 1)

	f := m.frames[fid]
	if f.IsDirty() && f.PageID() != page.InvalidPID {
		if err := m.disk.WritePage(f.PageID(), f.Data()); err != nil {
			return 0, nil, fmt.Errorf("buffer: write back victim page %d: %w", f.PageID(), err)
		}
	}
	if f.PageID() != page.InvalidPID {
		m.pageTable.Remove(f.PageID())
	}
	f.Reset()
	return fid, f, nil
}

// NewPage allocates a fresh page backed by a frame from the free list or
// the replacer, pins it, and returns it ready for use with zeroed bytes.
func (m *Manager) NewPage(ctx context.Context) (*page.Frame, error) {
	ctx, span := m.tracer.Start(ctx, "buffer.NewPage")
	defer span.End()
	defer m.recordDuration(ctx, "new_page", time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()

	fid, f, err := m.acquireFrame(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	pid := page.PID(m.nextPID.Add(1) - 1)
	span.SetAttributes(attribute.Int64("pid", int64(pid)))

	m.pageTable.Insert(pid, fid)

	f.SetPageID(pid)
	f.Pin()
	f.SetDirty(false)

	m.replacer.RecordAccess(fid)
	m.replacer.SetEvictable(fid, false)

	m.log.Debug("buffer: new page", zap.Int64("pid", int64(pid)), zap.Int("fid", int(fid)))
	return f, nil
}

// FetchPage returns the frame holding pid, pinning it. On a page-table hit
// it short-circuits immediately without touching the free list or
// replacer's eviction path. On a miss it acquires a frame, reads the page
// from disk, and installs it.
func (m *Manager) FetchPage(ctx context.Context, pid page.PID) (*page.Frame, error) {
	ctx, span := m.tracer.Start(ctx, "buffer.FetchPage", trace.WithAttributes(attribute.Int64("pid", int64(pid))))
	defer span.End()
	defer m.recordDuration(ctx, "fetch_page", time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()

	if fid, ok := m.pageTable.Find(pid); ok {
		f := m.frames[fid]
		f.Pin()
		m.replacer.RecordAccess(fid)
		m.replacer.SetEvictable(fid, false)
		m.hits++
		m.hitCounter.Add(ctx, 1)
		span.SetAttributes(attribute.Bool("hit", true))
		return f, nil
	}
	m.misses++
	m.missCounter.Add(ctx, 1)
	span.SetAttributes(attribute.Bool("hit", false))

	fid, f, err := m.acquireFrame(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := m.disk.ReadPage(pid, f.Data()); err != nil {
		err = fmt.Errorf("buffer: read page %d: %w", pid, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.pageTable.Insert(pid, fid)

	f.SetPageID(pid)
	f.Pin()
	f.SetDirty(false)

	m.replacer.RecordAccess(fid)
	m.replacer.SetEvictable(fid, false)

	m.log.Debug("buffer: fetch miss, loaded from disk", zap.Int64("pid", int64(pid)), zap.Int("fid", int(fid)))
	return f, nil
}

// UnpinPage decrements pid's pin count. A true dirty flag sticks: it is
// never cleared here, only set. Returns false if pid is unknown or already
// unpinned.
func (m *Manager) UnpinPage(pid page.PID, isDirty bool) bool {
	ctx, span := m.tracer.Start(context.Background(), "buffer.UnpinPage", trace.WithAttributes(attribute.Int64("pid", int64(pid))))
	defer span.End()
	defer m.recordDuration(ctx, "unpin_page", time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()

	fid, ok := m.pageTable.Find(pid)
	if !ok {
		return false
	}
	f := m.frames[fid]
	if f.PinCount() == 0 {
		return false
	}

	f.Unpin()
	if isDirty {
		f.SetDirty(true)
	}
	if f.PinCount() == 0 {
		m.replacer.SetEvictable(fid, true)
	}
	return true
}

// FlushPage writes pid's current bytes to disk and clears its dirty bit,
// regardless of the prior dirty state. Returns false for an invalid or
// unknown pid.
func (m *Manager) FlushPage(ctx context.Context, pid page.PID) bool {
	ctx, span := m.tracer.Start(ctx, "buffer.FlushPage", trace.WithAttributes(attribute.Int64("pid", int64(pid))))
	defer span.End()
	defer m.recordDuration(ctx, "flush_page", time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	ok := m.flushLocked(ctx, pid)
	span.SetAttributes(attribute.Bool("ok", ok))
	return ok
}

func (m *Manager) flushLocked(ctx context.Context, pid page.PID) bool {
	if pid == page.InvalidPID {
		return false
	}
	fid, ok := m.pageTable.Find(pid)
	if !ok {
		return false
	}
	f := m.frames[fid]
	if err := m.disk.WritePage(pid, f.Data()); err != nil {
		m.log.Error("buffer: flush failed", zap.Int64("pid", int64(pid)), zap.Error(err))
		return false
	}
	f.SetDirty(false)
	m.flushes++
	m.flushCounter.Add(ctx, 1)
	return true
}

// FlushAllPages writes back every frame holding a valid page, skipping free
// or transitioning frames. The writes are delegated to the disk manager in
// one batch so it can apply its configured throughput throttle across the
// whole checkpoint rather than per page. The BPM mutex is held across this
// I/O, per spec: no other operation may observe a half-flushed pool.
func (m *Manager) FlushAllPages(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "buffer.FlushAllPages")
	defer span.End()
	defer m.recordDuration(ctx, "flush_all_pages", time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()

	pages := make(map[page.PID][]byte)
	frames := make([]*page.Frame, 0, len(m.frames))
	for _, f := range m.frames {
		if f.PageID() == page.InvalidPID {
			continue
		}
		pages[f.PageID()] = f.Data()
		frames = append(frames, f)
	}
	if len(pages) == 0 {
		return nil
	}

	if err := m.disk.FlushAllPages(ctx, pages); err != nil {
		err = fmt.Errorf("buffer: flush all: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	for _, f := range frames {
		f.SetDirty(false)
		m.flushes++
	}
	m.flushCounter.Add(ctx, int64(len(frames)))
	span.SetAttributes(attribute.Int("pages_flushed", len(frames)))
	return nil
}

// DeletePage removes pid from the pool entirely: the page table entry, its
// replacer history, and returns the frame to the free list. A pinned page
// cannot be deleted. Deleting an unknown pid is a no-op success.
func (m *Manager) DeletePage(pid page.PID) bool {
	ctx, span := m.tracer.Start(context.Background(), "buffer.DeletePage", trace.WithAttributes(attribute.Int64("pid", int64(pid))))
	defer span.End()
	defer m.recordDuration(ctx, "delete_page", time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()

	fid, ok := m.pageTable.Find(pid)
	if !ok {
		return true
	}
	f := m.frames[fid]
	if f.PinCount() > 0 {
		return false
	}

	m.pageTable.Remove(pid)
	m.replacer.Remove(fid)
	f.Reset()
	m.freeList = append(m.freeList, fid)

	if err := m.disk.DeallocatePage(pid); err != nil {
		m.log.Warn("buffer: deallocate page failed", zap.Int64("pid", int64(pid)), zap.Error(err))
	}
	return true
}

// PoolSize returns the number of frames the pool owns.
func (m *Manager) PoolSize() int {
	return len(m.frames)
}

// Stats returns a snapshot of the pool's hit/miss/eviction/flush counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		Flushes:   m.flushes,
	}
}
