package buffer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"ridgedb/storage/page"
)

// fakeDisk is an in-memory DiskManager double, recording every write so
// tests can check which pages were written back.
type fakeDisk struct {
	mu     sync.Mutex
	pages  map[page.PID][]byte
	writes []page.PID
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{pages: make(map[page.PID][]byte)}
}

func (d *fakeDisk) ReadPage(pid page.PID, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if data, ok := d.pages[pid]; ok {
		copy(buf, data)
		return nil
	}
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (d *fakeDisk) WritePage(pid page.PID, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.pages[pid] = cp
	d.writes = append(d.writes, pid)
	return nil
}

func (d *fakeDisk) DeallocatePage(pid page.PID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pages, pid)
	return nil
}

func (d *fakeDisk) FlushAllPages(ctx context.Context, pages map[page.PID][]byte) error {
	for pid, buf := range pages {
		if err := d.WritePage(pid, buf); err != nil {
			return err
		}
	}
	return nil
}

func TestNewFetchUnpinHit(t *testing.T) {
	// S1
	disk := newFakeDisk()
	bpm := New(3, 2, 2, disk)
	ctx := context.Background()

	f, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	pid := f.PageID()
	require.Equal(t, page.PID(0), pid)

	f.Data()[0] = 'A'
	require.True(t, bpm.UnpinPage(pid, true))

	got, err := bpm.FetchPage(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, byte('A'), got.Data()[0])
	assert.Equal(t, uint32(1), got.PinCount())
}

func TestEvictionForced(t *testing.T) {
	// S2
	disk := newFakeDisk()
	bpm := New(3, 2, 2, disk)
	ctx := context.Background()

	pids := make([]page.PID, 3)
	for i := 0; i < 3; i++ {
		f, err := bpm.NewPage(ctx)
		require.NoError(t, err)
		pids[i] = f.PageID()
	}

	_, err := bpm.NewPage(ctx)
	require.Error(t, err)

	require.True(t, bpm.UnpinPage(pids[1], false))

	f, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, page.PID(3), f.PageID())

	_, err = bpm.FetchPage(ctx, pids[1])
	require.Error(t, err, "page 1 should have been evicted from the pool")
}

func TestDirtyWriteBackBeforeReuse(t *testing.T) {
	// S3
	disk := newFakeDisk()
	bpm := New(3, 2, 2, disk)
	ctx := context.Background()

	pids := make([]page.PID, 3)
	for i := 0; i < 3; i++ {
		f, err := bpm.NewPage(ctx)
		require.NoError(t, err)
		pids[i] = f.PageID()
	}

	f1, err := bpm.FetchPage(ctx, pids[1])
	require.NoError(t, err)
	f1.Data()[0] = 'X'
	require.True(t, bpm.UnpinPage(pids[1], true)) // fetch pinned it again; drop both pins
	require.True(t, bpm.UnpinPage(pids[1], true))

	_, err = bpm.NewPage(ctx)
	require.NoError(t, err)

	written, ok := disk.pages[pids[1]]
	require.True(t, ok, "victim page must be written back before reuse")
	assert.Equal(t, byte('X'), written[0])
}

func TestUnpinUnknownPageReturnsFalse(t *testing.T) {
	disk := newFakeDisk()
	bpm := New(2, 2, 2, disk)
	assert.False(t, bpm.UnpinPage(99, false))
}

func TestUnpinAlreadyUnpinnedReturnsFalse(t *testing.T) {
	disk := newFakeDisk()
	bpm := New(2, 2, 2, disk)
	ctx := context.Background()

	f, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	pid := f.PageID()

	require.True(t, bpm.UnpinPage(pid, false))
	assert.False(t, bpm.UnpinPage(pid, false))
}

func TestDirtyFlagIsSticky(t *testing.T) {
	disk := newFakeDisk()
	bpm := New(2, 2, 2, disk)
	ctx := context.Background()

	f, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	pid := f.PageID()

	// Pin count is 2 here: simulate two holders, one marks dirty, the
	// other unpins clean. The dirty bit must survive.
	_, err = bpm.FetchPage(ctx, pid)
	require.NoError(t, err)

	require.True(t, bpm.UnpinPage(pid, true))
	require.True(t, bpm.UnpinPage(pid, false))
	assert.True(t, f.IsDirty(), "a clean unpin must not clear an earlier dirty unpin")

	require.True(t, bpm.FlushPage(ctx, pid))
	written := disk.pages[pid]
	require.NotNil(t, written)
}

func TestFlushAllPagesSkipsInvalid(t *testing.T) {
	disk := newFakeDisk()
	bpm := New(4, 2, 2, disk)
	ctx := context.Background()

	f, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	pid := f.PageID()
	f.Data()[0] = 'Z'
	require.True(t, bpm.UnpinPage(pid, true))

	require.NoError(t, bpm.FlushAllPages(ctx))

	written, ok := disk.pages[pid]
	require.True(t, ok)
	assert.Equal(t, byte('Z'), written[0])
	// The three frames holding no page must not have been written.
	assert.Equal(t, []page.PID{pid}, disk.writes)
}

func TestDeletePageRejectsPinned(t *testing.T) {
	disk := newFakeDisk()
	bpm := New(2, 2, 2, disk)
	ctx := context.Background()

	f, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	pid := f.PageID()

	assert.False(t, bpm.DeletePage(pid))

	require.True(t, bpm.UnpinPage(pid, false))
	assert.True(t, bpm.DeletePage(pid))
}

func TestDeleteUnknownPageIsNoopSuccess(t *testing.T) {
	disk := newFakeDisk()
	bpm := New(2, 2, 2, disk)
	assert.True(t, bpm.DeletePage(123))
}

func TestPoolExhaustedReturnsErrorNotPanic(t *testing.T) {
	disk := newFakeDisk()
	bpm := New(1, 2, 2, disk)
	ctx := context.Background()

	_, err := bpm.NewPage(ctx)
	require.NoError(t, err)

	_, err = bpm.NewPage(ctx)
	require.Error(t, err)
}

func TestStatsTrackHitsAndMisses(t *testing.T) {
	disk := newFakeDisk()
	bpm := New(4, 2, 2, disk)
	ctx := context.Background()

	f, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	pid := f.PageID()
	require.True(t, bpm.UnpinPage(pid, false))

	_, err = bpm.FetchPage(ctx, pid)
	require.NoError(t, err)

	// A pid not resident in the pool is a miss that reads through to disk.
	_, err = bpm.FetchPage(ctx, 99)
	require.NoError(t, err)

	stats := bpm.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestPoolSize(t *testing.T) {
	disk := newFakeDisk()
	bpm := New(7, 2, 2, disk)
	assert.Equal(t, 7, bpm.PoolSize())
}

func TestMeterRecordsHitsAndMisses(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("ridgedb/buffer_test")

	disk := newFakeDisk()
	bpm := New(4, 2, 2, disk, WithMeter(meter))
	ctx := context.Background()

	f, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	pid := f.PageID()
	require.True(t, bpm.UnpinPage(pid, false))

	_, err = bpm.FetchPage(ctx, pid)
	require.NoError(t, err)

	_, err = bpm.FetchPage(ctx, 99)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				counts[m.Name] = total
			}
		}
	}

	assert.Equal(t, int64(1), counts["bpm.page.hit"])
	assert.Equal(t, int64(1), counts["bpm.page.miss"])
}

func TestTracerRecordsSpansForEachOperation(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracer := provider.Tracer("ridgedb/buffer_test")

	disk := newFakeDisk()
	bpm := New(4, 2, 2, disk, WithTracer(tracer))
	ctx := context.Background()

	f, err := bpm.NewPage(ctx)
	require.NoError(t, err)
	pid := f.PageID()
	require.True(t, bpm.UnpinPage(pid, false))

	_, err = bpm.FetchPage(ctx, pid)
	require.NoError(t, err)

	require.NoError(t, provider.ForceFlush(ctx))

	names := map[string]bool{}
	for _, span := range exporter.GetSpans() {
		names[span.Name] = true
	}
	assert.True(t, names["buffer.NewPage"])
	assert.True(t, names["buffer.UnpinPage"])
	assert.True(t, names["buffer.FetchPage"])
}
