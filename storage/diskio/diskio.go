// Package diskio is the disk manager collaborator the buffer pool manager
// delegates all durable I/O to. It prescribes no on-disk format beyond a
// fixed page size: page pid lives at byte offset pid*PageSize in a single
// backing file that grows monotonically as pages are allocated.
package diskio

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ridgedb/storage/page"
)

// Manager is the concrete, file-backed disk manager. It is safe for
// concurrent use; all access to the backing file is serialized under a
// single mutex, matching the coarse-locking model the rest of the core
// uses.
type Manager struct {
	mu      sync.Mutex
	file    *os.File
	size    int64         // current file size in bytes
	nextPID page.PID      // next id AllocatePage will hand out
	limiter *rate.Limiter // optional throttle on FlushAllPages, nil means unthrottled
	log     *zap.Logger
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLimiter throttles the byte throughput of FlushAllPages through the
// given rate.Limiter. A nil limiter (the default) disables throttling.
func WithLimiter(l *rate.Limiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithLogger attaches a logger; a nil logger here installs a no-op one.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Open opens (creating if necessary) the backing file at path and returns a
// ready Manager.
func Open(path string, opts ...Option) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskio: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("diskio: stat %s: %w", path, err)
	}

	m := &Manager{
		file:    f,
		size:    info.Size(),
		nextPID: page.PID(info.Size() / int64(page.Size)),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	return m, nil
}

// AllocatePage reserves the next page id and extends the backing file to
// hold it, returning a zeroed page ready to be written. This is a
// standalone allocator for callers that talk to the disk manager directly;
// the buffer pool manager keeps its own monotonic id counter and never
// calls this method, since an id it hands out must be visible to the pool
// before any page of that id can legally be read or written.
func (m *Manager) AllocatePage() (page.PID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pid := m.nextPID
	m.nextPID++

	offset := int64(pid) * int64(page.Size)
	if end := offset + int64(page.Size); end > m.size {
		if err := m.file.Truncate(end); err != nil {
			return page.InvalidPID, fmt.Errorf("diskio: allocate page %d: %w", pid, err)
		}
		m.size = end
	}
	return pid, nil
}

// ReadPage reads exactly page.Size bytes for pid into buf. Reading beyond
// the current end of file (a page that was allocated but never written) is
// not an error: buf is left zeroed, matching a freshly zeroed page.
func (m *Manager) ReadPage(pid page.PID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	offset := int64(pid) * int64(page.Size)
	if offset+int64(page.Size) > m.size {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	n, err := m.file.ReadAt(buf[:page.Size], offset)
	if err != nil {
		return fmt.Errorf("diskio: read page %d: %w", pid, err)
	}
	if n != page.Size {
		return fmt.Errorf("diskio: short read for page %d: got %d bytes", pid, n)
	}
	return nil
}

// WritePage writes page.Size bytes for pid from buf, persisted before
// return.
func (m *Manager) WritePage(pid page.PID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(pid, buf)
}

func (m *Manager) writeLocked(pid page.PID, buf []byte) error {
	offset := int64(pid) * int64(page.Size)
	if _, err := m.file.WriteAt(buf[:page.Size], offset); err != nil {
		return fmt.Errorf("diskio: write page %d: %w", pid, err)
	}
	if end := offset + int64(page.Size); end > m.size {
		m.size = end
	}
	return nil
}

// DeallocatePage is best-effort: no on-disk format is prescribed beyond a
// fixed page size, so there is no free-space map to update. The space is
// simply abandoned; the file never shrinks.
func (m *Manager) DeallocatePage(pid page.PID) error {
	return nil
}

// FlushAllPages writes every page in pages (frame contents, already sized
// to page.Size) to disk, honoring the configured rate limiter, if any.
func (m *Manager) FlushAllPages(ctx context.Context, pages map[page.PID][]byte) error {
	for pid, buf := range pages {
		if m.limiter != nil {
			if err := m.limiter.WaitN(ctx, len(buf)); err != nil {
				return fmt.Errorf("diskio: flush throttle: %w", err)
			}
		}
		m.mu.Lock()
		err := m.writeLocked(pid, buf)
		m.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes OS buffers to stable storage.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("diskio: sync: %w", err)
	}
	return nil
}

// Close syncs and releases the backing file. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	syncErr := m.file.Sync()
	err := m.file.Close()
	m.file = nil
	if syncErr != nil {
		return fmt.Errorf("diskio: sync on close: %w", syncErr)
	}
	if err != nil {
		return fmt.Errorf("diskio: close: %w", err)
	}
	return nil
}
