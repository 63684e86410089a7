// Package replacer implements the frame eviction policy the buffer pool
// manager consults whenever it needs a victim frame.
package replacer

import "ridgedb/storage/page"

// Replacer picks a victim frame among those currently marked evictable.
// All methods are safe for concurrent use; implementations serialize their
// own state under a single internal mutex.
type Replacer interface {
	// RecordAccess notes that fid was just accessed. Pure bookkeeping: it
	// must never itself evict a frame.
	RecordAccess(fid page.FID)

	// SetEvictable toggles whether fid may be returned by Evict. A no-op
	// if fid is unknown to the replacer.
	SetEvictable(fid page.FID, evictable bool)

	// Evict selects and removes a victim frame per the replacer's policy,
	// forgetting its access history. Returns false if no frame is
	// currently evictable.
	Evict() (page.FID, bool)

	// Remove deletes fid's access history by id rather than by policy.
	// Panics if fid is known but not evictable.
	Remove(fid page.FID)

	// Size reports the count of frames currently marked evictable.
	Size() int
}
