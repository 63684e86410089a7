package replacer

import (
	"container/list"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"ridgedb/storage/page"
	"ridgedb/storage/storeerr"
)

// frameState is the bookkeeping LRUK keeps per known frame.
type frameState struct {
	accessCount uint64
	evictable   bool
	elem        *list.Element // this frame's node in whichever cohort list currently owns it
}

// LRUK is the LRU-K victim-selection policy. A frame with fewer than k
// recorded accesses belongs to the History cohort and is evicted in FIFO
// order ahead of any Cache-cohort frame; once its access count reaches k it
// migrates to the Cache cohort, ordered by recency of access.
//
// Both cohorts are kept as doubly linked lists whose back is the first
// candidate. A frame enters the front of the History list on its first
// access and does not move on later accesses below k, so the back is the
// oldest first access. The Cache list is move-to-front: each access pushes
// the frame to the front, so its back is the least recently touched. For the Cache
// cohort this reproduces the same victim choice as sorting by the frame's
// k-th-most-recent-access timestamp, since every cache-cohort frame's
// window advances by exactly one access at a time.
type LRUK struct {
	mu sync.Mutex

	capacity int
	k        uint64

	history  *list.List // front = most recently first-seen, back = oldest
	cache    *list.List // front = most recently touched, back = least recently touched
	frames   map[page.FID]*frameState
	currSize int

	log *zap.Logger
}

// New returns an LRUK replacer for a pool of the given capacity (frame ids
// in [0, capacity) are valid) using history depth k.
func New(capacity int, k uint64, log *zap.Logger) *LRUK {
	if log == nil {
		log = zap.NewNop()
	}
	return &LRUK{
		capacity: capacity,
		k:        k,
		history:  list.New(),
		cache:    list.New(),
		frames:   make(map[page.FID]*frameState),
		log:      log,
	}
}

func (r *LRUK) validate(fid page.FID) {
	if fid < 0 || int(fid) >= r.capacity {
		panic(fmt.Errorf("%w: %d (capacity %d)", storeerr.ErrInvalidFrameID, fid, r.capacity))
	}
}

// RecordAccess is pure bookkeeping: it never evicts.
func (r *LRUK) RecordAccess(fid page.FID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validate(fid)

	st, known := r.frames[fid]
	if !known {
		st = &frameState{}
		st.elem = r.history.PushFront(fid)
		r.frames[fid] = st
	}
	st.accessCount++

	switch {
	case st.accessCount == r.k:
		// Crossing the threshold: migrate out of History into Cache.
		r.history.Remove(st.elem)
		st.elem = r.cache.PushFront(fid)
	case st.accessCount > r.k:
		// Already resident in Cache: bump to front.
		r.cache.MoveToFront(st.elem)
	}
	r.log.Debug("replacer: recorded access", zap.Int("fid", int(fid)), zap.Uint64("access_count", st.accessCount))
}

// SetEvictable toggles whether fid may be returned by Evict.
func (r *LRUK) SetEvictable(fid page.FID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, known := r.frames[fid]
	if !known {
		return
	}
	if st.evictable == evictable {
		return
	}
	st.evictable = evictable
	if evictable {
		r.currSize++
	} else {
		r.currSize--
	}
}

// Evict scans the History cohort from the oldest end first, then the Cache
// cohort, returning the first evictable frame found.
func (r *LRUK) Evict() (page.FID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currSize == 0 {
		return 0, false
	}

	for e := r.history.Back(); e != nil; e = e.Prev() {
		fid := e.Value.(page.FID)
		if r.frames[fid].evictable {
			r.history.Remove(e)
			r.forget(fid)
			r.log.Debug("replacer: evicted from history", zap.Int("fid", int(fid)))
			return fid, true
		}
	}
	for e := r.cache.Back(); e != nil; e = e.Prev() {
		fid := e.Value.(page.FID)
		if r.frames[fid].evictable {
			r.cache.Remove(e)
			r.forget(fid)
			r.log.Debug("replacer: evicted from cache", zap.Int("fid", int(fid)))
			return fid, true
		}
	}
	return 0, false
}

// Remove deletes fid's history by id rather than by policy. Panics if fid
// is known but not evictable; silently returns if fid is unknown.
func (r *LRUK) Remove(fid page.FID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, known := r.frames[fid]
	if !known {
		return
	}
	if !st.evictable {
		panic(fmt.Errorf("%w: fid %d", storeerr.ErrNotEvictable, fid))
	}

	if st.accessCount < r.k {
		r.history.Remove(st.elem)
	} else {
		r.cache.Remove(st.elem)
	}
	r.currSize--
	delete(r.frames, fid)
}

// forget drops fid's access history entirely, used after an Evict. Caller
// already removed fid's list element.
func (r *LRUK) forget(fid page.FID) {
	r.currSize--
	delete(r.frames, fid)
}

// Size reports the count of frames currently marked evictable.
func (r *LRUK) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currSize
}

var _ Replacer = (*LRUK)(nil)
