// Package hashdir implements an in-memory extendible hash directory: the
// fast page-id -> frame-id index the buffer pool manager consults on every
// fetch.
package hashdir

import (
	"sync"

	"go.uber.org/zap"
)

// entry is one key/value pair stored in a bucket.
type entry[K comparable, V any] struct {
	key K
	val V
}

// bucket holds up to capacity key/value pairs sharing the same low depth
// bits of their key's hash.
type bucket[K comparable, V any] struct {
	depth    int
	capacity int
	items    []entry[K, V]
}

func newBucket[K comparable, V any](capacity, depth int) *bucket[K, V] {
	return &bucket[K, V]{capacity: capacity, depth: depth}
}

func (b *bucket[K, V]) full() bool { return len(b.items) >= b.capacity }

func (b *bucket[K, V]) find(key K) (V, bool) {
	for _, e := range b.items {
		if e.key == key {
			return e.val, true
		}
	}
	var zero V
	return zero, false
}

// insertOrUpdate overwrites an existing key's value and returns true, or
// appends a new pair and returns true if there's room; returns false if the
// bucket is full and the key is new.
func (b *bucket[K, V]) insertOrUpdate(key K, val V) bool {
	for i := range b.items {
		if b.items[i].key == key {
			b.items[i].val = val
			return true
		}
	}
	if b.full() {
		return false
	}
	b.items = append(b.items, entry[K, V]{key, val})
	return true
}

func (b *bucket[K, V]) remove(key K) bool {
	for i, e := range b.items {
		if e.key == key {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return true
		}
	}
	return false
}

// HashFunc computes a hash for a key. Callers must supply one whose bits
// spread adequately; pathological collisions in every finite prefix are an
// accepted external hazard, not a directory bug.
type HashFunc[K comparable] func(key K) uint64

// Table is an extendible hash directory mapping K to V with online growth
// via directory doubling and bucket splitting. It never shrinks or merges
// buckets. Safe for concurrent use: every operation is serialized under a
// single mutex.
type Table[K comparable, V any] struct {
	mu sync.Mutex

	hash        HashFunc[K]
	bucketSize  int
	globalDepth int
	numBuckets  int
	dir         []*bucket[K, V]

	log *zap.Logger
}

// New returns a Table with one bucket of the given capacity at global depth
// zero.
func New[K comparable, V any](bucketSize int, hash HashFunc[K], log *zap.Logger) *Table[K, V] {
	if log == nil {
		log = zap.NewNop()
	}
	root := newBucket[K, V](bucketSize, 0)
	return &Table[K, V]{
		hash:        hash,
		bucketSize:  bucketSize,
		globalDepth: 0,
		numBuckets:  1,
		dir:         []*bucket[K, V]{root},
		log:         log,
	}
}

func (t *Table[K, V]) indexOf(key K) uint64 {
	mask := uint64(1)<<uint(t.globalDepth) - 1
	return t.hash(key) & mask
}

// Find looks up key, returning its value and true on a hit.
func (t *Table[K, V]) Find(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.dir[t.indexOf(key)]
	return b.find(key)
}

// Remove erases key if present. No shrink or merge is ever performed.
func (t *Table[K, V]) Remove(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.dir[t.indexOf(key)]
	return b.remove(key)
}

// Insert adds or overwrites key -> val, growing the directory and splitting
// buckets as needed until the pair fits.
func (t *Table[K, V]) Insert(key K, val V) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		idx := t.indexOf(key)
		b := t.dir[idx]
		if b.insertOrUpdate(key, val) {
			return
		}
		t.split(b)
	}
}

// split grows b into two buckets, retargeting directory slots as needed.
// Called with the directory mutex held.
func (t *Table[K, V]) split(b *bucket[K, V]) {
	if b.depth == t.globalDepth {
		t.growDirectory()
	}

	mask := uint64(1) << uint(b.depth)
	b.depth++
	t.numBuckets++
	newB := newBucket[K, V](t.bucketSize, b.depth)

	kept := b.items[:0:0]
	for _, e := range b.items {
		if t.hash(e.key)&mask != 0 {
			newB.items = append(newB.items, e)
		} else {
			kept = append(kept, e)
		}
	}
	b.items = kept

	for slot := range t.dir {
		if t.dir[slot] == b && uint64(slot)&mask != 0 {
			t.dir[slot] = newB
		}
	}
	t.log.Debug("hashdir: bucket split", zap.Int("new_depth", b.depth), zap.Int("num_buckets", t.numBuckets))
}

// growDirectory doubles the directory, mirroring the existing half.
func (t *Table[K, V]) growDirectory() {
	t.dir = append(t.dir, t.dir...)
	t.globalDepth++
	t.log.Debug("hashdir: directory grown", zap.Int("global_depth", t.globalDepth))
}

// GlobalDepth returns the directory's current global depth g.
func (t *Table[K, V]) GlobalDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalDepth
}

// LocalDepth returns the local depth of the bucket the given directory
// index points to.
func (t *Table[K, V]) LocalDepth(dirIndex int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir[dirIndex].depth
}

// NumBuckets returns the number of distinct bucket objects in the
// directory.
func (t *Table[K, V]) NumBuckets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numBuckets
}
