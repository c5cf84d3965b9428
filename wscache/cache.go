// Package wscache is the default in-process implementation of the
// write-set cache collaborator (C7): a bounded ring of recently
// applied write-sets keyed by seqno, with a logical reader lock the
// donor state machine holds while an IST sender streams a range back
// to a joiner. The interface shape mirrors the teacher's
// StorageIterator/StorageDriver split in storage/storage.go, adapted
// from a key/value store iterator to a seqno-ordered ring.
package wscache

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned by SeqnoLock when the requested seqno has
// already been trimmed from the cache (the donor's cache low-water
// mark has advanced past it).
var ErrNotFound = errors.New("wscache: seqno has been evicted from the cache")

// ErrAlreadyLocked is returned by SeqnoLock when another lock is
// already outstanding; the cache only supports one outstanding reader
// lock at a time, matching the coordinator's invariant that at most
// one state transfer is outstanding per connection.
var ErrAlreadyLocked = errors.New("wscache: a seqno lock is already held")

// Iterator walks a locked seqno range in ascending order.
type Iterator interface {
	Next() bool
	Seqno() int64
	WriteSet() []byte
	Release()
	Error() error
}

// Cache is a bounded, seqno-ordered ring buffer of write-sets.
type Cache struct {
	mu       sync.Mutex
	capacity int
	uuid     uuid.UUID
	entries  map[int64][]byte
	order    []int64 // ascending seqnos currently resident
	locked   bool
	lockSeqno int64
	baseline int64 // low/high water mark reported while order is empty
}

// New creates a cache with room for capacity write-sets.
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[int64][]byte),
		baseline: -1,
	}
}

// Append records a write-set at seqno, trimming the oldest entries
// once capacity is exceeded. Entries at or above a held lock's seqno
// are never trimmed (invariant 6).
func (c *Cache) Append(seqno int64, writeset []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[seqno] = writeset
	c.order = append(c.order, seqno)

	for len(c.order) > c.capacity {
		oldest := c.order[0]

		if c.locked && oldest >= c.lockSeqno {
			break
		}

		delete(c.entries, oldest)
		c.order = c.order[1:]
	}
}

// LowWater reports the smallest seqno still resident in the cache, or,
// if the cache is empty, the seqno of the last SeqnoReset (-1 if it
// was never reset).
func (c *Cache) LowWater() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) == 0 {
		return c.baseline
	}

	return c.order[0]
}

// HighWater reports the largest seqno still resident in the cache, or,
// if the cache is empty, the seqno of the last SeqnoReset (-1 if it
// was never reset).
func (c *Cache) HighWater() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) == 0 {
		return c.baseline
	}

	return c.order[len(c.order)-1]
}

// SeqnoLock pins the cache's low-water mark at s so that no write-set
// with seqno >= s is evicted until the returned unlock func is called.
// It fails with ErrNotFound if s has already been evicted.
func (c *Cache) SeqnoLock(s int64) (unlock func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.locked {
		return nil, ErrAlreadyLocked
	}

	if len(c.order) == 0 || s < c.order[0] || s > c.order[len(c.order)-1] {
		return nil, ErrNotFound
	}

	c.locked = true
	c.lockSeqno = s

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.locked = false
			c.mu.Unlock()
		})
	}, nil
}

// SeqnoReset clears the cache and reseeds it to report history uuid
// and a low/high water mark equal to seqno, as happens when SST
// installs a fresh local position.
func (c *Cache) SeqnoReset(id uuid.UUID, seqno int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.uuid = id
	c.entries = make(map[int64][]byte)
	c.order = nil
	c.locked = false
	c.baseline = seqno
}

// Range returns an iterator over [first, last] inclusive. The caller
// must hold a seqno lock covering the range for the duration of the
// iteration; Range itself does not lock.
func (c *Cache) Range(first, last int64) (Iterator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) == 0 || first < c.order[0] || last > c.order[len(c.order)-1] {
		return nil, ErrNotFound
	}

	seqnos := make([]int64, 0, last-first+1)
	for _, s := range c.order {
		if s >= first && s <= last {
			seqnos = append(seqnos, s)
		}
	}

	return &rangeIterator{cache: c, seqnos: seqnos, pos: -1}, nil
}

type rangeIterator struct {
	cache  *Cache
	seqnos []int64
	pos    int
}

func (it *rangeIterator) Next() bool {
	it.pos++
	return it.pos < len(it.seqnos)
}

func (it *rangeIterator) Seqno() int64 {
	return it.seqnos[it.pos]
}

func (it *rangeIterator) WriteSet() []byte {
	it.cache.mu.Lock()
	defer it.cache.mu.Unlock()

	return it.cache.entries[it.seqnos[it.pos]]
}

func (it *rangeIterator) Release() {
	it.seqnos = nil
}

func (it *rangeIterator) Error() error {
	return nil
}
