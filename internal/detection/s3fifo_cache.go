// s3fifo_cache.go
//
// s3fifoResultCache wraps a ResultCache (bbolt or memory) with an in-memory
// S3-FIFO eviction layer, bounding the hot in-memory footprint independent
// of how large the on-disk detection-result store grows across a long-lived
// run queue.
//
// # Algorithm
//
// S3-FIFO ("Simple, Scalable, FIFO-based cache eviction", Yang et al., 2023)
// uses two FIFO queues and a bounded ghost set:
//
//   - S (small, ~10% of capacity): probationary queue. All new keys land here.
//   - M (main, ~90% of capacity): protected queue. Keys promoted from S
//     after at least one access (freq > 0) land here.
//   - G (ghost): a bounded circular buffer of keys recently evicted from S.
//     A key found in G on insert bypasses S and goes directly to M.
//
// Per-frame state: saturating frequency counter (uint8, max 3), incremented
// on every Get hit, reset to 0 on M promotion.
//
// Eviction drops a key from the in-memory queues only; the backing store is
// never deleted from, so no backing-store work runs on eviction. All
// in-memory state is guarded by a single mutex.
package detection

import (
	"container/list"
	"sync"

	"github.com/voxelmask/deidentify/internal/region"
)

type s3fifoEntry struct {
	value []region.Region
	freq  uint8
	elem  *list.Element
	inM   bool
}

type s3fifoResultCache struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*s3fifoEntry
	sQueue  *list.List
	mQueue  *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int

	backing ResultCache
}

// NewS3FIFOCache returns a ResultCache that applies S3-FIFO eviction in
// front of backing. capacity is the maximum number of frame results kept hot
// in memory; values < 2 are clamped to 2.
func NewS3FIFOCache(backing ResultCache, capacity int) ResultCache {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	return &s3fifoResultCache{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*s3fifoEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
		backing:  backing,
	}
}

func (c *s3fifoResultCache) Get(frameHash string) ([]region.Region, bool) {
	c.mu.Lock()
	if e, ok := c.entries[frameHash]; ok {
		if e.freq < 3 {
			e.freq++
		}
		v := e.value
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	regions, ok := c.backing.Get(frameHash)
	if !ok {
		return nil, false
	}
	c.insertLocked(frameHash, regions)
	return regions, true
}

func (c *s3fifoResultCache) Set(frameHash string, regions []region.Region) {
	c.insertLocked(frameHash, regions)
	c.backing.Set(frameHash, regions)
}

func (c *s3fifoResultCache) Close() error {
	return c.backing.Close()
}

func (c *s3fifoResultCache) insertLocked(key string, value []region.Region) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		return
	}

	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &s3fifoEntry{value: value, freq: 0, elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		c.evictOne()
	}
}

func (c *s3fifoResultCache) evictOne() {
	if c.sQueue.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

func (c *s3fifoResultCache) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		c.sQueue.Remove(front)
		return
	}
	c.sQueue.Remove(front)

	e, ok := c.entries[key]
	if !ok {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		mTarget := c.capacity - c.sTarget
		if c.mQueue.Len() > mTarget {
			c.evictFromM()
		}
	} else {
		delete(c.entries, key)
		c.ghostAdd(key)
		// No backing delete: detection results are cheap to recompute and
		// unlike the Ollama cache this store is not the source of truth —
		// the decision trace, not the cache, is what the bundle depends on.
	}
}

func (c *s3fifoResultCache) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		c.mQueue.Remove(front)
		return
	}
	c.mQueue.Remove(front)
	delete(c.entries, key)
}

func (c *s3fifoResultCache) ghostContains(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

func (c *s3fifoResultCache) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	writeIdx := (c.ghostHead + c.ghostCount) % c.ghostCap
	c.ghostBuf[writeIdx] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
