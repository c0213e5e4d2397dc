// cache.go — the detection result cache.
//
// ResultCache stores pixel-hash → detection-result mappings so that repeated
// identical frames (e.g. a cine loop whose header band is byte-identical
// across frames) don't re-invoke the external detector. Entries survive
// process restarts when backed by bbolt, so a re-run of the same input
// corpus against the same detector configuration warms instantly.
package detection

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/voxelmask/deidentify/internal/region"
)

// ResultCache is the detection-result cache interface. All implementations
// must be safe for concurrent use. Keys are the hex pixel-frame digest
// (identity.HashBytes(frame).String()); values are the detector's region
// findings for that exact frame content.
type ResultCache interface {
	Get(frameHash string) ([]region.Region, bool)
	Set(frameHash string, regions []region.Region)
	Close() error
}

// --- memoryResultCache ---

type memoryResultCache struct {
	mu    sync.RWMutex
	store map[string][]region.Region
}

// NewMemoryCache returns an in-memory ResultCache, used in tests and as the
// fallback when the bbolt cache file cannot be opened.
func NewMemoryCache() ResultCache {
	return &memoryResultCache{store: make(map[string][]region.Region)}
}

func (c *memoryResultCache) Get(frameHash string) ([]region.Region, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.store[frameHash]
	return v, ok
}

func (c *memoryResultCache) Set(frameHash string, regions []region.Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[frameHash] = regions
}

func (c *memoryResultCache) Close() error { return nil }

// --- bboltResultCache ---

const detectionBucket = "detection_results"

type bboltResultCache struct {
	db *bolt.DB
}

// NewBboltCache opens (or creates) a bbolt database at path to back the
// detection result cache across process restarts.
func NewBboltCache(path string) (ResultCache, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt detection cache %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(detectionBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create detection bucket: %w", err)
	}
	return &bboltResultCache{db: db}, nil
}

func (c *bboltResultCache) Get(frameHash string) ([]region.Region, bool) {
	var regions []region.Region
	var found bool
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(detectionBucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(frameHash))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &regions); err != nil {
			return nil
		}
		found = true
		return nil
	})
	return regions, found
}

func (c *bboltResultCache) Set(frameHash string, regions []region.Region) {
	data, err := json.Marshal(regions)
	if err != nil {
		return
	}
	_ = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(detectionBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", detectionBucket)
		}
		return b.Put([]byte(frameHash), data)
	})
}

func (c *bboltResultCache) Close() error { return c.db.Close() }
