// Package cache implements the bounded local cache engine. It maps
// virtual paths to content-addressed files under one cache directory,
// keeps a size-accounted index with a pluggable eviction policy, and
// persists the index so cache contents survive a restart.
//
// All index mutations are serialized by a single exclusive lock. The
// file-deletion phase of eviction runs outside that lock so a slow
// disk cannot block other cache operations; the index is consistent
// even when a physical delete fails.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratafs/stratafs/internal/events"
	"github.com/stratafs/stratafs/internal/metrics"
	sferrors "github.com/stratafs/stratafs/pkg/errors"
	"github.com/stratafs/stratafs/pkg/types"
)

const indexFile = "cache-index.json"

// DefaultSyncInterval is how often the index is flushed to disk.
const DefaultSyncInterval = time.Minute

// Engine is the cache engine. One instance owns one cache directory.
type Engine struct {
	mu        sync.Mutex
	dir       string
	maxSize   int64 // 0 = unlimited
	policy    types.EvictionPolicy
	entries   map[string]*types.CacheEntry
	readers   map[string]int // in-flight read pins per path
	totalSize int64
	seq       uint64

	hits      uint64
	misses    uint64
	evictions uint64

	logger  *zap.Logger
	metrics *metrics.Collector
	bus     *events.Bus

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics wires cache counters into a collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEvents publishes eviction events on the given bus.
func WithEvents(b *events.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// New creates the engine, loading any index a previous run left in the
// cache directory. Index entries whose backing file disappeared are
// pruned on load.
func New(cfg types.CacheConfig, opts ...Option) (*Engine, error) {
	if cfg.Directory == "" {
		return nil, sferrors.E(sferrors.KindInternal, "cache.new", "", fmt.Errorf("cache directory is required"))
	}
	policy := cfg.EvictionPolicy
	if policy == "" {
		policy = types.EvictLRU
	}
	switch policy {
	case types.EvictLRU, types.EvictLFU, types.EvictFIFO:
	default:
		return nil, sferrors.E(sferrors.KindInternal, "cache.new", "", fmt.Errorf("unknown eviction policy %q", policy))
	}
	if err := os.MkdirAll(cfg.Directory, 0o750); err != nil {
		return nil, sferrors.Internal("cache.new", err)
	}

	e := &Engine{
		dir:     cfg.Directory,
		maxSize: cfg.MaxSize,
		policy:  policy,
		entries: make(map[string]*types.CacheEntry),
		readers: make(map[string]int),
		logger:  zap.NewNop(),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}

	if err := e.loadIndex(); err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go e.syncLoop()
	return e, nil
}

// CachePathFor returns the deterministic on-disk location for a
// virtual path: a hash of the path with the original extension
// preserved for tooling compatibility.
func (e *Engine) CachePathFor(vpath string) string {
	sum := sha256.Sum256([]byte(vpath))
	name := hex.EncodeToString(sum[:])
	if ext := filepath.Ext(vpath); ext != "" {
		name += ext
	}
	return filepath.Join(e.dir, name)
}

// CacheFile persists data for a virtual path, evicting first if the
// write would exceed the capacity bound. It replaces any existing
// entry for the same path.
func (e *Engine) CacheFile(vpath string, data []byte) (*types.CacheEntry, error) {
	size := int64(len(data))
	if e.maxSize > 0 && size > e.maxSize {
		return nil, sferrors.CapacityExceeded("cache.cache_file",
			fmt.Errorf("%d bytes exceed cache capacity %d", size, e.maxSize))
	}

	e.mu.Lock()
	var replaced int64
	if old, ok := e.entries[vpath]; ok {
		replaced = old.Size
	}
	var victims []*types.CacheEntry
	if e.maxSize > 0 && e.totalSize-replaced+size > e.maxSize {
		needed := e.totalSize - replaced + size - e.maxSize
		victims = e.evictLocked(needed, vpath)
	}

	now := time.Now()
	e.seq++
	entry := &types.CacheEntry{
		VirtualPath:  vpath,
		CachePath:    e.CachePathFor(vpath),
		Size:         size,
		CachedAt:     now,
		LastAccessed: now,
		AccessCount:  0,
		Seq:          e.seq,
	}
	e.entries[vpath] = entry
	e.totalSize += size - replaced
	e.metrics.SetCacheSize(e.totalSize)
	snapshot := *entry
	e.mu.Unlock()

	// Phase two: file I/O outside the lock.
	e.deleteFiles(victims)
	if err := os.WriteFile(entry.CachePath, data, 0o640); err != nil {
		e.mu.Lock()
		if cur, ok := e.entries[vpath]; ok && cur.Seq == entry.Seq {
			delete(e.entries, vpath)
			e.totalSize -= size
			e.metrics.SetCacheSize(e.totalSize)
		}
		e.mu.Unlock()
		return nil, sferrors.Internal("cache.cache_file", err)
	}
	return &snapshot, nil
}

// ReadFromCache returns cached bytes, counting a hit and refreshing
// access bookkeeping. A missing entry, or an entry whose backing file
// vanished, counts as a miss.
func (e *Engine) ReadFromCache(vpath string) ([]byte, error) {
	e.mu.Lock()
	entry, ok := e.entries[vpath]
	if !ok {
		e.misses++
		e.mu.Unlock()
		e.metrics.CacheMiss()
		return nil, sferrors.NotFound("cache.read", vpath)
	}
	cachePath := entry.CachePath
	seq := entry.Seq
	// Pin the entry so eviction cannot unlink the file mid-read.
	e.readers[vpath]++
	e.mu.Unlock()

	data, err := os.ReadFile(cachePath)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.readers[vpath]--
	if e.readers[vpath] == 0 {
		delete(e.readers, vpath)
	}
	if err != nil {
		// Backing file lost underneath the index: drop the entry.
		if cur, ok := e.entries[vpath]; ok && cur.Seq == seq {
			e.totalSize -= cur.Size
			delete(e.entries, vpath)
			e.metrics.SetCacheSize(e.totalSize)
		}
		e.misses++
		e.metrics.CacheMiss()
		return nil, sferrors.NotFound("cache.read", vpath)
	}
	if cur, ok := e.entries[vpath]; ok && cur.Seq == seq {
		cur.LastAccessed = time.Now()
		cur.AccessCount++
	}
	e.hits++
	e.metrics.CacheHit()
	return data, nil
}

// IsCached reports whether an entry exists for the path.
func (e *Engine) IsCached(vpath string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.entries[vpath]
	return ok
}

// Entry returns a copy of the index record for a path.
func (e *Engine) Entry(vpath string) (types.CacheEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[vpath]
	if !ok {
		return types.CacheEntry{}, false
	}
	return *entry, true
}

// Touch refreshes access bookkeeping without a read, for callers that
// served bytes from elsewhere but want to keep the entry warm.
func (e *Engine) Touch(vpath string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.entries[vpath]; ok {
		entry.LastAccessed = time.Now()
		entry.AccessCount++
	}
}

// Invalidate removes one entry and its backing file.
func (e *Engine) Invalidate(vpath string) error {
	e.mu.Lock()
	entry, ok := e.entries[vpath]
	if !ok {
		e.mu.Unlock()
		return sferrors.NotFound("cache.invalidate", vpath)
	}
	delete(e.entries, vpath)
	e.totalSize -= entry.Size
	e.metrics.SetCacheSize(e.totalSize)
	cachePath := entry.CachePath
	e.mu.Unlock()

	if err := os.Remove(cachePath); err != nil && !os.IsNotExist(err) {
		return sferrors.Internal("cache.invalidate", err)
	}
	return nil
}

// Clear removes every entry and backing file.
func (e *Engine) Clear() error {
	e.mu.Lock()
	victims := make([]*types.CacheEntry, 0, len(e.entries))
	for _, entry := range e.entries {
		victims = append(victims, entry)
	}
	e.entries = make(map[string]*types.CacheEntry)
	e.totalSize = 0
	e.metrics.SetCacheSize(0)
	e.mu.Unlock()

	e.deleteFiles(victims)
	return nil
}

// EvictIfNeeded reclaims at least requiredSpace bytes if the capacity
// bound demands it, returning the bytes freed.
func (e *Engine) EvictIfNeeded(requiredSpace int64) int64 {
	e.mu.Lock()
	if e.maxSize == 0 || e.totalSize+requiredSpace <= e.maxSize {
		e.mu.Unlock()
		return 0
	}
	needed := e.totalSize + requiredSpace - e.maxSize
	victims := e.evictLocked(needed, "")
	e.mu.Unlock()

	e.deleteFiles(victims)
	var freed int64
	for _, v := range victims {
		freed += v.Size
	}
	return freed
}

// Stats returns a snapshot of cache accounting.
func (e *Engine) Stats() types.CacheStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return types.CacheStats{
		TotalSize:     e.totalSize,
		MaxSize:       e.maxSize,
		EntryCount:    len(e.entries),
		HitCount:      e.hits,
		MissCount:     e.misses,
		EvictionCount: e.evictions,
	}
}

// Close flushes the index and stops the sync goroutine.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
	return e.saveIndex()
}

// evictLocked selects victims per the eviction policy until needed
// bytes are reclaimable, removes them from the index, and returns them
// for the out-of-lock deletion phase. keep is excluded from selection
// so a path is never evicted to make room for its own replacement, and
// entries with in-flight readers are skipped so eviction never removes
// an entry mid-read; the size bound can transiently overshoot while
// every candidate is pinned. Callers hold e.mu.
func (e *Engine) evictLocked(needed int64, keep string) []*types.CacheEntry {
	candidates := make([]*types.CacheEntry, 0, len(e.entries))
	for path, entry := range e.entries {
		if path == keep || e.readers[path] > 0 {
			continue
		}
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch e.policy {
		case types.EvictLFU:
			if a.AccessCount != b.AccessCount {
				return a.AccessCount < b.AccessCount
			}
		case types.EvictFIFO:
			if !a.CachedAt.Equal(b.CachedAt) {
				return a.CachedAt.Before(b.CachedAt)
			}
		default: // LRU
			if !a.LastAccessed.Equal(b.LastAccessed) {
				return a.LastAccessed.Before(b.LastAccessed)
			}
		}
		return a.Seq < b.Seq
	})

	var victims []*types.CacheEntry
	var freed int64
	for _, entry := range candidates {
		if freed >= needed {
			break
		}
		delete(e.entries, entry.VirtualPath)
		e.totalSize -= entry.Size
		freed += entry.Size
		e.evictions++
		victims = append(victims, entry)
	}
	if len(victims) > 0 {
		e.metrics.CacheEvictions(len(victims))
		e.metrics.SetCacheSize(e.totalSize)
	}
	return victims
}

// deleteFiles is the second phase of eviction: unlink backing files
// outside the index lock, tolerating files already gone.
func (e *Engine) deleteFiles(victims []*types.CacheEntry) {
	if len(victims) == 0 {
		return
	}
	paths := make([]string, 0, len(victims))
	var freed int64
	for _, v := range victims {
		if err := os.Remove(v.CachePath); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("failed to delete evicted cache file",
				zap.String("path", v.CachePath), zap.Error(err))
		}
		paths = append(paths, v.VirtualPath)
		freed += v.Size
	}
	if e.bus != nil {
		e.bus.Publish(events.TypeCacheEviction, "", events.EvictionPayload{
			Paths:      paths,
			BytesFreed: freed,
		})
	}
}

// indexState is the persisted shape of the cache index.
type indexState struct {
	Entries []types.CacheEntry `json:"entries"`
	Seq     uint64             `json:"seq"`
}

func (e *Engine) indexPath() string {
	return filepath.Join(e.dir, indexFile)
}

func (e *Engine) loadIndex() error {
	data, err := os.ReadFile(e.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sferrors.Internal("cache.load_index", err)
	}
	var state indexState
	if err := json.Unmarshal(data, &state); err != nil {
		e.logger.Warn("discarding corrupt cache index", zap.Error(err))
		return nil
	}
	for i := range state.Entries {
		entry := state.Entries[i]
		if _, err := os.Stat(entry.CachePath); err != nil {
			continue // backing file gone, drop the record
		}
		copied := entry
		e.entries[entry.VirtualPath] = &copied
		e.totalSize += entry.Size
	}
	e.seq = state.Seq
	e.metrics.SetCacheSize(e.totalSize)
	return nil
}

func (e *Engine) saveIndex() error {
	e.mu.Lock()
	state := indexState{Seq: e.seq, Entries: make([]types.CacheEntry, 0, len(e.entries))}
	for _, entry := range e.entries {
		state.Entries = append(state.Entries, *entry)
	}
	e.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return sferrors.Internal("cache.save_index", err)
	}
	tmp := e.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return sferrors.Internal("cache.save_index", err)
	}
	if err := os.Rename(tmp, e.indexPath()); err != nil {
		return sferrors.Internal("cache.save_index", err)
	}
	return nil
}

func (e *Engine) syncLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(DefaultSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.saveIndex(); err != nil {
				e.logger.Warn("cache index sync failed", zap.Error(err))
			}
		case <-e.stopCh:
			return
		}
	}
}
