// Package hydrate implements cache-aside reads and write-through
// writes over exactly one (remote adapter, cache engine) pair. It is
// the only place hydration happens implicitly as a side effect of a
// read.
package hydrate

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stratafs/stratafs/internal/cache"
	"github.com/stratafs/stratafs/internal/events"
	"github.com/stratafs/stratafs/internal/storage"
	sferrors "github.com/stratafs/stratafs/pkg/errors"
	"github.com/stratafs/stratafs/pkg/types"
)

// Orchestrator hydrates one remote adapter through one cache engine.
type Orchestrator struct {
	remote storage.Adapter
	cache  *cache.Engine
	bus    *events.Bus
	logger *zap.Logger

	swallowed uint64 // best-effort failures observed and ignored
}

// New creates an orchestrator. bus may be nil.
func New(remote storage.Adapter, engine *cache.Engine, bus *events.Bus, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{remote: remote, cache: engine, bus: bus, logger: logger}
}

// Read serves bytes cache-aside: a cached path is answered locally; a
// miss reads the remote in full and then populates the cache. Cache
// population is best-effort: a cache failure never turns a successful
// remote read into a failed one.
func (o *Orchestrator) Read(ctx context.Context, vpath string) ([]byte, error) {
	// The engine counts the hit or the miss; an absent entry and an
	// entry whose backing file vanished both land here as a miss.
	if data, err := o.cache.ReadFromCache(vpath); err == nil {
		return data, nil
	}

	remoteTier := o.remoteTier(ctx, vpath)
	o.publish(events.TypeHydrationStarted, vpath, events.HydrationPayload{
		Path: vpath, FromTier: remoteTier, ToTier: types.TierHot,
	})

	start := time.Now()
	data, err := o.remote.Read(ctx, vpath)
	if err != nil {
		o.publish(events.TypeHydrationFailed, vpath, events.HydrationPayload{
			Path: vpath, FromTier: remoteTier, Error: err.Error(),
		})
		return nil, err
	}

	o.bestEffort("cache population", vpath, func() error {
		_, cerr := o.cache.CacheFile(vpath, data)
		return cerr
	})
	if o.cache.IsCached(vpath) {
		o.publish(events.TypeHydrationCompleted, vpath, events.HydrationPayload{
			Path:     vpath,
			FromTier: remoteTier,
			ToTier:   types.TierHot,
			Bytes:    int64(len(data)),
			Duration: time.Since(start),
		})
	}
	return data, nil
}

// Write is write-through: the cache is updated first for immediate
// local visibility, then the remote. If the remote write fails, reads
// keep returning the updated bytes until the caller invalidates or
// retries.
func (o *Orchestrator) Write(ctx context.Context, vpath string, data []byte) error {
	o.bestEffort("cache write-through", vpath, func() error {
		_, err := o.cache.CacheFile(vpath, data)
		return err
	})
	return o.remote.Write(ctx, vpath, data)
}

// Delete removes the remote copy first (the source of truth), then
// best-effort drops the cached bytes.
func (o *Orchestrator) Delete(ctx context.Context, vpath string) error {
	if err := o.remote.Delete(ctx, vpath); err != nil {
		return err
	}
	o.bestEffort("cache cleanup on delete", vpath, func() error {
		err := o.cache.Invalidate(vpath)
		if sferrors.IsNotFound(err) {
			return nil
		}
		return err
	})
	return nil
}

// Metadata answers from the remote, which is the authority for
// structure and metadata, then folds in the live cache status.
func (o *Orchestrator) Metadata(ctx context.Context, vpath string) (types.VirtualFile, error) {
	vf, err := o.remote.Stat(ctx, vpath)
	if err != nil {
		return types.VirtualFile{}, err
	}
	return o.annotate(vf), nil
}

// ListDir lists from the remote and annotates each entry with cache
// status. The cache only ever holds bytes, never structure.
func (o *Orchestrator) ListDir(ctx context.Context, dir string) ([]types.VirtualFile, error) {
	files, err := o.remote.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	for i := range files {
		files[i] = o.annotate(files[i])
	}
	return files, nil
}

// Hydrate force-populates the cache for a path and returns the local
// cache file location. Unlike Read, a cache failure here is an error:
// the caller asked for a local copy specifically.
func (o *Orchestrator) Hydrate(ctx context.Context, vpath string) (string, error) {
	if entry, ok := o.cache.Entry(vpath); ok {
		o.cache.Touch(vpath)
		return entry.CachePath, nil
	}
	remoteTier := o.remoteTier(ctx, vpath)
	o.publish(events.TypeHydrationStarted, vpath, events.HydrationPayload{
		Path: vpath, FromTier: remoteTier, ToTier: types.TierHot,
	})
	start := time.Now()
	data, err := o.remote.Read(ctx, vpath)
	if err != nil {
		o.publish(events.TypeHydrationFailed, vpath, events.HydrationPayload{
			Path: vpath, FromTier: remoteTier, Error: err.Error(),
		})
		return "", err
	}
	entry, err := o.cache.CacheFile(vpath, data)
	if err != nil {
		o.publish(events.TypeHydrationFailed, vpath, events.HydrationPayload{
			Path: vpath, FromTier: remoteTier, Error: err.Error(),
		})
		return "", err
	}
	o.publish(events.TypeHydrationCompleted, vpath, events.HydrationPayload{
		Path:     vpath,
		FromTier: remoteTier,
		ToTier:   types.TierHot,
		Bytes:    int64(len(data)),
		Duration: time.Since(start),
	})
	return entry.CachePath, nil
}

// SwallowedFailures reports how many best-effort failures were
// observed and ignored, so tests can assert failures were seen rather
// than lost.
func (o *Orchestrator) SwallowedFailures() uint64 {
	return atomic.LoadUint64(&o.swallowed)
}

// bestEffort runs a non-fatal attempt: the error is observed, logged,
// counted, and dropped.
func (o *Orchestrator) bestEffort(what, vpath string, fn func() error) {
	if err := fn(); err != nil {
		atomic.AddUint64(&o.swallowed, 1)
		o.logger.Warn("best-effort operation failed",
			zap.String("what", what), zap.String("path", vpath), zap.Error(err))
	}
}

// annotate overlays the live cache status on a remote entry: a cached
// file reads as Hot regardless of where its authoritative copy lives.
func (o *Orchestrator) annotate(vf types.VirtualFile) types.VirtualFile {
	if !vf.IsDir && o.cache.IsCached(vf.Path) {
		vf.Tier = types.NewTierStatus(types.TierHot)
	}
	return vf
}

func (o *Orchestrator) remoteTier(ctx context.Context, vpath string) types.StorageTier {
	if vf, err := o.remote.Stat(ctx, vpath); err == nil {
		return vf.Tier.CurrentTier
	}
	return types.TierCold
}

func (o *Orchestrator) publish(eventType, subject string, payload events.HydrationPayload) {
	if o.bus != nil {
		o.bus.Publish(eventType, subject, payload)
	}
}
