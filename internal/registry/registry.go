// Package registry is the orchestration surface of StrataFS. It owns
// the single cache engine and the map of named storage sources, routes
// every caller request to the right adapter, and folds cache/tier
// status and user metadata into results before they leave the core.
package registry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratafs/stratafs/internal/cache"
	"github.com/stratafs/stratafs/internal/config"
	"github.com/stratafs/stratafs/internal/events"
	"github.com/stratafs/stratafs/internal/hydrate"
	"github.com/stratafs/stratafs/internal/metadata"
	"github.com/stratafs/stratafs/internal/metrics"
	"github.com/stratafs/stratafs/internal/storage"
	"github.com/stratafs/stratafs/internal/storage/hybrid"
	"github.com/stratafs/stratafs/internal/storage/local"
	"github.com/stratafs/stratafs/internal/storage/netshare"
	"github.com/stratafs/stratafs/internal/storage/s3"
	sferrors "github.com/stratafs/stratafs/pkg/errors"
	"github.com/stratafs/stratafs/pkg/types"
)

// sourceEntry bundles one registered source with its adapter and the
// hydration orchestrator bound to it.
type sourceEntry struct {
	source   types.StorageSource
	adapter  storage.Adapter
	hydrator *hydrate.Orchestrator
}

// TreeTransferrer is the slice of the sync service that the
// cross-storage operations delegate to.
type TreeTransferrer interface {
	CopyTree(ctx context.Context, srcID, dstID, srcPath, dstPath string) (*types.SyncResult, error)
	MoveTree(ctx context.Context, srcID, dstID, srcPath, dstPath string) (*types.SyncResult, error)
}

// Registry routes file operations to registered sources. Constructed
// once at process start and passed by shared reference; there is no
// global state.
type Registry struct {
	mu       sync.RWMutex
	sources  map[string]*sourceEntry
	transfer TreeTransferrer

	cache   *cache.Engine
	bus     *events.Bus
	meta    *metadata.Store
	metrics *metrics.Collector
	logger  *zap.Logger
}

// New creates a registry around the shared cache engine. bus, meta and
// collector may be nil.
func New(engine *cache.Engine, bus *events.Bus, meta *metadata.Store, collector *metrics.Collector, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sources: make(map[string]*sourceEntry),
		cache:   engine,
		bus:     bus,
		meta:    meta,
		metrics: collector,
		logger:  logger,
	}
}

// AddSource registers a backend described by cfg, constructs its
// adapter, and probes the connection. The returned StorageSource is
// the caller's handle; the registry stays the sole owner.
func (r *Registry) AddSource(ctx context.Context, cfg config.SourceConfig) (types.StorageSource, error) {
	kind := types.StorageSourceType(cfg.Type)
	adapter, mount, err := r.buildAdapter(ctx, kind, cfg)
	if err != nil {
		return types.StorageSource{}, err
	}

	src := types.StorageSource{
		ID:         uuid.NewString(),
		Name:       cfg.Name,
		Type:       kind,
		Provider:   cfg.Provider,
		MountPoint: mount,
		Status:     types.StatusConnecting,
	}
	if adapter.TestConnection(ctx) {
		src.Status = types.StatusConnected
	} else {
		src.Status = types.StatusDisconnected
	}

	entry := &sourceEntry{
		source:   src,
		adapter:  adapter,
		hydrator: hydrate.New(adapter, r.cache, r.bus, r.logger.With(zap.String("source", cfg.Name))),
	}

	r.mu.Lock()
	r.sources[src.ID] = entry
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.TypeStorageMounted, src.ID, events.StoragePayload{
			SourceID: src.ID, Name: src.Name, Type: src.Type,
		})
	}
	r.logger.Info("storage source registered",
		zap.String("id", src.ID), zap.String("name", src.Name), zap.String("type", string(src.Type)))
	return src, nil
}

func (r *Registry) buildAdapter(ctx context.Context, kind types.StorageSourceType, cfg config.SourceConfig) (storage.Adapter, string, error) {
	switch kind {
	case types.SourceLocal:
		a, err := local.New(cfg.Root)
		return a, cfg.Root, err
	case types.SourceNetShare:
		a, err := netshare.New(cfg.Root, r.logger)
		return a, cfg.Root, err
	case types.SourceHybrid:
		a, err := hybrid.New(cfg.Root)
		return a, cfg.Root, err
	case types.SourceObject:
		a, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			ForcePathStyle:  cfg.ForcePathStyle,
			Prefix:          cfg.Prefix,
			StorageClass:    cfg.StorageClass,
		})
		return a, "", err
	default:
		return nil, "", sferrors.E(sferrors.KindUnsupported, "registry.add_source", cfg.Name,
			fmt.Errorf("unknown source type %q", kind))
	}
}

// RegisterAdapter registers a pre-built adapter under a name. Used by
// embedders and tests that construct adapters themselves.
func (r *Registry) RegisterAdapter(name string, kind types.StorageSourceType, adapter storage.Adapter) types.StorageSource {
	src := types.StorageSource{
		ID:     uuid.NewString(),
		Name:   name,
		Type:   kind,
		Status: types.StatusConnected,
	}
	entry := &sourceEntry{
		source:   src,
		adapter:  adapter,
		hydrator: hydrate.New(adapter, r.cache, r.bus, r.logger.With(zap.String("source", name))),
	}
	r.mu.Lock()
	r.sources[src.ID] = entry
	r.mu.Unlock()
	if r.bus != nil {
		r.bus.Publish(events.TypeStorageMounted, src.ID, events.StoragePayload{
			SourceID: src.ID, Name: name, Type: kind,
		})
	}
	return src
}

// RemoveSource unregisters a source. Cached bytes for its paths stay
// in the cache until they age out.
func (r *Registry) RemoveSource(id string) error {
	r.mu.Lock()
	entry, ok := r.sources[id]
	if !ok {
		r.mu.Unlock()
		return sferrors.NotFound("registry.remove_source", id)
	}
	delete(r.sources, id)
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.TypeStorageUnmounted, id, events.StoragePayload{
			SourceID: id, Name: entry.source.Name, Type: entry.source.Type,
		})
	}
	return nil
}

// ListSources returns all registered sources.
func (r *Registry) ListSources() []types.StorageSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.StorageSource, 0, len(r.sources))
	for _, entry := range r.sources {
		out = append(out, entry.source)
	}
	return out
}

// GetSource returns one source by id.
func (r *Registry) GetSource(id string) (types.StorageSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sources[id]
	if !ok {
		return types.StorageSource{}, sferrors.NotFound("registry.get_source", id)
	}
	return entry.source, nil
}

// TransferTargets returns every source except the one excluded, which
// is the candidate destination set for a cross-storage transfer.
func (r *Registry) TransferTargets(excludeID string) []types.StorageSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.StorageSource, 0, len(r.sources))
	for id, entry := range r.sources {
		if id == excludeID {
			continue
		}
		out = append(out, entry.source)
	}
	return out
}

// Adapter resolves a source id to its adapter. Implements the sync
// service's Resolver.
func (r *Registry) Adapter(sourceID string) (storage.Adapter, error) {
	entry, err := r.entry(sourceID)
	if err != nil {
		return nil, err
	}
	return entry.adapter, nil
}

func (r *Registry) entry(sourceID string) (*sourceEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sources[sourceID]
	if !ok {
		return nil, sferrors.NotFound("registry.resolve", sourceID)
	}
	return entry, nil
}

// ListFiles lists a directory, annotated with live tier/cache status
// and user metadata.
func (r *Registry) ListFiles(ctx context.Context, sourceID, dir string) ([]types.VirtualFile, error) {
	entry, err := r.entry(sourceID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	files, err := entry.hydrator.ListDir(ctx, dir)
	r.metrics.ObserveOp("list", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if r.meta != nil {
		for i := range files {
			files[i].Meta = r.meta.Get(files[i].Path)
		}
	}
	return files, nil
}

// Read serves file bytes cache-aside through the source's hydrator.
func (r *Registry) Read(ctx context.Context, sourceID, path string) ([]byte, error) {
	entry, err := r.entry(sourceID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	data, err := entry.hydrator.Read(ctx, path)
	r.metrics.ObserveOp("read", time.Since(start), err)
	return data, err
}

// Write writes through the cache to the backend.
func (r *Registry) Write(ctx context.Context, sourceID, path string, data []byte) error {
	entry, err := r.entry(sourceID)
	if err != nil {
		return err
	}
	start := time.Now()
	err = entry.hydrator.Write(ctx, path, data)
	r.metrics.ObserveOp("write", time.Since(start), err)
	return err
}

// Delete removes the backend copy and best-effort drops cached bytes.
func (r *Registry) Delete(ctx context.Context, sourceID, path string) error {
	entry, err := r.entry(sourceID)
	if err != nil {
		return err
	}
	start := time.Now()
	err = entry.hydrator.Delete(ctx, path)
	r.metrics.ObserveOp("delete", time.Since(start), err)
	if err == nil && r.meta != nil {
		_ = r.meta.Delete(storage.NormalizePath(path))
	}
	return err
}

// Stat returns one annotated entry.
func (r *Registry) Stat(ctx context.Context, sourceID, path string) (types.VirtualFile, error) {
	entry, err := r.entry(sourceID)
	if err != nil {
		return types.VirtualFile{}, err
	}
	vf, err := entry.hydrator.Metadata(ctx, path)
	if err != nil {
		return types.VirtualFile{}, err
	}
	if r.meta != nil {
		vf.Meta = r.meta.Get(vf.Path)
	}
	return vf, nil
}

// Hydrate force-populates the cache for a path and returns the local
// cache file location.
func (r *Registry) Hydrate(ctx context.Context, sourceID, path string) (string, error) {
	entry, err := r.entry(sourceID)
	if err != nil {
		return "", err
	}
	start := time.Now()
	cachePath, err := entry.hydrator.Hydrate(ctx, path)
	r.metrics.ObserveOp("hydrate", time.Since(start), err)
	return cachePath, err
}

// Exists checks a path on the backend.
func (r *Registry) Exists(ctx context.Context, sourceID, path string) (bool, error) {
	entry, err := r.entry(sourceID)
	if err != nil {
		return false, err
	}
	return entry.adapter.Exists(ctx, path)
}

// Mkdir creates a directory on the backend.
func (r *Registry) Mkdir(ctx context.Context, sourceID, path string) error {
	entry, err := r.entry(sourceID)
	if err != nil {
		return err
	}
	return entry.adapter.CreateDir(ctx, path)
}

// Remove deletes a file or an empty directory; a non-empty directory
// is refused (use RemoveAll).
func (r *Registry) Remove(ctx context.Context, sourceID, path string) error {
	entry, err := r.entry(sourceID)
	if err != nil {
		return err
	}
	vf, err := entry.adapter.Stat(ctx, path)
	if err != nil {
		return err
	}
	if vf.IsDir {
		children, err := entry.adapter.List(ctx, path)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return sferrors.E(sferrors.KindInternal, "registry.remove", path,
				fmt.Errorf("directory not empty"))
		}
	}
	return entry.hydrator.Delete(ctx, path)
}

// RemoveAll deletes a path recursively.
func (r *Registry) RemoveAll(ctx context.Context, sourceID, path string) error {
	entry, err := r.entry(sourceID)
	if err != nil {
		return err
	}
	return entry.hydrator.Delete(ctx, path)
}

// fileOps unwraps the richer surface, or reports Unsupported.
func (r *Registry) fileOps(sourceID, op, path string) (storage.FileOps, error) {
	entry, err := r.entry(sourceID)
	if err != nil {
		return nil, err
	}
	ops, ok := entry.adapter.(storage.FileOps)
	if !ok {
		return nil, sferrors.Unsupported(op, path)
	}
	return ops, nil
}

// Rename renames within one source.
func (r *Registry) Rename(ctx context.Context, sourceID, oldPath, newPath string) error {
	ops, err := r.fileOps(sourceID, "registry.rename", oldPath)
	if err != nil {
		return err
	}
	if err := ops.Rename(ctx, oldPath, newPath); err != nil {
		return err
	}
	// The cached bytes belong to the old name now gone.
	if err := r.cache.Invalidate(storage.NormalizePath(oldPath)); err != nil && !sferrors.IsNotFound(err) {
		r.logger.Warn("cache invalidation after rename failed", zap.String("path", oldPath), zap.Error(err))
	}
	return nil
}

// Copy copies within one source under the safety defaults: never
// overwrite, never recurse, unless the options say so.
func (r *Registry) Copy(ctx context.Context, sourceID, srcPath, dstPath string, opts types.CopyOptions) error {
	ops, err := r.fileOps(sourceID, "registry.copy", srcPath)
	if err != nil {
		return err
	}
	return ops.Copy(ctx, srcPath, dstPath, opts)
}

// Chmod changes permissions where the backend can express them.
func (r *Registry) Chmod(ctx context.Context, sourceID, path string, mode os.FileMode) error {
	ops, err := r.fileOps(sourceID, "registry.chmod", path)
	if err != nil {
		return err
	}
	return ops.Chmod(ctx, path, mode)
}

// Touch creates or freshens a path.
func (r *Registry) Touch(ctx context.Context, sourceID, path string) error {
	ops, err := r.fileOps(sourceID, "registry.touch", path)
	if err != nil {
		return err
	}
	return ops.Touch(ctx, path)
}

// Move renames within one source, falling back to copy plus delete on
// backends that cannot rename.
func (r *Registry) Move(ctx context.Context, sourceID, oldPath, newPath string) error {
	err := r.Rename(ctx, sourceID, oldPath, newPath)
	if !sferrors.IsUnsupported(err) {
		return err
	}
	vf, err := r.Stat(ctx, sourceID, oldPath)
	if err != nil {
		return err
	}
	opts := types.CopyOptions{Recursive: vf.IsDir}
	if err := r.Copy(ctx, sourceID, oldPath, newPath, opts); err != nil {
		return err
	}
	return r.RemoveAll(ctx, sourceID, oldPath)
}

// AttachTransfer wires the cross-storage transfer service. Call during
// startup, before CopyToSource or MoveToSource is used.
func (r *Registry) AttachTransfer(t TreeTransferrer) {
	r.mu.Lock()
	r.transfer = t
	r.mu.Unlock()
}

func (r *Registry) transferService(op string) (TreeTransferrer, error) {
	r.mu.RLock()
	t := r.transfer
	r.mu.RUnlock()
	if t == nil {
		return nil, sferrors.Internal(op, fmt.Errorf("no transfer service attached"))
	}
	return t, nil
}

// CopyToSource copies a tree from one source into another.
func (r *Registry) CopyToSource(ctx context.Context, srcID, srcPath, dstID, dstPath string) (*types.SyncResult, error) {
	t, err := r.transferService("registry.copy_to_source")
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := t.CopyTree(ctx, srcID, dstID, srcPath, dstPath)
	r.metrics.ObserveOp("copy_to_source", time.Since(start), err)
	return res, err
}

// MoveToSource moves a tree between sources. The source tree is only
// removed after the copy completed in full.
func (r *Registry) MoveToSource(ctx context.Context, srcID, srcPath, dstID, dstPath string) (*types.SyncResult, error) {
	t, err := r.transferService("registry.move_to_source")
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := t.MoveTree(ctx, srcID, dstID, srcPath, dstPath)
	r.metrics.ObserveOp("move_to_source", time.Since(start), err)
	return res, err
}

// SetMetadata stores user metadata for a path.
func (r *Registry) SetMetadata(path string, md types.UserMetadata) error {
	if r.meta == nil {
		return sferrors.Unsupported("registry.set_metadata", path)
	}
	return r.meta.Set(storage.NormalizePath(path), md)
}

// CacheStats exposes cache accounting read-only to collaborators.
func (r *Registry) CacheStats() types.CacheStats {
	return r.cache.Stats()
}

// ClearCache drops every cached entry.
func (r *Registry) ClearCache() error {
	return r.cache.Clear()
}
