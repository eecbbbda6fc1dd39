// Package syncer implements the tiering and cross-storage sync
// service: multi-file transfers between two storage adapters, conflict
// resolution, tier changes, dry-run estimates, and cooperative job
// cancellation. Transfers may stage data through the local cache when
// the direction involves a cold backend.
package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratafs/stratafs/internal/cache"
	"github.com/stratafs/stratafs/internal/events"
	"github.com/stratafs/stratafs/internal/metrics"
	"github.com/stratafs/stratafs/internal/storage"
	sferrors "github.com/stratafs/stratafs/pkg/errors"
	"github.com/stratafs/stratafs/pkg/types"
)

// assumedThroughput feeds the crude duration estimate in dry runs.
const assumedThroughput = 50 << 20 // bytes/s

// perFileOverhead covers request latency per file in estimates.
const perFileOverhead = 50 * time.Millisecond

// Resolver maps a source id to its adapter. The registry implements it.
type Resolver interface {
	Adapter(sourceID string) (storage.Adapter, error)
}

// Service orchestrates multi-file cross-storage operations.
type Service struct {
	resolver Resolver
	cache    *cache.Engine
	jobs     *JobStore
	bus      *events.Bus
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New creates the service. bus and collector may be nil.
func New(resolver Resolver, engine *cache.Engine, jobs *JobStore, bus *events.Bus, collector *metrics.Collector, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		resolver: resolver,
		cache:    engine,
		jobs:     jobs,
		bus:      bus,
		metrics:  collector,
		logger:   logger,
	}
}

// Sync runs a request to completion and returns its terminal result.
// Per-file failures accumulate in the result; only setup problems
// (unknown sources, unreadable request paths) fail the call itself.
func (s *Service) Sync(ctx context.Context, req types.SyncRequest) (*types.SyncResult, error) {
	return s.run(ctx, "", req, nil)
}

// Start runs a request as a persisted, cancellable job. Progress
// records arrive on the returned channel in file-processing order; the
// channel closes once the terminal result is stored. Consumers may
// stop receiving early without affecting the transfer.
func (s *Service) Start(ctx context.Context, req types.SyncRequest) (types.SyncJob, <-chan types.SyncProgress, error) {
	job := types.SyncJob{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    types.JobPending,
		StartedAt: time.Now(),
	}
	if err := s.jobs.Save(&job); err != nil {
		return types.SyncJob{}, nil, err
	}

	progress := make(chan types.SyncProgress, 64)
	go func() {
		defer close(progress)
		_ = s.jobs.SetStatus(job.ID, types.JobProcessing)
		result, err := s.run(ctx, job.ID, req, progress)

		final, gerr := s.jobs.Get(job.ID)
		if gerr != nil {
			return
		}
		switch {
		case final.Status == types.JobCancelled:
			// keep the cancelled status, attach the partial result
		case err != nil:
			final.Status = types.JobFailed
			final.Error = err.Error()
		default:
			final.Status = types.JobCompleted
		}
		final.Result = result
		if err := s.jobs.Save(&final); err != nil {
			s.logger.Warn("failed to persist job result", zap.String("job", job.ID), zap.Error(err))
		}
	}()
	return job, progress, nil
}

// Cancel flips a job to Cancelled. The running task observes the flip
// at its next file boundary; the in-flight file completes first.
func (s *Service) Cancel(jobID string) error {
	return s.jobs.SetStatus(jobID, types.JobCancelled)
}

// Resume replays the persisted request of a job that stopped short of
// completion, whether cancelled or interrupted by a restart. The rerun
// gets a fresh job id so the original record stays intact; a completed
// job has nothing to resume and is refused.
func (s *Service) Resume(ctx context.Context, jobID string) (types.SyncJob, <-chan types.SyncProgress, error) {
	job, err := s.jobs.Get(jobID)
	if err != nil {
		return types.SyncJob{}, nil, err
	}
	if !job.Status.IsTerminal() {
		return types.SyncJob{}, nil, sferrors.E(sferrors.KindInternal, "sync.resume", jobID,
			fmt.Errorf("job is still running"))
	}
	if job.Status == types.JobCompleted {
		return types.SyncJob{}, nil, sferrors.AlreadyExists("sync.resume", jobID)
	}
	return s.Start(ctx, job.Request)
}

// Job returns one job record.
func (s *Service) Job(id string) (types.SyncJob, error) { return s.jobs.Get(id) }

// Jobs lists all job records, newest first.
func (s *Service) Jobs() []types.SyncJob { return s.jobs.List() }

// plan is the scanned file set a sync will process.
type plan struct {
	entries    []types.VirtualFile // dirs before their descendants
	totalFiles int
	totalBytes int64
}

// run executes one sync pass. jobID is empty for synchronous calls.
func (s *Service) run(ctx context.Context, jobID string, req types.SyncRequest, progress chan<- types.SyncProgress) (*types.SyncResult, error) {
	src, err := s.resolver.Adapter(req.SourceID)
	if err != nil {
		return nil, err
	}
	dst, err := s.resolver.Adapter(req.DestinationID)
	if err != nil {
		return nil, err
	}

	s.publish(events.TypeSyncStarted, jobID, req)
	start := time.Now()
	result := &types.SyncResult{}

	pl, err := s.scan(ctx, src, req.Paths)
	if err != nil {
		return nil, err
	}

	staging := req.UseCache && directionInvolvesCold(req.Direction)
	var filesDone int
	// keep holds every destination path the orphan pass must not touch:
	// the source file set plus destination names this pass wrote, which
	// differ under Merge.
	keep := make(map[string]bool, pl.totalFiles)

	for _, entry := range pl.entries {
		if s.cancelled(jobID) {
			break
		}
		if entry.IsDir {
			// Destination directories exist before any file below them.
			if err := dst.CreateDir(ctx, entry.Path); err != nil {
				result.FilesFailed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Path, err))
			}
			continue
		}
		keep[entry.Path] = true
		s.emit(progress, types.SyncProgress{
			JobID: jobID, CurrentFile: entry.Path, Phase: types.PhaseComparing,
			FilesDone: filesDone, FilesTotal: pl.totalFiles,
			BytesDone: result.BytesTransferred, BytesTotal: pl.totalBytes,
			Percent: percent(filesDone, pl.totalFiles),
		})

		destPath, transfer, err := s.decide(ctx, dst, entry, req.Mode)
		if err != nil {
			result.FilesFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Path, err))
			s.metrics.SyncFile("failed")
			filesDone++
			continue
		}
		if !transfer {
			result.FilesSkipped++
			s.metrics.SyncFile("skipped")
			filesDone++
			continue
		}

		phase := types.PhaseCopying
		if staging {
			phase = types.PhaseCaching
		}
		s.emit(progress, types.SyncProgress{
			JobID: jobID, CurrentFile: entry.Path, Phase: phase,
			FilesDone: filesDone, FilesTotal: pl.totalFiles,
			BytesDone: result.BytesTransferred, BytesTotal: pl.totalBytes,
			Percent: percent(filesDone, pl.totalFiles),
		})

		data, usedCache, err := s.readSource(ctx, src, entry.Path, staging)
		if err == nil {
			err = dst.Write(ctx, destPath, data)
		}
		if err != nil {
			result.FilesFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Path, err))
			s.metrics.SyncFile("failed")
		} else {
			result.FilesSynced++
			result.BytesTransferred += int64(len(data))
			result.UsedCache = result.UsedCache || usedCache
			keep[destPath] = true
			s.metrics.SyncFile("synced")
			s.metrics.SyncBytes(int64(len(data)))
		}
		filesDone++
	}

	if req.DeleteOrphans && result.FilesFailed == 0 && !s.cancelled(jobID) {
		s.deleteOrphans(ctx, dst, req.Paths, keep, result, progress, jobID)
	}

	result.Duration = time.Since(start)
	s.publish(events.TypeSyncCompleted, jobID, result)
	return result, nil
}

// decide applies the conflict policy for one source file and returns
// the destination path plus whether to transfer.
func (s *Service) decide(ctx context.Context, dst storage.Adapter, src types.VirtualFile, mode types.SyncMode) (string, bool, error) {
	existing, err := dst.Stat(ctx, src.Path)
	if err != nil {
		if sferrors.IsNotFound(err) {
			return src.Path, true, nil
		}
		return "", false, err
	}

	switch mode {
	case types.ModeForceOverwrite:
		return src.Path, true, nil
	case types.ModeSkipExisting:
		return src.Path, false, nil
	case types.ModeNewerWins:
		return src.Path, src.ModTime.After(existing.ModTime), nil
	case types.ModeLargerWins:
		return src.Path, src.Size > existing.Size, nil
	case types.ModeMerge:
		alt, err := s.mergeName(ctx, dst, src.Path)
		if err != nil {
			return "", false, err
		}
		return alt, true, nil
	default:
		return "", false, sferrors.E(sferrors.KindInternal, "sync.decide", src.Path,
			fmt.Errorf("unknown sync mode %q", mode))
	}
}

// mergeName finds a free disambiguated destination name: "a.txt"
// becomes "a (1).txt", then "a (2).txt", and so on.
func (s *Service) mergeName(ctx context.Context, dst storage.Adapter, vpath string) (string, error) {
	dir := storage.ParentPath(vpath)
	base := storage.BaseName(vpath)
	ext := ""
	if i := strings.LastIndex(base, "."); i > 0 {
		ext = base[i:]
		base = base[:i]
	}
	for n := 1; n < 1000; n++ {
		candidate := storage.JoinPath(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		exists, err := dst.Exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", sferrors.E(sferrors.KindAlreadyExists, "sync.merge", vpath,
		fmt.Errorf("no free merge name"))
}

// readSource reads one file, optionally staging through the cache so
// a file participating in several operations is read from the slow
// backend only once.
func (s *Service) readSource(ctx context.Context, src storage.Adapter, vpath string, staging bool) ([]byte, bool, error) {
	if staging && s.cache != nil {
		if s.cache.IsCached(vpath) {
			if data, err := s.cache.ReadFromCache(vpath); err == nil {
				return data, true, nil
			}
		}
		data, err := src.Read(ctx, vpath)
		if err != nil {
			return nil, false, err
		}
		if _, err := s.cache.CacheFile(vpath, data); err != nil {
			s.logger.Warn("cache staging failed, continuing direct",
				zap.String("path", vpath), zap.Error(err))
			return data, false, nil
		}
		return data, true, nil
	}
	data, err := src.Read(ctx, vpath)
	return data, false, err
}

// scan walks the requested paths depth-first, directories before their
// descendants, producing the exact file set a transfer would process.
func (s *Service) scan(ctx context.Context, src storage.Adapter, paths []string) (*plan, error) {
	pl := &plan{}
	for _, p := range paths {
		vf, err := src.Stat(ctx, storage.NormalizePath(p))
		if err != nil {
			return nil, err
		}
		if err := s.walk(ctx, src, vf, pl); err != nil {
			return nil, err
		}
	}
	return pl, nil
}

func (s *Service) walk(ctx context.Context, src storage.Adapter, vf types.VirtualFile, pl *plan) error {
	pl.entries = append(pl.entries, vf)
	if !vf.IsDir {
		pl.totalFiles++
		pl.totalBytes += vf.Size
		return nil
	}
	children, err := src.List(ctx, vf.Path)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.walk(ctx, src, child, pl); err != nil {
			return err
		}
	}
	return nil
}

// deleteOrphans prunes destination files absent from the kept set. It
// only runs after a transfer pass with no failures.
func (s *Service) deleteOrphans(ctx context.Context, dst storage.Adapter, roots []string, keep map[string]bool, result *types.SyncResult, progress chan<- types.SyncProgress, jobID string) {
	for _, root := range roots {
		vf, err := dst.Stat(ctx, storage.NormalizePath(root))
		if err != nil || !vf.IsDir {
			continue
		}
		pl := &plan{}
		if err := s.walk(ctx, dst, vf, pl); err != nil {
			continue
		}
		for _, entry := range pl.entries {
			if entry.IsDir || keep[entry.Path] {
				continue
			}
			s.emit(progress, types.SyncProgress{
				JobID: jobID, CurrentFile: entry.Path, Phase: types.PhaseDeleting,
			})
			if err := dst.Delete(ctx, entry.Path); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Path, err))
			}
		}
	}
}

// EstimateSync sizes a request without transferring anything. It scans
// the same file set the real sync would, so file and byte counts are
// exact; only the duration is approximate.
func (s *Service) EstimateSync(ctx context.Context, req types.SyncRequest) (*types.SyncEstimate, error) {
	src, err := s.resolver.Adapter(req.SourceID)
	if err != nil {
		return nil, err
	}
	pl, err := s.scan(ctx, src, req.Paths)
	if err != nil {
		return nil, err
	}

	est := &types.SyncEstimate{
		TotalFiles: pl.totalFiles,
		TotalBytes: pl.totalBytes,
	}
	if req.UseCache && directionInvolvesCold(req.Direction) {
		for _, entry := range pl.entries {
			if !entry.IsDir && !s.cache.IsCached(entry.Path) {
				est.FilesToStage++
			}
		}
	}
	est.EstimatedDuration = time.Duration(pl.totalBytes/assumedThroughput)*time.Second +
		time.Duration(pl.totalFiles)*perFileOverhead
	return est, nil
}

// ChangeTier moves files to the requested tier within one source. For
// object/block backends this is a full rewrite through the adapter's
// tiering surface; promotion to Hot is a forced hydration into the
// cache. A file already on the target tier is a no-op success.
func (s *Service) ChangeTier(ctx context.Context, req types.TieringRequest) (*types.SyncResult, error) {
	adapter, err := s.resolver.Adapter(req.SourceID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result := &types.SyncResult{}

	pl, err := s.scan(ctx, adapter, req.Paths)
	if err != nil {
		return nil, err
	}
	for _, entry := range pl.entries {
		if entry.IsDir {
			continue
		}
		fromTier := entry.Tier.CurrentTier
		if entry.Tier.IsCached {
			fromTier = types.TierHot
		}
		if fromTier == req.TargetTier || (req.TargetTier == types.TierHot && s.cache.IsCached(entry.Path)) {
			result.FilesSkipped++
			continue
		}

		var terr error
		if req.TargetTier == types.TierHot {
			terr = s.promote(ctx, adapter, entry.Path)
			result.UsedCache = result.UsedCache || terr == nil
		} else {
			tierer, ok := adapter.(storage.Tierer)
			if !ok {
				terr = sferrors.Unsupported("sync.change_tier", entry.Path)
			} else {
				terr = tierer.SetTier(ctx, entry.Path, req.TargetTier)
			}
		}
		if terr != nil {
			result.FilesFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Path, terr))
			continue
		}
		result.FilesSynced++
		result.BytesTransferred += entry.Size
		s.publish(events.TypeTierChanged, entry.Path, events.TierPayload{
			Path: entry.Path, FromTier: fromTier, ToTier: req.TargetTier,
		})
	}
	result.Duration = time.Since(start)
	return result, nil
}

// promote hydrates one file into the cache, which is what Hot means.
func (s *Service) promote(ctx context.Context, adapter storage.Adapter, vpath string) error {
	data, err := adapter.Read(ctx, vpath)
	if err != nil {
		return err
	}
	_, err = s.cache.CacheFile(vpath, data)
	return err
}

// CopyTree copies a path (recursing into directories, parents first)
// from one source to another. The destination tree is left in place on
// partial failure for inspection.
func (s *Service) CopyTree(ctx context.Context, srcID, dstID, srcPath, dstPath string) (*types.SyncResult, error) {
	src, err := s.resolver.Adapter(srcID)
	if err != nil {
		return nil, err
	}
	dst, err := s.resolver.Adapter(dstID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result := &types.SyncResult{}
	if err := s.copyTree(ctx, src, dst, storage.NormalizePath(srcPath), storage.NormalizePath(dstPath), result); err != nil {
		result.Duration = time.Since(start)
		return result, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

// MoveTree is copy then recursive delete of the source subtree. The
// delete runs only after the entire copy succeeded; partial failure
// never touches the source.
func (s *Service) MoveTree(ctx context.Context, srcID, dstID, srcPath, dstPath string) (*types.SyncResult, error) {
	result, err := s.CopyTree(ctx, srcID, dstID, srcPath, dstPath)
	if err != nil {
		return result, err
	}
	if result.FilesFailed > 0 {
		return result, sferrors.E(sferrors.KindInternal, "sync.move", srcPath,
			fmt.Errorf("%d files failed to copy, source retained", result.FilesFailed))
	}
	src, err := s.resolver.Adapter(srcID)
	if err != nil {
		return result, err
	}
	if err := src.Delete(ctx, storage.NormalizePath(srcPath)); err != nil {
		return result, err
	}
	return result, nil
}

// copyTree recurses depth-first, creating each destination directory
// before any file within it. A directory counts as transferred only
// once every descendant has transferred; file errors propagate up so
// the caller never deletes a partially copied source.
func (s *Service) copyTree(ctx context.Context, src, dst storage.Adapter, srcPath, dstPath string, result *types.SyncResult) error {
	vf, err := src.Stat(ctx, srcPath)
	if err != nil {
		return err
	}
	if !vf.IsDir {
		data, err := src.Read(ctx, srcPath)
		if err == nil {
			err = dst.Write(ctx, dstPath, data)
		}
		if err != nil {
			result.FilesFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", srcPath, err))
			return err
		}
		result.FilesSynced++
		result.BytesTransferred += int64(len(data))
		s.metrics.SyncBytes(int64(len(data)))
		return nil
	}

	if err := dst.CreateDir(ctx, dstPath); err != nil {
		return err
	}
	children, err := src.List(ctx, srcPath)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.copyTree(ctx, src, dst, child.Path, storage.JoinPath(dstPath, child.Name), result); err != nil {
			return err
		}
	}
	return nil
}

// cancelled reports whether the job was flipped to Cancelled. Checked
// at file boundaries only; cancellation is cooperative.
func (s *Service) cancelled(jobID string) bool {
	if jobID == "" {
		return false
	}
	status, err := s.jobs.Status(jobID)
	if err != nil {
		return false
	}
	return status == types.JobCancelled
}

// emit sends one progress record without blocking: a slow or departed
// consumer never stalls the transfer.
func (s *Service) emit(ch chan<- types.SyncProgress, p types.SyncProgress) {
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	default:
	}
}

func (s *Service) publish(eventType, subject string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(eventType, subject, payload)
	}
}

func percent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}

// directionInvolvesCold reports whether the source side of a transfer
// is a cold backend, which is when cache staging pays off.
func directionInvolvesCold(d types.SyncDirection) bool {
	switch d {
	case types.DirectionObjectToBlock, types.DirectionToHot, types.DirectionBidirectional:
		return true
	default:
		return false
	}
}
