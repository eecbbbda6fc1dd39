package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/stratafs/internal/cache"
	"github.com/stratafs/stratafs/internal/storage"
	"github.com/stratafs/stratafs/internal/storage/hybrid"
	"github.com/stratafs/stratafs/internal/storage/local"
	sferrors "github.com/stratafs/stratafs/pkg/errors"
	"github.com/stratafs/stratafs/pkg/types"
)

// mapResolver is a fixed id-to-adapter mapping standing in for the
// registry.
type mapResolver map[string]storage.Adapter

func (m mapResolver) Adapter(id string) (storage.Adapter, error) {
	a, ok := m[id]
	if !ok {
		return nil, sferrors.NotFound("resolver", id)
	}
	return a, nil
}

// gatedAdapter blocks each Read until the test releases it, so tests
// can interleave cancellation with a running transfer.
type gatedAdapter struct {
	storage.Adapter
	gate chan struct{}
}

func (g *gatedAdapter) Read(ctx context.Context, path string) ([]byte, error) {
	<-g.gate
	return g.Adapter.Read(ctx, path)
}

// failWriter fails writes to one destination path.
type failWriter struct {
	storage.Adapter
	failPath string
}

func (f *failWriter) Write(ctx context.Context, path string, data []byte) error {
	if storage.NormalizePath(path) == f.failPath {
		return sferrors.Unavailable("fail.write", fmt.Errorf("injected failure"))
	}
	return f.Adapter.Write(ctx, path, data)
}

func newLocal(t *testing.T) *local.Adapter {
	t.Helper()
	a, err := local.New(t.TempDir())
	require.NoError(t, err)
	return a
}

func newService(t *testing.T, resolver Resolver) (*Service, *cache.Engine) {
	t.Helper()
	engine, err := cache.New(types.CacheConfig{Directory: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	jobs, err := NewJobStore(filepath.Join(t.TempDir(), "jobs.json"))
	require.NoError(t, err)
	return New(resolver, engine, jobs, nil, nil, nil), engine
}

func seed(t *testing.T, a storage.Adapter, files map[string]string) {
	t.Helper()
	ctx := context.Background()
	for path, content := range files {
		require.NoError(t, a.Write(ctx, path, []byte(content)))
	}
}

func TestSync_CopiesTree(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	seed(t, src, map[string]string{
		"/photos/a.jpg":      "aaa",
		"/photos/sub/b.jpg":  "bbbb",
		"/photos/sub/c.jpg":  "c",
	})
	svc, _ := newService(t, mapResolver{"src": src, "dst": dst})

	result, err := svc.Sync(context.Background(), types.SyncRequest{
		SourceID:      "src",
		DestinationID: "dst",
		Paths:         []string{"/photos"},
		Mode:          types.ModeForceOverwrite,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.FilesSynced)
	assert.Equal(t, 0, result.FilesFailed)
	assert.Equal(t, int64(8), result.BytesTransferred)

	data, err := dst.Read(context.Background(), "/photos/sub/b.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("bbbb"), data)
}

func TestSync_SkipExisting(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	seed(t, src, map[string]string{"/a.txt": "from source"})
	seed(t, dst, map[string]string{"/a.txt": "already here"})
	svc, _ := newService(t, mapResolver{"src": src, "dst": dst})

	result, err := svc.Sync(context.Background(), types.SyncRequest{
		SourceID: "src", DestinationID: "dst",
		Paths: []string{"/a.txt"}, Mode: types.ModeSkipExisting,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, result.FilesSynced)
	assert.Equal(t, 1, result.FilesSkipped)

	data, _ := dst.Read(context.Background(), "/a.txt")
	assert.Equal(t, []byte("already here"), data, "existing destination copy untouched")
}

func TestSync_NewerWins(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	ctx := context.Background()
	seed(t, src, map[string]string{"/a.txt": "new version", "/b.txt": "old version"})
	seed(t, dst, map[string]string{"/a.txt": "stale", "/b.txt": "fresh"})

	old := time.Now().Add(-time.Hour)
	require.NoError(t, dst.SetTimes(ctx, "/a.txt", old, old), "destination a.txt is older")
	require.NoError(t, src.SetTimes(ctx, "/b.txt", old, old), "source b.txt is older")

	svc, _ := newService(t, mapResolver{"src": src, "dst": dst})
	result, err := svc.Sync(ctx, types.SyncRequest{
		SourceID: "src", DestinationID: "dst",
		Paths: []string{"/a.txt", "/b.txt"}, Mode: types.ModeNewerWins,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesSynced)
	assert.Equal(t, 1, result.FilesSkipped)

	data, _ := dst.Read(ctx, "/a.txt")
	assert.Equal(t, []byte("new version"), data)
	data, _ = dst.Read(ctx, "/b.txt")
	assert.Equal(t, []byte("fresh"), data)
}

func TestSync_LargerWins(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	seed(t, src, map[string]string{"/a.txt": "long content wins"})
	seed(t, dst, map[string]string{"/a.txt": "short"})
	svc, _ := newService(t, mapResolver{"src": src, "dst": dst})

	result, err := svc.Sync(context.Background(), types.SyncRequest{
		SourceID: "src", DestinationID: "dst",
		Paths: []string{"/a.txt"}, Mode: types.ModeLargerWins,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesSynced)

	data, _ := dst.Read(context.Background(), "/a.txt")
	assert.Equal(t, []byte("long content wins"), data)
}

func TestSync_MergeDisambiguatesNames(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	ctx := context.Background()
	seed(t, src, map[string]string{"/report.txt": "incoming"})
	seed(t, dst, map[string]string{
		"/report.txt":     "original",
		"/report (1).txt": "first copy",
	})
	svc, _ := newService(t, mapResolver{"src": src, "dst": dst})

	result, err := svc.Sync(ctx, types.SyncRequest{
		SourceID: "src", DestinationID: "dst",
		Paths: []string{"/report.txt"}, Mode: types.ModeMerge,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesSynced)

	data, err := dst.Read(ctx, "/report (2).txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("incoming"), data)
	data, _ = dst.Read(ctx, "/report.txt")
	assert.Equal(t, []byte("original"), data)
}

func TestSync_DeleteOrphans(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	ctx := context.Background()
	seed(t, src, map[string]string{"/dir/keep.txt": "k"})
	seed(t, dst, map[string]string{"/dir/keep.txt": "old", "/dir/orphan.txt": "o"})
	svc, _ := newService(t, mapResolver{"src": src, "dst": dst})

	_, err := svc.Sync(ctx, types.SyncRequest{
		SourceID: "src", DestinationID: "dst",
		Paths: []string{"/dir"}, Mode: types.ModeForceOverwrite,
		DeleteOrphans: true,
	})
	require.NoError(t, err)

	exists, _ := dst.Exists(ctx, "/dir/orphan.txt")
	assert.False(t, exists, "orphan pruned after a clean pass")
	exists, _ = dst.Exists(ctx, "/dir/keep.txt")
	assert.True(t, exists)
}

func TestSync_MergeSurvivesOrphanPass(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	seed(t, src, map[string]string{"/d/a.txt": "new"})
	seed(t, dst, map[string]string{"/d/a.txt": "old"})
	svc, _ := newService(t, mapResolver{"src": src, "dst": dst})

	result, err := svc.Sync(context.Background(), types.SyncRequest{
		SourceID: "src", DestinationID: "dst",
		Paths: []string{"/d"}, Mode: types.ModeMerge,
		DeleteOrphans: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesSynced)
	assert.Empty(t, result.Errors)

	// Both survive: the pre-existing destination file and the copy the
	// merge just wrote under its disambiguated name.
	data, err := dst.Read(context.Background(), "/d/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), data)

	data, err = dst.Read(context.Background(), "/d/a (1).txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
}

func TestSync_OrphansKeptWhenFilesFailed(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	ctx := context.Background()
	seed(t, src, map[string]string{"/dir/a.txt": "a"})
	seed(t, dst, map[string]string{"/dir/orphan.txt": "o"})
	failing := &failWriter{Adapter: dst, failPath: "/dir/a.txt"}
	svc, _ := newService(t, mapResolver{"src": src, "dst": failing})

	result, err := svc.Sync(ctx, types.SyncRequest{
		SourceID: "src", DestinationID: "dst",
		Paths: []string{"/dir"}, Mode: types.ModeForceOverwrite,
		DeleteOrphans: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesFailed)

	// Orphan deletion is destructive; it never runs after failures.
	exists, _ := dst.Exists(ctx, "/dir/orphan.txt")
	assert.True(t, exists)
}

func TestSync_PerFileFailuresAccumulate(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	seed(t, src, map[string]string{"/a.txt": "a", "/b.txt": "b"})
	failing := &failWriter{Adapter: dst, failPath: "/a.txt"}
	svc, _ := newService(t, mapResolver{"src": src, "dst": failing})

	result, err := svc.Sync(context.Background(), types.SyncRequest{
		SourceID: "src", DestinationID: "dst",
		Paths: []string{"/a.txt", "/b.txt"}, Mode: types.ModeForceOverwrite,
	})
	require.NoError(t, err, "per-file failures never fail the batch")
	assert.Equal(t, 1, result.FilesSynced)
	assert.Equal(t, 1, result.FilesFailed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "/a.txt")
}

func TestSync_UnknownSourceFailsSetup(t *testing.T) {
	svc, _ := newService(t, mapResolver{})
	_, err := svc.Sync(context.Background(), types.SyncRequest{
		SourceID: "ghost", DestinationID: "ghost",
	})
	assert.True(t, sferrors.IsNotFound(err))
}

func TestSync_CacheStaging(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	seed(t, src, map[string]string{"/data.bin": "payload"})
	svc, engine := newService(t, mapResolver{"src": src, "dst": dst})

	result, err := svc.Sync(context.Background(), types.SyncRequest{
		SourceID: "src", DestinationID: "dst",
		Paths:     []string{"/data.bin"},
		Mode:      types.ModeForceOverwrite,
		Direction: types.DirectionObjectToBlock,
		UseCache:  true,
	})
	require.NoError(t, err)

	assert.True(t, result.UsedCache)
	assert.True(t, engine.IsCached("/data.bin"), "staged copy stays cached")
}

func TestSync_NoStagingForWarmDirections(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	seed(t, src, map[string]string{"/data.bin": "payload"})
	svc, engine := newService(t, mapResolver{"src": src, "dst": dst})

	result, err := svc.Sync(context.Background(), types.SyncRequest{
		SourceID: "src", DestinationID: "dst",
		Paths:     []string{"/data.bin"},
		Mode:      types.ModeForceOverwrite,
		Direction: types.DirectionFromHot,
		UseCache:  true,
	})
	require.NoError(t, err)

	assert.False(t, result.UsedCache)
	assert.False(t, engine.IsCached("/data.bin"))
}

func TestEstimateSync_ExactCounts(t *testing.T) {
	src := newLocal(t)
	seed(t, src, map[string]string{
		"/tree/a.bin":     "12345",
		"/tree/sub/b.bin": "123",
	})
	svc, engine := newService(t, mapResolver{"src": src})

	est, err := svc.EstimateSync(context.Background(), types.SyncRequest{
		SourceID: "src", Paths: []string{"/tree"},
		Direction: types.DirectionToHot, UseCache: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, est.TotalFiles)
	assert.Equal(t, int64(8), est.TotalBytes)
	assert.Equal(t, 2, est.FilesToStage)
	assert.Greater(t, est.EstimatedDuration, time.Duration(0))

	// Already cached files need no staging.
	_, err = engine.CacheFile("/tree/a.bin", []byte("12345"))
	require.NoError(t, err)
	est, err = svc.EstimateSync(context.Background(), types.SyncRequest{
		SourceID: "src", Paths: []string{"/tree"},
		Direction: types.DirectionToHot, UseCache: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, est.FilesToStage)
}

func TestStart_JobCompletes(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	seed(t, src, map[string]string{"/a.txt": "a", "/b.txt": "bb"})
	svc, _ := newService(t, mapResolver{"src": src, "dst": dst})

	job, progress, err := svc.Start(context.Background(), types.SyncRequest{
		SourceID: "src", DestinationID: "dst",
		Paths: []string{"/a.txt", "/b.txt"}, Mode: types.ModeForceOverwrite,
	})
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, job.Status)

	var records []types.SyncProgress
	for p := range progress {
		records = append(records, p)
	}
	assert.NotEmpty(t, records)

	final, err := svc.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, 2, final.Result.FilesSynced)
	assert.Equal(t, int64(3), final.Result.BytesTransferred)
}

func TestStart_CancelStopsAtFileBoundary(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	seed(t, src, map[string]string{"/a.txt": "a", "/b.txt": "b", "/c.txt": "c"})
	gated := &gatedAdapter{Adapter: src, gate: make(chan struct{})}
	svc, _ := newService(t, mapResolver{"src": gated, "dst": dst})

	job, progress, err := svc.Start(context.Background(), types.SyncRequest{
		SourceID: "src", DestinationID: "dst",
		Paths: []string{"/a.txt", "/b.txt", "/c.txt"}, Mode: types.ModeForceOverwrite,
	})
	require.NoError(t, err)

	// Let the first file through, cancel, then unblock the rest. The
	// cancellation lands before the next file boundary is checked.
	gated.gate <- struct{}{}
	require.NoError(t, svc.Cancel(job.ID))
	close(gated.gate)

	for range progress {
	}

	final, err := svc.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, final.Status)
	require.NotNil(t, final.Result)
	assert.GreaterOrEqual(t, final.Result.FilesSynced, 1, "in-flight file completed")
	assert.Less(t, final.Result.FilesSynced, 3, "remaining files were not started")
}

func TestResume_RerunsCancelledJob(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	seed(t, src, map[string]string{"/d/a.txt": "a", "/d/b.txt": "b"})
	gated := &gatedAdapter{Adapter: src, gate: make(chan struct{})}
	svc, _ := newService(t, mapResolver{"src": gated, "dst": dst})
	ctx := context.Background()

	job, progress, err := svc.Start(ctx, types.SyncRequest{
		SourceID: "src", DestinationID: "dst",
		Paths: []string{"/d"}, Mode: types.ModeForceOverwrite,
	})
	require.NoError(t, err)

	gated.gate <- struct{}{}
	require.NoError(t, svc.Cancel(job.ID))
	close(gated.gate)
	for range progress {
	}

	// Replaying the persisted request finishes what the cancelled run
	// left behind; the original record keeps its id and status.
	resumed, progress2, err := svc.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, resumed.ID)
	for range progress2 {
	}

	final, err := svc.Job(resumed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, 2, final.Result.FilesSynced)

	data, err := dst.Read(ctx, "/d/b.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), data)

	orig, err := svc.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, orig.Status)

	// A completed job has nothing left to resume.
	_, _, err = svc.Resume(ctx, resumed.ID)
	assert.True(t, sferrors.IsAlreadyExists(err))
}

func TestChangeTier_PromoteToHot(t *testing.T) {
	mount := t.TempDir()
	a, err := hybrid.New(mount)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Write(ctx, "/warm.dat", []byte("payload")))

	svc, engine := newService(t, mapResolver{"hy": a})

	result, err := svc.ChangeTier(ctx, types.TieringRequest{
		SourceID: "hy", Paths: []string{"/warm.dat"}, TargetTier: types.TierHot,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesSynced)
	assert.True(t, result.UsedCache)
	assert.True(t, engine.IsCached("/warm.dat"), "hot means cached")

	// A second promotion is a no-op success.
	result, err = svc.ChangeTier(ctx, types.TieringRequest{
		SourceID: "hy", Paths: []string{"/warm.dat"}, TargetTier: types.TierHot,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.FilesSynced)
	assert.Equal(t, 1, result.FilesSkipped)
}

func TestChangeTier_AlreadyOnTargetSkips(t *testing.T) {
	a, err := hybrid.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Write(ctx, "/fresh.dat", []byte("x")))

	svc, _ := newService(t, mapResolver{"hy": a})
	result, err := svc.ChangeTier(ctx, types.TieringRequest{
		SourceID: "hy", Paths: []string{"/fresh.dat"}, TargetTier: types.TierWarm,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesSkipped)
	assert.Equal(t, 0, result.FilesSynced)
}

func TestChangeTier_UnsupportedTierFails(t *testing.T) {
	a, err := hybrid.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Write(ctx, "/f.dat", []byte("x")))

	svc, _ := newService(t, mapResolver{"hy": a})
	result, err := svc.ChangeTier(ctx, types.TieringRequest{
		SourceID: "hy", Paths: []string{"/f.dat"}, TargetTier: types.TierArchive,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesFailed)
	require.Len(t, result.Errors, 1)
}

func TestCopyTree(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	ctx := context.Background()
	seed(t, src, map[string]string{
		"/proj/readme.md":  "r",
		"/proj/src/a.go":   "aa",
	})
	svc, _ := newService(t, mapResolver{"src": src, "dst": dst})

	result, err := svc.CopyTree(ctx, "src", "dst", "/proj", "/backup/proj")
	require.NoError(t, err)
	assert.Equal(t, 2, result.FilesSynced)

	data, err := dst.Read(ctx, "/backup/proj/src/a.go")
	require.NoError(t, err)
	assert.Equal(t, []byte("aa"), data)

	// Copy leaves the source in place.
	exists, _ := src.Exists(ctx, "/proj/readme.md")
	assert.True(t, exists)
}

func TestMoveTree_DeletesSourceAfterFullCopy(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	ctx := context.Background()
	seed(t, src, map[string]string{"/proj/a.txt": "a", "/proj/b.txt": "b"})
	svc, _ := newService(t, mapResolver{"src": src, "dst": dst})

	result, err := svc.MoveTree(ctx, "src", "dst", "/proj", "/proj")
	require.NoError(t, err)
	assert.Equal(t, 2, result.FilesSynced)

	exists, _ := src.Exists(ctx, "/proj")
	assert.False(t, exists, "source removed only after the whole copy")
	exists, _ = dst.Exists(ctx, "/proj/b.txt")
	assert.True(t, exists)
}

func TestMoveTree_SourceRetainedOnFailure(t *testing.T) {
	src, dst := newLocal(t), newLocal(t)
	ctx := context.Background()
	seed(t, src, map[string]string{"/proj/a.txt": "a", "/proj/b.txt": "b"})
	failing := &failWriter{Adapter: dst, failPath: "/proj/b.txt"}
	svc, _ := newService(t, mapResolver{"src": src, "dst": failing})

	_, err := svc.MoveTree(ctx, "src", "dst", "/proj", "/proj")
	require.Error(t, err)

	// Nothing on the source side may be lost.
	exists, _ := src.Exists(ctx, "/proj/a.txt")
	assert.True(t, exists)
	exists, _ = src.Exists(ctx, "/proj/b.txt")
	assert.True(t, exists)
}

func TestDirectionInvolvesCold(t *testing.T) {
	assert.True(t, directionInvolvesCold(types.DirectionObjectToBlock))
	assert.True(t, directionInvolvesCold(types.DirectionToHot))
	assert.True(t, directionInvolvesCold(types.DirectionBidirectional))
	assert.False(t, directionInvolvesCold(types.DirectionBlockToObject))
	assert.False(t, directionInvolvesCold(types.DirectionFromHot))
}
