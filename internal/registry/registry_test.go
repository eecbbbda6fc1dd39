package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/stratafs/internal/cache"
	"github.com/stratafs/stratafs/internal/config"
	"github.com/stratafs/stratafs/internal/events"
	"github.com/stratafs/stratafs/internal/metadata"
	"github.com/stratafs/stratafs/internal/storage"
	"github.com/stratafs/stratafs/internal/storage/local"
	sferrors "github.com/stratafs/stratafs/pkg/errors"
	"github.com/stratafs/stratafs/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	engine, err := cache.New(types.CacheConfig{Directory: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	meta, err := metadata.Open(filepath.Join(t.TempDir(), "metadata.json"))
	require.NoError(t, err)
	return New(engine, events.NewBus(nil), meta, nil, nil)
}

func addLocalSource(t *testing.T, r *Registry, name string) types.StorageSource {
	t.Helper()
	src, err := r.AddSource(context.Background(), config.SourceConfig{
		Name: name,
		Type: "local",
		Root: t.TempDir(),
	})
	require.NoError(t, err)
	return src
}

func TestAddSource(t *testing.T) {
	r := newTestRegistry(t)

	var mounted []string
	r.bus.Subscribe(func(ev event.Event) {
		if ev.Type() == events.TypeStorageMounted {
			mounted = append(mounted, ev.Subject())
		}
	})

	src := addLocalSource(t, r, "media")
	assert.NotEmpty(t, src.ID)
	assert.Equal(t, "media", src.Name)
	assert.Equal(t, types.SourceLocal, src.Type)
	assert.Equal(t, types.StatusConnected, src.Status)
	assert.Equal(t, []string{src.ID}, mounted)

	got, err := r.GetSource(src.ID)
	require.NoError(t, err)
	assert.Equal(t, src.Name, got.Name)
}

func TestAddSource_UnknownType(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.AddSource(context.Background(), config.SourceConfig{
		Name: "x", Type: "carrier-pigeon",
	})
	assert.True(t, sferrors.IsUnsupported(err))
}

func TestRemoveSource(t *testing.T) {
	r := newTestRegistry(t)
	src := addLocalSource(t, r, "media")

	require.NoError(t, r.RemoveSource(src.ID))
	_, err := r.GetSource(src.ID)
	assert.True(t, sferrors.IsNotFound(err))

	assert.True(t, sferrors.IsNotFound(r.RemoveSource(src.ID)))
}

func TestListSourcesAndTransferTargets(t *testing.T) {
	r := newTestRegistry(t)
	a := addLocalSource(t, r, "a")
	b := addLocalSource(t, r, "b")
	c := addLocalSource(t, r, "c")

	assert.Len(t, r.ListSources(), 3)

	targets := r.TransferTargets(a.ID)
	require.Len(t, targets, 2)
	ids := map[string]bool{targets[0].ID: true, targets[1].ID: true}
	assert.True(t, ids[b.ID])
	assert.True(t, ids[c.ID])
	assert.False(t, ids[a.ID], "a source is never a transfer target of itself")
}

func TestReadWriteDelete(t *testing.T) {
	r := newTestRegistry(t)
	src := addLocalSource(t, r, "media")
	ctx := context.Background()

	require.NoError(t, r.Write(ctx, src.ID, "/doc.txt", []byte("hello")))

	data, err := r.Read(ctx, src.ID, "/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.True(t, r.cache.IsCached("/doc.txt"), "write-through populates the cache")

	require.NoError(t, r.Delete(ctx, src.ID, "/doc.txt"))
	_, err = r.Read(ctx, src.ID, "/doc.txt")
	assert.True(t, sferrors.IsNotFound(err))

	_, err = r.Read(ctx, "no-such-source", "/doc.txt")
	assert.True(t, sferrors.IsNotFound(err))
}

func TestListFiles_AnnotatesMetadata(t *testing.T) {
	r := newTestRegistry(t)
	src := addLocalSource(t, r, "media")
	ctx := context.Background()

	require.NoError(t, r.Write(ctx, src.ID, "/photos/a.jpg", []byte("a")))
	require.NoError(t, r.SetMetadata("/photos/a.jpg", types.UserMetadata{
		Favorite: true, Tags: []string{"family"},
	}))

	files, err := r.ListFiles(ctx, src.ID, "/photos")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.NotNil(t, files[0].Meta)
	assert.True(t, files[0].Meta.Favorite)
	assert.Equal(t, []string{"family"}, files[0].Meta.Tags)
}

func TestHydrate(t *testing.T) {
	r := newTestRegistry(t)
	src := addLocalSource(t, r, "media")
	ctx := context.Background()
	require.NoError(t, r.Write(ctx, src.ID, "/big.iso", []byte("image")))
	require.NoError(t, r.ClearCache())

	path, err := r.Hydrate(ctx, src.ID, "/big.iso")
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, 1, r.CacheStats().EntryCount)
}

func TestRemove_RefusesNonEmptyDirectory(t *testing.T) {
	r := newTestRegistry(t)
	src := addLocalSource(t, r, "media")
	ctx := context.Background()

	require.NoError(t, r.Mkdir(ctx, src.ID, "/dir"))
	require.NoError(t, r.Write(ctx, src.ID, "/dir/f.txt", []byte("x")))

	err := r.Remove(ctx, src.ID, "/dir")
	require.Error(t, err)

	require.NoError(t, r.RemoveAll(ctx, src.ID, "/dir"))
	exists, err := r.Exists(ctx, src.ID, "/dir")
	require.NoError(t, err)
	assert.False(t, exists)

	// An empty directory is fine for plain Remove.
	require.NoError(t, r.Mkdir(ctx, src.ID, "/empty"))
	require.NoError(t, r.Remove(ctx, src.ID, "/empty"))
}

func TestRename_InvalidatesCache(t *testing.T) {
	r := newTestRegistry(t)
	src := addLocalSource(t, r, "media")
	ctx := context.Background()

	require.NoError(t, r.Write(ctx, src.ID, "/old.txt", []byte("x")))
	require.True(t, r.cache.IsCached("/old.txt"))

	require.NoError(t, r.Rename(ctx, src.ID, "/old.txt", "/new.txt"))
	assert.False(t, r.cache.IsCached("/old.txt"), "stale cached bytes dropped")

	data, err := r.Read(ctx, src.ID, "/new.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestCopy(t *testing.T) {
	r := newTestRegistry(t)
	src := addLocalSource(t, r, "media")
	ctx := context.Background()

	require.NoError(t, r.Write(ctx, src.ID, "/a.txt", []byte("a")))
	require.NoError(t, r.Copy(ctx, src.ID, "/a.txt", "/b.txt", types.CopyOptions{}))

	err := r.Copy(ctx, src.ID, "/a.txt", "/b.txt", types.CopyOptions{})
	assert.True(t, sferrors.IsAlreadyExists(err))
}

func TestMove(t *testing.T) {
	r := newTestRegistry(t)
	src := addLocalSource(t, r, "media")
	ctx := context.Background()

	require.NoError(t, r.Write(ctx, src.ID, "/a.txt", []byte("a")))
	require.NoError(t, r.Move(ctx, src.ID, "/a.txt", "/b.txt"))

	exists, err := r.Exists(ctx, src.ID, "/a.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	data, err := r.Read(ctx, src.ID, "/b.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)
}

// noRename keeps the full optional surface of the wrapped adapter but
// rejects Rename, forcing the copy plus delete path.
type noRename struct {
	storage.Adapter
}

func (n *noRename) ops() storage.FileOps { return n.Adapter.(storage.FileOps) }

func (n *noRename) Rename(ctx context.Context, oldPath, newPath string) error {
	return sferrors.Unsupported("rename", oldPath)
}
func (n *noRename) Copy(ctx context.Context, srcPath, dstPath string, opts types.CopyOptions) error {
	return n.ops().Copy(ctx, srcPath, dstPath, opts)
}
func (n *noRename) Symlink(ctx context.Context, target, linkPath string) error {
	return n.ops().Symlink(ctx, target, linkPath)
}
func (n *noRename) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	return n.ops().Chmod(ctx, path, mode)
}
func (n *noRename) Touch(ctx context.Context, path string) error {
	return n.ops().Touch(ctx, path)
}
func (n *noRename) SetTimes(ctx context.Context, path string, atime, mtime time.Time) error {
	return n.ops().SetTimes(ctx, path, atime, mtime)
}

func TestMove_FallsBackToCopyDelete(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	inner, err := local.New(t.TempDir())
	require.NoError(t, err)
	src := r.RegisterAdapter("stubborn", types.SourceLocal, &noRename{Adapter: inner})

	require.NoError(t, r.Write(ctx, src.ID, "/dir/a.txt", []byte("a")))
	require.NoError(t, r.Write(ctx, src.ID, "/dir/b.txt", []byte("b")))

	require.NoError(t, r.Move(ctx, src.ID, "/dir", "/moved"))

	exists, err := r.Exists(ctx, src.ID, "/dir")
	require.NoError(t, err)
	assert.False(t, exists)

	data, err := r.Read(ctx, src.ID, "/moved/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)
}

// fakeTransfer records the tree transfer calls the registry delegates.
type fakeTransfer struct {
	copies []string
	moves  []string
}

func (f *fakeTransfer) CopyTree(ctx context.Context, srcID, dstID, srcPath, dstPath string) (*types.SyncResult, error) {
	f.copies = append(f.copies, srcID+":"+srcPath+"->"+dstID+":"+dstPath)
	return &types.SyncResult{FilesSynced: 1}, nil
}

func (f *fakeTransfer) MoveTree(ctx context.Context, srcID, dstID, srcPath, dstPath string) (*types.SyncResult, error) {
	f.moves = append(f.moves, srcID+":"+srcPath+"->"+dstID+":"+dstPath)
	return &types.SyncResult{FilesSynced: 1}, nil
}

func TestCopyToSourceAndMoveToSource(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.CopyToSource(ctx, "a", "/x", "b", "/y")
	require.Error(t, err, "no transfer service attached yet")

	ft := &fakeTransfer{}
	r.AttachTransfer(ft)

	res, err := r.CopyToSource(ctx, "a", "/x", "b", "/y")
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesSynced)
	assert.Equal(t, []string{"a:/x->b:/y"}, ft.copies)

	_, err = r.MoveToSource(ctx, "a", "/x", "b", "/y")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:/x->b:/y"}, ft.moves)
}

func TestCacheStatsAndClear(t *testing.T) {
	r := newTestRegistry(t)
	src := addLocalSource(t, r, "media")
	ctx := context.Background()

	require.NoError(t, r.Write(ctx, src.ID, "/a.txt", []byte("abc")))
	stats := r.CacheStats()
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, int64(3), stats.TotalSize)

	require.NoError(t, r.ClearCache())
	assert.Equal(t, 0, r.CacheStats().EntryCount)
}

func TestFileSystemFor(t *testing.T) {
	r := newTestRegistry(t)
	src := addLocalSource(t, r, "media")
	ctx := context.Background()
	require.NoError(t, r.Write(ctx, src.ID, "/docs/readme.txt", []byte("0123456789")))

	fs, err := r.FileSystemFor(src.ID)
	require.NoError(t, err)

	vf, err := fs.Stat(ctx, "/docs/readme.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(10), vf.Size)

	data, err := fs.Read(ctx, "/docs/readme.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), data)

	part, err := fs.ReadRange(ctx, "/docs/readme.txt", 3, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("3456"), part)

	files, err := fs.List(ctx, "/docs")
	require.NoError(t, err)
	assert.Len(t, files, 1)

	_, err = r.FileSystemFor("ghost")
	assert.True(t, sferrors.IsNotFound(err))
}
