// Package hybrid implements the storage adapter for hybrid block/object
// appliances mounted locally. The backend does not expose its tiering
// state at this layer, so tier is inferred from file age: untouched for
// more than 30 days means Cold, more than 90 days means Archive,
// anything younger is Warm. Modification time stands in for last
// access, which portable stat calls do not report reliably.
package hybrid

import (
	"context"
	"os"
	"time"

	"github.com/stratafs/stratafs/internal/storage"
	"github.com/stratafs/stratafs/internal/storage/local"
	sferrors "github.com/stratafs/stratafs/pkg/errors"
	"github.com/stratafs/stratafs/pkg/types"
)

// Age thresholds of the tier heuristic.
const (
	ColdAge    = 30 * 24 * time.Hour
	ArchiveAge = 90 * 24 * time.Hour
)

// Adapter serves a hybrid backend through its local mount.
type Adapter struct {
	fs  *local.Adapter
	now func() time.Time
}

// New creates a hybrid adapter rooted at the appliance mount.
func New(mount string) (*Adapter, error) {
	fs, err := local.New(mount)
	if err != nil {
		return nil, err
	}
	return &Adapter{fs: fs, now: time.Now}, nil
}

// TierForAge applies the age heuristic.
func TierForAge(age time.Duration) types.StorageTier {
	switch {
	case age > ArchiveAge:
		return types.TierArchive
	case age > ColdAge:
		return types.TierCold
	default:
		return types.TierWarm
	}
}

func (a *Adapter) retier(vf types.VirtualFile) types.VirtualFile {
	tier := types.TierWarm
	if !vf.IsDir {
		tier = TierForAge(a.now().Sub(vf.ModTime))
	}
	vf.Tier = types.NewTierStatus(tier)
	return vf
}

func (a *Adapter) List(ctx context.Context, dir string) ([]types.VirtualFile, error) {
	files, err := a.fs.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	for i := range files {
		files[i] = a.retier(files[i])
	}
	return files, nil
}

func (a *Adapter) Read(ctx context.Context, path string) ([]byte, error) {
	return a.fs.Read(ctx, path)
}

func (a *Adapter) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	return a.fs.ReadRange(ctx, path, offset, length)
}

func (a *Adapter) Write(ctx context.Context, path string, data []byte) error {
	return a.fs.Write(ctx, path, data)
}

func (a *Adapter) Delete(ctx context.Context, path string) error {
	return a.fs.Delete(ctx, path)
}

func (a *Adapter) CreateDir(ctx context.Context, path string) error {
	return a.fs.CreateDir(ctx, path)
}

func (a *Adapter) Exists(ctx context.Context, path string) (bool, error) {
	return a.fs.Exists(ctx, path)
}

func (a *Adapter) Stat(ctx context.Context, path string) (types.VirtualFile, error) {
	vf, err := a.fs.Stat(ctx, path)
	if err != nil {
		return types.VirtualFile{}, err
	}
	return a.retier(vf), nil
}

func (a *Adapter) FileSize(ctx context.Context, path string) (int64, error) {
	return a.fs.FileSize(ctx, path)
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	return a.fs.TestConnection(ctx)
}

// FileOps delegate to the local mechanics.

func (a *Adapter) Rename(ctx context.Context, oldPath, newPath string) error {
	return a.fs.Rename(ctx, oldPath, newPath)
}

func (a *Adapter) Copy(ctx context.Context, srcPath, dstPath string, opts types.CopyOptions) error {
	return a.fs.Copy(ctx, srcPath, dstPath, opts)
}

func (a *Adapter) Symlink(ctx context.Context, target, linkPath string) error {
	return a.fs.Symlink(ctx, target, linkPath)
}

func (a *Adapter) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	return a.fs.Chmod(ctx, path, mode)
}

func (a *Adapter) Touch(ctx context.Context, path string) error {
	return a.fs.Touch(ctx, path)
}

func (a *Adapter) SetTimes(ctx context.Context, path string, atime, mtime time.Time) error {
	return a.fs.SetTimes(ctx, path, atime, mtime)
}

// SetTier rewrites the file to refresh its age, which the heuristic
// reads as Warm. Demotion cannot be expressed by this backend: age
// only moves forward.
func (a *Adapter) SetTier(ctx context.Context, path string, tier types.StorageTier) error {
	switch tier {
	case types.TierWarm, types.TierHot:
		data, err := a.fs.Read(ctx, path)
		if err != nil {
			return err
		}
		return a.fs.Write(ctx, path, data)
	default:
		return sferrors.Unsupported("hybrid.set_tier", path)
	}
}

var (
	_ storage.Adapter = (*Adapter)(nil)
	_ storage.FileOps = (*Adapter)(nil)
	_ storage.Tierer  = (*Adapter)(nil)
)
