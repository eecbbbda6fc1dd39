// Package netshare implements the storage adapter for a network share
// (NAS/SMB/NFS) visible through a local mount point. Everything it
// holds is TierWarm with a small fixed retrieval estimate. All calls
// pass through a connection monitor so a stalled share fails fast
// instead of hanging the caller.
package netshare

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/stratafs/stratafs/internal/storage"
	"github.com/stratafs/stratafs/internal/storage/local"
	sferrors "github.com/stratafs/stratafs/pkg/errors"
	"github.com/stratafs/stratafs/pkg/types"
)

// Adapter serves a virtual namespace rooted at a network mount point.
// File mechanics are those of the local adapter; tiering and
// connectivity handling differ.
type Adapter struct {
	fs      *local.Adapter
	monitor *Monitor
}

// New creates a netshare adapter for the given mount point.
func New(mountPoint string, logger *zap.Logger, opts ...MonitorOption) (*Adapter, error) {
	fs, err := local.New(mountPoint)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		fs:      fs,
		monitor: NewMonitor(mountPoint, logger, opts...),
	}, nil
}

// Monitor exposes the adapter's connection state machine.
func (a *Adapter) Monitor() *Monitor { return a.monitor }

// gate verifies the share is reachable before any backend call.
func (a *Adapter) gate(ctx context.Context, op string) error {
	if a.monitor.Check(ctx) {
		return nil
	}
	_, lastErr := a.monitor.Status()
	return sferrors.Unavailable(op, lastErr)
}

// warm rewrites a Hot-tagged entry from the underlying local adapter
// into the share's Warm tier status.
func warm(vf types.VirtualFile) types.VirtualFile {
	vf.Tier = types.NewTierStatus(types.TierWarm)
	return vf
}

func (a *Adapter) List(ctx context.Context, dir string) ([]types.VirtualFile, error) {
	if err := a.gate(ctx, "netshare.list"); err != nil {
		return nil, err
	}
	files, err := a.fs.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	for i := range files {
		files[i] = warm(files[i])
	}
	return files, nil
}

func (a *Adapter) Read(ctx context.Context, path string) ([]byte, error) {
	if err := a.gate(ctx, "netshare.read"); err != nil {
		return nil, err
	}
	return a.fs.Read(ctx, path)
}

func (a *Adapter) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	if err := a.gate(ctx, "netshare.read_range"); err != nil {
		return nil, err
	}
	return a.fs.ReadRange(ctx, path, offset, length)
}

func (a *Adapter) Write(ctx context.Context, path string, data []byte) error {
	if err := a.gate(ctx, "netshare.write"); err != nil {
		return err
	}
	return a.fs.Write(ctx, path, data)
}

func (a *Adapter) Delete(ctx context.Context, path string) error {
	if err := a.gate(ctx, "netshare.delete"); err != nil {
		return err
	}
	return a.fs.Delete(ctx, path)
}

func (a *Adapter) CreateDir(ctx context.Context, path string) error {
	if err := a.gate(ctx, "netshare.create_dir"); err != nil {
		return err
	}
	return a.fs.CreateDir(ctx, path)
}

func (a *Adapter) Exists(ctx context.Context, path string) (bool, error) {
	if err := a.gate(ctx, "netshare.exists"); err != nil {
		return false, err
	}
	return a.fs.Exists(ctx, path)
}

func (a *Adapter) Stat(ctx context.Context, path string) (types.VirtualFile, error) {
	if err := a.gate(ctx, "netshare.stat"); err != nil {
		return types.VirtualFile{}, err
	}
	vf, err := a.fs.Stat(ctx, path)
	if err != nil {
		return types.VirtualFile{}, err
	}
	return warm(vf), nil
}

func (a *Adapter) FileSize(ctx context.Context, path string) (int64, error) {
	if err := a.gate(ctx, "netshare.file_size"); err != nil {
		return 0, err
	}
	return a.fs.FileSize(ctx, path)
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	return a.monitor.Check(ctx)
}

// FileOps forwards to the local mechanics behind the same gate.

func (a *Adapter) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := a.gate(ctx, "netshare.rename"); err != nil {
		return err
	}
	return a.fs.Rename(ctx, oldPath, newPath)
}

func (a *Adapter) Copy(ctx context.Context, srcPath, dstPath string, opts types.CopyOptions) error {
	if err := a.gate(ctx, "netshare.copy"); err != nil {
		return err
	}
	return a.fs.Copy(ctx, srcPath, dstPath, opts)
}

func (a *Adapter) Symlink(ctx context.Context, target, linkPath string) error {
	if err := a.gate(ctx, "netshare.symlink"); err != nil {
		return err
	}
	return a.fs.Symlink(ctx, target, linkPath)
}

func (a *Adapter) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	if err := a.gate(ctx, "netshare.chmod"); err != nil {
		return err
	}
	return a.fs.Chmod(ctx, path, mode)
}

func (a *Adapter) Touch(ctx context.Context, path string) error {
	if err := a.gate(ctx, "netshare.touch"); err != nil {
		return err
	}
	return a.fs.Touch(ctx, path)
}

func (a *Adapter) SetTimes(ctx context.Context, path string, atime, mtime time.Time) error {
	if err := a.gate(ctx, "netshare.set_times"); err != nil {
		return err
	}
	return a.fs.SetTimes(ctx, path, atime, mtime)
}

var _ storage.Adapter = (*Adapter)(nil)
var _ storage.FileOps = (*Adapter)(nil)
