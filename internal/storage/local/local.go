// Package local implements the storage adapter for a directory on
// local or directly attached disk. Everything it holds is TierHot.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stratafs/stratafs/internal/storage"
	sferrors "github.com/stratafs/stratafs/pkg/errors"
	"github.com/stratafs/stratafs/pkg/types"
)

// Adapter serves a virtual namespace rooted at a local directory.
type Adapter struct {
	root string
}

// New creates a local adapter rooted at dir. The directory must exist.
func New(dir string) (*Adapter, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, sferrors.Internal("local.new", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, translate("local.new", dir, err)
	}
	if !info.IsDir() {
		return nil, sferrors.E(sferrors.KindInternal, "local.new", dir, fmt.Errorf("not a directory"))
	}
	return &Adapter{root: abs}, nil
}

// Root returns the adapter's root directory on disk.
func (a *Adapter) Root() string { return a.root }

// resolve maps a virtual path onto disk, refusing escapes above root.
func (a *Adapter) resolve(vpath string) (string, error) {
	clean := storage.NormalizePath(vpath)
	full := filepath.Join(a.root, filepath.FromSlash(clean))
	if full != a.root && !strings.HasPrefix(full, a.root+string(filepath.Separator)) {
		return "", sferrors.E(sferrors.KindPermissionDenied, "local.resolve", vpath, fmt.Errorf("path escapes source root"))
	}
	return full, nil
}

func (a *Adapter) List(ctx context.Context, dir string) ([]types.VirtualFile, error) {
	full, err := a.resolve(dir)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(full)
	if err != nil {
		return nil, translate("local.list", dir, err)
	}
	files := make([]types.VirtualFile, 0, len(des))
	for _, de := range des {
		info, err := de.Info()
		if err != nil {
			continue // entry vanished between readdir and stat
		}
		files = append(files, a.entry(storage.JoinPath(dir, de.Name()), info))
	}
	storage.SortEntries(files)
	return files, nil
}

func (a *Adapter) Read(ctx context.Context, vpath string) ([]byte, error) {
	full, err := a.resolve(vpath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, translate("local.read", vpath, err)
	}
	return data, nil
}

func (a *Adapter) ReadRange(ctx context.Context, vpath string, offset, length int64) ([]byte, error) {
	full, err := a.resolve(vpath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, translate("local.read_range", vpath, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, translate("local.read_range", vpath, err)
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, translate("local.read_range", vpath, err)
	}
	return buf[:n], nil
}

func (a *Adapter) Write(ctx context.Context, vpath string, data []byte) error {
	full, err := a.resolve(vpath)
	if err != nil {
		return err
	}
	// Local adapters auto-create parents.
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return translate("local.write", vpath, err)
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return translate("local.write", vpath, err)
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, vpath string) error {
	full, err := a.resolve(vpath)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return translate("local.delete", vpath, err)
	}
	if info.IsDir() {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil {
		return translate("local.delete", vpath, err)
	}
	return nil
}

func (a *Adapter) CreateDir(ctx context.Context, vpath string) error {
	full, err := a.resolve(vpath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o750); err != nil {
		return translate("local.create_dir", vpath, err)
	}
	return nil
}

func (a *Adapter) Exists(ctx context.Context, vpath string) (bool, error) {
	full, err := a.resolve(vpath)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, translate("local.exists", vpath, err)
	}
	return true, nil
}

func (a *Adapter) Stat(ctx context.Context, vpath string) (types.VirtualFile, error) {
	full, err := a.resolve(vpath)
	if err != nil {
		return types.VirtualFile{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return types.VirtualFile{}, translate("local.stat", vpath, err)
	}
	return a.entry(storage.NormalizePath(vpath), info), nil
}

func (a *Adapter) FileSize(ctx context.Context, vpath string) (int64, error) {
	vf, err := a.Stat(ctx, vpath)
	if err != nil {
		return 0, err
	}
	return vf.Size, nil
}

func (a *Adapter) TestConnection(ctx context.Context) bool {
	_, err := os.Stat(a.root)
	return err == nil
}

func (a *Adapter) entry(vpath string, info os.FileInfo) types.VirtualFile {
	size := info.Size()
	if info.IsDir() {
		size = 0
	}
	return types.VirtualFile{
		ID:      types.FileID(vpath),
		Name:    info.Name(),
		Path:    vpath,
		Size:    size,
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
		Tier:    types.NewTierStatus(types.TierHot),
	}
}

// FileOps

func (a *Adapter) Rename(ctx context.Context, oldPath, newPath string) error {
	from, err := a.resolve(oldPath)
	if err != nil {
		return err
	}
	to, err := a.resolve(newPath)
	if err != nil {
		return err
	}
	if err := os.Rename(from, to); err != nil {
		return translate("local.rename", oldPath, err)
	}
	return nil
}

func (a *Adapter) Copy(ctx context.Context, srcPath, dstPath string, opts types.CopyOptions) error {
	src, err := a.Stat(ctx, srcPath)
	if err != nil {
		return err
	}
	if exists, err := a.Exists(ctx, dstPath); err != nil {
		return err
	} else if exists && !opts.Overwrite {
		return sferrors.AlreadyExists("local.copy", dstPath)
	}
	if src.IsDir {
		if !opts.Recursive {
			return sferrors.E(sferrors.KindUnsupported, "local.copy", srcPath,
				fmt.Errorf("source is a directory and recursive copy was not requested"))
		}
		if err := a.CreateDir(ctx, dstPath); err != nil {
			return err
		}
		children, err := a.List(ctx, srcPath)
		if err != nil {
			return err
		}
		for _, child := range children {
			dst := storage.JoinPath(dstPath, child.Name)
			if err := a.Copy(ctx, child.Path, dst, opts); err != nil {
				return err
			}
		}
		return nil
	}
	data, err := a.Read(ctx, srcPath)
	if err != nil {
		return err
	}
	return a.Write(ctx, dstPath, data)
}

func (a *Adapter) Symlink(ctx context.Context, target, linkPath string) error {
	link, err := a.resolve(linkPath)
	if err != nil {
		return err
	}
	if err := os.Symlink(target, link); err != nil {
		return translate("local.symlink", linkPath, err)
	}
	return nil
}

func (a *Adapter) Chmod(ctx context.Context, vpath string, mode os.FileMode) error {
	full, err := a.resolve(vpath)
	if err != nil {
		return err
	}
	if err := os.Chmod(full, mode); err != nil {
		return translate("local.chmod", vpath, err)
	}
	return nil
}

func (a *Adapter) Touch(ctx context.Context, vpath string) error {
	full, err := a.resolve(vpath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(full); os.IsNotExist(err) {
		return a.Write(ctx, vpath, nil)
	}
	now := time.Now()
	if err := os.Chtimes(full, now, now); err != nil {
		return translate("local.touch", vpath, err)
	}
	return nil
}

func (a *Adapter) SetTimes(ctx context.Context, vpath string, atime, mtime time.Time) error {
	full, err := a.resolve(vpath)
	if err != nil {
		return err
	}
	if err := os.Chtimes(full, atime, mtime); err != nil {
		return translate("local.set_times", vpath, err)
	}
	return nil
}

var (
	_ storage.Adapter = (*Adapter)(nil)
	_ storage.FileOps = (*Adapter)(nil)
)

// translate maps os errors onto the shared taxonomy.
func translate(op, vpath string, err error) error {
	switch {
	case os.IsNotExist(err):
		return sferrors.NotFound(op, vpath)
	case os.IsPermission(err):
		return sferrors.PermissionDenied(op, vpath, err)
	case os.IsExist(err):
		return sferrors.AlreadyExists(op, vpath)
	default:
		return sferrors.E(sferrors.KindInternal, op, vpath, err)
	}
}
