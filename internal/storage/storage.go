// Package storage defines the adapter contract every backend
// implements. The registry routes all file operations through this
// interface; tier detection is the one place backend knowledge leaks
// into the model, so each adapter decides tiers its own way.
package storage

import (
	"context"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/stratafs/stratafs/pkg/types"
)

// Adapter is the uniform contract over one physical backend. Paths are
// forward-slash, source-relative. Implementations are safe for
// concurrent use and hold no cross-call state beyond configuration.
type Adapter interface {
	List(ctx context.Context, dir string) ([]types.VirtualFile, error)
	Read(ctx context.Context, path string) ([]byte, error)
	ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	CreateDir(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	Stat(ctx context.Context, path string) (types.VirtualFile, error)
	FileSize(ctx context.Context, path string) (int64, error)
	TestConnection(ctx context.Context) bool
}

// FileOps is the richer POSIX-like surface. Adapters implement the
// operations their backend supports and return an Unsupported error
// for the rest; they never silently no-op.
type FileOps interface {
	Rename(ctx context.Context, oldPath, newPath string) error
	Copy(ctx context.Context, srcPath, dstPath string, opts types.CopyOptions) error
	Symlink(ctx context.Context, target, linkPath string) error
	Chmod(ctx context.Context, path string, mode os.FileMode) error
	Touch(ctx context.Context, path string) error
	SetTimes(ctx context.Context, path string, atime, mtime time.Time) error
}

// Tierer is implemented by adapters that can rewrite a file onto a
// different storage tier. At this layer a tier change is a full object
// rewrite; backends expose no in-place class-change primitive here.
type Tierer interface {
	SetTier(ctx context.Context, path string, tier types.StorageTier) error
}

// SortEntries orders a directory listing the way every adapter must:
// directories first, then files, each group case-insensitively by
// name. The registry merges listings without re-sorting, so adapters
// have to agree on this exactly.
func SortEntries(entries []types.VirtualFile) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
}

// NormalizePath cleans a virtual path to forward-slash, source-relative
// form with a leading slash. Empty and "." inputs map to "/".
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)
	if p == "." {
		return "/"
	}
	return p
}

// BaseName returns the final element of a virtual path.
func BaseName(p string) string {
	return path.Base(NormalizePath(p))
}

// ParentPath returns the containing directory of a virtual path.
func ParentPath(p string) string {
	return path.Dir(NormalizePath(p))
}

// JoinPath joins virtual path segments and normalizes the result.
func JoinPath(elems ...string) string {
	return NormalizePath(path.Join(elems...))
}
