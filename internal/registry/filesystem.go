package registry

import (
	"context"

	"github.com/stratafs/stratafs/pkg/types"
)

// FileSystem is the read-mostly view a presentation layer consumes.
// It is deliberately narrow so that callers cannot reach around the
// cache or mutate sources they only browse.
type FileSystem interface {
	Stat(ctx context.Context, path string) (types.VirtualFile, error)
	Read(ctx context.Context, path string) ([]byte, error)
	ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error)
	List(ctx context.Context, dir string) ([]types.VirtualFile, error)
}

// sourceFS binds the FileSystem view to one registered source.
type sourceFS struct {
	reg      *Registry
	sourceID string
}

// FileSystemFor returns a FileSystem scoped to a single source. The
// view stays valid while the source is registered; operations after
// removal report not found.
func (r *Registry) FileSystemFor(sourceID string) (FileSystem, error) {
	if _, err := r.entry(sourceID); err != nil {
		return nil, err
	}
	return &sourceFS{reg: r, sourceID: sourceID}, nil
}

func (fs *sourceFS) Stat(ctx context.Context, path string) (types.VirtualFile, error) {
	return fs.reg.Stat(ctx, fs.sourceID, path)
}

func (fs *sourceFS) Read(ctx context.Context, path string) ([]byte, error) {
	return fs.reg.Read(ctx, fs.sourceID, path)
}

func (fs *sourceFS) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	entry, err := fs.reg.entry(fs.sourceID)
	if err != nil {
		return nil, err
	}
	return entry.adapter.ReadRange(ctx, path, offset, length)
}

func (fs *sourceFS) List(ctx context.Context, dir string) ([]types.VirtualFile, error) {
	return fs.reg.ListFiles(ctx, fs.sourceID, dir)
}
