// Package metadata persists user-assigned file annotations (tags,
// favorites, labels, ratings, comments) as a simple keyed JSON record
// set, keyed by virtual path. The registry folds these records into
// listings; nothing in the storage model depends on them.
package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	sferrors "github.com/stratafs/stratafs/pkg/errors"
	"github.com/stratafs/stratafs/pkg/types"
)

// Store is a path-keyed metadata record set backed by one JSON file.
type Store struct {
	mu      sync.RWMutex
	path    string
	records map[string]types.UserMetadata
}

// Open loads (or creates) the store at path.
func Open(path string) (*Store, error) {
	s := &Store{path: path, records: make(map[string]types.UserMetadata)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, sferrors.Internal("metadata.open", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, sferrors.Internal("metadata.open", err)
	}
	return s, nil
}

// Get returns the record for a virtual path, nil when none exists.
func (s *Store) Get(vpath string) *types.UserMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if md, ok := s.records[vpath]; ok {
		copied := md
		return &copied
	}
	return nil
}

// Set stores the record for a virtual path.
func (s *Store) Set(vpath string, md types.UserMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[vpath] = md
	return s.flushLocked()
}

// Delete removes the record for a virtual path; deleting a missing
// record is not an error.
func (s *Store) Delete(vpath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[vpath]; !ok {
		return nil
	}
	delete(s.records, vpath)
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return sferrors.Internal("metadata.flush", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return sferrors.Internal("metadata.flush", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return sferrors.Internal("metadata.flush", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return sferrors.Internal("metadata.flush", err)
	}
	return nil
}
