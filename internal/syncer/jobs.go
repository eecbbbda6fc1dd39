package syncer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	sferrors "github.com/stratafs/stratafs/pkg/errors"
	"github.com/stratafs/stratafs/pkg/types"
)

// JobStore persists sync jobs as a keyed JSON record set so in-flight
// transfers survive a restart and can be listed or resumed.
type JobStore struct {
	mu   sync.Mutex
	path string
	jobs map[string]*types.SyncJob
}

// NewJobStore opens (or creates) the store at path.
func NewJobStore(path string) (*JobStore, error) {
	s := &JobStore{path: path, jobs: make(map[string]*types.SyncJob)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, sferrors.Internal("jobs.open", err)
	}
	if err := json.Unmarshal(data, &s.jobs); err != nil {
		return nil, sferrors.Internal("jobs.open", err)
	}
	// A job that was mid-flight when the process died cannot still be
	// running; mark it failed so it shows up as resumable, not stuck.
	for _, job := range s.jobs {
		if !job.Status.IsTerminal() {
			job.Status = types.JobFailed
			job.Error = "interrupted by restart"
			job.UpdatedAt = time.Now()
		}
	}
	return s, nil
}

// Save inserts or updates one job and rewrites the record set.
func (s *JobStore) Save(job *types.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	copied.UpdatedAt = time.Now()
	s.jobs[job.ID] = &copied
	return s.flushLocked()
}

// Get returns a copy of one job.
func (s *JobStore) Get(id string) (types.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return types.SyncJob{}, sferrors.NotFound("jobs.get", id)
	}
	return *job, nil
}

// List returns all jobs, most recently updated first.
func (s *JobStore) List() []types.SyncJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SyncJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// SetStatus transitions a job's status. Terminal states are final; a
// transition off one fails with AlreadyExists to signal the conflict.
func (s *JobStore) SetStatus(id string, status types.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return sferrors.NotFound("jobs.set_status", id)
	}
	if job.Status.IsTerminal() {
		return sferrors.AlreadyExists("jobs.set_status", id)
	}
	job.Status = status
	job.UpdatedAt = time.Now()
	return s.flushLocked()
}

// Status reads a job's current status without copying the whole job.
func (s *JobStore) Status(id string) (types.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return "", sferrors.NotFound("jobs.status", id)
	}
	return job.Status, nil
}

// Delete removes a terminal job record.
func (s *JobStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return sferrors.NotFound("jobs.delete", id)
	}
	delete(s.jobs, id)
	return s.flushLocked()
}

func (s *JobStore) flushLocked() error {
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return sferrors.Internal("jobs.flush", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return sferrors.Internal("jobs.flush", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return sferrors.Internal("jobs.flush", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return sferrors.Internal("jobs.flush", err)
	}
	return nil
}
