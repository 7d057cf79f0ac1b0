package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChenglinPoly/arxiv2markdown/internal/models"
)

const schemaVersion = 1

// CorruptError marks a state file that exists but cannot be parsed. The
// caller decides whether to abort or explicitly start fresh; the store
// never discards state on its own.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("state file %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// stateFile is the on-disk layout, one file per run root.
type stateFile struct {
	SchemaVersion int                   `json:"schema_version"`
	UpdatedAt     time.Time             `json:"updated_at"`
	Jobs          map[string]models.Job `json:"jobs"`
}

// Store is the durable record of every job's lifecycle status. All
// mutation is serialized through its mutex and flushed to disk before the
// call returns, so a crash never loses an acknowledged transition.
type Store struct {
	mu   sync.Mutex
	path string
	jobs map[string]models.Job
}

// Load reads the state file at path, or starts empty if it does not exist.
func Load(path string) (*Store, error) {
	s := &Store{path: path, jobs: make(map[string]models.Job)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}

	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	if sf.SchemaVersion > schemaVersion {
		return nil, &CorruptError{
			Path: path,
			Err:  fmt.Errorf("schema version %d is newer than supported %d", sf.SchemaVersion, schemaVersion),
		}
	}
	if sf.Jobs != nil {
		s.jobs = sf.Jobs
	}
	return s, nil
}

// Fresh discards any existing state file and starts empty. Only reachable
// through an explicit operator opt-in.
func Fresh(path string) (*Store, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove state file %s: %w", path, err)
	}
	return &Store{path: path, jobs: make(map[string]models.Job)}, nil
}

// Upsert records a job transition and flushes the store. The transition is
// validated against the job state machine; calls are serialized so
// concurrent worker completions can never interleave a partial write.
func (s *Store) Upsert(job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.jobs[job.ID]
	from := models.JobStatus("")
	if exists {
		from = prev.Status
	}
	if !models.CanTransition(from, job.Status) {
		return fmt.Errorf("job %s: invalid status transition %q -> %q", job.ID, from, job.Status)
	}

	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = job
	return s.flushLocked()
}

// InsertNew adds candidates the store has never seen as PENDING and leaves
// known jobs untouched. Returns the number inserted.
func (s *Store) InsertNew(candidates []models.Job) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, cand := range candidates {
		if _, exists := s.jobs[cand.ID]; exists {
			continue
		}
		cand.Status = models.StatusPending
		cand.UpdatedAt = time.Now().UTC()
		s.jobs[cand.ID] = cand
		inserted++
	}
	if inserted == 0 {
		return 0, nil
	}
	return inserted, s.flushLocked()
}

// ReconcileOrphans resets jobs left RUNNING by a prior crashed run back to
// PENDING. Returns the ids that were reset.
func (s *Store) ReconcileOrphans() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reset []string
	for id, job := range s.jobs {
		if job.Status == models.StatusRunning {
			job.Status = models.StatusPending
			job.UpdatedAt = time.Now().UTC()
			s.jobs[id] = job
			reset = append(reset, id)
		}
	}
	if len(reset) == 0 {
		return nil, nil
	}
	sort.Strings(reset)
	return reset, s.flushLocked()
}

// RequeueFailed is the explicit retry operation: every FAILED job goes back
// to PENDING. It is a separate invocation, never part of normal dispatch.
func (s *Store) RequeueFailed() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var requeued []string
	for id, job := range s.jobs {
		if job.Status == models.StatusFailed {
			job.Status = models.StatusPending
			job.LastError = nil
			job.UpdatedAt = time.Now().UTC()
			s.jobs[id] = job
			requeued = append(requeued, id)
		}
	}
	if len(requeued) == 0 {
		return nil, nil
	}
	sort.Strings(requeued)
	return requeued, s.flushLocked()
}

// Pending returns the dispatch list: all PENDING jobs ordered by priority
// descending, id ascending. SUCCEEDED and FAILED jobs are excluded.
func (s *Store) Pending() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []models.Job
	for _, job := range s.jobs {
		if job.Status == models.StatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].ID < pending[j].ID
	})
	return pending
}

// Get returns a job by id.
func (s *Store) Get(id string) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

// Snapshot returns a copy of every job record.
func (s *Store) Snapshot() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// flushLocked writes the full store to a temp file and atomically renames
// it over the state file, so a partial write can never leave the store
// unreadable. Caller must hold the mutex.
func (s *Store) flushLocked() error {
	sf := stateFile{
		SchemaVersion: schemaVersion,
		UpdatedAt:     time.Now().UTC(),
		Jobs:          s.jobs,
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".state-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomic rename state file: %w", err)
	}
	return nil
}
