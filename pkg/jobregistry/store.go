package jobregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store persists and loads JobRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/run.log
//	<root>/<job_id>/exit_code
//	<root>/<job_id>/events.jsonl
//	<root>/<job_id>/metrics.prom
//
// Root is expected to be under the app data dir.
type Store struct {
	root  string
	table ProcessTable
}

// NewStore returns a store rooted at root that consults the host process
// table when reconciling records.
func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root), table: NewOSProcessTable()}
}

// WithProcessTable replaces the process table used for reconciliation.
func (s *Store) WithProcessTable(table ProcessTable) *Store {
	if table != nil {
		s.table = table
	}
	return s
}

// ProcessTable returns the table used for liveness and exit status.
func (s *Store) ProcessTable() ProcessTable {
	return s.table
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *Store) LogPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "run.log")
}

func (s *Store) ExitPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "exit_code")
}

func (s *Store) EventsPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "events.jsonl")
}

func (s *Store) MetricsPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "metrics.prom")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	jobID := strings.TrimSpace(record.JobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	finalPath := s.JobPath(jobID)
	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Get loads a job record. A record that claims to be live but whose process
// is gone is reconciled to the terminal state the process table supports
// and persisted.
func (s *Store) Get(jobID string) (*JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	path := s.JobPath(jobID)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}

	if !record.State.IsTerminal() && record.PID > 0 && s.table != nil {
		if !s.table.Alive(record.PID) {
			now := time.Now().UTC()
			Settle(&record, s.table, now)
			_ = s.Write(&record)
		}
	}

	return &record, nil
}

func (s *Store) List() ([]JobRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		r, err := s.Get(jobID)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return jobSortTime(out[i]).After(jobSortTime(out[j]))
	})

	return out, nil
}

// Resolve maps a full job id or an unambiguous prefix to a job id.
func (s *Store) Resolve(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	if _, err := os.Stat(s.JobPath(input)); err == nil {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	jobs, err := s.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use full job_id or --json", len(matches))
	}
	return matches[0], nil
}

// GC removes terminal jobs that ended more than maxAge before now. It returns
// how many jobs were (or, with dryRun, would be) removed.
func (s *Store) GC(maxAge time.Duration, now time.Time, dryRun bool) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("max age must be > 0")
	}

	jobs, err := s.List()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, j := range jobs {
		if j.EndedAt == nil || !j.State.IsTerminal() {
			continue
		}
		if now.Sub(j.EndedAt.UTC()) <= maxAge {
			continue
		}
		if !dryRun {
			if err := os.RemoveAll(s.JobDir(j.JobID)); err != nil {
				return deleted, fmt.Errorf("remove job dir: %w", err)
			}
		}
		deleted++
	}
	return deleted, nil
}

// Settle moves a record whose process is gone into its terminal state: the
// exit code sign decides succeeded or failed, a pending terminate request
// turns any exit into killed, and an unreadable status means unknown.
func Settle(rec *JobRecord, table ProcessTable, now time.Time) {
	code, ok := table.ExitCode(rec.PID, rec.ExitPath)
	switch {
	case rec.TerminateRequested:
		rec.State = JobStateKilled
	case !ok:
		rec.State = JobStateUnknown
	case code == 0:
		rec.State = JobStateSucceeded
	default:
		rec.State = JobStateFailed
	}
	if ok {
		c := code
		rec.ExitCode = &c
	}
	rec.EndedAt = &now
	rec.LastPollAt = &now
}

func jobSortTime(r JobRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}
