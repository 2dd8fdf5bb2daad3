package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "reportsched/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.tasks.snapshot.json (periodic snapshot)
//   - <prefix>.tasks.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot. All reads are
// served from memory; the job-id index is rebuilt on load.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	tasks    map[string]Task   // by task id
	jobIndex map[string]string // job id -> task id

	writes int
}

type journalRecord struct {
	Op   string `json:"op"` // "put" or "del"
	ID   string `json:"id,omitempty"`
	Task *Task  `json:"task,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".tasks.snapshot.json"
	journalPath := prefix + ".tasks.journal.jsonl"

	tasks := map[string]Task{}
	_ = loadTaskSnapshot(snapPath, tasks)
	_ = replayTaskJournal(journalPath, tasks)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		tasks:        tasks,
		jobIndex:     map[string]string{},
	}
	for id, t := range tasks {
		if t.JobID != "" {
			s.jobIndex[t.JobID] = id
		}
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) CreateTask(ctx context.Context, t Task) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, t.ID)
	}
	return s.putLocked(t)
}

func (s *fileStore) GetTask(ctx context.Context, id string) (Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

func (s *fileStore) GetTaskByJobID(ctx context.Context, jobID string) (Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.jobIndex[jobID]
	if !ok {
		return Task{}, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return s.tasks[id], nil
}

func (s *fileStore) UpdateTask(ctx context.Context, t Task) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	return s.putLocked(t)
}

func (s *fileStore) DeleteTask(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.journalFile == nil {
		return errors.New("task journal closed")
	}
	if err := s.appendLocked(journalRecord{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.tasks, id)
	if t.JobID != "" {
		delete(s.jobIndex, t.JobID)
	}
	return nil
}

func (s *fileStore) ListTasks(ctx context.Context) ([]Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(func(Task) bool { return true }), nil
}

func (s *fileStore) SearchTasks(ctx context.Context, name string) ([]Task, error) {
	_ = ctx
	needle := strings.ToLower(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(func(t Task) bool {
		return strings.Contains(strings.ToLower(t.Name), needle)
	}), nil
}

func (s *fileStore) collectLocked(keep func(Task) bool) []Task {
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *fileStore) putLocked(t Task) error {
	if s.journalFile == nil {
		return errors.New("task journal closed")
	}
	if err := s.appendLocked(journalRecord{Op: "put", Task: &t}); err != nil {
		return err
	}
	if old, ok := s.tasks[t.ID]; ok && old.JobID != "" && old.JobID != t.JobID {
		delete(s.jobIndex, old.JobID)
	}
	s.tasks[t.ID] = t
	if t.JobID != "" {
		s.jobIndex[t.JobID] = t.ID
	}
	return nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("task journal compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.tasks); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadTaskSnapshot(path string, out map[string]Task) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Task
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayTaskJournal(path string, out map[string]Task) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case "put":
			if r.Task != nil && r.Task.ID != "" {
				out[r.Task.ID] = *r.Task
			}
		case "del":
			delete(out, r.ID)
		}
	}
	return sc.Err()
}
