package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"nodeimage/internal/models"
)

// MemoryTaskStore keeps tasks in process. It backs tests and the
// storage-less development mode.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	seq   int
	tasks map[string]*memoryTask
}

type memoryTask struct {
	task models.ModerationTask
	seq  int
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*memoryTask)}
}

func live(status models.TaskStatus) bool {
	return status == models.TaskStatusPending ||
		status == models.TaskStatusProcessing ||
		status == models.TaskStatusFailed
}

func (s *MemoryTaskStore) Create(_ context.Context, task models.ModerationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return ErrTaskExists
	}
	if live(task.Status) && s.hasLiveLocked(task.SubjectID, "") {
		return ErrTaskExists
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	s.seq++
	s.tasks[task.ID] = &memoryTask{task: cloneTask(task), seq: s.seq}
	return nil
}

func (s *MemoryTaskStore) Get(_ context.Context, id string) (models.ModerationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.tasks[id]
	if !ok {
		return models.ModerationTask{}, ErrTaskNotFound
	}
	return cloneTask(entry.task), nil
}

func (s *MemoryTaskStore) List(_ context.Context, filter TaskFilter) ([]models.ModerationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.sortedLocked()
	// newest first, matching the SQL listing
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	var out []models.ModerationTask
	skipped := 0
	for _, entry := range entries {
		if filter.Status != "" && entry.task.Status != filter.Status {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, cloneTask(entry.task))
		if len(out) == filter.limit() {
			break
		}
	}
	return out, nil
}

func (s *MemoryTaskStore) NextEligible(_ context.Context) (models.ModerationTask, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, entry := range s.sortedLocked() {
		if entry.task.Status == models.TaskStatusPending || entry.task.Status == models.TaskStatusFailed {
			return cloneTask(entry.task), true, nil
		}
	}
	return models.ModerationTask{}, false, nil
}

func (s *MemoryTaskStore) MarkProcessing(_ context.Context, id string, at time.Time) error {
	_, err := s.update(id, func(t *models.ModerationTask) bool {
		if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusFailed {
			return false
		}
		t.Status = models.TaskStatusProcessing
		t.UpdatedAt = at
		return true
	})
	return err
}

func (s *MemoryTaskStore) MarkCompleted(_ context.Context, id string, result models.TaskResult, at time.Time) error {
	_, err := s.update(id, func(t *models.ModerationTask) bool {
		if t.Status != models.TaskStatusProcessing {
			return false
		}
		t.Status = models.TaskStatusCompleted
		t.Result = &result
		t.LastError = nil
		t.UpdatedAt = at
		return true
	})
	return err
}

func (s *MemoryTaskStore) MarkFailed(_ context.Context, id string, reason string, at time.Time) (models.ModerationTask, error) {
	return s.update(id, func(t *models.ModerationTask) bool {
		if t.Status != models.TaskStatusProcessing {
			return false
		}
		t.Status = models.TaskStatusFailed
		t.RetryCount++
		t.LastError = &reason
		t.UpdatedAt = at
		return true
	})
}

func (s *MemoryTaskStore) MarkError(_ context.Context, id string, at time.Time) error {
	_, err := s.update(id, func(t *models.ModerationTask) bool {
		if t.Status != models.TaskStatusFailed {
			return false
		}
		t.Status = models.TaskStatusError
		t.UpdatedAt = at
		return true
	})
	return err
}

func (s *MemoryTaskStore) ResetFailed(_ context.Context, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	entries := s.sortedLocked()
	// newest first, so the latest error task of a subject wins
	for i := len(entries) - 1; i >= 0; i-- {
		t := &entries[i].task
		switch t.Status {
		case models.TaskStatusFailed:
		case models.TaskStatusError:
			if s.hasLiveLocked(t.SubjectID, t.ID) {
				continue
			}
		default:
			continue
		}
		t.Status = models.TaskStatusPending
		t.RetryCount = 0
		t.UpdatedAt = at
		n++
	}
	return n, nil
}

func (s *MemoryTaskStore) RecoverProcessing(_ context.Context, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, entry := range s.tasks {
		t := &entry.task
		if t.Status != models.TaskStatusProcessing {
			continue
		}
		reason := InterruptedReason
		t.Status = models.TaskStatusFailed
		t.RetryCount++
		t.LastError = &reason
		t.UpdatedAt = at
		n++
	}
	return n, nil
}

func (s *MemoryTaskStore) CountByStatus(_ context.Context) (map[models.TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.TaskStatus]int, len(models.AllTaskStatuses))
	for _, entry := range s.tasks {
		counts[entry.task.Status]++
	}
	return counts, nil
}

func (s *MemoryTaskStore) update(id string, apply func(*models.ModerationTask) bool) (models.ModerationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tasks[id]
	if !ok {
		return models.ModerationTask{}, ErrTaskNotFound
	}
	if !apply(&entry.task) {
		return models.ModerationTask{}, ErrInvalidTransition
	}
	return cloneTask(entry.task), nil
}

func (s *MemoryTaskStore) hasLiveLocked(subjectID, exceptID string) bool {
	for id, entry := range s.tasks {
		if id != exceptID && entry.task.SubjectID == subjectID && live(entry.task.Status) {
			return true
		}
	}
	return false
}

// sortedLocked orders by creation time, breaking ties by insertion order.
func (s *MemoryTaskStore) sortedLocked() []*memoryTask {
	entries := make([]*memoryTask, 0, len(s.tasks))
	for _, entry := range s.tasks {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
			return a.task.CreatedAt.Before(b.task.CreatedAt)
		}
		return a.seq < b.seq
	})
	return entries
}

func cloneTask(t models.ModerationTask) models.ModerationTask {
	if t.Result != nil {
		result := *t.Result
		t.Result = &result
	}
	if t.LastError != nil {
		reason := *t.LastError
		t.LastError = &reason
	}
	return t
}
