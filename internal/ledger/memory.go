// Package ledger stores job records keyed by backend job handle.
package ledger

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshjobs/internal/apperrors"
	"meshjobs/internal/job"
)

// Memory is a process-local ledger. Records are lost on restart.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
	now  func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*job.Job),
		now:  time.Now,
	}
}

// Create inserts a new record. Returns a conflict error if the handle exists.
func (m *Memory) Create(ctx context.Context, j *job.Job) error {
	if err := validateNew(j); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.Handle]; exists {
		return apperrors.Conflict("job", j.Handle, "job already recorded")
	}
	now := m.now()
	j.LocalID = uuid.NewString()
	j.CreatedAt = now
	j.UpdatedAt = now
	cp := *j
	m.jobs[j.Handle] = &cp
	return nil
}

// Get returns a copy of the record for handle.
func (m *Memory) Get(ctx context.Context, handle string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, exists := m.jobs[handle]
	if !exists {
		return nil, apperrors.NotFound("job", handle)
	}
	cp := *j
	return &cp, nil
}

// GetByArtifact returns the record referencing ref as input or output.
func (m *Memory) GetByArtifact(ctx context.Context, ref string) (*job.Job, error) {
	if ref == "" {
		return nil, apperrors.NotFound("artifact", ref)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, j := range m.jobs {
		if j.InputRef == ref || j.OutputRef == ref {
			cp := *j
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("artifact", ref)
}

// ListByOwner returns the owner's records, newest first.
func (m *Memory) ListByOwner(ctx context.Context, owner string, limit int) ([]job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]job.Job, 0)
	for _, j := range m.jobs {
		if j.Owner == owner {
			result = append(result, *j)
		}
	}
	slices.SortFunc(result, func(a, b job.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.LocalID, a.LocalID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateStatus applies status and detail unless that would move the record
// backwards or out of a terminal status. Returns the record as stored afterwards.
func (m *Memory) UpdateStatus(ctx context.Context, handle string, status job.Status, detail string) (*job.Job, error) {
	if err := validateUpdate(status); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, exists := m.jobs[handle]
	if !exists {
		return nil, apperrors.NotFound("job", handle)
	}
	if j.Status.CanMoveTo(status) {
		j.Status = status
		j.Detail = detail
		j.UpdatedAt = m.now()
	}
	cp := *j
	return &cp, nil
}

// CommitOutput sets the output ref and SUCCESS if no output ref is set and
// the job has not failed. Reports whether this call won.
func (m *Memory) CommitOutput(ctx context.Context, handle, outputRef, detail string) (bool, error) {
	if outputRef == "" {
		return false, apperrors.Validation("outputRef", "output ref is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, exists := m.jobs[handle]
	if !exists {
		return false, apperrors.NotFound("job", handle)
	}
	if j.OutputRef != "" || j.Status == job.StatusFailure {
		return false, nil
	}
	j.OutputRef = outputRef
	j.Status = job.StatusSuccess
	j.Detail = detail
	j.UpdatedAt = m.now()
	return true, nil
}

// Ready always succeeds.
func (m *Memory) Ready(ctx context.Context) error {
	return nil
}

func validateNew(j *job.Job) error {
	switch {
	case j == nil:
		return apperrors.Validation("job", "job is required")
	case j.Handle == "":
		return apperrors.Validation("jobHandle", "job handle is required")
	case j.Owner == "":
		return apperrors.Validation("owner", "owner is required")
	case j.InputRef == "":
		return apperrors.Validation("inputRef", "input ref is required")
	case j.Status != job.StatusQueued && j.Status != job.StatusRunning:
		return apperrors.Validation("status", "new jobs must be QUEUED or RUNNING")
	}
	return nil
}

func validateUpdate(status job.Status) error {
	if !status.Valid() {
		return apperrors.Validation("status", "unknown status "+string(status))
	}
	if status == job.StatusSuccess {
		return apperrors.Validation("status", "SUCCESS is only set by committing the output")
	}
	return nil
}
