package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meshjobs/internal/apperrors"
	"meshjobs/internal/job"
)

// runContract exercises the behavior every ledger must share. handles are
// prefixed so runs against a shared database do not collide.
func runContract(t *testing.T, l job.Ledger, prefix string) {
	ctx := context.Background()
	newJob := func(handle, owner string) *job.Job {
		return &job.Job{
			Handle:    prefix + handle,
			Owner:     prefix + owner,
			InputName: "photo.png",
			InputRef:  prefix + "in-" + handle,
			Status:    job.StatusQueued,
			Detail:    "Job received and queued",
		}
	}

	t.Run("create and get", func(t *testing.T) {
		j := newJob("create", "u1")
		if err := l.Create(ctx, j); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if j.LocalID == "" || j.CreatedAt.IsZero() {
			t.Errorf("expected LocalID and timestamps to be filled, got %+v", j)
		}

		got, err := l.Get(ctx, j.Handle)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.LocalID != j.LocalID || got.Owner != j.Owner || got.Status != job.StatusQueued || got.OutputRef != "" {
			t.Errorf("unexpected record: %+v", got)
		}

		if err := l.Create(ctx, newJob("create", "u1")); !errors.Is(err, apperrors.ErrConflict) {
			t.Errorf("expected conflict on duplicate handle, got %v", err)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		if _, err := l.Get(ctx, prefix+"missing"); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("rejects invalid records", func(t *testing.T) {
		bad := newJob("bad", "u1")
		bad.InputRef = ""
		if err := l.Create(ctx, bad); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
		done := newJob("bad2", "u1")
		done.Status = job.StatusSuccess
		if err := l.Create(ctx, done); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("expected validation error for SUCCESS on create, got %v", err)
		}
	})

	t.Run("status never leaves terminal", func(t *testing.T) {
		j := newJob("terminal", "u1")
		if err := l.Create(ctx, j); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if got, err := l.UpdateStatus(ctx, j.Handle, job.StatusRunning, "working"); err != nil || got.Status != job.StatusRunning {
			t.Fatalf("UpdateStatus(RUNNING) = %+v, %v", got, err)
		}
		if got, err := l.UpdateStatus(ctx, j.Handle, job.StatusFailure, "boom"); err != nil || got.Status != job.StatusFailure {
			t.Fatalf("UpdateStatus(FAILURE) = %+v, %v", got, err)
		}
		got, err := l.UpdateStatus(ctx, j.Handle, job.StatusRunning, "late")
		if err != nil {
			t.Fatalf("UpdateStatus() error = %v", err)
		}
		if got.Status != job.StatusFailure || got.Detail != "boom" {
			t.Errorf("terminal record changed: %+v", got)
		}
		if _, err := l.UpdateStatus(ctx, j.Handle, job.StatusSuccess, ""); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("expected SUCCESS via UpdateStatus to be rejected, got %v", err)
		}
		won, err := l.CommitOutput(ctx, j.Handle, prefix+"out-terminal", "")
		if err != nil || won {
			t.Errorf("expected commit on failed job to lose, got %v, %v", won, err)
		}
	})

	t.Run("status never moves backwards", func(t *testing.T) {
		j := newJob("forward", "u1")
		if err := l.Create(ctx, j); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, err := l.UpdateStatus(ctx, j.Handle, job.StatusRunning, "Depth estimation"); err != nil {
			t.Fatalf("UpdateStatus(RUNNING) error = %v", err)
		}
		got, err := l.UpdateStatus(ctx, j.Handle, job.StatusQueued, "requeued")
		if err != nil {
			t.Fatalf("UpdateStatus(QUEUED) error = %v", err)
		}
		if got.Status != job.StatusRunning || got.Detail != "Depth estimation" {
			t.Errorf("RUNNING record moved back: %+v", got)
		}
		got, err = l.UpdateStatus(ctx, j.Handle, job.StatusRunning, "Meshing")
		if err != nil || got.Status != job.StatusRunning || got.Detail != "Meshing" {
			t.Errorf("re-asserting RUNNING should refresh detail, got %+v, %v", got, err)
		}
	})

	t.Run("commit output once", func(t *testing.T) {
		j := newJob("commit", "u1")
		if err := l.Create(ctx, j); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		const n = 8
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				won, err := l.CommitOutput(ctx, j.Handle, fmt.Sprintf("%sout-%d", prefix, i), "Mesh ready")
				if err != nil {
					t.Errorf("CommitOutput() error = %v", err)
				}
				if won {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins.Load())
		}
		got, _ := l.Get(ctx, j.Handle)
		if got.Status != job.StatusSuccess || got.OutputRef == "" {
			t.Errorf("expected SUCCESS with output, got %+v", got)
		}
		if after, _ := l.UpdateStatus(ctx, j.Handle, job.StatusRunning, ""); after.Status != job.StatusSuccess {
			t.Errorf("SUCCESS regressed to %s", after.Status)
		}

		byRef, err := l.GetByArtifact(ctx, got.OutputRef)
		if err != nil || byRef.Handle != j.Handle {
			t.Errorf("GetByArtifact(output) = %+v, %v", byRef, err)
		}
		byRef, err = l.GetByArtifact(ctx, j.InputRef)
		if err != nil || byRef.Handle != j.Handle {
			t.Errorf("GetByArtifact(input) = %+v, %v", byRef, err)
		}
		if _, err := l.CommitOutput(ctx, prefix+"missing", "x", ""); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected not found for unknown handle, got %v", err)
		}
	})

	t.Run("list by owner", func(t *testing.T) {
		for _, h := range []string{"l1", "l2", "l3"} {
			if err := l.Create(ctx, newJob(h, "lister")); err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			time.Sleep(2 * time.Millisecond)
		}
		if err := l.Create(ctx, newJob("l4", "other")); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		jobs, err := l.ListByOwner(ctx, prefix+"lister", 2)
		if err != nil {
			t.Fatalf("ListByOwner() error = %v", err)
		}
		if len(jobs) != 2 || jobs[0].Handle != prefix+"l3" || jobs[1].Handle != prefix+"l2" {
			t.Errorf("expected [l3 l2], got %v", handles(jobs))
		}
	})
}

func handles(jobs []job.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.Handle
	}
	return out
}
