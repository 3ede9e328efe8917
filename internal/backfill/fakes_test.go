package backfill

import (
	"context"
	"sync"

	"meshjobs/internal/apperrors"
	"meshjobs/internal/job"
	"meshjobs/internal/ledger"
)

// flakyLedger fails the first n inserts, and can hold inserts for one
// handle until released.
type flakyLedger struct {
	*ledger.Memory

	mu       sync.Mutex
	failures int
	attempts int
	holdFor  string
	release  chan struct{}
}

func newFlakyLedger(failures int) *flakyLedger {
	return &flakyLedger{Memory: ledger.NewMemory(), failures: failures, release: make(chan struct{})}
}

func (l *flakyLedger) Create(ctx context.Context, j *job.Job) error {
	l.mu.Lock()
	l.attempts++
	hold := l.holdFor != "" && j.Handle == l.holdFor
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()

	if hold {
		select {
		case <-l.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return apperrors.Internal("ledger.create", context.DeadlineExceeded)
	}
	return l.Memory.Create(ctx, j)
}

func (l *flakyLedger) attemptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

func testJob(handle string) *job.Job {
	return &job.Job{
		Handle:    handle,
		Owner:     "u1",
		InputName: "photo.png",
		InputRef:  "in-" + handle,
		Status:    job.StatusQueued,
		Detail:    "Job received and queued",
	}
}
