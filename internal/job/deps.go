// Package job orchestrates the image → mesh job lifecycle.
package job

import (
	"context"
	"io"
)

// Backend is the external compute service that turns an image into a mesh.
//
// Implementations are thin adapters: they never mutate job state and return
// transport failures as apperrors.ErrBackendUnavailable so the Service can
// fall back to persisted state.
//
// # Contract
//
//   - Submit is called at most once per logical job; a retry is a new job.
//   - Poll is idempotent and side-effect free.
//   - Fetch may be called repeatedly and returns the same bytes for a handle.
type Backend interface {
	// Submit sends the input image and returns the backend job handle.
	Submit(ctx context.Context, name, contentType string, body io.Reader) (string, error)

	// Poll returns the live state of a job.
	Poll(ctx context.Context, handle string) (*BackendState, error)

	// Fetch streams the produced artifact. The caller closes the reader.
	Fetch(ctx context.Context, handle string) (io.ReadCloser, string, error)

	// Ready checks if the backend is reachable.
	Ready(ctx context.Context) error
}

// Ledger is the durable record of jobs keyed by backend handle.
//
// # Mutation rules
//
// Records are created once and then only changed through UpdateStatus and
// CommitOutput, both of which are conditional writes evaluated atomically
// by the store:
//
//   - UpdateStatus never moves a terminal record (SUCCESS, FAILURE) to a
//     different status. Re-asserting the current status refreshes detail
//     and updated-at only.
//   - CommitOutput sets the output ref and SUCCESS only when no output ref
//     is present. Exactly one concurrent caller wins.
type Ledger interface {
	// Create inserts a new record and fills LocalID and timestamps.
	// Returns a conflict error if the handle already exists.
	Create(ctx context.Context, j *Job) error

	// Get returns the record for a handle.
	Get(ctx context.Context, handle string) (*Job, error)

	// GetByArtifact returns the record referencing ref as input or output.
	GetByArtifact(ctx context.Context, ref string) (*Job, error)

	// ListByOwner returns the owner's records, newest first.
	ListByOwner(ctx context.Context, owner string, limit int) ([]Job, error)

	// UpdateStatus applies a status/detail change and returns the record as
	// stored afterwards. SUCCESS is rejected; use CommitOutput.
	UpdateStatus(ctx context.Context, handle string, status Status, detail string) (*Job, error)

	// CommitOutput is the check-and-set commit point for the output artifact.
	// It reports false when another writer already set an output ref or the
	// job has failed.
	CommitOutput(ctx context.Context, handle, outputRef, detail string) (bool, error)

	// Ready checks if the ledger is reachable.
	Ready(ctx context.Context) error
}

// ArtifactStore is durable, append-only blob storage addressed by ref.
//
// Put copies the whole reader before returning and removes any partial
// write on failure. Open returns a reader the caller must close.
type ArtifactStore interface {
	Put(ctx context.Context, name, contentType string, body io.Reader) (*ArtifactInfo, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, *ArtifactInfo, error)
	Delete(ctx context.Context, ref string) error
	Ready(ctx context.Context) error
}

// Backfill holds ledger inserts that failed after the backend accepted a job
// and retries them in the background.
type Backfill interface {
	// Enqueue schedules an insert. Non-blocking.
	Enqueue(j *Job) error

	// Pending returns a queued record that has not been inserted yet.
	Pending(handle string) (*Job, bool)

	// Flush inserts a pending record now and returns the stored record.
	Flush(ctx context.Context, handle string) (*Job, error)
}
