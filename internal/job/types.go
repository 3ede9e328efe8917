package job

import (
	"io"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

// Status constants. SUCCESS and FAILURE are terminal.
const (
	StatusQueued  Status = "QUEUED"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// CanMoveTo reports whether a record in s may be set to next. Status only
// moves forward; re-asserting the current status is always allowed.
func (s Status) CanMoveTo(next Status) bool {
	switch {
	case s == next:
		return true
	case s.Terminal():
		return false
	case s == StatusRunning:
		return next != StatusQueued
	}
	return true
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// Job is the ledger record for one backend submission.
type Job struct {
	LocalID   string
	Handle    string
	Owner     string
	InputName string
	InputRef  string
	OutputRef string
	Status    Status
	Detail    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DownloadAvailable reports whether the output artifact has been committed.
func (j *Job) DownloadAvailable() bool {
	return j.Status == StatusSuccess && j.OutputRef != ""
}

// settled means the record can be served without asking the backend.
func (j *Job) settled() bool {
	return j.Status == StatusFailure || j.DownloadAvailable()
}

// View converts the record to the caller-facing shape.
func (j *Job) View() *View {
	return &View{
		Handle:            j.Handle,
		LocalID:           j.LocalID,
		Status:            j.Status,
		Detail:            j.Detail,
		DownloadAvailable: j.DownloadAvailable(),
		InputName:         j.InputName,
		InputRef:          j.InputRef,
		OutputRef:         j.OutputRef,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}

// ArtifactKind selects which artifact of a job to read.
type ArtifactKind string

const (
	ArtifactInput  ArtifactKind = "input"
	ArtifactOutput ArtifactKind = "output"
)

// ArtifactInfo describes a stored blob.
type ArtifactInfo struct {
	Ref         string    `json:"ref"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"` // hex sha256
	CreatedAt   time.Time `json:"createdAt"`
}

// BackendState is the live state reported by the compute backend.
type BackendState struct {
	State  Status
	Detail string
	Result string // backend-side result location, informational only
}

// SubmitRequest represents a new image submission.
type SubmitRequest struct {
	Owner string
	Name  string
	Body  io.Reader
}

// SubmitResult is returned once the backend accepted the job.
// Recorded is false when the ledger insert was deferred to the backfill queue.
type SubmitResult struct {
	Handle   string `json:"jobHandle"`
	LocalID  string `json:"localId,omitempty"`
	Accepted bool   `json:"accepted"`
	Recorded bool   `json:"recorded"`
}

// View is the reconciled status of a job.
type View struct {
	Handle            string    `json:"jobHandle"`
	LocalID           string    `json:"localId,omitempty"`
	Status            Status    `json:"status"`
	Detail            string    `json:"detail,omitempty"`
	DownloadAvailable bool      `json:"downloadAvailable"`
	InputName         string    `json:"inputName,omitempty"`
	InputRef          string    `json:"inputRef,omitempty"`
	OutputRef         string    `json:"outputRef,omitempty"`
	Stale             bool      `json:"stale,omitempty"`
	Warning           string    `json:"warning,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// ListResponse represents the response for listing jobs
type ListResponse struct {
	Jobs []View `json:"jobs"`
}
