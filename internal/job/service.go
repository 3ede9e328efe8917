package job

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"meshjobs/internal/apperrors"
	"meshjobs/internal/observability"

	"golang.org/x/sync/singleflight"
)

// Validation limits
const (
	maxHandleLength = 256
	maxNameLength   = 255
	sniffLen        = 512
	defaultName     = "upload"
	defaultListSize = 20
	maxListSize     = 100
	outputMediaType = "model/stl"
)

var errUploadTooLarge = errors.New("upload exceeds size limit")

// Config tunes the Service. Zero values use defaults.
type Config struct {
	MaxUploadBytes int64         // default: 32MB
	StatusTimeout  time.Duration // per backend poll, default: 10s
	PersistTimeout time.Duration // output fetch+store+commit, default: 2m

	// StaleAfterFailures is the number of consecutive backend poll failures
	// for one job after which GetStatus returns the error instead of the
	// persisted view. 0 means always serve the persisted view.
	StaleAfterFailures int

	// FailureWindow bounds a failure streak: a failure more than this long
	// after the previous one starts a new streak, and idle streaks are
	// pruned. Default: 15m.
	FailureWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 32 << 20
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = 10 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 2 * time.Minute
	}
	if c.StaleAfterFailures < 0 {
		c.StaleAfterFailures = 0
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 15 * time.Minute
	}
	return c
}

// Dependencies are the collaborators a Service coordinates.
// Backfill and Metrics are optional.
type Dependencies struct {
	Backend  Backend
	Ledger   Ledger
	Store    ArtifactStore
	Backfill Backfill
	Metrics  *observability.Metrics
}

// Service coordinates the artifact store, the job ledger and the compute
// backend.
//
// The Service keeps no job state of its own: the ledger is the source of
// truth and the backend is consulted on every non-terminal status check.
// The only in-memory state is the per-job poll failure counter and the
// in-flight output persistence group, both of which are safe to lose.
type Service struct {
	backend  Backend
	ledger   Ledger
	store    ArtifactStore
	backfill Backfill
	metrics  *observability.Metrics
	cfg      Config

	persist singleflight.Group

	mu       sync.Mutex
	failures map[string]failureStreak
	swept    time.Time
	now      func() time.Time
}

// failureStreak counts consecutive backend poll failures for one job.
type failureStreak struct {
	n    int
	last time.Time
}

// NewService creates a new job service.
func NewService(deps Dependencies, cfg Config) (*Service, error) {
	if deps.Backend == nil || deps.Ledger == nil || deps.Store == nil {
		return nil, errors.New("job service requires backend, ledger and artifact store")
	}
	return &Service{
		backend:  deps.Backend,
		ledger:   deps.Ledger,
		store:    deps.Store,
		backfill: deps.Backfill,
		metrics:  deps.Metrics,
		cfg:      cfg.withDefaults(),
		failures: make(map[string]failureStreak),
		now:      time.Now,
	}, nil
}

// Submit stores the input image, forwards it to the backend and records the job.
//
// A ledger failure after the backend accepted the job is not an error: the
// record goes to the backfill queue and the handle is returned with
// Recorded=false.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	name, body, contentType, err := s.validateSubmit(req)
	if err != nil {
		return nil, err
	}

	logger := slog.With("owner", req.Owner, "input", name)

	input, err := s.store.Put(ctx, name, contentType, body)
	if err != nil {
		s.recordSubmitError(ctx, "store")
		if errors.Is(err, errUploadTooLarge) {
			return nil, apperrors.Validation("image", fmt.Sprintf("image exceeds maximum size of %d bytes", s.cfg.MaxUploadBytes))
		}
		logger.Error("Input artifact write failed", "error", err)
		return nil, storageError("artifact.put", err)
	}
	if s.metrics != nil {
		s.metrics.RecordArtifactStored(ctx, string(ArtifactInput), input.Size)
	}
	logger = logger.With("inputRef", input.Ref)

	handle, err := s.forward(ctx, input)
	if err != nil {
		s.recordSubmitError(ctx, "backend")
		logger.Warn("Backend submission failed", "error", err)
		return nil, err
	}
	logger = logger.With("jobHandle", handle)

	j := &Job{
		Handle:    handle,
		Owner:     req.Owner,
		InputName: name,
		InputRef:  input.Ref,
		Status:    StatusQueued,
		Detail:    "Job received and queued",
	}
	if err := s.ledger.Create(ctx, j); err != nil {
		logger.Error("Ledger insert failed after backend accepted job", "error", err)
		if s.backfill == nil {
			logger.Warn("No backfill queue configured; job is untracked")
		} else if err := s.backfill.Enqueue(j); err != nil {
			logger.Error("Backfill enqueue failed; job is untracked", "error", err)
		}
		if s.metrics != nil {
			s.metrics.RecordJobSubmitted(ctx, false)
		}
		return &SubmitResult{Handle: handle, Accepted: true, Recorded: false}, nil
	}

	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx, true)
	}
	logger.Info("Job submitted", "localId", j.LocalID)

	return &SubmitResult{
		Handle:   handle,
		LocalID:  j.LocalID,
		Accepted: true,
		Recorded: true,
	}, nil
}

// forward streams the stored copy of the input to the backend, so the
// backend only ever sees bytes that are already durable.
func (s *Service) forward(ctx context.Context, input *ArtifactInfo) (string, error) {
	rc, info, err := s.store.Open(ctx, input.Ref)
	if err != nil {
		return "", storageError("artifact.open", err)
	}
	defer rc.Close()
	return s.backend.Submit(ctx, info.Name, info.ContentType, rc)
}

// GetStatus returns the reconciled state of a job.
//
// Terminal records are served from the ledger. Otherwise the backend is
// polled and the ledger brought forward; on SUCCESS the output artifact is
// fetched and committed exactly once before SUCCESS is reported.
func (s *Service) GetStatus(ctx context.Context, owner, handle string) (*View, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	if err := validateHandle(handle); err != nil {
		return nil, err
	}

	rec, persisted, err := s.lookup(ctx, handle)
	if err != nil {
		s.recordReconcile(ctx, observability.OutcomeError)
		return nil, err
	}
	if rec.Owner != owner {
		return nil, apperrors.Forbidden("job", handle)
	}

	if rec.settled() {
		s.recordReconcile(ctx, observability.OutcomeCached)
		return rec.View(), nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.StatusTimeout)
	live, err := s.backend.Poll(pollCtx, handle)
	cancel()
	if err != nil {
		if !persisted {
			s.recordReconcile(ctx, observability.OutcomeError)
			return nil, err
		}
		return s.fallback(ctx, rec, err)
	}
	s.resetFailures(handle)

	if !persisted {
		return s.unpersistedView(ctx, rec, live), nil
	}
	return s.reconcile(ctx, rec, live)
}

// lookup finds the ledger record, flushing a pending backfill insert when
// the ledger has none. persisted is false when only the queued copy exists.
func (s *Service) lookup(ctx context.Context, handle string) (*Job, bool, error) {
	rec, err := s.ledger.Get(ctx, handle)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) || s.backfill == nil {
		return nil, false, err
	}

	if _, ok := s.backfill.Pending(handle); !ok {
		return nil, false, err
	}
	flushed, ferr := s.backfill.Flush(ctx, handle)
	if ferr == nil {
		return flushed, true, nil
	}
	// Another worker may have inserted it meanwhile.
	if rec, err := s.ledger.Get(ctx, handle); err == nil {
		return rec, true, nil
	}
	pending, ok := s.backfill.Pending(handle)
	if !ok {
		return nil, false, apperrors.NotFound("job", handle)
	}
	slog.Warn("Serving job from backfill queue", "jobHandle", handle, "error", ferr)
	return pending, false, nil
}

// unpersistedView reports live state for a job whose ledger insert is still
// queued. SUCCESS is withheld until the output can be committed.
func (s *Service) unpersistedView(ctx context.Context, rec *Job, live *BackendState) *View {
	v := rec.View()
	v.Status = live.State
	v.Detail = live.Detail
	if live.State == StatusSuccess {
		v.Status = StatusRunning
		v.Detail = "Result ready; waiting for job record"
	}
	v.Warning = "job record not yet persisted"
	s.recordReconcile(ctx, observability.OutcomeLive)
	return v
}

// fallback serves the persisted view when the backend cannot answer.
func (s *Service) fallback(ctx context.Context, rec *Job, cause error) (*View, error) {
	n := s.recordFailure(rec.Handle)
	logger := slog.With("jobHandle", rec.Handle, "consecutiveFailures", n)

	if s.cfg.StaleAfterFailures > 0 && n > s.cfg.StaleAfterFailures {
		logger.Warn("Backend unreachable past stale limit", "error", cause)
		s.recordReconcile(ctx, observability.OutcomeError)
		return nil, cause
	}

	logger.Warn("Serving stale job status", "error", cause)
	s.recordReconcile(ctx, observability.OutcomeStale)
	v := rec.View()
	v.Stale = true
	v.Warning = fmt.Sprintf("live status unavailable: %v", cause)
	return v, nil
}

func (s *Service) reconcile(ctx context.Context, rec *Job, live *BackendState) (*View, error) {
	switch live.State {
	case StatusQueued, StatusRunning, StatusFailure:
		if rec.Status == live.State && rec.Detail == live.Detail {
			s.recordReconcile(ctx, observability.OutcomeLive)
			return rec.View(), nil
		}
		updated, err := s.ledger.UpdateStatus(ctx, rec.Handle, live.State, live.Detail)
		if err != nil {
			s.recordReconcile(ctx, observability.OutcomeError)
			return nil, fmt.Errorf("record status: %w", err)
		}
		if live.State == StatusFailure {
			slog.Info("Job failed", "jobHandle", rec.Handle, "detail", live.Detail)
			s.resetFailures(rec.Handle)
		}
		s.recordReconcile(ctx, observability.OutcomeLive)
		return updated.View(), nil

	case StatusSuccess:
		return s.persistOutput(ctx, rec, live)
	}
	return nil, apperrors.Internal("job.reconcile", fmt.Errorf("unexpected backend state %q", live.State))
}

// persistOutput collapses concurrent persisters for a handle into one call.
// The shared call is detached from any single caller so one client
// disconnecting does not abort the write for the others.
func (s *Service) persistOutput(ctx context.Context, rec *Job, live *BackendState) (*View, error) {
	ch := s.persist.DoChan(rec.Handle, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
		defer cancel()
		return s.storeOutput(pctx, rec.Handle, live.Detail)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			// A transfer cut off by the backend surfaces through the store
			// but is still a backend failure.
			if !errors.Is(res.Err, apperrors.ErrBackendUnavailable) &&
				(errors.Is(res.Err, apperrors.ErrStorage) || errors.Is(res.Err, apperrors.ErrInternal)) {
				s.recordReconcile(ctx, observability.OutcomeError)
				return nil, res.Err
			}
			// Backend could not hand over the output yet; retry on the next check.
			return s.fallback(ctx, rec, res.Err)
		}
		s.resetFailures(rec.Handle)
		s.recordReconcile(ctx, observability.OutcomePersisted)
		return res.Val.(*Job).View(), nil
	}
}

// storeOutput fetches the output, stores it and commits the ref.
// The ledger commit is the only point where the output ref becomes visible.
func (s *Service) storeOutput(ctx context.Context, handle, detail string) (*Job, error) {
	logger := slog.With("jobHandle", handle)

	current, err := s.ledger.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	if current.OutputRef != "" || current.Status == StatusFailure {
		return current, nil
	}

	rc, contentType, err := s.backend.Fetch(ctx, handle)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = outputMediaType
	}

	info, err := s.store.Put(ctx, handle+".stl", contentType, backendReader{r: rc})
	if err != nil {
		if errors.Is(err, apperrors.ErrBackendUnavailable) {
			logger.Warn("Output download interrupted", "error", err)
			return nil, err
		}
		logger.Error("Output artifact write failed", "error", err)
		return nil, storageError("artifact.put", err)
	}
	if s.metrics != nil {
		s.metrics.RecordArtifactStored(ctx, string(ArtifactOutput), info.Size)
	}

	if detail == "" {
		detail = "Mesh generated"
	}
	won, err := s.ledger.CommitOutput(ctx, handle, info.Ref, detail)
	if err != nil {
		// The commit outcome is unknown; only discard when the ledger
		// positively shows another ref.
		if after, gerr := s.ledger.Get(ctx, handle); gerr == nil && after.OutputRef != info.Ref {
			s.discard(ctx, info.Ref)
		}
		return nil, fmt.Errorf("commit output: %w", err)
	}
	if !won {
		logger.Info("Lost output commit race; discarding duplicate", "ref", info.Ref)
		s.discard(ctx, info.Ref)
		if s.metrics != nil {
			s.metrics.RecordCommitRaceLost(ctx)
		}
	} else {
		logger.Info("Output artifact committed", "ref", info.Ref, "size", info.Size)
	}

	return s.ledger.Get(ctx, handle)
}

func (s *Service) discard(ctx context.Context, ref string) {
	if err := s.store.Delete(ctx, ref); err != nil {
		slog.Warn("Failed to discard unreferenced artifact", "ref", ref, "error", err)
	}
}

// Fetch opens an artifact from durable storage. id is a job handle (kind
// selects input or output) or an artifact ref. The backend is never contacted.
func (s *Service) Fetch(ctx context.Context, owner, id string, kind ArtifactKind) (io.ReadCloser, *ArtifactInfo, error) {
	if err := validateOwner(owner); err != nil {
		return nil, nil, err
	}
	if err := validateHandle(id); err != nil {
		return nil, nil, err
	}
	if kind == "" {
		kind = ArtifactOutput
	}
	if kind != ArtifactInput && kind != ArtifactOutput {
		return nil, nil, apperrors.Validation("kind", "kind must be input or output")
	}

	var ref string
	rec, err := s.ledger.Get(ctx, id)
	switch {
	case err == nil:
		if rec.Owner != owner {
			return nil, nil, apperrors.Forbidden("job", id)
		}
		ref = rec.InputRef
		if kind == ArtifactOutput {
			ref = rec.OutputRef
		}
		if ref == "" {
			return nil, nil, apperrors.NotFound(string(kind)+" artifact for job", id)
		}
	case errors.Is(err, apperrors.ErrNotFound):
		rec, err = s.ledger.GetByArtifact(ctx, id)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, nil, apperrors.NotFound("artifact", id)
			}
			return nil, nil, err
		}
		if rec.Owner != owner {
			return nil, nil, apperrors.Forbidden("artifact", id)
		}
		ref = id
	default:
		return nil, nil, err
	}

	rc, info, err := s.store.Open(ctx, ref)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil, err
		}
		return nil, nil, storageError("artifact.open", err)
	}
	return rc, info, nil
}

// List returns the owner's jobs from the ledger, newest first.
func (s *Service) List(ctx context.Context, owner string, limit int) (*ListResponse, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListSize
	}
	limit = min(limit, maxListSize)

	jobs, err := s.ledger.ListByOwner(ctx, owner, limit)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(jobs))
	for i := range jobs {
		views = append(views, *jobs[i].View())
	}
	return &ListResponse{Jobs: views}, nil
}

func (s *Service) recordFailure(handle string) int {
	now := s.now()
	window := s.cfg.FailureWindow

	s.mu.Lock()
	defer s.mu.Unlock()

	// Jobs whose backend never recovers are otherwise never cleared.
	if now.Sub(s.swept) >= window {
		for h, f := range s.failures {
			if now.Sub(f.last) >= window {
				delete(s.failures, h)
			}
		}
		s.swept = now
	}

	f := s.failures[handle]
	if now.Sub(f.last) >= window {
		f.n = 0
	}
	f.n++
	f.last = now
	s.failures[handle] = f
	return f.n
}

func (s *Service) resetFailures(handle string) {
	s.mu.Lock()
	delete(s.failures, handle)
	s.mu.Unlock()
}

func (s *Service) recordReconcile(ctx context.Context, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordReconcile(ctx, outcome)
	}
}

func (s *Service) recordSubmitError(ctx context.Context, stage string) {
	if s.metrics != nil {
		s.metrics.RecordSubmitError(ctx, stage)
	}
}

// validateSubmit checks the request and returns the cleaned name and a
// size-limited body positioned at the start of the upload.
func (s *Service) validateSubmit(req *SubmitRequest) (string, io.Reader, string, error) {
	if req == nil {
		return "", nil, "", apperrors.Validation("image", "image is required")
	}
	if err := validateOwner(req.Owner); err != nil {
		return "", nil, "", err
	}
	if req.Body == nil {
		return "", nil, "", apperrors.Validation("image", "image is required")
	}

	name := strings.TrimSpace(path.Base(strings.ReplaceAll(req.Name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		name = defaultName
	}
	if len(name) > maxNameLength {
		return "", nil, "", apperrors.Validation("name", fmt.Sprintf("file name exceeds maximum length of %d", maxNameLength))
	}

	br := bufio.NewReaderSize(req.Body, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", nil, "", apperrors.Validation("image", fmt.Sprintf("read image: %v", err))
	}
	if len(head) == 0 {
		return "", nil, "", apperrors.Validation("image", "image is empty")
	}
	contentType := http.DetectContentType(head)
	if !strings.HasPrefix(contentType, "image/") {
		return "", nil, "", apperrors.Validation("image", fmt.Sprintf("unsupported content type %q, expected an image", contentType))
	}

	return name, &limitedReader{r: br, n: s.cfg.MaxUploadBytes}, contentType, nil
}

func validateOwner(owner string) error {
	if owner == "" {
		return apperrors.Unauthorized("owner identity is required")
	}
	return nil
}

func validateHandle(handle string) error {
	if handle == "" {
		return apperrors.Validation("jobHandle", "job handle is required")
	}
	if len(handle) > maxHandleLength {
		return apperrors.Validation("jobHandle", fmt.Sprintf("job handle exceeds maximum length of %d", maxHandleLength))
	}
	return nil
}

// storageError classifies an unclassified store failure as a storage error.
func storageError(op string, err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Storage(op, err)
}

// backendReader marks read failures of a backend download so they are not
// mistaken for storage failures once the store wraps them.
type backendReader struct {
	r io.Reader
}

func (b backendReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF && !errors.As(err, new(*apperrors.Error)) {
		err = apperrors.BackendUnavailable("backend.fetch", err)
	}
	return n, err
}

// limitedReader fails with errUploadTooLarge instead of truncating.
type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		var probe [1]byte
		n, err := l.r.Read(probe[:])
		if n > 0 {
			return 0, errUploadTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}
