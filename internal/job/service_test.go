package job

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"meshjobs/internal/apperrors"
)

type harness struct {
	svc      *Service
	backend  *fakeBackend
	store    *fakeStore
	ledger   *fakeLedger
	backfill *fakeBackfill
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		backend: &fakeBackend{handle: "J1", output: []byte("solid mesh\nendsolid mesh\n")},
		store:   newFakeStore(),
		ledger:  newFakeLedger(),
	}
	h.backfill = newFakeBackfill(h.ledger)
	svc, err := NewService(Dependencies{
		Backend:  h.backend,
		Ledger:   h.ledger,
		Store:    h.store,
		Backfill: h.backfill,
	}, cfg)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	h.svc = svc
	return h
}

func (h *harness) submit(t *testing.T, owner string) *SubmitResult {
	t.Helper()
	res, err := h.svc.Submit(context.Background(), &SubmitRequest{
		Owner: owner,
		Name:  "photo.png",
		Body:  bytes.NewReader(pngImage),
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return res
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	return data
}

func TestNewService_RequiresDependencies(t *testing.T) {
	t.Parallel()
	if _, err := NewService(Dependencies{Backend: &fakeBackend{}}, Config{}); err == nil {
		t.Error("expected error for missing ledger and store")
	}
}

func TestSubmit_StoresInputBeforeForwarding(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	res := h.submit(t, "u1")
	if res.Handle != "J1" || !res.Accepted || !res.Recorded {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.LocalID == "" {
		t.Error("expected local id to be assigned")
	}

	if len(h.backend.submitted) != 1 || !bytes.Equal(h.backend.submitted[0], pngImage) {
		t.Error("expected backend to receive the stored image bytes")
	}

	rec, err := h.ledger.Get(context.Background(), "J1")
	if err != nil {
		t.Fatalf("ledger Get() error = %v", err)
	}
	if rec.Status != StatusQueued || rec.Owner != "u1" || rec.InputName != "photo.png" {
		t.Errorf("unexpected record: %+v", rec)
	}
	rc, info, err := h.store.Open(context.Background(), rec.InputRef)
	if err != nil {
		t.Fatalf("input not stored: %v", err)
	}
	if info.ContentType != "image/png" {
		t.Errorf("expected sniffed image/png, got %q", info.ContentType)
	}
	if !bytes.Equal(readAll(t, rc), pngImage) {
		t.Error("stored input differs from upload")
	}
}

func TestSubmit_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     *SubmitRequest
		wantErr error
		errMsg  string
	}{
		{
			name:    "nil request",
			req:     nil,
			wantErr: apperrors.ErrValidation,
			errMsg:  "image is required",
		},
		{
			name:    "missing owner",
			req:     &SubmitRequest{Body: bytes.NewReader(pngImage)},
			wantErr: apperrors.ErrUnauthorized,
		},
		{
			name:    "missing body",
			req:     &SubmitRequest{Owner: "u1"},
			wantErr: apperrors.ErrValidation,
			errMsg:  "image is required",
		},
		{
			name:    "empty body",
			req:     &SubmitRequest{Owner: "u1", Body: strings.NewReader("")},
			wantErr: apperrors.ErrValidation,
			errMsg:  "image is empty",
		},
		{
			name:    "not an image",
			req:     &SubmitRequest{Owner: "u1", Body: strings.NewReader("hello, plain text")},
			wantErr: apperrors.ErrValidation,
			errMsg:  "expected an image",
		},
		{
			name:    "name too long",
			req:     &SubmitRequest{Owner: "u1", Name: strings.Repeat("a", 300), Body: bytes.NewReader(pngImage)},
			wantErr: apperrors.ErrValidation,
			errMsg:  "file name exceeds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{})
			_, err := h.svc.Submit(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("expected error containing %q, got %q", tt.errMsg, err.Error())
			}
			if len(h.store.puts) != 0 || len(h.backend.submitted) != 0 {
				t.Error("rejected submissions must not touch storage or backend")
			}
		})
	}
}

func TestSubmit_TooLarge(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxUploadBytes: 32})

	_, err := h.svc.Submit(context.Background(), &SubmitRequest{Owner: "u1", Body: bytes.NewReader(pngImage)})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(h.backend.submitted) != 0 {
		t.Error("oversized upload must not reach the backend")
	}
}

func TestSubmit_DefaultsName(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	_, err := h.svc.Submit(context.Background(), &SubmitRequest{Owner: "u1", Name: "  ", Body: bytes.NewReader(pngImage)})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec, _ := h.ledger.Get(context.Background(), "J1")
	if rec.InputName != "upload" {
		t.Errorf("expected default name 'upload', got %q", rec.InputName)
	}
}

func TestSubmit_StorageFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.store.putErr = errors.New("disk full")

	_, err := h.svc.Submit(context.Background(), &SubmitRequest{Owner: "u1", Body: bytes.NewReader(pngImage)})
	if !errors.Is(err, apperrors.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if len(h.backend.submitted) != 0 {
		t.Error("backend must not be called when the input could not be stored")
	}
}

func TestSubmit_BackendFailureLeavesNoRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.backend.submitErr = apperrors.BackendUnavailable("backend.submit", errors.New("connection refused"))

	_, err := h.svc.Submit(context.Background(), &SubmitRequest{Owner: "u1", Body: bytes.NewReader(pngImage)})
	if !errors.Is(err, apperrors.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
	if len(h.ledger.jobs) != 0 {
		t.Error("expected no ledger record after failed submit")
	}
	if _, ok := h.backfill.Pending("J1"); ok {
		t.Error("expected nothing queued for backfill")
	}
}

func TestSubmit_LedgerFailureDefersToBackfill(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.ledger.setCreateErr(errors.New("connection reset"))

	res := h.submit(t, "u1")
	if res.Handle != "J1" || !res.Accepted {
		t.Fatalf("expected handle to be returned, got %+v", res)
	}
	if res.Recorded {
		t.Error("expected Recorded=false when the ledger insert failed")
	}
	pending, ok := h.backfill.Pending("J1")
	if !ok {
		t.Fatal("expected job to be queued for backfill")
	}
	if pending.Owner != "u1" || pending.InputRef == "" {
		t.Errorf("unexpected pending record: %+v", pending)
	}
}

func TestGetStatus_FlushesBackfill(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.ledger.setCreateErr(errors.New("connection reset"))
	h.submit(t, "u1")
	h.ledger.setCreateErr(nil)
	h.backend.set(StatusRunning, "Depth estimation")

	v, err := h.svc.GetStatus(context.Background(), "u1", "J1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if v.Status != StatusRunning {
		t.Errorf("expected RUNNING, got %s", v.Status)
	}
	if _, err := h.ledger.Get(context.Background(), "J1"); err != nil {
		t.Errorf("expected pending record to be flushed into the ledger: %v", err)
	}
}

func TestGetStatus_UnpersistedWithholdsSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.ledger.setCreateErr(errors.New("connection reset"))
	h.submit(t, "u1")
	h.backend.set(StatusSuccess, "done")

	v, err := h.svc.GetStatus(context.Background(), "u1", "J1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if v.Status == StatusSuccess || v.DownloadAvailable {
		t.Errorf("must not report SUCCESS without a committed output, got %+v", v)
	}
	if v.Warning == "" {
		t.Error("expected a warning for the unpersisted record")
	}
}

func TestGetStatus_UnpersistedPropagatesBackendUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.ledger.setCreateErr(errors.New("connection reset"))
	h.submit(t, "u1")
	h.backend.failPolls(apperrors.BackendUnavailable("backend.poll", errors.New("connection refused")))

	_, err := h.svc.GetStatus(context.Background(), "u1", "J1")
	if !errors.Is(err, apperrors.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable without prior state, got %v", err)
	}
}

func TestGetStatus_UnknownJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	_, err := h.svc.GetStatus(context.Background(), "u1", "nope")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if polls, _ := h.backend.counts(); polls != 0 {
		t.Error("unknown jobs must not be polled")
	}
}

func TestGetStatus_Forbidden(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.submit(t, "u1")
	h.backend.set(StatusRunning, "")

	_, err := h.svc.GetStatus(context.Background(), "u2", "J1")
	if !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if polls, _ := h.backend.counts(); polls != 0 {
		t.Error("foreign owners must not trigger a poll")
	}
}

func TestGetStatus_ConcurrentSuccessStoresOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.submit(t, "u1")
	h.backend.set(StatusSuccess, "Mesh ready")
	h.backend.fetchDelay = 20 * time.Millisecond

	const n = 16
	var wg sync.WaitGroup
	views := make([]*View, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			views[i], errs[i] = h.svc.GetStatus(context.Background(), "u1", "J1")
		}()
	}
	wg.Wait()

	var ref string
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("GetStatus #%d error = %v", i, errs[i])
		}
		if views[i].Status != StatusSuccess || !views[i].DownloadAvailable {
			t.Fatalf("GetStatus #%d = %+v, want SUCCESS with download", i, views[i])
		}
		if ref == "" {
			ref = views[i].OutputRef
		}
		if views[i].OutputRef != ref {
			t.Errorf("callers observed different output refs: %q vs %q", ref, views[i].OutputRef)
		}
	}
	if got := h.store.putCount("J1.stl"); got != 1 {
		t.Errorf("expected exactly one output write, got %d", got)
	}
}

func TestGetStatus_LostCommitDiscardsArtifact(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.submit(t, "u1")
	h.backend.set(StatusSuccess, "")

	// Another replica commits between our fetch and our commit.
	h.ledger.beforeCommit = func(handle string) {
		h.ledger.mu.Lock()
		j := h.ledger.jobs[handle]
		if j.OutputRef == "" {
			j.OutputRef = "winner-ref"
			j.Status = StatusSuccess
		}
		h.ledger.mu.Unlock()
	}

	v, err := h.svc.GetStatus(context.Background(), "u1", "J1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if v.OutputRef != "winner-ref" {
		t.Errorf("expected winner's ref, got %q", v.OutputRef)
	}
	if len(h.store.deleted) != 1 {
		t.Fatalf("expected the losing artifact to be deleted, got %v", h.store.deleted)
	}
	if _, _, err := h.store.Open(context.Background(), h.store.deleted[0]); !errors.Is(err, apperrors.ErrNotFound) {
		t.Error("expected discarded artifact to be gone")
	}
}

func TestGetStatus_NoRefetchAfterSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.submit(t, "u1")
	h.backend.set(StatusSuccess, "")

	first, err := h.svc.GetStatus(context.Background(), "u1", "J1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	polls, fetches := h.backend.counts()

	h.backend.failPolls(apperrors.BackendUnavailable("backend.poll", errors.New("down")))
	for range 3 {
		v, err := h.svc.GetStatus(context.Background(), "u1", "J1")
		if err != nil {
			t.Fatalf("GetStatus() error = %v", err)
		}
		if v.OutputRef != first.OutputRef || v.Stale {
			t.Errorf("expected cached SUCCESS view, got %+v", v)
		}
	}
	if p, f := h.backend.counts(); p != polls || f != fetches {
		t.Errorf("expected no further backend calls, polls %d→%d fetches %d→%d", polls, p, fetches, f)
	}
}

func TestGetStatus_TerminalFailureNeverRegresses(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.submit(t, "u1")

	h.backend.set(StatusFailure, "no depth map")
	v, err := h.svc.GetStatus(context.Background(), "u1", "J1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if v.Status != StatusFailure || v.Detail != "no depth map" {
		t.Fatalf("expected FAILURE with backend detail, got %+v", v)
	}

	h.backend.set(StatusRunning, "")
	v, err = h.svc.GetStatus(context.Background(), "u1", "J1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if v.Status != StatusFailure {
		t.Errorf("terminal status regressed to %s", v.Status)
	}

	// The ledger itself also refuses the regression.
	rec, _ := h.ledger.UpdateStatus(context.Background(), "J1", StatusRunning, "late")
	if rec.Status != StatusFailure {
		t.Errorf("ledger regressed to %s", rec.Status)
	}
}

func TestGetStatus_RunningNeverReturnsToQueued(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.submit(t, "u1")

	h.backend.set(StatusRunning, "Depth estimation")
	if _, err := h.svc.GetStatus(context.Background(), "u1", "J1"); err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	h.backend.set(StatusQueued, "")
	v, err := h.svc.GetStatus(context.Background(), "u1", "J1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if v.Status != StatusRunning || v.Detail != "Depth estimation" {
		t.Errorf("expected RUNNING to hold, got %s %q", v.Status, v.Detail)
	}
}

func TestGetStatus_BackendUnavailableFallsBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.submit(t, "u1")
	h.backend.set(StatusRunning, "Generating mesh")
	if _, err := h.svc.GetStatus(context.Background(), "u1", "J1"); err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}

	h.backend.failPolls(apperrors.BackendUnavailable("backend.poll", errors.New("connection refused")))
	v, err := h.svc.GetStatus(context.Background(), "u1", "J1")
	if err != nil {
		t.Fatalf("expected stale fallback, got error %v", err)
	}
	if !v.Stale || v.Warning == "" {
		t.Errorf("expected stale view with warning, got %+v", v)
	}
	if v.Status != StatusRunning || v.Detail != "Generating mesh" {
		t.Errorf("expected last persisted state, got %s %q", v.Status, v.Detail)
	}
}

func TestGetStatus_StaleLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{StaleAfterFailures: 2})
	h.submit(t, "u1")
	h.backend.failPolls(apperrors.BackendUnavailable("backend.poll", errors.New("timeout")))

	for i := range 2 {
		v, err := h.svc.GetStatus(context.Background(), "u1", "J1")
		if err != nil || !v.Stale {
			t.Fatalf("call %d: expected stale view, got %+v, %v", i+1, v, err)
		}
	}
	_, err := h.svc.GetStatus(context.Background(), "u1", "J1")
	if !errors.Is(err, apperrors.ErrBackendUnavailable) {
		t.Fatalf("expected error past the stale limit, got %v", err)
	}

	// A successful poll resets the counter.
	h.backend.set(StatusRunning, "")
	if _, err := h.svc.GetStatus(context.Background(), "u1", "J1"); err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	h.backend.failPolls(apperrors.BackendUnavailable("backend.poll", errors.New("timeout")))
	if v, err := h.svc.GetStatus(context.Background(), "u1", "J1"); err != nil || !v.Stale {
		t.Errorf("expected stale view after reset, got %+v, %v", v, err)
	}
}

func TestGetStatus_FailureStreaksExpire(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{StaleAfterFailures: 1, FailureWindow: time.Minute})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.svc.now = func() time.Time { return now }
	ctx := context.Background()

	h.submit(t, "u1")
	h.backend.failPolls(apperrors.BackendUnavailable("backend.poll", errors.New("timeout")))
	if v, err := h.svc.GetStatus(ctx, "u1", "J1"); err != nil || !v.Stale {
		t.Fatalf("expected stale view, got %+v, %v", v, err)
	}
	if _, err := h.svc.GetStatus(ctx, "u1", "J1"); !errors.Is(err, apperrors.ErrBackendUnavailable) {
		t.Fatalf("expected error past the stale limit, got %v", err)
	}

	// A failure long after the last one starts a new streak.
	now = now.Add(2 * time.Minute)
	if v, err := h.svc.GetStatus(ctx, "u1", "J1"); err != nil || !v.Stale {
		t.Fatalf("expected stale view after the window, got %+v, %v", v, err)
	}

	// Idle streaks are pruned when another job fails.
	h.backend.set(StatusRunning, "")
	h.backend.handle = "J2"
	h.submit(t, "u1")
	h.backend.failPolls(apperrors.BackendUnavailable("backend.poll", errors.New("timeout")))
	now = now.Add(2 * time.Minute)
	if _, err := h.svc.GetStatus(ctx, "u1", "J2"); err != nil {
		t.Fatalf("GetStatus(J2) error = %v", err)
	}

	h.svc.mu.Lock()
	_, tracked := h.svc.failures["J1"]
	n := len(h.svc.failures)
	h.svc.mu.Unlock()
	if tracked || n != 1 {
		t.Errorf("expected only J2 to be tracked, J1 tracked=%v, entries=%d", tracked, n)
	}
}

func TestGetStatus_OutputFetchFailureIsNotSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.submit(t, "u1")
	h.backend.set(StatusSuccess, "")
	h.backend.fetchErr = apperrors.BackendUnavailable("backend.fetch", errors.New("reset"))

	v, err := h.svc.GetStatus(context.Background(), "u1", "J1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if v.Status == StatusSuccess || v.DownloadAvailable || !v.Stale {
		t.Errorf("expected stale non-success view, got %+v", v)
	}

	h.backend.fetchErr = nil
	v, err = h.svc.GetStatus(context.Background(), "u1", "J1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if v.Status != StatusSuccess || !v.DownloadAvailable {
		t.Errorf("expected SUCCESS once the output is stored, got %+v", v)
	}
}

func TestGetStatus_InterruptedDownloadServesStale(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.submit(t, "u1")
	h.backend.set(StatusSuccess, "")
	h.backend.cutAfter = 5

	v, err := h.svc.GetStatus(context.Background(), "u1", "J1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if v.Status == StatusSuccess || v.DownloadAvailable || !v.Stale {
		t.Errorf("expected stale non-success view, got %+v", v)
	}
	rec, _ := h.ledger.Get(context.Background(), "J1")
	if rec.Status != StatusQueued || rec.OutputRef != "" {
		t.Errorf("ledger must be untouched, got %+v", rec)
	}
	if n := h.store.putCount("J1.stl"); n != 0 {
		t.Errorf("expected no stored output, got %d", n)
	}

	h.backend.cutAfter = 0
	v, err = h.svc.GetStatus(context.Background(), "u1", "J1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if v.Status != StatusSuccess || !v.DownloadAvailable {
		t.Errorf("expected SUCCESS after a complete download, got %+v", v)
	}
}

func TestGetStatus_StorageErrorSurfaces(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.submit(t, "u1")
	h.backend.set(StatusSuccess, "")
	h.store.putErr = errors.New("disk full")

	_, err := h.svc.GetStatus(context.Background(), "u1", "J1")
	if !errors.Is(err, apperrors.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	rec, _ := h.ledger.Get(context.Background(), "J1")
	if rec.Status != StatusQueued || rec.OutputRef != "" {
		t.Errorf("ledger must be untouched, got %+v", rec)
	}
}

func TestGetStatus_LedgerUpdateFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.submit(t, "u1")
	h.backend.set(StatusRunning, "")
	h.ledger.updateErr = apperrors.Internal("ledger.update", errors.New("conn closed"))

	if _, err := h.svc.GetStatus(context.Background(), "u1", "J1"); !errors.Is(err, apperrors.ErrInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestScenario_ImageToMesh(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	mesh := []byte("solid MESH\nendsolid MESH\n")
	h.backend.output = mesh

	res := h.submit(t, "u1")

	h.backend.set(StatusQueued, "waiting")
	v, err := h.svc.GetStatus(ctx, "u1", res.Handle)
	if err != nil || v.Status != StatusQueued || v.DownloadAvailable {
		t.Fatalf("step QUEUED: %+v, %v", v, err)
	}

	h.backend.set(StatusRunning, "Generating mesh")
	v, err = h.svc.GetStatus(ctx, "u1", res.Handle)
	if err != nil || v.Status != StatusRunning {
		t.Fatalf("step RUNNING: %+v, %v", v, err)
	}

	h.backend.set(StatusSuccess, "Mesh ready")
	v, err = h.svc.GetStatus(ctx, "u1", res.Handle)
	if err != nil || v.Status != StatusSuccess || !v.DownloadAvailable {
		t.Fatalf("step SUCCESS: %+v, %v", v, err)
	}

	rc, info, err := h.svc.Fetch(ctx, "u1", res.Handle, ArtifactOutput)
	if err != nil {
		t.Fatalf("Fetch(output) error = %v", err)
	}
	if !bytes.Equal(readAll(t, rc), mesh) {
		t.Error("output artifact differs from backend result")
	}
	if info.Name != "J1.stl" {
		t.Errorf("expected output name J1.stl, got %q", info.Name)
	}

	rc, _, err = h.svc.Fetch(ctx, "u1", res.Handle, ArtifactInput)
	if err != nil {
		t.Fatalf("Fetch(input) error = %v", err)
	}
	if !bytes.Equal(readAll(t, rc), pngImage) {
		t.Error("input artifact differs from upload")
	}

	if _, err := h.svc.GetStatus(ctx, "u2", res.Handle); !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("expected u2 GetStatus forbidden, got %v", err)
	}
	if _, _, err := h.svc.Fetch(ctx, "u2", res.Handle, ArtifactOutput); !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("expected u2 Fetch forbidden, got %v", err)
	}
}

func TestFetch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.submit(t, "u1")
	rec, _ := h.ledger.Get(ctx, "J1")

	t.Run("output not ready", func(t *testing.T) {
		if _, _, err := h.svc.Fetch(ctx, "u1", "J1", ArtifactOutput); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("by artifact ref", func(t *testing.T) {
		rc, info, err := h.svc.Fetch(ctx, "u1", rec.InputRef, "")
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		rc.Close()
		if info.Ref != rec.InputRef {
			t.Errorf("expected ref %q, got %q", rec.InputRef, info.Ref)
		}
	})

	t.Run("artifact ref of another owner", func(t *testing.T) {
		if _, _, err := h.svc.Fetch(ctx, "u2", rec.InputRef, ""); !errors.Is(err, apperrors.ErrForbidden) {
			t.Errorf("expected forbidden, got %v", err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if _, _, err := h.svc.Fetch(ctx, "u1", "missing", ""); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("bad kind", func(t *testing.T) {
		if _, _, err := h.svc.Fetch(ctx, "u1", "J1", "thumbnail"); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	if polls, fetches := h.backend.counts(); polls != 0 || fetches != 0 {
		t.Error("Fetch must never contact the backend")
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	for _, handle := range []string{"A", "B", "C"} {
		h.backend.handle = handle
		h.submit(t, "u1")
		time.Sleep(time.Millisecond)
	}
	h.backend.handle = "D"
	h.submit(t, "u2")

	resp, err := h.svc.List(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(resp.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(resp.Jobs))
	}
	if resp.Jobs[0].Handle != "C" || resp.Jobs[1].Handle != "B" {
		t.Errorf("expected newest first [C B], got [%s %s]", resp.Jobs[0].Handle, resp.Jobs[1].Handle)
	}

	if _, err := h.svc.List(ctx, "", 10); !errors.Is(err, apperrors.ErrUnauthorized) {
		t.Errorf("expected unauthorized for empty owner, got %v", err)
	}
}

func TestLimitedReader(t *testing.T) {
	t.Parallel()

	lr := &limitedReader{r: strings.NewReader("12345"), n: 5}
	if data, err := io.ReadAll(lr); err != nil || string(data) != "12345" {
		t.Errorf("exact size: got %q, %v", data, err)
	}

	lr = &limitedReader{r: strings.NewReader("123456"), n: 5}
	if _, err := io.ReadAll(lr); !errors.Is(err, errUploadTooLarge) {
		t.Errorf("expected errUploadTooLarge, got %v", err)
	}
}
