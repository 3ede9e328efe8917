package job

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"meshjobs/internal/apperrors"
)

// pngImage is enough of a PNG for content sniffing.
var pngImage = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0x01}, 64)...)

type fakeBackend struct {
	mu sync.Mutex

	handle    string
	submitErr error
	submitted [][]byte

	state   *BackendState
	pollErr error
	polls   int

	output     []byte
	fetchErr   error
	fetchDelay time.Duration
	fetches    int
	cutAfter   int // >0: the download breaks after this many bytes
}

func (b *fakeBackend) Submit(ctx context.Context, name, contentType string, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.submitted = append(b.submitted, data)
	return b.handle, nil
}

func (b *fakeBackend) Poll(ctx context.Context, handle string) (*BackendState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	if b.pollErr != nil {
		return nil, b.pollErr
	}
	if b.state == nil {
		return nil, apperrors.NotFound("backend job", handle)
	}
	st := *b.state
	return &st, nil
}

func (b *fakeBackend) Fetch(ctx context.Context, handle string) (io.ReadCloser, string, error) {
	b.mu.Lock()
	b.fetches++
	delay, err, out, cut := b.fetchDelay, b.fetchErr, b.output, b.cutAfter
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, "", err
	}
	if cut > 0 {
		return io.NopCloser(io.MultiReader(bytes.NewReader(out[:cut]), brokenReader{})), "application/sla", nil
	}
	return io.NopCloser(bytes.NewReader(out)), "application/sla", nil
}

// brokenReader behaves like a connection dropped mid-body.
type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func (b *fakeBackend) Ready(ctx context.Context) error { return nil }

func (b *fakeBackend) set(state Status, detail string) {
	b.mu.Lock()
	b.state = &BackendState{State: state, Detail: detail}
	b.pollErr = nil
	b.mu.Unlock()
}

func (b *fakeBackend) failPolls(err error) {
	b.mu.Lock()
	b.pollErr = err
	b.mu.Unlock()
}

func (b *fakeBackend) counts() (polls, fetches int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls, b.fetches
}

type storedBlob struct {
	info ArtifactInfo
	data []byte
}

type fakeStore struct {
	mu      sync.Mutex
	seq     int
	blobs   map[string]storedBlob
	putErr  error
	puts    []string // names written
	deleted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: make(map[string]storedBlob)}
}

func (s *fakeStore) Put(ctx context.Context, name, contentType string, body io.Reader) (*ArtifactInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, apperrors.Storage("artifact.put", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return nil, s.putErr
	}
	s.seq++
	info := ArtifactInfo{
		Ref:         fmt.Sprintf("ref-%d", s.seq),
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   time.Now(),
	}
	s.blobs[info.Ref] = storedBlob{info: info, data: data}
	s.puts = append(s.puts, name)
	return &info, nil
}

func (s *fakeStore) Open(ctx context.Context, ref string) (io.ReadCloser, *ArtifactInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[ref]
	if !ok {
		return nil, nil, apperrors.NotFound("artifact", ref)
	}
	info := b.info
	return io.NopCloser(bytes.NewReader(b.data)), &info, nil
}

func (s *fakeStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, ref)
	s.deleted = append(s.deleted, ref)
	return nil
}

func (s *fakeStore) Ready(ctx context.Context) error { return nil }

func (s *fakeStore) putCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.puts {
		if p == name {
			n++
		}
	}
	return n
}

// fakeLedger mirrors the conditional writes of the real ledgers.
type fakeLedger struct {
	mu        sync.Mutex
	seq       int
	jobs      map[string]*Job
	createErr error
	updateErr error

	// beforeCommit runs under no lock right before CommitOutput evaluates.
	beforeCommit func(handle string)
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{jobs: make(map[string]*Job)}
}

func (l *fakeLedger) Create(ctx context.Context, j *Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.createErr != nil {
		return l.createErr
	}
	if _, ok := l.jobs[j.Handle]; ok {
		return apperrors.Conflict("job", j.Handle, "job already recorded")
	}
	l.seq++
	now := time.Now()
	j.LocalID = fmt.Sprintf("local-%d", l.seq)
	j.CreatedAt, j.UpdatedAt = now, now
	cp := *j
	l.jobs[j.Handle] = &cp
	return nil
}

func (l *fakeLedger) Get(ctx context.Context, handle string) (*Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[handle]
	if !ok {
		return nil, apperrors.NotFound("job", handle)
	}
	cp := *j
	return &cp, nil
}

func (l *fakeLedger) GetByArtifact(ctx context.Context, ref string) (*Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, j := range l.jobs {
		if j.InputRef == ref || j.OutputRef == ref {
			cp := *j
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("artifact", ref)
}

func (l *fakeLedger) ListByOwner(ctx context.Context, owner string, limit int) ([]Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Job
	for _, j := range l.jobs {
		if j.Owner == owner {
			out = append(out, *j)
		}
	}
	slices.SortFunc(out, func(a, b Job) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *fakeLedger) UpdateStatus(ctx context.Context, handle string, status Status, detail string) (*Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.updateErr != nil {
		return nil, l.updateErr
	}
	j, ok := l.jobs[handle]
	if !ok {
		return nil, apperrors.NotFound("job", handle)
	}
	if j.Status.CanMoveTo(status) {
		j.Status = status
		j.Detail = detail
		j.UpdatedAt = time.Now()
	}
	cp := *j
	return &cp, nil
}

func (l *fakeLedger) CommitOutput(ctx context.Context, handle, outputRef, detail string) (bool, error) {
	if l.beforeCommit != nil {
		l.beforeCommit(handle)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	j, ok := l.jobs[handle]
	if !ok {
		return false, apperrors.NotFound("job", handle)
	}
	if j.OutputRef != "" || j.Status == StatusFailure {
		return false, nil
	}
	j.OutputRef = outputRef
	j.Status = StatusSuccess
	j.Detail = detail
	j.UpdatedAt = time.Now()
	return true, nil
}

func (l *fakeLedger) Ready(ctx context.Context) error { return nil }

func (l *fakeLedger) setCreateErr(err error) {
	l.mu.Lock()
	l.createErr = err
	l.mu.Unlock()
}

type fakeBackfill struct {
	mu      sync.Mutex
	ledger  Ledger
	pending map[string]*Job
}

func newFakeBackfill(l Ledger) *fakeBackfill {
	return &fakeBackfill{ledger: l, pending: make(map[string]*Job)}
}

func (f *fakeBackfill) Enqueue(j *Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *j
	f.pending[j.Handle] = &cp
	return nil
}

func (f *fakeBackfill) Pending(handle string) (*Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.pending[handle]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

func (f *fakeBackfill) Flush(ctx context.Context, handle string) (*Job, error) {
	j, ok := f.Pending(handle)
	if !ok {
		return nil, apperrors.NotFound("pending job", handle)
	}
	if err := f.ledger.Create(ctx, j); err != nil {
		return nil, err
	}
	f.mu.Lock()
	delete(f.pending, handle)
	f.mu.Unlock()
	return j, nil
}
