package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"meshjobs/internal/apperrors"
	"meshjobs/internal/job"
)

// FileStore keeps each artifact as <root>/<ref[:2]>/<ref> with a JSON
// sidecar <ref>.json. Both are written to a temp file and renamed into
// place, so readers never observe a partial blob.
type FileStore struct {
	root string
	tmp  string
	now  func() time.Time
}

// NewFileStore creates the store directories under root.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("artifact root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	tmp := filepath.Join(abs, ".tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FileStore{root: abs, tmp: tmp, now: time.Now}, nil
}

// Put copies body into a new artifact.
func (s *FileStore) Put(ctx context.Context, name, contentType string, body io.Reader) (*job.ArtifactInfo, error) {
	ref := uuid.NewString()
	blobPath, metaPath := s.paths(ref)

	d := newDigest()
	if err := s.writeAtomic(blobPath, func(w io.Writer) error {
		_, err := io.Copy(io.MultiWriter(w, d), ctxReader{ctx: ctx, r: body})
		return err
	}); err != nil {
		return nil, apperrors.Storage("artifact.put", err)
	}

	info := &job.ArtifactInfo{
		Ref:         ref,
		Name:        name,
		ContentType: cleanContentType(contentType),
		Size:        d.n,
		Checksum:    d.sum(),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.writeAtomic(metaPath, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(info)
	}); err != nil {
		_ = os.Remove(blobPath)
		return nil, apperrors.Storage("artifact.put", err)
	}

	slog.Debug("Stored artifact", "ref", ref, "bytes", info.Size)
	return info, nil
}

// Open returns a reader over the artifact. The caller closes it.
func (s *FileStore) Open(ctx context.Context, ref string) (io.ReadCloser, *job.ArtifactInfo, error) {
	ref, err := parseRef(ref)
	if err != nil {
		return nil, nil, err
	}
	blobPath, metaPath := s.paths(ref)

	meta, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, apperrors.NotFound("artifact", ref)
		}
		return nil, nil, apperrors.Storage("artifact.open", err)
	}
	var info job.ArtifactInfo
	if err := json.Unmarshal(meta, &info); err != nil {
		return nil, nil, apperrors.Storage("artifact.open", fmt.Errorf("decode metadata: %w", err))
	}

	f, err := os.Open(blobPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, apperrors.NotFound("artifact", ref)
		}
		return nil, nil, apperrors.Storage("artifact.open", err)
	}
	return f, &info, nil
}

// Delete removes an artifact. Deleting a missing artifact is not an error.
func (s *FileStore) Delete(ctx context.Context, ref string) error {
	ref, err := parseRef(ref)
	if err != nil {
		return nil
	}
	blobPath, metaPath := s.paths(ref)
	// Metadata first: without it Open reports not found.
	for _, p := range []string{metaPath, blobPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return apperrors.Storage("artifact.delete", err)
		}
	}
	return nil
}

// Ready checks that the root is a writable directory.
func (s *FileStore) Ready(ctx context.Context) error {
	f, err := os.CreateTemp(s.tmp, "ready-*")
	if err != nil {
		return apperrors.Storage("artifact.ready", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (s *FileStore) paths(ref string) (blob, meta string) {
	dir := filepath.Join(s.root, ref[:2])
	return filepath.Join(dir, ref), filepath.Join(dir, ref+".json")
}

// writeAtomic writes through a temp file, fsyncs and renames it to dest.
// The temp file is removed on every failure path.
func (s *FileStore) writeAtomic(dest string, write func(io.Writer) error) (err error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("ensure directory: %w", err)
	}

	f, err := os.CreateTemp(s.tmp, filepath.Base(dest)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpName)
		}
	}()

	if err := write(f); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
