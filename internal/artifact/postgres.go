package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"meshjobs/internal/apperrors"
	"meshjobs/internal/database"
	"meshjobs/internal/job"
)

// PostgresStore keeps artifact bytes in Postgres large objects, alongside
// the ledger. Each Put runs in one transaction, so an aborted write leaves
// neither the metadata row nor the large object behind.
type PostgresStore struct {
	db database.DB
}

// NewPostgresStore creates a store over db. Call database.EnsureSchema first.
func NewPostgresStore(db database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Put copies body into a new large object.
func (s *PostgresStore) Put(ctx context.Context, name, contentType string, body io.Reader) (*job.ArtifactInfo, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, apperrors.Storage("artifact.put", err)
	}
	defer tx.Rollback(ctx)

	los := tx.LargeObjects()
	oid, err := los.Create(ctx, 0)
	if err != nil {
		return nil, apperrors.Storage("artifact.put", fmt.Errorf("create large object: %w", err))
	}
	lo, err := los.Open(ctx, oid, pgx.LargeObjectModeWrite)
	if err != nil {
		return nil, apperrors.Storage("artifact.put", fmt.Errorf("open large object: %w", err))
	}

	d := newDigest()
	_, err = io.Copy(io.MultiWriter(lo, d), ctxReader{ctx: ctx, r: body})
	if cerr := lo.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, apperrors.Storage("artifact.put", fmt.Errorf("write large object: %w", err))
	}

	info := &job.ArtifactInfo{
		Ref:         uuid.NewString(),
		Name:        name,
		ContentType: cleanContentType(contentType),
		Size:        d.n,
		Checksum:    d.sum(),
	}
	query := `
INSERT INTO artifacts (ref, oid, name, content_type, size, checksum)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at;
`
	if err := tx.QueryRow(ctx, query, info.Ref, oid, info.Name, info.ContentType, info.Size, info.Checksum).Scan(&info.CreatedAt); err != nil {
		return nil, apperrors.Storage("artifact.put", fmt.Errorf("insert metadata: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.Storage("artifact.put", fmt.Errorf("commit: %w", err))
	}
	return info, nil
}

// Open streams a large object. The returned reader holds a connection and
// a read-only transaction until it is closed.
func (s *PostgresStore) Open(ctx context.Context, ref string) (io.ReadCloser, *job.ArtifactInfo, error) {
	ref, err := parseRef(ref)
	if err != nil {
		return nil, nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, apperrors.Storage("artifact.open", err)
	}

	var (
		info job.ArtifactInfo
		oid  uint32
	)
	query := `
SELECT ref::text, oid, name, content_type, size, checksum, created_at
FROM artifacts
WHERE ref = $1;
`
	err = tx.QueryRow(ctx, query, ref).Scan(&info.Ref, &oid, &info.Name, &info.ContentType, &info.Size, &info.Checksum, &info.CreatedAt)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, apperrors.NotFound("artifact", ref)
		}
		return nil, nil, apperrors.Storage("artifact.open", err)
	}

	los := tx.LargeObjects()
	lo, err := los.Open(ctx, oid, pgx.LargeObjectModeRead)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, nil, apperrors.Storage("artifact.open", fmt.Errorf("open large object: %w", err))
	}
	return &largeObjectReader{ctx: ctx, tx: tx, lo: lo}, &info, nil
}

// Delete removes the metadata row and unlinks the large object.
func (s *PostgresStore) Delete(ctx context.Context, ref string) error {
	ref, err := parseRef(ref)
	if err != nil {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return apperrors.Storage("artifact.delete", err)
	}
	defer tx.Rollback(ctx)

	var oid uint32
	err = tx.QueryRow(ctx, `DELETE FROM artifacts WHERE ref = $1 RETURNING oid;`, ref).Scan(&oid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return apperrors.Storage("artifact.delete", err)
	}
	los := tx.LargeObjects()
	if err := los.Unlink(ctx, oid); err != nil {
		return apperrors.Storage("artifact.delete", fmt.Errorf("unlink large object: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Storage("artifact.delete", err)
	}
	return nil
}

// Ready pings the database.
func (s *PostgresStore) Ready(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return apperrors.Storage("artifact.ready", err)
	}
	return nil
}

// largeObjectReader reads a large object and ends its transaction on Close.
type largeObjectReader struct {
	ctx context.Context
	tx  pgx.Tx
	lo  io.ReadCloser // *pgx.LargeObject
}

func (r *largeObjectReader) Read(p []byte) (int, error) {
	return r.lo.Read(p)
}

func (r *largeObjectReader) Close() error {
	err := r.lo.Close()
	// Detached so a cancelled request still returns the connection cleanly.
	if rerr := r.tx.Rollback(context.WithoutCancel(r.ctx)); err == nil && !errors.Is(rerr, pgx.ErrTxClosed) {
		err = rerr
	}
	return err
}
