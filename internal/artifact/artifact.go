// Package artifact provides durable blob storage for job inputs and outputs.
//
// Refs are random UUIDs assigned on Put; blobs are never modified after
// they are written.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/google/uuid"

	"meshjobs/internal/apperrors"
)

// parseRef canonicalizes ref. Anything that is not a UUID cannot exist.
func parseRef(ref string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", apperrors.NotFound("artifact", ref)
	}
	return id.String(), nil
}

func cleanContentType(ct string) string {
	if ct = strings.TrimSpace(ct); ct == "" {
		return "application/octet-stream"
	}
	return ct
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// digest tees everything written into a sha256.
type digest struct {
	h hash.Hash
	n int64
}

func newDigest() *digest { return &digest{h: sha256.New()} }

func (d *digest) Write(p []byte) (int, error) {
	d.n += int64(len(p))
	return d.h.Write(p)
}

func (d *digest) sum() string { return hex.EncodeToString(d.h.Sum(nil)) }
