// Package api provides the HTTP API handlers and routing for the jobs service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"meshjobs/internal/apperrors"
	"meshjobs/internal/auth"
	"meshjobs/internal/health"
	"meshjobs/internal/job"
)

// multipartOverhead is allowed on top of the image size for form framing.
const multipartOverhead = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc            *job.Service
	health         *health.Checker
	maxUploadBytes int64
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, healthChecker *health.Checker, maxUploadBytes int64) *Handler {
	return &Handler{
		svc:            svc,
		health:         healthChecker,
		maxUploadBytes: maxUploadBytes,
	}
}

// CreateJob handles POST /v1/jobs. The image arrives in the multipart
// field "image" and is streamed to storage without buffering the form.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart body: "+err.Error())
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			h.handleError(w, r, apperrors.Validation("image", "image is required"))
			return
		}
		if err != nil {
			h.handleUploadError(w, r, err)
			return
		}
		if part.FormName() != "image" {
			part.Close()
			continue
		}

		resp, err := h.svc.Submit(r.Context(), &job.SubmitRequest{
			Owner: owner,
			Name:  part.FileName(),
			Body:  part,
		})
		part.Close()
		if err != nil {
			h.handleUploadError(w, r, err)
			return
		}

		writeJSON(w, http.StatusAccepted, resp)
		return
	}
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	resp, err := h.svc.List(r.Context(), owner, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobHandle}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())
	handle := chi.URLParam(r, "jobHandle")
	if handle == "" {
		writeError(w, http.StatusBadRequest, "Job handle is required")
		return
	}

	view, err := h.svc.GetStatus(r.Context(), owner, handle)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// GetJobInput handles GET /v1/jobs/{jobHandle}/input
func (h *Handler) GetJobInput(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, chi.URLParam(r, "jobHandle"), job.ArtifactInput)
}

// GetJobOutput handles GET /v1/jobs/{jobHandle}/output
func (h *Handler) GetJobOutput(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, chi.URLParam(r, "jobHandle"), job.ArtifactOutput)
}

// GetArtifact handles GET /v1/artifacts/{ref}
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, chi.URLParam(r, "ref"), "")
}

// serveArtifact streams a stored artifact. Headers are only written once
// the artifact is open, so lookup failures still produce JSON errors.
func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request, id string, kind job.ArtifactKind) {
	owner, _ := auth.OwnerFrom(r.Context())

	rc, info, err := h.svc.Fetch(r.Context(), owner, id, kind)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer rc.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if info.Name != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.Name}))
	}
	if info.Checksum != "" {
		w.Header().Set("ETag", strconv.Quote(info.Checksum))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		slog.WarnContext(r.Context(), "Artifact stream interrupted", "ref", info.Ref, "error", err)
	}
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 while the ledger and artifact store are reachable, even if
// the compute backend is down. Returns 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleUploadError maps body size violations to 413 before the usual
// service error handling.
func (h *Handler) handleUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if !errors.As(err, new(*apperrors.Error)) {
		writeError(w, http.StatusBadRequest, "Invalid multipart body: "+err.Error())
		return
	}
	h.handleError(w, r, err)
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	writeError(w, status, apperrors.PublicMessage(err))
}
