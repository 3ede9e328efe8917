// Package backend is the HTTP client for the depth-to-mesh compute service.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"meshjobs/internal/apperrors"
	"meshjobs/internal/job"
	"meshjobs/internal/observability"
	"meshjobs/pkg/backoff"
	"meshjobs/pkg/circuitbreaker"
)

const maxErrorBody = 4 << 10

// Client talks to the compute backend.
//
// Submit is sent once and never retried. Poll and Fetch are idempotent and
// retry transport failures and 5xx responses with exponential backoff. All
// calls share one circuit breaker, so a dead backend fails fast.
type Client struct {
	base    *url.URL
	http    *http.Client
	cfg     Config
	breaker *circuitbreaker.Breaker
	backoff backoff.Config
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a backend client.
func New(cfg Config, metrics *observability.Metrics) (*Client, error) {
	cfg = cfg.withDefaults()
	base, err := cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("invalid backend config: %w", err)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")

	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.SubmitTimeout,
	}

	logger := slog.With("component", "backend", "url", base.String())
	return &Client{
		base: base,
		// No client timeout: downloads stream for as long as the caller's
		// context allows.
		http: &http.Client{Transport: otelhttp.NewTransport(transport)},
		cfg:  cfg,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
			IsFailure: func(err error) bool { return errors.Is(err, apperrors.ErrBackendUnavailable) },
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("Backend circuit breaker changed state", "from", from.String(), "to", to.String())
			},
		}),
		backoff: backoff.Config{Retries: cfg.Retries},
		metrics: metrics,
		logger:  logger,
	}, nil
}

// submitResponse is the body of POST /upload/.
type submitResponse struct {
	JobID string `json:"job_id"`
}

// statusResponse is the body of GET /status/{id}.
type statusResponse struct {
	State  string `json:"state"`
	Detail string `json:"detail"`
	Result string `json:"result"`
}

// Submit uploads the image as multipart field "file" and returns the job handle.
func (c *Client) Submit(ctx context.Context, name, contentType string, body io.Reader) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	start := time.Now()
	var handle string
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		handle, err = c.submitOnce(ctx, name, contentType, body)
		return err
	})
	err = c.breakerError("backend.submit", err)
	c.record(ctx, "submit", err, start)
	if err != nil {
		return "", err
	}
	c.logger.Debug("Submitted job", "jobHandle", handle)
	return handle, nil
}

func (c *Client) submitOnce(ctx context.Context, name, contentType string, body io.Reader) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(name)))
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, body)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	// The server may answer before reading the whole body; unblock the
	// writer and wait for it so body is not read after we return.
	defer func() {
		pr.Close()
		<-done
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("upload")+"/", pr)
	if err != nil {
		return "", apperrors.Internal("backend.submit", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperrors.BackendUnavailable("backend.submit", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return "", apperrors.BackendUnavailable("backend.submit", statusError(resp))
	case resp.StatusCode >= 400:
		return "", apperrors.Validation("image", "backend rejected image: "+errorDetail(resp))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", apperrors.Internal("backend.submit", statusError(resp))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperrors.Internal("backend.submit", fmt.Errorf("decode response: %w", err))
	}
	if out.JobID == "" {
		return "", apperrors.Internal("backend.submit", errors.New("response missing job_id"))
	}
	return out.JobID, nil
}

// Poll returns the live state of a job.
func (c *Client) Poll(ctx context.Context, handle string) (*job.BackendState, error) {
	start := time.Now()
	var state *job.BackendState
	err := c.retry(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		var err error
		state, err = c.pollOnce(ctx, handle)
		return err
	})
	err = c.breakerError("backend.poll", err)
	c.record(ctx, "poll", err, start)
	return state, err
}

func (c *Client) pollOnce(ctx context.Context, handle string) (*job.BackendState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("status", handle), http.NoBody)
	if err != nil {
		return nil, apperrors.Internal("backend.poll", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.BackendUnavailable("backend.poll", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.NotFound("backend job", handle)
	case resp.StatusCode >= 500:
		return nil, apperrors.BackendUnavailable("backend.poll", statusError(resp))
	case resp.StatusCode != http.StatusOK:
		return nil, apperrors.Internal("backend.poll", statusError(resp))
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.Internal("backend.poll", fmt.Errorf("decode response: %w", err))
	}
	status, err := mapState(out.State)
	if err != nil {
		return nil, apperrors.Internal("backend.poll", err)
	}
	return &job.BackendState{State: status, Detail: out.Detail, Result: out.Result}, nil
}

// Fetch opens the produced mesh. Only establishing the response is retried;
// the body is streamed once.
func (c *Client) Fetch(ctx context.Context, handle string) (io.ReadCloser, string, error) {
	start := time.Now()
	var resp *http.Response
	err := c.retry(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.fetchOnce(ctx, handle)
		return err
	})
	err = c.breakerError("backend.fetch", err)
	c.record(ctx, "fetch", err, start)
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) fetchOnce(ctx context.Context, handle string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("download", handle), http.NoBody)
	if err != nil {
		return nil, apperrors.Internal("backend.fetch", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.BackendUnavailable("backend.fetch", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.NotFound("backend result", handle)
	case resp.StatusCode >= 500:
		return nil, apperrors.BackendUnavailable("backend.fetch", statusError(resp))
	}
	return nil, apperrors.Internal("backend.fetch", statusError(resp))
}

// Ready checks that the backend answers HTTP. Any non-5xx status counts.
func (c *Client) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	target := c.base.String() + "/" + strings.TrimPrefix(c.cfg.HealthPath, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.BackendUnavailable("backend.ready", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 500 {
		return apperrors.BackendUnavailable("backend.ready", statusError(resp))
	}
	return nil
}

// retry runs fn through the breaker with backoff. Only backend
// unavailability is retried.
func (c *Client) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return backoff.Retry(ctx, &c.backoff, func(ctx context.Context) error {
		err := c.breaker.Execute(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, apperrors.ErrBackendUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	})
}

// breakerError converts an open breaker into BackendUnavailable.
func (c *Client) breakerError(op string, err error) error {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return apperrors.BackendUnavailable(op, err)
	}
	return err
}

func (c *Client) record(ctx context.Context, op string, err error, start time.Time) {
	if err != nil {
		c.logger.Debug("Backend call failed", "op", op, "error", err)
	}
	if c.metrics != nil {
		c.metrics.RecordBackendCall(ctx, op, err, time.Since(start).Seconds())
	}
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

// mapState translates backend (Celery-style) states.
func mapState(state string) (job.Status, error) {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "QUEUED", "PENDING", "RECEIVED":
		return job.StatusQueued, nil
	case "RUNNING", "STARTED", "PROGRESS", "RETRY":
		return job.StatusRunning, nil
	case "SUCCESS":
		return job.StatusSuccess, nil
	case "FAILURE", "REVOKED":
		return job.StatusFailure, nil
	}
	return "", fmt.Errorf("unknown backend state %q", state)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func statusError(resp *http.Response) error {
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorDetail(resp))
}

// errorDetail extracts {"detail": ...} from an error body, falling back to
// the raw text.
func errorDetail(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != nil {
		if s, ok := body.Detail.(string); ok {
			return s
		}
		return fmt.Sprint(body.Detail)
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
