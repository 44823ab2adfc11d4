// Package supabase is the backend adapter for Supabase: PostgREST tables,
// RPC functions and Storage. It implements port.KYBStore and
// port.ObjectStorage.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/souktech/kyb-onboarding-bfa/internal/domain"
	"github.com/souktech/kyb-onboarding-bfa/internal/infra/resilience"
)

var tracer = otel.Tracer("supabase")

// Client wraps HTTP calls to the Supabase REST and Storage APIs.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	serviceRoleKey string
	bucket         string
	cb             *gobreaker.CircuitBreaker
	bulkhead       *resilience.Bulkhead
	cfg            resilience.Config
	logger         *zap.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	AnonKey        string
	ServiceRoleKey string
	Bucket         string
}

// NewClient creates a Supabase client.
func NewClient(httpClient *http.Client, opts Options, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient:     httpClient,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		apiKey:         opts.AnonKey,
		serviceRoleKey: opts.ServiceRoleKey,
		bucket:         opts.Bucket,
		cb:             cb,
		bulkhead:       resilience.NewBulkhead(cfg.MaxConcurrency),
		cfg:            cfg,
		logger:         logger,
	}
}

// statusError is a non-2xx answer from Supabase.
type statusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("supabase %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// classify marks client errors as permanent so they are neither retried nor
// counted against the circuit breaker.
func classify(err *statusError) error {
	if err.Status >= 400 && err.Status < 500 && err.Status != http.StatusTooManyRequests && err.Status != http.StatusRequestTimeout {
		return resilience.Permanent(err)
	}
	return err
}

// request describes one HTTP exchange with Supabase.
type request struct {
	method      string
	url         string
	path        string
	body        io.Reader
	contentType string
	prefer      string
	// bearer overrides the service role key, e.g. to run an RPC as the caller.
	bearer  string
	headers map[string]string
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do executes an authenticated request. 404 and 204 yield a nil body.
func (c *Client) do(ctx context.Context, r request) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, r.body)
	if err != nil {
		c.logger.Error("supabase: failed to create request",
			zap.String("method", r.method),
			zap.String("path", r.path),
			zap.Error(err),
		)
		return nil, resilience.Permanent(err)
	}

	bearer := c.serviceRoleKey
	if r.bearer != "" {
		bearer = r.bearer
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	contentType := r.contentType
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	if r.prefer != "" {
		req.Header.Set("Prefer", r.prefer)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("supabase: request failed",
			zap.String("method", r.method),
			zap.String("path", r.path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("supabase: failed to read response body",
			zap.String("method", r.method),
			zap.String("path", r.path),
			zap.Error(err),
		)
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusNotFound && r.method == http.MethodGet {
			return &response{status: resp.StatusCode, header: resp.Header}, nil
		}
		c.logger.Warn("supabase: non-2xx response",
			zap.String("method", r.method),
			zap.String("path", r.path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		return nil, classify(&statusError{Method: r.method, Path: r.path, Status: resp.StatusCode, Body: string(body)})
	}

	c.logger.Debug("supabase: request OK",
		zap.String("method", r.method),
		zap.String("path", r.path),
		zap.Int("status", resp.StatusCode),
	)

	if resp.StatusCode == http.StatusNoContent {
		body = nil
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// read runs an idempotent call behind the bulkhead, circuit breaker and retry.
func (c *Client) read(ctx context.Context, service string, fn func() error) error {
	if err := c.bulkhead.Acquire(ctx); err != nil {
		return &domain.ErrTimeout{Operation: service}
	}
	defer c.bulkhead.Release()

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, fn)
	})
	return c.wrap(service, err)
}

// write runs a mutating call once. Step persistence is fire-once: the user
// re-submits on failure.
func (c *Client) write(ctx context.Context, service string, fn func() error) error {
	if err := c.bulkhead.Acquire(ctx); err != nil {
		return &domain.ErrTimeout{Operation: service}
	}
	defer c.bulkhead.Release()

	_, err := c.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return c.wrap(service, err)
}

func (c *Client) wrap(service string, err error) error {
	if err == nil {
		return nil
	}
	var notFound *domain.ErrNotFound
	if errors.As(err, &notFound) {
		return notFound
	}
	var transition *domain.ErrInvalidTransition
	if errors.As(err, &transition) {
		return transition
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ErrCircuitOpen{Service: service}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ErrTimeout{Operation: service}
	}
	var se *statusError
	if errors.As(err, &se) && se.Status == http.StatusConflict {
		return &domain.ErrConflict{Message: se.Body}
	}
	return &domain.ErrExternalService{Service: service, Err: err}
}

// Ping checks that PostgREST answers, for the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "organizations?select=id&limit=1")
	return err
}

// parseContentRange extracts the total from "0-9/42" or "*/42".
func parseContentRange(h string) (int, error) {
	i := strings.LastIndex(h, "/")
	if i < 0 || i == len(h)-1 {
		return 0, fmt.Errorf("malformed Content-Range %q", h)
	}
	total := h[i+1:]
	if total == "*" {
		return 0, fmt.Errorf("Content-Range %q has no exact count", h)
	}
	return strconv.Atoi(total)
}
