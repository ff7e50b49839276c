package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/resvd/api"
	"pkt.systems/resvd/internal/loggingutil"
)

// DefaultHTTPTimeout bounds every request issued by the client.
const DefaultHTTPTimeout = 15 * time.Second

// Client talks to a resvd server over HTTP.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	httpTimeout time.Duration
	logger      pslog.Base
	tracing     bool
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = loggingutil.WithSubsystem(full, "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithHTTPTimeout overrides the per-request timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithoutTracing disables the otelhttp transport wrapper.
func WithoutTracing() Option {
	return func(c *Client) {
		c.tracing = false
	}
}

// New constructs a client for the server at baseURL (http:// or https://).
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resvd: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("resvd: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("resvd: base url %q missing host", trimmed)
	}
	c := &Client{
		baseURL:     strings.TrimRight(u.String(), "/"),
		httpTimeout: DefaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
		tracing:     true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.tracing {
		base := c.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		cloned := *c.httpClient
		cloned.Transport = otelhttp.NewTransport(base)
		c.httpClient = &cloned
	}
	return c, nil
}

// BaseURL returns the normalised server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SubmitTask dispatches a task. When req carries a resource type and id the
// task runs on the queue reserved for that resource.
func (c *Client) SubmitTask(ctx context.Context, req api.DispatchRequest) (*api.DispatchResponse, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, fmt.Errorf("resvd: task name required")
	}
	var out api.DispatchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches the tracked status of taskID.
func (c *Client) GetTask(ctx context.Context, taskID string) (*api.TaskStatus, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("resvd: task id required")
	}
	var out api.TaskStatus
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Queue  string
	Tag    string
	States []string
}

func (f TaskFilter) values() url.Values {
	values := url.Values{}
	if f.Queue != "" {
		values.Set("queue", f.Queue)
	}
	if f.Tag != "" {
		values.Set("tag", f.Tag)
	}
	if len(f.States) > 0 {
		values.Set("state", strings.Join(f.States, ","))
	}
	return values
}

// ListTasks returns tracked tasks matching filter.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]api.TaskStatus, error) {
	var out api.TaskListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/tasks", filter.values(), nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// CancelTask revokes taskID. Canceling a task that already completed yields an
// APIError with code task_complete.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*api.CancelResponse, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("resvd: task id required")
	}
	var out api.CancelResponse
	if err := c.do(ctx, http.MethodDelete, "/v1/tasks/"+url.PathEscape(taskID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListQueues returns the load of every dedicated queue.
func (c *Client) ListQueues(ctx context.Context) ([]api.QueueLoad, error) {
	var out api.QueueListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/queues", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Queues, nil
}

// ListReservations returns live reservations, optionally restricted to queue.
func (c *Client) ListReservations(ctx context.Context, queue string) ([]api.Reservation, error) {
	var values url.Values
	if q := strings.TrimSpace(queue); q != "" {
		values = url.Values{"queue": []string{q}}
	}
	var out api.ReservationListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/reservations", values, nil, &out); err != nil {
		return nil, err
	}
	return out.Reservations, nil
}

// Reconcile triggers an immediate queue reconciliation pass.
func (c *Client) Reconcile(ctx context.Context) (*api.ReconcileResponse, error) {
	var out api.ReconcileResponse
	if err := c.do(ctx, http.MethodPost, "/v1/reconcile", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns nil when the server answers its health probe.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.httpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpTimeout)
		defer cancel()
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cid := CorrelationIDFromContext(ctx); cid != "" {
		req.Header.Set(headerCorrelationID, cid)
	}
	c.logTrace("client.http.start", "method", method, "path", path)
	begin := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("client.http.error", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()
	c.logTrace("client.http.done", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(begin))
	if resp.StatusCode >= 300 {
		return c.decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("resvd: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) logTrace(msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Trace(msg, keyvals...)
}

// APIError describes an error response returned by resvd.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded resvd error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("resvd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("resvd: status %d", e.Status)
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Response.ErrorCode == code
	}
	return false
}

func (c *Client) decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	if retryAfter == 0 && errResp.RetryAfterSeconds > 0 {
		retryAfter = time.Duration(errResp.RetryAfterSeconds) * time.Second
	}
	return &APIError{
		Status:     resp.StatusCode,
		Response:   errResp,
		Body:       data,
		RetryAfter: retryAfter,
	}
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if when, err := http.ParseTime(raw); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
