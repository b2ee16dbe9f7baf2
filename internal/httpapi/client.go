package httpapi

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
	"syscall"
	"time"

	"mediaforge/internal/api"
	"mediaforge/internal/services"
)

// Client calls a running daemon's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// APIError is a non-2xx response decoded from api.ErrorResponse.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("daemon returned HTTP %d", e.Status)
}

// Unwrap maps the error code back to the service sentinel so callers can use
// errors.Is across the wire.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case CodeInvalidReference:
		return services.ErrInvalidReference
	case CodeUnknownQuality:
		return services.ErrUnknownQuality
	case CodeValidation:
		return services.ErrValidation
	case CodeNotFound:
		return services.ErrNotFound
	case CodeNotReady:
		return services.ErrNotReady
	case CodeRateLimited:
		return services.ErrRateLimited
	default:
		return nil
	}
}

// ErrDaemonUnreachable reports that nothing answered at the configured address.
var ErrDaemonUnreachable = errors.New("daemon unreachable")

// NewClient builds a client for baseURL. A bare host:port gets an http scheme.
func NewClient(baseURL string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL != "" && !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL returns the daemon address the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Status fetches daemon runtime state.
func (c *Client) Status(ctx context.Context) (api.DaemonStatus, error) {
	var out api.DaemonStatus
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

// RegisterSource records a stored file, optionally queueing its ingest job.
func (c *Client) RegisterSource(ctx context.Context, req api.RegisterSourceRequest) (api.RegisterSourceResponse, error) {
	var out api.RegisterSourceResponse
	err := c.do(ctx, http.MethodPost, "/v1/sources", req, &out)
	return out, err
}

// Health calls /healthz. A non-nil error means the daemon or its database is
// unavailable.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

// ListSources lists registered sources, newest first.
func (c *Client) ListSources(ctx context.Context) ([]api.Source, error) {
	var out api.SourceListResponse
	err := c.do(ctx, http.MethodGet, "/v1/sources", nil, &out)
	return out.Sources, err
}

// Source fetches a registered source.
func (c *Client) Source(ctx context.Context, id int64) (api.Source, error) {
	var out api.Source
	err := c.do(ctx, http.MethodGet, "/v1/sources/"+strconv.FormatInt(id, 10), nil, &out)
	return out, err
}

// SourceJobs lists jobs that referenced a source.
func (c *Client) SourceJobs(ctx context.Context, id int64) ([]api.Job, error) {
	var out api.JobListResponse
	err := c.do(ctx, http.MethodGet, "/v1/sources/"+strconv.FormatInt(id, 10)+"/jobs", nil, &out)
	return out.Jobs, err
}

// Submit queues a job and returns its id.
func (c *Client) Submit(ctx context.Context, req api.SubmitRequest) (string, error) {
	var out api.SubmitResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &out)
	return out.JobID, err
}

// Job fetches a job's status.
func (c *Client) Job(ctx context.Context, id string) (api.Job, error) {
	var out api.Job
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ListJobs lists jobs filtered by status names.
func (c *Client) ListJobs(ctx context.Context, statuses ...string) ([]api.Job, error) {
	path := "/v1/jobs"
	if len(statuses) > 0 {
		q := url.Values{}
		for _, s := range statuses {
			q.Add("status", s)
		}
		path += "?" + q.Encode()
	}
	var out api.JobListResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Jobs, err
}

// Artifacts lists a job's outputs.
func (c *Client) Artifacts(ctx context.Context, id string) ([]api.Artifact, error) {
	var out api.ArtifactListResponse
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id)+"/artifacts", nil, &out)
	return out.Artifacts, err
}

// Result fetches the metadata of a completed job's artifact.
func (c *Client) Result(ctx context.Context, id, label string) (api.Artifact, error) {
	var out api.Artifact
	err := c.do(ctx, http.MethodGet, resultPath(id, label, false), nil, &out)
	return out, err
}

// DownloadResult streams a completed job's artifact into w.
func (c *Client) DownloadResult(ctx context.Context, id, label string, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, resultPath(id, label, true), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return 0, err
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download result: %w", err)
	}
	return n, nil
}

// Retry submits a new job from a failed one.
func (c *Client) Retry(ctx context.Context, id string) (string, error) {
	var out api.SubmitResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/retry", nil, &out)
	return out.JobID, err
}

func resultPath(id, label string, file bool) string {
	path := "/v1/jobs/" + url.PathEscape(id) + "/result"
	if file {
		path += "/file"
	}
	if label = strings.TrimSpace(label); label != "" {
		path += "?" + url.Values{"label": {label}}.Encode()
	}
	return path
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w at %s: %v", ErrDaemonUnreachable, c.baseURL, err)
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	var payload api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Error
	}
	return apiErr
}
