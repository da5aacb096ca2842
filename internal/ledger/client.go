// Package ledger implements the HTTP client of the remote job service. The
// client owns the credentials, so only the dispatcher and the poller hold it.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/FAI3/orchestra/internal/model"
)

const apiPrefix = "api/v1"

// Error is a failure reported by the remote job service.
type Error struct {
	StatusCode int         `json:"-"`
	Category   uint16      `json:"category"`
	Code       uint16      `json:"code"`
	Message    string      `json:"message"`
	Details    [][2]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "remote error: status %d", e.StatusCode)
	if e.Code != 0 {
		fmt.Fprintf(&b, ", code %d", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	for _, d := range e.Details {
		fmt.Fprintf(&b, " %s=%s", d[0], d[1])
	}
	return b.String()
}

// Is makes 404 responses match model.ErrNotFound.
func (e *Error) Is(target error) bool {
	return target == model.ErrNotFound && e.StatusCode == http.StatusNotFound
}

type Client struct {
	baseURL        *url.URL
	client         *http.Client
	token          string
	maxParallelism int
}

func NewClient(cfg model.Remote) (*Client, error) {
	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.New("please define the remote url with a scheme, e.g. `http://localhost:4943`")
	}

	var token string
	if cfg.Auth.Type == model.AuthTypeStaticToken {
		token = cfg.Auth.Token
	}

	return &Client{
		baseURL:        parsedURL,
		client:         &http.Client{Timeout: cfg.Timeout.Std()},
		token:          token,
		maxParallelism: cfg.MaxParallelism,
	}, nil
}

type jobIDResponse struct {
	JobID *model.JobID `json:"job_id"`
}

// id returns the created job id. Zero is a valid id, a missing one is not.
func (r jobIDResponse) id() (model.JobID, error) {
	if r.JobID == nil {
		return 0, errors.New("response carries no job_id")
	}
	return *r.JobID, nil
}

// GetJob returns nil and no error when the job does not exist.
func (c *Client) GetJob(ctx context.Context, id model.JobID) (*model.Job, error) {
	var job model.Job
	err := c.do(ctx, http.MethodGet, c.path("jobs", id.String()), nil, nil, &job)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

func (c *Client) GetJobsByOwner(ctx context.Context, owner string) ([]model.Job, error) {
	q := url.Values{"owner": []string{owner}}
	var jobs []model.Job
	if err := c.do(ctx, http.MethodGet, c.path("jobs"), q, nil, &jobs); err != nil {
		return nil, fmt.Errorf("get jobs by owner %s: %w", owner, err)
	}
	return jobs, nil
}

func (c *Client) StopJob(ctx context.Context, id model.JobID) error {
	if err := c.do(ctx, http.MethodPost, c.path("jobs", id.String(), "stop"), nil, nil, nil); err != nil {
		return fmt.Errorf("stop job %s: %w", id, err)
	}
	return nil
}

func (c *Client) ContextAssociationTest(ctx context.Context, modelID model.ModelID, maxQueries int, seed uint32, shuffle bool) (model.JobID, error) {
	body := struct {
		MaxQueries     int    `json:"max_queries"`
		Seed           uint32 `json:"seed"`
		Shuffle        bool   `json:"shuffle"`
		MaxParallelism int    `json:"max_parallelism"`
	}{maxQueries, seed, shuffle, c.maxParallelism}
	var resp jobIDResponse
	if err := c.do(ctx, http.MethodPost, c.modelPath(modelID, "context-association-test"), nil, body, &resp); err != nil {
		return 0, err
	}
	return resp.id()
}

func (c *Client) CalculateLLMMetrics(ctx context.Context, modelID model.ModelID, dataset string, maxQueries int, seed uint32) (model.JobID, error) {
	body := struct {
		Dataset        string `json:"dataset"`
		MaxQueries     int    `json:"max_queries"`
		Seed           uint32 `json:"seed"`
		MaxParallelism int    `json:"max_parallelism"`
	}{dataset, maxQueries, seed, c.maxParallelism}
	var resp jobIDResponse
	if err := c.do(ctx, http.MethodPost, c.modelPath(modelID, "llm-metrics"), nil, body, &resp); err != nil {
		return 0, err
	}
	return resp.id()
}

func (c *Client) AverageLLMMetrics(ctx context.Context, modelID model.ModelID, datasets []string) (json.RawMessage, error) {
	body := struct {
		Datasets []string `json:"datasets"`
	}{datasets}
	var resp json.RawMessage
	if err := c.do(ctx, http.MethodPost, c.modelPath(modelID, "llm-metrics", "average"), nil, body, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) LLMEvaluateLanguages(ctx context.Context, modelID model.ModelID, languages []string, maxQueries int, seed uint32) (model.JobID, error) {
	body := struct {
		Languages  []string `json:"languages"`
		MaxQueries int      `json:"max_queries"`
		Seed       uint32   `json:"seed"`
	}{languages, maxQueries, seed}
	var resp jobIDResponse
	if err := c.do(ctx, http.MethodPost, c.modelPath(modelID, "language-evaluations"), nil, body, &resp); err != nil {
		return 0, err
	}
	return resp.id()
}

func (c *Client) path(elem ...string) string {
	return c.baseURL.JoinPath(append([]string{apiPrefix}, elem...)...).String()
}

func (c *Client) modelPath(modelID model.ModelID, elem ...string) string {
	return c.path(append([]string{"models", fmt.Sprint(uint64(modelID))}, elem...)...)
}

func (c *Client) do(ctx context.Context, method, rawURL string, query url.Values, in, out any) error {
	if query != nil {
		rawURL += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	slog.DebugContext(ctx, "remote call", "method", method, "url", rawURL, "status", resp.StatusCode)
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" {
		var err error
		contentType, _, err = mime.ParseMediaType(contentType)
		if err != nil {
			return fmt.Errorf("failed to parse response content type header: %w", err)
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if contentType != "application/json" {
			return fmt.Errorf("expected `application/json` content type, got: %s", contentType)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return nil
	}

	remoteErr := &Error{StatusCode: resp.StatusCode}
	switch contentType {
	case "application/problem+json":
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		remoteErr.Message = problemDetail.Detail
	case "application/json":
		if err := json.NewDecoder(resp.Body).Decode(remoteErr); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
	default:
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return err
		}
		remoteErr.Message = strings.TrimSpace(string(respBody))
	}
	return remoteErr
}
