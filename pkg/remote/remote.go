package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"pagesync/pkg/idwrap"
	"pagesync/pkg/model/mconflict"
	"pagesync/pkg/model/mposition"
)

// HTTPClient lets tests substitute the underlying transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const requestTimeout = 30 * time.Second

// Default endpoint paths. A 404 on the preferred content path falls back to
// the legacy path with the same request shape; some deployments still run the
// old handler.
const (
	DefaultContentPath       = "/api/v2/content"
	DefaultLegacyContentPath = "/api/content"
	componentsPath           = "/api/components"
	resolveConflictPath      = "/api/conflicts/resolve"
)

var (
	ErrUnexpectedStatus = errors.New("remote: unexpected status")
	ErrNotFound         = errors.New("remote: not found")
)

// ConflictError carries the server's 409 response for a version-mismatched
// save.
type ConflictError struct {
	CurrentValue   string `json:"currentValue"`
	LastModifiedBy string `json:"lastModifiedBy"`
	Message        string `json:"message"`
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return "remote: version conflict: " + e.Message
	}
	return "remote: version conflict"
}

// SaveRequest is the wire shape of a content write.
type SaveRequest struct {
	Key             string `json:"key"`
	Value           string `json:"value"`
	Type            string `json:"type"`
	Page            string `json:"page"`
	ExpectedVersion string `json:"expectedVersion"`
}

// SaveResult is the success body of a content write.
type SaveResult struct {
	Version string `json:"version"`
}

// ComponentRequest is the wire shape of component create/update calls.
type ComponentRequest struct {
	ID       idwrap.IDWrap      `json:"id"`
	Type     string             `json:"type,omitempty"`
	Position mposition.Position `json:"position"`
	Props    map[string]any     `json:"props,omitempty"`
}

type resolveRequest struct {
	ConflictID string               `json:"conflictId"`
	Resolution mconflict.Resolution `json:"resolution"`
}

// Client talks to the remote persistence service. It owns no retry policy;
// transport errors surface to the save pipeline as-is.
type Client struct {
	http    HTTPClient
	baseURL string
	logger  *slog.Logger

	contentPath       string
	legacyContentPath string
}

type Option func(*Client)

func WithHTTPClient(hc HTTPClient) Option {
	return func(c *Client) { c.http = hc }
}

func WithContentPaths(preferred, legacy string) Option {
	return func(c *Client) {
		c.contentPath = preferred
		c.legacyContentPath = legacy
	}
}

func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		http:              &http.Client{Timeout: requestTimeout},
		baseURL:           strings.TrimRight(baseURL, "/"),
		logger:            logger,
		contentPath:       DefaultContentPath,
		legacyContentPath: DefaultLegacyContentPath,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SaveContent writes one content value with optimistic version checking.
// A 409 returns a *ConflictError; a 404 on the preferred endpoint retries the
// legacy endpoint once.
func (c *Client) SaveContent(ctx context.Context, req SaveRequest) (SaveResult, error) {
	result, err := c.saveContentAt(ctx, c.contentPath, req)
	if errors.Is(err, ErrNotFound) && c.legacyContentPath != "" && c.legacyContentPath != c.contentPath {
		c.logger.Info("content endpoint missing, using legacy path",
			"preferred", c.contentPath, "legacy", c.legacyContentPath)
		return c.saveContentAt(ctx, c.legacyContentPath, req)
	}
	return result, err
}

func (c *Client) saveContentAt(ctx context.Context, path string, req SaveRequest) (SaveResult, error) {
	resp, err := c.do(ctx, http.MethodPut, path, req)
	if err != nil {
		return SaveResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var result SaveResult
		if err := decodeBody(resp.Body, &result); err != nil {
			return SaveResult{}, fmt.Errorf("remote: decode save response: %w", err)
		}
		return result, nil
	case http.StatusConflict:
		conflict := &ConflictError{}
		if err := decodeBody(resp.Body, conflict); err != nil {
			return SaveResult{}, fmt.Errorf("remote: decode conflict response: %w", err)
		}
		return SaveResult{}, conflict
	case http.StatusNotFound:
		return SaveResult{}, fmt.Errorf("remote: %s: %w", path, ErrNotFound)
	default:
		return SaveResult{}, statusError(resp)
	}
}

// CreateComponent persists a newly added component.
func (c *Client) CreateComponent(ctx context.Context, req ComponentRequest) error {
	resp, err := c.do(ctx, http.MethodPost, componentsPath, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return expectOK(resp)
}

// UpdateComponent persists a component move or prop change.
func (c *Client) UpdateComponent(ctx context.Context, req ComponentRequest) error {
	resp, err := c.do(ctx, http.MethodPut, componentsPath+"/"+req.ID.String(), req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return expectOK(resp)
}

// DeleteComponent persists a component removal.
func (c *Client) DeleteComponent(ctx context.Context, id idwrap.IDWrap) error {
	resp, err := c.do(ctx, http.MethodDelete, componentsPath+"/"+id.String(), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return expectOK(resp)
}

// ResolveConflict reports the chosen resolution strategy for a conflict.
func (c *Client) ResolveConflict(ctx context.Context, conflictID idwrap.IDWrap, resolution mconflict.Resolution) error {
	resp, err := c.do(ctx, http.MethodPost, resolveConflictPath, resolveRequest{
		ConflictID: conflictID.String(),
		Resolution: resolution,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return expectOK(resp)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remote: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func decodeBody(body io.Reader, out any) error {
	data, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func expectOK(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("remote: %s: %w", resp.Request.URL.Path, ErrNotFound)
	}
	return statusError(resp)
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("remote: %s %s: %w: %d %s",
		resp.Request.Method, resp.Request.URL.Path, ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
