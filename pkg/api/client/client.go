package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides typed access to the DropMe control-plane API for
// interactive tools.
type Client struct {
	baseURL     string
	ingestToken string
	httpClient  *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithIngestToken sets the service token for machine endpoints.
func WithIngestToken(token string) Option {
	return func(c *Client) {
		c.ingestToken = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4600"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// Version mirrors a registry snapshot returned by the API.
type Version struct {
	VersionID   string     `json:"VersionID"`
	ArtifactRef string     `json:"ArtifactRef"`
	Stage       string     `json:"Stage"`
	CreatedAt   time.Time  `json:"CreatedAt"`
	DeployedAt  *time.Time `json:"DeployedAt"`
	PromotedAt  *time.Time `json:"PromotedAt"`
}

// Attempt mirrors a deployment attempt returned by the API.
type Attempt struct {
	ID         string    `json:"ID"`
	VersionID  string    `json:"VersionID"`
	State      string    `json:"State"`
	RollbackOf string    `json:"RollbackOf"`
	Error      string    `json:"Error"`
	StartedAt  time.Time `json:"StartedAt"`
	UpdatedAt  time.Time `json:"UpdatedAt"`
}

// DriftStatus is the current monitor view.
type DriftStatus struct {
	AlertState    string          `json:"alert_state"`
	WindowRecords int             `json:"window_records"`
	Score         json.RawMessage `json:"score"`
	Reference     json.RawMessage `json:"reference"`
}

// Drift returns the current drift score and alert state.
func (c *Client) Drift(ctx context.Context) (DriftStatus, error) {
	var status DriftStatus
	err := c.do(ctx, http.MethodGet, "/drift", nil, &status)
	return status, err
}

// DriftHistory lists recent persisted drift scores.
func (c *Client) DriftHistory(ctx context.Context, limit int) (json.RawMessage, error) {
	path := "/drift/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var history json.RawMessage
	err := c.do(ctx, http.MethodGet, path, nil, &history)
	return history, err
}

// RegisterVersion adds a built version to the registry.
func (c *Client) RegisterVersion(ctx context.Context, versionID, artifactRef string) (Version, error) {
	var version Version
	err := c.do(ctx, http.MethodPost, "/versions", map[string]string{
		"version_id":   versionID,
		"artifact_ref": artifactRef,
	}, &version)
	return version, err
}

// Versions lists registry entries.
func (c *Client) Versions(ctx context.Context, limit int) ([]Version, error) {
	path := "/versions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var versions []Version
	err := c.do(ctx, http.MethodGet, path, nil, &versions)
	return versions, err
}

// CurrentVersion returns the promoted version.
func (c *Client) CurrentVersion(ctx context.Context) (Version, error) {
	var version Version
	err := c.do(ctx, http.MethodGet, "/versions/current", nil, &version)
	return version, err
}

// Deploy starts a staged rollout of a built version.
func (c *Client) Deploy(ctx context.Context, versionID string) (Attempt, error) {
	var attempt Attempt
	err := c.do(ctx, http.MethodPost, "/deployments", map[string]string{
		"version_id": versionID,
	}, &attempt)
	return attempt, err
}

// DeploymentStatus returns the current or most recent attempt.
func (c *Client) DeploymentStatus(ctx context.Context) (Attempt, error) {
	var attempt Attempt
	err := c.do(ctx, http.MethodGet, "/deployments/current", nil, &attempt)
	return attempt, err
}

// CancelDeployment aborts the in-flight rollout.
func (c *Client) CancelDeployment(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/deployments/cancel", nil, nil)
}

// Rollback rolls the promoted version back, either to targetVersionID or to
// the last known good one when the target is empty.
func (c *Client) Rollback(ctx context.Context, targetVersionID string) (Attempt, error) {
	var attempt Attempt
	var body any
	if targetVersionID != "" {
		body = map[string]string{"target_version_id": targetVersionID}
	}
	err := c.do(ctx, http.MethodPost, "/rollbacks", body, &attempt)
	return attempt, err
}

// CaptureReference re-baselines the drift reference from the live window.
func (c *Client) CaptureReference(ctx context.Context) (json.RawMessage, error) {
	var ref json.RawMessage
	err := c.do(ctx, http.MethodPost, "/reference/capture", nil, &ref)
	return ref, err
}

// SendPrediction reports one prediction record, as an edge device would.
func (c *Client) SendPrediction(ctx context.Context, deviceID, class string, confidence float64, latencyMS int) error {
	return c.do(ctx, http.MethodPost, "/telemetry/predictions", map[string]any{
		"device_id":       deviceID,
		"predicted_class": class,
		"confidence":      confidence,
		"latency_ms":      latencyMS,
	}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ingestToken != "" {
		req.Header.Set("X-Ingest-Token", c.ingestToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return ""
	}
	return payload.Error
}
