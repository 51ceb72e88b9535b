package fieldwatchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fieldwatch/internal/domain"
)

// Client is a minimal fieldwatch HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		Timeout:  10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.Status, e.Body)
}

// StatusCode lets the outbox worker classify the failure.
func (e *APIError) StatusCode() int { return e.Status }

// IngestResult is the kiosk sync summary.
type IngestResult struct {
	Message      string   `json:"message"`
	SuccessCount int      `json:"successCount"`
	ErrorCount   int      `json:"errorCount"`
	Errors       []string `json:"errors"`
}

// Rule is the wire form of an alert rule.
type Rule struct {
	ID         string               `json:"id,omitempty"`
	Name       string               `json:"name"`
	IsEnabled  *bool                `json:"isEnabled,omitempty"`
	Conditions domain.ConditionSpec `json:"conditions"`
	Action     domain.AlertAction   `json:"action"`
}

// Send delivers one queued envelope. The URL is resolved against the API
// base path unless it is absolute. It returns nil on 2xx and *APIError on any
// other status; transport errors are returned as-is.
func (c *Client) Send(ctx context.Context, env domain.ActionEnvelope) error {
	method := env.Method
	if method == "" {
		method = http.MethodPost
	}
	return c.doRaw(ctx, method, env.URL, []byte(env.Payload), nil)
}

func (c *Client) Incidents(ctx context.Context, all bool) ([]domain.Incident, error) {
	endpoint := "incidents"
	if all {
		endpoint = "incidents/all"
	}
	var resp []domain.Incident
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Incident(ctx context.Context, id string) (domain.Incident, error) {
	var resp domain.Incident
	err := c.do(ctx, http.MethodGet, "incidents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Rules(ctx context.Context) ([]Rule, error) {
	var resp []Rule
	err := c.do(ctx, http.MethodGet, "rules", nil, &resp)
	return resp, err
}

func (c *Client) CreateRule(ctx context.Context, r Rule) (Rule, error) {
	r.ID = ""
	var resp Rule
	err := c.do(ctx, http.MethodPost, "rules", r, &resp)
	return resp, err
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "rules/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Templates(ctx context.Context) ([]domain.AlertTemplate, error) {
	var resp []domain.AlertTemplate
	err := c.do(ctx, http.MethodGet, "templates", nil, &resp)
	return resp, err
}

// AlertLogs returns fired alerts, newest first.
func (c *Client) AlertLogs(ctx context.Context) ([]domain.AlertLog, error) {
	var resp []domain.AlertLog
	err := c.do(ctx, http.MethodGet, "alerts/logs", nil, &resp)
	return resp, err
}

// KioskSync uploads a batch of offline kiosk reports.
func (c *Client) KioskSync(ctx context.Context, events []map[string]any) (IngestResult, error) {
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, "kiosk/sync", map[string]any{"events": events}, &resp)
	return resp, err
}

func (c *Client) CurrentUser(ctx context.Context) (domain.User, error) {
	var resp domain.User
	err := c.do(ctx, http.MethodGet, "auth/current", nil, &resp)
	return resp, err
}

// DevLogin mints a development token for userID and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, userID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]string{"userId": userID}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var data []byte
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		data = buf.Bytes()
	}
	return c.doRaw(ctx, method, endpoint, data, out)
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, body []byte, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(endpoint), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{Status: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// resolve joins endpoint onto the base URL and API base path. Absolute URLs
// are used unchanged.
func (c *Client) resolve(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	base := strings.TrimRight(c.BaseURL, "/")
	prefix := "/" + strings.Trim(c.BasePath, "/")
	if prefix == "/" {
		prefix = ""
	}
	endpoint = "/" + strings.TrimLeft(endpoint, "/")
	if prefix != "" && strings.HasPrefix(endpoint, prefix+"/") {
		return base + endpoint
	}
	return base + prefix + endpoint
}
