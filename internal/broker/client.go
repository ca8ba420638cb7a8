package broker

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

	"github.com/tphummel/drain_gear/internal/models"
)

// Client talks to the session-broker control plane over its JSON API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError is returned when the broker responds with an unexpected status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e APIError) Error() string {
	return fmt.Sprintf("broker API returned status %d: %s", e.StatusCode, e.Body)
}

// NewClient builds a client for a local control plane using a bearer token.
func NewClient(endpoint, token string) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	return &Client{
		baseURL: strings.TrimRight(endpoint, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// Credentials identifies a hosted-control-plane tenant.
type Credentials struct {
	CustomerID string `json:"customer_id"`
	ClientID   string `json:"client_id"`
	Secret     string `json:"client_secret"`
}

// NewCloudClient builds a client for a hosted control plane by exchanging
// the tenant credential pair for a bearer token. The exchange itself is the
// only call made here; a failure means every later call will be rejected.
func NewCloudClient(ctx context.Context, endpoint string, creds Credentials) (*Client, error) {
	c, err := NewClient(endpoint, "")
	if err != nil {
		return nil, err
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/tokens", creds, http.StatusOK, &out); err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	c.token = out.Token
	return c, nil
}

// ListMachines returns the powered-on, non-maintenance machines of a
// delivery group. An unknown group is an empty list, not an error.
func (c *Client) ListMachines(ctx context.Context, group string) ([]models.Machine, error) {
	q := url.Values{}
	q.Set("group", group)
	q.Set("power_state", models.PowerStateOn)
	q.Set("maintenance", "false")

	var out []models.Machine
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/machines?"+q.Encode(), nil, http.StatusOK, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetMachine re-fetches a single machine's live attributes.
func (c *Client) GetMachine(ctx context.Context, name string) (*models.Machine, error) {
	var out models.Machine
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/machines/"+url.PathEscape(name), nil, http.StatusOK, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SetMaintenance flips the broker's maintenance flag for a machine. The
// broker treats re-applying the current value as a no-op.
func (c *Client) SetMaintenance(ctx context.Context, name string, enabled bool) error {
	body := map[string]bool{"enabled": enabled}
	path := "/api/v1/machines/" + url.PathEscape(name) + "/maintenance"
	return c.doJSON(ctx, http.MethodPut, path, body, http.StatusOK, nil)
}

// ListSessions returns the live sessions on a machine.
func (c *Client) ListSessions(ctx context.Context, name string) ([]models.Session, error) {
	var out []models.Session
	path := "/api/v1/machines/" + url.PathEscape(name) + "/sessions"
	err := c.doJSON(ctx, http.MethodGet, path, nil, http.StatusOK, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NotifySessions delivers a message to the given sessions.
func (c *Client) NotifySessions(ctx context.Context, sessionIDs []string, title, text string) error {
	body := struct {
		SessionIDs []string `json:"session_ids"`
		Title      string   `json:"title"`
		Text       string   `json:"text"`
	}{sessionIDs, title, text}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/sessions/notify", body, http.StatusAccepted, nil)
}

// Restart issues a restart power action for a machine. The broker accepts
// the action asynchronously; completion is not awaited.
func (c *Client) Restart(ctx context.Context, name string) error {
	path := "/api/v1/machines/" + url.PathEscape(name) + "/restart"
	return c.doJSON(ctx, http.MethodPost, path, nil, http.StatusAccepted, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, expectedStatus int, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != expectedStatus {
		return APIError{StatusCode: resp.StatusCode, Body: string(payload)}
	}

	if out == nil || len(payload) == 0 {
		return nil
	}

	return json.Unmarshal(payload, out)
}
