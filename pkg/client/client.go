// Package client provides a Go SDK for the lanekeeper HTTP API.
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

	"github.com/ankittk/lanekeeper/pkg/models"
)

// Client calls the lanekeeper HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:4747"
	APIKey     string       // optional; set for X-API-Key / api_key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:4747").
// APIKey is optional; when set, requests use X-API-Key header and optionally api_key query.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// SubmitTask asks the fleet to send an agent to destination. agent may be empty.
func (c *Client) SubmitTask(ctx context.Context, destination, agent string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks", models.SubmitTaskRequest{Destination: destination, Agent: agent}, &out)
	return &out, err
}

// ListTasks returns live tasks, or archived ones when archived is true
// (optionally filtered by status).
func (c *Client) ListTasks(ctx context.Context, archived bool, status string) ([]models.Task, error) {
	q := url.Values{}
	if archived {
		q.Set("archived", "true")
	}
	if status != "" {
		q.Set("status", status)
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.Task
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetTask returns a task by ID (live or archived).
func (c *Client) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// CancelTask cancels a pending or active task.
func (c *Client) CancelTask(ctx context.Context, id string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/cancel", nil, &out)
	return &out, err
}

// RetryTask re-plans a blocked task.
func (c *Client) RetryTask(ctx context.Context, id string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/retry", nil, &out)
	return &out, err
}

// ListAgents returns every agent in the fleet.
func (c *Client) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var out []models.Agent
	err := c.doJSON(ctx, http.MethodGet, "/agents", nil, &out)
	return out, err
}

// GetAgent returns one agent.
func (c *Client) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var out models.Agent
	err := c.doJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// SpawnAgent adds an agent at a vertex. Empty id lets the server pick one.
func (c *Client) SpawnAgent(ctx context.Context, req models.SpawnAgentRequest) (*models.Agent, error) {
	var out models.Agent
	err := c.doJSON(ctx, http.MethodPost, "/agents", req, &out)
	return &out, err
}

// EmergencyStop pauses every agent at its next step boundary.
func (c *Client) EmergencyStop(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/fleet/stop", nil, nil)
}

// Resume releases an emergency stop.
func (c *Client) Resume(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/fleet/resume", nil, nil)
}

// Report returns the fleet performance summary.
func (c *Client) Report(ctx context.Context) (*models.Report, error) {
	var out models.Report
	err := c.doJSON(ctx, http.MethodGet, "/fleet/report", nil, &out)
	return &out, err
}

// Reservations returns the occupancy table, wait queue and counters.
func (c *Client) Reservations(ctx context.Context) (*models.Reservations, error) {
	var out models.Reservations
	err := c.doJSON(ctx, http.MethodGet, "/reservations", nil, &out)
	return &out, err
}

// Map returns the navigation graph.
func (c *Client) Map(ctx context.Context) (*models.Map, error) {
	var out models.Map
	err := c.doJSON(ctx, http.MethodGet, "/map", nil, &out)
	return &out, err
}

// Path returns the shortest route between two vertices. When avoid is
// non-empty the server searches an alternate route around those lanes.
func (c *Client) Path(ctx context.Context, from, to string, avoid ...string) (*models.Route, error) {
	q := url.Values{"from": {from}, "to": {to}}
	for _, l := range avoid {
		q.Add("avoid", l)
	}
	var out models.Route
	err := c.doJSON(ctx, http.MethodGet, "/path?"+q.Encode(), nil, &out)
	return &out, err
}

// ListEvents returns logged events after afterSeq (0 = from the start).
func (c *Client) ListEvents(ctx context.Context, typ, agent string, afterSeq int64, limit int) ([]models.Event, error) {
	q := url.Values{}
	if typ != "" {
		q.Set("type", typ)
	}
	if agent != "" {
		q.Set("agent", agent)
	}
	if afterSeq > 0 {
		q.Set("after", strconv.FormatInt(afterSeq, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.Event
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}
