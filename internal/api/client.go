package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"neuronctl/internal/model"
)

// Error is a failed API response.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("request failed: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("request failed: %d: %s", e.Status, e.Message)
}

// Client is a thin HTTP client for the control-plane API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// WithToken returns a copy that sends token as a bearer credential.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// FleetStatus fetches the fleet summary into out.
func (c *Client) FleetStatus(ctx context.Context, out any) error {
	return c.getJSON(ctx, "/api/v1/fleet", out)
}

// NeuronHealth fetches one neuron's health detail into out.
func (c *Client) NeuronHealth(ctx context.Context, id string, out any) error {
	return c.getJSON(ctx, "/api/v1/neurons/"+url.PathEscape(id)+"/health", out)
}

// PushConfig posts a config push; req is a syncer.PushConfigRequest.
func (c *Client) PushConfig(ctx context.Context, req any, out any) error {
	return c.postJSON(ctx, "/api/v1/configs", req, out)
}

// Rollback re-activates an older config version.
func (c *Client) Rollback(ctx context.Context, req RollbackRequest, out any) error {
	return c.postJSON(ctx, "/api/v1/configs/"+url.PathEscape(req.Key)+"/rollback", req, out)
}

// HotReload runs a hot reload; req is a syncer.HotReloadRequest.
func (c *Client) HotReload(ctx context.Context, req any, out any) error {
	return c.postJSON(ctx, "/api/v1/reloads", req, out)
}

// Broadcast sends an advisory to every connected neuron.
func (c *Client) Broadcast(ctx context.Context, req AdvisoryRequest, out any) error {
	return c.postJSON(ctx, "/api/v1/advisories", req, out)
}

// ForceRecovery runs a recovery pass for one neuron.
func (c *Client) ForceRecovery(ctx context.Context, id string, out any) error {
	return c.postJSON(ctx, "/api/v1/neurons/"+url.PathEscape(id)+"/recover", struct{}{}, out)
}

// RetireNeuron retires a neuron.
func (c *Client) RetireNeuron(ctx context.Context, id, by string) (model.Neuron, error) {
	var n model.Neuron
	err := c.postJSON(ctx, "/api/v1/neurons/"+url.PathEscape(id)+"/retire", RetireRequest{By: by}, &n)
	return n, err
}

// Heartbeat checks in a neuron; the client must carry its access token.
func (c *Client) Heartbeat(ctx context.Context, id string) error {
	return c.postJSON(ctx, "/api/v1/heartbeat", HeartbeatRequest{NeuronID: id}, nil)
}

// ExportEvents streams the event log as CSV into w.
func (c *Client) ExportEvents(ctx context.Context, w io.Writer, q EventQuery) error {
	v := url.Values{}
	if q.NeuronID != "" {
		v.Set("neuronId", q.NeuronID)
	}
	if q.EventType != "" {
		v.Set("eventType", q.EventType)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	path := "/api/v1/events/export"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return decodeError(res)
	}
	_, err = io.Copy(w, res.Body)
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return decodeError(res)
	}

	var env RawResponse
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		return &Error{Status: res.StatusCode, Code: env.Code, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func decodeError(res *http.Response) error {
	body, _ := io.ReadAll(res.Body)
	var env RawResponse
	if err := json.Unmarshal(body, &env); err == nil && env.Error != "" {
		return &Error{Status: res.StatusCode, Code: env.Code, Message: env.Error}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(res.StatusCode)
	}
	return &Error{Status: res.StatusCode, Message: msg}
}

// IsCode reports whether err is an API error with the given code.
func IsCode(err error, code string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
