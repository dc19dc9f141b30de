// Package outpost is the HTTP client of the outpost service, which launches
// singleuser servers on a remote system. It implements spawner.Remote.
//
// Every call addresses /services/{owner}[/{name}] and carries a bearer token:
//
//	POST   starts the server; the response body is the connection info
//	GET    reports {"running": bool, "exit_code": int}
//	DELETE stops the server; 404 counts as stopped
//
// Non-2xx answers become *spawner.RemoteCallError with the status code and
// the "detail" field of the JSON body, or the raw body, as reason.
package outpost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gluk-w/claworc/forwarder/internal/logutil"
	"github.com/gluk-w/claworc/forwarder/internal/spawner"
)

// maxErrorBody caps how much of an error response is kept as reason.
const maxErrorBody = 4096

// Client talks to one outpost service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ spawner.Remote = (*Client)(nil)

// New creates a Client. timeout bounds each call, including a start that
// waits for the remote scheduler.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func servicePath(id spawner.Identity) string {
	p := "/services/" + url.PathEscape(id.Owner)
	if id.Name != "" {
		p += "/" + url.PathEscape(id.Name)
	}
	return p
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

// callError builds the error of a non-2xx response.
func callError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	reason := strings.TrimSpace(string(raw))
	var body struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Detail != "" {
		reason = body.Detail
	}
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return &spawner.RemoteCallError{Op: op, StatusCode: resp.StatusCode, Reason: reason}
}

func (c *Client) Start(ctx context.Context, req spawner.Request) (map[string]any, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, servicePath(req.Identity), req)
	if err != nil {
		return nil, &spawner.RemoteCallError{Op: "start", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, callError("start", resp)
	}

	info := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil && err != io.EOF {
		return nil, &spawner.RemoteCallError{Op: "start", StatusCode: resp.StatusCode, Err: fmt.Errorf("decode connection info: %w", err)}
	}
	log.Printf("[outpost] %s: started (%d keys of connection info)", logutil.SanitizeForLog(req.Identity.String()), len(info))
	return info, nil
}

type pollResponse struct {
	Running  bool `json:"running"`
	ExitCode int  `json:"exit_code"`
}

func (c *Client) Poll(ctx context.Context, req spawner.Request) (spawner.Status, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, servicePath(req.Identity), nil)
	if err != nil {
		return spawner.Status{}, &spawner.RemoteCallError{Op: "poll", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return spawner.Status{Running: false}, nil
	}
	if resp.StatusCode >= 300 {
		return spawner.Status{}, callError("poll", resp)
	}

	var body pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return spawner.Status{}, &spawner.RemoteCallError{Op: "poll", StatusCode: resp.StatusCode, Err: fmt.Errorf("decode status: %w", err)}
	}
	return spawner.Status{Running: body.Running, ExitCode: body.ExitCode}, nil
}

func (c *Client) Stop(ctx context.Context, req spawner.Request) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, servicePath(req.Identity), nil)
	if err != nil {
		return &spawner.RemoteCallError{Op: "stop", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return callError("stop", resp)
	}
	return nil
}
