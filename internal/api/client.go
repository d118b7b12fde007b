package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"spool/internal/stream"
	"spool/internal/watch"
)

// ErrAPIUnavailable marks requests that never reached the daemon.
var ErrAPIUnavailable = errors.New("spool API unavailable")

// Client talks to the spool daemon API.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient builds a client for the daemon bound at the given address.
func NewClient(bind string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, errors.New("api bind address is empty")
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""

	// No client timeout: event subscriptions block until the caller cancels.
	return &Client{base: base, http: &http.Client{}}, nil
}

// Submit sends a batch of URLs and returns the assigned job id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.post(ctx, "/api/jobs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Jobs lists persisted jobs, optionally filtered by status.
func (c *Client) Jobs(ctx context.Context, statuses ...string) (*JobListResponse, error) {
	values := url.Values{}
	for _, status := range statuses {
		if s := strings.TrimSpace(status); s != "" {
			values.Add("status", s)
		}
	}
	var resp JobListResponse
	if err := c.get(ctx, "/api/jobs", values, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Job fetches a single persisted job.
func (c *Client) Job(ctx context.Context, jobID string) (*JobRecord, error) {
	var resp JobResponse
	if err := c.get(ctx, "/api/jobs/"+url.PathEscape(jobID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Job, nil
}

// Status fetches daemon runtime information.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var resp DaemonStatus
	if err := c.get(ctx, "/api/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.post(ctx, "/api/shutdown", struct{}{}, nil)
}

// Resolve submits a duplicate-resolution choice. Prompts the daemon no
// longer tracks are reported as stream.ErrStalePrompt so callers can treat
// them as already resolved.
func (c *Client) Resolve(ctx context.Context, jobID, promptID string, choice stream.Choice) error {
	path := "/api/jobs/" + url.PathEscape(jobID) + "/duplicates/" + url.PathEscape(promptID)
	err := c.post(ctx, path, ResolveRequest{Choice: string(choice)}, nil)
	var status *statusError
	if errors.As(err, &status) && (status.code == http.StatusNotFound || status.code == http.StatusConflict) {
		return fmt.Errorf("%w: %s", stream.ErrStalePrompt, status.message)
	}
	return err
}

// Subscribe opens the job's event stream over a websocket, resuming after
// the given cursor. A zero cursor requests the stream from the beginning.
func (c *Client) Subscribe(ctx context.Context, jobID string, since uint64) (watch.Conn, error) {
	endpoint := c.base.ResolveReference(&url.URL{Path: "/api/jobs/" + url.PathEscape(jobID) + "/events"})
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	if since > 0 {
		endpoint.RawQuery = url.Values{"since": []string{strconv.FormatUint(since, 10)}}.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("subscribe %s: %w", jobID, err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a websocket connection to the watch.Conn contract.
type wsConn struct {
	conn *websocket.Conn
}

// Next reads and decodes one event. Decode failures wrap
// stream.ErrMalformedEvent and leave the connection readable.
func (w *wsConn) Next() (stream.Event, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return stream.Decode(data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// IsAPIUnavailable reports whether the error means the daemon could not be
// reached at all, as opposed to the daemon rejecting the request.
func IsAPIUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.Is(err, ErrAPIUnavailable) || errors.As(err, &opErr)
}

// statusError carries a non-2xx response for classification by callers.
type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("api returned status %d: %s", e.code, e.message)
	}
	return fmt.Sprintf("api returned status %d", e.code)
}

func (c *Client) get(ctx context.Context, path string, values url.Values, out any) error {
	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: values.Encode()})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	endpoint := c.base.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return &statusError{code: resp.StatusCode, message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
