package p2m

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/linlinhaohao888/LegoOS/pkg/task"
)

const (
	unixScheme  = "unix://"
	unixBaseURL = "http://unix"
)

// Client talks to one memory node over HTTP, either on a unix socket
// ("unix:///run/memnode.sock") or TCP ("10.0.0.2:7070").
type Client struct {
	address string
	baseURL string
	node    string
	timeout time.Duration

	httpClient *http.Client
	log        logr.Logger
}

// ClientOptions tune a Client.
type ClientOptions struct {
	// Node is reported in every fork request.
	Node string

	// Timeout bounds each exchange. Zero means DefaultNetTimeout.
	Timeout time.Duration
}

// NewClient returns a client for the memory node at address.
func NewClient(address string, opts ClientOptions, log logr.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultNetTimeout
	}

	c := &Client{
		address: address,
		node:    opts.Node,
		timeout: opts.Timeout,
		log:     log,
	}

	transport := &http.Transport{ForceAttemptHTTP2: false}
	if socketPath, ok := strings.CutPrefix(address, unixScheme); ok {
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}
		c.baseURL = unixBaseURL
	} else {
		c.baseURL = "http://" + strings.TrimPrefix(address, "http://")
	}

	// Each call bounds itself with a context deadline.
	c.httpClient = &http.Client{Transport: transport}
	return c
}

// Address returns the memory node address the client was built with.
func (c *Client) Address() string {
	return c.address
}

// Fork sends req and waits for the reply. A non-zero reply code is returned as
// a *ReplyError. Failed exchanges are not retried.
func (c *Client) Fork(ctx context.Context, req ForkRequest) error {
	if req.Node == "" {
		req.Node = c.node
	}
	return c.call(ctx, ForkPath, req.PID, req)
}

// Update replaces the record of req.PID. The memory node replies -ENOENT when
// it holds none.
func (c *Client) Update(ctx context.Context, req UpdateRequest) error {
	if req.Node == "" {
		req.Node = c.node
	}
	return c.call(ctx, UpdatePath, req.PID, req)
}

// Exit drops the record of req.PID. Dropping a missing record succeeds.
func (c *Client) Exit(ctx context.Context, req ExitRequest) error {
	if req.Node == "" {
		req.Node = c.node
	}
	return c.call(ctx, ExitPath, req.PID, req)
}

// call posts a p2m request and turns a non-zero reply code into a *ReplyError.
func (c *Client) call(ctx context.Context, path string, pid int, req interface{}) error {
	var reply Reply
	if err := c.doJSON(ctx, http.MethodPost, path, req, &reply); err != nil {
		return fmt.Errorf("p2m %s of pid %d: %w", strings.TrimPrefix(path, "/p2m/"), pid, err)
	}
	if reply.Code != 0 {
		return &ReplyError{Code: reply.Code}
	}
	return nil
}

// NotifyFork reports a newly created task to the memory node.
func (c *Client) NotifyFork(ctx context.Context, t *task.Task, cloneFlags uint64) error {
	err := c.Fork(ctx, ForkRequest{
		PID:        t.PID,
		TGID:       t.TGID,
		ParentTGID: t.ParentTGID,
		CloneFlags: cloneFlags,
		Comm:       t.Comm(),
	})
	if err != nil {
		return err
	}
	c.log.V(1).Info("Memory node accepted fork", "pid", t.PID, "memory_node", c.address)
	return nil
}

// NotifyUpdate refreshes the record of a published task, which by then carries
// its restored name.
func (c *Client) NotifyUpdate(ctx context.Context, t *task.Task) error {
	return c.Update(ctx, UpdateRequest{
		PID:        t.PID,
		TGID:       t.TGID,
		ParentTGID: t.ParentTGID,
		Comm:       t.Comm(),
	})
}

// NotifyExit drops the record of a task that is being torn down.
func (c *Client) NotifyExit(ctx context.Context, t *task.Task) error {
	if err := c.Exit(ctx, ExitRequest{PID: t.PID, TGID: t.TGID}); err != nil {
		return err
	}
	c.log.V(1).Info("Memory node dropped process", "pid", t.PID, "memory_node", c.address)
	return nil
}

// Processes lists the records the memory node holds.
func (c *Client) Processes(ctx context.Context) ([]ProcessRecord, error) {
	var records []ProcessRecord
	if err := c.doJSON(ctx, http.MethodGet, ProcessesPath, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed (%s %s): %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyMsg := strings.TrimSpace(string(payload))
		if bodyMsg == "" {
			bodyMsg = "<empty>"
		}
		return fmt.Errorf("request failed (%s %s): status=%d body=%s elapsed=%s", method, path, resp.StatusCode, bodyMsg, time.Since(start))
	}

	if respBody != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, respBody); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

var _ task.ForkNotifier = (*Client)(nil)
