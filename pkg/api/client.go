package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/linlinhaohao888/LegoOS/pkg/task"
)

// The host part is ignored; every request goes to the agent socket.
const unixBaseURL = "http://pnode"

// StatusError is a reply outside 2xx. Message is the agent's error text.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.Status, http.StatusText(e.Status), e.Message)
}

// RestoreError is a restore the agent attempted or refused. Errno is the
// negative errno it reported.
type RestoreError struct {
	Message string
	Code    int
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore failed: %s (errno %d)", e.Message, e.Code)
}

// Errno returns the negative errno reported by the agent.
func (e *RestoreError) Errno() int {
	return e.Code
}

// Client calls the agent API on its unix socket. Deadlines come from the
// caller's context.
type Client struct {
	socketPath string
	http       *http.Client
}

// NewClient returns a client for the agent listening on socketPath.
func NewClient(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	return &Client{
		socketPath: socketPath,
		http:       &http.Client{Transport: &http.Transport{DialContext: dial}},
	}
}

// SocketPath returns the configured UDS path.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Restore asks the agent to restore a snapshot. When the agent answers with a
// failure the decoded response comes back together with a *RestoreError.
func (c *Client) Restore(ctx context.Context, req RestoreAPIRequest) (*RestoreAPIResponse, error) {
	var resp RestoreAPIResponse
	err := c.call(ctx, http.MethodPost, RestorePath, req, &resp)
	if resp.Error != "" || (err == nil && !resp.Success) {
		return &resp, &RestoreError{Message: resp.Error, Code: resp.Errno}
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Tasks lists the live tasks.
func (c *Client) Tasks(ctx context.Context) ([]task.Info, error) {
	var infos []task.Info
	if err := c.call(ctx, http.MethodGet, TasksPath, nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// ExitTask tears down the user task with the given PID and returns its last
// description.
func (c *Client) ExitTask(ctx context.Context, pid int) (*task.Info, error) {
	var info task.Info
	if err := c.call(ctx, http.MethodPost, ExitTaskPath, ExitTaskRequest{PID: pid}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// call sends in as JSON and decodes the reply into out. JSON error replies are
// decoded into out as well, and their "error" field becomes the
// StatusError message.
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, unixBaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s via %s: %w", method, path, c.socketPath, err)
	}
	defer resp.Body.Close()

	isJSON := strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json")
	if resp.StatusCode/100 == 2 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode %s reply: %w", path, err)
		}
		return nil
	}

	payload, _ := io.ReadAll(resp.Body)
	statusErr := &StatusError{Method: method, Path: path, Status: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	if isJSON {
		var reply ErrorResponse
		if json.Unmarshal(payload, &reply) == nil && reply.Error != "" {
			statusErr.Message = reply.Error
		}
		if out != nil {
			_ = json.Unmarshal(payload, out)
		}
	}
	return statusErr
}
