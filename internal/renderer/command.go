package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandRenderer delegates rendering to an external program, typically a
// server-side entry point of the application bundle. The request is written
// to stdin as JSON and the document is read from stdout. A non-zero exit
// fails the render with stderr attached.
type CommandRenderer struct {
	Command string
	Args    []string
	Dir     string
	// Env is appended to the current process environment.
	Env []string
	// WaitDelay bounds how long a cancelled command may keep its pipes open.
	WaitDelay time.Duration
}

// commandRequest is the stdin payload.
type commandRequest struct {
	Shell          string              `json:"document"`
	URL            string              `json:"url"`
	Providers      []Provider          `json:"providers,omitempty"`
	ServerContext  ServerContext       `json:"serverContext"`
	Method         string              `json:"method,omitempty"`
	Headers        map[string][]string `json:"headers,omitempty"`
	RequestContext interface{}         `json:"requestContext,omitempty"`
	Status         int                 `json:"status,omitempty"`
}

// Render implements Renderer. Cancelling ctx kills the process.
func (c *CommandRenderer) Render(ctx context.Context, req *Request) (string, error) {
	if c.Command == "" {
		return "", fmt.Errorf("render command is not configured")
	}

	payload := commandRequest{
		Shell:          req.Shell,
		Providers:      req.Providers,
		ServerContext:  req.ServerContext,
		RequestContext: req.RequestContext,
	}
	if req.URL != nil {
		payload.URL = req.URL.String()
	}
	if req.HTTPRequest != nil {
		payload.Method = req.HTTPRequest.Method
		payload.Headers = req.HTTPRequest.Header
	}
	if req.Response != nil {
		payload.Status = req.Response.Status
	}

	input, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding render request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("render command failed: %w", err)
		}
		return "", fmt.Errorf("render command failed: %w\nstderr: %s", err, msg)
	}

	return stdout.String(), nil
}
