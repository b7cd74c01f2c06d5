package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tchow-twistedxcom/crewdeck/internal/hub"
	"github.com/tchow-twistedxcom/crewdeck/internal/session"
)

const (
	defaultServerURL = "http://127.0.0.1:3001"
	clientTimeout    = 15 * time.Second
)

// client calls a running server's REST API.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

type clientFlags struct {
	url   string
	token string
}

// register adds --url and --token, defaulting from CREWDECK_URL and
// CREWDECK_TOKEN.
func (f *clientFlags) register(fs *flag.FlagSet) {
	url := os.Getenv("CREWDECK_URL")
	if url == "" {
		url = defaultServerURL
	}
	fs.StringVar(&f.url, "url", url, "Server base URL")
	fs.StringVar(&f.token, "token", os.Getenv("CREWDECK_TOKEN"), "Server token")
}

func (f *clientFlags) client() *client {
	return newClient(f.url, f.token)
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: clientTimeout},
	}
}

// serverError is a non-2xx response decoded from the server's error body.
type serverError struct {
	Status  int
	Code    string
	Message string
}

func (e *serverError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&payload)
		return &serverError{Status: resp.StatusCode, Code: payload.Error.Code, Message: payload.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *client) listSessions(ctx context.Context) ([]session.Descriptor, error) {
	var resp struct {
		Sessions []session.Descriptor `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &resp)
	return resp.Sessions, err
}

func (c *client) worktrees(ctx context.Context) ([]hub.WorktreeSummary, error) {
	var resp struct {
		Worktrees []hub.WorktreeSummary `json:"worktrees"`
	}
	err := c.do(ctx, http.MethodGet, "/api/worktrees", nil, &resp)
	return resp.Worktrees, err
}

func (c *client) createSession(ctx context.Context, dir string, kind session.Kind, params []string) (session.Descriptor, error) {
	var d session.Descriptor
	err := c.do(ctx, http.MethodPost, "/api/sessions", map[string]any{
		"workingDir": dir,
		"kind":       string(kind),
		"params":     params,
	}, &d)
	return d, err
}
