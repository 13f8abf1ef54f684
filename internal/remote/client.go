// Package remote talks to the history service: best-effort message
// persistence plus the login exchange. Failures here never alter local
// state; the live channel is the authoritative delivery path and this
// is an audit side-channel.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vkleist/chatbox/internal/auth"
)

// ErrRemoteWrite marks a failed best-effort history write. Logged by
// the caller, never retried, never shown to the user.
var ErrRemoteWrite = errors.New("remote write failed")

// Client is an HTTP client for the history service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client against baseURL (no trailing slash).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type recordRequest struct {
	Data recordData `json:"data"`
}

type recordData struct {
	User    string `json:"user"`
	Message string `json:"message"`
}

// Record writes one outbound message to the remote store, authenticated
// by the bearer token. The response body is not used to alter local
// state; any failure comes back as an ErrRemoteWrite-wrapped error.
func (c *Client) Record(ctx context.Context, username, text, token string) error {
	body, err := json.Marshal(recordRequest{Data: recordData{User: username, Message: text}})
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrRemoteWrite, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteWrite, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteWrite, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrRemoteWrite, resp.StatusCode)
	}
	return nil
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type loginResponse struct {
	JWT  string `json:"jwt"`
	User struct {
		Username string `json:"username"`
	} `json:"user"`
}

// Login exchanges user credentials for a session token. This plays the
// external login collaborator; the session core only ever reads the
// credential it produces.
func (c *Client) Login(ctx context.Context, identifier, password string) (*auth.Credential, error) {
	body, err := json.Marshal(loginRequest{Identifier: identifier, Password: password})
	if err != nil {
		return nil, fmt.Errorf("failed to encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/local", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("login rejected: status %d", resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("failed to parse login response: %w", err)
	}

	return &auth.Credential{Username: lr.User.Username, Token: lr.JWT}, nil
}
