package api

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
)

// StatusError is returned for any non-2xx reply.
type StatusError struct {
	Status int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("admin api: %s", http.StatusText(e.Status))
	}
	return fmt.Sprintf("admin api: %s (%d)", e.Reason, e.Status)
}

// Client talks to the /admin endpoints of a running chat server.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient returns a client for the server at baseURL (for example
// "http://127.0.0.1:9998") authenticating with token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Users lists every registered account.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var out []User
	err := c.do(ctx, http.MethodGet, "/admin/users", nil, &out)
	return out, err
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, username, password string) error {
	return c.do(ctx, http.MethodPost, "/admin/users", Credentials{Username: username, Password: password}, nil)
}

// Online lists the connected usernames in login order.
func (c *Client) Online(ctx context.Context) ([]string, error) {
	var out Online
	err := c.do(ctx, http.MethodGet, "/admin/online", nil, &out)
	return out.Users, err
}

// Ban bans username and disconnects it if online.
func (c *Client) Ban(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodPost, "/admin/users/"+url.PathEscape(username)+"/ban", nil, nil)
}

// Unban clears the ban flag on username.
func (c *Client) Unban(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodPost, "/admin/users/"+url.PathEscape(username)+"/unban", nil, nil)
}

// Kick disconnects username. An empty reason uses the server default.
func (c *Client) Kick(ctx context.Context, username, reason string) error {
	path := "/admin/users/" + url.PathEscape(username) + "/kick"
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Announce broadcasts a system notice to every online user.
func (c *Client) Announce(ctx context.Context, text string) (AnnounceResult, error) {
	var out AnnounceResult
	err := c.do(ctx, http.MethodPost, "/admin/announce", Announcement{Text: text}, &out)
	return out, err
}

// History returns the stored messages. With a username it returns only
// that user's conversation.
func (c *Client) History(ctx context.Context, username string) ([]Message, error) {
	path := "/admin/history"
	if username != "" {
		path += "?user=" + url.QueryEscape(username)
	}
	var out []Message
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
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
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr Error
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return &StatusError{Status: resp.StatusCode, Reason: apiErr.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s reply: %w", path, err)
	}
	return nil
}
