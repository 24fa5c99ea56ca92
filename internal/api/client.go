// Package api is the request/response side of the chat server: history
// load, fallback message posts and ticket lookup.
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

	"github.com/johndosdos/ticketchat/internal/model"
	"github.com/johndosdos/ticketchat/internal/protocol"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("chat api: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the chat server's HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient returns a Client for baseURL. A nil httpClient gets a default
// with a 30s timeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

func ticketPath(ticketID model.ID, rest string) string {
	return "/tickets/" + url.PathEscape(string(ticketID)) + rest
}

// ListMessages returns the stored messages of a ticket, oldest first.
func (c *Client) ListMessages(ctx context.Context, ticketID model.ID) ([]model.Message, error) {
	var messages []model.Message
	if err := c.doRequest(ctx, http.MethodGet, ticketPath(ticketID, "/messages"), nil, &messages); err != nil {
		return nil, fmt.Errorf("list messages for ticket %s: %w", ticketID, err)
	}
	return messages, nil
}

// PostMessage persists msg and returns it with its server id and timestamp.
func (c *Client) PostMessage(ctx context.Context, ticketID model.ID, msg protocol.SendMessage) (model.Message, error) {
	var created model.Message
	if err := c.doRequest(ctx, http.MethodPost, ticketPath(ticketID, "/messages"), msg, &created); err != nil {
		return model.Message{}, fmt.Errorf("post message to ticket %s: %w", ticketID, err)
	}
	return created, nil
}

// GetTicket looks up the ticket identity used for a room's opening entry.
func (c *Client) GetTicket(ctx context.Context, ticketID model.ID) (model.Ticket, error) {
	var ticket model.Ticket
	if err := c.doRequest(ctx, http.MethodGet, ticketPath(ticketID, ""), nil, &ticket); err != nil {
		return model.Ticket{}, fmt.Errorf("get ticket %s: %w", ticketID, err)
	}
	return ticket, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		p, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		reader = bytes.NewReader(p)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}
	return nil
}
