// Package gateway is the REST client for the external agent service: chat
// invocation, knowledge-base file ingestion, and out-of-band interrupts.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 120 * time.Second

// HistoryEntry is one prior exchange passed as chat context.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the agent's answer plus its reasoning log.
type ChatResponse struct {
	Answer string   `json:"answer"`
	Log    []string `json:"log,omitempty"`
}

// UploadResponse reports the ingestion outcome.
type UploadResponse struct {
	Status string `json:"status"`
}

// Client calls the agent REST endpoints. The zero value is not usable; use
// NewClient.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a gateway client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Chat submits a message with history and returns the agent's answer.
func (c *Client) Chat(ctx context.Context, message string, history []HistoryEntry) (*ChatResponse, error) {
	body, err := json.Marshal(map[string]interface{}{
		"message": message,
		"history": history,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out ChatResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload sends a file for knowledge-base ingestion.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (*UploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create multipart field: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("copy upload body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out UploadResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Interrupt signals the agent to stop processing a proposal.
func (c *Client) Interrupt(ctx context.Context, proposalID string) error {
	url := fmt.Sprintf("%s/api/proposal/%s/interrupt", c.baseURL, proposalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build interrupt request: %w", err)
	}
	return c.do(req, nil)
}

// do executes the request and decodes the JSON response into out when it is
// non-nil. Non-2xx responses decode the service's {error} payload.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent service request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("agent service: %s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("agent service: unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode agent response: %w", err)
	}
	return nil
}
