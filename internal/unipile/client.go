// Package unipile is a minimal client for the Unipile messaging API: the
// bridge only ever sends a text message to a chat.
package unipile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jltardim/chatwoot-linkedin/internal/httpclient"
)

// Client talks to the Unipile messaging API.
type Client struct {
	baseURL string
	apiKey  string
	http    *httpclient.Retrier
}

// New creates a Client. baseURL is the API root, e.g.
// https://api26.unipile.com:15609/api/v1.
func New(baseURL, apiKey string, timeout time.Duration, retries int) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpclient.NewRetrier(timeout, retries),
	}
}

// SendMessage posts text to the given chat. The API takes the message as a
// multipart form field named "text". Returns the decoded response body, or
// nil for an empty response.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (map[string]any, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("text", text); err != nil {
		return nil, fmt.Errorf("build message form: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("build message form: %w", err)
	}

	endpoint := fmt.Sprintf("%s/chats/%s/messages", c.baseURL, url.PathEscape(chatID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("build message request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send message to chat %s: %w", chatID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &httpclient.StatusError{StatusCode: resp.StatusCode, URL: endpoint}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read message response: %w", err)
	}
	if len(body) == 0 {
		return nil, nil
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode message response: %w", err)
	}
	return decoded, nil
}
