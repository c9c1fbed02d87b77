// Package chatwoot is a client for the slice of the Chatwoot API the bridge
// needs: find-or-create a contact by email, find-or-create a conversation
// preferring the configured inbox, and create messages.
//
// Chatwoot wraps responses unpredictably (payload objects, payload lists,
// bare objects), so the client works with decoded JSON maps and normalizes
// the shapes it has seen in the wild.
package chatwoot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jltardim/chatwoot-linkedin/internal/httpclient"
)

// ErrEmptyContact is returned when contact creation succeeds but the
// response carries no contact payload.
var ErrEmptyContact = errors.New("chatwoot contact creation returned empty payload")

// ErrMissingSourceID is returned when a contact has no usable contact inbox
// to open a conversation through.
var ErrMissingSourceID = errors.New("missing source_id for contact")

// Client talks to the Chatwoot account API.
type Client struct {
	baseURL   string
	accountID string
	inboxID   string
	apiToken  string
	http      *httpclient.Retrier
}

// New creates a Client scoped to one account and preferred inbox.
func New(baseURL, accountID, inboxID, apiToken string, timeout time.Duration, retries int) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		accountID: accountID,
		inboxID:   inboxID,
		apiToken:  apiToken,
		http:      httpclient.NewRetrier(timeout, retries),
	}
}

func (c *Client) request(ctx context.Context, method, path string, body any, params url.Values) (any, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("api_access_token", c.apiToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &httpclient.StatusError{StatusCode: resp.StatusCode, URL: endpoint}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded, nil
}

func (c *Client) accountPath(suffix string) string {
	return fmt.Sprintf("/api/v1/accounts/%s%s", c.accountID, suffix)
}

// FilterContactByEmail looks up a contact through the contact filter API.
// Returns nil when no contact matches.
func (c *Client) FilterContactByEmail(ctx context.Context, email string) (map[string]any, error) {
	body := map[string]any{
		"payload": []any{
			map[string]any{
				"attribute_key":   "email",
				"filter_operator": "equal_to",
				"values":          []string{email},
			},
		},
	}
	data, err := c.request(ctx, http.MethodPost, c.accountPath("/contacts/filter"), body, nil)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	if top, ok := data.(map[string]any); ok {
		if contacts, ok := top["payload"].([]any); ok {
			if len(contacts) == 0 {
				return nil, nil
			}
			first, _ := contacts[0].(map[string]any)
			return first, nil
		}
	}
	return extractContact(data), nil
}

// CreateContact creates a contact carrying the provider chat id as a custom
// attribute, so the reverse direction can route helpdesk replies.
func (c *Client) CreateContact(ctx context.Context, name, email, chatID string) (map[string]any, error) {
	body := map[string]any{
		"inbox_id":          c.inboxID,
		"name":              name,
		"email":             email,
		"custom_attributes": map[string]any{"chat_id": chatID},
	}
	data, err := c.request(ctx, http.MethodPost, c.accountPath("/contacts"), body, nil)
	if err != nil {
		return nil, err
	}
	contact := extractContact(data)
	if contact == nil {
		return nil, ErrEmptyContact
	}
	return contact, nil
}

// ContactConversations lists the conversations attached to a contact.
func (c *Client) ContactConversations(ctx context.Context, contactID string) ([]map[string]any, error) {
	data, err := c.request(ctx, http.MethodGet, c.accountPath("/contacts/"+contactID+"/conversations"), nil, nil)
	if err != nil {
		return nil, err
	}

	var items any = data
	if top, ok := data.(map[string]any); ok {
		items = top["payload"]
	}
	list, ok := items.([]any)
	if !ok {
		return nil, nil
	}

	conversations := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if convo, ok := item.(map[string]any); ok {
			conversations = append(conversations, convo)
		}
	}
	return conversations, nil
}

// CreateConversation opens a conversation for a contact through a contact
// inbox source id.
func (c *Client) CreateConversation(ctx context.Context, contactID, sourceID string) (map[string]any, error) {
	body := map[string]any{
		"source_id":  sourceID,
		"inbox_id":   c.inboxID,
		"contact_id": contactID,
		"status":     "open",
	}
	data, err := c.request(ctx, http.MethodPost, c.accountPath("/conversations"), body, nil)
	if err != nil {
		return nil, err
	}
	convo, _ := data.(map[string]any)
	return convo, nil
}

// CreateMessage creates a message of the given type in a conversation.
func (c *Client) CreateMessage(ctx context.Context, conversationID, messageType, content string) (map[string]any, error) {
	body := map[string]any{
		"content":      content,
		"message_type": messageType,
	}
	data, err := c.request(ctx, http.MethodPost, c.accountPath("/conversations/"+conversationID+"/messages"), body, nil)
	if err != nil {
		return nil, err
	}
	msg, _ := data.(map[string]any)
	return msg, nil
}

// GetOrCreateContact finds a contact by email or creates one.
func (c *Client) GetOrCreateContact(ctx context.Context, name, email, chatID string) (map[string]any, error) {
	contact, err := c.FilterContactByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if contact != nil {
		return contact, nil
	}
	if name == "" {
		name = email
	}
	return c.CreateContact(ctx, name, email, chatID)
}

// GetOrCreateConversation returns an existing conversation for the contact,
// preferring one in the configured inbox, or opens a new one.
func (c *Client) GetOrCreateConversation(ctx context.Context, contact map[string]any) (map[string]any, error) {
	contactID := StringifyID(contact["id"])
	conversations, err := c.ContactConversations(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if convo := c.PickConversationByInbox(conversations); convo != nil {
		return convo, nil
	}

	sourceID := c.PickSourceID(contact)
	if sourceID == "" {
		return nil, ErrMissingSourceID
	}
	return c.CreateConversation(ctx, contactID, sourceID)
}

// PickSourceID selects the contact-inbox source id, preferring the
// configured inbox and falling back to the first inbox present.
func (c *Client) PickSourceID(contact map[string]any) string {
	inboxes, ok := contact["contact_inboxes"].([]any)
	if !ok {
		return ""
	}
	for _, item := range inboxes {
		inbox, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if StringifyID(inbox["inbox_id"]) == c.inboxID {
			if sourceID, ok := inbox["source_id"].(string); ok {
				return sourceID
			}
		}
	}
	for _, item := range inboxes {
		if inbox, ok := item.(map[string]any); ok {
			if sourceID, ok := inbox["source_id"].(string); ok {
				return sourceID
			}
		}
	}
	return ""
}

// PickConversationByInbox selects the conversation in the configured inbox,
// falling back to the first conversation.
func (c *Client) PickConversationByInbox(conversations []map[string]any) map[string]any {
	for _, convo := range conversations {
		if StringifyID(convo["inbox_id"]) == c.inboxID {
			return convo
		}
	}
	if len(conversations) > 0 {
		return conversations[0]
	}
	return nil
}

// extractContact digs the contact object out of the response shapes
// Chatwoot is known to produce.
func extractContact(data any) map[string]any {
	top, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	switch payload := top["payload"].(type) {
	case map[string]any:
		if contact, ok := payload["contact"].(map[string]any); ok {
			return contact
		}
	case []any:
		if len(payload) > 0 {
			if first, ok := payload[0].(map[string]any); ok {
				return first
			}
		}
		return nil
	}
	if contact, ok := top["contact"].(map[string]any); ok {
		return contact
	}
	return top
}

// StringifyID renders a decoded JSON identifier (string or number) as the
// string the API paths expect.
func StringifyID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}
