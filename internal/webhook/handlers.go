// Package webhook implements the two inbound webhook endpoints and the
// per-event decision flow between them.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jltardim/chatwoot-linkedin/internal/chatwoot"
	"github.com/jltardim/chatwoot-linkedin/internal/dedupe"
	"github.com/jltardim/chatwoot-linkedin/internal/eventlog"
	"github.com/jltardim/chatwoot-linkedin/internal/parser"
)

// Decision statuses returned in webhook acknowledgments. The caller always
// receives a success-shaped acknowledgment carrying one of these, except for
// secret mismatches and structurally invalid helpdesk payloads.
const (
	StatusIgnored         = "ignored"
	StatusIgnoredMarker   = "ignored_marker"
	StatusMissingChatID   = "missing_chat_id"
	StatusMissingIsSender = "missing_is_sender"
	StatusBlockedEcho     = "blocked_echo"
	StatusCreatedIncoming = "created_incoming"
	StatusCreatedOutgoing = "created_outgoing"
	StatusSent            = "sent"
	StatusError           = "error"
)

// Event log sources.
const (
	sourceChatwoot = "chatwoot"
	sourceUnipile  = "unipile"
)

// maxLoggedBody bounds raw bodies kept on audit entries for unparsable
// helpdesk payloads.
const maxLoggedBody = 1000

// Helpdesk is the slice of the Chatwoot API the handlers need.
type Helpdesk interface {
	GetOrCreateContact(ctx context.Context, name, email, chatID string) (map[string]any, error)
	GetOrCreateConversation(ctx context.Context, contact map[string]any) (map[string]any, error)
	CreateMessage(ctx context.Context, conversationID, messageType, content string) (map[string]any, error)
}

// Provider sends messages outward through the messaging provider.
type Provider interface {
	SendMessage(ctx context.Context, chatID, text string) (map[string]any, error)
}

// EchoGate is the echo-suppression contract from internal/dedupe.
type EchoGate interface {
	RegisterOutbound(ctx context.Context, chatID, normalizedText string, ttl time.Duration) error
	IsEcho(ctx context.Context, chatID, normalizedText string) (bool, error)
}

// Handler serves both webhook endpoints.
type Handler struct {
	Helpdesk  Helpdesk
	Provider  Provider
	Gate      EchoGate
	Events    *eventlog.Logger
	Secret    string
	DedupeTTL time.Duration
}

// NewHandler wires a Handler from its collaborators.
func NewHandler(helpdesk Helpdesk, provider Provider, gate EchoGate, events *eventlog.Logger, secret string, dedupeTTL time.Duration) *Handler {
	return &Handler{
		Helpdesk:  helpdesk,
		Provider:  provider,
		Gate:      gate,
		Events:    events,
		Secret:    secret,
		DedupeTTL: dedupeTTL,
	}
}

// HandleChatwoot processes message-created events from the helpdesk and
// relays outgoing agent messages to the provider.
func (h *Handler) HandleChatwoot(w http.ResponseWriter, r *http.Request) {
	if !VerifySecret(r, h.Secret) {
		sendJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid webhook secret"})
		return
	}
	signature := r.Header.Get(SignatureHeader)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		body = nil
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		h.Events.Log(r.Context(), sourceChatwoot, StatusError, map[string]any{
			"error":     fmt.Sprintf("invalid_json: %v", err),
			"payload":   truncate(string(body), maxLoggedBody),
			"signature": signature,
		})
		sendJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	event, _ := payload["event"].(string)
	messageType, _ := payload["message_type"].(string)
	content, _ := payload["content"].(string)

	if event != "message_created" || messageType != "outgoing" {
		h.Events.Log(r.Context(), sourceChatwoot, StatusIgnored, map[string]any{
			"payload":   payload,
			"signature": signature,
		})
		ack(w, StatusIgnored)
		return
	}

	// A marker means this "outgoing" message is one the bridge itself
	// mirrored into the helpdesk; relaying it again would loop.
	if dedupe.HasMarker(content) {
		h.Events.Log(r.Context(), sourceChatwoot, StatusIgnoredMarker, map[string]any{
			"payload":   payload,
			"signature": signature,
		})
		ack(w, StatusIgnoredMarker)
		return
	}

	chatID := senderChatID(payload)
	if chatID == "" {
		h.Events.Log(r.Context(), sourceChatwoot, StatusMissingChatID, map[string]any{
			"error":     "missing_chat_id",
			"payload":   payload,
			"signature": signature,
		})
		ack(w, StatusMissingChatID)
		return
	}

	normalizedText := dedupe.NormalizeText(content)
	dedupeKey := ""
	if normalizedText != "" {
		dedupeKey = dedupe.Fingerprint(chatID, normalizedText)
	}

	// Register before sending: the provider's echo webhook can arrive
	// before SendMessage even returns. A failed registration only risks
	// one duplicate, so the relay proceeds regardless.
	if err := h.Gate.RegisterOutbound(r.Context(), chatID, normalizedText, h.DedupeTTL); err != nil {
		h.Events.Log(r.Context(), sourceChatwoot, StatusError, map[string]any{
			"error":           fmt.Sprintf("dedupe_upsert_failed: %v", err),
			"chat_id":         chatID,
			"dedupe_key":      dedupeKey,
			"normalized_text": normalizedText,
			"payload":         payload,
			"signature":       signature,
		})
	}

	response, err := h.Provider.SendMessage(r.Context(), chatID, dedupe.StripMarkers(content))
	if err != nil {
		h.Events.Log(r.Context(), sourceChatwoot, StatusError, map[string]any{
			"error":           fmt.Sprintf("unipile_send_failed: %v", err),
			"chat_id":         chatID,
			"dedupe_key":      dedupeKey,
			"normalized_text": normalizedText,
			"payload":         payload,
			"signature":       signature,
		})
		ack(w, StatusError)
		return
	}

	h.Events.Log(r.Context(), sourceChatwoot, StatusSent, map[string]any{
		"chat_id":         chatID,
		"dedupe_key":      dedupeKey,
		"normalized_text": normalizedText,
		"payload":         payload,
		"signature":       signature,
		"response":        response,
	})
	ack(w, StatusSent)
}

// HandleUnipile processes provider-reported events: messages from the
// remote counterparty, and echoes of the bridge's own outbound messages.
func (h *Handler) HandleUnipile(w http.ResponseWriter, r *http.Request) {
	if !VerifySecret(r, h.Secret) {
		sendJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid webhook secret"})
		return
	}
	signature := r.Header.Get(SignatureHeader)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		body = nil
	}
	parsed := parser.Parse(body, r.Header.Get("Content-Type"))

	base := map[string]any{
		"payload":    parsed.Raw,
		"signature":  signature,
		"parse_mode": string(parsed.ParseMode),
	}

	if parsed.ChatID == nil || *parsed.ChatID == "" {
		h.Events.Log(r.Context(), sourceUnipile, StatusMissingChatID, withFields(base, map[string]any{
			"error": "missing_chat_id",
		}))
		ack(w, StatusMissingChatID)
		return
	}
	chatID := *parsed.ChatID
	base["chat_id"] = chatID

	if parsed.IsSender == nil {
		h.Events.Log(r.Context(), sourceUnipile, StatusMissingIsSender, withFields(base, map[string]any{
			"error": "missing_is_sender",
		}))
		ack(w, StatusMissingIsSender)
		return
	}
	isSender := *parsed.IsSender

	message := ""
	if parsed.Message != nil {
		message = *parsed.Message
	}

	normalizedText := dedupe.NormalizeText(message)
	dedupeKey := ""
	if normalizedText != "" {
		dedupeKey = dedupe.Fingerprint(chatID, normalizedText)
	}

	if isSender {
		base["dedupe_key"] = dedupeKey
		base["normalized_text"] = normalizedText

		echo, err := h.Gate.IsEcho(r.Context(), chatID, normalizedText)
		if err != nil {
			// Fail open: an occasional duplicate beats a dropped message.
			echo = false
			h.Events.Log(r.Context(), sourceUnipile, StatusError, withFields(base, map[string]any{
				"error": fmt.Sprintf("dedupe_check_failed: %v", err),
			}))
		}
		if echo {
			h.Events.Log(r.Context(), sourceUnipile, StatusBlockedEcho, base)
			ack(w, StatusBlockedEcho)
			return
		}
	}

	attendeeID := chatID
	if parsed.AttendeeID != nil && *parsed.AttendeeID != "" {
		attendeeID = *parsed.AttendeeID
	}
	attendeeName := attendeeID
	if parsed.AttendeeName != nil && *parsed.AttendeeName != "" {
		attendeeName = *parsed.AttendeeName
	}
	// Chatwoot requires an email identity; the provider never exposes one,
	// so the attendee id is wrapped into a synthetic address.
	email := attendeeID + "@gmail.com"

	contact, err := h.Helpdesk.GetOrCreateContact(r.Context(), attendeeName, email, chatID)
	var conversation map[string]any
	if err == nil {
		conversation, err = h.Helpdesk.GetOrCreateConversation(r.Context(), contact)
	}
	if err != nil {
		h.Events.Log(r.Context(), sourceUnipile, StatusError, withFields(base, map[string]any{
			"error": fmt.Sprintf("chatwoot_contact_failed: %v", err),
		}))
		ack(w, StatusError)
		return
	}
	conversationID := chatwoot.StringifyID(conversation["id"])

	if !isSender {
		response, err := h.Helpdesk.CreateMessage(r.Context(), conversationID, "incoming", message)
		if err != nil {
			h.Events.Log(r.Context(), sourceUnipile, StatusError, withFields(base, map[string]any{
				"error": fmt.Sprintf("chatwoot_incoming_failed: %v", err),
			}))
			ack(w, StatusError)
			return
		}
		h.Events.Log(r.Context(), sourceUnipile, StatusCreatedIncoming, withFields(base, map[string]any{
			"is_sender":           isSender,
			"message_id":          strOrNil(parsed.MessageID),
			"provider_message_id": strOrNil(parsed.ProviderMessageID),
			"response":            response,
		}))
		ack(w, StatusCreatedIncoming)
		return
	}

	// Self-authored but not an echo the gate knows about: mirror it into
	// the helpdesk as an outgoing entry, marker re-applied so the helpdesk
	// webhook ignores it on the way back.
	outgoing := dedupe.Marker + dedupe.StripMarkers(message)
	response, err := h.Helpdesk.CreateMessage(r.Context(), conversationID, "outgoing", outgoing)
	if err != nil {
		h.Events.Log(r.Context(), sourceUnipile, StatusError, withFields(base, map[string]any{
			"error": fmt.Sprintf("chatwoot_outgoing_failed: %v", err),
		}))
		ack(w, StatusError)
		return
	}
	h.Events.Log(r.Context(), sourceUnipile, StatusCreatedOutgoing, withFields(base, map[string]any{
		"is_sender":           isSender,
		"message_id":          strOrNil(parsed.MessageID),
		"provider_message_id": strOrNil(parsed.ProviderMessageID),
		"response":            response,
	}))
	ack(w, StatusCreatedOutgoing)
}

// senderChatID digs the provider chat id out of the conversation sender's
// custom attributes.
func senderChatID(payload map[string]any) string {
	conversation, _ := payload["conversation"].(map[string]any)
	meta, _ := conversation["meta"].(map[string]any)
	sender, _ := meta["sender"].(map[string]any)
	attrs, _ := sender["custom_attributes"].(map[string]any)
	return chatwoot.StringifyID(attrs["chat_id"])
}

func withFields(base, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func strOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func ack(w http.ResponseWriter, status string) {
	sendJSON(w, http.StatusOK, map[string]string{"status": status})
}

func sendJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
