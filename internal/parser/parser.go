// Package parser recovers structured events from Unipile webhook bodies.
//
// The provider's transport is known to double-JSON-encode payloads, wrap JSON
// inside form-encoded field names, and splice specific string values during
// its own escaping. Parsing therefore runs as a layered chain: strict JSON,
// then targeted repairs for the observed corruption patterns, then regex
// extraction. The chain never fails; a field the parser could not recover is
// simply absent.
package parser

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
)

// ParseMode records which recovery tier produced an Event.
type ParseMode string

const (
	ParseModeStrictJSON    ParseMode = "strict_json"
	ParseModeRepairedJSON  ParseMode = "repaired_json"
	ParseModeRegexFallback ParseMode = "regex_fallback"
)

// maxRawFallback bounds the raw audit snippet kept on regex-fallback events.
const maxRawFallback = 1000

// Event is the normalized result of one inbound webhook call. Pointer fields
// are nil when the value could not be recovered from the body.
type Event struct {
	ChatID            *string   `json:"chat_id,omitempty"`
	Message           *string   `json:"message,omitempty"`
	IsSender          *bool     `json:"is_sender,omitempty"`
	AttendeeName      *string   `json:"attendee_name,omitempty"`
	AttendeeID        *string   `json:"attendee_id,omitempty"`
	MessageID         *string   `json:"message_id,omitempty"`
	ProviderMessageID *string   `json:"provider_message_id,omitempty"`
	Event             *string   `json:"event,omitempty"`
	Timestamp         *string   `json:"timestamp,omitempty"`
	ParseMode         ParseMode `json:"parse_mode"`

	// Raw holds the parsed structure, or a truncated copy of the body for
	// regex-fallback events. Audit logging only, never routing logic.
	Raw any `json:"raw,omitempty"`
}

var (
	leadingWrapRE  = regexp.MustCompile(`^\s*\{\s*"\{`)
	trailingWrapRE = regexp.MustCompile(`\}"\s*\}\s*$`)

	// Observed upstream corruption: the provider occasionally splits a chat
	// identifier value into two adjacent quoted segments, and splits an
	// occupation value with an empty segment in between. Each repair is kept
	// as its own rule so new patterns can be added without touching these.
	chatIDSplitRE     = regexp.MustCompile(`"provider_chat_id"\s*:\s*"([^"]+)"\s*:\s*"([^"]*)"\s*,`)
	occupationSplitRE = regexp.MustCompile(`"occupation"\s*:\s*"([^"]*?)"\s*:\s*""\s*,\s*"([^"]*?)"\s*,`)
)

// Parse turns a raw webhook body into an Event. It never fails: if every
// recovery tier comes up empty the result is an all-absent Event with
// ParseModeRegexFallback set.
func Parse(body []byte, contentType string) Event {
	raw := strings.TrimSpace(strings.ToValidUTF8(string(body), "�"))

	candidates := make([]string, 0, 4)
	if raw != "" {
		candidates = append(candidates, raw)
		// Providers sometimes stuff the JSON document into a form field name
		// or value. Any pair member that looks like an object is a candidate.
		for _, pair := range parseFormPairs(raw) {
			if strings.HasPrefix(pair, "{") {
				candidates = append(candidates, pair)
			}
		}
	}

	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		if _, dup := seen[candidate]; dup {
			continue
		}
		seen[candidate] = struct{}{}

		unwrapped := unwrapBodyString(candidate)
		parsed, mode := parseWithRepairs(unwrapped)
		if top, ok := parsed.(map[string]any); ok {
			return extractFromParsed(top, mode)
		}
	}

	return fallbackExtract(raw)
}

// parseWithRepairs attempts a strict JSON parse, then re-attempts after
// applying the known-corruption repairs. A nil result means both failed.
func parseWithRepairs(s string) (any, ParseMode) {
	if parsed, ok := safeJSONParse(s); ok {
		return parsed, ParseModeStrictJSON
	}
	if parsed, ok := safeJSONParse(fixKnownBreaks(s)); ok {
		return parsed, ParseModeRepairedJSON
	}
	return nil, ""
}

// unwrapBodyString collapses one level of string-wrapping: surrounding
// quotes, the `{"{ ... }"}` double-encoding artifact, and escaped quotes.
func unwrapBodyString(raw string) string {
	out := strings.TrimSpace(raw)
	if len(out) >= 2 && strings.HasPrefix(out, `"`) && strings.HasSuffix(out, `"`) {
		out = out[1 : len(out)-1]
	}
	out = leadingWrapRE.ReplaceAllString(out, "{")
	out = trailingWrapRE.ReplaceAllString(out, "}")
	out = strings.ReplaceAll(out, `\"`, `"`)
	return strings.TrimSpace(out)
}

func fixKnownBreaks(raw string) string {
	s := chatIDSplitRE.ReplaceAllString(raw, `"provider_chat_id":"$1$2",`)
	s = occupationSplitRE.ReplaceAllString(s, `"occupation":"$1$2",`)
	return s
}

func safeJSONParse(raw string) (any, bool) {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

// parseFormPairs splits a key=value&key=value body into decoded keys and
// values, preserving order and blank values. Bodies that are not
// form-encoded simply yield fragments that never start with "{".
func parseFormPairs(raw string) []string {
	pairs := make([]string, 0, 4)
	for _, segment := range strings.Split(raw, "&") {
		if segment == "" {
			continue
		}
		key, value, _ := strings.Cut(segment, "=")
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		pairs = append(pairs, strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return pairs
}

// extractFromParsed pulls known fields out of a successfully parsed
// structure. The working payload is the nested "data" object when present.
func extractFromParsed(parsed map[string]any, mode ParseMode) Event {
	payload := parsed
	if data, ok := parsed["data"].(map[string]any); ok {
		payload = data
	}

	event := Event{
		ChatID:            stringField(payload, "chat_id"),
		IsSender:          coerceBool(payload["is_sender"]),
		MessageID:         stringField(payload, "message_id"),
		ProviderMessageID: stringField(payload, "provider_message_id"),
		Event:             stringField(parsed, "event"),
		ParseMode:         mode,
		Raw:               parsed,
	}

	if message := stringField(payload, "message"); message != nil {
		unescaped := unescapeMessage(*message)
		event.Message = &unescaped
	}

	if attendees, ok := payload["attendees"].([]any); ok && len(attendees) > 0 {
		if attendee, ok := attendees[0].(map[string]any); ok {
			event.AttendeeName = stringField(attendee, "attendee_name")
			event.AttendeeID = stringField(attendee, "attendee_id")
		}
	}

	event.Timestamp = stringField(payload, "timestamp")
	if event.Timestamp == nil {
		event.Timestamp = stringField(parsed, "timestamp")
	}

	return event
}

// fallbackExtract is the terminal tier: independent regex searches against
// the raw body for each known field.
func fallbackExtract(raw string) Event {
	event := Event{
		ChatID:            regexPick(raw, "chat_id"),
		IsSender:          regexPickBool(raw, "is_sender"),
		AttendeeName:      regexPick(raw, "attendee_name"),
		AttendeeID:        regexPick(raw, "attendee_id"),
		MessageID:         regexPick(raw, "message_id"),
		ProviderMessageID: regexPick(raw, "provider_message_id"),
		Event:             regexPick(raw, "event"),
		Timestamp:         regexPick(raw, "timestamp"),
		ParseMode:         ParseModeRegexFallback,
		Raw:               truncate(raw, maxRawFallback),
	}

	if message := regexPick(raw, "message"); message != nil {
		unescaped := unescapeMessage(*message)
		event.Message = &unescaped
	}

	return event
}

func regexPick(raw, key string) *string {
	re := regexp.MustCompile(`(?i)"` + regexp.QuoteMeta(key) + `"\s*:\s*"([^"]*)"`)
	match := re.FindStringSubmatch(raw)
	if match == nil {
		return nil
	}
	return &match[1]
}

func regexPickBool(raw, key string) *bool {
	re := regexp.MustCompile(`(?i)"` + regexp.QuoteMeta(key) + `"\s*:\s*(true|false|1|0)`)
	match := re.FindStringSubmatch(raw)
	if match == nil {
		return nil
	}
	value := strings.ToLower(match[1]) == "true" || match[1] == "1"
	return &value
}

// unescapeMessage converts literal backslash-n sequences to newlines and
// unescapes embedded quotes left behind by the provider's double encoding.
func unescapeMessage(value string) string {
	return strings.ReplaceAll(strings.ReplaceAll(value, `\n`, "\n"), `\"`, `"`)
}

func coerceBool(value any) *bool {
	switch v := value.(type) {
	case bool:
		return &v
	case float64:
		b := v != 0
		return &b
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			b := true
			return &b
		case "false", "0", "no":
			b := false
			return &b
		}
	}
	return nil
}

func stringField(m map[string]any, key string) *string {
	if s, ok := m[key].(string); ok {
		return &s
	}
	return nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
