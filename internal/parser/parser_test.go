package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrictJSON(t *testing.T) {
	body := `{
		"event": "message_received",
		"timestamp": "2024-05-01T10:00:00Z",
		"chat_id": "chat-1",
		"message": "hello\nthere \"friend\"",
		"is_sender": false,
		"message_id": "m-1",
		"provider_message_id": "pm-1",
		"attendees": [{"attendee_id": "a-1", "attendee_name": "Ada"}]
	}`

	event := Parse([]byte(body), "application/json")

	assert.Equal(t, ParseModeStrictJSON, event.ParseMode)
	require.NotNil(t, event.ChatID)
	assert.Equal(t, "chat-1", *event.ChatID)
	require.NotNil(t, event.Message)
	assert.Equal(t, "hello\nthere \"friend\"", *event.Message)
	require.NotNil(t, event.IsSender)
	assert.False(t, *event.IsSender)
	require.NotNil(t, event.AttendeeID)
	assert.Equal(t, "a-1", *event.AttendeeID)
	require.NotNil(t, event.AttendeeName)
	assert.Equal(t, "Ada", *event.AttendeeName)
	require.NotNil(t, event.MessageID)
	assert.Equal(t, "m-1", *event.MessageID)
	require.NotNil(t, event.ProviderMessageID)
	assert.Equal(t, "pm-1", *event.ProviderMessageID)
	require.NotNil(t, event.Event)
	assert.Equal(t, "message_received", *event.Event)
	require.NotNil(t, event.Timestamp)
	assert.Equal(t, "2024-05-01T10:00:00Z", *event.Timestamp)
}

func TestParseDataEnvelope(t *testing.T) {
	body := `{
		"event": "message_received",
		"timestamp": "2024-05-01T10:00:00Z",
		"data": {"chat_id": "chat-2", "is_sender": true, "message": "hi"}
	}`

	event := Parse([]byte(body), "application/json")

	assert.Equal(t, ParseModeStrictJSON, event.ParseMode)
	require.NotNil(t, event.ChatID)
	assert.Equal(t, "chat-2", *event.ChatID)
	require.NotNil(t, event.IsSender)
	assert.True(t, *event.IsSender)
	// The working payload has no timestamp; the top level supplies it.
	require.NotNil(t, event.Timestamp)
	assert.Equal(t, "2024-05-01T10:00:00Z", *event.Timestamp)
	require.NotNil(t, event.Event)
	assert.Equal(t, "message_received", *event.Event)
}

func TestParseDoubleEncoded(t *testing.T) {
	body := `"{\"chat_id\":\"chat-3\",\"is_sender\":true,\"message\":\"hey\"}"`

	event := Parse([]byte(body), "application/json")

	require.NotNil(t, event.ChatID)
	assert.Equal(t, "chat-3", *event.ChatID)
	require.NotNil(t, event.IsSender)
	assert.True(t, *event.IsSender)
	require.NotNil(t, event.Message)
	assert.Equal(t, "hey", *event.Message)
	assert.Contains(t, []ParseMode{ParseModeStrictJSON, ParseModeRepairedJSON}, event.ParseMode)
}

func TestParseWrappedObjectArtifact(t *testing.T) {
	// The `{"{ ... }"}` shape left behind by the provider re-encoding an
	// already-encoded document.
	body := `{"{\"chat_id\":\"chat-4\",\"is_sender\":false}"}`

	event := Parse([]byte(body), "application/json")

	require.NotNil(t, event.ChatID)
	assert.Equal(t, "chat-4", *event.ChatID)
	require.NotNil(t, event.IsSender)
	assert.False(t, *event.IsSender)
}

func TestParseFormEncodedCandidate(t *testing.T) {
	payload := `{"chat_id":"chat-5","is_sender":true}`
	body := "payload=" + strings.ReplaceAll(payload, `"`, "%22")

	event := Parse([]byte(body), "application/x-www-form-urlencoded")

	require.NotNil(t, event.ChatID)
	assert.Equal(t, "chat-5", *event.ChatID)
}

func TestParseJSONInFormKey(t *testing.T) {
	// The whole document lands in the field *name* with an empty value.
	body := `{"chat_id":"chat-6","is_sender":false}=`

	event := Parse([]byte(body), "application/x-www-form-urlencoded")

	require.NotNil(t, event.ChatID)
	assert.Equal(t, "chat-6", *event.ChatID)
}

func TestParseRepairedChatIDSplit(t *testing.T) {
	// Observed provider bug: the chat identifier value split across two
	// adjacent quoted segments.
	body := `{"provider_chat_id":"abc":"def","chat_id":"chat-7","is_sender":false,"x":1}`

	event := Parse([]byte(body), "application/json")

	assert.Equal(t, ParseModeRepairedJSON, event.ParseMode)
	require.NotNil(t, event.ChatID)
	assert.Equal(t, "chat-7", *event.ChatID)
	raw, ok := event.Raw.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "abcdef", raw["provider_chat_id"])
}

func TestParseRepairedOccupationSplit(t *testing.T) {
	body := `{"occupation":"Chief":"","Officer","chat_id":"chat-8","is_sender":true,"x":1}`

	event := Parse([]byte(body), "application/json")

	assert.Equal(t, ParseModeRepairedJSON, event.ParseMode)
	raw, ok := event.Raw.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ChiefOfficer", raw["occupation"])
}

func TestParseGarbageFallsBack(t *testing.T) {
	event := Parse([]byte("not json at all"), "text/plain")

	assert.Equal(t, ParseModeRegexFallback, event.ParseMode)
	assert.Nil(t, event.ChatID)
	assert.Nil(t, event.Message)
	assert.Nil(t, event.IsSender)
	assert.Nil(t, event.AttendeeID)
	assert.Nil(t, event.AttendeeName)
	assert.Nil(t, event.MessageID)
	assert.Nil(t, event.ProviderMessageID)
	assert.Nil(t, event.Event)
	assert.Nil(t, event.Timestamp)
	assert.Equal(t, "not json at all", event.Raw)
}

func TestParseRegexFallbackRecoversFields(t *testing.T) {
	// Structurally broken JSON the repair rules do not cover; individual
	// fields are still recoverable.
	body := `garbage "chat_id": "chat-9" more garbage "is_sender": true,
		"message": "line1\nline2" trailing`

	event := Parse([]byte(body), "application/json")

	assert.Equal(t, ParseModeRegexFallback, event.ParseMode)
	require.NotNil(t, event.ChatID)
	assert.Equal(t, "chat-9", *event.ChatID)
	require.NotNil(t, event.IsSender)
	assert.True(t, *event.IsSender)
	require.NotNil(t, event.Message)
	assert.Equal(t, "line1\nline2", *event.Message)
}

func TestParseRegexFallbackBoolVariants(t *testing.T) {
	tests := []struct {
		name string
		body string
		want *bool
	}{
		{"true literal", `x "is_sender": true x`, boolPtr(true)},
		{"false literal", `x "is_sender": false x`, boolPtr(false)},
		{"numeric one", `x "is_sender": 1 x`, boolPtr(true)},
		{"numeric zero", `x "is_sender": 0 x`, boolPtr(false)},
		{"absent", `x nothing here x`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := Parse([]byte(tt.body), "")
			if tt.want == nil {
				assert.Nil(t, event.IsSender)
				return
			}
			require.NotNil(t, event.IsSender)
			assert.Equal(t, *tt.want, *event.IsSender)
		})
	}
}

func TestParseEmptyBody(t *testing.T) {
	for _, body := range [][]byte{nil, {}, []byte("   \n\t  ")} {
		event := Parse(body, "")
		assert.Equal(t, ParseModeRegexFallback, event.ParseMode)
		assert.Nil(t, event.ChatID)
	}
}

func TestParseInvalidUTF8NeverPanics(t *testing.T) {
	event := Parse([]byte{0xff, 0xfe, '{', 0x80}, "")
	assert.Equal(t, ParseModeRegexFallback, event.ParseMode)
}

func TestParseRawTruncatedOnFallback(t *testing.T) {
	long := strings.Repeat("x", 5000)
	event := Parse([]byte(long), "")

	raw, ok := event.Raw.(string)
	require.True(t, ok)
	assert.Len(t, raw, maxRawFallback)
}

func TestCoerceBool(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  *bool
	}{
		{"native true", true, boolPtr(true)},
		{"native false", false, boolPtr(false)},
		{"number nonzero", float64(2), boolPtr(true)},
		{"number zero", float64(0), boolPtr(false)},
		{"string true", "true", boolPtr(true)},
		{"string yes", " YES ", boolPtr(true)},
		{"string one", "1", boolPtr(true)},
		{"string false", "false", boolPtr(false)},
		{"string no", "no", boolPtr(false)},
		{"string zero", "0", boolPtr(false)},
		{"unrecognized string", "maybe", nil},
		{"nil", nil, nil},
		{"object", map[string]any{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := coerceBool(tt.value)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func TestUnwrapBodyString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain object untouched", `{"a":1}`, `{"a":1}`},
		{"surrounding quotes stripped", `"{\"a\":1}"`, `{"a":1}`},
		{"escaped quotes unescaped", `{\"a\":\"b\"}`, `{"a":"b"}`},
		{"wrapped artifact collapsed", `{"{\"a\":1}"}`, `{"a":1}`},
		{"whitespace trimmed", "  {\"a\":1}  ", `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, unwrapBodyString(tt.in))
		})
	}
}

func boolPtr(b bool) *bool { return &b }
