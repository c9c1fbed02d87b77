// Package dedupe detects echoes: inbound provider events that report a
// message this bridge itself relayed outward moments earlier.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Marker is the invisible sequence prefixed to every outbound message the
// bridge relays. LegacyMarker was used by earlier deployments; both must be
// recognized on inbound text so already-sent messages keep matching.
const (
	Marker       = "⁣⁣⁣"
	LegacyMarker = "​LI_ECHO​"
)

var markers = [...]string{LegacyMarker, Marker}

var spaceRE = regexp.MustCompile(`\s+`)

// StripMarkers removes every recognized marker sequence from text.
func StripMarkers(text string) string {
	if text == "" {
		return ""
	}
	cleaned := text
	for _, marker := range markers {
		cleaned = strings.ReplaceAll(cleaned, marker, "")
	}
	return cleaned
}

// HasMarker reports whether text carries any recognized marker sequence.
func HasMarker(text string) bool {
	if text == "" {
		return false
	}
	for _, marker := range markers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// NormalizeText prepares text for fingerprinting: markers stripped, runs of
// whitespace collapsed to a single space, surrounding whitespace trimmed.
// Both the outbound and inbound side must normalize identically or the gate
// silently fails to match.
func NormalizeText(text string) string {
	if text == "" {
		return ""
	}
	cleaned := StripMarkers(text)
	return spaceRE.ReplaceAllString(strings.TrimSpace(cleaned), " ")
}

// Fingerprint derives the dedupe key for a conversation and its normalized
// message text.
func Fingerprint(chatID, normalizedText string) string {
	digest := sha256.Sum256([]byte(normalizedText))
	return chatID + "|" + hex.EncodeToString(digest[:])
}

// Record is one fingerprint entry in the shared store. At most one live
// record exists per Key; expiry is enforced by query-time filtering, not by
// a background sweep.
type Record struct {
	Key            string
	ChatID         string
	NormalizedText string
	ExpiresAt      time.Time
}

// Store is the narrow contract the gate needs from the shared durable store.
type Store interface {
	// Upsert inserts a record or refreshes the expiry of an existing one.
	Upsert(ctx context.Context, rec Record) error
	// Exists reports whether a live (unexpired as of now) record is present.
	Exists(ctx context.Context, key string, now time.Time) (bool, error)
}

// Gate decides whether an inbound self-authored message is an echo of a
// message this bridge sent outward. A nil store disables the gate: nothing
// registers and nothing matches, so traffic always flows.
type Gate struct {
	store Store
	now   func() time.Time
}

// NewGate creates a Gate over the given store. store may be nil.
func NewGate(store Store) *Gate {
	return &Gate{store: store, now: time.Now}
}

// RegisterOutbound records the fingerprint of a just-relayed outbound
// message with expiry now+ttl. Empty normalized text never produces a key.
// A returned error only means one future duplicate may slip through; the
// caller logs it and continues.
func (g *Gate) RegisterOutbound(ctx context.Context, chatID, normalizedText string, ttl time.Duration) error {
	if g.store == nil || normalizedText == "" {
		return nil
	}
	rec := Record{
		Key:            Fingerprint(chatID, normalizedText),
		ChatID:         chatID,
		NormalizedText: normalizedText,
		ExpiresAt:      g.now().UTC().Add(ttl),
	}
	if err := g.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("dedupe register: %w", err)
	}
	return nil
}

// IsEcho reports whether a live record exists for the message fingerprint.
// On store failure it returns false alongside the error: the caller fails
// open rather than blocking legitimate traffic.
func (g *Gate) IsEcho(ctx context.Context, chatID, normalizedText string) (bool, error) {
	if g.store == nil || normalizedText == "" {
		return false, nil
	}
	key := Fingerprint(chatID, normalizedText)
	echo, err := g.store.Exists(ctx, key, g.now().UTC())
	if err != nil {
		return false, fmt.Errorf("dedupe check: %w", err)
	}
	return echo, nil
}
