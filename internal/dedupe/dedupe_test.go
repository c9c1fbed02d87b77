package dedupe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hello world", "Hello world"},
		{"collapses whitespace runs", "Hello   world", "Hello world"},
		{"trims", "  Hello world \n", "Hello world"},
		{"strips current marker", "Hello world⁣⁣⁣", "Hello world"},
		{"strips legacy marker", "​LI_ECHO​Hello world", "Hello world"},
		{"strips both markers", Marker + "Hello " + LegacyMarker + " world", "Hello world"},
		{"marker only", Marker, ""},
		{"empty", "", ""},
		{"tabs and newlines", "a\t\tb\n\nc", "a b c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeText(tt.in))
		})
	}
}

func TestStripMarkersAndHasMarker(t *testing.T) {
	assert.True(t, HasMarker(Marker+"hi"))
	assert.True(t, HasMarker("hi"+LegacyMarker))
	assert.False(t, HasMarker("hi"))
	assert.False(t, HasMarker(""))

	assert.Equal(t, "hi", StripMarkers(Marker+"hi"))
	assert.Equal(t, "hi", StripMarkers(LegacyMarker+"hi"+Marker))
	assert.Equal(t, "", StripMarkers(""))
}

func TestFingerprintStability(t *testing.T) {
	// Marker presence and insignificant whitespace must not change the key.
	base := Fingerprint("c1", NormalizeText("Hello world"))
	assert.Equal(t, base, Fingerprint("c1", NormalizeText("Hello   world")))
	assert.Equal(t, base, Fingerprint("c1", NormalizeText(Marker+" Hello world ")))
	assert.NotEqual(t, base, Fingerprint("c2", NormalizeText("Hello world")))
	assert.NotEqual(t, base, Fingerprint("c1", NormalizeText("Hello there")))
}

func TestFingerprintShape(t *testing.T) {
	key := Fingerprint("chat-1", "hi")
	require.Len(t, key, len("chat-1")+1+64)
	assert.Equal(t, "chat-1|", key[:7])
}

// memStore is an in-memory Store honoring expiry, for gate tests.
type memStore struct {
	records map[string]Record
	failing bool
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]Record)}
}

func (m *memStore) Upsert(_ context.Context, rec Record) error {
	if m.failing {
		return errors.New("store unreachable")
	}
	m.records[rec.Key] = rec
	return nil
}

func (m *memStore) Exists(_ context.Context, key string, now time.Time) (bool, error) {
	if m.failing {
		return false, errors.New("store unreachable")
	}
	rec, ok := m.records[key]
	return ok && rec.ExpiresAt.After(now), nil
}

func TestGateRegisterThenIsEcho(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store)
	ctx := context.Background()

	text := NormalizeText("hi")
	require.NoError(t, gate.RegisterOutbound(ctx, "c1", text, 5*time.Second))

	echo, err := gate.IsEcho(ctx, "c1", text)
	require.NoError(t, err)
	assert.True(t, echo)

	// Different conversation, same text: no match.
	echo, err = gate.IsEcho(ctx, "c2", text)
	require.NoError(t, err)
	assert.False(t, echo)
}

func TestGateExpiry(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	gate.now = func() time.Time { return base }
	require.NoError(t, gate.RegisterOutbound(ctx, "c1", "hi", 5*time.Second))

	echo, err := gate.IsEcho(ctx, "c1", "hi")
	require.NoError(t, err)
	assert.True(t, echo)

	gate.now = func() time.Time { return base.Add(6 * time.Second) }
	echo, err = gate.IsEcho(ctx, "c1", "hi")
	require.NoError(t, err)
	assert.False(t, echo)
}

func TestGateUpsertRefreshesExpiry(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	gate.now = func() time.Time { return base }
	require.NoError(t, gate.RegisterOutbound(ctx, "c1", "hi", 5*time.Second))

	gate.now = func() time.Time { return base.Add(4 * time.Second) }
	require.NoError(t, gate.RegisterOutbound(ctx, "c1", "hi", 5*time.Second))

	gate.now = func() time.Time { return base.Add(7 * time.Second) }
	echo, err := gate.IsEcho(ctx, "c1", "hi")
	require.NoError(t, err)
	assert.True(t, echo, "repeat registration should have refreshed expiry")

	assert.Len(t, store.records, 1, "upsert must not grow the store")
}

func TestGateEmptyTextNeverKeyed(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store)
	ctx := context.Background()

	require.NoError(t, gate.RegisterOutbound(ctx, "c1", "", time.Minute))
	assert.Empty(t, store.records)

	echo, err := gate.IsEcho(ctx, "c1", "")
	require.NoError(t, err)
	assert.False(t, echo)
}

func TestGateStoreFailureSurfacesError(t *testing.T) {
	store := newMemStore()
	store.failing = true
	gate := NewGate(store)
	ctx := context.Background()

	echo, err := gate.IsEcho(ctx, "c1", "hi")
	assert.Error(t, err)
	assert.False(t, echo, "lookup failure must fail open")

	assert.Error(t, gate.RegisterOutbound(ctx, "c1", "hi", time.Minute))
}

func TestGateNilStore(t *testing.T) {
	gate := NewGate(nil)
	ctx := context.Background()

	require.NoError(t, gate.RegisterOutbound(ctx, "c1", "hi", time.Minute))
	echo, err := gate.IsEcho(ctx, "c1", "hi")
	require.NoError(t, err)
	assert.False(t, echo)
}
