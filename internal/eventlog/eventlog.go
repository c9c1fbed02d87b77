// Package eventlog records one structured entry per webhook decision: a
// JSON log line, mirrored best-effort into the shared store's event log.
package eventlog

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Sink receives decision records for durable storage. Append failures are
// logged and swallowed; the sink must never affect the webhook response.
type Sink interface {
	Append(ctx context.Context, source, decision string, payload json.RawMessage) error
}

// Logger emits decision records.
type Logger struct {
	sink Sink
	now  func() time.Time
	logf func(format string, v ...any)
}

// New creates a Logger. sink may be nil, in which case entries are only
// written to the process log.
func New(sink Sink) *Logger {
	return &Logger{sink: sink, now: time.Now, logf: log.Printf}
}

// Log records one decision with its context fields. fields must be JSON
// marshalable; the parser guarantees that for everything it produces. A chi
// request id carried on ctx is attached as request_id.
func (l *Logger) Log(ctx context.Context, source, decision string, fields map[string]any) {
	record := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		record[k] = v
	}
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		record["request_id"] = reqID
	}

	entry := make(map[string]any, len(record)+3)
	for k, v := range record {
		entry[k] = v
	}
	entry["ts"] = l.now().UTC().Format(time.RFC3339)
	entry["source"] = source
	entry["decision"] = decision

	line, err := json.Marshal(entry)
	if err != nil {
		l.logf("event marshal failed: source=%s decision=%s err=%v", source, decision, err)
		return
	}
	l.logf("%s", line)

	if l.sink == nil {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		payload = json.RawMessage("{}")
	}
	if err := l.sink.Append(ctx, source, decision, payload); err != nil {
		l.logf("event_log_failed: %v", err)
	}
}
