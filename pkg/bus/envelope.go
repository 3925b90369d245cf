// Package bus provides the domain event bus: a canonical event envelope and
// publish/consume over Redis Streams with priority lanes, consumer groups,
// pending-entry reclaim and a dead-letter stream.
package bus

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Priority selects the physical stream an event is appended to.
type Priority string

// Priority lanes, highest first.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Compression tags how the payload field is encoded on the wire.
type Compression string

// Payload encodings.
const (
	CompressionNone Compression = "none"
	CompressionZlib Compression = "zlib"
)

// Physical stream names. Bit-level stable: external consumers key on these.
const (
	StreamCritical = "events:critical"
	StreamHigh     = "events:high"
	StreamNormal   = "events:normal"
	StreamLow      = "events:low"
	StreamDLQ      = "events:dlq"
)

// Streams lists the four priority lanes, highest first.
func Streams() []string {
	return []string{StreamCritical, StreamHigh, StreamNormal, StreamLow}
}

// StreamFor maps a priority to its physical stream. Unknown priorities land
// on the normal lane.
func StreamFor(p Priority) string {
	switch p {
	case PriorityCritical:
		return StreamCritical
	case PriorityHigh:
		return StreamHigh
	case PriorityLow:
		return StreamLow
	default:
		return StreamNormal
	}
}

// Envelope is the canonical event envelope. Payload is always the decoded
// structured form; compression is applied transparently on the wire.
type Envelope struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	SchemaVersion int            `json:"schema_version"`
	Priority      Priority       `json:"priority"`
	TraceID       string         `json:"trace_id,omitempty"`
	ProducedAt    time.Time      `json:"produced_at"`
	Compression   Compression    `json:"compression"`
	Payload       map[string]any `json:"payload"`
}

// NewEnvelope builds an envelope with a fresh event id and the current time.
func NewEnvelope(eventType string, payload map[string]any, priority Priority) *Envelope {
	return &Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		SchemaVersion: 1,
		Priority:      priority,
		ProducedAt:    time.Now().UTC(),
		Compression:   CompressionNone,
		Payload:       payload,
	}
}

// Validate checks the envelope invariants a publisher must satisfy.
func (e *Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: missing event_id", ErrInvalidEnvelope)
	}
	if e.EventType == "" {
		return fmt.Errorf("%w: missing event_type", ErrInvalidEnvelope)
	}
	if e.SchemaVersion < 1 {
		return fmt.Errorf("%w: schema_version must be >= 1", ErrInvalidEnvelope)
	}
	return nil
}

// Wire field names within a stream entry.
const (
	fieldEventID       = "event_id"
	fieldEventType     = "event_type"
	fieldSchemaVersion = "schema_version"
	fieldPriority      = "priority"
	fieldTraceID       = "trace_id"
	fieldProducedAt    = "produced_at"
	fieldCompression   = "compression"
	fieldPayload       = "payload"
)

// Encode serializes the envelope to stream entry fields. Payloads whose JSON
// form exceeds compressThreshold bytes are zlib-compressed and base64-wrapped,
// with compression=zlib.
func (e *Envelope) Encode(compressThreshold int) (map[string]any, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload not serializable: %v", ErrInvalidEnvelope, err)
	}

	compression := CompressionNone
	payloadWire := string(payloadJSON)
	if compressThreshold > 0 && len(payloadJSON) > compressThreshold {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(payloadJSON); err != nil {
			return nil, fmt.Errorf("compressing payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compressing payload: %w", err)
		}
		compression = CompressionZlib
		payloadWire = base64.StdEncoding.EncodeToString(buf.Bytes())
	}

	return map[string]any{
		fieldEventID:       e.EventID,
		fieldEventType:     e.EventType,
		fieldSchemaVersion: strconv.Itoa(e.SchemaVersion),
		fieldPriority:      string(e.Priority),
		fieldTraceID:       e.TraceID,
		fieldProducedAt:    e.ProducedAt.UTC().Format(time.RFC3339Nano),
		fieldCompression:   string(compression),
		fieldPayload:       payloadWire,
	}, nil
}

// DecodeEnvelope parses stream entry fields back into an envelope,
// decompressing the payload transparently.
func DecodeEnvelope(values map[string]any) (*Envelope, error) {
	str := func(key string) string {
		if v, ok := values[key].(string); ok {
			return v
		}
		return ""
	}

	env := &Envelope{
		EventID:     str(fieldEventID),
		EventType:   str(fieldEventType),
		Priority:    Priority(str(fieldPriority)),
		TraceID:     str(fieldTraceID),
		Compression: Compression(str(fieldCompression)),
	}

	version, err := strconv.Atoi(str(fieldSchemaVersion))
	if err != nil {
		return nil, fmt.Errorf("%w: bad schema_version %q", ErrInvalidEnvelope, str(fieldSchemaVersion))
	}
	env.SchemaVersion = version

	if produced := str(fieldProducedAt); produced != "" {
		ts, err := time.Parse(time.RFC3339Nano, produced)
		if err != nil {
			return nil, fmt.Errorf("%w: bad produced_at %q", ErrInvalidEnvelope, produced)
		}
		env.ProducedAt = ts
	}

	payloadJSON := []byte(str(fieldPayload))
	if env.Compression == CompressionZlib {
		compressed, err := base64.StdEncoding.DecodeString(str(fieldPayload))
		if err != nil {
			return nil, fmt.Errorf("%w: bad base64 payload: %v", ErrInvalidEnvelope, err)
		}
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("%w: bad zlib payload: %v", ErrInvalidEnvelope, err)
		}
		payloadJSON, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated zlib payload: %v", ErrInvalidEnvelope, err)
		}
		_ = zr.Close()
		// Decoded envelopes always expose the structured payload.
		env.Compression = CompressionNone
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &env.Payload); err != nil {
			return nil, fmt.Errorf("%w: payload is not a JSON object: %v", ErrInvalidEnvelope, err)
		}
	}

	return env, env.Validate()
}
