package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Publisher-side failure kinds. Callers branch with errors.Is.
var (
	// ErrTransportUnavailable wraps Redis transport failures.
	ErrTransportUnavailable = errors.New("bus transport unavailable")

	// ErrPayloadTooLarge is returned when the payload exceeds the wire limit
	// even after compression.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrInvalidEnvelope marks envelopes that fail validation or decoding.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Config controls bus wire behavior.
type Config struct {
	// CompressionThreshold is the serialized payload size in bytes above
	// which zlib compression fires. Zero disables compression.
	CompressionThreshold int `yaml:"compression_threshold"`

	// MaxPayloadBytes is the post-compression wire limit. Zero disables the check.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`

	// StreamMaxLen approximately trims each priority stream on publish.
	// Zero disables trimming.
	StreamMaxLen int64 `yaml:"stream_max_len"`
}

// DefaultConfig returns the built-in bus defaults.
func DefaultConfig() Config {
	return Config{
		CompressionThreshold: 8 * 1024,
		MaxPayloadBytes:      512 * 1024,
		StreamMaxLen:         100_000,
	}
}

// Bus publishes envelopes to the priority streams. It is a library, not a
// queue: publish is fail-fast and errors surface to the caller.
type Bus struct {
	rdb redis.UniversalClient
	cfg Config
	log *slog.Logger
}

// New creates a Bus on an existing Redis client.
func New(rdb redis.UniversalClient, cfg Config) *Bus {
	return &Bus{
		rdb: rdb,
		cfg: cfg,
		log: slog.Default().With("component", "bus"),
	}
}

// Client exposes the underlying Redis client for consumers and health checks.
func (b *Bus) Client() redis.UniversalClient { return b.rdb }

// Publish builds an envelope for eventType/payload and appends it to the
// priority lane. Returns the event id.
func (b *Bus) Publish(ctx context.Context, eventType string, payload map[string]any, priority Priority, traceID string) (string, error) {
	env := NewEnvelope(eventType, payload, priority)
	env.TraceID = traceID
	if err := b.PublishEnvelope(ctx, env); err != nil {
		return "", err
	}
	return env.EventID, nil
}

// encodeChecked encodes an envelope and enforces the post-compression wire
// limit. Every publish path goes through it.
func (b *Bus) encodeChecked(env *Envelope) (map[string]any, error) {
	fields, err := env.Encode(b.cfg.CompressionThreshold)
	if err != nil {
		return nil, err
	}
	if b.cfg.MaxPayloadBytes > 0 {
		if wire, ok := fields[fieldPayload].(string); ok && len(wire) > b.cfg.MaxPayloadBytes {
			return nil, fmt.Errorf("%w: %d bytes after compression (limit %d)",
				ErrPayloadTooLarge, len(wire), b.cfg.MaxPayloadBytes)
		}
	}
	return fields, nil
}

// PublishEnvelope appends a prebuilt envelope to its priority lane.
// Either the envelope is in the target stream or an error is returned.
func (b *Bus) PublishEnvelope(ctx context.Context, env *Envelope) error {
	fields, err := b.encodeChecked(env)
	if err != nil {
		return err
	}

	stream := StreamFor(env.Priority)
	if err := b.xadd(ctx, stream, fields); err != nil {
		return fmt.Errorf("%w: XADD %s: %v", ErrTransportUnavailable, stream, err)
	}
	return nil
}

// PublishBatch appends several envelopes in one pipeline round trip.
// Fails fast on the first transport error; earlier entries may already be
// appended (consumers are idempotent by event_id).
func (b *Bus) PublishBatch(ctx context.Context, envs []*Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	pipe := b.rdb.Pipeline()
	for _, env := range envs {
		fields, err := b.encodeChecked(env)
		if err != nil {
			return err
		}
		args := &redis.XAddArgs{Stream: StreamFor(env.Priority), Values: fields}
		if b.cfg.StreamMaxLen > 0 {
			args.MaxLen = b.cfg.StreamMaxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: pipeline XADD: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// DeadLetter appends an envelope to the DLQ stream with a failure reason.
func (b *Bus) DeadLetter(ctx context.Context, env *Envelope, origin, reason string) error {
	fields, err := env.Encode(b.cfg.CompressionThreshold)
	if err != nil {
		// DLQ must accept even envelopes that no longer encode cleanly.
		fields = map[string]any{
			fieldEventID:   env.EventID,
			fieldEventType: env.EventType,
		}
	}
	fields["failure_reason"] = reason
	fields["origin_stream"] = origin
	if err := b.xadd(ctx, StreamDLQ, fields); err != nil {
		return fmt.Errorf("%w: XADD %s: %v", ErrTransportUnavailable, StreamDLQ, err)
	}
	b.log.Warn("Envelope dead-lettered",
		"event_id", env.EventID, "event_type", env.EventType, "reason", reason)
	return nil
}

// Ping checks transport reachability.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

func (b *Bus) xadd(ctx context.Context, stream string, fields map[string]any) error {
	args := &redis.XAddArgs{Stream: stream, Values: fields}
	if b.cfg.StreamMaxLen > 0 {
		args.MaxLen = b.cfg.StreamMaxLen
		args.Approx = true
	}
	return b.rdb.XAdd(ctx, args).Err()
}
