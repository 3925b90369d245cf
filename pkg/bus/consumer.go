package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Verdict is a handler's decision for a delivered envelope.
type Verdict int

// Handler verdicts.
const (
	// Ack acknowledges the entry; it will not be redelivered.
	Ack Verdict = iota
	// Retry leaves the entry pending; the reclaimer redelivers it after
	// the reclaim threshold.
	Retry
	// Fail moves the entry to the DLQ and acknowledges it.
	Fail
)

// Handler processes one envelope. Handlers must be idempotent keyed by
// EventID: the bus is at-least-once.
type Handler func(ctx context.Context, env *Envelope) Verdict

// handlerEntry binds a handler to the schema versions it understands.
type handlerEntry struct {
	handler  Handler
	versions map[int]bool
}

// ConsumerConfig controls the consume and reclaim loops.
type ConsumerConfig struct {
	// Group is the consumer group name (one per logical service).
	Group string `yaml:"group"`

	// Name identifies this replica within the group.
	Name string `yaml:"name"`

	// Streams to consume; defaults to all four priority lanes.
	Streams []string `yaml:"streams"`

	// BatchSize is the XREADGROUP count per poll.
	BatchSize int64 `yaml:"batch_size"`

	// BlockDuration is the XREADGROUP block time.
	BlockDuration time.Duration `yaml:"block_duration"`

	// ReclaimThreshold is the pending age after which an entry is
	// redelivered to another consumer in the group. Must exceed the
	// longest handler runtime or healthy in-flight work gets double
	// processed.
	ReclaimThreshold time.Duration `yaml:"reclaim_threshold"`

	// ReclaimInterval is how often the pending-entries list is scanned.
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`

	// MaxRedeliveries moves an entry to the DLQ once its delivery count
	// exceeds this value.
	MaxRedeliveries int64 `yaml:"max_redeliveries"`
}

// DefaultConsumerConfig returns the built-in consumer defaults.
func DefaultConsumerConfig(group, name string) ConsumerConfig {
	return ConsumerConfig{
		Group:            group,
		Name:             name,
		Streams:          Streams(),
		BatchSize:        16,
		BlockDuration:    2 * time.Second,
		ReclaimThreshold: 5 * time.Minute,
		ReclaimInterval:  30 * time.Second,
		MaxRedeliveries:  3,
	}
}

// ConsumerStats are cumulative per-consumer counters.
type ConsumerStats struct {
	Delivered    int64 `json:"delivered"`
	Acked        int64 `json:"acked"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	Reclaimed    int64 `json:"reclaimed"`
	DecodeErrors int64 `json:"decode_errors"`
}

// Consumer reads envelopes for one consumer group, dispatching by event type.
// Event types without a registered handler are acknowledged and skipped.
type Consumer struct {
	bus *Bus
	cfg ConsumerConfig
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[string]handlerEntry

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool

	delivered    atomic.Int64
	acked        atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	reclaimed    atomic.Int64
	decodeErrors atomic.Int64
}

// NewConsumer creates a consumer for the given group and replica name.
func NewConsumer(b *Bus, cfg ConsumerConfig) *Consumer {
	if len(cfg.Streams) == 0 {
		cfg.Streams = Streams()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 2 * time.Second
	}
	return &Consumer{
		bus:      b,
		cfg:      cfg,
		log:      slog.Default().With("component", "bus-consumer", "group", cfg.Group, "consumer", cfg.Name),
		handlers: make(map[string]handlerEntry),
		quit:     make(chan struct{}),
	}
}

// Handle registers a handler for eventType, accepting the given schema
// versions. Envelopes with versions outside the set go to the DLQ with reason
// schema_mismatch. An empty versions list accepts version 1 only.
func (c *Consumer) Handle(eventType string, handler Handler, versions ...int) {
	if len(versions) == 0 {
		versions = []int{1}
	}
	accepted := make(map[int]bool, len(versions))
	for _, v := range versions {
		accepted[v] = true
	}
	c.mu.Lock()
	c.handlers[eventType] = handlerEntry{handler: handler, versions: accepted}
	c.mu.Unlock()
}

// EventTypes returns the registered event-type allow-list.
func (c *Consumer) EventTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		types = append(types, t)
	}
	return types
}

// Stats returns a snapshot of the consumer counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Delivered:    c.delivered.Load(),
		Acked:        c.acked.Load(),
		Retried:      c.retried.Load(),
		DeadLettered: c.deadLettered.Load(),
		Reclaimed:    c.reclaimed.Load(),
		DecodeErrors: c.decodeErrors.Load(),
	}
}

// Start creates the consumer groups and launches the consume and reclaim
// loops. Returns an error if the groups cannot be created.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("consumer already running")
	}
	if err := c.ensureGroups(ctx); err != nil {
		c.running.Store(false)
		return err
	}

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	if c.cfg.ReclaimInterval > 0 {
		c.wg.Add(1)
		go c.reclaimLoop(ctx)
	}

	c.log.Info("Consumer started", "streams", c.cfg.Streams, "event_types", c.EventTypes())
	return nil
}

// Stop signals the loops to exit and waits for in-flight handlers.
func (c *Consumer) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.stopOnce.Do(func() { close(c.quit) })
	c.wg.Wait()
	c.log.Info("Consumer stopped",
		"delivered", c.delivered.Load(), "acked", c.acked.Load(), "dead_lettered", c.deadLettered.Load())
}

// ensureGroups creates the consumer group on every stream, tolerating
// pre-existing groups.
func (c *Consumer) ensureGroups(ctx context.Context) error {
	for _, stream := range c.cfg.Streams {
		err := c.bus.Client().XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("%w: XGROUP CREATE %s/%s: %v", ErrTransportUnavailable, stream, c.cfg.Group, err)
		}
	}
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	// XREADGROUP args want one ">" cursor per stream.
	streams := make([]string, 0, len(c.cfg.Streams)*2)
	streams = append(streams, c.cfg.Streams...)
	for range c.cfg.Streams {
		streams = append(streams, ">")
	}

	for {
		select {
		case <-c.quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		res, err := c.bus.Client().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Name,
			Streams:  streams,
			Count:    c.cfg.BatchSize,
			Block:    c.cfg.BlockDuration,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			c.log.Warn("XREADGROUP failed, backing off", "error", err)
			select {
			case <-c.quit:
				return
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.dispatch(ctx, stream.Stream, msg)
			}
		}
	}
}

// dispatch decodes and handles one stream entry, applying the handler verdict.
func (c *Consumer) dispatch(ctx context.Context, stream string, msg redis.XMessage) {
	c.delivered.Add(1)

	env, err := DecodeEnvelope(msg.Values)
	if err != nil {
		// Undecodable entries can never succeed: dead-letter and ack.
		c.decodeErrors.Add(1)
		c.deadLetterRaw(ctx, stream, msg, fmt.Sprintf("decode_error: %v", err))
		c.ack(ctx, stream, msg.ID)
		return
	}

	c.mu.RLock()
	entry, registered := c.handlers[env.EventType]
	c.mu.RUnlock()

	if !registered {
		// Not on this group's allow-list: ack and skip.
		c.ack(ctx, stream, msg.ID)
		return
	}

	if !entry.versions[env.SchemaVersion] {
		c.deadLettered.Add(1)
		if err := c.bus.DeadLetter(ctx, env, stream, "schema_mismatch"); err != nil {
			c.log.Error("Failed to dead-letter schema mismatch", "event_id", env.EventID, "error", err)
		}
		c.ack(ctx, stream, msg.ID)
		return
	}

	switch entry.handler(ctx, env) {
	case Ack:
		c.ack(ctx, stream, msg.ID)
		c.acked.Add(1)
	case Retry:
		// Leave pending; the reclaimer redelivers after ReclaimThreshold.
		c.retried.Add(1)
	case Fail:
		c.deadLettered.Add(1)
		if err := c.bus.DeadLetter(ctx, env, stream, "handler_failed"); err != nil {
			c.log.Error("Failed to dead-letter envelope", "event_id", env.EventID, "error", err)
			return // keep pending rather than lose it
		}
		c.ack(ctx, stream, msg.ID)
	}
}

func (c *Consumer) ack(ctx context.Context, stream, id string) {
	if err := c.bus.Client().XAck(ctx, stream, c.cfg.Group, id).Err(); err != nil {
		c.log.Warn("XACK failed", "stream", stream, "entry_id", id, "error", err)
	}
}

// deadLetterRaw forwards an undecodable entry's raw fields to the DLQ.
func (c *Consumer) deadLetterRaw(ctx context.Context, stream string, msg redis.XMessage, reason string) {
	fields := make(map[string]any, len(msg.Values)+2)
	for k, v := range msg.Values {
		fields[k] = v
	}
	fields["failure_reason"] = reason
	fields["origin_stream"] = stream
	if err := c.bus.Client().XAdd(ctx, &redis.XAddArgs{Stream: StreamDLQ, Values: fields}).Err(); err != nil {
		c.log.Error("Failed to dead-letter raw entry", "entry_id", msg.ID, "error", err)
	}
}

// reclaimLoop periodically scans the pending-entries lists. Entries idle past
// ReclaimThreshold are claimed by this consumer; entries whose delivery count
// exceeds MaxRedeliveries move to the DLQ instead of being retried forever.
func (c *Consumer) reclaimLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stream := range c.cfg.Streams {
				c.reclaimStream(ctx, stream)
			}
		}
	}
}

func (c *Consumer) reclaimStream(ctx context.Context, stream string) {
	pending, err := c.bus.Client().XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.ReclaimThreshold,
		Start:  "-",
		End:    "+",
		Count:  c.cfg.BatchSize,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("XPENDING failed", "stream", stream, "error", err)
		}
		return
	}

	var claimIDs, expiredIDs []string
	for _, p := range pending {
		if c.cfg.MaxRedeliveries > 0 && p.RetryCount > c.cfg.MaxRedeliveries {
			expiredIDs = append(expiredIDs, p.ID)
		} else {
			claimIDs = append(claimIDs, p.ID)
		}
	}

	// Redelivery budget exhausted: claim, dead-letter, ack.
	for _, id := range expiredIDs {
		msgs, err := c.claim(ctx, stream, id)
		if err != nil || len(msgs) == 0 {
			continue
		}
		env, decodeErr := DecodeEnvelope(msgs[0].Values)
		if decodeErr != nil {
			c.deadLetterRaw(ctx, stream, msgs[0], "max_redeliveries_exceeded")
		} else if err := c.bus.DeadLetter(ctx, env, stream, "max_redeliveries_exceeded"); err != nil {
			c.log.Error("Failed to dead-letter expired entry", "entry_id", id, "error", err)
			continue
		}
		c.deadLettered.Add(1)
		c.ack(ctx, stream, id)
	}

	// Still within budget: claim and re-dispatch on this consumer.
	for _, id := range claimIDs {
		msgs, err := c.claim(ctx, stream, id)
		if err != nil || len(msgs) == 0 {
			continue
		}
		c.reclaimed.Add(1)
		c.dispatch(ctx, stream, msgs[0])
	}
}

func (c *Consumer) claim(ctx context.Context, stream, id string) ([]redis.XMessage, error) {
	msgs, err := c.bus.Client().XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		MinIdle:  c.cfg.ReclaimThreshold,
		Messages: []string{id},
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("XCLAIM failed", "stream", stream, "entry_id", id, "error", err)
		return nil, err
	}
	return msgs, nil
}
