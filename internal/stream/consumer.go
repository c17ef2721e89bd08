package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/observ"
)

// OutcomeKind tags the result of processing one message.
type OutcomeKind int

const (
	// OutcomeAck: processed (or deliberately skipped); acknowledge.
	OutcomeAck OutcomeKind = iota
	// OutcomeRetry: transient failure; retry with backoff, dead-letter on
	// exhaustion.
	OutcomeRetry
	// OutcomeDeadLetter: structurally bad message; dead-letter immediately,
	// retrying cannot fix it.
	OutcomeDeadLetter
	// OutcomeFatal: integrity violation; stop the worker without acking so
	// the message redelivers once an operator intervenes.
	OutcomeFatal
)

// Outcome is the tagged result a stage's process func returns.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

func Ack() Outcome                  { return Outcome{Kind: OutcomeAck} }
func Retry(err error) Outcome       { return Outcome{Kind: OutcomeRetry, Err: err} }
func DeadLetter(err error) Outcome  { return Outcome{Kind: OutcomeDeadLetter, Err: err} }
func Fatal(err error) Outcome       { return Outcome{Kind: OutcomeFatal, Err: err} }

// ProcessFunc handles one message. It must be idempotent under redelivery.
type ProcessFunc func(ctx context.Context, msg Message) Outcome

// ConsumerConfig tunes the read/retry loop. Zero values get sane defaults.
type ConsumerConfig struct {
	Topic         string
	Group         string
	MaxBatch      int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	PollInterval  time.Duration
}

// Consumer is the generic stage wrapper: batched fetch, per-message bounded
// retry, dead-letter routing, cooperative shutdown. All pipeline stages are
// one of these plus a ProcessFunc.
type Consumer struct {
	log     Log
	cfg     ConsumerConfig
	process ProcessFunc
}

func NewConsumer(log Log, cfg ConsumerConfig, process ProcessFunc) *Consumer {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 32
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Consumer{log: log, cfg: cfg, process: process}
}

// ErrConsumerHalted is returned by Run when a Fatal outcome stops the loop.
var ErrConsumerHalted = errors.New("consumer halted on fatal outcome")

// Run loops until ctx is cancelled. The in-flight batch always completes
// before the loop exits; no message is acked without having been processed
// or dead-lettered.
func (c *Consumer) Run(ctx context.Context) error {
	labels := map[string]string{"topic": c.cfg.Topic, "group": c.cfg.Group}
	observ.Log("consumer_start", map[string]any{"topic": c.cfg.Topic, "group": c.cfg.Group})

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			observ.Log("consumer_stop", map[string]any{"topic": c.cfg.Topic, "group": c.cfg.Group})
			return ctx.Err()
		case <-ticker.C:
		}

		msgs, err := c.log.Fetch(ctx, c.cfg.Topic, c.cfg.Group, c.cfg.MaxBatch)
		if err != nil {
			observ.IncCounter("consumer_fetch_errors_total", labels)
			continue
		}
		for _, msg := range msgs {
			if err := c.handle(ctx, msg, labels); err != nil {
				return err
			}
			if ctx.Err() != nil {
				// Finish draining the fetched batch is deliberate; a stop
				// signal only prevents fetching more.
				continue
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg Message, labels map[string]string) error {
	start := time.Now()
	bo := &backoff.Backoff{
		Min:    c.cfg.BackoffBase,
		Max:    c.cfg.BackoffMax,
		Factor: 2,
		Jitter: true,
	}

	var last Outcome
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		last = c.process(ctx, msg)
		switch last.Kind {
		case OutcomeAck:
			observ.IncCounter("consumer_processed_total", labels)
			observ.RecordDuration("consumer_process", time.Since(start), labels)
			return c.log.Ack(ctx, c.cfg.Topic, c.cfg.Group, msg.ID)
		case OutcomeDeadLetter:
			return c.deadLetter(ctx, msg, last.Err, labels)
		case OutcomeFatal:
			observ.IncCounter("consumer_fatal_total", labels)
			observ.Log("consumer_fatal", map[string]any{
				"topic": c.cfg.Topic, "group": c.cfg.Group,
				"msg_id": msg.ID, "error": last.Err.Error(),
			})
			return ErrConsumerHalted
		case OutcomeRetry:
			observ.IncCounter("consumer_retries_total", labels)
			observ.Log("consumer_retry", map[string]any{
				"topic": c.cfg.Topic, "group": c.cfg.Group,
				"msg_id": msg.ID, "attempt": attempt + 1, "error": last.Err.Error(),
			})
			if attempt < c.cfg.MaxRetries-1 {
				select {
				case <-ctx.Done():
					// Shutdown mid-retry: leave unacked, it will redeliver.
					return nil
				case <-time.After(bo.Duration()):
				}
			}
		}
	}
	// Retries exhausted.
	return c.deadLetter(ctx, msg, last.Err, labels)
}

// deadLetter writes the audit record to the topic's dead-letter topic and
// acks the original. Exhaustion must never block the partition.
func (c *Consumer) deadLetter(ctx context.Context, msg Message, cause error, labels map[string]string) error {
	errText := "unknown"
	if cause != nil {
		errText = cause.Error()
	}
	rec := domain.DeadLetterRecord{
		RecordID:    uuid.NewString(),
		MessageID:   msg.ID,
		OriginTopic: c.cfg.Topic,
		Group:       c.cfg.Group,
		Error:       errText,
		Timestamp:   time.Now().UTC(),
		Payload:     msg.Payload,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := c.log.Publish(ctx, domain.DeadLetterTopic(c.cfg.Topic), msg.Key, b); err != nil {
		// Keep the message unacked rather than lose the audit trail.
		observ.IncCounter("consumer_deadletter_publish_errors_total", labels)
		return nil
	}
	observ.IncCounter("consumer_deadletters_total", labels)
	observ.Log("consumer_deadletter", map[string]any{
		"topic": c.cfg.Topic, "group": c.cfg.Group,
		"msg_id": msg.ID, "error": errText,
	})
	return c.log.Ack(ctx, c.cfg.Topic, c.cfg.Group, msg.ID)
}
