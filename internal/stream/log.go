// Package stream wraps the durable event log the pipeline runs on. The Log
// interface is the transport contract (named topics, consumer-group cursors,
// at-least-once delivery); Consumer is the generic stage wrapper every
// pipeline component embeds.
package stream

import (
	"context"
	"time"
)

// Message is one record on a topic. ID is assigned by the log and is unique
// within the topic. Key carries the partition key (symbol for market data) so
// intra-symbol order is preserved.
type Message struct {
	ID        string
	Topic     string
	Key       string
	Payload   []byte
	Published time.Time
	Attempt   int // delivery attempt within the current consumer, 0-based
}

// Log is the transport contract. Fetch returns up to max unacknowledged
// messages assigned to the calling group; a fetched message becomes invisible
// to the group until acked or until its visibility timeout lapses, after
// which it is redelivered (at-least-once).
type Log interface {
	Publish(ctx context.Context, topic, key string, payload []byte) (string, error)
	Fetch(ctx context.Context, topic, group string, max int) ([]Message, error)
	Ack(ctx context.Context, topic, group, id string) error
}
