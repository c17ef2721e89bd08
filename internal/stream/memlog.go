package stream

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemLog is the embedded Log used in paper mode and tests. Topics are
// append-only slices; each consumer group keeps a cursor plus an in-flight
// set with a visibility timeout, so unacked messages come back. Good enough
// to exercise every at-least-once path without an external broker.
type MemLog struct {
	mu         sync.Mutex
	topics     map[string][]storedMsg
	groups     map[string]*groupState // key: topic + "|" + group
	visibility time.Duration
	seq        int64
}

type storedMsg struct {
	id        string
	key       string
	payload   []byte
	published time.Time
}

type groupState struct {
	cursor   int                  // next topic offset to hand out
	inflight map[string]time.Time // message id -> deadline
	acked    map[string]bool
	attempts map[string]int
}

func NewMemLog(visibility time.Duration) *MemLog {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &MemLog{
		topics:     map[string][]storedMsg{},
		groups:     map[string]*groupState{},
		visibility: visibility,
	}
}

func (l *MemLog) Publish(ctx context.Context, topic, key string, payload []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := fmt.Sprintf("%s-%d", topic, l.seq)
	p := make([]byte, len(payload))
	copy(p, payload)
	l.topics[topic] = append(l.topics[topic], storedMsg{
		id:        id,
		key:       key,
		payload:   p,
		published: time.Now().UTC(),
	})
	return id, nil
}

func (l *MemLog) Fetch(ctx context.Context, topic, group string, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	gs := l.group(topic, group)
	msgs := l.topics[topic]
	now := time.Now()
	out := make([]Message, 0, max)

	// Redeliver expired in-flight messages first; they keep topic order
	// within what this group still owes.
	for i := 0; i < gs.cursor && len(out) < max; i++ {
		m := msgs[i]
		if gs.acked[m.id] {
			continue
		}
		deadline, ok := gs.inflight[m.id]
		if ok && now.Before(deadline) {
			continue
		}
		gs.inflight[m.id] = now.Add(l.visibility)
		gs.attempts[m.id]++
		out = append(out, l.toMessage(topic, m, gs.attempts[m.id]-1))
	}

	for gs.cursor < len(msgs) && len(out) < max {
		m := msgs[gs.cursor]
		gs.cursor++
		gs.inflight[m.id] = now.Add(l.visibility)
		gs.attempts[m.id]++
		out = append(out, l.toMessage(topic, m, gs.attempts[m.id]-1))
	}
	return out, nil
}

func (l *MemLog) Ack(ctx context.Context, topic, group, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	gs := l.group(topic, group)
	gs.acked[id] = true
	delete(gs.inflight, id)
	return nil
}

// Len reports the number of messages published to a topic.
func (l *MemLog) Len(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.topics[topic])
}

// All returns a copy of every message on a topic, in publish order. Used by
// the replay tool and tests; a real transport exposes this as a fresh
// consumer group instead.
func (l *MemLog) All(topic string) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.topics[topic]
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, l.toMessage(topic, m, 0))
	}
	return out
}

func (l *MemLog) group(topic, group string) *groupState {
	k := topic + "|" + group
	gs, ok := l.groups[k]
	if !ok {
		gs = &groupState{
			inflight: map[string]time.Time{},
			acked:    map[string]bool{},
			attempts: map[string]int{},
		}
		l.groups[k] = gs
	}
	return gs
}

func (l *MemLog) toMessage(topic string, m storedMsg, attempt int) Message {
	p := make([]byte, len(m.payload))
	copy(p, m.payload)
	return Message{
		ID:        m.id,
		Topic:     topic,
		Key:       m.key,
		Payload:   p,
		Published: m.published,
		Attempt:   attempt,
	}
}
