// Package outbox journals every emitted order to an append-only JSONL file
// and answers idempotency-key lookups against it. The journal is what makes
// order emission survive restarts under at-least-once redelivery.
package outbox

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dkellner/tradeflow/internal/domain"
)

type entry struct {
	Type  string        `json:"type"`
	Order *domain.Order `json:"order,omitempty"`
	Key   string        `json:"key,omitempty"`
	At    time.Time     `json:"at"`
}

type Outbox struct {
	mu          sync.Mutex
	path        string
	keys        map[string]bool         // idempotency keys seen, loaded at startup
	unconfirmed map[string]domain.Order // journaled, publish not yet confirmed
}

func New(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	o := &Outbox{path: path, keys: map[string]bool{}, unconfirmed: map[string]domain.Order{}}
	if err := o.load(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Outbox) load() error {
	f, err := os.Open(o.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // tolerate a torn final line
		}
		switch {
		case e.Type == "order" && e.Order != nil && e.Order.IdempotencyKey != "":
			o.keys[e.Order.IdempotencyKey] = true
			o.unconfirmed[e.Order.IdempotencyKey] = *e.Order
		case e.Type == "published" && e.Key != "":
			delete(o.unconfirmed, e.Key)
		}
	}
	return sc.Err()
}

// HasOrder reports whether an order with this idempotency key was already
// journaled.
func (o *Outbox) HasOrder(idempotencyKey string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.keys[idempotencyKey]
}

// WriteOrder appends the order and records its key. Append before publish:
// a crash between the two re-publishes, which downstream tolerates, while
// the reverse window would double-emit on redelivery. The order stays
// unconfirmed until MarkPublished records that the stream accepted it.
func (o *Outbox) WriteOrder(order domain.Order) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.appendLocked(entry{Type: "order", Order: &order, At: time.Now().UTC()}); err != nil {
		return err
	}
	o.keys[order.IdempotencyKey] = true
	o.unconfirmed[order.IdempotencyKey] = order
	return nil
}

// MarkPublished records that the journaled order reached the stream.
func (o *Outbox) MarkPublished(idempotencyKey string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.unconfirmed[idempotencyKey]; !ok {
		return nil
	}
	if err := o.appendLocked(entry{Type: "published", Key: idempotencyKey, At: time.Now().UTC()}); err != nil {
		return err
	}
	delete(o.unconfirmed, idempotencyKey)
	return nil
}

// Unconfirmed returns the journaled order for a key whose publish was never
// confirmed, if any.
func (o *Outbox) Unconfirmed(idempotencyKey string) (domain.Order, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	order, ok := o.unconfirmed[idempotencyKey]
	return order, ok
}

// UnconfirmedOrders returns every journaled order still awaiting publish
// confirmation, for startup re-publication.
func (o *Outbox) UnconfirmedOrders() []domain.Order {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.Order, 0, len(o.unconfirmed))
	for _, order := range o.unconfirmed {
		out = append(out, order)
	}
	return out
}

func (o *Outbox) appendLocked(e entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}
