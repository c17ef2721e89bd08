// Package broker is the execution boundary. Adapter is the polymorphic
// contract; Paper simulates fills locally, Live talks to a venue. The
// Executor is the consumer stage that drives either one from the order topic.
package broker

import (
	"context"
	"fmt"

	"github.com/dkellner/tradeflow/internal/domain"
)

// Status is a venue-agnostic order status snapshot.
type Status struct {
	OrderStatus string  // domain order status constant
	FilledQty   float64
}

// Adapter is the execution contract shared by paper and live variants.
type Adapter interface {
	// Submit places the order and returns the broker's order id.
	Submit(ctx context.Context, order domain.Order) (string, error)
	// Status reports the normalized status for a broker order id.
	Status(ctx context.Context, brokerOrderID string) (Status, error)
	// Cancel attempts to cancel; false means the order was already terminal.
	Cancel(ctx context.Context, brokerOrderID string) (bool, error)
}

// RejectedError is a terminal venue rejection: recorded, alerted, never
// retried.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order rejected by venue: %s", e.Reason)
}
