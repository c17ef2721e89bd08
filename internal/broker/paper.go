package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkellner/tradeflow/internal/domain"
	"github.com/dkellner/tradeflow/internal/observ"
	"github.com/dkellner/tradeflow/internal/stream"
)

type PaperConfig struct {
	SlippageBpsMin     int
	SlippageBpsMax     int
	LatencyMsMin       int
	LatencyMsMax       int
	CommissionPerShare float64
	CommissionMin      float64
	PartialFillProb    float64 // chance an order fills in two pieces
}

// Paper simulates execution: slippage against the decision price, a small
// latency, a commission model, and occasional partial fills. Fills go to the
// fill topic like any venue's would.
type Paper struct {
	cfg    PaperConfig
	log    stream.Log
	random *rand.Rand

	mu     sync.Mutex
	orders map[string]*paperOrder // broker order id -> state
	wg     sync.WaitGroup
}

type paperOrder struct {
	order     domain.Order
	status    string
	filledQty float64
}

func NewPaper(cfg PaperConfig, log stream.Log, seed int64) *Paper {
	if cfg.SlippageBpsMax < cfg.SlippageBpsMin {
		cfg.SlippageBpsMax = cfg.SlippageBpsMin
	}
	if cfg.LatencyMsMax < cfg.LatencyMsMin {
		cfg.LatencyMsMax = cfg.LatencyMsMin
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Paper{
		cfg:    cfg,
		log:    log,
		random: rand.New(rand.NewSource(seed)),
		orders: map[string]*paperOrder{},
	}
}

func (p *Paper) Submit(ctx context.Context, order domain.Order) (string, error) {
	if order.Qty <= 0 {
		return "", &RejectedError{Reason: "non-positive quantity"}
	}
	if order.Type == domain.OrderTypeLimit && order.LimitPrice <= 0 {
		return "", &RejectedError{Reason: "limit order without limit price"}
	}

	brokerID := "paper-" + uuid.NewString()
	p.mu.Lock()
	p.orders[brokerID] = &paperOrder{order: order, status: domain.OrderStatusPendingExecution}
	latency := p.latency()
	parts := p.splitQty(order.Qty)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.fill(brokerID, order, parts, latency)
	return brokerID, nil
}

func (p *Paper) Status(ctx context.Context, brokerOrderID string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[brokerOrderID]
	if !ok {
		return Status{}, fmt.Errorf("unknown broker order id %s", brokerOrderID)
	}
	return Status{OrderStatus: po.status, FilledQty: po.filledQty}, nil
}

func (p *Paper) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[brokerOrderID]
	if !ok {
		return false, fmt.Errorf("unknown broker order id %s", brokerOrderID)
	}
	if po.status == domain.OrderStatusFilled || po.status == domain.OrderStatusCancelled {
		return false, nil
	}
	po.status = domain.OrderStatusCancelled
	return true, nil
}

// Drain waits for in-flight simulated fills; tests call this.
func (p *Paper) Drain() { p.wg.Wait() }

func (p *Paper) fill(brokerID string, order domain.Order, parts []float64, latency time.Duration) {
	defer p.wg.Done()
	time.Sleep(latency)

	decisionPrice := order.Notional / order.Qty
	for i, qty := range parts {
		p.mu.Lock()
		po := p.orders[brokerID]
		if po.status == domain.OrderStatusCancelled {
			p.mu.Unlock()
			return
		}
		slip := p.slippage()
		p.mu.Unlock()

		// Slippage always moves against the order.
		price := decisionPrice * (1 + slip)
		signedQty := qty
		if order.Side == domain.SideSell {
			price = decisionPrice * (1 - slip)
			signedQty = -qty
		}

		commission := qty * p.cfg.CommissionPerShare
		if commission < p.cfg.CommissionMin {
			commission = p.cfg.CommissionMin
		}

		f := domain.Fill{
			FillID:      uuid.NewString(),
			OrderID:     order.OrderID,
			PortfolioID: order.PortfolioID,
			Symbol:      order.Symbol,
			Date:        order.Date,
			Qty:         signedQty,
			Price:       price,
			Commission:  commission,
			FilledAt:    time.Now().UTC(),
		}
		b, err := json.Marshal(f)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, pubErr := p.log.Publish(ctx, domain.TopicFills, order.Symbol, b)
		cancel()
		if pubErr != nil {
			observ.IncCounter("paper_fill_publish_errors_total", nil)
			return
		}

		p.mu.Lock()
		po.filledQty += qty
		if i == len(parts)-1 {
			po.status = domain.OrderStatusFilled
		} else {
			po.status = domain.OrderStatusPartiallyFilled
		}
		p.mu.Unlock()
		observ.IncCounter("paper_fills_total", map[string]string{"symbol": order.Symbol})
	}
}

func (p *Paper) latency() time.Duration {
	spread := p.cfg.LatencyMsMax - p.cfg.LatencyMsMin
	ms := p.cfg.LatencyMsMin
	if spread > 0 {
		ms += p.random.Intn(spread + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

func (p *Paper) slippage() float64 {
	spread := p.cfg.SlippageBpsMax - p.cfg.SlippageBpsMin
	bps := p.cfg.SlippageBpsMin
	if spread > 0 {
		bps += p.random.Intn(spread + 1)
	}
	return float64(bps) / 10000
}

func (p *Paper) splitQty(qty float64) []float64 {
	if p.cfg.PartialFillProb <= 0 || p.random.Float64() >= p.cfg.PartialFillProb {
		return []float64{qty}
	}
	// Two pieces, 30-70% split, rounded so the pieces sum exactly.
	frac := 0.3 + p.random.Float64()*0.4
	first := math.Round(qty*frac*1e6) / 1e6
	if first <= 0 || first >= qty {
		return []float64{qty}
	}
	return []float64{first, qty - first}
}
