package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/dkellner/tradeflow/internal/domain"
)

// lot is an open tax lot. Qty is signed: long lots positive, short lots
// negative. CostBasis is the signed total cost (qty times open price), so
// unit cost is CostBasis/Qty regardless of side.
type lot struct {
	openDate  string
	qty       decimal.Decimal
	costBasis decimal.Decimal
}

func (l lot) unitCost() decimal.Decimal {
	return l.costBasis.Div(l.qty)
}

// book is the lot-level position state for one portfolio. All mutation goes
// through applyFill; everything else is derived.
type book struct {
	cash     decimal.Decimal
	realized decimal.Decimal
	lots     map[string][]lot    // symbol -> FIFO-ordered open lots
	marks    map[string]float64  // symbol -> last trade price
}

func newBook(initialCash float64) *book {
	return &book{
		cash:  decimal.NewFromFloat(initialCash),
		lots:  map[string][]lot{},
		marks: map[string]float64{},
	}
}

// applyFill mutates the book with one execution. Opening fills append a lot;
// closing fills consume the oldest lots first and realize P&L; a fill larger
// than the open position closes everything and opens the remainder on the
// other side.
func (b *book) applyFill(f domain.Fill) error {
	if f.Qty == 0 {
		return fmt.Errorf("fill %s has zero quantity", f.FillID)
	}
	if f.Price <= 0 {
		return fmt.Errorf("fill %s has non-positive price %f", f.FillID, f.Price)
	}

	qty := decimal.NewFromFloat(f.Qty)
	price := decimal.NewFromFloat(f.Price)
	commission := decimal.NewFromFloat(f.Commission)

	// Cash moves opposite the signed quantity; commission always debits.
	b.cash = b.cash.Sub(qty.Mul(price)).Sub(commission)
	b.marks[f.Symbol] = f.Price

	remaining := qty
	open := b.lots[f.Symbol]

	// Consume opposite-side lots FIFO.
	for len(open) > 0 && remaining.Sign() != 0 && open[0].qty.Sign() != remaining.Sign() {
		front := open[0]
		closeQty := remaining.Abs()
		if front.qty.Abs().LessThan(closeQty) {
			closeQty = front.qty.Abs()
		}

		// Realized P&L on the closed quantity, correct for both sides:
		// long lots gain when price rose, short lots gain when it fell.
		side := decimal.NewFromInt(int64(front.qty.Sign()))
		b.realized = b.realized.Add(price.Sub(front.unitCost()).Mul(closeQty).Mul(side))

		closedSigned := closeQty.Mul(side)
		front.costBasis = front.costBasis.Sub(front.unitCost().Mul(closedSigned))
		front.qty = front.qty.Sub(closedSigned)
		remaining = remaining.Add(closedSigned)

		if front.qty.IsZero() {
			open = open[1:]
		} else {
			open[0] = front
		}
	}

	// Whatever is left opens a new lot on the fill's side.
	if !remaining.IsZero() {
		open = append(open, lot{
			openDate:  f.Date,
			qty:       remaining,
			costBasis: remaining.Mul(price),
		})
	}

	if len(open) == 0 {
		delete(b.lots, f.Symbol)
	} else {
		b.lots[f.Symbol] = open
	}
	return nil
}

// checkIntegrity verifies the lot-set invariants: every symbol's open lots
// share one sign and no lot has zero quantity. A violation means the book
// can no longer be trusted and the fill stream must stop.
func (b *book) checkIntegrity() error {
	for sym, open := range b.lots {
		sign := 0
		for _, l := range open {
			s := l.qty.Sign()
			if s == 0 {
				return fmt.Errorf("%s: open lot with zero quantity", sym)
			}
			if sign == 0 {
				sign = s
			} else if s != sign {
				return fmt.Errorf("%s: mixed-sign open lots", sym)
			}
		}
	}
	return nil
}

// holding derives the per-symbol position from the open lots.
func (b *book) holding(symbol string) (domain.Holding, bool) {
	open, ok := b.lots[symbol]
	if !ok {
		return domain.Holding{}, false
	}
	qty := decimal.Zero
	cost := decimal.Zero
	for _, l := range open {
		qty = qty.Add(l.qty)
		cost = cost.Add(l.costBasis)
	}
	return domain.Holding{
		Symbol:    symbol,
		Qty:       qty.InexactFloat64(),
		CostBasis: cost.InexactFloat64(),
		MarkPrice: b.marks[symbol],
	}, true
}

func (b *book) symbols() []string {
	syms := make([]string, 0, len(b.lots))
	for s := range b.lots {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}

// valuation recomputes the full derived state from the lot set and marks.
func (b *book) valuation() (nav, gross, net, unrealized float64) {
	navD := b.cash
	grossD := decimal.Zero
	netD := decimal.Zero
	unrealD := decimal.Zero

	for _, sym := range b.symbols() {
		h, _ := b.holding(sym)
		qty := decimal.NewFromFloat(h.Qty)
		mark := decimal.NewFromFloat(h.MarkPrice)
		mv := qty.Mul(mark)

		navD = navD.Add(mv)
		netD = netD.Add(mv)
		grossD = grossD.Add(mv.Abs())
		unrealD = unrealD.Add(mv.Sub(decimal.NewFromFloat(h.CostBasis)))
	}
	return navD.InexactFloat64(), grossD.InexactFloat64(), netD.InexactFloat64(), unrealD.InexactFloat64()
}

// snapshotLots converts the open lots into the persisted wire shape.
func (b *book) snapshotLots() []domain.Lot {
	var out []domain.Lot
	for _, sym := range b.symbols() {
		for _, l := range b.lots[sym] {
			out = append(out, domain.Lot{
				Symbol:    sym,
				OpenDate:  l.openDate,
				Qty:       l.qty.String(),
				CostBasis: l.costBasis.String(),
			})
		}
	}
	return out
}

// restoreLots rebuilds the open-lot map from a persisted snapshot.
func (b *book) restoreLots(lots []domain.Lot) error {
	b.lots = map[string][]lot{}
	for _, dl := range lots {
		qty, err := decimal.NewFromString(dl.Qty)
		if err != nil {
			return fmt.Errorf("lot %s/%s: bad qty %q", dl.Symbol, dl.OpenDate, dl.Qty)
		}
		cost, err := decimal.NewFromString(dl.CostBasis)
		if err != nil {
			return fmt.Errorf("lot %s/%s: bad cost basis %q", dl.Symbol, dl.OpenDate, dl.CostBasis)
		}
		b.lots[dl.Symbol] = append(b.lots[dl.Symbol], lot{
			openDate:  dl.OpenDate,
			qty:       qty,
			costBasis: cost,
		})
	}
	return nil
}
