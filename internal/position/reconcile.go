package position

import (
	"math"
	"sort"

	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

// PriceFunc returns a best-effort price for symbol, None when unknown.
type PriceFunc func(symbol string) optional.Option[float64]

// QuantityDiff is a symbol whose local quantity disagreed with the exchange.
type QuantityDiff struct {
	Symbol   string  `json:"symbol"`
	Local    float64 `json:"local"`
	Exchange float64 `json:"exchange"`
}

// ReconcileReport lists what a reconciliation changed.
type ReconcileReport struct {
	Adopted   []string       `json:"adopted"`
	Dropped   []string       `json:"dropped"`
	Adjusted  []QuantityDiff `json:"adjusted"`
	Unchanged int            `json:"unchanged"`
}

// Changed reports whether the store was modified.
func (r ReconcileReport) Changed() bool {
	return len(r.Adopted)+len(r.Dropped)+len(r.Adjusted) > 0
}

// quantityTolerance is the relative difference below which local and
// exchange quantities are considered equal.
const quantityTolerance = 1e-6

// Reconcile aligns the store with the exchange's holdings. Symbols only the
// exchange knows are adopted with a best-effort entry price and flagged
// UnknownBasis; symbols only the store knows are dropped as closed
// externally; differing quantities take the exchange value. Running it
// twice with the same holdings changes nothing the second time.
func (s *Store) Reconcile(holdings []common.Holding, priceOf PriceFunc) (ReconcileReport, error) {
	truth := make(map[string]common.Holding, len(holdings))
	for _, h := range holdings {
		if h.Quantity == 0 || math.IsNaN(h.Quantity) {
			continue
		}
		prev := truth[h.Symbol]
		prev.Symbol = h.Symbol
		prev.Quantity += h.Quantity
		if h.EntryPrice > 0 {
			prev.EntryPrice = h.EntryPrice
		}
		truth[h.Symbol] = prev
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var report ReconcileReport
	next := s.cloneLocked()
	now := s.now()

	for sym, p := range s.positions {
		if _, ok := truth[sym]; !ok {
			delete(next, sym)
			report.Dropped = append(report.Dropped, sym)
			s.log.Warn("position missing on exchange, dropping (closed externally)",
				zap.String("symbol", sym), zap.Float64("quantity", p.Quantity))
		}
	}

	for sym, h := range truth {
		p, ok := s.positions[sym]
		if !ok {
			price := h.EntryPrice
			if price <= 0 && priceOf != nil {
				if px := priceOf(sym); px.IsSome() {
					price = px.Unwrap()
				}
			}
			next[sym] = Position{
				Symbol:         sym,
				Quantity:       h.Quantity,
				EntryPrice:     price,
				USDCostBasis:   math.Abs(h.Quantity) * price,
				FirstEntryTime: now,
				LastEntryTime:  now,
				NumAdds:        1,
				StrategyTag:    "adopted",
				UnknownBasis:   true,
			}
			report.Adopted = append(report.Adopted, sym)
			s.log.Warn("exchange position not tracked locally, adopting with unknown basis",
				zap.String("symbol", sym), zap.Float64("quantity", h.Quantity), zap.Float64("entry_price", price))
			continue
		}
		if math.Abs(p.Quantity-h.Quantity) <= math.Abs(h.Quantity)*quantityTolerance {
			report.Unchanged++
			continue
		}
		report.Adjusted = append(report.Adjusted, QuantityDiff{Symbol: sym, Local: p.Quantity, Exchange: h.Quantity})
		s.log.Warn("position quantity differs from exchange, taking exchange value",
			zap.String("symbol", sym), zap.Float64("local", p.Quantity), zap.Float64("exchange", h.Quantity))
		p.Quantity = h.Quantity
		if p.EntryPrice > 0 {
			p.USDCostBasis = math.Abs(h.Quantity) * p.EntryPrice
		}
		next[sym] = p
	}

	sort.Strings(report.Adopted)
	sort.Strings(report.Dropped)
	sort.Slice(report.Adjusted, func(i, j int) bool { return report.Adjusted[i].Symbol < report.Adjusted[j].Symbol })

	if !report.Changed() {
		return report, nil
	}
	if err := s.commitLocked(next); err != nil {
		return ReconcileReport{}, err
	}
	return report, nil
}
