package position

import (
	"fmt"
	"math"
	"time"
)

// Position is one open holding of an account.
type Position struct {
	Symbol         string    `json:"-"`
	Quantity       float64   `json:"quantity"`
	EntryPrice     float64   `json:"entry_price"`
	USDCostBasis   float64   `json:"usd_cost_basis"`
	FirstEntryTime time.Time `json:"first_entry_time"`
	LastEntryTime  time.Time `json:"last_entry_time"`
	NumAdds        int       `json:"num_adds"`
	StrategyTag    string    `json:"strategy_tag,omitempty"`
	// UnknownBasis marks positions adopted from the exchange whose entry
	// price is a best-effort guess.
	UnknownBasis bool `json:"unknown_basis,omitempty"`
}

// EntryTime is when the position was first opened.
func (p Position) EntryTime() time.Time { return p.FirstEntryTime }

// Value is the position's USD value at price, falling back to the cost
// basis when price is unknown.
func (p Position) Value(price float64) float64 {
	if price > 0 {
		return math.Abs(p.Quantity) * price
	}
	return p.USDCostBasis
}

func (p Position) validate() error {
	switch {
	case math.IsNaN(p.Quantity) || math.IsInf(p.Quantity, 0) || p.Quantity == 0:
		return fmt.Errorf("bad quantity %v", p.Quantity)
	case math.IsNaN(p.EntryPrice) || math.IsInf(p.EntryPrice, 0) || p.EntryPrice < 0:
		return fmt.Errorf("bad entry price %v", p.EntryPrice)
	case math.IsNaN(p.USDCostBasis) || math.IsInf(p.USDCostBasis, 0):
		return fmt.Errorf("bad cost basis %v", p.USDCostBasis)
	}
	return nil
}

// nearZero reports whether remaining is negligible relative to before.
func nearZero(remaining, before float64) bool {
	return math.Abs(remaining) <= math.Max(math.Abs(before)*1e-9, 1e-12)
}
