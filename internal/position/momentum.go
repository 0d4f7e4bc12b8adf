package position

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Momentum tracking
// Short-window price history per asset, used for the momentum-reversal
// exit when the feed's own change windows are absent.
// ---------------------------------------------------------------------------

// momentumHistory is how much price history we keep per asset.
const momentumHistory = 90 * time.Minute

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// MomentumTracker records price observations and answers "percent change
// over the last window" queries.
type MomentumTracker struct {
	mu     sync.Mutex
	points map[string][]pricePoint
}

// NewMomentumTracker creates an empty tracker.
func NewMomentumTracker() *MomentumTracker {
	return &MomentumTracker{points: make(map[string][]pricePoint)}
}

// Record appends one observation and prunes anything older than the
// retained history.
func (m *MomentumTracker) Record(address string, price decimal.Decimal, at time.Time) {
	if !price.IsPositive() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pts := append(m.points[address], pricePoint{price: price, at: at})
	cutoff := at.Add(-momentumHistory)
	i := 0
	for i < len(pts) && pts[i].at.Before(cutoff) {
		i++
	}
	m.points[address] = pts[i:]
}

// Change returns the percent change over the given window ending now, and
// whether enough history exists to answer.
func (m *MomentumTracker) Change(address string, window time.Duration, now time.Time) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pts := m.points[address]
	if len(pts) < 2 {
		return 0, false
	}

	target := now.Add(-window)
	// Oldest point at or after the window start.
	var base *pricePoint
	for i := range pts {
		if !pts[i].at.Before(target) {
			base = &pts[i]
			break
		}
	}
	if base == nil || base == &pts[len(pts)-1] {
		return 0, false
	}

	last := pts[len(pts)-1]
	if !base.price.IsPositive() {
		return 0, false
	}
	pct, _ := last.price.Sub(base.price).Div(base.price).Mul(decimal.NewFromInt(100)).Float64()
	return pct, true
}

// Forget drops history for an asset no longer observed.
func (m *MomentumTracker) Forget(address string) {
	m.mu.Lock()
	delete(m.points, address)
	m.mu.Unlock()
}
