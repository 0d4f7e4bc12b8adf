package moonbag

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/drift-trading/drift/internal/events"
	"github.com/drift-trading/drift/internal/market"
	"github.com/drift-trading/drift/internal/store"
)

// ---------------------------------------------------------------------------
// Moonbag Manager
// A moonbag is the retained remainder of a profitable exit. It is held
// until price crosses a multiple of its entry, at which point a re-entry
// signal is emitted. Re-entry execution is a caller policy, never done
// here unless explicitly enabled.
// ---------------------------------------------------------------------------

// Bag statuses.
const (
	StatusHolding   = "holding"
	StatusTriggered = "triggered"
)

// Bag is one retained remainder.
type Bag struct {
	ID           string          `json:"id"`
	PositionID   string          `json:"position_id"` // originating position
	Symbol       string          `json:"symbol"`
	Address      string          `json:"address"`
	Quantity     decimal.Decimal `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price"` // inherited from the position
	PeakPrice    decimal.Decimal `json:"peak_price"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	TriggeredAt  *time.Time      `json:"triggered_at,omitempty"`
}

// Config configures moonbag handling.
type Config struct {
	// ReEntryMultiple of the bag's entry price that arms the trigger.
	ReEntryMultiple float64
	// AutoReEnter, when true, invokes OnReEnter instead of only signaling.
	AutoReEnter bool
}

// DefaultConfig returns the standard moonbag policy.
func DefaultConfig() Config {
	return Config{ReEntryMultiple: 5}
}

// Manager tracks all moonbags.
type Manager struct {
	config   Config
	recorder *events.Recorder
	store    store.Store

	mu   sync.Mutex
	bags map[string]*Bag // by bag ID

	created   atomic.Int64
	triggered atomic.Int64

	// OnReEnter fires on trigger when AutoReEnter is enabled.
	OnReEnter func(bag Bag)
}

// NewManager restores moonbags from the store.
func NewManager(config Config, recorder *events.Recorder, st store.Store) *Manager {
	if config.ReEntryMultiple <= 1 {
		config.ReEntryMultiple = DefaultConfig().ReEntryMultiple
	}
	m := &Manager{
		config:   config,
		recorder: recorder,
		store:    st,
		bags:     make(map[string]*Bag),
	}
	m.restore()
	return m
}

func (m *Manager) restore() {
	var saved []Bag
	found, err := m.store.Load(store.KeyMoonbags, &saved)
	if err != nil {
		var corrupt *store.CorruptError
		if errors.As(err, &corrupt) {
			log.Error().Err(err).Msg("moonbag: STATE CORRUPT, starting with empty set")
			m.recorder.Emit(events.TypeStateCorruption, map[string]string{
				"key":   store.KeyMoonbags,
				"error": err.Error(),
			})
			return
		}
		log.Error().Err(err).Msg("moonbag: load failed")
		return
	}
	if !found {
		return
	}
	for i := range saved {
		b := saved[i]
		m.bags[b.ID] = &b
	}
	log.Info().Int("bags", len(m.bags)).Msg("moonbag: restored")
}

// Create quarantines a remainder from an exited position.
func (m *Manager) Create(positionID, symbol, address string, quantity, entryPrice, currentPrice decimal.Decimal) Bag {
	bag := Bag{
		ID:           uuid.NewString(),
		PositionID:   positionID,
		Symbol:       symbol,
		Address:      address,
		Quantity:     quantity,
		EntryPrice:   entryPrice,
		PeakPrice:    currentPrice,
		TriggerPrice: entryPrice.Mul(decimal.NewFromFloat(m.config.ReEntryMultiple)),
		Status:       StatusHolding,
		CreatedAt:    time.Now().UTC(),
	}

	m.mu.Lock()
	m.bags[bag.ID] = &bag
	m.mu.Unlock()
	m.persist()
	m.created.Add(1)

	m.recorder.Emit(events.TypeMoonbagCreated, bag)
	log.Info().
		Str("symbol", symbol).
		Str("quantity", quantity.String()).
		Str("trigger", bag.TriggerPrice.StringFixed(6)).
		Msg("moonbag: created")
	return bag
}

// ObservePrice updates every holding bag on the quoted asset. Bags whose
// trigger is crossed transition to triggered and emit a re-entry signal.
func (m *Manager) ObservePrice(quote market.Quote) {
	m.mu.Lock()
	var fired []Bag
	for _, bag := range m.bags {
		if bag.Address != quote.Address || bag.Status != StatusHolding {
			continue
		}
		if quote.PriceUSD.GreaterThan(bag.PeakPrice) {
			bag.PeakPrice = quote.PriceUSD
		}
		if quote.PriceUSD.GreaterThanOrEqual(bag.TriggerPrice) {
			now := time.Now().UTC()
			bag.Status = StatusTriggered
			bag.TriggeredAt = &now
			fired = append(fired, *bag)
		}
	}
	m.mu.Unlock()

	if len(fired) == 0 {
		return
	}
	m.persist()

	for _, bag := range fired {
		m.triggered.Add(1)
		m.recorder.Emit(events.TypeMoonbagTrigger, bag)
		log.Info().
			Str("symbol", bag.Symbol).
			Str("price", quote.PriceUSD.StringFixed(6)).
			Str("trigger", bag.TriggerPrice.StringFixed(6)).
			Bool("auto_re_enter", m.config.AutoReEnter).
			Msg("moonbag: RE-ENTRY TRIGGER")
		if m.config.AutoReEnter && m.OnReEnter != nil {
			m.OnReEnter(bag)
		}
	}
}

// Addresses returns the asset addresses with holding bags, for the price
// watcher's subscription set.
func (m *Manager) Addresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, b := range m.bags {
		if b.Status != StatusHolding {
			continue
		}
		if _, ok := seen[b.Address]; !ok {
			seen[b.Address] = struct{}{}
			out = append(out, b.Address)
		}
	}
	return out
}

// Bags returns a copy of all bags.
func (m *Manager) Bags() []Bag {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Bag, 0, len(m.bags))
	for _, b := range m.bags {
		out = append(out, *b)
	}
	return out
}

func (m *Manager) persist() {
	m.mu.Lock()
	bags := make([]Bag, 0, len(m.bags))
	for _, b := range m.bags {
		bags = append(bags, *b)
	}
	m.mu.Unlock()
	if err := m.store.Save(store.KeyMoonbags, bags); err != nil {
		log.Error().Err(err).Msg("moonbag: persist failed")
	}
}

// Stats returns moonbag counters.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	holding := 0
	for _, b := range m.bags {
		if b.Status == StatusHolding {
			holding++
		}
	}
	total := len(m.bags)
	m.mu.Unlock()
	return map[string]any{
		"bags":      total,
		"holding":   holding,
		"created":   m.created.Load(),
		"triggered": m.triggered.Load(),
	}
}
