package watch

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/drift-trading/drift/internal/events"
	"github.com/drift-trading/drift/internal/market"
)

// QuoteStream pushes live quotes for a set of addresses.
type QuoteStream interface {
	Subscribe(ctx context.Context, addresses []string) (<-chan market.Quote, error)
}

// PriceConfig tunes the position price watcher.
type PriceConfig struct {
	Cadence        Cadence
	MaterialityPct float64 // min percent move since last emit
}

// PriceWatcher polls quotes for every address of interest and surfaces a
// move only when it clears the materiality threshold since the last emit.
// When a stream is configured it supplements the poll loop with push
// quotes; a dropped stream degrades to polling alone.
type PriceWatcher struct {
	config    PriceConfig
	source    market.PriceSource
	stream    QuoteStream
	recorder  *events.Recorder
	addresses func() []string

	mu       sync.Mutex
	lastEmit map[string]decimal.Decimal

	emits int64

	// OnPriceMove receives each material quote.
	OnPriceMove func(market.Quote)
}

func NewPriceWatcher(config PriceConfig, source market.PriceSource, stream QuoteStream, recorder *events.Recorder, addresses func() []string) *PriceWatcher {
	if config.MaterialityPct <= 0 {
		config.MaterialityPct = 5
	}
	if addresses == nil {
		addresses = func() []string { return nil }
	}
	return &PriceWatcher{
		config:    config,
		source:    source,
		stream:    stream,
		recorder:  recorder,
		addresses: addresses,
		lastEmit:  make(map[string]decimal.Decimal),
	}
}

func (w *PriceWatcher) Name() string { return "price" }

func (w *PriceWatcher) Run(ctx context.Context) error {
	log.Info().
		Float64("materiality_pct", w.config.MaterialityPct).
		Bool("stream", w.stream != nil).
		Msg("watch: price watcher started")

	if w.stream != nil {
		if addrs := w.addresses(); len(addrs) > 0 {
			if ch, err := w.stream.Subscribe(ctx, addrs); err == nil {
				go w.consumeStream(ctx, ch)
			} else {
				log.Warn().Err(err).Msg("watch: price stream unavailable, polling only")
			}
		}
	}

	for {
		w.pollOnce(ctx)
		if !sleep(ctx, w.config.Cadence.Next(len(w.addresses()) > 0)) {
			return nil
		}
	}
}

func (w *PriceWatcher) consumeStream(ctx context.Context, ch <-chan market.Quote) {
	for {
		select {
		case <-ctx.Done():
			return
		case quote, ok := <-ch:
			if !ok {
				log.Warn().Msg("watch: price stream closed, polling only")
				return
			}
			w.Observe(quote)
		}
	}
}

func (w *PriceWatcher) pollOnce(ctx context.Context) {
	for _, addr := range w.addresses() {
		quote, err := w.source.Quote(ctx, addr)
		if err != nil {
			// Soft failure for one address; the rest of the pass continues.
			log.Debug().Err(err).Str("address", addr).Msg("watch: quote fetch failed")
			continue
		}
		w.Observe(quote)
	}
}

// Observe runs one quote through the materiality gate. Exported so push
// sources outside the poll loop can share the same gate.
func (w *PriceWatcher) Observe(quote market.Quote) bool {
	if quote.PriceUSD.IsZero() {
		return false
	}

	w.mu.Lock()
	prev, seen := w.lastEmit[quote.Address]
	if seen && !material(prev, quote.PriceUSD, w.config.MaterialityPct) {
		w.mu.Unlock()
		return false
	}
	w.lastEmit[quote.Address] = quote.PriceUSD
	w.emits++
	w.mu.Unlock()

	if w.recorder != nil {
		w.recorder.Emit(events.TypePriceMove, quote)
	}
	if w.OnPriceMove != nil {
		w.OnPriceMove(quote)
	}
	return true
}

// Forget drops the materiality baseline for an address, so the next quote
// always emits. Called when a position closes and later reopens.
func (w *PriceWatcher) Forget(address string) {
	w.mu.Lock()
	delete(w.lastEmit, address)
	w.mu.Unlock()
}

func material(prev, current decimal.Decimal, thresholdPct float64) bool {
	if prev.IsZero() {
		return true
	}
	move := current.Sub(prev).Div(prev).Abs().Mul(decimal.NewFromInt(100))
	return move.GreaterThanOrEqual(decimal.NewFromFloat(thresholdPct))
}

// Stats returns watcher counters.
func (w *PriceWatcher) Stats() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]any{
		"tracked": len(w.lastEmit),
		"emits":   w.emits,
	}
}
