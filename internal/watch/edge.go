package watch

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/drift-trading/drift/internal/events"
	"github.com/drift-trading/drift/internal/market"
)

// Edge is a detected mispricing on an alternative-market outcome.
type Edge struct {
	Outcome       market.Outcome `json:"outcome"`
	EstimatedProb float64        `json:"estimated_prob"`
	Gap           float64        `json:"gap"`
}

// Estimator maps an outcome to an estimated fair probability.
type Estimator func(market.Outcome) float64

// EdgeConfig tunes the alternative-market edge watcher.
type EdgeConfig struct {
	Cadence      Cadence
	MinEdge      float64 // min estimated-vs-implied gap
	MinVolumeUSD float64 // thin markets are noise, not edge
	SignalTTL    time.Duration
}

// EdgeWatcher scans alternative-market outcomes for implied probabilities
// that diverge from the estimate at the distribution tails. A surfaced
// edge is suppressed for SignalTTL so the same mispricing is not re-raised
// every pass.
type EdgeWatcher struct {
	config   EdgeConfig
	feed     market.OutcomeFeed
	recorder *events.Recorder
	estimate Estimator
	raised   *gocache.Cache

	// OnEdgeFound receives each newly detected edge.
	OnEdgeFound func(Edge)
}

func NewEdgeWatcher(config EdgeConfig, feed market.OutcomeFeed, recorder *events.Recorder, estimate Estimator) *EdgeWatcher {
	if config.MinEdge <= 0 {
		config.MinEdge = 0.05
	}
	if config.MinVolumeUSD <= 0 {
		config.MinVolumeUSD = 25000
	}
	if config.SignalTTL <= 0 {
		config.SignalTTL = 6 * time.Hour
	}
	if estimate == nil {
		estimate = LongshotBiasEstimate
	}
	return &EdgeWatcher{
		config:   config,
		feed:     feed,
		recorder: recorder,
		estimate: estimate,
		raised:   gocache.New(config.SignalTTL, config.SignalTTL/4),
	}
}

func (w *EdgeWatcher) Name() string { return "edge" }

func (w *EdgeWatcher) Run(ctx context.Context) error {
	log.Info().
		Float64("min_edge", w.config.MinEdge).
		Float64("min_volume_usd", w.config.MinVolumeUSD).
		Msg("watch: edge watcher started")

	for {
		outcomes, err := w.feed.Outcomes(ctx)
		if err != nil {
			return err
		}
		found := 0
		for _, o := range outcomes {
			if w.observe(o) {
				found++
			}
		}
		if found > 0 {
			log.Info().Int("edges", found).Int("scanned", len(outcomes)).Msg("watch: edge pass")
		}

		if !sleep(ctx, w.config.Cadence.Next(false)) {
			return nil
		}
	}
}

// observe reports whether the outcome was surfaced as a fresh edge.
func (w *EdgeWatcher) observe(o market.Outcome) bool {
	if o.Volume24hUSD < w.config.MinVolumeUSD {
		return false
	}
	est := w.estimate(o)
	gap := est - o.ImpliedProb
	if gap < 0 {
		gap = -gap
	}
	if gap < w.config.MinEdge {
		return false
	}

	key := o.MarketID + "/" + o.OutcomeName
	if _, dup := w.raised.Get(key); dup {
		return false
	}
	w.raised.SetDefault(key, time.Now())

	edge := Edge{Outcome: o, EstimatedProb: est, Gap: gap}
	if w.recorder != nil {
		w.recorder.Emit(events.TypeEdgeFound, edge)
	}
	if w.OnEdgeFound != nil {
		w.OnEdgeFound(edge)
	}
	return true
}

// LongshotBiasEstimate is the default fair-probability estimate: longshots
// trade rich and near-certainties trade cheap, so the estimate shades
// extreme implied probabilities further toward their tail. Mid-range
// outcomes are assumed fairly priced.
func LongshotBiasEstimate(o market.Outcome) float64 {
	p := o.ImpliedProb
	switch {
	case p <= 0.10:
		return p * 0.35
	case p >= 0.90:
		return p + (1-p)*0.65
	default:
		return p
	}
}
