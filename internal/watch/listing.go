package watch

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/drift-trading/drift/internal/events"
	"github.com/drift-trading/drift/internal/market"
)

// CandidateSource supplies discovery candidates each listing pass.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]market.Candidate, error)
}

// ListingConfig tunes the new-listing watcher.
type ListingConfig struct {
	Cadence     Cadence
	FreshWindow time.Duration // listing age window for non-boosted candidates
	SeenTTL     time.Duration // how long an address stays in the seen-set
}

// ListingWatcher diffs the discovery feeds against a TTL seen-set and
// surfaces anything unseen that is fresh or boosted.
type ListingWatcher struct {
	config   ListingConfig
	source   CandidateSource
	recorder *events.Recorder
	seen     *gocache.Cache
	active   func() bool

	// OnNewToken receives each unseen candidate.
	OnNewToken func(market.Candidate)
}

func NewListingWatcher(config ListingConfig, source CandidateSource, recorder *events.Recorder, active func() bool) *ListingWatcher {
	if config.FreshWindow <= 0 {
		config.FreshWindow = 24 * time.Hour
	}
	if config.SeenTTL <= 0 {
		config.SeenTTL = 24 * time.Hour
	}
	if active == nil {
		active = func() bool { return false }
	}
	return &ListingWatcher{
		config:   config,
		source:   source,
		recorder: recorder,
		seen:     gocache.New(config.SeenTTL, config.SeenTTL/4),
		active:   active,
	}
}

func (w *ListingWatcher) Name() string { return "listing" }

func (w *ListingWatcher) Run(ctx context.Context) error {
	log.Info().
		Dur("tight", w.config.Cadence.Tight).
		Dur("loose", w.config.Cadence.Loose).
		Msg("watch: listing watcher started")

	for {
		candidates, err := w.source.Candidates(ctx)
		if err != nil {
			// All feeds down. Hand back to the supervisor for backoff.
			return err
		}
		emitted := 0
		for _, c := range candidates {
			if w.observe(c) {
				emitted++
			}
		}
		if emitted > 0 {
			log.Debug().Int("new", emitted).Int("scanned", len(candidates)).Msg("watch: listing pass")
		}

		if !sleep(ctx, w.config.Cadence.Next(w.active())) {
			return nil
		}
	}
}

// observe reports whether the candidate was surfaced as a new token.
func (w *ListingWatcher) observe(c market.Candidate) bool {
	if _, found := w.seen.Get(c.Address); found {
		return false
	}
	w.seen.SetDefault(c.Address, time.Now())

	// Boosted listings bypass the age window. A known listing time outside
	// the window means the discovery value is gone; feeds that carry no
	// listing time pass through.
	if !c.Boosted && !c.ListedAt.IsZero() && !c.Fresh(w.config.FreshWindow) {
		return false
	}

	if w.recorder != nil {
		w.recorder.Emit(events.TypeNewToken, c)
	}
	if w.OnNewToken != nil {
		w.OnNewToken(c)
	}
	return true
}

// SeenCount reports the current seen-set size.
func (w *ListingWatcher) SeenCount() int {
	return w.seen.ItemCount()
}
