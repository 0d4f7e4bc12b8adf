package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drift-trading/drift/internal/events"
)

// ---------------------------------------------------------------------------
// Presence Watchers — independent observation loops with supervised restarts
// ---------------------------------------------------------------------------

// Watcher is one long-lived observation loop. Run blocks until the context
// is cancelled or the loop fails; a non-nil error asks the supervisor for a
// restart.
type Watcher interface {
	Name() string
	Run(ctx context.Context) error
}

// SupervisorConfig bounds restart backoff after watcher failures.
type SupervisorConfig struct {
	RestartBackoff time.Duration // initial delay before restart
	MaxBackoff     time.Duration // backoff ceiling
	HealthyAfter   time.Duration // run longer than this and backoff resets
}

// DefaultSupervisorConfig returns production restart settings.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		RestartBackoff: 2 * time.Second,
		MaxBackoff:     2 * time.Minute,
		HealthyAfter:   time.Minute,
	}
}

// Supervisor runs each watcher in its own goroutine and restarts it on
// error or panic with exponential backoff. One feed failing never halts
// the others.
type Supervisor struct {
	config   SupervisorConfig
	recorder *events.Recorder
	watchers []Watcher

	wg       sync.WaitGroup
	restarts atomic.Int64
	panics   atomic.Int64
}

func NewSupervisor(config SupervisorConfig, recorder *events.Recorder, watchers ...Watcher) *Supervisor {
	if config.RestartBackoff <= 0 {
		config.RestartBackoff = 2 * time.Second
	}
	if config.MaxBackoff < config.RestartBackoff {
		config.MaxBackoff = config.RestartBackoff
	}
	if config.HealthyAfter <= 0 {
		config.HealthyAfter = time.Minute
	}
	return &Supervisor{
		config:   config,
		recorder: recorder,
		watchers: watchers,
	}
}

// Start launches every watcher. Non-blocking; use Wait for shutdown.
func (s *Supervisor) Start(ctx context.Context) {
	for _, w := range s.watchers {
		w := w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.supervise(ctx, w)
		}()
	}
	log.Info().Int("watchers", len(s.watchers)).Msg("watch: supervisor started")
}

// Wait blocks until all watcher loops have exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
	log.Info().Msg("watch: supervisor stopped")
}

func (s *Supervisor) supervise(ctx context.Context, w Watcher) {
	backoff := s.config.RestartBackoff

	for {
		started := time.Now()
		err := s.runOnce(ctx, w)

		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= s.config.HealthyAfter {
			backoff = s.config.RestartBackoff
		}

		s.restarts.Add(1)
		if s.recorder != nil {
			s.recorder.Emit(events.TypeWatcherRestart, map[string]any{
				"watcher": w.Name(),
				"error":   errString(err),
				"backoff": backoff.String(),
			})
		}
		log.Warn().Err(err).
			Str("watcher", w.Name()).
			Dur("backoff", backoff).
			Msg("watch: watcher exited, restarting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.config.MaxBackoff {
			backoff = s.config.MaxBackoff
		}
	}
}

// runOnce executes one watcher run with panic containment.
func (s *Supervisor) runOnce(ctx context.Context, w Watcher) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			log.Error().Interface("panic", r).Str("watcher", w.Name()).Msg("watch: watcher panic recovered")
			err = newPanicError(r)
		}
	}()
	return w.Run(ctx)
}

// Stats returns supervisor counters.
func (s *Supervisor) Stats() map[string]any {
	return map[string]any{
		"watchers": len(s.watchers),
		"restarts": s.restarts.Load(),
		"panics":   s.panics.Load(),
	}
}
