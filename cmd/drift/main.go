package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/drift-trading/drift/internal/config"
	"github.com/drift-trading/drift/internal/engine"
	"github.com/drift-trading/drift/internal/events"
	"github.com/drift-trading/drift/internal/execution"
	"github.com/drift-trading/drift/internal/market"
	"github.com/drift-trading/drift/internal/moonbag"
	"github.com/drift-trading/drift/internal/position"
	"github.com/drift-trading/drift/internal/risk"
	"github.com/drift-trading/drift/internal/scoring"
	"github.com/drift-trading/drift/internal/store"
	"github.com/drift-trading/drift/internal/treasury"
	"github.com/drift-trading/drift/internal/wage"
	"github.com/drift-trading/drift/internal/watch"
)

func main() {
	// 1. Parse flags, load environment.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	stubMode := flag.Bool("stub", false, "Use stub execution service (no real venue connection)")
	dataDir := flag.String("data-dir", "", "Override store.data_dir from config")
	flag.Parse()

	_ = godotenv.Load()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Store.DataDir = *dataDir
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().Msg("=============================================")
	log.Info().Msg("DRIFT Decision Engine - Starting")
	log.Info().Msg("WATCH -> SCORE -> QUALIFY -> SIZE -> EXECUTE -> MANAGE")
	log.Info().Msg("=============================================")

	dryRun := cfg.General.DryRun
	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Bool("dry_run", dryRun).
		Bool("stub_mode", *stubMode).
		Int("feeds", len(cfg.Market.Feeds)).
		Float64("entry_pct", cfg.Trading.EntryPct).
		Float64("stop_loss_pct", cfg.Trading.StopLossPct).
		Int("max_positions", cfg.Trading.MaxOpenPositions).
		Float64("hourly_target_usd", cfg.Wage.HourlyTargetUSD).
		Msg("Configuration loaded")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}

	// 4. Persistent store.
	st, err := store.NewFileStore(cfg.Store.DataDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Store.DataDir).Msg("Failed to open state store")
	}

	// 5. Event recorder.
	eventsPath := cfg.Events.FilePath
	if eventsPath == "" {
		eventsPath = filepath.Join(cfg.Store.DataDir, "events.jsonl")
	}
	recorder := events.NewRecorder(events.Config{
		FilePath:   eventsPath,
		MaxSizeMB:  cfg.Events.MaxSizeMB,
		MaxBackups: cfg.Events.MaxBackups,
		BufferSize: cfg.Events.BufferSize,
	})
	defer recorder.Close()

	// 6. Execution service + adapter.
	var service execution.Service
	if *stubMode {
		service = execution.NewStubService(map[string]decimal.Decimal{
			cfg.Treasury.OperatingWallet: decimal.NewFromFloat(cfg.Trading.VirtualCapitalUSD),
		})
		log.Info().Msg("Execution service: STUB mode")
	} else {
		service = execution.NewHTTPService(execution.HTTPConfig{
			BaseURL: cfg.Execution.BaseURL,
			APIKey:  cfg.Execution.APIKey,
			Timeout: time.Duration(cfg.Execution.TimeoutMs) * time.Millisecond,
		})
		log.Info().Str("base_url", cfg.Execution.BaseURL).Msg("Execution service: LIVE")
	}
	adapter := execution.NewAdapter(execution.AdapterConfig{
		DryRun:               dryRun,
		ChannelLossThreshold: 5,
	}, service)
	adapter.OnPaper = func(pt execution.PaperTrade) {
		recorder.Emit(events.TypePaperTrade, pt)
	}

	// 7. Market data.
	feeds := make([]market.FeedSpec, 0, len(cfg.Market.Feeds))
	for _, f := range cfg.Market.Feeds {
		feeds = append(feeds, market.FeedSpec{
			Name:       f.Name,
			URL:        f.URL,
			Tier:       f.Tier,
			Provenance: market.Provenance(f.Provenance),
			Boosted:    f.Boosted,
		})
	}
	gateway := market.NewGateway(market.GatewayConfig{
		Feeds:          feeds,
		PriceURL:       cfg.Market.PriceURL,
		RequestTimeout: time.Duration(cfg.Market.RequestTimeoutMs) * time.Millisecond,
	})

	var stream *market.Stream
	if cfg.Market.WSURL != "" {
		stream = market.NewStream(market.DefaultStreamConfig(cfg.Market.WSURL))
	}

	var altMarket *market.AltMarket
	if cfg.Market.AltMarketURL != "" {
		altMarket = market.NewAltMarket(market.AltMarketConfig{
			URL:            cfg.Market.AltMarketURL,
			RequestTimeout: time.Duration(cfg.Market.RequestTimeoutMs) * time.Millisecond,
		})
	}

	// 8. Decision pipeline components.
	scorerCfg := scoring.DefaultConfig()
	if len(cfg.Scoring.TierBonuses) > 0 {
		scorerCfg.TierBonuses = cfg.Scoring.TierBonuses
	}
	if len(cfg.Market.Ecosystems) > 0 {
		scorerCfg.Ecosystems = cfg.Market.Ecosystems
	}
	if cfg.Scoring.EcosystemBonus > 0 {
		scorerCfg.EcosystemBonus = cfg.Scoring.EcosystemBonus
	}
	if cfg.Scoring.BoostBonus > 0 {
		scorerCfg.BoostBonus = cfg.Scoring.BoostBonus
	}
	scorer := scoring.NewScorer(scorerCfg)

	qualifier := scoring.NewQualifier(scoring.QualifyConfig{
		MinLiquidityUSD: cfg.Qualify.MinLiquidityUSD,
		MaxDumpPct:      cfg.Qualify.MaxDumpPct,
		HighScore:       cfg.Qualify.HighScore,
		FreshWindow:     time.Duration(cfg.Qualify.FreshnessMinutes) * time.Minute,
	})

	sizer := position.NewSizer(position.SizerConfig{
		EntryPct:    cfg.Trading.EntryPct,
		MinEntryUSD: decimal.NewFromFloat(cfg.Trading.MinEntryUSD),
		MaxEntryUSD: decimal.NewFromFloat(cfg.Trading.MaxEntryUSD),
	})

	trailBands := make([]position.TrailBand, 0, len(cfg.Trading.TrailWidths))
	for _, b := range cfg.Trading.TrailWidths {
		trailBands = append(trailBands, position.TrailBand{
			MinProfitPct: b.MinProfitPct,
			WidthPct:     b.WidthPct,
		})
	}
	manager := position.NewManager(position.ManagerConfig{
		StopLossPct:         cfg.Trading.StopLossPct,
		TrailMinProfitPct:   cfg.Trading.TrailMinProfitPct,
		TrailBands:          trailBands,
		PartialTriggerPct:   cfg.Trading.PartialTriggerPct,
		PartialSellPct:      cfg.Trading.PartialSellPct,
		MoonbagRetainPct:    cfg.Trading.MoonbagRetainPct,
		MoonbagMinProfitPct: cfg.Trading.MoonbagMinProfitPct,
		ReversalProfitPct:   cfg.Trading.ReversalProfitPct,
		ReversalShortPct:    cfg.Trading.ReversalShortPct,
		ReversalMediumPct:   cfg.Trading.ReversalMediumPct,
		MaxHold:             time.Duration(cfg.Trading.MaxHoldHours) * time.Hour,
		StaleBandPct:        cfg.Trading.StaleBandPct,
		MaxOpenPositions:    cfg.Trading.MaxOpenPositions,
	}, adapter, recorder, st)

	moonbags := moonbag.NewManager(moonbag.Config{
		ReEntryMultiple: cfg.Moonbag.ReEntryMultiple,
		AutoReEnter:     cfg.Moonbag.AutoReEnter,
	}, recorder, st)

	sweeper := treasury.NewSweeper(treasury.Config{
		CeilingUSD:      decimal.NewFromFloat(cfg.Treasury.CeilingUSD),
		FloorUSD:        decimal.NewFromFloat(cfg.Treasury.FloorUSD),
		MinSweepUSD:     decimal.NewFromFloat(cfg.Treasury.MinSweepUSD),
		ColdPct:         cfg.Treasury.ColdPct,
		ReinvestPct:     cfg.Treasury.ReinvestPct,
		OpsPct:          cfg.Treasury.OpsPct,
		OperatingWallet: cfg.Treasury.OperatingWallet,
		ColdWallet:      cfg.Treasury.ColdWallet,
		OpsWallet:       cfg.Treasury.OpsWallet,
	}, adapter, recorder, st)

	wages := wage.NewTracker(decimal.NewFromFloat(cfg.Wage.HourlyTargetUSD), recorder, st)

	riskEngine := risk.New(risk.Config{
		MaxDailyLossUSD:  cfg.Risk.MaxDailyLossUSD,
		MaxDailySpendUSD: cfg.Risk.MaxDailySpendUSD,
	}, recorder, st)

	// 9. Engine wiring.
	engCfg := engine.DefaultConfig()
	engCfg.VirtualCapitalUSD = decimal.NewFromFloat(cfg.Trading.VirtualCapitalUSD)
	engCfg.OperatingWallet = cfg.Treasury.OperatingWallet
	eng := engine.New(engCfg, scorer, qualifier, sizer, manager, moonbags, sweeper, wages, riskEngine, adapter, recorder)

	// 10. Watchers.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listing := watch.NewListingWatcher(watch.ListingConfig{
		Cadence:     watch.NewCadence(cfg.Watch.Listing.TightSeconds, cfg.Watch.Listing.LooseSeconds),
		FreshWindow: time.Duration(cfg.Qualify.FreshnessMinutes) * time.Minute,
	}, gateway, recorder, eng.ActivePositions)
	listing.OnNewToken = func(c market.Candidate) {
		eng.HandleNewToken(ctx, c)
	}

	var quoteStream watch.QuoteStream
	if stream != nil {
		quoteStream = stream
	}
	price := watch.NewPriceWatcher(watch.PriceConfig{
		Cadence:        watch.NewCadence(cfg.Watch.Price.TightSeconds, cfg.Watch.Price.LooseSeconds),
		MaterialityPct: cfg.Watch.MaterialityPct,
	}, gateway, quoteStream, recorder, eng.Addresses)
	price.OnPriceMove = func(q market.Quote) {
		eng.HandlePriceMove(ctx, q)
	}

	balance := watch.NewBalanceWatcher(watch.BalanceConfig{
		Cadence:    watch.NewCadence(cfg.Watch.Balance.TightSeconds, cfg.Watch.Balance.LooseSeconds),
		WalletRef:  cfg.Treasury.OperatingWallet,
		CeilingUSD: decimal.NewFromFloat(cfg.Treasury.CeilingUSD),
	}, adapter, recorder, eng.ActivePositions)
	balance.OnBalanceChange = eng.HandleBalance
	balance.OnTreasuryTrigger = func(b decimal.Decimal) {
		eng.HandleTreasuryTrigger(ctx, b)
	}

	watchers := []watch.Watcher{listing, price, balance}
	if altMarket != nil {
		edge := watch.NewEdgeWatcher(watch.EdgeConfig{
			Cadence:      watch.NewCadence(cfg.Watch.Edge.TightSeconds, cfg.Watch.Edge.LooseSeconds),
			MinEdge:      cfg.Watch.MinEdge,
			MinVolumeUSD: cfg.Watch.MinEdgeVolume,
		}, altMarket, recorder, nil)
		edge.OnEdgeFound = eng.HandleEdge
		watchers = append(watchers, edge)
	}

	supervisor := watch.NewSupervisor(watch.DefaultSupervisorConfig(), recorder, watchers...)

	// 11. Signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// 12. Start everything.
	var wg sync.WaitGroup

	supervisor.Start(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		serveHTTP(ctx, cfg, eng, manager, moonbags, sweeper, wages, riskEngine, adapter, gateway, supervisor, recorder, dryRun)
	}()

	log.Info().
		Int("watchers", len(watchers)).
		Int("restored_positions", manager.LiveCount()).
		Msg("DRIFT Decision Engine - Running")

	// 13. Block until shutdown.
	<-ctx.Done()

	// 14. Graceful shutdown: watchers first, then let in-flight exit
	// submissions finish, then the final snapshot.
	log.Info().Msg("Shutting down...")
	supervisor.Wait()
	wg.Wait()
	eng.Stop()

	ws := wages.State()
	day := riskEngine.Day()
	log.Info().
		Str("earned_usd", ws.EarnedUSD.StringFixed(2)).
		Str("owed_usd", ws.OwedUSD.StringFixed(2)).
		Float64("efficiency", ws.Efficiency).
		Int64("hours_active", ws.HoursActive).
		Str("day_pnl_usd", day.PnLUSD.StringFixed(2)).
		Int64("day_trades", day.Trades).
		Msg("DRIFT Decision Engine - Final Statistics")

	log.Info().Msg("DRIFT Decision Engine - Shutdown complete")
}

func serveHTTP(
	ctx context.Context,
	cfg *config.Config,
	eng *engine.Engine,
	manager *position.Manager,
	moonbags *moonbag.Manager,
	sweeper *treasury.Sweeper,
	wages *wage.Tracker,
	riskEngine *risk.Engine,
	adapter *execution.Adapter,
	gateway *market.Gateway,
	supervisor *watch.Supervisor,
	recorder *events.Recorder,
	dryRun bool,
) {
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"status":  "ok",
			"dry_run": dryRun,
			"paused":  eng.Paused(),
			"halted":  eng.Halted(),
			"active":  riskEngine.IsActive(),
		})
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"engine":     eng.Stats(),
			"positions":  manager.Stats(),
			"moonbags":   moonbags.Stats(),
			"treasury":   sweeper.Stats(),
			"wage":       wages.State(),
			"risk":       riskEngine.Metrics(),
			"execution":  adapter.Stats(),
			"market":     gateway.Stats(),
			"watchers":   supervisor.Stats(),
			"dry_run":    dryRun,
			"events_len": recorder.Len(),
		})
	})

	mux.HandleFunc("/positions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"active":  manager.Active(),
			"history": manager.History(),
		})
	})
	mux.HandleFunc("/positions/open", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, manager.Active())
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		writeJSON(w, recorder.Recent(limit))
	})

	mux.HandleFunc("/control/pause", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		eng.Pause()
		writeJSON(w, map[string]string{"status": "paused"})
	})

	mux.HandleFunc("/control/resume", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		eng.Resume()
		writeJSON(w, map[string]string{"status": "running"})
	})

	mux.HandleFunc("/control/kill", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		go func() {
			killCtx, killCancel := context.WithTimeout(context.Background(), 30*time.Second)
			eng.Kill(killCtx)
			killCancel()
		}()
		writeJSON(w, map[string]string{"status": "killed", "action": "force_close_all"})
	})

	mux.HandleFunc("/control/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"paused":         eng.Paused(),
			"halted":         eng.Halted(),
			"killed":         !riskEngine.IsActive(),
			"dry_run":        dryRun,
			"open_positions": manager.LiveCount(),
			"instance_id":    cfg.General.InstanceID,
		})
	})

	addr := fmt.Sprintf(":%d", cfg.General.HTTPPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("HTTP server started (health + stats + control)")

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
		log.Error().Err(srvErr).Msg("HTTP server error")
	}
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "drift").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "drift").
			Str("instance", general.InstanceID).Logger()
	}
}
