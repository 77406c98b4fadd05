package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/algoedge/tickpilot/internal/broker"
	"github.com/algoedge/tickpilot/internal/config"
	"github.com/algoedge/tickpilot/internal/engine"
	"github.com/algoedge/tickpilot/internal/store"
	"github.com/algoedge/tickpilot/internal/webhook"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.Infof("starting tickpilot in %s mode", cfg.Environment.Mode)
	if !cfg.IsPaperTrading() {
		logger.Warn("LIVE TRADING MODE - real money at risk")
	}

	loc := cfg.Location()
	st, err := store.NewRedisStore(cfg.Redis.URL, loc, logger)
	if err != nil {
		logger.Fatalf("Failed to create store: %v", err)
	}
	defer func() { _ = st.Close() }()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := st.Ping(pingCtx); err != nil {
		cancel()
		logger.Fatalf("Shared store unreachable: %v", err)
	}
	cancel()

	users := cfg.Users
	if len(users) == 0 {
		// Single-user paper setups need no users block.
		users = []config.UserConfig{{ID: 1}}
	}

	engines := make(map[int64]*engine.Engine, len(users))
	enginesBroker := make(map[int64]broker.Broker, len(users))
	kiteClients := make(map[int64]*broker.KiteClient, len(users))
	var workers []*broker.OrderWorker
	for _, u := range users {
		b, kc := buildBroker(cfg, u, st, logger)
		enginesBroker[u.ID] = b
		if kc != nil {
			kiteClients[u.ID] = kc
		}
		worker := broker.NewOrderWorker(b, logger)
		workers = append(workers, worker)

		eng := engine.New(engine.Options{
			UserID:   u.ID,
			Store:    st,
			Broker:   b,
			Worker:   worker,
			Logger:   logger,
			Location: loc,
			Exchange: cfg.Venue.Exchange,
			Timing:   cfg.Engine,
			Broadcast: func(userID int64, ev engine.Event) {
				logger.WithFields(logrus.Fields{"user": userID, "event": ev.Type}).Debug("broadcast")
			},
		})

		rehCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := eng.Rehydrate(rehCtx); err != nil {
			logger.WithError(err).WithField("user", u.ID).Warn("rehydration failed")
		}
		cancel()
		engines[u.ID] = eng
	}

	lookup := func(userID int64) (*engine.Engine, bool) {
		eng, ok := engines[userID]
		return eng, ok
	}
	server := webhook.NewServer(webhook.Config{
		Addr:      cfg.Server.Addr,
		AuthToken: cfg.Server.AuthToken,
		OnSession: func(userID int64, _, accessToken string) {
			if kc, ok := kiteClients[userID]; ok {
				kc.SetAccessToken(accessToken)
			}
		},
	}, st, lookup, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runSquareOffScheduler(rootCtx, cfg, loc, engines, logger)
	if !cfg.IsPaperTrading() {
		for _, u := range users {
			go warmSymbolTokens(rootCtx, cfg.Venue.Exchange, enginesBroker[u.ID], st, logger)
		}
	}

	select {
	case err := <-serverErr:
		logger.Fatalf("Webhook server failed: %v", err)
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown failed")
	}
	for _, eng := range engines {
		eng.Wait()
	}
	for _, w := range workers {
		w.Close()
	}
	logger.Info("stopped")
}

// buildBroker wires the broker stack for one user: the paper broker in paper
// mode, otherwise a Kite client behind a circuit breaker. Credentials from
// the config win; otherwise they come from the shared store. The raw Kite
// client is returned too so session updates can reach it.
func buildBroker(cfg *config.Config, u config.UserConfig, st store.Interface, logger *logrus.Logger) (broker.Broker, *broker.KiteClient) {
	if cfg.IsPaperTrading() {
		return broker.NewPaperBroker(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	apiKey := u.APIKey
	if apiKey == "" {
		if k, _, err := st.Credentials(ctx, u.ID); err == nil {
			apiKey = k
		}
	}
	token, err := st.AccessToken(ctx, u.ID)
	if err != nil {
		logger.WithError(err).WithField("user", u.ID).Warn("access token load failed")
	}
	if apiKey == "" || token == "" {
		logger.WithField("user", u.ID).Warn("broker session incomplete; entries will report not connected")
	}

	kc := broker.NewKiteClient(apiKey, token, logger)
	return broker.NewCircuitBreakerBroker(kc, logger), kc
}

// warmSymbolTokens fills the shared symbol-to-instrument-token cache from the
// broker's instrument dump so market-data collaborators can subscribe by
// token without their own download.
func warmSymbolTokens(ctx context.Context, exchange string, b broker.Broker, st store.Interface, logger *logrus.Logger) {
	if !b.Connected() {
		return
	}
	instruments, err := b.Instruments(ctx, exchange)
	if err != nil {
		logger.WithError(err).Warn("instrument dump download failed")
		return
	}
	var cached int
	for _, ins := range instruments {
		if ins.InstrumentType != "EQ" {
			continue
		}
		if err := st.SetSymbolToken(ctx, ins.Symbol, ins.Token); err != nil {
			logger.WithError(err).WithField("symbol", ins.Symbol).Warn("caching symbol token failed")
			continue
		}
		cached++
	}
	logger.WithField("count", cached).Info("symbol token cache warmed")
}

// runSquareOffScheduler checks once a minute whether the venue-local clock
// has passed the configured square-off time and fires the once-per-day bulk
// exit for each user that enabled it.
func runSquareOffScheduler(ctx context.Context, cfg *config.Config, loc *time.Location, engines map[int64]*engine.Engine, logger *logrus.Logger) {
	target, err := time.Parse("15:04", cfg.Venue.SquareOffTime)
	if err != nil {
		return
	}
	targetMinute := target.Hour()*60 + target.Minute()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			local := now.In(loc)
			if local.Hour()*60+local.Minute() < targetMinute {
				continue
			}
			for userID, eng := range engines {
				runCtx, cancel := context.WithTimeout(ctx, time.Minute)
				n, err := eng.RunAutoSquareOff(runCtx)
				cancel()
				if err != nil {
					logger.WithError(err).WithField("user", userID).Warn("auto square-off failed")
					continue
				}
				if n > 0 {
					logger.WithFields(logrus.Fields{"user": userID, "count": n}).Info("auto square-off fired")
				}
			}
		}
	}
}
