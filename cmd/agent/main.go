package main

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/BonisOleg/play-vision-sub000/internal/access"
	"github.com/BonisOleg/play-vision-sub000/internal/events"
	"github.com/BonisOleg/play-vision-sub000/internal/httpapi"
	"github.com/BonisOleg/play-vision-sub000/internal/platform/auth"
	"github.com/BonisOleg/play-vision-sub000/internal/platform/config"
	"github.com/BonisOleg/play-vision-sub000/internal/platform/httpserver"
	"github.com/BonisOleg/play-vision-sub000/internal/platform/logging"
	"github.com/BonisOleg/play-vision-sub000/internal/platform/natsconn"
	"github.com/BonisOleg/play-vision-sub000/internal/platform/run"
	"github.com/BonisOleg/play-vision-sub000/internal/syncqueue"
	"github.com/BonisOleg/play-vision-sub000/internal/timers"
	"github.com/BonisOleg/play-vision-sub000/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	agentCfg, err := config.LoadAgent()
	if err != nil {
		log.Error("load agent config", zap.Error(err))
		run.Exit(1)
	}

	// Event bus. The agent starts fine without a broker: the bus degrades
	// to a no-op and everything else keeps working.
	var bus *events.Bus
	nc, err := natsconn.Connect(natsconn.Options{URL: agentCfg.NATSURL})
	if err != nil {
		log.Warn("nats unavailable, events disabled", zap.Error(err))
		bus = events.NewBus(nil, log)
	} else {
		defer nc.Close()
		bus = events.NewBus(nc, log)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
	})
	client, err := upstream.New(agentCfg.UpstreamBaseURL, upstream.ClientConfig{
		SessionToken: agentCfg.SessionToken,
	}, upstream.WithCircuitBreaker(breaker), upstream.WithLogger(log))
	if err != nil {
		log.Error("build upstream client", zap.Error(err))
		run.Exit(1)
	}

	// Prime the CSRF token so the very first mutating request already
	// carries X-CSRFToken. A dead upstream is not fatal here: the token
	// is re-captured from response cookies once the platform is back.
	csrfCtx, cancelCSRF := context.WithTimeout(context.Background(), 10*time.Second)
	if err := client.RefreshCSRF(csrfCtx); err != nil {
		log.Warn("csrf bootstrap failed", zap.Error(err))
	}
	cancelCSRF()

	store, err := syncqueue.NewSQLiteStore(agentCfg.QueuePath)
	if err != nil {
		log.Error("open queue store", zap.String("path", agentCfg.QueuePath), zap.Error(err))
		run.Exit(1)
	}
	defer func() { _ = store.Close() }()

	queue := syncqueue.New(store, client, bus, log)
	stopTriggers, err := queue.StartTriggers(bus)
	if err != nil {
		log.Error("subscribe queue triggers", zap.Error(err))
		run.Exit(1)
	}
	defer stopTriggers()

	reg := timers.NewRegistry(nil, log)
	defer reg.Close()

	watcher := syncqueue.NewWatcher(client, queue, bus, log)
	watcher.Start(reg)
	defer watcher.Stop()
	queue.StartPeriodic(reg, 5*time.Minute)

	handler := httpapi.NewHandler(httpapi.Options{
		Log:                   log,
		Verifier:              auth.Verifier{Secret: agentCfg.JWTSecret},
		Upstream:              client,
		Security:              client,
		Flusher:               client,
		Queue:                 queue,
		Access:                access.New(client, bus, log),
		Timers:                reg,
		Bus:                   bus,
		DefaultToken:          agentCfg.SessionToken,
		AllowedPreviewSeconds: agentCfg.AllowedPreviewSeconds,
		ProgressFlushInterval: agentCfg.ProgressFlushInterval,
		ActivityWindow:        agentCfg.ActivityWindow,
	})
	router, err := handler.Router()
	if err != nil {
		log.Error("build control router", zap.Error(err))
		run.Exit(1)
	}

	srv := httpserver.New(httpserver.Options{
		Addr:        cfg.HTTP.Addr,
		ServiceName: cfg.ServiceName,
		Logger:      log,
		Router:      router,
	})

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			// Final progress reports go out before the listener dies; the
			// deadline keeps a dead upstream from stalling shutdown.
			handler.Shutdown()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		return srv.Start(log)
	})

	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}
