package serverrun

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rzbill/relay/internal/alert"
	"github.com/rzbill/relay/internal/broadcast"
	"github.com/rzbill/relay/internal/cluster"
	cfgpkg "github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/delivery"
	"github.com/rzbill/relay/internal/idempotency"
	"github.com/rzbill/relay/internal/retry"
	"github.com/rzbill/relay/internal/runtime"
	httpserver "github.com/rzbill/relay/internal/server/http"
	"github.com/rzbill/relay/internal/sequence"
	"github.com/rzbill/relay/internal/session"
	"github.com/rzbill/relay/internal/sharedstore"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
	"github.com/rzbill/relay/internal/transport"
	logpkg "github.com/rzbill/relay/pkg/log"
)

type Options struct {
	ConfigPath string
	Config     cfgpkg.Config
	Fsync      pebblestore.FsyncMode
	// Shared overrides the redis client; used by tests and single-node dev mode.
	Shared sharedstore.Store
}

func buildLogger(cfg cfgpkg.LogConfig) logpkg.Logger {
	lvl := logpkg.InfoLevel
	if l, err := logpkg.ParseLevel(cfg.Level); err == nil {
		lvl = l
	}
	var f logpkg.Formatter
	if cfg.Format == "json" {
		f = &logpkg.JSONFormatter{}
	} else {
		f = &logpkg.TextFormatter{}
	}
	return logpkg.NewLogger(
		logpkg.WithLevel(lvl),
		logpkg.WithFormatter(f),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
}

// Run starts the delivery node and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context over the provided one so callers that
	// don't pass a signal-aware context still get clean shutdown.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	logger := buildLogger(cfg.Log)

	rt, err := runtime.Open(runtime.Options{
		ConfigPath: opts.ConfigPath,
		Config:     cfg,
		Logger:     logger,
		Shared:     opts.Shared,
		Fsync:      opts.Fsync,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	mgr := rt.Manager()
	shared := rt.Shared()
	service := cfg.ServiceName
	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = cfg.HTTPAddr
	}

	logger.Info("starting relay node",
		logpkg.Str("service", service),
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("advertise", advertise),
		logpkg.Str("level", cfg.Log.Level),
		logpkg.Str("format", cfg.Log.Format),
	)

	slotCfg := func() cfgpkg.SlotConfig { return mgr.Get().Slots }
	streamCfg := func() cfgpkg.StreamConfig { return mgr.Get().Stream }
	retryCfg := func() cfgpkg.RetryConfig { return mgr.Get().Retry }
	dedupCfg := func() cfgpkg.DedupConfig { return mgr.Get().Dedup }
	sessionCfg := func() cfgpkg.SessionConfig { return mgr.Get().Session }
	systemUsers := func() []string { return mgr.Get().SystemUsers }

	sinks := []alert.Sink{alert.NewLogSink(logger)}
	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(cfg.AlertWebhookURL, logger))
	}
	alerts := alert.NewMulti(sinks...)

	registry := cluster.NewRegistry(shared, service, cfg.InstanceID, advertise, slotCfg, logger)
	if err := registry.Announce(sctx); err != nil {
		logger.Warn("initial instance announce failed", logpkg.Err(err))
	}

	wheel := retry.NewWheel(0, 0)
	defer wheel.Stop()

	local := session.NewLocalTable()
	sessions := session.NewRegistry(shared, local, advertise, sessionCfg, logger)

	tr := transport.NewHTTPTransport(advertise, logger)
	pusher := delivery.NewPusher(wheel, sessions, tr, alerts, retryCfg, logger)
	broadcaster := broadcast.NewBroadcaster(shared, streamCfg, logger)
	dispatcher := delivery.NewDispatcher(pusher, broadcaster, systemUsers, logger)

	gate := idempotency.NewGate(shared, rt.Durable(), dedupCfg, logger)
	gen := sequence.NewGenerator(shared, rt.Durable(), logger)
	svc := delivery.NewService(service, gate, gen, rt.Durable(), dispatcher, logger)

	// The lease and consumer reference each other: the lease reports loss to
	// the consumer, the consumer acquires slots through the lease. The closure
	// breaks the construction cycle; it only fires once Run is underway.
	var consumer *broadcast.Consumer
	lease := cluster.NewSlotLease(shared, service, slotCfg, func(slot int) {
		consumer.OnLeaseLost(slot)
	}, logger)
	consumer = broadcast.NewConsumer(shared, service, lease, registry.Identity, advertise, sessions, alerts, streamCfg, logger)

	hsrv := httpserver.New(svc, pusher, rt.CheckHealth, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		registry.Run(sctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		lease.Run(sctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumer.Run(sctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgr.Watch(sctx); err != nil {
			logger.Warn("config watcher stopped", logpkg.Err(err))
		}
	}()

	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.HTTPAddr); err != nil && sctx.Err() == nil {
			serveErr <- err
		}
	}()

	select {
	case <-sctx.Done():
		err = nil
	case err = <-serveErr:
		stop()
	}

	// Close the server before the runtime so in-flight handlers never see a
	// closed store.
	hsrv.Close()
	wg.Wait()
	return err
}
