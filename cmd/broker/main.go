// Command broker runs the edge MQTT 3.1.1 broker: the embedded broker
// core, its TCP/TLS listener, and one store-and-forward bridge pump
// pair per configured upstream endpoint.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/edgecore/mqttedge/bridge"
	"github.com/edgecore/mqttedge/broker"
	"github.com/edgecore/mqttedge/config"
	"github.com/edgecore/mqttedge/network"
	"github.com/edgecore/mqttedge/pkg/logger"
	"github.com/edgecore/mqttedge/retained"
	"github.com/edgecore/mqttedge/session"
	"github.com/edgecore/mqttedge/topic"
)

func main() {
	configPath := flag.String("config", "mqttedge.yaml", "path to the broker's YAML configuration file")
	metricsAddr := flag.String("metrics", "", "address to serve Prometheus /metrics on (empty disables it)")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		slog.Error("broker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Logging.Level)

	store, err := cfg.Session.NewStore()
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	metrics := broker.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	br := broker.New(broker.Config{
		Sessions: session.NewManager(session.ManagerConfig{
			Store:            store,
			AssignedIDPrefix: cfg.Session.AssignedIDPrefix,
		}),
		Retained:              retained.New(),
		Router:                topic.NewRouter(),
		Queue:                 queueConfig(cfg.Queue),
		MaxInflight:           cfg.MaxInflight,
		SessionExpiryInterval: cfg.Session.ExpiryInterval,
		HousekeepingEvery:     cfg.Housekeeping.Value(),
		Logger:                log.With("component", "broker"),
		Metrics:               metrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return br.Run(gctx) })

	ln, err := startListener(gctx, cfg, br, log)
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	defer ln.Close()

	pumps, err := startBridges(gctx, group, cfg, br, log)
	if err != nil {
		return fmt.Errorf("start bridges: %w", err)
	}
	defer closePumps(pumps)

	if metricsAddr != "" {
		startMetricsServer(gctx, group, metricsAddr, registry, log)
	}

	log.Info("broker started", "listen", cfg.Listen.Address, "bridges", len(cfg.Bridges))

	<-gctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	br.Shutdown(shutdownCtx)

	return group.Wait()
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return logger.NewSlogLogger(l, os.Stdout).Logger()
}

func queueConfig(q config.Queue) broker.QueueConfig {
	policy := broker.DropNew
	if q.Policy == "drop_old" {
		policy = broker.DropOld
	}
	return broker.QueueConfig{MaxLen: q.MaxLen, MaxSize: q.MaxSize, Policy: policy}
}

func startListener(ctx context.Context, cfg *config.Config, br *broker.Broker, log *slog.Logger) (*network.Listener, error) {
	var tlsConfig *tls.Config
	if cfg.Listen.TLS != nil {
		var err error
		tlsConfig, err = cfg.Listen.TLS.Build()
		if err != nil {
			return nil, err
		}
	}

	lc := network.DefaultListenerConfig(cfg.Listen.Address)
	lc.TLSConfig = tlsConfig

	ln, err := network.NewListener(lc, nil)
	if err != nil {
		return nil, err
	}
	ln.OnConnection(network.Bind(ctx, br, log.With("component", "handler")))
	if err := ln.Start(); err != nil {
		return nil, err
	}
	return ln, nil
}

// startBridges builds a forward and subscribe Pump for each configured
// upstream, applies its initial rule set through a ConfigUpdater, and
// runs both pumps under group so a pump failure surfaces through
// errgroup's shared context cancellation like any other broker
// subsystem.
func startBridges(ctx context.Context, group *errgroup.Group, cfg *config.Config, br *broker.Broker, log *slog.Logger) ([]*bridge.Pump, error) {
	var pumps []*bridge.Pump

	for i := range cfg.Bridges {
		b := cfg.Bridges[i]
		dial, err := b.Dialer()
		if err != nil {
			return pumps, err
		}
		backoffCfg := b.Backoff.BuildBackoff()
		pumpLog := log.With("component", "bridge", "endpoint", b.Endpoint)

		fwd, err := bridge.NewPump(bridge.RoleForward, b.Endpoint, b.ClientID+"-fwd", nil, dial, b.Forward.Path, b.Forward.Capacity, br, backoffCfg, pumpLog)
		if err != nil {
			return pumps, fmt.Errorf("bridge %s: forward pump: %w", b.Endpoint, err)
		}
		sub, err := bridge.NewPump(bridge.RoleSubscribe, b.Endpoint, b.ClientID+"-sub", nil, dial, b.Subscribe.Path, b.Subscribe.Capacity, br, backoffCfg, pumpLog)
		if err != nil {
			fwd.Close()
			return pumps, fmt.Errorf("bridge %s: subscribe pump: %w", b.Endpoint, err)
		}
		pumps = append(pumps, fwd, sub)

		updater := bridge.NewConfigUpdater(&pumpApplier{forward: fwd, subscribe: sub})
		if _, err := updater.Apply(b.Update()); err != nil {
			return pumps, fmt.Errorf("bridge %s: apply initial rules: %w", b.Endpoint, err)
		}

		group.Go(func() error { return fwd.Run(ctx) })
		group.Go(func() error { return sub.Run(ctx) })
	}
	return pumps, nil
}

// pumpApplier adapts a forward/subscribe Pump pair to bridge.PumpApplier
// for a bridge.ConfigUpdater, the same role network/handler.go's Bind
// plays between a raw Connection and the broker core. It keeps its own
// copy of each pump's current rule set since PumpDiff only carries
// what changed, not the full set SetRules expects.
type pumpApplier struct {
	forward   *bridge.Pump
	subscribe *bridge.Pump

	forwardRules   []bridge.TopicRule
	subscribeRules []bridge.TopicRule
}

func (a *pumpApplier) ApplyForwards(diff bridge.PumpDiff) error {
	a.forwardRules = mergeRuleDiff(a.forwardRules, diff)
	a.forward.SetRules(a.forwardRules)
	return nil
}

func (a *pumpApplier) ApplySubscriptions(diff bridge.PumpDiff) error {
	a.subscribeRules = mergeRuleDiff(a.subscribeRules, diff)
	a.subscribe.SetRules(a.subscribeRules)
	return nil
}

func mergeRuleDiff(current []bridge.TopicRule, diff bridge.PumpDiff) []bridge.TopicRule {
	byKey := make(map[bridge.TopicRule]bool, len(current))
	for _, r := range current {
		byKey[r] = true
	}
	for _, r := range diff.Removed {
		delete(byKey, r)
	}
	for _, r := range diff.Added {
		byKey[r] = true
	}
	rules := make([]bridge.TopicRule, 0, len(byKey))
	for r := range byKey {
		rules = append(rules, r)
	}
	return rules
}

func closePumps(pumps []*bridge.Pump) {
	for _, p := range pumps {
		_ = p.Close()
	}
}

func startMetricsServer(ctx context.Context, group *errgroup.Group, addr string, registry *prometheus.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	group.Go(func() error {
		log.Info("metrics server listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
