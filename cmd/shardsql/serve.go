package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/shardsql/pkg/cache"
	"github.com/cuemby/shardsql/pkg/config"
	"github.com/cuemby/shardsql/pkg/eventbus"
	"github.com/cuemby/shardsql/pkg/gateway"
	"github.com/cuemby/shardsql/pkg/health"
	"github.com/cuemby/shardsql/pkg/log"
	"github.com/cuemby/shardsql/pkg/policy"
	"github.com/cuemby/shardsql/pkg/router"
	"github.com/cuemby/shardsql/pkg/shard"
	"github.com/cuemby/shardsql/pkg/splitter"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway and its background workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Root().PersistentFlags().GetString("config")
		return runServe(configPath)
	},
}

// shardPingerAdapter bridges *shard.Engine's HealthResult shape to the
// router's HealthProbe shape without pkg/router importing pkg/shard.
type shardPingerAdapter struct {
	engine *shard.Engine
}

func (a shardPingerAdapter) Health(ctx context.Context) router.HealthProbe {
	res := a.engine.Health(ctx)
	return router.HealthProbe{Healthy: res.Healthy}
}

// shardChecker adapts a set of shard engines into a single pkg/health
// Checker: unhealthy if any shard fails its round-trip.
type shardChecker struct {
	engines map[string]*shard.Engine
}

func (c shardChecker) Name() string { return "shard" }

func (c shardChecker) Check(ctx context.Context) health.Result {
	start := time.Now()
	for id, e := range c.engines {
		res := e.Health(ctx)
		if !res.Healthy {
			return health.Result{Healthy: false, Message: "shard " + id + ": " + res.Message, CheckedAt: time.Now(), Duration: time.Since(start)}
		}
	}
	return health.Result{Healthy: true, CheckedAt: time.Now(), Duration: time.Since(start)}
}

type busChecker struct{ bus *eventbus.Bus }

func (busChecker) Name() string { return "eventbus" }

func (c busChecker) Check(ctx context.Context) health.Result {
	return health.Result{Healthy: c.bus.SubscriberCount() >= 0, CheckedAt: time.Now()}
}

type cacheChecker struct{ c *cache.Cache }

func (cacheChecker) Name() string { return "cache" }

func (c cacheChecker) Check(ctx context.Context) health.Result {
	return health.Result{Healthy: c.c.Len() >= 0, CheckedAt: time.Now()}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.WithComponent("serve")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	routingStore, err := policy.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening policy store: %w", err)
	}
	defer routingStore.Close()

	maxBytes, err := cfg.MaxShardSizeBytes()
	if err != nil {
		return fmt.Errorf("parsing max shard size: %w", err)
	}

	bus := eventbus.NewBus()
	bus.Start()
	defer bus.Stop()

	txTimeout, err := time.ParseDuration(cfg.TxInactivityTimeout)
	if err != nil {
		return fmt.Errorf("parsing tx_inactivity_timeout: %w", err)
	}

	shardIDs := make([]string, 0, cfg.ShardCount)
	engines := make(map[string]*shard.Engine, cfg.ShardCount)
	shardAccessors := make(map[string]splitter.ShardAccessor, cfg.ShardCount)
	for i := 0; i < cfg.ShardCount; i++ {
		shardID := fmt.Sprintf("shard-%d", i+1)
		engine, err := shard.New(shardID, shard.Config{DataDir: cfg.DataDir, MaxBytes: maxBytes, Bus: bus, TxInactivityTimeout: txTimeout})
		if err != nil {
			return fmt.Errorf("opening %s: %w", shardID, err)
		}
		defer engine.Close()
		shardIDs = append(shardIDs, shardID)
		engines[shardID] = engine
		shardAccessors[shardID] = engine
	}

	routingStore.SetKnownShards(shardIDs)

	dedupTTL, err := time.ParseDuration(cfg.EventDedupTTL)
	if err != nil {
		return fmt.Errorf("parsing event_dedup_ttl: %w", err)
	}
	c := cache.New(bus, dedupTTL, cfg.CacheHashFast)
	c.Start()
	defer c.Stop()

	splitOrch, err := splitter.New(cfg.DataDir, routingStore, shardAccessors)
	if err != nil {
		return fmt.Errorf("opening split orchestrator: %w", err)
	}
	defer splitOrch.Close()
	splitOrch.SetGraceWindow(time.Duration(cfg.PostCutoverGraceMs) * time.Millisecond)

	rtr := router.New(routingStore, splitOrch, shardIDs)
	for id, e := range engines {
		rtr.RegisterShard(id, shardPingerAdapter{engine: e})
	}
	if err := rtr.StartHealthSampler(""); err != nil {
		return fmt.Errorf("starting health sampler: %w", err)
	}
	defer rtr.StopHealthSampler()

	sessionIdleTTL, err := time.ParseDuration(cfg.SessionIdleTTL)
	if err != nil {
		return fmt.Errorf("parsing session_idle_ttl: %w", err)
	}

	gw := gateway.New(gateway.Config{
		MaxConnectionsPerShard: cfg.MaxConnectionsPerShard,
		SessionIdleTTL:         sessionIdleTTL,
		TxInactivityTimeout:    txTimeout,
		FailureThreshold:       cfg.FailureThreshold,
		CooldownMs:             time.Duration(cfg.CooldownMs) * time.Millisecond,
		JWTSecret:              cfg.JWTSecret,
	}, rtr, gateway.NewStaticShardSet(engines), c, routingStore, routingStore, bus, splitOrch)

	registry := health.NewRegistry(Version, "shard", "eventbus", "cache")
	shardMon := health.NewMonitor(shardChecker{engines: engines}, health.DefaultConfig())
	busMon := health.NewMonitor(busChecker{bus: bus}, health.DefaultConfig())
	cacheMon := health.NewMonitor(cacheChecker{c: c}, health.DefaultConfig())
	registry.Register("shard", shardMon)
	registry.Register("eventbus", busMon)
	registry.Register("cache", cacheMon)
	shardMon.Start()
	busMon.Start()
	cacheMon.Start()
	defer shardMon.Stop()
	defer busMon.Stop()
	defer cacheMon.Stop()

	server := gateway.NewServer(gw, registry)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Int("shards", cfg.ShardCount).Msg("gateway listening")
		errCh <- server.ListenAndServe(cfg.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway server: %w", err)
		}
	}

	return nil
}
