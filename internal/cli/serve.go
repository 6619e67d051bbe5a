package cli

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/retailshift/relay/internal/server"
	"github.com/retailshift/relay/internal/tasks"
	"github.com/retailshift/relay/internal/telemetry"
	"github.com/retailshift/relay/pkg/config"
	"github.com/retailshift/relay/pkg/domain"
	"github.com/retailshift/relay/pkg/health"
	"github.com/retailshift/relay/pkg/hub"
	"github.com/retailshift/relay/pkg/logging"
	"github.com/retailshift/relay/pkg/relay"
	"github.com/retailshift/relay/pkg/sources"
	"github.com/retailshift/relay/pkg/topology"
	"github.com/retailshift/relay/pkg/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay (default command)",
	Example: `  # Consume a local Kafka cluster
  KAFKA_BOOTSTRAP_SERVERS=localhost:9092 retailshift-relay serve

  # Demo mode with synthetic events
  MOCK_DATA=true retailshift-relay --log-development`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides PORT)")
	serveCmd.Flags().StringSlice("brokers", nil, "bootstrap brokers (overrides KAFKA_BOOTSTRAP_SERVERS)")
	serveCmd.Flags().Bool("mock-data", false, "use synthetic events even when brokers are configured")

	flags.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	flags.BindPFlag("source.brokers", serveCmd.Flags().Lookup("brokers"))
	flags.BindPFlag("source.force_synthetic", serveCmd.Flags().Lookup("mock-data"))

	// serve is also the root command's default action
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting retailshift-relay",
		zap.String("version", version.Version),
		zap.Int("port", cfg.Server.Port),
		zap.Strings("brokers", cfg.Source.Brokers),
		zap.Bool("mock_data", cfg.Source.ForceSynthetic),
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ln, err := net.Listen("tcp", a.server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.server.Addr(), err)
	}
	return a.run(ctx, ln)
}

// parseFailureCounter is implemented by the live sources
type parseFailureCounter interface {
	ParseFailures() int64
}

// app is one fully wired relay process
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	metrics   *telemetry.Metrics
	relay     *relay.Relay
	hub       *hub.Hub
	selection sources.Selection
	gauges    relay.GaugeSource // nil disables the gauge task
	probes    *health.ProbeRunner
	server    *server.Server

	closers []func() error
}

func newRNG() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return shutdownTracing(context.Background()) })

	topo, err := topology.Load(cfg.Topology.File)
	if err != nil {
		return nil, err
	}

	registry, err := health.NewRegistry(health.DefaultSeed(), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	for _, p := range cfg.Health.Probes {
		if !registry.Has(p.ID) {
			return nil, fmt.Errorf("probe %s: no registered service or database with that id (registered: %s)",
				p.ID, strings.Join(registry.IDs(), ", "))
		}
	}

	rate, err := relay.NewRateEstimator(cfg.Relay.RatePolicy, cfg.Relay.RateWindow, newRNG())
	if err != nil {
		return nil, err
	}
	router, err := relay.NewTopicRouter(cfg.Relay.Routes)
	if err != nil {
		return nil, err
	}

	a.relay, err = relay.New(relay.Options{
		LogCapacity:       cfg.Relay.LogCapacity,
		LowStockThreshold: cfg.Relay.LowStockThreshold,
		Rate:              rate,
		Router:            router,
		Registry:          registry,
		Recorder:          a.metrics,
		Logger:            logger.Named("relay"),
	})
	if err != nil {
		return nil, err
	}

	a.hub = hub.New(a.relay, hub.Config{
		BroadcastBuffer: cfg.Hub.BroadcastBuffer,
		ObserverBuffer:  cfg.Hub.ObserverBuffer,
	}, a.metrics, logger.Named("hub"))
	a.relay.SetBroadcaster(a.hub)

	a.selectSource(ctx)

	if err := a.setupGauges(); err != nil {
		return nil, err
	}

	if len(cfg.Health.Probes) > 0 {
		targets, closeProbes, err := health.BuildTargets(ctx, cfg.Health.Probes)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeProbes)
		a.probes = health.NewProbeRunner(targets, health.ProbeRunnerConfig{
			Timeout:       cfg.Health.ProbeTimeout,
			SlowThreshold: cfg.Health.SlowThreshold,
		}, logger.Named("probes"))

		ids := make([]string, 0, len(targets))
		for _, target := range a.probes.Targets() {
			ids = append(ids, target.ID)
		}
		logger.Info("Health probes configured",
			zap.Strings("ids", ids),
			zap.Duration("interval", cfg.Health.ProbeInterval),
		)
	}

	a.server, err = server.New(server.Options{
		Port:     cfg.Server.Port,
		State:    a.relay,
		Topology: topo,
		Observers: hub.NewWebSocketHandler(a.hub, hub.WebSocketConfig{
			WriteTimeout:   cfg.Hub.WriteTimeout,
			OriginPatterns: originPatterns(cfg.Server.AllowedOrigins),
		}, logger.Named("ws")),
		Metrics:        a.metrics.Handler(),
		Recorder:       a.metrics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger.Named("http"),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// selectSource opens the live source if one is configured and falls back to
// synthetic data when it cannot be used
func (a *app) selectSource(ctx context.Context) {
	cfg := a.cfg
	builder := domain.NewEnvelopeBuilder(nil)

	synthetic := sources.NewSyntheticSource(sources.SyntheticConfig{
		Interval: cfg.Source.SyntheticInterval,
	}, builder, newRNG(), a.logger.Named("synthetic"))

	useSynthetic := cfg.UseSynthetic()

	var live sources.Source
	if !useSynthetic {
		switch sources.SourceType(cfg.Source.Kind) {
		case sources.SourceTypeKafka:
			live = sources.NewKafkaSource(sources.KafkaConfig{
				Brokers:  cfg.Source.Brokers,
				GroupID:  cfg.Source.ConsumerGroup,
				ClientID: cfg.Source.ClientID,
			}, builder, a.metrics, a.logger.Named("kafka"))
		case sources.SourceTypeNATS:
			live = sources.NewNATSSource(sources.NATSConfig{
				URL:   strings.Join(cfg.Source.Brokers, ","),
				Name:  cfg.Source.ClientID,
				Queue: cfg.Source.ConsumerGroup,
			}, builder, a.metrics, a.logger.Named("nats"))
		}
	}

	a.selection = sources.Select(ctx, sources.SelectConfig{
		ForceSynthetic: useSynthetic,
		ConnectTimeout: cfg.Source.ConnectTimeout,
	}, live, synthetic, a.logger)

	if a.selection.BusStatus != "" {
		a.relay.SetBusStatus(a.selection.BusStatus, a.selection.Brokers)
	}
	a.metrics.RecordBusStatus(a.relay.SystemState().KafkaStatus.Status)

	if a.selection.Source.Mode() == sources.ModeSynthetic {
		a.relay.SetPerturber(health.NewPerturber(cfg.Relay.PerturbProbability, newRNG(), nil))
	}
	a.closers = append(a.closers, a.selection.Source.Close)
}

// setupGauges picks the gauge source. Synthetic gauges only run alongside
// synthetic events; Redis gauges always run.
func (a *app) setupGauges() error {
	switch a.cfg.Relay.GaugeSource {
	case relay.GaugeSourceRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		a.gauges = relay.NewRedisGauges(client, a.cfg.Redis.InventoryKey, a.cfg.Redis.CustomersKey)
	case relay.GaugeSourceSynthetic:
		if a.selection.Source.Mode() == sources.ModeSynthetic {
			a.gauges = relay.NewSyntheticGauges(newRNG())
		}
	default:
		return fmt.Errorf("unknown gauge source %q", a.cfg.Relay.GaugeSource)
	}
	return nil
}

// run starts every task and the HTTP server on ln, and blocks until ctx is
// done or the server fails
func (a *app) run(ctx context.Context, ln net.Listener) error {
	sched := tasks.NewScheduler(ctx, a.logger.Named("tasks"))

	if err := sched.Go("hub", a.hub.Run); err != nil {
		return err
	}
	source := a.selection.Source
	if err := sched.Go("source", func(ctx context.Context) error {
		return source.Run(ctx, a.relay.Ingest)
	}); err != nil {
		return err
	}
	if a.gauges != nil {
		if err := sched.Schedule(tasks.Task{
			Name:     "gauges",
			Interval: a.cfg.Relay.GaugeInterval,
			Step: func(ctx context.Context) error {
				return a.relay.RefreshGauges(ctx, a.gauges)
			},
		}); err != nil {
			return err
		}
	}
	if a.probes != nil {
		if err := sched.Schedule(tasks.Task{
			Name:           "probes",
			Interval:       a.cfg.Health.ProbeInterval,
			RunImmediately: true,
			Step: func(ctx context.Context) error {
				return a.relay.ApplyHealth(ctx, a.probes.Run(ctx)...)
			},
		}); err != nil {
			return err
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.Serve(ln)
	}()

	a.logger.Info("Relay running",
		zap.String("source", source.Name()),
		zap.String("mode", string(source.Mode())),
		zap.Bool("fallback", a.selection.Fallback()),
		zap.String("addr", ln.Addr().String()),
		zap.Int32("tasks", sched.Running()),
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received", zap.Int("observers", a.hub.Observers()))
	case runErr = <-serveErr:
		if runErr != nil {
			a.logger.Error("HTTP server failed", zap.Error(runErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if err := sched.Stop(a.cfg.Server.ShutdownTimeout); err != nil {
		a.logger.Warn("Background tasks did not stop in time", zap.Error(err))
	}

	stats := a.relay.Stats()
	fields := []zap.Field{
		zap.Int64("events_ingested", stats.EventsIngested),
		zap.Int64("state_broadcasts", stats.StateBroadcasts),
		zap.Int64("dropped_frames", a.hub.Dropped()),
	}
	if pf, ok := source.(parseFailureCounter); ok {
		fields = append(fields, zap.Int64("parse_failures", pf.ParseFailures()))
	}
	a.logger.Info("Relay stopped", fields...)
	return runErr
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// originPatterns converts allowed origins into the host patterns used by the
// WebSocket handshake
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
