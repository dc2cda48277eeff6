package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"feedflow/config"
	"feedflow/internal/dashboard"
	"feedflow/internal/metrics"
	"feedflow/internal/pipeline"
	"feedflow/internal/reliability"
	"feedflow/internal/rotation"
	"feedflow/internal/store"
	"feedflow/logger"
	"feedflow/reader"
	"feedflow/writer"
)

var runOpts struct {
	once          bool
	interval      time.Duration
	maxIterations int
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion loop",
	Long: `Run schedules every configured endpoint, fetches it within the rate
limit and persists the result to Redis.

With --once a single cycle runs and the command exits when its work is done.
Otherwise the loop runs until interrupted or until --max-iterations cycles
have run. Streaming subscriptions are only rotated in loop mode.`,
	RunE: runIngest,
}

func init() {
	runCmd.Flags().BoolVar(&runOpts.once, "once", false, "run one cycle and exit")
	runCmd.Flags().DurationVar(&runOpts.interval, "interval", 0, "control loop interval (overrides runtime.interval)")
	runCmd.Flags().IntVar(&runOpts.maxIterations, "max-iterations", 0, "stop after this many cycles (overrides runtime.max_iterations)")
	rootCmd.AddCommand(runCmd)
}

// component is a long-running goroutine started by runIngest.
type component struct {
	name string
	run  func(ctx context.Context) error
}

func runIngest(cmd *cobra.Command, _ []string) error {
	log := logger.GetLogger()

	s, err := loadSettings()
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return err
	}
	cfg := s.cfg
	if cmd.Flags().Changed("interval") {
		cfg.Runtime.Interval = runOpts.interval
	}
	if cmd.Flags().Changed("max-iterations") {
		cfg.Runtime.MaxIterations = runOpts.maxIterations
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		return err
	}

	log.WithFields(logger.Fields{
		"service":   cfg.Feedflow.Name,
		"version":   cfg.Feedflow.Version,
		"env":       config.AppEnvironment(),
		"endpoints": len(s.snapshot.Endpoints),
		"once":      runOpts.once,
	}).Info("starting feedflow")

	// producers stop first; sinks keep draining until producers are done
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sinkCtx, cancelSinks := context.WithCancel(context.Background())
	defer cancelSinks()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
		logger.CreateDefaultDashboard(ctx)
	}

	m := metrics.New()
	limiter, err := newLimiter(cfg, m)
	if err != nil {
		log.WithError(err).Error("invalid rate limit configuration")
		return err
	}
	calendar, err := newCalendar(cfg)
	if err != nil {
		log.WithError(err).Error("invalid scheduler configuration")
		return err
	}

	redisClient, err := store.Connect(ctx, cfg.Storage.Redis)
	if err != nil {
		log.WithError(err).WithEnv("REDIS_URL").Error("redis unreachable at startup")
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.WithError(err).Warn("failed to close redis client")
		}
	}()
	st := store.New(redisClient, store.OptionsFrom(cfg.Storage), log)

	var sinks []component
	alertStream := store.NewAlertStream(redisClient, cfg.Alerts.Stream, cfg.Alerts.MaxLen, cfg.Alerts.Buffer, log)
	sinks = append(sinks, component{"alert_stream", func(ctx context.Context) error { alertStream.Run(ctx); return nil }})
	monitor := reliability.NewMonitor(breakerDefaults(cfg), log, alertStream, m)
	if cfg.Alerts.Kafka.Enabled {
		kafkaAlerts, err := writer.NewKafkaAlerts(cfg.Alerts.Kafka, cfg.Alerts.Buffer, log)
		if err != nil {
			log.WithError(err).Error("failed to create kafka alert sink")
			return err
		}
		monitor.AddSink(kafkaAlerts)
		sinks = append(sinks, component{"kafka_alerts", func(ctx context.Context) error { kafkaAlerts.Run(ctx); return nil }})
	}

	var history pipeline.HistorySink
	if cfg.Storage.History.Enabled {
		pool, err := writer.ConnectHistory(ctx, cfg.Storage.History)
		if err != nil {
			log.WithError(err).WithEnv("HISTORY_DATABASE_URL").Error("history database unreachable at startup")
			return err
		}
		defer pool.Close()
		if err := writer.EnsureHistorySchema(ctx, pool); err != nil {
			log.WithError(err).Error("failed to prepare history table")
			return err
		}
		h := writer.NewHistory(pool, cfg.Storage.History, log)
		history = h
		sinks = append(sinks, component{"history", func(ctx context.Context) error { h.Run(ctx); return nil }})
	}

	snapshots := config.NewStore(s.snapshot)
	httpClient := reader.NewHTTPClient(cfg.Reader, cfg.Source.UserAgent)
	defer httpClient.CloseIdleConnections()
	rest := reader.NewRESTClient(httpClient, cfg.Source, cfg.RateLimit.UsageHeader, log)

	deps := pipeline.Deps{
		Config:     cfg,
		Snapshots:  snapshots,
		Calendar:   calendar,
		Limiter:    limiter,
		Monitor:    monitor,
		Store:      st,
		Fetcher:    rest,
		Transforms: s.transforms,
		Metrics:    m,
		History:    history,
		Log:        log,
	}

	var producers []component

	streaming := !runOpts.once && cfg.Rotation.Enabled && cfg.Source.StreamURL != "" &&
		len(s.snapshot.Stream.Channels) > 0
	if streaming {
		producers = append(producers, streamComponents(cfg, snapshots, monitor, m, &deps)...)
	}

	opts := pipeline.OptionsFrom(cfg)
	opts.Once = runOpts.once
	orchestrator, err := pipeline.New(deps, opts)
	if err != nil {
		log.WithError(err).Error("failed to create orchestrator")
		return err
	}
	if err := orchestrator.Restore(ctx); err != nil {
		log.WithError(err).Warn("failed to restore schedule from store; starting fresh")
	}

	if !runOpts.once {
		watcher := config.NewWatcher(config.ResolvePath(endpointsPath), snapshots, s.loader, log)
		producers = append(producers, component{"config_watcher", watcher.Run})

		server, err := dashboard.NewServer(cfg.Dashboard, log, orchestrator, m.Handler())
		if err != nil {
			log.WithError(err).Error("failed to create dashboard server")
			return err
		}
		if server != nil {
			server.SetStaleAfter(maxDuration(10*cfg.Runtime.Interval, time.Minute))
			producers = append(producers, component{"dashboard", func(ctx context.Context) error {
				return server.Run(ctx, cfg.Feedflow.Name)
			}})
		}

		if cfg.Storage.Archive.Enabled {
			archiver, err := newArchiver(ctx, cfg, st, log)
			if err != nil {
				log.WithError(err).WithEnv("AWS_REGION", "S3_BUCKET").Warn("aggregate archive disabled")
			} else {
				producers = append(producers, component{"archive", func(ctx context.Context) error { archiver.Run(ctx); return nil }})
			}
		}

		if cfg.Runtime.ReportInterval > 0 {
			logger.StartReport(ctx, log, cfg.Runtime.ReportInterval)
		}
	}

	sinkWG := start(sinkCtx, sinks, log)
	producerWG := start(ctx, producers, log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := orchestrator.Run(ctx); err != nil {
			log.WithError(err).Error("orchestrator stopped with error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.WithComponent("main").WithField("signal", sig.String()).Info("received shutdown signal")
	case <-done:
		log.WithComponent("main").WithField("iterations", orchestrator.Iterations()).Info("ingestion loop finished")
	}

	cancel()
	grace := cfg.Runtime.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	deadline := time.After(grace)

	shutdown := make(chan struct{})
	go func() {
		<-done
		producerWG.Wait()
		cancelSinks()
		sinkWG.Wait()
		close(shutdown)
	}()

	select {
	case <-shutdown:
		log.Info("graceful shutdown completed")
	case <-deadline:
		log.Warn("graceful shutdown timeout exceeded")
	}
	return nil
}

func start(ctx context.Context, components []component, log *logger.Log) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, c := range components {
		wg.Add(1)
		go func(c component) {
			defer wg.Done()
			if err := c.run(ctx); err != nil && ctx.Err() == nil {
				log.WithComponent(c.name).WithError(err).Error("component stopped with error")
			}
		}(c)
	}
	return &wg
}

// streamComponents builds the streaming client and the rotation runner and
// sets deps.Rotation. The client outlives the producer context until the
// runner has unsubscribed every slot.
func streamComponents(cfg *config.Config, snapshots *config.Store, monitor *reliability.Monitor, m *metrics.Metrics, deps *pipeline.Deps) []component {
	source := func() string { return snapshots.Load().Stream.Source }

	// the gate needs the client, which needs the handler, which needs the
	// controller; the controller only calls the gate once the runner ticks
	var gate rotation.Gate
	ctrl := rotation.NewController(cfg.Rotation.Slots, cfg.Rotation.Dwell, func(now time.Time) bool {
		return gate(now)
	})
	deps.Rotation = ctrl

	handler := pipeline.NewStreamHandler(*deps, cfg.Reader.RequestTimeout)
	var globals []string
	for _, ch := range snapshots.Load().Stream.Channels {
		if ch.Global {
			globals = append(globals, ch.Name)
		}
	}
	client := reader.NewStreamClient(reader.StreamConfig{
		URL:          cfg.Source.StreamURL,
		Token:        cfg.Source.Token,
		PingInterval: cfg.Reader.PingInterval,
		ReconnectMin: cfg.Reader.ReconnectMin,
		ReconnectMax: cfg.Reader.ReconnectMax,
		Globals:      globals,
	}, handler.Hooks(), deps.Log)
	gate = pipeline.RotationGate(client, monitor, source)

	runner := rotation.NewRunner(ctrl, pipeline.NewSubscriber(client, snapshots), rotation.RunnerConfig{
		Tick:       cfg.Rotation.Tick,
		AckTimeout: cfg.Rotation.AckTimeout,
	}, pipeline.RotationObserver(ctrl, monitor, m, source), deps.Log)

	return []component{{"stream", func(ctx context.Context) error {
		return pipeline.RunStream(ctx, client, runner)
	}}}
}

func newArchiver(ctx context.Context, cfg *config.Config, st *store.Store, log *logger.Log) (*writer.Archiver, error) {
	uploader, err := writer.NewS3Uploader(ctx, cfg.Storage.Archive)
	if err != nil {
		return nil, err
	}
	return writer.NewArchiver(cfg.Storage.Archive, st, uploader, cfg.Feedflow.Version, log)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
