package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/afspm/config"
	"github.com/c360/afspm/envelope"
	"github.com/c360/afspm/health"
	"github.com/c360/afspm/metric"
	"github.com/c360/afspm/natsclient"
	"github.com/c360/afspm/pkg/retry"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPaths []string
	logLevel    string
	logFormat   string
	natsURL     string
	prefix      string
	metrics     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "afspm",
		Short: "Automated framework for scanning probe microscopy",
		Long: `afspm connects a microscope translator, a scheduler and any number of
automated components over NATS. Start the scheduler first, then the
translator, then the components that drive the experiment.`,
		Version:       fmt.Sprintf("%s (%s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringSliceVarP(&opts.configPaths, "config", "c", envList("AFSPM_CONFIG"),
		"Configuration file(s), layered in order: .yaml, .toml or .json (env: AFSPM_CONFIG)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (env: AFSPM_LOG_LEVEL)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format: json, text (env: AFSPM_LOG_FORMAT)")
	flags.StringVar(&opts.natsURL, "nats-url", "", "NATS server URL (env: AFSPM_NATS_URL)")
	flags.StringVar(&opts.prefix, "prefix", "", "Subject prefix of the experiment (env: AFSPM_PREFIX)")
	flags.BoolVar(&opts.metrics, "metrics", false, "Serve /metrics and /health (env: AFSPM_METRICS_ENABLED)")

	root.AddCommand(
		newSchedulerCmd(opts),
		newTranslatorCmd(opts),
		newScannerCmd(opts),
		newMonitorCmd(opts),
		newCtlCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func envList(key string) []string {
	if v := os.Getenv(key); v != "" {
		return []string{v}
	}
	return nil
}

// env is what every process needs before it builds its components.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *envelope.Registry
	factory  *natsclient.Factory
	metrics  *metric.MetricsRegistry
	core     *metric.Metrics
	health   *health.Monitor
}

// loadConfig applies the config layers, the environment and the flags that
// were explicitly set, in that order.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range o.configPaths {
		loader.AddLayer(path)
	}
	loader.EnableValidation(false)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if flags.Changed("nats-url") {
		cfg.Transport.URL = o.natsURL
	}
	if flags.Changed("prefix") {
		cfg.Transport.Prefix = o.prefix
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Enabled = o.metrics
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads configuration and builds the shared dependencies of process
// name.
func (o *rootOptions) setup(cmd *cobra.Command, name string) (*env, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	// ctl prints responses on stdout.
	logOut := cmd.OutOrStdout()
	if name == "ctl" {
		logOut = cmd.ErrOrStderr()
	}
	logger := setupLogger(logOut, "afspm-"+name, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	metricsRegistry := metric.NewMetricsRegistry()
	core := metricsRegistry.CoreMetrics()

	clientName := cfg.Transport.Name
	if clientName == "" {
		clientName = "afspm-" + name
	}
	natsOpts := []natsclient.ClientOption{
		natsclient.WithName(clientName),
		natsclient.WithMaxReconnects(cfg.Transport.MaxReconnects),
		natsclient.WithReconnectWait(cfg.Transport.ReconnectWait.D()),
		natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
		natsclient.WithMetrics(core),
	}
	if cfg.Transport.Token != "" {
		natsOpts = append(natsOpts, natsclient.WithToken(cfg.Transport.Token))
	}
	if tls := cfg.Transport.TLS; tls.Enabled {
		natsOpts = append(natsOpts, natsclient.WithTLS(tls.Cert, tls.Key, tls.CA))
	}
	if cfg.Transport.Username != "" {
		natsOpts = append(natsOpts, natsclient.WithCredentials(cfg.Transport.Username, cfg.Transport.Password))
	}

	logger.Info("Starting afspm process",
		"process", name,
		"version", Version,
		"build_time", BuildTime,
		"nats_url", cfg.Transport.URL,
		"prefix", cfg.Transport.Prefix,
		"codec", cfg.Transport.Codec,
		"compression", cfg.Transport.Compression)

	return &env{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		factory:  natsclient.NewFactory(cfg.Transport.URL, natsOpts...).WithDialRetry(retry.DefaultConfig()),
		metrics:  metricsRegistry,
		core:     core,
		health:   health.NewMonitor(),
	}, nil
}

// dial connects one NATS client, closed when the command returns.
func (e *env) dial(ctx context.Context) (*natsclient.Client, func(), error) {
	client, err := e.factory.DialClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			e.logger.Warn("NATS close failed", "error", err)
		}
	}, nil
}

// serveMetrics starts the metric server if enabled. The returned stop is
// always safe to call.
func (e *env) serveMetrics() (func(), error) {
	if !e.cfg.Metrics.Enabled {
		return func() {}, nil
	}
	srv := metric.NewServer(e.cfg.Metrics.Addr, e.cfg.Metrics.Path, e.metrics, e.health)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	e.logger.Info("Serving metrics", "addr", e.cfg.Metrics.Addr, "path", e.cfg.Metrics.Path)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	}, nil
}

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
