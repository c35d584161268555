package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cuemby/toolrunner/pkg/config"
	"github.com/cuemby/toolrunner/pkg/executor"
	"github.com/cuemby/toolrunner/pkg/gateway"
	"github.com/cuemby/toolrunner/pkg/health"
	"github.com/cuemby/toolrunner/pkg/idempotence"
	"github.com/cuemby/toolrunner/pkg/log"
	"github.com/cuemby/toolrunner/pkg/metrics"
	"github.com/cuemby/toolrunner/pkg/orchestrator"
	"github.com/cuemby/toolrunner/pkg/registry"
	"github.com/cuemby/toolrunner/pkg/registryclient"
	"github.com/cuemby/toolrunner/pkg/resolver"
	"github.com/cuemby/toolrunner/pkg/retry"
	"github.com/cuemby/toolrunner/pkg/schema"
	"github.com/cuemby/toolrunner/pkg/store"
	"github.com/cuemby/toolrunner/pkg/telemetry"
)

var (
	logLevel   string
	logJSON    bool
	configFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "toolrunner",
	Short: "toolrunner runs sandboxed tool executions behind a durable delivery envelope",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", true, "emit structured JSON logs")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (optional, env and defaults fill the rest)")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the gateway, registry, and runner orchestrator",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.WithComponent("main")
	logger.Info().Msg("starting toolrunner")

	pg, err := store.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()
	logger.Info().Msg("connected to postgres")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()
	logger.Info().Msg("connected to redis")

	exec, err := executor.New(cfg.ContainerdSocket)
	if err != nil {
		return fmt.Errorf("connect containerd: %w", err)
	}
	defer exec.Close()
	logger.Info().Str("socket", cfg.ContainerdSocket).Msg("connected to containerd")

	cache := idempotence.New(redisClient, pg)
	validator := schema.New()

	retryPolicy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		Base:        cfg.RetryBackoffBase,
		MaxBackoff:  cfg.RetryBackoffMax(),
	}
	retryCtrl := retry.New(exec, retryPolicy)

	regClient := registryclient.New(cfg.RegistryURL)
	res := resolver.New(regClient)

	tel := telemetry.New()
	if cfg.TelemetryEnabled {
		if err := tel.DialAMQP(cfg.TelemetryAMQPURL); err != nil {
			logger.Warn().Err(err).Msg("telemetry AMQP dial failed, continuing with in-process subscribers only")
		}
	}
	tel.Start()
	defer tel.Stop()

	orch := orchestrator.New(pg, cache, validator, res, retryCtrl, tel, orchestrator.Options{
		DefaultTimeout: time.Duration(cfg.DefaultTimeoutMS) * time.Millisecond,
		MaxTimeout:     time.Duration(cfg.MaxTimeoutMS) * time.Millisecond,
		CacheTTL:       cfg.CacheTTL(),
	})

	reg, err := registry.New(ctx, pg)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	readiness := &health.Aggregate{
		Checkers: map[string]health.Checker{
			"postgres":   health.PostgresChecker(pg.Pool()),
			"redis":      health.RedisChecker(redisClient),
			"containerd": health.ContainerdChecker(exec.Client()),
		},
	}

	gw := gateway.New(reg, orch, pg, readiness)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", gw)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.GatewayPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("gateway server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("gateway shutdown did not complete cleanly")
	}

	logger.Info().Msg("toolrunner stopped")
	return nil
}
