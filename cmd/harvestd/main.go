// Command harvestd is the self-adaptive web-scraping orchestrator's
// worker/API process: it serves the operator HTTP surface (job
// submission, run inspection, intervention resolution, the Event
// Stream) and runs a pool of Run Executor workers pulling off an
// in-process queue. Flag/env/config-file wiring follows the pack's
// cobra+viper convention (joestump-claude-ops/cmd/claudeops/main.go);
// subsystem tuning is delegated to core.Config.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/corvid-labs/harvest/core"
	"github.com/corvid-labs/harvest/internal/logging"
	"github.com/corvid-labs/harvest/internal/metrics"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "harvestd",
		Short: "Self-adaptive web-scraping orchestrator worker",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.Int("port", 8080, "HTTP port for the operator API")
	f.String("config-file", "", "optional YAML config file (core.Config's third layer)")
	f.String("log-level", "info", "debug, info, warn, or error")
	f.String("log-format", "json", "json or pretty")
	f.Int("workers", 4, "number of Run Executor worker goroutines")
	f.String("redis-url", "", "Redis connection URL (used by the redis domain intel provider)")
	f.String("domain-intel-provider", "inmemory", "inmemory or redis")
	f.String("session-dir", "./data/sessions", "directory for encrypted session persistence")
	f.Bool("dev-mode", false, "enable development mode (pretty logs, headed browser)")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("port", "port")
	bindFlag("config_file", "config-file")
	bindFlag("log_level", "log-level")
	bindFlag("log_format", "log-format")
	bindFlag("workers", "workers")
	bindFlag("redis_url", "redis-url")
	bindFlag("domain_intel_provider", "domain-intel-provider")
	bindFlag("session_dir", "session-dir")
	bindFlag("dev_mode", "dev-mode")

	viper.SetEnvPrefix("HARVESTD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	pretty := viper.GetString("log_format") == "pretty" || viper.GetBool("dev_mode")
	logger := logging.New(logging.Options{
		Level:       viper.GetString("log_level"),
		Pretty:      pretty,
		ServiceName: "harvestd",
	})

	// core.Config's LoggingConfig only recognizes "json"/"text" — the
	// CLI's "pretty" format selects internal/logging's console writer
	// above but still records as "text" in cfg for anything that reads
	// cfg.Logging.Format back (e.g. a future config dump).
	coreLogFormat := viper.GetString("log_format")
	if coreLogFormat == "pretty" {
		coreLogFormat = "text"
	}

	opts := []core.Option{
		core.WithPort(viper.GetInt("port")),
		core.WithLogLevel(viper.GetString("log_level")),
		core.WithLogFormat(coreLogFormat),
		core.WithSessionStorageDir(viper.GetString("session_dir")),
		core.WithDevelopmentMode(viper.GetBool("dev_mode")),
		core.WithLogger(logger),
	}
	if redisURL := viper.GetString("redis_url"); redisURL != "" {
		opts = append(opts, core.WithRedisURL(redisURL))
	}
	if configFile := viper.GetString("config_file"); configFile != "" {
		opts = append(opts, core.WithConfigFile(configFile))
	}
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return fmt.Errorf("build config: %w", err)
	}
	cfg.DomainIntel.Provider = viper.GetString("domain_intel_provider")

	logger.Info("harvestd starting", map[string]interface{}{
		"port":                  cfg.Port,
		"workers":               viper.GetInt("workers"),
		"domain_intel_provider": cfg.DomainIntel.Provider,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer application.sqliteStore.Close() //nolint:errcheck

	application.sweeper.Start()
	defer application.sweeper.Stop()

	numWorkers := viper.GetInt("workers")
	if numWorkers <= 0 {
		numWorkers = 1
	}
	for i := 0; i < numWorkers; i++ {
		go runExecutorWorker(ctx, application, logger.WithComponent("harvest/executor"))
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newRouter(application),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received signal, shutting down", map[string]interface{}{"signal": sig.String()})
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// runExecutorWorker pulls run ids off the queue and runs exactly one
// attempt cycle per id, per spec.md §4.7 — every escalation, retry, or
// pause within that run happens inside the single Executor.Run call;
// a new run id (whether the job's next attempt or a human-resolved
// retry) always re-enters through this same loop.
func runExecutorWorker(ctx context.Context, app *app, logger core.Logger) {
	for {
		runID, err := app.queue.Dequeue(ctx)
		if err != nil {
			return // ctx canceled
		}

		start := time.Now()
		if err := app.exec.Run(ctx, runID); err != nil {
			logger.Error("run failed", map[string]interface{}{"run_id": runID, "error": err.Error()})
		}

		run, loadErr := app.sqliteStore.LoadRun(ctx, runID)
		if loadErr == nil {
			metrics.RecordRunComplete(string(run.Status), time.Since(start))
		}
	}
}
