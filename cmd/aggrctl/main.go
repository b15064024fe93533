// Command aggrctl is the operator surface for the hot-topic aggregation and
// merge pipeline: on-demand and scheduled runs of the Aggregation Engine,
// the Merge Engine's incremental/daily/custom/manual modes, and the
// Scheduler, mirroring the teacher's cmd/bd root-command-plus-subcommand-
// files layout (internal/agent.go, internal/admin.go, ...).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mosliu/hot-list-aggregation/internal/cache"
	"github.com/mosliu/hot-list-aggregation/internal/config"
	"github.com/mosliu/hot-list-aggregation/internal/llm"
	"github.com/mosliu/hot-list-aggregation/internal/logging"
	"github.com/mosliu/hot-list-aggregation/internal/storage"
	"github.com/mosliu/hot-list-aggregation/internal/storage/mysql"
	"github.com/mosliu/hot-list-aggregation/internal/telemetry"
)

func newDispatchCache() cache.Store {
	return cache.New()
}

var (
	cfgFile    string
	logFormat  string
	logLevel   string
	mysqlDSN   string
	anthropicAPIKey string

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "aggrctl",
	Short: "Operate the hot-topic event aggregation and merge pipeline",
	Long: `aggrctl drives the Aggregation Engine, the Merge Engine, and the
Scheduler that coordinates them.

Examples:
  aggrctl run aggregate --since "2 hours ago"
  aggrctl merge incremental
  aggrctl merge manual 101,102,103
  aggrctl run scheduler`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML or TOML config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log output format: json|text")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&mysqlDSN, "mysql-dsn", "", "MySQL DSN (overrides MYSQL_DSN env)")
	rootCmd.PersistentFlags().StringVar(&anthropicAPIKey, "anthropic-api-key", "", "Anthropic API key (overrides ANTHROPIC_API_KEY env)")

	rootCmd.AddGroup(&cobra.Group{ID: "pipeline", Title: "Pipeline Commands:"})
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(runCmd)
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime bundles the process-wide dependencies every subcommand needs,
// built once per invocation from flags/env/config-file.
type runtime struct {
	cfg        *config.Config
	log        *slog.Logger
	store      storage.Storage
	dispatcher *llm.Dispatcher
	cache      cache.Store
	shutdown   func(context.Context) error
}

func buildRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load(cfgFile, nil)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if mysqlDSN != "" {
		cfg.MySQLDSN = mysqlDSN
	}
	if anthropicAPIKey != "" {
		cfg.AnthropicAPIKey = anthropicAPIKey
	}

	log := logging.New(logFormat, logLevel)

	shutdownTelemetry, err := telemetry.Setup(cmd.Context(), "aggrctl")
	if err != nil {
		return nil, fmt.Errorf("setting up telemetry: %w", err)
	}

	dsn := storage.ParseDSNOrDefault(cfg.MySQLDSN, "aggr", "", "127.0.0.1", 3306, "hot_list_aggregation")
	store, err := mysql.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	client, err := llm.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.LLMRetryTimes, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("building LLM client: %w", err)
	}

	sharedCache := newDispatchCache()

	var dispatcherOpts []llm.Option
	dispatcherOpts = append(dispatcherOpts, llm.WithBatchSize(cfg.LLMBatchSize), llm.WithMaxConcurrent(cfg.LLMMaxConcurrent))
	if cfg.DebugReplay {
		dispatcherOpts = append(dispatcherOpts, llm.WithDebugReplay(cfg.LLMCallsDir))
	}
	dispatcher := llm.New(client, sharedCache, log, dispatcherOpts...)

	return &runtime{
		cfg:        cfg,
		log:        log,
		store:      store,
		dispatcher: dispatcher,
		cache:      sharedCache,
		shutdown: func(ctx context.Context) error {
			closeErr := store.Close()
			if telErr := shutdownTelemetry(ctx); telErr != nil && closeErr == nil {
				closeErr = telErr
			}
			return closeErr
		},
	}, nil
}

func (r *runtime) close() {
	ctx := rootCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := r.shutdown(ctx); err != nil {
		r.log.Warn("error shutting down runtime", "error", err)
	}
}
