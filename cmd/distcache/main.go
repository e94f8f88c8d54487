// distcache is the static file distribution cache server.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/maresync/distcache/internal/cache"
	"github.com/maresync/distcache/internal/config"
	"github.com/maresync/distcache/internal/metadata"
	"github.com/maresync/distcache/internal/metrics"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "distcache",
		Short: "distcache - content-addressed file distribution cache",
		Long: `distcache serves static files by content hash from a local cache,
promoting from cold storage or pulling misses from an upstream
distribution peer, with a background janitor enforcing retention
and size limits.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "distcache.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cache server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("distcache %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging configures the global zerolog writer and level.
func setupLogging(cfg *config.Config) error {
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	var out io.Writer = console
	if cfg.LogFile != "" {
		out = zerolog.MultiLevelWriter(console, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}

	logger := log.Logger

	if err := os.MkdirAll(cfg.CacheDirectory, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if cfg.UseColdStorage {
		if err := os.MkdirAll(cfg.ColdStorageDirectory, 0o755); err != nil {
			return fmt.Errorf("create cold storage directory: %w", err)
		}
	}

	store, err := metadata.OpenFileStore(cfg.MetadataDirectory)
	if err != nil {
		return fmt.Errorf("open file registry: %w", err)
	}

	sink := metrics.New()

	var fetcher *cache.PeerFetcher
	if cfg.DistributionFileServerAddress != "" {
		fetcher = cache.NewPeerFetcher(
			cfg.DistributionFileServerAddress,
			cache.StaticTokenProvider(cfg.DistributionAuthToken),
			cfg.DistributionFileServerForceHTTP2,
			logger,
		)
		defer fetcher.Close()
	}

	provider := cache.NewProvider(cache.ProviderConfig{
		HotDir:      cfg.CacheDirectory,
		ColdDir:     cfg.ColdStorageDirectory,
		ColdEnabled: cfg.UseColdStorage,
		Fetcher:     fetcher,
		Metrics:     sink,
		Touches:     cache.TouchFunc(func(string) {}),
		Logger:      logger,
	})

	janitor := cache.NewJanitor(cache.JanitorConfig{
		HotDir:            cfg.CacheDirectory,
		ColdDir:           cfg.ColdStorageDirectory,
		ColdEnabled:       cfg.UseColdStorage,
		HotRetentionDays:  cfg.UnusedFileRetentionPeriodInDays,
		HotForcedHours:    cfg.ForcedDeletionOfFilesAfterHours,
		HotSizeLimit:      cfg.HotSizeLimit(),
		ColdRetentionDays: cfg.ColdStorageUnusedFileRetentionPeriodInDays,
		ColdSizeLimit:     cfg.ColdSizeLimit(),
		CheckMinutes:      cfg.CleanupCheckInMinutes,
		Store:             store,
		Metrics:           sink,
		Downloads:         provider,
		Logger:            logger,
	})

	seedGauges(cfg, sink, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{
		Addr:    cfg.MetricsListen,
		Handler: metrics.Handler(),
	}

	logger.Info().
		Str("version", Version).
		Str("cache_dir", cfg.CacheDirectory).
		Bool("cold_storage", cfg.UseColdStorage).
		Bool("distribution_node", cfg.IsDistributionNode).
		Str("peer", cfg.DistributionFileServerAddress).
		Msg("starting distcache")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return janitor.Run(ctx)
	})
	g.Go(func() error {
		err := metricsSrv.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info().Msg("distcache stopped")
	return nil
}

// seedGauges walks the tiers once at startup so the totals are correct
// before the first janitor iteration.
func seedGauges(cfg *config.Config, sink *metrics.CacheMetrics, logger zerolog.Logger) {
	count, size := walkTier(cfg.CacheDirectory)
	sink.SetGauge(cache.GaugeFilesTotal, float64(count))
	sink.SetGauge(cache.GaugeFilesTotalSize, float64(size))
	if cfg.UseColdStorage {
		count, size = walkTier(cfg.ColdStorageDirectory)
		sink.SetGauge(cache.GaugeFilesTotalColdStorage, float64(count))
		sink.SetGauge(cache.GaugeFilesSizeColdStorage, float64(size))
	}
	logger.Debug().Msg("seeded tier gauges")
}

func walkTier(root string) (count int, size int64) {
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			count++
			size += info.Size()
		}
		return nil
	})
	return count, size
}
