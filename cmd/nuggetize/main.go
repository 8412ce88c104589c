// Package main is the Nuggetize CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/nuggetize/internal/cli"
	"github.com/hyperjump/nuggetize/internal/config"
	"github.com/hyperjump/nuggetize/internal/dispatcher"
	"github.com/hyperjump/nuggetize/internal/extract"
	"github.com/hyperjump/nuggetize/internal/models"
	"github.com/hyperjump/nuggetize/internal/queue"
	"github.com/hyperjump/nuggetize/internal/server"
	"github.com/hyperjump/nuggetize/internal/storage"
	"github.com/hyperjump/nuggetize/internal/urlwatch"
	"github.com/hyperjump/nuggetize/internal/watcher"
	"github.com/hyperjump/nuggetize/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/nuggetize/config.yaml"

type rootOptions struct {
	configPath string
	debug      bool
	format     string
}

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development).
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// setup loads the config and builds the logger shared by every command.
func (o *rootOptions) setup() (*config.Config, *zap.Logger, error) {
	cfg, resolved, err := loadConfig(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	debug := cfg.Debug || o.debug
	logger, err := utils.NewLogger(debug)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debug))
	return cfg, logger, nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "nuggetize",
		Short:        "Turn documents and web pages into searchable learning nuggets",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "config file path")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&opts.format, "format", string(cli.OutputText), "output format: text or json")

	root.AddCommand(
		newServeCmd(opts),
		newProcessCmd(opts),
		newIngestCmd(opts),
		newJobsCmd(opts),
		newCheckURLsCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "nuggetize version %s\n", version)
			},
		},
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, job dispatcher, folder watches and URL polling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runServe(cfg, logger)
		},
	}
}

func runServe(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	if err := seed(ctx, components.Store, cfg); err != nil {
		return err
	}

	q := queue.NewMemoryQueue(cfg.Dispatcher.QueueSize)
	disp, err := dispatcher.New(q, components.Processor, cfg.Dispatcher.Concurrency, dispatcher.WithLogger(logger))
	if err != nil {
		return err
	}
	disp.Start(ctx)

	if n, err := reconcile(ctx, components.Store, q, cfg.Dispatcher.StuckAfter, time.Now(), logger); err != nil {
		logger.Error("startup reconciliation failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("re-enqueued pending jobs", zap.Int("count", n))
	}

	folders := watcher.NewManager(components.Store, q,
		watcher.WithManagerLogger(logger),
		watcher.WithFileStability(cfg.Watch.StabilityThreshold, cfg.Watch.PollInterval),
	)
	if err := folders.Sync(ctx, components.Store); err != nil {
		logger.Error("failed to start folder watches", zap.Error(err))
	}

	urls := urlwatch.NewManager(components.Store, q,
		urlwatch.WithHTTPClient(&http.Client{Timeout: cfg.URLs.RequestTimeout}),
		urlwatch.WithUserAgent(cfg.URLs.UserAgent),
		urlwatch.WithLogger(logger),
	)
	urls.Start(ctx, cfg.URLs.CheckInterval())

	srvOpts := []server.Option{
		server.WithLogger(logger),
		server.WithFolderWatcher(ctx, folders),
		server.WithURLChecker(urls),
	}
	if components.Index != nil {
		srvOpts = append(srvOpts, server.WithKeywordIndex(components.Index))
	}
	srv := server.NewServer(components.Store, q, cfg, srvOpts...)
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-srvErr:
		logger.Error("server failed", zap.Error(err))
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)

	urls.Close()
	folders.StopAll()
	disp.Stop()
	q.Close()

	graceCtx, graceCancel := context.WithTimeout(context.Background(), cfg.Dispatcher.IllustrationGrace)
	defer graceCancel()
	if werr := components.Processor.WaitIllustrations(graceCtx); werr != nil {
		logger.Warn("abandoned pending illustrations", zap.Error(werr))
	}
	logger.Info("shutdown complete")
	return err
}

func newProcessCmd(opts *rootOptions) *cobra.Command {
	var retry bool
	cmd := &cobra.Command{
		Use:   "process <jobID>",
		Short: "Process one pending job in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()

			components, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Close()

			if retry {
				if err := components.Store.ResetJob(ctx, args[0]); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
					return err
				}
			}
			return runJob(ctx, cmd, components, cfg, args[0], cli.ParseFormat(opts.format))
		},
	}
	cmd.Flags().BoolVar(&retry, "retry", false, "reset a failed job to pending before processing")
	return cmd
}

// runJob processes a job, waits for its illustrations and prints the outcome.
func runJob(ctx context.Context, cmd *cobra.Command, c *Components, cfg *config.Config, jobID string, format cli.OutputFormat) error {
	procErr := c.Processor.ProcessJob(ctx, jobID)

	graceCtx, cancel := context.WithTimeout(ctx, cfg.Dispatcher.IllustrationGrace)
	defer cancel()
	_ = c.Processor.WaitIllustrations(graceCtx)

	job, err := c.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := cli.WriteJob(cmd.OutOrStdout(), job, format); err != nil {
		return err
	}
	if procErr != nil {
		return procErr
	}
	if job.Status == models.JobCompleted && format == cli.OutputText {
		nuggets, err := c.Store.ListNuggetsByJob(ctx, jobID)
		if err != nil {
			return err
		}
		return cli.WriteNuggets(cmd.OutOrStdout(), nuggets, format)
	}
	return nil
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "ingest <path|url>",
		Short: "Create a job for a file or URL and process it in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()

			if org == "" {
				org = cfg.OrganizationID
			}
			job, err := newIngestJob(args[0], org)
			if err != nil {
				return err
			}

			components, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Close()

			if err := components.Store.CreateJob(ctx, job); err != nil {
				return err
			}
			logger.Info("created job", zap.String("job_id", job.ID), zap.String("source", job.Source))
			return runJob(ctx, cmd, components, cfg, job.ID, cli.ParseFormat(opts.format))
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id (defaults to organization_id from config)")
	return cmd
}

// newIngestJob builds a pending job for a URL or a local file.
func newIngestJob(source, org string) (*models.IngestionJob, error) {
	job := &models.IngestionJob{
		ID:             uuid.NewString(),
		OrganizationID: org,
		Status:         models.JobPending,
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		job.Kind = models.KindURL
		job.Source = source
		return job, nil
	}

	abs, err := filepath.Abs(source)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", source, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", source)
	}
	if !extract.Supported(filepath.Ext(abs)) {
		return nil, fmt.Errorf("unsupported file type: %s", filepath.Ext(abs))
	}
	job.Kind = models.KindFile
	job.Source = abs
	job.Metadata = map[string]interface{}{
		"fileName": filepath.Base(abs),
		"fileSize": info.Size(),
	}
	return job, nil
}

func newJobsCmd(opts *rootOptions) *cobra.Command {
	var (
		status string
		org    string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List ingestion jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			filter := storage.JobFilter{OrganizationID: org, Limit: limit}
			if filter.OrganizationID == "" {
				filter.OrganizationID = cfg.OrganizationID
			}
			if status != "" {
				filter.Status = models.JobStatus(status)
				if !filter.Status.Valid() {
					return fmt.Errorf("invalid status %q", status)
				}
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			jobs, err := store.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return cli.WriteJobs(cmd.OutOrStdout(), jobs, cli.ParseFormat(opts.format))
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, processing, completed, failed)")
	cmd.Flags().StringVar(&org, "org", "", "organization id (defaults to organization_id from config)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs")
	return cmd
}

func newCheckURLsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-urls",
		Short: "Check every monitored URL once; changed pages get pending jobs for the next serve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := seed(ctx, store, cfg); err != nil {
				return err
			}
			monitored, err := store.ListURLs(ctx, true)
			if err != nil {
				return err
			}

			// Nothing consumes this queue; jobs stay pending and serve re-enqueues them.
			q := queue.NewMemoryQueue(len(monitored) + 1)
			defer q.Close()
			m := urlwatch.NewManager(store, q,
				urlwatch.WithHTTPClient(&http.Client{Timeout: cfg.URLs.RequestTimeout}),
				urlwatch.WithUserAgent(cfg.URLs.UserAgent),
				urlwatch.WithLogger(logger),
			)
			defer m.Close()
			sum, err := m.CheckAll(ctx)
			if err != nil {
				return err
			}
			return cli.WriteURLSummary(cmd.OutOrStdout(), sum, cli.ParseFormat(opts.format))
		},
	}
}
