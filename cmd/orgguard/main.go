package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/orgguard/orgguard/internal/actions"
	"github.com/orgguard/orgguard/internal/api"
	"github.com/orgguard/orgguard/internal/authz"
	"github.com/orgguard/orgguard/internal/config"
	"github.com/orgguard/orgguard/internal/jobs"
	"github.com/orgguard/orgguard/internal/logging"
	"github.com/orgguard/orgguard/internal/policy"
	"github.com/orgguard/orgguard/internal/policyconfig"
	"github.com/orgguard/orgguard/internal/scanner"
	"github.com/orgguard/orgguard/internal/store"
	"github.com/orgguard/orgguard/internal/webhook"
	"github.com/orgguard/orgguard/pkg/github"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	dailyScanID     = "daily-scan"
	serverStopGrace = 10 * time.Second
)

var rootCmd = &cobra.Command{
	Use:     "orgguard",
	Short:   "orgguard - GitHub organization policy enforcement",
	Long:    `orgguard scans every repository in a GitHub organization against the policies declared in the organization's .github/config.yaml and executes the configured remediation actions`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orgguard %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one organization scan and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScanOnce()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(scanCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// services is the assembled application: everything runServer and
// runScanOnce share.
type services struct {
	cfg    *config.Config
	store  *store.SQLiteStore
	queue  *jobs.Queue
	client *github.Client
	loader *policyconfig.Loader
	authz  *authz.Authorizer
}

func buildServices() (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "orgguard",
	})

	st, err := store.NewSQLiteStore(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client, err := github.NewClient(github.ClientConfig{
		AppID:          cfg.GitHubAppID,
		PrivateKeyPEM:  cfg.GitHubPrivateKey,
		InstallationID: cfg.GitHubInstallationID,
		Org:            cfg.GitHubOrg,
		BaseURL:        cfg.GitHubAPIBaseURL,
		Timeout:        cfg.GitHubAPITimeout,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create GitHub client: %w", err)
	}

	queue, err := jobs.NewQueue(st.DB(), cfg.WorkerCount)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create job queue: %w", err)
	}

	loader := policyconfig.NewLoader(client)
	registry := policy.Builtin(client)

	sc := scanner.New(client, loader, registry, st, queue)
	executor := actions.New(client, loader, st)
	processor := webhook.NewProcessor(client, loader, registry, executor, st)

	register := func(method string, fn func(ctx context.Context, args json.RawMessage) error) {
		queue.Register(method, fn)
	}
	sc.RegisterJobs(register)
	executor.RegisterJobs(register)
	processor.RegisterJobs(register)

	return &services{
		cfg:    cfg,
		store:  st,
		queue:  queue,
		client: client,
		loader: loader,
		authz:  authz.New(client, loader, cfg.TestMode),
	}, nil
}

func runServer() {
	// Baseline logger for early startup logs; re-initialized once the
	// configuration is loaded.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "orgguard",
	})

	svc, err := buildServices()
	if err != nil {
		log.Fatal().Err(err).Msg("Startup failed")
	}
	defer svc.store.Close()

	log.Info().
		Str("version", Version).
		Str("org", svc.client.Org()).
		Msg("Starting orgguard")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsSrv := newMetricsServer(svc.cfg)
	go func() {
		log.Info().Str("addr", metricsSrv.Addr).Msg("Metrics endpoint listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Metrics server stopped unexpectedly")
		}
	}()

	if err := svc.queue.Recurring(dailyScanID, scanner.MethodPerformScan, nil, svc.cfg.ScanCron); err != nil {
		log.Fatal().Err(err).Str("cron", svc.cfg.ScanCron).Msg("Failed to register recurring scan")
	}
	svc.queue.Start(ctx)

	wh := webhook.NewHandler(svc.cfg.GitHubWebhookSecret, svc.queue)
	router := api.NewRouter(wh, svc.queue, func(r *http.Request, userToken, login string) (bool, error) {
		return svc.authz.Authorize(r.Context(), userToken, login)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", svc.cfg.BackendHost, svc.cfg.BackendPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverStopGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down HTTP server cleanly")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down metrics server cleanly")
	}

	cancel()
	svc.queue.Wait()
	log.Info().Msg("Shutdown complete")
}

// runScanOnce starts the worker pool, enqueues a single scan, and exits
// once the queue drains. Used for cron-driven or ad-hoc invocations
// without the HTTP surface.
func runScanOnce() error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "orgguard",
	})

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.queue.Start(ctx)

	jobID, err := svc.queue.Enqueue(ctx, scanner.MethodPerformScan, nil)
	if err != nil {
		return fmt.Errorf("enqueue scan: %w", err)
	}
	log.Info().Str("job_id", jobID).Msg("Scan enqueued; waiting for queue to drain")

	if err := waitForDrain(ctx, svc.queue); err != nil {
		return err
	}
	cancel()
	svc.queue.Wait()
	return nil
}

// newMetricsServer builds the Prometheus side listener. It shares the
// bind host with the API server but its own port, so the scrape
// endpoint never leaks through the public surface.
func newMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.BackendHost, cfg.MetricsPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

// waitForDrain blocks until no job is pending or running.
func waitForDrain(ctx context.Context, queue *jobs.Queue) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			live, err := queue.CountLive()
			if err != nil {
				return fmt.Errorf("count live jobs: %w", err)
			}
			if live == 0 {
				return nil
			}
		}
	}
}
