package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leadgenhq/leadgen/pkg/api"
	"github.com/leadgenhq/leadgen/pkg/audit"
	"github.com/leadgenhq/leadgen/pkg/classify"
	"github.com/leadgenhq/leadgen/pkg/config"
	"github.com/leadgenhq/leadgen/pkg/dedupe"
	"github.com/leadgenhq/leadgen/pkg/deliver"
	"github.com/leadgenhq/leadgen/pkg/observability"
	"github.com/leadgenhq/leadgen/pkg/policy"
	"github.com/leadgenhq/leadgen/pkg/queue"
	"github.com/leadgenhq/leadgen/pkg/route"
	"github.com/leadgenhq/leadgen/pkg/store"
	"github.com/leadgenhq/leadgen/pkg/validate"
	"github.com/leadgenhq/leadgen/pkg/worker"

	_ "github.com/lib/pq" // Postgres driver
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "server"
	if len(args) >= 2 {
		cmd = args[1]
	}

	switch cmd {
	case "server", "serve":
		return runServer(stderr)
	case "worker":
		replay := len(args) >= 3 && args[2] == "--replay"
		return runWorker(stderr, replay)
	case "health":
		return runHealth(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: leadgen <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  server             run the ingestion API")
	_, _ = fmt.Fprintln(w, "  worker [--replay]  run the delivery workers; --replay re-enqueues stuck routed leads first")
	_, _ = fmt.Fprintln(w, "  health             check a running server's /health endpoint")
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}

type deps struct {
	cfg    *config.Config
	log    *slog.Logger
	db     *sql.DB
	rdb    *redis.Client
	leads  *store.LeadStore
	queue  *queue.Queue
	audit  audit.Logger
	obs    *observability.Provider
	policy *policy.Loader
}

func connect(ctx context.Context, cfg *config.Config, log *slog.Logger) (*deps, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "leadgen",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	leads := store.NewLeadStore(db)
	return &deps{
		cfg:    cfg,
		log:    log,
		db:     db,
		rdb:    rdb,
		leads:  leads,
		queue:  queue.New(rdb, cfg.VisibilityWindow()),
		audit:  audit.Tee(audit.NewLogger(), audit.NewStoreLogger(db)),
		obs:    obs,
		policy: policy.NewLoader(db, cfg.PolicyCacheTTL),
	}, nil
}

func (d *deps) close(ctx context.Context) {
	_ = d.obs.Shutdown(ctx)
	_ = d.rdb.Close()
	_ = d.db.Close()
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	log := setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := connect(ctx, cfg, log)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer d.close(context.Background())

	if err := d.queue.EnsureGroup(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	validator, err := validate.New(d.leads, log)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ingest := api.NewIngestHandler(
		classify.NewResolver(d.db),
		d.leads,
		d.policy,
		dedupe.New(d.leads, store.NewDuplicateEventStore(d.db), log),
		validator,
		route.New(d.leads, log),
		d.queue,
		d.audit,
		d.obs,
		cfg.IngestRequestTimeout,
		log,
	)
	health := api.NewHealthHandler(d.db, d.rdb, d.queue)

	srv := api.NewServer(api.ServerOptions{
		Addr:           ":" + cfg.Port,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, ingest, health, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown", "error", err)
		}
		return 0
	case err := <-errCh:
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
}

func runWorker(stderr io.Writer, replay bool) int {
	cfg := config.Load()
	log := setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := connect(ctx, cfg, log)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer d.close(context.Background())

	exec := deliver.New(
		d.leads,
		store.NewAttemptStore(d.db),
		d.queue,
		d.audit,
		deliver.Options{
			MaxAttempts:    cfg.WebhookMaxAttempts,
			ConnectTimeout: cfg.WebhookConnectTimeout,
			TotalTimeout:   cfg.WebhookTotalTimeout,
			Backoff:        cfg.WebhookBackoff,
		},
		log,
	)
	pool := worker.NewPool(d.queue, exec, d.leads, cfg.WorkerConcurrency, log)

	if replay {
		n, err := pool.Replay(ctx, 1000)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: replay: %v\n", err)
			return 1
		}
		log.Info("replay complete", "re_enqueued", n)
	}

	if err := pool.Run(ctx); err != nil && err != context.Canceled {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runHealth(stdout, stderr io.Writer) int {
	cfg := config.Load()
	resp, err := http.Get("http://localhost:" + cfg.Port + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	_, _ = stdout.Write(body)
	_, _ = fmt.Fprintln(stdout)
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
