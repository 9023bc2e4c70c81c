// Command tradingagentd runs the trading-strategy-generation agent
// platform: the Request Router and its provider adapters, the Key Manager,
// the workflow engine and its architect/coder/tester/debugger agents, and
// the outer iterative-convergence driver, fronted by a minimal HTTP health
// endpoint.
//
// # Configuration
//
// Environment variables:
//
//	HTTP_ADDR              - HTTP listen address (default: ":8080")
//	KEY_MANIFEST_PATH       - path to the key configuration JSON file (required)
//	EVENT_BUS               - "mem" or "redis" (default: "mem")
//	REDIS_URL               - Redis connection address, required when EVENT_BUS=redis
//	REDIS_PASSWORD          - Redis password (optional)
//	ARTIFACTS_DIR           - root directory for generated artifacts (default: "./artifacts")
//	POSTGRES_DSN            - Postgres connection string; when unset, persistence is skipped
//	MAX_ITERATIONS          - outer convergence loop bound (default: 5)
//	ROUTER_REQUEST_TIMEOUT  - per-request timeout for the router and key manager (default: 30s)
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/jgilcrest/tradingagent/agentframework"
	"github.com/jgilcrest/tradingagent/agents/architect"
	"github.com/jgilcrest/tradingagent/agents/coder"
	"github.com/jgilcrest/tradingagent/agents/debugger"
	"github.com/jgilcrest/tradingagent/agents/tester"
	"github.com/jgilcrest/tradingagent/eventbus"
	"github.com/jgilcrest/tradingagent/iterloop"
	"github.com/jgilcrest/tradingagent/keymanager"
	"github.com/jgilcrest/tradingagent/observability"
	"github.com/jgilcrest/tradingagent/orchestrator"
	"github.com/jgilcrest/tradingagent/persistence/postgres"
	"github.com/jgilcrest/tradingagent/router"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	httpAddr := envOr("HTTP_ADDR", ":8080")
	keyManifestPath := os.Getenv("KEY_MANIFEST_PATH")
	if keyManifestPath == "" {
		return fmt.Errorf("KEY_MANIFEST_PATH is required")
	}
	artifactsDir := envOr("ARTIFACTS_DIR", "./artifacts")
	maxIterations := envIntOr("MAX_ITERATIONS", 5)
	reqTimeout := envDurationOr("ROUTER_REQUEST_TIMEOUT", 30*time.Second)

	configs, err := loadKeyConfigs(keyManifestPath)
	if err != nil {
		return err
	}
	routes, err := buildModelRoutes(configs)
	if err != nil {
		return err
	}

	bus, closeBus, err := buildBus(ctx)
	if err != nil {
		return err
	}
	defer closeBus()

	km := keymanager.New(toKeyRecords(configs), reqTimeout)
	defer km.Close()

	rtr := router.New(km, routes, reqTimeout)
	defer rtr.Close()

	orch, err := orchestrator.New(bus)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	defer orch.Close()

	driver := iterloop.New(orch, maxIterations)

	artifacts, err := newFileArtifacts(artifactsDir)
	if err != nil {
		return err
	}

	agentBases, err := startAgents(bus, rtr, artifacts)
	if err != nil {
		return err
	}
	defer closeAgents(ctx, agentBases)

	metrics := observability.New("tradingagent")
	stopMetricsPoll := pollMetrics(ctx, metrics, rtr)
	defer stopMetricsPoll()

	var store *postgres.Store
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		var closeStore func()
		store, closeStore, err = buildPostgresStore(ctx, dsn)
		if err != nil {
			return err
		}
		defer closeStore()
	}

	workflows := workflowDeps{orch: orch, driver: driver, store: store}
	return serveHTTP(ctx, httpAddr, healthDeps{rtr: rtr, bus: bus}, workflows)
}

// startAgents wires one agentframework.Base per role onto bus, sharing the
// same router and artifact store.
func startAgents(bus eventbus.Bus, rtr *router.Router, artifacts *fileArtifacts) ([]*agentframework.Base, error) {
	archBase, err := architect.New(bus, rtr, "claude-3-5-sonnet", artifacts.WriteContract)
	if err != nil {
		return nil, fmt.Errorf("start architect agent: %w", err)
	}
	coderBase, err := coder.New(bus, rtr, "claude-3-5-sonnet", artifacts)
	if err != nil {
		return nil, fmt.Errorf("start coder agent: %w", err)
	}
	testerBase, err := tester.New(bus, nil)
	if err != nil {
		return nil, fmt.Errorf("start tester agent: %w", err)
	}
	debuggerBase, err := debugger.New(bus, rtr, "claude-3-5-sonnet", artifacts.Read)
	if err != nil {
		return nil, fmt.Errorf("start debugger agent: %w", err)
	}
	return []*agentframework.Base{archBase, coderBase, testerBase, debuggerBase}, nil
}

func closeAgents(ctx context.Context, bases []*agentframework.Base) {
	for _, b := range bases {
		if err := b.Close(); err != nil {
			log.Printf(ctx, "close agent %s: %v", b.AgentID(), err)
		}
	}
}

// buildBus constructs the configured eventbus.Bus implementation.
func buildBus(ctx context.Context) (eventbus.Bus, func(), error) {
	kind := envOr("EVENT_BUS", "mem")
	switch kind {
	case "mem":
		bus := eventbus.NewMemBus()
		return bus, func() { _ = bus.Close() }, nil
	case "redis":
		redisURL := os.Getenv("REDIS_URL")
		if redisURL == "" {
			return nil, nil, fmt.Errorf("REDIS_URL is required when EVENT_BUS=redis")
		}
		client := redis.NewClient(&redis.Options{Addr: redisURL, Password: os.Getenv("REDIS_PASSWORD")})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		bus := eventbus.NewRedisBus(client, "tradingagentd")
		return bus, func() {
			_ = bus.Close()
			_ = client.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("invalid EVENT_BUS %q (valid values: mem, redis)", kind)
	}
}

// buildPostgresStore opens and migrates the optional persistence mirror.
func buildPostgresStore(ctx context.Context, dsn string) (*postgres.Store, func(), error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	store := postgres.New(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, func() { _ = db.Close() }, nil
}

// pollMetrics periodically snapshots the Router's key health onto metrics
// until the returned stop function is called.
func pollMetrics(ctx context.Context, metrics *observability.Metrics, rtr *router.Router) func() {
	ticker := time.NewTicker(15 * time.Second)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				metrics.ObserveKeySnapshot(rtr.Health())
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

// serveHTTP runs the health/metrics HTTP server until ctx is cancelled or an
// OS interrupt signal is received, then shuts it down gracefully.
func serveHTTP(ctx context.Context, addr string, health healthDeps, workflows workflowDeps) error {
	srv := &http.Server{Addr: addr, Handler: newHTTPRouter(health, workflows), ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", addr)
		errc <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-sigCh:
	case err := <-errc:
		return err
	}

	log.Printf(ctx, "shutting down HTTP server at %q", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
