// Package main runs the unified sentinel node: every pipeline service on one
// in-process fabric, with optional PostgreSQL/ClickHouse persistence, a
// WebSocket gateway for out-of-process services, and a read-only HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"token-sentinel/internal/aggregator"
	"token-sentinel/internal/domain"
	"token-sentinel/internal/fabric"
	"token-sentinel/internal/ledger"
	"token-sentinel/internal/observability"
	"token-sentinel/internal/service"
	"token-sentinel/internal/settlement"
	"token-sentinel/internal/sources/stub"
	"token-sentinel/internal/storage"
	chstore "token-sentinel/internal/storage/clickhouse"
	"token-sentinel/internal/storage/memory"
	"token-sentinel/internal/storage/migrations"
	pgstore "token-sentinel/internal/storage/postgres"
)

// stores holds the storage implementations the node runs on.
type stores struct {
	decisions   storage.DecisionStore
	settlements storage.SettlementStore
	history     storage.DecisionHistoryStore
	auditLedger ledger.Ledger
}

func main() {
	loadEnvFile()

	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL/ClickHouse")
	httpAddr := flag.String("http-addr", ":8080", "HTTP address for the read API, metrics, and WS gateway")
	drainInterval := flag.Duration("drain-interval", 10*time.Second, "Decision drain interval")
	reanalysisInterval := flag.Duration("reanalysis-interval", time.Hour, "Re-analysis interval for flagged tokens")
	rollupInterval := flag.Duration("rollup-interval", 24*time.Hour, "Rollup summary interval")
	retryInterval := flag.Duration("retry-interval", 30*time.Second, "Failed settlement retry interval")
	feedInterval := flag.Duration("feed-interval", 5*time.Second, "Synthetic discovery feed interval")
	inboxCapacity := flag.Int("inbox-capacity", 1024, "Per-service inbox capacity")
	enableTransfer := flag.Bool("enable-value-transfer", false, "Allow VALUE_TRANSFER settlements for high-confidence BUY decisions")
	transferMinConf := flag.Float64("transfer-min-confidence", 80, "Minimum BUY confidence for VALUE_TRANSFER")
	logLevel := flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	logPretty := flag.Bool("log-pretty", false, "Human-readable console logging")

	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if *logPretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	if !*useMemory && (*postgresDSN == "" || *clickhouseDSN == "") {
		logger.Fatal().Msg("-postgres-dsn and -clickhouse-dsn are required (use -use-memory for in-memory storage)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory)
	if err != nil {
		logger.Fatal().Err(err).Msg("create stores")
	}
	defer cleanup()

	metrics := observability.NewMetrics("")

	registry := fabric.NewRegistry(logger)
	registry.OnDropped(func(target string, env fabric.Envelope) {
		metrics.IncMessageDropped(target)
	})

	agg := aggregator.New()

	settler := settlement.NewSettler(settlement.Options{
		Config: settlement.Config{
			EnableValueTransfer:        *enableTransfer,
			ValueTransferMinConfidence: *transferMinConf,
		},
		Ledger:    st.auditLedger,
		Store:     st.settlements,
		Decisions: st.decisions,
		Logger:    logger,
	})

	assistant := service.NewAssistant(agg, logger)

	supervisor := service.NewSupervisor(registry, *inboxCapacity, logger)
	supervisor.Add(service.NewDiscovery(stub.NewDiscoveryFeed(syntheticListings(), *feedInterval), registry, logger, metrics))
	supervisor.Add(service.NewYield(stub.NewYieldSource(), registry, logger, metrics))
	supervisor.Add(service.NewRisk(stub.NewRiskSource(), registry, logger, metrics))
	supervisor.Add(service.NewAlert(service.AlertOptions{
		Aggregator:            agg,
		Decisions:             st.decisions,
		History:               st.history,
		Sender:                registry,
		Logger:                logger,
		Metrics:               metrics,
		DrainInterval:         *drainInterval,
		ReanalysisInterval:    *reanalysisInterval,
		RollupInterval:        *rollupInterval,
		TransferMinConfidence: *transferMinConf,
	}))
	supervisor.Add(service.NewSettlement(service.SettlementOptions{
		Settler:       settler,
		Sender:        registry,
		Logger:        logger,
		Metrics:       metrics,
		RetryInterval: *retryInterval,
	}))
	supervisor.Add(assistant)

	if err := supervisor.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start pipeline")
	}

	httpSrv := startHTTPServer(*httpAddr, registry, st, settler, assistant, logger)

	logger.Info().Str("addr", *httpAddr).Msg("sentinel running")
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	supervisor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	logger.Info().Msg("shutdown complete")
}

// createStores builds either the in-memory stack or the
// PostgreSQL/ClickHouse stack with migrations applied.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool) (*stores, func(), error) {
	if useMemory {
		return &stores{
			decisions:   memory.NewDecisionStore(),
			settlements: memory.NewSettlementStore(),
			history:     memory.NewDecisionHistoryStore(),
			auditLedger: ledger.NewMemory(),
		}, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	chConn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	st := &stores{
		decisions:   pgstore.NewDecisionStore(pool),
		settlements: pgstore.NewSettlementStore(pool),
		history:     chstore.NewDecisionHistoryStore(chConn),
		auditLedger: ledger.NewPostgres(pool),
	}
	cleanup := func() {
		chConn.Close()
		pool.Close()
	}
	return st, cleanup, nil
}

// startHTTPServer serves the read API, health, metrics, and the WS gateway.
func startHTTPServer(addr string, registry *fabric.Registry, st *stores, settler *settlement.Settler, assistant *service.Assistant, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())
	mux.Handle("/ws", fabric.NewGateway(registry, fabric.DefaultWSConfig(), logger))

	mux.HandleFunc("/tokens", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, assistant.Tokens(), logger)
	})
	mux.HandleFunc("/decisions", func(w http.ResponseWriter, r *http.Request) {
		decisions, err := st.decisions.ListRecent(r.Context(), queryLimit(r, 50))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, decisions, logger)
	})
	mux.HandleFunc("/settlements", func(w http.ResponseWriter, r *http.Request) {
		records, err := st.settlements.ListRecent(r.Context(), queryLimit(r, 50))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, records, logger)
	})
	mux.HandleFunc("/rollups", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, assistant.Rollups(), logger)
	})
	mux.HandleFunc("/summary", func(w http.ResponseWriter, r *http.Request) {
		summary, err := settler.GetSummary(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, summaryResponse{
			Settlements: summary,
			Rollup:      assistant.LatestRollup(),
			Endpoints:   registry.Endpoints(),
		}, logger)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server")
		}
	}()
	return srv
}

// summaryResponse is the JSON body of /summary.
type summaryResponse struct {
	Settlements *settlement.Summary   `json:"settlements"`
	Rollup      *domain.RollupSummary `json:"rollup,omitempty"`
	Endpoints   []string              `json:"endpoints"`
}

func writeJSON(w http.ResponseWriter, v any, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("encode response")
	}
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// syntheticListings seeds the demo discovery feed.
func syntheticListings() []*domain.DiscoveryEvidence {
	now := time.Now().UnixMilli()
	return []*domain.DiscoveryEvidence{
		{Address: "So1anaDemoToken1111111111111111111111111111", Chain: "solana", Symbol: "DEMO1", Name: "Demo Token One", Venue: "raydium", DiscoveredAt: now},
		{Address: "So1anaDemoToken2222222222222222222222222222", Chain: "solana", Symbol: "DEMO2", Name: "Demo Token Two", Venue: "pumpfun", DiscoveredAt: now},
		{Address: "So1anaDemoToken3333333333333333333333333333", Chain: "solana", Symbol: "DEMO3", Name: "Demo Token Three", Venue: "raydium", DiscoveredAt: now},
	}
}

// loadEnvFile loads environment variables from .env if present.
// Existing variables are never overridden.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if os.Getenv(key) == "" {
			os.Setenv(key, strings.TrimSpace(parts[1]))
		}
	}
}
