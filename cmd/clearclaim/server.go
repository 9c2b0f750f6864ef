package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Stillwater-Labs/clearclaim/pkg/api"
	"github.com/Stillwater-Labs/clearclaim/pkg/audit"
	"github.com/Stillwater-Labs/clearclaim/pkg/blob"
	"github.com/Stillwater-Labs/clearclaim/pkg/chain"
	"github.com/Stillwater-Labs/clearclaim/pkg/config"
	"github.com/Stillwater-Labs/clearclaim/pkg/decision"
	"github.com/Stillwater-Labs/clearclaim/pkg/llm"
	"github.com/Stillwater-Labs/clearclaim/pkg/observability"
	"github.com/Stillwater-Labs/clearclaim/pkg/paygate"
	"github.com/Stillwater-Labs/clearclaim/pkg/pipeline"
	"github.com/Stillwater-Labs/clearclaim/pkg/schema"
	"github.com/Stillwater-Labs/clearclaim/pkg/settlement"
	"github.com/Stillwater-Labs/clearclaim/pkg/stage"
	"github.com/Stillwater-Labs/clearclaim/pkg/store"
	"github.com/Stillwater-Labs/clearclaim/pkg/verifier"

	_ "github.com/lib/pq" // Postgres Driver
)

const shutdownGrace = 15 * time.Second

func runServer() int {
	fmt.Fprintf(os.Stdout, "%sClearClaim %s starting...%s\n", ColorBold+ColorBlue, config.Version, ColorReset)
	ctx := context.Background()

	if err := godotenv.Load(); err == nil {
		log.Println("[clearclaim] loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 2
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	if cfg.ProfileName != "" {
		log.Printf("[clearclaim] profile: %s", cfg.ProfileName)
	}

	// Database: Postgres when configured, SQLite lite mode otherwise.
	var (
		db      *sql.DB
		dialect store.Dialect
	)
	if cfg.DatabaseURL == "" {
		fmt.Fprintf(os.Stdout, "DATABASE_URL not set. Falling back to %sLite Mode%s (SQLite).\n", ColorBold+ColorCyan, ColorReset)
		db, err = openLiteDatabase(cfg)
		if err != nil {
			log.Fatalf("Failed to set up lite mode: %v", err)
		}
		dialect = store.DialectSQLite
	} else {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("DB ping failed: %v", err)
		}
		log.Println("[clearclaim] postgres: connected")
		dialect = store.DialectPostgres
	}
	defer db.Close()

	st := store.NewSQLStore(db, dialect)
	if err := st.Init(ctx); err != nil {
		log.Fatalf("Failed to init claim store: %v", err)
	}
	log.Println("[clearclaim] store: ready")

	sink := audit.NewSink(st, logger)

	blobs, err := blob.New(ctx, blob.Config{
		Backend:   blob.Backend(cfg.Storage.Backend),
		Dir:       cfg.Storage.Dir,
		S3:        blob.S3Config{Bucket: cfg.Storage.S3Bucket, Region: os.Getenv("AWS_REGION")},
		GCSBucket: cfg.Storage.GCSBucket,
	})
	if err != nil {
		log.Fatalf("Failed to init evidence storage: %v", err)
	}
	log.Printf("[clearclaim] storage: %s ready", cfg.Storage.Backend)

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = config.Version
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	telemetry, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("Failed to init telemetry: %v", err)
	}
	defer func() { _ = telemetry.Shutdown(context.Background()) }()
	if cfg.OTLPEndpoint != "" {
		log.Printf("[clearclaim] telemetry: exporting to %s", cfg.OTLPEndpoint)
	}

	// Chain client and settlement driver.
	var chainClient *chain.Client
	if cfg.Settlement.RPCURL != "" {
		chainClient, err = chain.Dial(ctx, cfg.Settlement.RPCURL, logger)
		if err != nil {
			log.Fatalf("Failed to dial chain RPC: %v", err)
		}
		log.Printf("[clearclaim] chain: connected to %s", cfg.Settlement.RPCURL)
	}

	var settler *settlement.Driver
	if cfg.Settlement.Enabled {
		if chainClient == nil {
			log.Fatalf("SETTLEMENT_ENABLED requires SETTLEMENT_RPC_URL")
		}
		settler, err = settlement.NewDriver(chainClient, sink, settlement.Config{
			PrivateKey:    cfg.Settlement.PrivateKey,
			ChainID:       cfg.Settlement.ChainID,
			EscrowAddress: cfg.Settlement.EscrowAddress,
			TokenAddress:  cfg.Settlement.TokenAddress,
			AmountCap:     cfg.Settlement.AmountCap,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to init settlement driver: %v", err)
		}
		if settler.Enabled() {
			fmt.Fprintf(os.Stdout, "Settlement sender: %s%s%s\n", ColorBold+ColorGreen, settler.Sender().Hex(), ColorReset)
		} else {
			log.Println("[clearclaim] settlement: no signing key, auto-settle disabled")
		}
	}

	// Paid verification: the gateway clears 402 demands from the verifier
	// host, which this process serves itself unless VERIFIER_BASE_URL
	// points elsewhere.
	verifierBase := cfg.Verifier.BaseURL
	if verifierBase == "" && cfg.Verifier.Enabled {
		verifierBase = "http://127.0.0.1:" + cfg.Port
	}

	var caller stage.VerifierCaller
	if verifierBase != "" && cfg.Paygate.Secret != "" {
		pgCfg := paygate.Config{BaseURL: verifierBase, Secret: cfg.Paygate.Secret}
		var reader paygate.ChainReader
		if cfg.Paygate.BalanceCheck {
			if !settler.Enabled() || chainClient == nil {
				log.Fatalf("PAYGATE_BALANCE_CHECK requires a configured settlement key and RPC")
			}
			pgCfg.BalanceCheck = true
			pgCfg.TokenAddress = cfg.Settlement.TokenAddress
			pgCfg.DepositorAddress = settler.Sender().Hex()
			reader = chainClient
		}
		gateway, err := paygate.NewGateway(pgCfg, sink, reader, logger)
		if err != nil {
			log.Fatalf("Failed to init paygate: %v", err)
		}
		caller = gateway
		log.Printf("[clearclaim] paygate: clearing verifier calls via %s", verifierBase)
	} else {
		log.Println("[clearclaim] paygate: disabled, stages skip paid verification")
	}

	// Stages and pipeline.
	llmClient := llm.NewGeminiClient(cfg.LLM.APIURL, cfg.LLM.APIKey)
	if cfg.LLM.APIKey == "" {
		log.Println("[clearclaim] warning: LLM_API_KEY not set, extraction stages will fail")
	}

	validator, err := schema.NewValidator()
	if err != nil {
		log.Fatalf("Failed to compile stage schemas: %v", err)
	}
	executor := stage.NewExecutor(validator, sink, cfg.StageTimeout, logger)

	policy, err := decision.CompileReviewPolicy(cfg.ReviewPolicy)
	if err != nil {
		log.Fatalf("Failed to compile review policy: %v", err)
	}
	if policy != nil {
		log.Println("[clearclaim] review policy: compiled")
	}
	engine := decision.NewEngine(cfg.Thresholds, policy)

	var lease pipeline.Lease
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Redis ping failed: %v", err)
		}
		defer rdb.Close()
		lease = pipeline.NewRedisLease(rdb, cfg.PipelineTimeout+30*time.Second, logger)
		log.Println("[clearclaim] lease: redis")
	} else {
		lease = pipeline.NewMemoryLease()
	}

	orch, err := pipeline.NewOrchestrator(pipeline.Params{
		Store:      st,
		Sink:       sink,
		Blobs:      blobs,
		Executor:   executor,
		Document:   stage.NewDocumentStage(llmClient, cfg.LLM.Model, caller),
		Image:      stage.NewImageStage(llmClient, cfg.LLM.Model, caller),
		Fraud:      stage.NewFraudStage(llmClient, cfg.LLM.Model, caller),
		Reasoning:  stage.NewReasoningStage(llmClient, cfg.LLM.Model),
		Engine:     engine,
		Settlement: settler,
		Lease:      lease,
		Telemetry:  telemetry,
		Timeout:    cfg.PipelineTimeout,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("Failed to wire pipeline: %v", err)
	}
	log.Println("[clearclaim] pipeline: ready")

	// HTTP surface.
	apiParams := api.Params{
		Store:     st,
		Sink:      sink,
		Blobs:     blobs,
		Evaluator: orch,
		JWTSecret: cfg.JWTSecret,
		Version:   config.Version,
		Logger:    logger,
	}
	if dialect == store.DialectPostgres {
		idem := api.NewPostgresIdempotencyStore(db, 24*time.Hour)
		if err := idem.Init(ctx); err != nil {
			log.Fatalf("Failed to init idempotency store: %v", err)
		}
		apiParams.Idempotency = idem
	}
	srv, err := api.NewServer(apiParams)
	if err != nil {
		log.Fatalf("Failed to build API server: %v", err)
	}

	// The verifier endpoints mount beside the claim API, outside its
	// middleware chain; payment receipts are their only admission.
	root := http.NewServeMux()
	root.Handle("/", srv.Routes())
	if cfg.Verifier.Enabled {
		host, err := verifier.NewHost(verifier.Config{Secret: cfg.Paygate.Secret, Costs: cfg.Verifier.Costs}, st, sink, blobs, logger)
		if err != nil {
			log.Fatalf("Failed to init verifier host: %v", err)
		}
		host.Register(root)
		log.Println("[clearclaim] verifier: hosting paid verification endpoints")
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[clearclaim] ready: http://localhost:%s", cfg.Port)
		log.Println("[clearclaim] press ctrl+c to stop")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[clearclaim] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[clearclaim] shutdown: %v", err)
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARNING", "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
