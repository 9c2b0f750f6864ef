// Package config loads server configuration from the environment and an
// optional YAML tuning profile. Decision thresholds can only be changed
// through the profile, never through individual environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
	"github.com/Stillwater-Labs/clearclaim/pkg/decision"
)

// Version is the build version; profiles gate on it via min_version.
const Version = "1.2.0"

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL empty selects lite mode: SQLite under DataDir.
	DatabaseURL string
	DataDir     string
	// RedisURL empty selects the in-process evaluation lease.
	RedisURL string

	LLM LLMConfig

	StageTimeout    time.Duration
	PipelineTimeout time.Duration

	Thresholds decision.Thresholds
	// ReviewPolicy is an optional CEL expression; when it evaluates true
	// the engine downgrades an auto-approval to human review.
	ReviewPolicy string

	Settlement SettlementConfig
	Paygate    PaygateConfig
	Verifier   VerifierConfig
	Storage    StorageConfig

	// JWTSecret empty disables API authentication.
	JWTSecret    string
	OTLPEndpoint string

	ProfilePath string
	ProfileName string
}

// LLMConfig points the stages at the inference API.
type LLMConfig struct {
	APIURL string
	APIKey string
	Model  string
}

// SettlementConfig wires the on-chain escrow driver.
type SettlementConfig struct {
	Enabled       bool
	PrivateKey    string
	ChainID       int64
	RPCURL        string
	EscrowAddress string
	TokenAddress  string

	// AmountCap nil means no cap; a zero value disables auto-settlement.
	AmountCap *decimal.Decimal
}

// PaygateConfig wires the outbound paid-call gateway.
type PaygateConfig struct {
	Secret       string
	BalanceCheck bool
}

// VerifierConfig controls the inbound verifier host and the prices both
// sides of the 402 protocol use.
type VerifierConfig struct {
	Enabled bool
	// BaseURL empty with Enabled set points the gateway at this process.
	BaseURL string
	Costs   map[claims.VerifierKind]decimal.Decimal
}

// StorageConfig selects the evidence blob backend.
type StorageConfig struct {
	Backend   string
	Dir       string
	S3Bucket  string
	GCSBucket string
}

// Load reads the environment, then overlays the YAML profile named by
// CLEARCLAIM_PROFILE when one is set.
func Load() (*Config, error) {
	dataDir := envOr("CLEARCLAIM_DATA_DIR", "data")

	stageTimeout, err := envSeconds("STAGE_TIMEOUT_SECONDS", 60*time.Second)
	if err != nil {
		return nil, err
	}
	pipelineTimeout, err := envSeconds("PIPELINE_TIMEOUT_SECONDS", 600*time.Second)
	if err != nil {
		return nil, err
	}
	chainID, err := envInt64("SETTLEMENT_CHAIN_ID")
	if err != nil {
		return nil, err
	}
	amountCap, err := envDecimalPtr("SETTLEMENT_AMOUNT_CAP")
	if err != nil {
		return nil, err
	}
	costDocument, err := envDecimal("TOOL_COST_DOCUMENT", "0.05")
	if err != nil {
		return nil, err
	}
	costImage, err := envDecimal("TOOL_COST_IMAGE", "0.10")
	if err != nil {
		return nil, err
	}
	costFraud, err := envDecimal("TOOL_COST_FRAUD", "0.05")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:     envOr("PORT", "8080"),
		LogLevel: envOr("LOG_LEVEL", "INFO"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     dataDir,
		RedisURL:    os.Getenv("REDIS_URL"),

		LLM: LLMConfig{
			APIURL: envOr("LLM_API_URL", "https://generativelanguage.googleapis.com"),
			APIKey: os.Getenv("LLM_API_KEY"),
			Model:  envOr("LLM_MODEL", "gemini-2.0-flash"),
		},

		StageTimeout:    stageTimeout,
		PipelineTimeout: pipelineTimeout,

		Thresholds:   decision.DefaultThresholds(),
		ReviewPolicy: os.Getenv("REVIEW_POLICY"),
		Settlement: SettlementConfig{
			Enabled:       envBool("SETTLEMENT_ENABLED"),
			PrivateKey:    os.Getenv("SETTLEMENT_PRIVATE_KEY"),
			ChainID:       chainID,
			RPCURL:        os.Getenv("SETTLEMENT_RPC_URL"),
			EscrowAddress: os.Getenv("ESCROW_ADDRESS"),
			TokenAddress:  os.Getenv("TOKEN_ADDRESS"),
			AmountCap:     amountCap,
		},
		Paygate: PaygateConfig{
			Secret:       os.Getenv("PAYGATE_SECRET"),
			BalanceCheck: envBool("PAYGATE_BALANCE_CHECK"),
		},
		Verifier: VerifierConfig{
			Enabled: envBool("VERIFIER_ENABLED"),
			BaseURL: os.Getenv("VERIFIER_BASE_URL"),
			Costs: map[claims.VerifierKind]decimal.Decimal{
				claims.VerifierDocument: costDocument,
				claims.VerifierImage:    costImage,
				claims.VerifierFraud:    costFraud,
			},
		},
		Storage: StorageConfig{
			Backend:   envOr("STORAGE_BACKEND", "file"),
			Dir:       envOr("STORAGE_DIR", filepath.Join(dataDir, "blobs")),
			S3Bucket:  os.Getenv("S3_BUCKET"),
			GCSBucket: os.Getenv("GCS_BUCKET"),
		},

		JWTSecret:    os.Getenv("JWT_SECRET"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ProfilePath:  os.Getenv("CLEARCLAIM_PROFILE"),
	}

	if cfg.ProfilePath != "" {
		profile, err := LoadProfile(cfg.ProfilePath)
		if err != nil {
			return nil, err
		}
		if err := profile.Apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LiteDatabasePath is where lite mode keeps its SQLite file.
func (c *Config) LiteDatabasePath() string {
	return filepath.Join(c.DataDir, "clearclaim.db")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "1" || v == "true"
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive integer, got %q", key, raw)
	}
	return time.Duration(n) * time.Second, nil
}

func envInt64(key string) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, raw)
	}
	return n, nil
}

func envDecimal(key, fallback string) (decimal.Decimal, error) {
	raw := envOr(key, fallback)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("config: %s must be a decimal, got %q", key, raw)
	}
	return d, nil
}

func envDecimalPtr(key string) (*decimal.Decimal, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s must be a decimal, got %q", key, raw)
	}
	return &d, nil
}
