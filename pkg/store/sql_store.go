package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
)

// Dialect selects the DDL flavor for Init. Queries themselves use $N
// placeholders, which both lib/pq and modernc.org/sqlite accept.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements Store on database/sql. It supports both Postgres
// and SQLite via standard drivers.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database handle. Call Init before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS claims (
	id TEXT PRIMARY KEY,
	claimant_address TEXT NOT NULL,
	amount NUMERIC(20,2) NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL,
	verdict TEXT,
	confidence DOUBLE PRECISION,
	approved_amount NUMERIC(20,2),
	fraud_risk DOUBLE PRECISION,
	contradictions JSONB,
	requested_data JSONB,
	review_reasons JSONB,
	auto_approved BOOLEAN NOT NULL DEFAULT FALSE,
	auto_settled BOOLEAN NOT NULL DEFAULT FALSE,
	decision_overridden BOOLEAN NOT NULL DEFAULT FALSE,
	human_review_required BOOLEAN NOT NULL DEFAULT FALSE,
	settlement_tx_hash TEXT,
	processing_cost NUMERIC(20,2) NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS evidence (
	id TEXT PRIMARY KEY,
	claim_id TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	analysis JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_claim ON evidence(claim_id, created_at);
CREATE TABLE IF NOT EXISTS stage_results (
	id TEXT PRIMARY KEY,
	claim_id TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
	stage TEXT NOT NULL,
	payload JSONB NOT NULL,
	confidence DOUBLE PRECISION,
	payload_hash TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stage_results_claim ON stage_results(claim_id, created_at);
CREATE TABLE IF NOT EXISTS claim_logs (
	id TEXT PRIMARY KEY,
	claim_id TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
	stage TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claim_logs_claim ON claim_logs(claim_id, created_at);
CREATE TABLE IF NOT EXISTS payment_receipts (
	id TEXT PRIMARY KEY,
	claim_id TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	amount NUMERIC(20,2) NOT NULL,
	payment_id TEXT NOT NULL,
	receipt_token TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (claim_id, kind, payment_id)
);
CREATE TABLE IF NOT EXISTS settlement_gas (
	id TEXT PRIMARY KEY,
	claim_id TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
	tx_hash TEXT NOT NULL UNIQUE,
	gas_used BIGINT NOT NULL,
	gas_price_wei TEXT NOT NULL,
	total_cost_wei TEXT NOT NULL,
	total_cost_eth NUMERIC(30,18) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS claims (
	id TEXT PRIMARY KEY,
	claimant_address TEXT NOT NULL,
	amount TEXT NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL,
	verdict TEXT,
	confidence REAL,
	approved_amount TEXT,
	fraud_risk REAL,
	contradictions JSON,
	requested_data JSON,
	review_reasons JSON,
	auto_approved BOOLEAN NOT NULL DEFAULT 0,
	auto_settled BOOLEAN NOT NULL DEFAULT 0,
	decision_overridden BOOLEAN NOT NULL DEFAULT 0,
	human_review_required BOOLEAN NOT NULL DEFAULT 0,
	settlement_tx_hash TEXT,
	processing_cost TEXT NOT NULL DEFAULT '0',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS evidence (
	id TEXT PRIMARY KEY,
	claim_id TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	analysis JSON,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_claim ON evidence(claim_id, created_at);
CREATE TABLE IF NOT EXISTS stage_results (
	id TEXT PRIMARY KEY,
	claim_id TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
	stage TEXT NOT NULL,
	payload JSON NOT NULL,
	confidence REAL,
	payload_hash TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stage_results_claim ON stage_results(claim_id, created_at);
CREATE TABLE IF NOT EXISTS claim_logs (
	id TEXT PRIMARY KEY,
	claim_id TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
	stage TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	metadata JSON,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claim_logs_claim ON claim_logs(claim_id, created_at);
CREATE TABLE IF NOT EXISTS payment_receipts (
	id TEXT PRIMARY KEY,
	claim_id TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	amount TEXT NOT NULL,
	payment_id TEXT NOT NULL,
	receipt_token TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (claim_id, kind, payment_id)
);
CREATE TABLE IF NOT EXISTS settlement_gas (
	id TEXT PRIMARY KEY,
	claim_id TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
	tx_hash TEXT NOT NULL UNIQUE,
	gas_used INTEGER NOT NULL,
	gas_price_wei TEXT NOT NULL,
	total_cost_wei TEXT NOT NULL,
	total_cost_eth TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`

// Init creates the necessary database tables.
func (s *SQLStore) Init(ctx context.Context) error {
	ddl := postgresSchema
	if s.dialect == DialectSQLite {
		ddl = sqliteSchema
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateClaim(ctx context.Context, c *claims.Claim) error {
	contradictions, err := stringsJSON(c.Contradictions)
	if err != nil {
		return fmt.Errorf("failed to marshal contradictions: %w", err)
	}
	requested, err := stringsJSON(c.RequestedData)
	if err != nil {
		return fmt.Errorf("failed to marshal requested data: %w", err)
	}
	reasons, err := stringsJSON(c.ReviewReasons)
	if err != nil {
		return fmt.Errorf("failed to marshal review reasons: %w", err)
	}

	query := `
		INSERT INTO claims (
			id, claimant_address, amount, description, status,
			verdict, confidence, approved_amount, fraud_risk,
			contradictions, requested_data, review_reasons,
			auto_approved, auto_settled, decision_overridden, human_review_required,
			settlement_tx_hash, processing_cost, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.ClaimantAddress, c.Amount.String(), c.Description, string(c.Status),
		nullVerdict(c.Verdict), nullFloat(c.Confidence), nullDecimal(c.ApprovedAmount), nullFloat(c.FraudRisk),
		contradictions, requested, reasons,
		c.AutoApproved, c.AutoSettled, c.DecisionOverridden, c.HumanReviewRequired,
		nullString(c.SettlementTxHash), c.ProcessingCost.String(), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create claim: %w", err)
	}
	return nil
}

func (s *SQLStore) GetClaim(ctx context.Context, id string) (*claims.Claim, error) {
	query := `
		SELECT id, claimant_address, amount, description, status,
			verdict, confidence, approved_amount, fraud_risk,
			contradictions, requested_data, review_reasons,
			auto_approved, auto_settled, decision_overridden, human_review_required,
			settlement_tx_hash, processing_cost, created_at, updated_at
		FROM claims
		WHERE id = $1
	`
	c, err := scanClaim(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}
	return c, nil
}

func (s *SQLStore) DeleteClaim(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Children first so the delete works without foreign-key enforcement.
	children := []string{
		`DELETE FROM settlement_gas WHERE claim_id = $1`,
		`DELETE FROM payment_receipts WHERE claim_id = $1`,
		`DELETE FROM claim_logs WHERE claim_id = $1`,
		`DELETE FROM stage_results WHERE claim_id = $1`,
		`DELETE FROM evidence WHERE claim_id = $1`,
	}
	for _, q := range children {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete claim rows: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete claim: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLStore) TransitionStatus(ctx context.Context, id string, from, to claims.Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	query := `
		UPDATE claims
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	res, err := s.db.ExecContext(ctx, query, string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition claim status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (s *SQLStore) CommitDecision(ctx context.Context, c *claims.Claim) error {
	if !claims.StatusEvaluating.CanTransitionTo(c.Status) {
		return fmt.Errorf("%w: EVALUATING -> %s", ErrInvalidTransition, c.Status)
	}
	contradictions, err := stringsJSON(c.Contradictions)
	if err != nil {
		return fmt.Errorf("failed to marshal contradictions: %w", err)
	}
	requested, err := stringsJSON(c.RequestedData)
	if err != nil {
		return fmt.Errorf("failed to marshal requested data: %w", err)
	}
	reasons, err := stringsJSON(c.ReviewReasons)
	if err != nil {
		return fmt.Errorf("failed to marshal review reasons: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cost decimal.NullDecimal
	err = tx.QueryRowContext(ctx, `
		SELECT SUM(amount) FROM payment_receipts WHERE claim_id = $1
	`, c.ID).Scan(&cost)
	if err != nil {
		return fmt.Errorf("failed to sum receipts: %w", err)
	}
	processing := decimal.Zero
	if cost.Valid {
		processing = cost.Decimal
	}
	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE claims
		SET status = $1, verdict = $2, confidence = $3, approved_amount = $4,
			fraud_risk = $5, contradictions = $6, requested_data = $7,
			review_reasons = $8, auto_approved = $9, auto_settled = $10,
			decision_overridden = $11, human_review_required = $12,
			settlement_tx_hash = $13, processing_cost = $14, updated_at = $15
		WHERE id = $16 AND status = $17
	`,
		string(c.Status), nullVerdict(c.Verdict), nullFloat(c.Confidence), nullDecimal(c.ApprovedAmount),
		nullFloat(c.FraudRisk), contradictions, requested,
		reasons, c.AutoApproved, c.AutoSettled,
		c.DecisionOverridden, c.HumanReviewRequired,
		nullString(c.SettlementTxHash), processing.String(), now,
		c.ID, string(claims.StatusEvaluating),
	)
	if err != nil {
		return fmt.Errorf("failed to commit decision: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrStatusConflict
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	c.ProcessingCost = processing
	c.UpdatedAt = now
	return nil
}

func (s *SQLStore) AddEvidence(ctx context.Context, ev *claims.Evidence) error {
	analysis, err := mapJSON(ev.Analysis)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO evidence (id, claim_id, kind, storage_path, mime_type, size_bytes, analysis, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.ClaimID, string(ev.Kind), ev.StoragePath, ev.MimeType, ev.SizeBytes, analysis, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add evidence: %w", err)
	}

	// New evidence re-opens a claim that was parked waiting for it.
	_, err = tx.ExecContext(ctx, `
		UPDATE claims
		SET status = $1, requested_data = NULL, updated_at = $2
		WHERE id = $3 AND status = $4
	`, string(claims.StatusSubmitted), time.Now().UTC(), ev.ClaimID, string(claims.StatusAwaitingData))
	if err != nil {
		return fmt.Errorf("failed to reopen claim: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) GetEvidence(ctx context.Context, claimID, evidenceID string) (*claims.Evidence, error) {
	query := `
		SELECT id, claim_id, kind, storage_path, mime_type, size_bytes, analysis, created_at
		FROM evidence
		WHERE id = $1 AND claim_id = $2
	`
	ev, err := scanEvidence(s.db.QueryRowContext(ctx, query, evidenceID, claimID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get evidence: %w", err)
	}
	return ev, nil
}

func (s *SQLStore) ListEvidence(ctx context.Context, claimID string) ([]claims.Evidence, error) {
	query := `
		SELECT id, claim_id, kind, storage_path, mime_type, size_bytes, analysis, created_at
		FROM evidence
		WHERE claim_id = $1
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, claimID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []claims.Evidence
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateEvidenceAnalysis(ctx context.Context, evidenceID string, analysis map[string]any) error {
	raw, err := mapJSON(analysis)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE evidence SET analysis = $1 WHERE id = $2`, raw, evidenceID)
	if err != nil {
		return fmt.Errorf("failed to update evidence analysis: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) AppendStageResult(ctx context.Context, r *claims.StageResult) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stage_results (id, claim_id, stage, payload, confidence, payload_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.ClaimID, string(r.Stage), payload, nullFloat(r.Confidence), r.PayloadHash, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append stage result: %w", err)
	}
	return nil
}

func (s *SQLStore) ListStageResults(ctx context.Context, claimID string) ([]claims.StageResult, error) {
	query := `
		SELECT id, claim_id, stage, payload, confidence, payload_hash, created_at
		FROM stage_results
		WHERE claim_id = $1
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, claimID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []claims.StageResult
	for rows.Next() {
		var (
			r          claims.StageResult
			payload    []byte
			confidence sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.ClaimID, &r.Stage, &payload, &confidence, &r.PayloadHash, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage result: %w", err)
		}
		r.Payload, err = mapFromJSON(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		r.Confidence = floatPtr(confidence)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendLog(ctx context.Context, e *claims.LogEntry) error {
	metadata, err := mapJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO claim_logs (id, claim_id, stage, level, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.ClaimID, string(e.Stage), string(e.Level), e.Message, metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

func (s *SQLStore) ListLogs(ctx context.Context, claimID string) ([]claims.LogEntry, error) {
	query := `
		SELECT id, claim_id, stage, level, message, metadata, created_at
		FROM claim_logs
		WHERE claim_id = $1
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, claimID)
	if err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []claims.LogEntry
	for rows.Next() {
		var (
			e        claims.LogEntry
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.ClaimID, &e.Stage, &e.Level, &e.Message, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Metadata, err = mapFromJSON(metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertReceipt(ctx context.Context, r *claims.PaymentReceipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_receipts (id, claim_id, kind, amount, payment_id, receipt_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (claim_id, kind, payment_id) DO NOTHING
	`, r.ID, r.ClaimID, string(r.Kind), r.Amount.String(), r.PaymentID, r.ReceiptToken, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *SQLStore) ListReceipts(ctx context.Context, claimID string) ([]claims.PaymentReceipt, error) {
	query := `
		SELECT id, claim_id, kind, amount, payment_id, receipt_token, created_at
		FROM payment_receipts
		WHERE claim_id = $1
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, claimID)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []claims.PaymentReceipt
	for rows.Next() {
		var r claims.PaymentReceipt
		if err := rows.Scan(&r.ID, &r.ClaimID, &r.Kind, &r.Amount, &r.PaymentID, &r.ReceiptToken, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertSettlementGas(ctx context.Context, g *claims.SettlementGas) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_gas (id, claim_id, tx_hash, gas_used, gas_price_wei, total_cost_wei, total_cost_eth, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tx_hash) DO NOTHING
	`, g.ID, g.ClaimID, g.TxHash, int64(g.GasUsed), g.GasPriceWei, g.TotalCostWei, g.TotalCostEth.String(), g.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert settlement gas: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSettlementGas(ctx context.Context, claimID string) ([]claims.SettlementGas, error) {
	query := `
		SELECT id, claim_id, tx_hash, gas_used, gas_price_wei, total_cost_wei, total_cost_eth, created_at
		FROM settlement_gas
		WHERE claim_id = $1
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, claimID)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlement gas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []claims.SettlementGas
	for rows.Next() {
		var (
			g       claims.SettlementGas
			gasUsed int64
		)
		if err := rows.Scan(&g.ID, &g.ClaimID, &g.TxHash, &gasUsed, &g.GasPriceWei, &g.TotalCostWei, &g.TotalCostEth, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement gas: %w", err)
		}
		g.GasUsed = uint64(gasUsed)
		out = append(out, g)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaim(row rowScanner) (*claims.Claim, error) {
	var (
		c              claims.Claim
		verdict        sql.NullString
		confidence     sql.NullFloat64
		approved       decimal.NullDecimal
		fraudRisk      sql.NullFloat64
		contradictions []byte
		requested      []byte
		reasons        []byte
		txHash         sql.NullString
	)
	err := row.Scan(
		&c.ID, &c.ClaimantAddress, &c.Amount, &c.Description, &c.Status,
		&verdict, &confidence, &approved, &fraudRisk,
		&contradictions, &requested, &reasons,
		&c.AutoApproved, &c.AutoSettled, &c.DecisionOverridden, &c.HumanReviewRequired,
		&txHash, &c.ProcessingCost, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Verdict = claims.Verdict(verdict.String)
	c.Confidence = floatPtr(confidence)
	c.FraudRisk = floatPtr(fraudRisk)
	if approved.Valid {
		c.ApprovedAmount = &approved.Decimal
	}
	c.SettlementTxHash = stringPtr(txHash)
	if c.Contradictions, err = stringsFromJSON(contradictions); err != nil {
		return nil, err
	}
	if c.RequestedData, err = stringsFromJSON(requested); err != nil {
		return nil, err
	}
	if c.ReviewReasons, err = stringsFromJSON(reasons); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanEvidence(row rowScanner) (*claims.Evidence, error) {
	var (
		ev       claims.Evidence
		analysis []byte
	)
	err := row.Scan(&ev.ID, &ev.ClaimID, &ev.Kind, &ev.StoragePath, &ev.MimeType, &ev.SizeBytes, &analysis, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	if ev.Analysis, err = mapFromJSON(analysis); err != nil {
		return nil, err
	}
	return &ev, nil
}

// stringsJSON marshals a slice for a JSON column, mapping empty to NULL.
func stringsJSON(values []string) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	return json.Marshal(values)
}

func stringsFromJSON(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mapJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func mapFromJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func nullVerdict(v claims.Verdict) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(v), Valid: true}
}

func nullDecimal(p *decimal.Decimal) decimal.NullDecimal {
	if p == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *p, Valid: true}
}
