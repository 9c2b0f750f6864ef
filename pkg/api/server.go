// Package api serves the claim HTTP surface: submission, evidence upload
// and download, evaluation runs, status and log reads, and a live progress
// stream over WebSocket. Error responses are RFC 7807 problem documents.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/Stillwater-Labs/clearclaim/pkg/audit"
	"github.com/Stillwater-Labs/clearclaim/pkg/blob"
	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
	"github.com/Stillwater-Labs/clearclaim/pkg/decision"
	"github.com/Stillwater-Labs/clearclaim/pkg/pipeline"
	"github.com/Stillwater-Labs/clearclaim/pkg/store"
)

// maxUploadBytes caps one evidence upload.
const maxUploadBytes = 32 << 20

// Evaluator runs and recovers claim evaluations. *pipeline.Orchestrator
// implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, claimID string) (*decision.Outcome, error)
	Reset(ctx context.Context, claimID string) error
}

// Params wires a Server. Store, Sink, Blobs and Evaluator are required;
// the rest defaults.
type Params struct {
	Store     store.Store
	Sink      *audit.Sink
	Blobs     blob.Store
	Evaluator Evaluator

	// JWTSecret enables bearer-token auth when non-empty.
	JWTSecret string
	// RateRPS and RateBurst tune the per-IP limiter.
	RateRPS   int
	RateBurst int
	// Idempotency overrides the in-memory replay store, e.g. with the
	// PostgreSQL one in durable deployments.
	Idempotency IdempotencyStorer
	// IdempotencyTTL bounds how long Idempotency-Key replays are served.
	IdempotencyTTL time.Duration

	Version string
	Logger  *slog.Logger
}

// Server exposes the claim API as one http.Handler.
type Server struct {
	store     store.Store
	sink      *audit.Sink
	blobs     blob.Store
	evaluator Evaluator
	logger    *slog.Logger
	version   string

	jwtSecret string
	rateRPS   int
	rateBurst int
	idem      IdempotencyStorer
}

// NewServer validates dependencies and builds a Server.
func NewServer(p Params) (*Server, error) {
	switch {
	case p.Store == nil:
		return nil, errors.New("api: store is required")
	case p.Sink == nil:
		return nil, errors.New("api: audit sink is required")
	case p.Blobs == nil:
		return nil, errors.New("api: blob store is required")
	case p.Evaluator == nil:
		return nil, errors.New("api: evaluator is required")
	}

	if p.RateRPS <= 0 {
		p.RateRPS = 20
	}
	if p.RateBurst <= 0 {
		p.RateBurst = 40
	}
	if p.IdempotencyTTL <= 0 {
		p.IdempotencyTTL = 24 * time.Hour
	}
	if p.Idempotency == nil {
		p.Idempotency = NewIdempotencyStore(p.IdempotencyTTL)
	}
	if p.Version == "" {
		p.Version = "dev"
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	return &Server{
		store:     p.Store,
		sink:      p.Sink,
		blobs:     p.Blobs,
		evaluator: p.Evaluator,
		logger:    p.Logger,
		version:   p.Version,
		jwtSecret: p.JWTSecret,
		rateRPS:   p.RateRPS,
		rateBurst: p.RateBurst,
		idem:      p.Idempotency,
	}, nil
}

// RegisterRoutes registers the claim API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/claims", s.handleSubmit)
	mux.HandleFunc("GET /api/claims/{id}", s.handleGetClaim)
	mux.HandleFunc("GET /api/claims/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /api/claims/{id}/logs", s.handleLogs)
	mux.HandleFunc("POST /api/claims/{id}/evidence", s.handleUploadEvidence)
	mux.HandleFunc("GET /api/claims/{id}/evidence/{eid}", s.handleDownloadEvidence)
	mux.HandleFunc("POST /api/claims/{id}/evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /api/claims/{id}/reset", s.handleReset)
	mux.HandleFunc("GET /api/claims/{id}/progress/ws", s.handleProgressWS)
	mux.HandleFunc("GET /api/health", s.handleHealth)
}

// Routes returns the full handler chain: per-IP rate limiting outermost,
// then auth, then idempotent replay, then the route mux. The idempotency
// layer sits innermost so GET upgrades never lose http.Hijacker.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = IdempotencyMiddleware(s.idem)(handler)
	handler = AuthMiddleware(s.jwtSecret)(handler)
	handler = NewRateLimiter(s.rateRPS, s.rateBurst).Middleware(handler)
	return handler
}

// loadClaim fetches the claim named by the path, writing the 404 or 500
// problem itself when that fails.
func (s *Server) loadClaim(w http.ResponseWriter, r *http.Request) (*claims.Claim, bool) {
	claim, err := s.store.GetClaim(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "claim not found")
		} else {
			WriteInternal(w, err)
		}
		return nil, false
	}
	return claim, true
}

// submitRequest is the claim submission body.
type submitRequest struct {
	ClaimantAddress string          `json:"claimant_address"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description"`
}

// handleSubmit registers a new claim in SUBMITTED state.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	if !common.IsHexAddress(req.ClaimantAddress) {
		WriteBadRequest(w, "claimant_address must be a 0x-prefixed wallet address")
		return
	}
	if !req.Amount.IsPositive() {
		WriteBadRequest(w, "amount must be a positive decimal")
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		WriteBadRequest(w, "description is required")
		return
	}

	claim := claims.New(req.ClaimantAddress, req.Amount, req.Description)
	if err := s.store.CreateClaim(r.Context(), claim); err != nil {
		WriteInternal(w, err)
		return
	}
	s.logger.Info("claim submitted", "claim_id", claim.ID, "amount", claim.Amount.String())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(claim)
}

// handleGetClaim returns the full claim record.
func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	claim, ok := s.loadClaim(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claim)
}

// handleStatus serves the stage-progress projection.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	progress, err := s.sink.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "claim not found")
		} else {
			WriteInternal(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(progress)
}

// handleLogs returns the claim's evaluation log, oldest first.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	claim, ok := s.loadClaim(w, r)
	if !ok {
		return
	}

	logs, err := s.store.ListLogs(r.Context(), claim.ID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if logs == nil {
		logs = []claims.LogEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(logs)
}

// sanitizeFilename reduces an uploaded file name to characters safe in a
// storage key.
func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "upload"
	}
	return out
}

// handleUploadEvidence stores one artifact and registers its evidence row.
// Adding evidence to an AWAITING_DATA claim returns it to SUBMITTED.
func (s *Server) handleUploadEvidence(w http.ResponseWriter, r *http.Request) {
	claim, ok := s.loadClaim(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		WriteBadRequest(w, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		WriteBadRequest(w, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		WriteBadRequest(w, "could not read uploaded file")
		return
	}

	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}

	kind := claims.EvidenceKind(r.FormValue("kind"))
	switch kind {
	case claims.EvidenceDocument, claims.EvidenceImage:
	case "":
		if strings.HasPrefix(mime, "image/") {
			kind = claims.EvidenceImage
		} else {
			kind = claims.EvidenceDocument
		}
	default:
		WriteBadRequest(w, "kind must be document or image")
		return
	}

	ev := claims.NewEvidence(claim.ID, kind, "", mime, int64(len(data)))
	ev.StoragePath = fmt.Sprintf("claims/%s/evidence/%s-%s", claim.ID, ev.ID, sanitizeFilename(header.Filename))

	if err := s.blobs.Put(r.Context(), ev.StoragePath, data); err != nil {
		WriteInternal(w, err)
		return
	}
	if err := s.store.AddEvidence(r.Context(), ev); err != nil {
		WriteInternal(w, err)
		return
	}
	s.logger.Info("evidence stored",
		"claim_id", claim.ID, "evidence_id", ev.ID, "kind", kind, "size_bytes", ev.SizeBytes)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ev)
}

// handleDownloadEvidence streams a stored artifact back to the caller.
func (s *Server) handleDownloadEvidence(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.GetEvidence(r.Context(), r.PathValue("id"), r.PathValue("eid"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "evidence not found")
		} else {
			WriteInternal(w, err)
		}
		return
	}

	data, err := s.blobs.Get(r.Context(), ev.StoragePath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			WriteNotFound(w, "artifact missing from storage")
		} else {
			WriteInternal(w, err)
		}
		return
	}

	mime := ev.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(ev.StoragePath)))
	_, _ = w.Write(data)
}

// handleEvaluate runs the evaluation pipeline synchronously and returns
// the decided claim.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	claim, ok := s.loadClaim(w, r)
	if !ok {
		return
	}

	if _, err := s.evaluator.Evaluate(r.Context(), claim.ID); err != nil {
		switch {
		case pipeline.IsPrecondition(err):
			WriteConflict(w, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			WriteError(w, http.StatusGatewayTimeout, "Gateway Timeout", "evaluation run exceeded its deadline")
		default:
			WriteInternal(w, err)
		}
		return
	}

	decided, err := s.store.GetClaim(r.Context(), claim.ID)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(decided)
}

// handleReset returns a stuck EVALUATING claim to SUBMITTED.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	claim, ok := s.loadClaim(w, r)
	if !ok {
		return
	}

	if err := s.evaluator.Reset(r.Context(), claim.ID); err != nil {
		if pipeline.IsPrecondition(err) {
			WriteConflict(w, err.Error())
		} else {
			WriteInternal(w, err)
		}
		return
	}

	reset, err := s.store.GetClaim(r.Context(), claim.ID)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reset)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": s.version,
	})
}
