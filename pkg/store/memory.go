package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
)

// MemoryStore is a mutex-guarded in-memory Store. It mirrors SQLStore
// semantics, including guarded transitions and idempotent inserts, and
// backs tests and local experiments.
type MemoryStore struct {
	mu          sync.RWMutex
	claims      map[string]*claims.Claim
	evidence    map[string][]claims.Evidence
	results     map[string][]claims.StageResult
	logs        map[string][]claims.LogEntry
	receipts    map[string][]claims.PaymentReceipt
	receiptKeys map[string]bool
	gas         map[string][]claims.SettlementGas
	gasHashes   map[string]bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:      make(map[string]*claims.Claim),
		evidence:    make(map[string][]claims.Evidence),
		results:     make(map[string][]claims.StageResult),
		logs:        make(map[string][]claims.LogEntry),
		receipts:    make(map[string][]claims.PaymentReceipt),
		receiptKeys: make(map[string]bool),
		gas:         make(map[string][]claims.SettlementGas),
		gasHashes:   make(map[string]bool),
	}
}

func (m *MemoryStore) CreateClaim(_ context.Context, c *claims.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[c.ID]; ok {
		return fmt.Errorf("failed to create claim: duplicate id %q", c.ID)
	}
	m.claims[c.ID] = cloneClaim(c)
	return nil
}

func (m *MemoryStore) GetClaim(_ context.Context, id string) (*claims.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneClaim(c), nil
}

func (m *MemoryStore) DeleteClaim(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[id]; !ok {
		return ErrNotFound
	}
	for _, r := range m.receipts[id] {
		delete(m.receiptKeys, receiptKey(&r))
	}
	for _, g := range m.gas[id] {
		delete(m.gasHashes, g.TxHash)
	}
	delete(m.claims, id)
	delete(m.evidence, id)
	delete(m.results, id)
	delete(m.logs, id)
	delete(m.receipts, id)
	delete(m.gas, id)
	return nil
}

func (m *MemoryStore) TransitionStatus(_ context.Context, id string, from, to claims.Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != from {
		return ErrStatusConflict
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CommitDecision(_ context.Context, c *claims.Claim) error {
	if !claims.StatusEvaluating.CanTransitionTo(c.Status) {
		return fmt.Errorf("%w: EVALUATING -> %s", ErrInvalidTransition, c.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.claims[c.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != claims.StatusEvaluating {
		return ErrStatusConflict
	}

	processing := decimal.Zero
	for _, r := range m.receipts[c.ID] {
		processing = processing.Add(r.Amount)
	}
	c.ProcessingCost = processing
	c.UpdatedAt = time.Now().UTC()
	m.claims[c.ID] = cloneClaim(c)
	return nil
}

func (m *MemoryStore) AddEvidence(_ context.Context, ev *claims.Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[ev.ClaimID]
	if !ok {
		return fmt.Errorf("failed to add evidence: %w", ErrNotFound)
	}
	m.evidence[ev.ClaimID] = append(m.evidence[ev.ClaimID], *ev)
	if c.Status == claims.StatusAwaitingData {
		c.Status = claims.StatusSubmitted
		c.RequestedData = nil
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) GetEvidence(_ context.Context, claimID, evidenceID string) (*claims.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.evidence[claimID] {
		if ev.ID == evidenceID {
			out := ev
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListEvidence(_ context.Context, claimID string) ([]claims.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]claims.Evidence(nil), m.evidence[claimID]...), nil
}

func (m *MemoryStore) UpdateEvidenceAnalysis(_ context.Context, evidenceID string, analysis map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for claimID, list := range m.evidence {
		for i := range list {
			if list[i].ID == evidenceID {
				m.evidence[claimID][i].Analysis = analysis
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) AppendStageResult(_ context.Context, r *claims.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[r.ClaimID]; !ok {
		return fmt.Errorf("failed to append stage result: %w", ErrNotFound)
	}
	m.results[r.ClaimID] = append(m.results[r.ClaimID], *r)
	return nil
}

func (m *MemoryStore) ListStageResults(_ context.Context, claimID string) ([]claims.StageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]claims.StageResult(nil), m.results[claimID]...), nil
}

func (m *MemoryStore) AppendLog(_ context.Context, e *claims.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[e.ClaimID]; !ok {
		return fmt.Errorf("failed to append log entry: %w", ErrNotFound)
	}
	m.logs[e.ClaimID] = append(m.logs[e.ClaimID], *e)
	return nil
}

func (m *MemoryStore) ListLogs(_ context.Context, claimID string) ([]claims.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]claims.LogEntry(nil), m.logs[claimID]...), nil
}

func (m *MemoryStore) InsertReceipt(_ context.Context, r *claims.PaymentReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := receiptKey(r)
	if m.receiptKeys[key] {
		return nil
	}
	m.receiptKeys[key] = true
	m.receipts[r.ClaimID] = append(m.receipts[r.ClaimID], *r)
	return nil
}

func (m *MemoryStore) ListReceipts(_ context.Context, claimID string) ([]claims.PaymentReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]claims.PaymentReceipt(nil), m.receipts[claimID]...), nil
}

func (m *MemoryStore) InsertSettlementGas(_ context.Context, g *claims.SettlementGas) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gasHashes[g.TxHash] {
		return nil
	}
	m.gasHashes[g.TxHash] = true
	m.gas[g.ClaimID] = append(m.gas[g.ClaimID], *g)
	return nil
}

func (m *MemoryStore) ListSettlementGas(_ context.Context, claimID string) ([]claims.SettlementGas, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]claims.SettlementGas(nil), m.gas[claimID]...), nil
}

func receiptKey(r *claims.PaymentReceipt) string {
	return r.ClaimID + "|" + string(r.Kind) + "|" + r.PaymentID
}

func cloneClaim(c *claims.Claim) *claims.Claim {
	out := *c
	out.Contradictions = append([]string(nil), c.Contradictions...)
	out.RequestedData = append([]string(nil), c.RequestedData...)
	out.ReviewReasons = append([]string(nil), c.ReviewReasons...)
	if c.Confidence != nil {
		v := *c.Confidence
		out.Confidence = &v
	}
	if c.FraudRisk != nil {
		v := *c.FraudRisk
		out.FraudRisk = &v
	}
	if c.ApprovedAmount != nil {
		v := *c.ApprovedAmount
		out.ApprovedAmount = &v
	}
	if c.SettlementTxHash != nil {
		v := *c.SettlementTxHash
		out.SettlementTxHash = &v
	}
	return &out
}
