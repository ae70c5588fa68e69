package ic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/shared"
	auditlog "github.com/odyssey-erp/odyssey-gl/internal/shared"
)

type stubRepo struct {
	mu     sync.Mutex
	rows   map[int64]Transaction
	nextID int64
	pages  int
}

func newStubRepo() *stubRepo {
	return &stubRepo{rows: map[int64]Transaction{}}
}

func (s *stubRepo) Insert(_ context.Context, t Transaction) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.SourceEntryID == t.SourceEntryID && row.TargetEntryID == t.TargetEntryID {
			return Transaction{}, ErrPairExists
		}
	}
	s.nextID++
	t.ID = s.nextID
	s.rows[t.ID] = t
	return t, nil
}

func (s *stubRepo) Get(_ context.Context, id int64) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: %d", ErrPairNotFound, id)
	}
	return t, nil
}

func (s *stubRepo) ListOpen(_ context.Context, tenantID, afterID int64, limit int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages++
	out := make([]Transaction, 0)
	for id := afterID + 1; id <= s.nextID && len(out) < limit; id++ {
		t, ok := s.rows[id]
		if !ok || t.IsEliminated || (tenantID != 0 && t.TenantID != tenantID) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *stubRepo) SetStatus(_ context.Context, id int64, status Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok {
		return ErrPairNotFound
	}
	t.Status = status
	t.UpdatedAt = at
	s.rows[id] = t
	return nil
}

func (s *stubRepo) MarkEliminated(_ context.Context, id int64, at time.Time) (Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[id]
	if !ok {
		return Transaction{}, false, fmt.Errorf("%w: %d", ErrPairNotFound, id)
	}
	if t.IsEliminated {
		return t, false, nil
	}
	t.IsEliminated = true
	t.EliminatedAt = &at
	s.rows[id] = t
	return t, true, nil
}

type stubEntries struct {
	entries map[int64]accounting.JournalEntry
}

func (s *stubEntries) GetEntry(_ context.Context, id int64) (accounting.JournalEntry, error) {
	e, ok := s.entries[id]
	if !ok {
		return accounting.JournalEntry{}, fmt.Errorf("%w: %d", shared.ErrJournalNotFound, id)
	}
	return e, nil
}

func (s *stubEntries) set(id, tenantID, companyID int64, status accounting.EntryStatus) {
	if s.entries == nil {
		s.entries = map[int64]accounting.JournalEntry{}
	}
	s.entries[id] = accounting.JournalEntry{ID: id, TenantID: tenantID, CompanyID: companyID, Status: status}
}

type stubAudit struct {
	logs []auditlog.AuditLog
}

func (s *stubAudit) Record(_ context.Context, log auditlog.AuditLog) error {
	s.logs = append(s.logs, log)
	return nil
}
