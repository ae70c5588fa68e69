package accounts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting/shared"
	auditlog "github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// AuditPort records chart of accounts changes.
type AuditPort interface {
	Record(ctx context.Context, log auditlog.AuditLog) error
}

// Service is the account registry consulted by the journal store and posting engine.
type Service struct {
	repo     Repository
	audit    AuditPort
	validate *validator.Validate
	now      func() time.Time
}

// NewService constructs the account registry.
func NewService(repo Repository, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit, validate: validator.New(), now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Resolve returns the account with id.
func (s *Service) Resolve(ctx context.Context, id int64) (Account, error) {
	if id <= 0 {
		return Account{}, shared.ErrAccountNotFound
	}
	return s.repo.Get(ctx, id)
}

// ResolveMany loads every id for tenantID. Unknown ids and accounts of
// another tenant both report ErrAccountNotFound.
func (s *Service) ResolveMany(ctx context.Context, tenantID int64, ids []int64) (map[int64]Account, error) {
	unique := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	found, err := s.repo.GetMany(ctx, unique)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Account, len(found))
	for _, a := range found {
		if a.TenantID == tenantID {
			out[a.ID] = a
		}
	}
	for _, id := range unique {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("%w: id %d", shared.ErrAccountNotFound, id)
		}
	}
	return out, nil
}

// IsPostable reports whether new lines may reference a.
func IsPostable(a Account) bool {
	return a.IsActive
}

// EnsurePostable fails with ErrAccountInactive for deactivated accounts.
func EnsurePostable(a Account) error {
	if !IsPostable(a) {
		return fmt.Errorf("%w: %s (id %d)", shared.ErrAccountInactive, a.Code, a.ID)
	}
	return nil
}

// List returns the tenant's chart of accounts ordered by code.
func (s *Service) List(ctx context.Context, tenantID int64) ([]Account, error) {
	return s.repo.List(ctx, tenantID)
}

// Create registers a new active account.
func (s *Service) Create(ctx context.Context, in CreateInput) (Account, error) {
	in.normalize()
	if err := s.validate.Struct(in); err != nil {
		return Account{}, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}
	account, err := s.repo.Insert(ctx, in)
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, in.ActorID, "account.create", account)
	return account, nil
}

// Deactivate soft-deletes an account. Posted lines referencing it stay valid.
func (s *Service) Deactivate(ctx context.Context, id, actorID int64) (Account, error) {
	return s.setActive(ctx, id, actorID, false)
}

// Reactivate makes a deactivated account postable again.
func (s *Service) Reactivate(ctx context.Context, id, actorID int64) (Account, error) {
	return s.setActive(ctx, id, actorID, true)
}

func (s *Service) setActive(ctx context.Context, id, actorID int64, active bool) (Account, error) {
	current, err := s.Resolve(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if current.IsActive == active {
		return current, nil
	}
	account, err := s.repo.SetActive(ctx, id, active, s.now())
	if err != nil {
		if errors.Is(err, shared.ErrAccountCodeTaken) {
			return Account{}, fmt.Errorf("%w: %s", shared.ErrAccountCodeTaken, current.Code)
		}
		return Account{}, err
	}
	action := "account.deactivate"
	if active {
		action = "account.reactivate"
	}
	s.record(ctx, actorID, action, account)
	return account, nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, a Account) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, auditlog.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "account",
		EntityID: strconv.FormatInt(a.ID, 10),
		Meta: map[string]any{
			"tenant_id": a.TenantID,
			"code":      a.Code,
			"type":      string(a.Type),
		},
		At: s.now(),
	})
}
