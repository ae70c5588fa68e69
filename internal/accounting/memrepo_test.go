package accounting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting/accounts"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/shared"
	auditlog "github.com/odyssey-erp/odyssey-gl/internal/shared"
)

type balanceKey struct {
	accountID int64
	date      time.Time
}

type memState struct {
	accounts  map[int64]accounts.Account
	entries   map[int64]JournalEntry
	queue     map[int64]QueueItem
	balances  map[balanceKey]LedgerBalance
	nextID    int64
	nextNo    int64
	sourceIdx map[string]int64
}

func (s *memState) clone() *memState {
	c := &memState{
		accounts:  make(map[int64]accounts.Account, len(s.accounts)),
		entries:   make(map[int64]JournalEntry, len(s.entries)),
		queue:     make(map[int64]QueueItem, len(s.queue)),
		balances:  make(map[balanceKey]LedgerBalance, len(s.balances)),
		nextID:    s.nextID,
		nextNo:    s.nextNo,
		sourceIdx: make(map[string]int64, len(s.sourceIdx)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.queue {
		c.queue[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.sourceIdx {
		c.sourceIdx[k] = v
	}
	return c
}

// memRepo is an in-memory RepositoryPort. Transactions run one at a time on
// a copy of the state which replaces the committed state only when fn
// succeeds, so a failed transaction leaves no trace.
type memRepo struct {
	mu     sync.Mutex
	state  *memState
	failOn map[string]error
	calls  map[string]int
	now    func() time.Time
	// hiddenReversals makes the next lookups miss pending reversals, as a
	// concurrent transaction that has not committed yet would.
	hiddenReversals int
}

func newMemRepo() *memRepo {
	return &memRepo{
		state: &memState{
			accounts:  map[int64]accounts.Account{},
			entries:   map[int64]JournalEntry{},
			queue:     map[int64]QueueItem{},
			balances:  map[balanceKey]LedgerBalance{},
			sourceIdx: map[string]int64{},
		},
		failOn: map[string]error{},
		calls:  map[string]int{},
		now:    time.Now,
	}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.state.clone()
	if err := fn(ctx, &memTx{repo: r, s: work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memRepo) injectFailure(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn[method] = err
}

func (r *memRepo) hideReversals(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hiddenReversals = n
}

func (r *memRepo) clearFailure(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failOn, method)
}

func (r *memRepo) callCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

// snapshot returns committed state for assertions.
func (r *memRepo) snapshot() *memState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

func (r *memRepo) setBalance(b LedgerBalance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.balances[balanceKey{b.AccountID, dateOnly(b.AsOfDate)}] = b
}

func (r *memRepo) addAccount(tenantID int64, code string, typ accounts.AccountType) accounts.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.nextID++
	a := accounts.Account{ID: r.state.nextID, TenantID: tenantID, Code: code, Name: code, Type: typ, IsActive: true}
	r.state.accounts[a.ID] = a
	return a
}

// accounts.Repository over the same state, so the registry and the posting
// engine observe the same accounts.

func (r *memRepo) Get(_ context.Context, id int64) (accounts.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.state.accounts[id]
	if !ok {
		return accounts.Account{}, shared.ErrAccountNotFound
	}
	return a, nil
}

func (r *memRepo) GetMany(_ context.Context, ids []int64) ([]accounts.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []accounts.Account
	for _, id := range ids {
		if a, ok := r.state.accounts[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) List(_ context.Context, tenantID int64) ([]accounts.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []accounts.Account
	for _, a := range r.state.accounts {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) Insert(_ context.Context, in accounts.CreateInput) (accounts.Account, error) {
	return r.addAccount(in.TenantID, in.Code, in.Type), nil
}

func (r *memRepo) SetActive(_ context.Context, id int64, active bool, at time.Time) (accounts.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.state.accounts[id]
	if !ok {
		return accounts.Account{}, shared.ErrAccountNotFound
	}
	a.IsActive = active
	a.DeactivatedAt = nil
	if !active {
		a.DeactivatedAt = &at
	}
	r.state.accounts[id] = a
	return a, nil
}

type memTx struct {
	repo *memRepo
	s    *memState
}

// hit counts the call and returns an injected failure. Callers hold repo.mu
// through WithTx.
func (t *memTx) hit(method string) error {
	t.repo.calls[method]++
	return t.repo.failOn[method]
}

func (t *memTx) InsertEntry(_ context.Context, e JournalEntry) (JournalEntry, error) {
	if err := t.hit("InsertEntry"); err != nil {
		return JournalEntry{}, err
	}
	if e.CorrectsID != nil {
		for _, other := range t.s.entries {
			if other.CorrectsID != nil && *other.CorrectsID == *e.CorrectsID {
				return JournalEntry{}, fmt.Errorf("%w: entry %d", shared.ErrReversalExists, *e.CorrectsID)
			}
		}
	}
	key := ""
	if e.Source.ID != uuid.Nil && e.CorrectsID == nil {
		key = fmt.Sprintf("%d/%s/%s", e.TenantID, e.Source.Kind, e.Source.ID)
		if _, ok := t.s.sourceIdx[key]; ok {
			return JournalEntry{}, shared.ErrSourceAlreadyLinked
		}
	}
	t.s.nextID++
	t.s.nextNo++
	e.ID = t.s.nextID
	if key != "" {
		t.s.sourceIdx[key] = e.ID
	}
	e.Number = t.s.nextNo
	e.Status = EntryStatusPending
	e.Lines = nil
	t.s.entries[e.ID] = e
	return e, nil
}

func (t *memTx) InsertLines(_ context.Context, entryID int64, lines []JournalLine) error {
	if err := t.hit("InsertLines"); err != nil {
		return err
	}
	e := t.s.entries[entryID]
	copied := make([]JournalLine, len(lines))
	for i, l := range lines {
		t.s.nextID++
		l.ID = t.s.nextID
		l.EntryID = entryID
		copied[i] = l
	}
	e.Lines = copied
	t.s.entries[entryID] = e
	return nil
}

func (t *memTx) GetEntry(_ context.Context, id int64) (JournalEntry, error) {
	if err := t.hit("GetEntry"); err != nil {
		return JournalEntry{}, err
	}
	e, ok := t.s.entries[id]
	if !ok {
		return JournalEntry{}, fmt.Errorf("%w: id %d", shared.ErrJournalNotFound, id)
	}
	e.Lines = append([]JournalLine(nil), e.Lines...)
	return e, nil
}

func (t *memTx) FindPendingReversal(_ context.Context, correctsID int64) (int64, bool, error) {
	if t.repo.hiddenReversals > 0 {
		t.repo.hiddenReversals--
		return 0, false, nil
	}
	var ids []int64
	for _, e := range t.s.entries {
		if e.CorrectsID != nil && *e.CorrectsID == correctsID && e.Status == EntryStatusPending {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids[0], true, nil
}

func (t *memTx) TransitionEntry(_ context.Context, id int64, from, to EntryStatus, at time.Time) error {
	if err := t.hit("TransitionEntry"); err != nil {
		return err
	}
	e, ok := t.s.entries[id]
	if !ok || e.Status != from {
		return fmt.Errorf("%w: entry %d is not %s", shared.ErrConflictingTransition, id, from)
	}
	e.Status = to
	stamp := at
	switch to {
	case EntryStatusPosted:
		e.PostedAt = &stamp
	case EntryStatusReversed:
		e.ReversedAt = &stamp
	}
	t.s.entries[id] = e
	return nil
}

func (t *memTx) InsertQueueItem(_ context.Context, tenantID, entryID int64) (QueueItem, error) {
	if err := t.hit("InsertQueueItem"); err != nil {
		return QueueItem{}, err
	}
	t.s.nextID++
	created := t.repo.now()
	item := QueueItem{ID: t.s.nextID, TenantID: tenantID, EntryID: entryID, Status: QueueStatusPending, Retryable: true, CreatedAt: created, UpdatedAt: created}
	t.s.queue[item.ID] = item
	return item, nil
}

func (t *memTx) GetQueueItem(_ context.Context, id int64) (QueueItem, error) {
	item, ok := t.s.queue[id]
	if !ok {
		return QueueItem{}, fmt.Errorf("%w: id %d", shared.ErrQueueItemNotFound, id)
	}
	return item, nil
}

func (t *memTx) LockQueueItem(ctx context.Context, id int64) (QueueItem, error) {
	if err := t.hit("LockQueueItem"); err != nil {
		return QueueItem{}, err
	}
	return t.GetQueueItem(ctx, id)
}

func (t *memTx) QueueItemForEntry(_ context.Context, entryID int64) (QueueItem, error) {
	for _, item := range t.s.queue {
		if item.EntryID == entryID {
			return item, nil
		}
	}
	return QueueItem{}, fmt.Errorf("%w: entry %d", shared.ErrQueueItemNotFound, entryID)
}

func (t *memTx) MarkQueuePosted(_ context.Context, id int64, at time.Time) error {
	if err := t.hit("MarkQueuePosted"); err != nil {
		return err
	}
	item := t.s.queue[id]
	if item.Status == QueueStatusPosted {
		return fmt.Errorf("%w: queue item %d already posted", shared.ErrConflictingTransition, id)
	}
	stamp := at
	item.Status = QueueStatusPosted
	item.ErrorMessage = ""
	item.Retryable = false
	item.Attempts++
	item.ProcessedAt = &stamp
	item.UpdatedAt = at
	t.s.queue[id] = item
	return nil
}

func (t *memTx) MarkQueueFailed(_ context.Context, id int64, message string, retryable bool, at time.Time) error {
	if err := t.hit("MarkQueueFailed"); err != nil {
		return err
	}
	item, ok := t.s.queue[id]
	if !ok || item.Status == QueueStatusPosted {
		return nil
	}
	stamp := at
	item.Status = QueueStatusFailed
	item.ErrorMessage = message
	item.Retryable = retryable
	item.Attempts++
	item.ProcessedAt = &stamp
	item.UpdatedAt = at
	t.s.queue[id] = item
	return nil
}

func (t *memTx) ListRetryable(_ context.Context, staleBefore time.Time, limit int) ([]QueueItem, error) {
	var out []QueueItem
	for _, item := range t.s.queue {
		if (item.Status == QueueStatusFailed && item.Retryable) || (item.Status == QueueStatusPending && item.UpdatedAt.Before(staleBefore)) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) LockAccounts(_ context.Context, ids []int64) ([]accounts.Account, error) {
	if err := t.hit("LockAccounts"); err != nil {
		return nil, err
	}
	var out []accounts.Account
	for _, id := range ids {
		if a, ok := t.s.accounts[id]; ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) BalanceOnOrBefore(_ context.Context, accountID int64, date time.Time) (decimal.Decimal, error) {
	var best *LedgerBalance
	for _, b := range t.s.balances {
		if b.AccountID != accountID || b.AsOfDate.After(date) {
			continue
		}
		if best == nil || b.AsOfDate.After(best.AsOfDate) {
			b := b
			best = &b
		}
	}
	if best == nil {
		return decimal.Zero, nil
	}
	return best.Balance, nil
}

func (t *memTx) UpsertBalance(_ context.Context, tenantID, accountID int64, date time.Time, balance decimal.Decimal) error {
	if err := t.hit("UpsertBalance"); err != nil {
		return err
	}
	t.s.balances[balanceKey{accountID, date}] = LedgerBalance{TenantID: tenantID, AccountID: accountID, AsOfDate: date, Balance: balance}
	return nil
}

func (t *memTx) ShiftBalancesAfter(_ context.Context, accountID int64, date time.Time, delta decimal.Decimal) error {
	if err := t.hit("ShiftBalancesAfter"); err != nil {
		return err
	}
	for k, b := range t.s.balances {
		if k.accountID == accountID && k.date.After(date) {
			b.Balance = b.Balance.Add(delta)
			t.s.balances[k] = b
		}
	}
	return nil
}

func (t *memTx) ListBalances(_ context.Context, accountID int64) ([]LedgerBalance, error) {
	var out []LedgerBalance
	for _, b := range t.s.balances {
		if b.AccountID == accountID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AsOfDate.Before(out[j].AsOfDate) })
	return out, nil
}

func (t *memTx) DeleteBalances(_ context.Context, accountID int64) error {
	for k := range t.s.balances {
		if k.accountID == accountID {
			delete(t.s.balances, k)
		}
	}
	return nil
}

func (t *memTx) ListPostedLines(_ context.Context, accountID int64) ([]PostedLine, error) {
	var out []PostedLine
	for _, e := range t.s.entries {
		if e.Status != EntryStatusPosted && e.Status != EntryStatusReversed {
			continue
		}
		for _, l := range e.Lines {
			if l.AccountID == accountID {
				out = append(out, PostedLine{EntryID: e.ID, EntryDate: e.EntryDate, LineNo: l.LineNo, Debit: l.Debit, Credit: l.Credit})
			}
		}
	}
	return out, nil
}

func (t *memTx) AccountsWithActivity(_ context.Context, tenantID int64) ([]int64, error) {
	seen := map[int64]struct{}{}
	for _, b := range t.s.balances {
		if tenantID == 0 || b.TenantID == tenantID {
			seen[b.AccountID] = struct{}{}
		}
	}
	var out []int64
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

type memAudit struct {
	mu   sync.Mutex
	logs []auditlog.AuditLog
}

func (a *memAudit) Record(_ context.Context, log auditlog.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}
