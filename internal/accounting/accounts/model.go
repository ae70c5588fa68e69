package accounts

import (
	"strings"
	"time"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// Valid reports whether t is one of the known account types.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	}
	return false
}

// Side is the natural balance side of an account type.
type Side string

const (
	SideDebit  Side = "DEBIT"
	SideCredit Side = "CREDIT"
)

// NormalSide returns the side on which balances of t increase.
func NormalSide(t AccountType) Side {
	switch t {
	case AccountTypeAsset, AccountTypeExpense:
		return SideDebit
	default:
		return SideCredit
	}
}

// Account models a chart of accounts node.
type Account struct {
	ID            int64
	TenantID      int64
	Code          string
	Name          string
	Type          AccountType
	IsActive      bool
	CashBasis     bool
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateInput carries the fields an administrator supplies for a new account.
type CreateInput struct {
	TenantID  int64       `validate:"required,gt=0"`
	Code      string      `validate:"required,max=32"`
	Name      string      `validate:"required,max=200"`
	Type      AccountType `validate:"required,oneof=ASSET LIABILITY EQUITY REVENUE EXPENSE"`
	CashBasis bool
	ActorID   int64
}

func (in *CreateInput) normalize() {
	in.Code = strings.TrimSpace(in.Code)
	in.Name = strings.TrimSpace(in.Name)
	in.Type = AccountType(strings.ToUpper(strings.TrimSpace(string(in.Type))))
}
