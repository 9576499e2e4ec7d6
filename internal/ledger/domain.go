// Package ledger exposes the read-only account classification surface, the
// journal entry model, and the balance aggregation the fiscal engine builds
// on. Amounts are decimals compared exactly, never through an epsilon.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountType enumerates the five classic balance buckets.
type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeEquity    AccountType = "equity"
	AccountTypeIncome    AccountType = "income"
	AccountTypeExpense   AccountType = "expense"
)

// Account models a chart of accounts node. Classification is consumed
// read-only here; account management belongs to a collaborator module.
type Account struct {
	ID               uuid.UUID
	Code             string
	Name             string
	Type             AccountType
	RetainedEarnings bool
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EntryStatus enumerates journal lifecycle values.
type EntryStatus string

const (
	EntryStatusPosted EntryStatus = "posted"
	EntryStatusVoid   EntryStatus = "void"
)

// SourceYearEndClosing tags entries produced by year-end closing.
const SourceYearEndClosing = "year_end_closing"

// JournalEntry captures posting metadata.
type JournalEntry struct {
	ID        uuid.UUID
	EntryDate time.Time
	Memo      string
	Source    string
	Status    EntryStatus
	PostedAt  time.Time
	Lines     []JournalLine
}

// JournalLine stores a debit or credit amount for an account.
type JournalLine struct {
	ID        uuid.UUID
	EntryID   uuid.UUID
	AccountID uuid.UUID
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

var (
	// ErrUnbalancedEntry indicates total debits do not equal total credits.
	ErrUnbalancedEntry = errors.New("ledger: journal lines must balance")
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = errors.New("ledger: journal requires at least two lines")
	// ErrRetainedEarningsMissing indicates no retained-earnings account is
	// configured, which year-end closing cannot proceed without.
	ErrRetainedEarningsMissing = errors.New("ledger: retained earnings account not configured")
)

// Validate ensures the entry is well formed and balanced.
func (e JournalEntry) Validate() error {
	if len(e.Lines) < 2 {
		return ErrTooFewLines
	}
	debit := decimal.Zero
	credit := decimal.Zero
	for idx, line := range e.Lines {
		if line.AccountID == uuid.Nil {
			return fmt.Errorf("ledger: line %d missing account", idx)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("ledger: line %d negative amount", idx)
		}
		if line.Debit.IsPositive() && line.Credit.IsPositive() {
			return fmt.Errorf("ledger: line %d cannot be both debit and credit", idx)
		}
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !debit.Equal(credit) {
		return fmt.Errorf("%w: debits %s, credits %s", ErrUnbalancedEntry, debit, credit)
	}
	return nil
}

// PeriodBalances is a derived point-in-time snapshot of the five buckets.
type PeriodBalances struct {
	TotalAssets      decimal.Decimal
	TotalLiabilities decimal.Decimal
	TotalEquity      decimal.Decimal
	TotalIncome      decimal.Decimal
	TotalExpenses    decimal.Decimal
	NetIncome        decimal.Decimal
	IsBalanced       bool
}

// ComputeBalances derives the snapshot from signed bucket totals. Asset and
// expense buckets carry natural debit balances, the rest credit balances;
// the repository signs them accordingly before they arrive here.
func ComputeBalances(totals map[AccountType]decimal.Decimal) PeriodBalances {
	b := PeriodBalances{
		TotalAssets:      totals[AccountTypeAsset],
		TotalLiabilities: totals[AccountTypeLiability],
		TotalEquity:      totals[AccountTypeEquity],
		TotalIncome:      totals[AccountTypeIncome],
		TotalExpenses:    totals[AccountTypeExpense],
	}
	b.NetIncome = b.TotalIncome.Sub(b.TotalExpenses)
	b.IsBalanced = b.TotalAssets.Equal(b.TotalLiabilities.Add(b.TotalEquity))
	return b
}

// AccountActivity is one account's net movement over a range, signed by the
// account's natural balance.
type AccountActivity struct {
	Account Account
	Net     decimal.Decimal
}
