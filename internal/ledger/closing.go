package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BuildClosingEntry constructs the journal entry that zeroes income and
// expense accounts into retained earnings. activity carries each account's
// net movement signed by natural balance: a positive income net is a credit
// balance, a positive expense net a debit balance.
//
// A year without any income or expense activity still yields a zero-amount
// entry against retained earnings so the year carries its closing marker.
func BuildClosingEntry(retained Account, activity []AccountActivity, entryDate, now time.Time) (JournalEntry, error) {
	if retained.ID == uuid.Nil {
		return JournalEntry{}, ErrRetainedEarningsMissing
	}
	if retained.Type != AccountTypeEquity {
		return JournalEntry{}, fmt.Errorf("ledger: retained earnings account %s is %s, want equity", retained.Code, retained.Type)
	}

	entry := JournalEntry{
		ID:        uuid.New(),
		EntryDate: entryDate,
		Memo:      fmt.Sprintf("Year-end closing %d", entryDate.Year()),
		Source:    SourceYearEndClosing,
		Status:    EntryStatusPosted,
		PostedAt:  now,
	}

	netIncome := decimal.Zero
	for _, act := range activity {
		if act.Net.IsZero() {
			continue
		}
		line := JournalLine{ID: uuid.New(), EntryID: entry.ID, AccountID: act.Account.ID}
		switch act.Account.Type {
		case AccountTypeIncome:
			// Income carries a credit balance; debit it back to zero.
			if act.Net.IsPositive() {
				line.Debit = act.Net
			} else {
				line.Credit = act.Net.Neg()
			}
			netIncome = netIncome.Add(act.Net)
		case AccountTypeExpense:
			// Expense carries a debit balance; credit it back to zero.
			if act.Net.IsPositive() {
				line.Credit = act.Net
			} else {
				line.Debit = act.Net.Neg()
			}
			netIncome = netIncome.Sub(act.Net)
		default:
			return JournalEntry{}, fmt.Errorf("ledger: closing entry cannot touch %s account %s", act.Account.Type, act.Account.Code)
		}
		entry.Lines = append(entry.Lines, line)
	}

	re := JournalLine{ID: uuid.New(), EntryID: entry.ID, AccountID: retained.ID}
	switch {
	case netIncome.IsPositive():
		re.Credit = netIncome
	case netIncome.IsNegative():
		re.Debit = netIncome.Neg()
	}
	entry.Lines = append(entry.Lines, re)

	if len(entry.Lines) < 2 {
		// No income or expense movement at all: keep the entry well formed
		// with a zero counter-line.
		entry.Lines = append(entry.Lines, JournalLine{ID: uuid.New(), EntryID: entry.ID, AccountID: retained.ID})
	}

	if err := entry.Validate(); err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}
