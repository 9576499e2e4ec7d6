package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func retainedEarnings() Account {
	return Account{ID: uuid.New(), Code: "3900", Name: "Retained Earnings", Type: AccountTypeEquity, RetainedEarnings: true, IsActive: true}
}

func TestBuildClosingEntryProfit(t *testing.T) {
	re := retainedEarnings()
	sales := Account{ID: uuid.New(), Code: "4000", Type: AccountTypeIncome}
	rent := Account{ID: uuid.New(), Code: "5000", Type: AccountTypeExpense}

	entryDate := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	entry, err := BuildClosingEntry(re, []AccountActivity{
		{Account: sales, Net: dec("250000")},
		{Account: rent, Net: dec("180000")},
	}, entryDate, time.Now())
	require.NoError(t, err)

	require.NoError(t, entry.Validate(), "closing entry must itself balance")
	assert.Equal(t, SourceYearEndClosing, entry.Source)
	assert.Equal(t, entryDate, entry.EntryDate)
	require.Len(t, entry.Lines, 3)

	byAccount := map[uuid.UUID]JournalLine{}
	for _, l := range entry.Lines {
		byAccount[l.AccountID] = l
	}
	// Income is debited back to zero, expense credited back to zero.
	assert.True(t, byAccount[sales.ID].Debit.Equal(dec("250000")))
	assert.True(t, byAccount[rent.ID].Credit.Equal(dec("180000")))
	// Net income lands in retained earnings as a credit.
	assert.True(t, byAccount[re.ID].Credit.Equal(dec("70000")))
}

func TestBuildClosingEntryLoss(t *testing.T) {
	re := retainedEarnings()
	sales := Account{ID: uuid.New(), Code: "4000", Type: AccountTypeIncome}
	rent := Account{ID: uuid.New(), Code: "5000", Type: AccountTypeExpense}

	entry, err := BuildClosingEntry(re, []AccountActivity{
		{Account: sales, Net: dec("100")},
		{Account: rent, Net: dec("400")},
	}, time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), time.Now())
	require.NoError(t, err)
	require.NoError(t, entry.Validate())

	var reLine JournalLine
	for _, l := range entry.Lines {
		if l.AccountID == re.ID {
			reLine = l
		}
	}
	assert.True(t, reLine.Debit.Equal(dec("300")), "a loss debits retained earnings")
}

func TestBuildClosingEntryContraBalances(t *testing.T) {
	re := retainedEarnings()
	// A refund-heavy income account can end the year with a debit balance.
	refunds := Account{ID: uuid.New(), Code: "4900", Type: AccountTypeIncome}

	entry, err := BuildClosingEntry(re, []AccountActivity{
		{Account: refunds, Net: dec("-150")},
	}, time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), time.Now())
	require.NoError(t, err)
	require.NoError(t, entry.Validate())

	var refundLine JournalLine
	for _, l := range entry.Lines {
		if l.AccountID == refunds.ID {
			refundLine = l
		}
	}
	assert.True(t, refundLine.Credit.Equal(dec("150")))
}

func TestBuildClosingEntryNoActivity(t *testing.T) {
	entry, err := BuildClosingEntry(retainedEarnings(), nil, time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), time.Now())
	require.NoError(t, err)
	assert.NoError(t, entry.Validate())
	for _, l := range entry.Lines {
		assert.True(t, l.Debit.IsZero())
		assert.True(t, l.Credit.IsZero())
	}
}

func TestBuildClosingEntryZeroActivitySkipped(t *testing.T) {
	re := retainedEarnings()
	idle := Account{ID: uuid.New(), Code: "4100", Type: AccountTypeIncome}
	sales := Account{ID: uuid.New(), Code: "4000", Type: AccountTypeIncome}

	entry, err := BuildClosingEntry(re, []AccountActivity{
		{Account: idle, Net: dec("0")},
		{Account: sales, Net: dec("10")},
	}, time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), time.Now())
	require.NoError(t, err)
	for _, l := range entry.Lines {
		assert.NotEqual(t, idle.ID, l.AccountID, "zero-movement accounts get no closing line")
	}
}

func TestBuildClosingEntryRejectsWrongRetainedAccount(t *testing.T) {
	notEquity := Account{ID: uuid.New(), Code: "1000", Type: AccountTypeAsset, RetainedEarnings: true}
	_, err := BuildClosingEntry(notEquity, nil, time.Now(), time.Now())
	assert.Error(t, err)

	_, err = BuildClosingEntry(Account{}, nil, time.Now(), time.Now())
	assert.ErrorIs(t, err, ErrRetainedEarningsMissing)
}

func TestBuildClosingEntryRejectsBalanceSheetActivity(t *testing.T) {
	cash := Account{ID: uuid.New(), Code: "1000", Type: AccountTypeAsset}
	_, err := BuildClosingEntry(retainedEarnings(), []AccountActivity{
		{Account: cash, Net: dec("10")},
	}, time.Now(), time.Now())
	assert.Error(t, err)
}
