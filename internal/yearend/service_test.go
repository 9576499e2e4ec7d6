package yearend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizan-legal/mizan/internal/fiscal"
	"github.com/mizan-legal/mizan/internal/ledger"
	"github.com/mizan-legal/mizan/internal/shared"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// memState backs every mock so the coordinator's reads and its transaction
// observe the same data.
type memState struct {
	periods  map[uuid.UUID]*fiscal.Period
	entries  []ledger.JournalEntry
	totals   map[ledger.AccountType]decimal.Decimal
	activity []ledger.AccountActivity
	retained ledger.Account

	failInsertEntry error
}

func newMemState() *memState {
	return &memState{
		periods: make(map[uuid.UUID]*fiscal.Period),
		totals:  make(map[ledger.AccountType]decimal.Decimal),
		retained: ledger.Account{
			ID: uuid.New(), Code: "3900", Name: "Retained Earnings",
			Type: ledger.AccountTypeEquity, RetainedEarnings: true, IsActive: true,
		},
	}
}

func (s *memState) seed(periods []fiscal.Period) {
	for i := range periods {
		p := periods[i]
		s.periods[p.ID] = &p
	}
}

func (s *memState) byYear(year int) []fiscal.Period {
	var out []fiscal.Period
	for _, p := range s.periods {
		if p.FiscalYear == year {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodNumber < out[j].PeriodNumber })
	return out
}

func (s *memState) snapshot() map[uuid.UUID]fiscal.Period {
	snap := make(map[uuid.UUID]fiscal.Period, len(s.periods))
	for id, p := range s.periods {
		snap[id] = *p
	}
	return snap
}

func (s *memState) restore(snap map[uuid.UUID]fiscal.Period, entryCount int) {
	s.periods = make(map[uuid.UUID]*fiscal.Period, len(snap))
	for id := range snap {
		p := snap[id]
		s.periods[id] = &p
	}
	s.entries = s.entries[:entryCount]
}

// mockRepo implements Repository with rollback-on-error semantics matching a
// real transaction.
type mockRepo struct {
	state *memState
}

func (m *mockRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snap := m.state.snapshot()
	entryCount := len(m.state.entries)
	if err := fn(ctx, &mockTx{state: m.state}); err != nil {
		m.state.restore(snap, entryCount)
		return err
	}
	return nil
}

type mockTx struct {
	state *memState
}

func (t *mockTx) YearExists(ctx context.Context, year int) (bool, error) {
	return len(t.state.byYear(year)) > 0, nil
}

func (t *mockTx) InsertPeriods(ctx context.Context, periods []fiscal.Period) error {
	t.state.seed(periods)
	return nil
}

func (t *mockTx) GetPeriodForUpdate(ctx context.Context, id uuid.UUID) (fiscal.Period, error) {
	p, ok := t.state.periods[id]
	if !ok {
		return fiscal.Period{}, fiscal.ErrNotFound
	}
	return *p, nil
}

func (t *mockTx) ListYearForUpdate(ctx context.Context, year int) ([]fiscal.Period, error) {
	return t.state.byYear(year), nil
}

func (t *mockTx) UpdatePeriod(ctx context.Context, p fiscal.Period) (fiscal.Period, error) {
	stored, ok := t.state.periods[p.ID]
	if !ok {
		return fiscal.Period{}, fiscal.ErrNotFound
	}
	if stored.Version != p.Version {
		return fiscal.Period{}, fiscal.ErrVersionConflict
	}
	p.Version++
	t.state.periods[p.ID] = &p
	return p, nil
}

func (t *mockTx) BucketTotals(ctx context.Context, from, to time.Time) (map[ledger.AccountType]decimal.Decimal, error) {
	return t.state.totals, nil
}

func (t *mockTx) AccountActivity(ctx context.Context, from, to time.Time, types []ledger.AccountType) ([]ledger.AccountActivity, error) {
	return t.state.activity, nil
}

func (t *mockTx) RetainedEarningsAccount(ctx context.Context) (ledger.Account, error) {
	return t.state.retained, nil
}

func (t *mockTx) InsertJournalEntry(ctx context.Context, entry ledger.JournalEntry) error {
	if t.state.failInsertEntry != nil {
		return t.state.failInsertEntry
	}
	t.state.entries = append(t.state.entries, entry)
	return nil
}

// mockPeriodsRepo serves the coordinator's precheck reads.
type mockPeriodsRepo struct {
	state *memState
}

func (m *mockPeriodsRepo) WithTx(ctx context.Context, fn func(context.Context, fiscal.TxRepository) error) error {
	return fn(ctx, &mockTx{state: m.state})
}

func (m *mockPeriodsRepo) GetPeriod(ctx context.Context, id uuid.UUID) (fiscal.Period, error) {
	p, ok := m.state.periods[id]
	if !ok {
		return fiscal.Period{}, fiscal.ErrNotFound
	}
	return *p, nil
}

func (m *mockPeriodsRepo) ListByYear(ctx context.Context, year int) ([]fiscal.Period, error) {
	return m.state.byYear(year), nil
}

func (m *mockPeriodsRepo) ListAll(ctx context.Context) ([]fiscal.Period, error) {
	var out []fiscal.Period
	for _, p := range m.state.periods {
		out = append(out, *p)
	}
	return out, nil
}

func (m *mockPeriodsRepo) Current(ctx context.Context, today time.Time) (fiscal.Period, error) {
	return fiscal.Period{}, fiscal.ErrNotFound
}

func (m *mockPeriodsRepo) FindByDate(ctx context.Context, date time.Time) (fiscal.Period, error) {
	return fiscal.Period{}, fiscal.ErrNotFound
}

// mockLedgerRepo serves the balance calculator in the precheck.
type mockLedgerRepo struct {
	state *memState
}

func (m *mockLedgerRepo) BucketTotals(ctx context.Context, from, to time.Time) (map[ledger.AccountType]decimal.Decimal, error) {
	return m.state.totals, nil
}

func (m *mockLedgerRepo) AccountActivity(ctx context.Context, from, to time.Time, types []ledger.AccountType) ([]ledger.AccountActivity, error) {
	return m.state.activity, nil
}

func (m *mockLedgerRepo) RetainedEarningsAccount(ctx context.Context) (ledger.Account, error) {
	return m.state.retained, nil
}

// memIdempotencyStore mirrors the Postgres-backed store in memory.
type memIdempotencyStore struct {
	claims  map[string]string
	results map[string][]byte
}

func newMemIdempotencyStore() *memIdempotencyStore {
	return &memIdempotencyStore{claims: map[string]string{}, results: map[string][]byte{}}
}

func (s *memIdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if _, ok := s.claims[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	s.claims[key] = module
	return nil
}

func (s *memIdempotencyStore) SaveResult(ctx context.Context, key string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	s.results[key] = data
	return nil
}

func (s *memIdempotencyStore) LoadResult(ctx context.Context, key string, target any) error {
	data, ok := s.results[key]
	if !ok {
		return shared.ErrIdempotencyInFlight
	}
	return json.Unmarshal(data, target)
}

func (s *memIdempotencyStore) Delete(ctx context.Context, key string) error {
	delete(s.claims, key)
	delete(s.results, key)
	return nil
}

// fakeLocker emulates the redis mutex.
type fakeLocker struct {
	held     map[string]bool
	acquired []string
	released []string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (l *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if l.held[key] {
		return nil, shared.ErrLockHeld
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	return func(ctx context.Context) error {
		l.held[key] = false
		l.released = append(l.released, key)
		return nil
	}, nil
}

type fixture struct {
	svc    *Service
	state  *memState
	store  *memIdempotencyStore
	locker *fakeLocker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	state := newMemState()
	store := newMemIdempotencyStore()
	locker := newFakeLocker()
	calc := ledger.NewCalculator(&mockLedgerRepo{state: state})
	svc := NewService(&mockRepo{state: state}, &mockPeriodsRepo{state: state}, calc, store, locker, slog.New(slog.DiscardHandler), time.Minute)
	svc.WithNow(func() time.Time { return time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC) })
	return &fixture{svc: svc, state: state, store: store, locker: locker}
}

// seedClosableYear provisions 2025 with periods 1-11 closed and 12 open, a
// balanced ledger, and income/expense activity netting 70,000.
func (f *fixture) seedClosableYear(t *testing.T) []fiscal.Period {
	t.Helper()
	periods, err := fiscal.BuildFiscalYear(fiscal.CreateFiscalYearInput{FiscalYear: 2025, StartMonth: 1}, time.Now())
	require.NoError(t, err)
	closedAt := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	for i := range periods {
		if i < 11 {
			periods[i].Status = fiscal.StatusClosed
			periods[i].ClosedAt = &closedAt
		} else {
			periods[i].Status = fiscal.StatusOpen
		}
	}
	f.state.seed(periods)

	f.state.totals = map[ledger.AccountType]decimal.Decimal{
		ledger.AccountTypeAsset:     dec("100000"),
		ledger.AccountTypeLiability: dec("40000"),
		ledger.AccountTypeEquity:    dec("60000"),
		ledger.AccountTypeIncome:    dec("250000"),
		ledger.AccountTypeExpense:   dec("180000"),
	}
	f.state.activity = []ledger.AccountActivity{
		{Account: ledger.Account{ID: uuid.New(), Code: "4000", Type: ledger.AccountTypeIncome}, Net: dec("250000")},
		{Account: ledger.Account{ID: uuid.New(), Code: "5000", Type: ledger.AccountTypeExpense}, Net: dec("180000")},
	}
	return f.state.byYear(2025)
}

func TestCloseFiscalYearSuccess(t *testing.T) {
	f := newFixture(t)
	f.seedClosableYear(t)

	result, err := f.svc.CloseFiscalYear(context.Background(), 2025, "key-1")
	require.NoError(t, err)

	assert.Equal(t, 2025, result.FiscalYear)
	assert.Equal(t, 1, result.PeriodsClosed, "only the open period transitions")
	assert.True(t, result.NetIncome.Equal(dec("70000")), "net income %s", result.NetIncome)
	assert.True(t, result.CarriedEquity.Equal(dec("130000")), "carried equity %s", result.CarriedEquity)

	// Exactly one balanced closing entry.
	require.Len(t, f.state.entries, 1)
	entry := f.state.entries[0]
	assert.Equal(t, result.ClosingEntryID, entry.ID)
	assert.NoError(t, entry.Validate())
	assert.Equal(t, ledger.SourceYearEndClosing, entry.Source)

	// Every period of the year is closed and carries the closing marker.
	for _, p := range f.state.byYear(2025) {
		assert.Equal(t, fiscal.StatusClosed, p.Status, "period %d", p.PeriodNumber)
		require.NotNil(t, p.ClosingEntry, "period %d", p.PeriodNumber)
		assert.Equal(t, entry.ID, *p.ClosingEntry)
	}

	// The next year exists with the carry-forward reference on period one.
	next := f.state.byYear(2026)
	require.Len(t, next, 12)
	assert.Equal(t, next[0].ID, result.NextPeriodID)
	require.NotNil(t, next[0].OpeningBalanceEntry)
	assert.Equal(t, entry.ID, *next[0].OpeningBalanceEntry)
	require.NotNil(t, next[0].OpeningEquity)
	assert.True(t, next[0].OpeningEquity.Equal(dec("130000")))
	for _, p := range next {
		assert.Equal(t, fiscal.StatusFuture, p.Status)
	}

	// Lock acquired and released.
	assert.Equal(t, []string{shared.CloseYearLockKey(2025)}, f.locker.acquired)
	assert.Equal(t, []string{shared.CloseYearLockKey(2025)}, f.locker.released)
}

func TestCloseFiscalYearExistingNextYear(t *testing.T) {
	f := newFixture(t)
	f.seedClosableYear(t)
	next, err := fiscal.BuildFiscalYear(fiscal.CreateFiscalYearInput{FiscalYear: 2026, StartMonth: 1}, time.Now())
	require.NoError(t, err)
	f.state.seed(next)

	result, err := f.svc.CloseFiscalYear(context.Background(), 2025, "key-1")
	require.NoError(t, err)

	got := f.state.byYear(2026)
	require.Len(t, got, 12, "no duplicate provisioning")
	assert.Equal(t, got[0].ID, result.NextPeriodID)
	require.NotNil(t, got[0].OpeningEquity)
}

func TestCloseFiscalYearUnbalancedAborts(t *testing.T) {
	f := newFixture(t)
	f.seedClosableYear(t)
	f.state.totals[ledger.AccountTypeEquity] = dec("59000") // 100,000 vs 99,000

	before := f.state.snapshot()
	_, err := f.svc.CloseFiscalYear(context.Background(), 2025, "key-1")
	require.ErrorIs(t, err, ErrUnbalancedYearEnd)

	assert.Equal(t, before, f.state.snapshot(), "no period changes status")
	assert.Empty(t, f.state.entries, "no closing entry posted")
	assert.Empty(t, f.store.claims, "failed close releases the idempotency key")
}

func TestCloseFiscalYearIncompleteAborts(t *testing.T) {
	f := newFixture(t)
	periods := f.seedClosableYear(t)
	f.state.periods[periods[7].ID].Status = fiscal.StatusFuture

	before := f.state.snapshot()
	_, err := f.svc.CloseFiscalYear(context.Background(), 2025, "key-1")
	require.ErrorIs(t, err, ErrIncompleteFiscalYear)
	assert.Contains(t, err.Error(), "period 8")
	assert.Equal(t, before, f.state.snapshot())
	assert.Empty(t, f.state.entries)
}

func TestCloseFiscalYearMissingPeriodsAborts(t *testing.T) {
	f := newFixture(t)
	periods := f.seedClosableYear(t)
	delete(f.state.periods, periods[3].ID)

	_, err := f.svc.CloseFiscalYear(context.Background(), 2025, "key-1")
	assert.ErrorIs(t, err, ErrIncompleteFiscalYear)
}

func TestCloseFiscalYearLockedPeriodAborts(t *testing.T) {
	f := newFixture(t)
	periods := f.seedClosableYear(t)
	f.state.periods[periods[2].ID].Status = fiscal.StatusLocked

	_, err := f.svc.CloseFiscalYear(context.Background(), 2025, "key-1")
	assert.ErrorIs(t, err, fiscal.ErrInvalidTransition)
	assert.Empty(t, f.state.entries)
}

func TestCloseFiscalYearAlreadyClosed(t *testing.T) {
	f := newFixture(t)
	periods := f.seedClosableYear(t)
	marker := uuid.New()
	for _, p := range periods {
		stored := f.state.periods[p.ID]
		stored.Status = fiscal.StatusClosed
		stored.ClosingEntry = &marker
	}

	_, err := f.svc.CloseFiscalYear(context.Background(), 2025, "key-1")
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestCloseFiscalYearUnknownYear(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CloseFiscalYear(context.Background(), 2030, "key-1")
	assert.ErrorIs(t, err, fiscal.ErrNotFound)
}

func TestCloseFiscalYearIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	f.seedClosableYear(t)

	first, err := f.svc.CloseFiscalYear(context.Background(), 2025, "key-1")
	require.NoError(t, err)

	second, err := f.svc.CloseFiscalYear(context.Background(), 2025, "key-1")
	require.NoError(t, err)

	assert.Equal(t, first.ClosingEntryID, second.ClosingEntryID)
	assert.Equal(t, first.PeriodsClosed, second.PeriodsClosed)
	assert.True(t, first.NetIncome.Equal(second.NetIncome))
	require.Len(t, f.state.entries, 1, "replay must not post a second entry")
}

func TestCloseFiscalYearReplayWrongYear(t *testing.T) {
	f := newFixture(t)
	f.seedClosableYear(t)

	_, err := f.svc.CloseFiscalYear(context.Background(), 2025, "key-1")
	require.NoError(t, err)

	_, err = f.svc.CloseFiscalYear(context.Background(), 2026, "key-1")
	assert.Error(t, err)
}

func TestCloseFiscalYearLockContention(t *testing.T) {
	f := newFixture(t)
	f.seedClosableYear(t)
	f.locker.held[shared.CloseYearLockKey(2025)] = true

	_, err := f.svc.CloseFiscalYear(context.Background(), 2025, "key-1")
	require.ErrorIs(t, err, ErrCloseInProgress)
	assert.Empty(t, f.store.claims, "the loser's key claim is rolled back so it can retry")
}

func TestCloseFiscalYearMidTransactionFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.seedClosableYear(t)
	f.state.failInsertEntry = errors.New("storage unavailable")

	before := f.state.snapshot()
	_, err := f.svc.CloseFiscalYear(context.Background(), 2025, "key-1")
	require.Error(t, err)
	assert.Equal(t, before, f.state.snapshot(), "partial close must never be observable")
	assert.Empty(t, f.state.entries)
	assert.Empty(t, f.store.claims)
}

func TestCloseFiscalYearRequiresIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CloseFiscalYear(context.Background(), 2025, "")
	assert.Error(t, err)
}

func TestCloseFiscalYearInFlightKey(t *testing.T) {
	f := newFixture(t)
	f.seedClosableYear(t)
	f.store.claims["key-1"] = idempotencyModule // claimed, no result yet

	_, err := f.svc.CloseFiscalYear(context.Background(), 2025, "key-1")
	assert.ErrorIs(t, err, ErrCloseInProgress)
}
