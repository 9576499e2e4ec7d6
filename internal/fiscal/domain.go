// Package fiscal implements the fiscal period lifecycle: provisioning a
// year's periods, the status state machine, and the queries the posting
// window checks rely on.
package fiscal

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status enumerates the period lifecycle states.
type Status string

const (
	StatusFuture Status = "future"
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
	StatusLocked Status = "locked"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusFuture, StatusOpen, StatusClosed, StatusLocked:
		return true
	default:
		return false
	}
}

// Period represents one calendar-month accounting window of a fiscal year.
type Period struct {
	ID           uuid.UUID
	FiscalYear   int
	PeriodNumber int
	Name         string
	NameAr       string
	StartDate    time.Time
	EndDate      time.Time
	Status       Status
	OpenedAt     *time.Time
	ClosedAt     *time.Time
	LockedAt     *time.Time

	// Carry-forward reference recorded by year-end closing on the first
	// period of the following year. A pointer plus amount, never a posting.
	OpeningBalanceEntry *uuid.UUID
	OpeningEquity       *decimal.Decimal

	// ClosingEntry is set on every period of a year closed by year-end
	// closing; it marks the year as closed for the reopen guard.
	ClosingEntry *uuid.UUID

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contains reports whether date falls inside the period's inclusive range.
func (p Period) Contains(date time.Time) bool {
	d := date.Truncate(24 * time.Hour)
	return !d.Before(p.StartDate) && !d.After(p.EndDate)
}

// YearClosed reports whether the period belongs to a fiscal year that has
// completed year-end closing.
func (p Period) YearClosed() bool {
	return p.ClosingEntry != nil
}

var (
	// ErrNotFound indicates an unknown period or fiscal year.
	ErrNotFound = errors.New("fiscal: period not found")
	// ErrInvalidTransition indicates the requested status change violates the
	// transition table.
	ErrInvalidTransition = errors.New("fiscal: invalid transition")
	// ErrDuplicateFiscalYear indicates periods already exist for the year.
	ErrDuplicateFiscalYear = errors.New("fiscal: fiscal year already exists")
	// ErrVersionConflict indicates a concurrent conflicting write on the same
	// period; the caller may retry with backoff.
	ErrVersionConflict = errors.New("fiscal: version conflict")
	// ErrYearClosed guards reopening periods of a year whose year-end closing
	// has completed.
	ErrYearClosed = errors.New("fiscal: fiscal year already closed")
	// ErrOpenPeriodExists enforces the single-open-period-per-year policy.
	ErrOpenPeriodExists = errors.New("fiscal: another period of the year is open")
)

// transitionError carries the current and requested status so the UI can
// present an actionable message.
func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// transitions is the allowed-transition table. locked is terminal.
var transitions = map[Status][]Status{
	StatusFuture: {StatusOpen},
	StatusOpen:   {StatusClosed},
	StatusClosed: {StatusOpen, StatusLocked},
	StatusLocked: {},
}

// CanTransition reports whether the table permits from -> to.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition checks the table and reports the offending pair.
func ValidateTransition(from, to Status) error {
	if !to.Valid() {
		return transitionError(from, to)
	}
	if !CanTransition(from, to) {
		return transitionError(from, to)
	}
	return nil
}

// ApplyTransition mutates the period in place after validating the table.
// Each transition stamps its timestamp; repeat transitions overwrite the
// previous stamp (latest-wins), prior values live on in the ledger history.
func ApplyTransition(p *Period, to Status, now time.Time) error {
	if err := ValidateTransition(p.Status, to); err != nil {
		return err
	}
	p.Status = to
	switch to {
	case StatusOpen:
		p.OpenedAt = &now
	case StatusClosed:
		p.ClosedAt = &now
	case StatusLocked:
		p.LockedAt = &now
	}
	return nil
}
