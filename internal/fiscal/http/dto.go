package fiscalhttp

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mizan-legal/mizan/internal/fiscal"
	"github.com/mizan-legal/mizan/internal/ledger"
	"github.com/mizan-legal/mizan/internal/yearend"
)

const dateLayout = "2006-01-02"

// createFiscalYearRequest is the provisioning body.
type createFiscalYearRequest struct {
	FiscalYear int `json:"fiscalYear" validate:"required,min=1970,max=2200"`
	StartMonth int `json:"startMonth" validate:"required,min=1,max=12"`
}

type periodResponse struct {
	ID                  uuid.UUID            `json:"id"`
	FiscalYear          int                  `json:"fiscalYear"`
	PeriodNumber        int                  `json:"periodNumber"`
	Name                string               `json:"name"`
	NameAr              string               `json:"nameAr"`
	StartDate           string               `json:"startDate"`
	EndDate             string               `json:"endDate"`
	Status              fiscal.Status        `json:"status"`
	OpenedAt            *time.Time           `json:"openedAt,omitempty"`
	ClosedAt            *time.Time           `json:"closedAt,omitempty"`
	LockedAt            *time.Time           `json:"lockedAt,omitempty"`
	OpeningBalanceEntry *uuid.UUID           `json:"openingBalanceEntryId,omitempty"`
	OpeningEquity       *decimal.Decimal     `json:"openingEquity,omitempty"`
	ClosingEntry        *uuid.UUID           `json:"closingEntryId,omitempty"`
	Version             int64                `json:"version"`
	CreatedAt           time.Time            `json:"createdAt"`
	UpdatedAt           time.Time            `json:"updatedAt"`
}

func toPeriodResponse(p fiscal.Period) periodResponse {
	return periodResponse{
		ID:                  p.ID,
		FiscalYear:          p.FiscalYear,
		PeriodNumber:        p.PeriodNumber,
		Name:                p.Name,
		NameAr:              p.NameAr,
		StartDate:           p.StartDate.Format(dateLayout),
		EndDate:             p.EndDate.Format(dateLayout),
		Status:              p.Status,
		OpenedAt:            p.OpenedAt,
		ClosedAt:            p.ClosedAt,
		LockedAt:            p.LockedAt,
		OpeningBalanceEntry: p.OpeningBalanceEntry,
		OpeningEquity:       p.OpeningEquity,
		ClosingEntry:        p.ClosingEntry,
		Version:             p.Version,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}

func toPeriodResponses(periods []fiscal.Period) []periodResponse {
	out := make([]periodResponse, 0, len(periods))
	for _, p := range periods {
		out = append(out, toPeriodResponse(p))
	}
	return out
}

type balancesResponse struct {
	TotalAssets      decimal.Decimal `json:"totalAssets"`
	TotalLiabilities decimal.Decimal `json:"totalLiabilities"`
	TotalEquity      decimal.Decimal `json:"totalEquity"`
	TotalIncome      decimal.Decimal `json:"totalIncome"`
	TotalExpenses    decimal.Decimal `json:"totalExpenses"`
	NetIncome        decimal.Decimal `json:"netIncome"`
	IsBalanced       bool            `json:"isBalanced"`
}

func toBalancesResponse(b ledger.PeriodBalances) balancesResponse {
	return balancesResponse{
		TotalAssets:      b.TotalAssets,
		TotalLiabilities: b.TotalLiabilities,
		TotalEquity:      b.TotalEquity,
		TotalIncome:      b.TotalIncome,
		TotalExpenses:    b.TotalExpenses,
		NetIncome:        b.NetIncome,
		IsBalanced:       b.IsBalanced,
	}
}

type canPostResponse struct {
	CanPost bool            `json:"canPost"`
	Period  *periodResponse `json:"period,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

type yearSummaryResponse struct {
	FiscalYear    int              `json:"fiscalYear"`
	Periods       []periodResponse `json:"periods"`
	TotalPeriods  int              `json:"totalPeriods"`
	OpenPeriods   int              `json:"openPeriods"`
	ClosedPeriods int              `json:"closedPeriods"`
}

type closeYearResponse struct {
	FiscalYear     int             `json:"fiscalYear"`
	ClosingEntryID uuid.UUID       `json:"closingEntryId"`
	PeriodsClosed  int             `json:"periodsClosed"`
	NextPeriodID   uuid.UUID       `json:"nextPeriodId"`
	NetIncome      decimal.Decimal `json:"netIncome"`
	CarriedEquity  decimal.Decimal `json:"carriedEquity"`
}

func toCloseYearResponse(r yearend.Result) closeYearResponse {
	return closeYearResponse(r)
}
