package fiscal

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateFiscalYearInput carries the provisioning request.
type CreateFiscalYearInput struct {
	FiscalYear int
	StartMonth int
}

// Validate ensures the provisioning input is coherent.
func (in CreateFiscalYearInput) Validate() error {
	if in.FiscalYear < 1970 || in.FiscalYear > 2200 {
		return fmt.Errorf("fiscal: year %d out of range", in.FiscalYear)
	}
	if in.StartMonth < 1 || in.StartMonth > 12 {
		return errors.New("fiscal: start month must be between 1 and 12")
	}
	return nil
}

var monthNames = [12]string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

var monthNamesAr = [12]string{
	"يناير", "فبراير", "مارس", "أبريل", "مايو", "يونيو",
	"يوليو", "أغسطس", "سبتمبر", "أكتوبر", "نوفمبر", "ديسمبر",
}

// BuildFiscalYear generates the twelve contiguous periods of a fiscal year
// beginning at startMonth, all in status future. Periods that spill into the
// next calendar year are labeled with that year.
func BuildFiscalYear(in CreateFiscalYearInput, now time.Time) ([]Period, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	periods := make([]Period, 0, 12)
	for i := 0; i < 12; i++ {
		start := time.Date(in.FiscalYear, time.Month(in.StartMonth), 1, 0, 0, 0, 0, time.UTC).AddDate(0, i, 0)
		end := start.AddDate(0, 1, -1)
		periods = append(periods, Period{
			ID:           uuid.New(),
			FiscalYear:   in.FiscalYear,
			PeriodNumber: i + 1,
			Name:         fmt.Sprintf("%s %d", monthNames[start.Month()-1], start.Year()),
			NameAr:       fmt.Sprintf("%s %d", monthNamesAr[start.Month()-1], start.Year()),
			StartDate:    start,
			EndDate:      end,
			Status:       StatusFuture,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return periods, nil
}
