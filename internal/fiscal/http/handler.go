// Package fiscalhttp exposes the fiscal period engine as a JSON API.
package fiscalhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mizan-legal/mizan/internal/fiscal"
	"github.com/mizan-legal/mizan/internal/ledger"
	"github.com/mizan-legal/mizan/internal/platform/httpx"
	"github.com/mizan-legal/mizan/internal/shared"
	"github.com/mizan-legal/mizan/internal/yearend"
)

// periodService is the slice of fiscal.Service the handler consumes.
type periodService interface {
	CreateFiscalYear(ctx context.Context, in fiscal.CreateFiscalYearInput) ([]fiscal.Period, error)
	Open(ctx context.Context, id uuid.UUID) (fiscal.Period, error)
	Close(ctx context.Context, id uuid.UUID) (fiscal.Period, error)
	Reopen(ctx context.Context, id uuid.UUID) (fiscal.Period, error)
	Lock(ctx context.Context, id uuid.UUID) (fiscal.Period, error)
	Get(ctx context.Context, id uuid.UUID) (fiscal.Period, error)
	ListByYear(ctx context.Context, year int) ([]fiscal.Period, error)
	ListAll(ctx context.Context) ([]fiscal.Period, error)
	Current(ctx context.Context) (fiscal.Period, error)
	CanPost(ctx context.Context, date time.Time) (fiscal.CanPostResult, error)
	YearsSummary(ctx context.Context) ([]fiscal.YearSummary, error)
}

type balanceCalculator interface {
	ForRange(ctx context.Context, from, to time.Time) (ledger.PeriodBalances, error)
}

type closeService interface {
	CloseFiscalYear(ctx context.Context, year int, idemKey string) (yearend.Result, error)
}

// Handler wires the fiscal period endpoints.
type Handler struct {
	logger   *slog.Logger
	periods  periodService
	balances balanceCalculator
	closer   closeService
	validate *validator.Validate

	// balanceGroup collapses concurrent balance computations for the same
	// period into one aggregate query.
	balanceGroup singleflight.Group

	closeLimit func(http.Handler) http.Handler
}

// NewHandler constructs the Handler.
func NewHandler(logger *slog.Logger, periods periodService, balances balanceCalculator, closer closeService) *Handler {
	return &Handler{
		logger:     logger,
		periods:    periods,
		balances:   balances,
		closer:     closer,
		validate:   validator.New(),
		closeLimit: httprate.LimitByIP(5, time.Minute),
	}
}

// MountRoutes registers the fiscal routes on the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/fiscal-years", func(r chi.Router) {
		r.Post("/", h.createFiscalYear)
		r.Group(func(r chi.Router) {
			r.Use(h.closeLimit)
			r.Post("/{year}/close", h.closeFiscalYear)
		})
	})
	r.Route("/fiscal-periods", func(r chi.Router) {
		r.Get("/", h.listPeriods)
		r.Get("/current", h.currentPeriod)
		r.Get("/can-post", h.canPost)
		r.Get("/years-summary", h.yearsSummary)
		r.Get("/{id}", h.getPeriod)
		r.Get("/{id}/balances", h.periodBalances)
		r.Post("/{id}/open", h.transitionHandler(h.periods.Open))
		r.Post("/{id}/close", h.transitionHandler(h.periods.Close))
		r.Post("/{id}/reopen", h.transitionHandler(h.periods.Reopen))
		r.Post("/{id}/lock", h.transitionHandler(h.periods.Lock))
	})
}

func (h *Handler) createFiscalYear(w http.ResponseWriter, r *http.Request) {
	var req createFiscalYearRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	periods, err := h.periods.CreateFiscalYear(r.Context(), fiscal.CreateFiscalYearInput{
		FiscalYear: req.FiscalYear,
		StartMonth: req.StartMonth,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPeriodResponses(periods))
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("fiscalYear"); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Query", "fiscalYear must be an integer")
			return
		}
		periods, err := h.periods.ListByYear(r.Context(), year)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, toPeriodResponses(periods))
		return
	}
	periods, err := h.periods.ListAll(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPeriodResponses(periods))
}

func (h *Handler) currentPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.periods.Current(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPeriodResponse(p))
}

func (h *Handler) canPost(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", "date is required")
		return
	}
	date, err := time.Parse(dateLayout, raw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", "date must be formatted YYYY-MM-DD")
		return
	}
	result, err := h.periods.CanPost(r.Context(), date)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := canPostResponse{CanPost: result.CanPost, Reason: result.Reason}
	if result.Period != nil {
		p := toPeriodResponse(*result.Period)
		resp.Period = &p
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) yearsSummary(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.periods.YearsSummary(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]yearSummaryResponse, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, yearSummaryResponse{
			FiscalYear:    s.FiscalYear,
			Periods:       toPeriodResponses(s.Periods),
			TotalPeriods:  s.TotalPeriods,
			OpenPeriods:   s.OpenPeriods,
			ClosedPeriods: s.ClosedPeriods,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getPeriod(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	p, err := h.periods.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPeriodResponse(p))
}

func (h *Handler) periodBalances(w http.ResponseWriter, r *http.Request) {
	id, ok := h.periodID(w, r)
	if !ok {
		return
	}
	p, err := h.periods.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	v, err, _ := h.balanceGroup.Do(id.String(), func() (any, error) {
		return h.balances.ForRange(r.Context(), p.StartDate, p.EndDate)
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBalancesResponse(v.(ledger.PeriodBalances)))
}

// transitionHandler adapts one state machine trigger into an endpoint.
func (h *Handler) transitionHandler(op func(context.Context, uuid.UUID) (fiscal.Period, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.periodID(w, r)
		if !ok {
			return
		}
		p, err := op(r.Context(), id)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, toPeriodResponse(p))
	}
}

func (h *Handler) closeFiscalYear(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Path", "year must be an integer")
		return
	}
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		httpx.Problem(w, http.StatusBadRequest, "Missing Idempotency-Key",
			"year-end closing requires a client-supplied Idempotency-Key header")
		return
	}
	result, err := h.closer.CloseFiscalYear(r.Context(), year, idemKey)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toCloseYearResponse(result))
}

func (h *Handler) periodID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Path", "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// respondError maps domain errors onto the problem-details vocabulary the UI
// relies on for actionable messages.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, fiscal.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, fiscal.ErrInvalidTransition),
		errors.Is(err, fiscal.ErrOpenPeriodExists),
		errors.Is(err, fiscal.ErrYearClosed):
		httpx.Problem(w, http.StatusConflict, "InvalidTransition", err.Error())
	case errors.Is(err, fiscal.ErrDuplicateFiscalYear):
		httpx.Problem(w, http.StatusConflict, "DuplicateFiscalYear", err.Error())
	case errors.Is(err, fiscal.ErrVersionConflict):
		w.Header().Set("Retry-After", "1")
		httpx.Problem(w, http.StatusConflict, "VersionConflict", err.Error())
	case errors.Is(err, yearend.ErrAlreadyClosed):
		httpx.Problem(w, http.StatusConflict, "AlreadyClosed", err.Error())
	case errors.Is(err, yearend.ErrCloseInProgress), errors.Is(err, shared.ErrLockHeld):
		w.Header().Set("Retry-After", "2")
		httpx.Problem(w, http.StatusConflict, "CloseInProgress", err.Error())
	case errors.Is(err, yearend.ErrIncompleteFiscalYear):
		httpx.Problem(w, http.StatusUnprocessableEntity, "IncompleteFiscalYear", err.Error())
	case errors.Is(err, yearend.ErrUnbalancedYearEnd), errors.Is(err, ledger.ErrUnbalancedEntry):
		httpx.Problem(w, http.StatusUnprocessableEntity, "UnbalancedYearEnd", err.Error())
	case errors.Is(err, ledger.ErrRetainedEarningsMissing):
		httpx.Problem(w, http.StatusUnprocessableEntity, "RetainedEarningsMissing", err.Error())
	default:
		h.logger.Error("fiscal handler", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
