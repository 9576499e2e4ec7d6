package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	fiscalhttp "github.com/mizan-legal/mizan/internal/fiscal/http"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger        *slog.Logger
	Config        *Config
	FiscalHandler *fiscalhttp.Handler
}

// NewRouter constructs the chi.Router with Mizan defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.FiscalHandler != nil {
		params.FiscalHandler.MountRoutes(r)
	}

	return r
}
