package router

import (
	"log/slog"
	"net/http"

	"github.com/framecredit/backend/internal/dashboard"
	"github.com/framecredit/backend/internal/generation"
	"github.com/framecredit/backend/internal/handlers"
	"github.com/framecredit/backend/internal/middleware"
	"github.com/framecredit/backend/internal/payments"
)

// Deps are the handlers and collaborators the routes are built from.
type Deps struct {
	Tokens      middleware.TokenValidator
	Quotes      middleware.Quoter
	Balances    middleware.BalanceReader
	Generations *generation.Handler
	Credits     *dashboard.Handler
	Webhooks    *payments.Handler
	Catalog     handlers.Catalog
	Health      http.HandlerFunc
	Log         *slog.Logger
}

// New returns the API handler.
// Middleware chain: BearerAuth -> (CreditPrecheck on POST /v1/generations only) -> handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	auth := middleware.BearerAuth(d.Tokens, d.Log)
	precheck := middleware.CreditPrecheck(d.Quotes, d.Balances, d.Log)

	if d.Health != nil {
		mux.HandleFunc("GET /healthz", d.Health)
	}
	mux.HandleFunc("GET /v1/providers", handlers.ListProviders(d.Catalog))

	mux.Handle("GET /v1/credits", auth(http.HandlerFunc(d.Credits.GetBalance)))
	mux.Handle("GET /v1/credits/ledger", auth(http.HandlerFunc(d.Credits.ListCreditLedger)))

	// POST /v1/generations: Auth -> Precheck -> Create
	mux.Handle("POST /v1/generations", auth(precheck(http.HandlerFunc(d.Generations.Create))))
	mux.Handle("GET /v1/generations", auth(http.HandlerFunc(d.Generations.List)))
	mux.Handle("GET /v1/generations/{id}", auth(http.HandlerFunc(d.Generations.Get)))

	// Signed by the gateway; no bearer token.
	mux.HandleFunc("POST /v1/webhooks/payments", d.Webhooks.Webhook)

	return mux
}
