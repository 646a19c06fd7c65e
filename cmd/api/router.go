package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"lendingdesk/internal/account"
	"lendingdesk/internal/auth"
	"lendingdesk/internal/catalog"
	"lendingdesk/internal/circulation"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/database"
	"lendingdesk/internal/eventlog"
	"lendingdesk/internal/httpx"
	"lendingdesk/internal/membership"
)

type services struct {
	items    catalog.Service
	members  membership.Service
	engine   circulation.Service
	accounts account.Service
}

func newServices(db *sqlx.DB, clk clock.Clock, limits account.Limits, logger logrus.FieldLogger) services {
	events := eventlog.New(db, clk)
	items := catalog.NewService(db, events, clk, logger)
	members := membership.NewService(db, events, clk, logger)
	return services{
		items:   items,
		members: members,
		engine: circulation.NewService(circulation.Deps{
			Ledger:      circulation.NewLedger(db),
			Catalog:     items,
			Memberships: members,
			Tx:          database.NewTransactor(db),
			Events:      events,
			Clock:       clk,
			Logger:      logger,
		}),
		accounts: account.NewService(db, events, clk, limits, logger),
	}
}

// newRouter mounts every endpoint. Only /health and the /auth register and
// login endpoints are reachable without a bearer token.
func newRouter(db *sqlx.DB, svc services, issuer *auth.Issuer, clk clock.Clock, logger logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httpx.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.NotFound(httpx.NotFound)
	r.MethodNotAllowed(httpx.MethodNotAllowed)

	r.Get("/health", healthHandler(db))

	accounts := account.NewHandler(svc.accounts, issuer, logger)
	accounts.PublicRoutes(r)

	adminOnly := auth.RequireRole(auth.RoleAdmin)
	r.Group(func(r chi.Router) {
		r.Use(issuer.Middleware)
		accounts.Routes(r, adminOnly)
		catalog.NewHandler(svc.items, svc.engine, logger).Routes(r, adminOnly)
		membership.NewHandler(svc.members, svc.engine, clk, logger).Routes(r, adminOnly)
		circulation.NewHandler(svc.engine, clk, logger).Routes(r, adminOnly)
	})
	return r
}

func healthHandler(db *sqlx.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
