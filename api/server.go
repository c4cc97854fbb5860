/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging through zap
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend
  5. Workspace:  X-Workspace-ID / X-Actor-ID headers (under /api only)

ROUTE GROUPS:
  /api/accounts/*               Chart of accounts
  /api/periods/*                Fiscal periods, locking
  /api/periods/{id}/entries     Journal entries of a period
  /api/periods/{id}/closing/*   Annual closing workflow
  /api/periods/{id}/import/*    SIE import (preview, commit)
  /api/periods/{id}/reports/*   Balances, statements, VAT
  /api/periods/{id}/export.sie  SIE export
  /api/entries/*                Single-entry operations
  /api/audit                    Audit trail
  /healthz                      Liveness probe
  /*                            Static files (frontend), when configured

SECURITY NOTE:
  No authentication middleware. The workspace and actor headers are trusted
  as-is and must be set by an authenticating proxy in production.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/ledger"
)

const (
	HeaderWorkspace = "X-Workspace-ID"
	HeaderActor     = "X-Actor-ID"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins []string
	StaticDir   string // built frontend; empty serves the endpoint index
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderWorkspace, HeaderActor},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(workspace)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Put("/", h.UpsertAccounts)
		})

		r.Route("/periods", func(r chi.Router) {
			r.Get("/", h.ListPeriods)
			r.Post("/", h.CreatePeriod)

			r.Route("/{periodID}", func(r chi.Router) {
				r.Get("/", h.GetPeriod)
				r.Post("/lock", h.LockPeriod)
				r.Post("/unlock", h.UnlockPeriod)

				r.Get("/entries", h.ListEntries)
				r.Post("/entries", h.CreateEntry)

				r.Route("/closing", func(r chi.Router) {
					r.Get("/", h.GetClosing)
					r.Post("/reconciliation", h.CompleteReconciliation)
					r.Post("/package", h.SelectPackage)
					r.Post("/entries", h.MarkClosingEntries)
					r.Post("/tax", h.SaveTax)
					r.Post("/finalize", h.FinalizeClosing)
				})

				r.Post("/import/preview", h.PreviewImport)
				r.Post("/import", h.CommitImport)

				r.Route("/reports", func(r chi.Router) {
					r.Get("/balances", h.Balances)
					r.Get("/accounts/{account}", h.AccountLedger)
					r.Get("/balance-sheet", h.BalanceSheet)
					r.Get("/income-statement", h.IncomeStatement)
					r.Get("/vat", h.VAT)
				})

				r.Get("/export.sie", h.ExportSIE)
			})
		})

		r.Route("/entries/{entryID}", func(r chi.Router) {
			r.Get("/", h.GetEntry)
			r.Put("/", h.UpdateEntry)
			r.Delete("/", h.DeleteEntry)
			r.Post("/lock", h.LockEntry)
		})

		r.Get("/audit", h.QueryAudit)
	})

	serveStatic(r, opts.StaticDir)
	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type workspaceKey struct{}

// workspace reads the caller identity headers. Every ledger call is scoped
// by the workspace, so requests without one are rejected.
func workspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws := r.Header.Get(HeaderWorkspace)
		if ws == "" {
			writeError(w, http.StatusBadRequest, "missing "+HeaderWorkspace+" header", nil)
			return
		}
		actor := r.Header.Get(HeaderActor)
		if actor == "" {
			actor = "anonymous"
		}
		wc := ledger.WorkspaceContext{WorkspaceID: ledger.WorkspaceID(ws), ActorID: ledger.ActorID(actor)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), workspaceKey{}, wc)))
	})
}

func workspaceFrom(r *http.Request) ledger.WorkspaceContext {
	wc, _ := r.Context().Value(workspaceKey{}).(ledger.WorkspaceContext)
	return wc
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// =============================================================================
// STATIC FILES
// =============================================================================

func serveStatic(r chi.Router, staticDir string) {
	if staticDir != "" {
		if _, err := os.Stat(staticDir); err == nil {
			fileServer := http.FileServer(http.Dir(staticDir))
			r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
				fullPath := filepath.Join(staticDir, filepath.Clean(r.URL.Path))
				if _, err := os.Stat(fullPath); os.IsNotExist(err) {
					// SPA routing: serve index.html
					http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
					return
				}
				fileServer.ServeHTTP(w, r)
			})
			return
		}
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Ledger Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Ledger Engine API</h1>
<p>All /api calls need an <code>X-Workspace-ID</code> header.</p>
<h2>API Endpoints</h2>
<ul>
<li>/api/periods - Fiscal periods</li>
<li>/api/periods/{id}/entries - Journal entries</li>
<li>/api/periods/{id}/import - SIE import</li>
<li>/api/periods/{id}/reports/balance-sheet - Balance sheet</li>
<li>/api/audit - Audit trail</li>
</ul>
</body>
</html>`))
	})
}
