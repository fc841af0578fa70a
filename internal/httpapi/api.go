// Package httpapi is the HTTP surface of the dashboard backend.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"carevault.org/internal/audit"
	"carevault.org/internal/auth"
	"carevault.org/internal/obs"
	"carevault.org/internal/records"
	"carevault.org/internal/stream"
)

// ReadyProbe checks backing-store readiness (DB ping when present).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps carries everything the API serves.
type Deps struct {
	Tokens     *auth.TokenService
	Principals *auth.Service
	Security   *auth.SecurityService
	RBAC       *auth.RBACService
	Records    *records.Service
	Auditor    *audit.Recorder
	Feed       *stream.Feed
	ReadyProbe ReadyProbe
	Version    string

	MaxBodyBytes int64
	RateBurst    int
	RatePerSec   int
}

// API is the HTTP layer.
type API struct {
	mux  *http.ServeMux
	deps Deps
}

func New(deps Deps) *API {
	a := &API{
		mux:  http.NewServeMux(),
		deps: deps,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication and account recovery
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/otp/request", a.handleOtpRequest)
	a.mux.HandleFunc("/v1/auth/otp/reset", a.handleOtpReset)

	// patient records
	a.mux.HandleFunc("/v1/patients", a.handlePatients)
	a.mux.HandleFunc("/v1/patients/bulk-delete", a.handleBulkDelete)
	a.mux.HandleFunc("/v1/patients/import", a.handleImportCommit)
	a.mux.HandleFunc("/v1/patients/import/preview", a.handleImportPreview)
	a.mux.HandleFunc("/v1/patients/template", a.handleImportTemplate)
	a.mux.HandleFunc("/v1/patients/", a.handlePatientScoped)

	// reporting
	a.mux.HandleFunc("/v1/reports/summary", a.handleReportSummary)

	// administration
	a.mux.HandleFunc("/v1/admin/users", a.handleUsers)
	a.mux.HandleFunc("/v1/admin/users/", a.handleUserScoped)
	a.mux.HandleFunc("/v1/admin/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/admin/roles/", a.handleRoleScoped)
	a.mux.HandleFunc("/v1/admin/permissions", a.handlePermissions)
	a.mux.HandleFunc("/v1/admin/locations", a.handleLocations)
	a.mux.HandleFunc("/v1/admin/teams", a.handleTeams)
	a.mux.HandleFunc("/v1/admin/audit-logs", a.handleAuditLogs)
	a.mux.HandleFunc("/v1/admin/audit-logs/stream", a.handleAuditStream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	if a.deps.MaxBodyBytes > 0 {
		h = MaxBodyBytes(h, a.deps.MaxBodyBytes)
	}
	if a.deps.RateBurst > 0 && a.deps.RatePerSec > 0 {
		h = RateLimit(h, a.deps.RateBurst, a.deps.RatePerSec)
	}
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "carevault-api",
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.ReadyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "carevault-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.deps.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
