package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"passage.org/internal/activation"
	"passage.org/internal/audit"
	"passage.org/internal/auth"
	"passage.org/internal/obs"
)

const (
	serviceName = "passage-api"

	defaultMaxBody = 16 << 10
)

type pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks every dependency the public operations need. Nil
// dependencies are skipped.
type ReadyProbe struct {
	Store   pinger
	Limiter pinger
	Audit   pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	for name, p := range map[string]pinger{"store": rp.Store, "limiter": rp.Limiter, "audit": rp.Audit} {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return errors.New(name + " unavailable")
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Service is the activation surface the HTTP layer drives.
type Service interface {
	Preview(ctx context.Context, raw string, caller activation.Caller) (activation.Preview, error)
	Complete(ctx context.Context, req activation.CompleteRequest) (activation.Result, error)
	CreateEntry(ctx context.Context, in activation.NewEntry) (activation.WhitelistEntry, error)
	Issue(ctx context.Context, req activation.IssueRequest) (activation.Issued, error)
	Revoke(ctx context.Context, req activation.RevokeRequest) (activation.Credential, error)
	ListCredentials(ctx context.Context, f activation.CredentialFilter) (activation.CredentialPage, error)
}

// AuditReader serves investigation queries.
type AuditReader interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Event, error)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        Service
	audit      AuditReader
	tokens     tokenVerifier
	readyProbe readinessChecker
	origins    OriginResolver
	version    string

	rateBurst  int
	ratePerSec float64
	maxBody    int64
}

// Option configures API.
type Option func(*API)

// WithTrustProxy makes the origin come from forwarded headers.
func WithTrustProxy(on bool) Option {
	return func(a *API) { a.origins.TrustProxy = on }
}

// WithFloodGuard sizes the per-origin token bucket.
func WithFloodGuard(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

// WithMaxBody caps request bodies.
func WithMaxBody(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func New(svc Service, auditReader AuditReader, tokens tokenVerifier, rp readinessChecker, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		audit:      auditReader,
		tokens:     tokens,
		readyProbe: rp,
		version:    version,
		rateBurst:  40,
		ratePerSec: 20,
		maxBody:    defaultMaxBody,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	// public activation
	a.mux.HandleFunc("/v1/public/activation/preview", a.handlePreview)
	a.mux.HandleFunc("/v1/public/activation/complete", a.handleComplete)

	// administration
	admin := func(h http.HandlerFunc) http.Handler {
		return a.withAuth(RequireRole(auth.RoleAdmin)(h))
	}
	a.mux.Handle("/v1/admin/whitelist", admin(a.handleCreateEntry))
	a.mux.Handle("/v1/admin/whitelist/{id}/credentials", admin(a.handleIssue))
	a.mux.Handle("/v1/admin/credentials", admin(a.handleListCredentials))
	a.mux.Handle("/v1/admin/credentials/{id}/revoke", admin(a.handleRevoke))
	a.mux.Handle("/v1/admin/audit", admin(a.handleAuditQuery))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler:
// RequestID, LoggingJSON, SecurityHeaders, RateLimit, MaxBodyBytes, metrics, routes.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec, a.origins.Origin)
	h = SecurityHeaders(h)
	h = LoggingJSON(a.origins.Origin)(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "not_ready",
			"error":      err.Error(),
			"request_id": RequestIDFromContext(r.Context()),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// decodeJSON reads exactly one JSON object with no unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return errors.New("request body too large")
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		default:
			return errors.New("malformed JSON body")
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
