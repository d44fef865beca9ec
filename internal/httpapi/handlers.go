package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"gatekeeper.dev/internal/auth"
	"gatekeeper.dev/internal/obs"
)

const serviceName = "gatekeeper"

// ReadyProbe reports readiness; with a database it pings the pool.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over auth.Service.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	readyProbe ReadyProbe
	version    string
	log        zerolog.Logger

	rateBurst   int
	ratePerSec  float64
	corsOrigins map[string]struct{}
	proxies     ProxyList
}

// Option configures API.
type Option func(*API)

func WithReadyProbe(rp ReadyProbe) Option {
	return func(a *API) { a.readyProbe = rp }
}

func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *API) { a.log = l }
}

// WithLoginRateLimit bounds login attempts per client IP.
func WithLoginRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

// WithTrustedProxies names the load balancers whose X-Forwarded-For is
// believed when keying rate limits and logging client addresses.
func WithTrustedProxies(p ProxyList) Option {
	return func(a *API) { a.proxies = p }
}

// WithCORSOrigins allows the listed browser origins in addition to localhost.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) {
		for _, o := range origins {
			if o != "" {
				a.corsOrigins[o] = struct{}{}
			}
		}
	}
}

func New(svc *auth.Service, opts ...Option) *API {
	a := &API{
		mux:         http.NewServeMux(),
		svc:         svc,
		version:     "dev",
		log:         zerolog.Nop(),
		rateBurst:   10,
		ratePerSec:  5,
		corsOrigins: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	// public auth endpoints
	a.mux.Handle("/v1/auth/login", RateLimit(http.HandlerFunc(a.handleLogin), a.rateBurst, a.ratePerSec, a.proxies))
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/status", a.handleStatus)

	// bearer-authenticated
	a.mux.Handle("/v1/auth/me", a.authenticated(http.HandlerFunc(a.handleMe)))
	a.mux.Handle("/v1/auth/sessions", a.authenticated(http.HandlerFunc(a.handleSessions)))
	a.mux.Handle("/v1/auth/sessions/{id}/revoke", a.authenticated(http.HandlerFunc(a.handleRevokeSession)))
	a.mux.Handle("/v1/auth/tokens/revoke", a.authenticated(http.HandlerFunc(a.handleRevokeToken)))
	a.mux.Handle("/v1/auth/revoke-all", a.authenticated(http.HandlerFunc(a.handleRevokeAll)))

	// administration of other users' sessions
	editUsers := a.RequirePermission(auth.ModeAll, auth.PermUsersEdit)
	viewUsers := a.RequirePermission(auth.ModeAny, auth.PermUsersView, auth.PermUsersEdit)
	a.mux.Handle("/v1/users/{username}/revoke-all", a.authenticated(editUsers(http.HandlerFunc(a.handleAdminRevokeAll))))
	a.mux.Handle("/v1/users/{username}/sessions", a.authenticated(viewUsers(http.HandlerFunc(a.handleAdminSessions))))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = obs.Instrument(h)
	h = CORS(h, a.allowOrigin)
	h = SecurityHeaders(h)
	h = LoggingJSON(h, a.proxies)
	h = RequestID(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		a.log.Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) allowOrigin(origin string) bool {
	if isLocalOrigin(origin) {
		return true
	}
	_, ok := a.corsOrigins[origin]
	return ok
}
