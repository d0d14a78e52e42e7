package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/aula-app/aula-engine/internal/engine"
	"github.com/aula-app/aula-engine/internal/events"
	"github.com/aula-app/aula-engine/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings the database and the tally cache when they are configured.
type ReadyProbe struct {
	DB    *sql.DB
	Cache pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Cache != nil {
		return rp.Cache.Ping(ctx)
	}
	return nil
}

// Options wires the HTTP layer to the engine.
type Options struct {
	Service    *engine.Service
	Bus        *events.Bus
	Ready      readinessChecker
	Version    string
	DevTokens  bool
	TokenTTL   time.Duration
	RateBurst  int
	RatePerSec int
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *engine.Service
	bus        *events.Bus
	readyProbe readinessChecker
	version    string
	devTokens  bool
	tokenTTL   time.Duration
	rateBurst  int
	ratePerSec int
}

func New(opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        opts.Service,
		bus:        opts.Bus,
		readyProbe: opts.Ready,
		version:    opts.Version,
		devTokens:  opts.DevTokens,
		tokenTTL:   opts.TokenTTL,
		rateBurst:  opts.RateBurst,
		ratePerSec: opts.RatePerSec,
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = 15 * time.Minute
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 40
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("POST /v1/boxes", a.createBox)
	a.mux.HandleFunc("GET /v1/boxes/{box}", a.getBox)
	a.mux.HandleFunc("POST /v1/boxes/{box}/phase", a.transition)
	a.mux.HandleFunc("POST /v1/boxes/{box}/ideas", a.addIdea)
	a.mux.HandleFunc("POST /v1/boxes/{box}/ideas/{idea}/approval", a.approveIdea)
	a.mux.HandleFunc("POST /v1/boxes/{box}/evaluation", a.evaluate)
	a.mux.HandleFunc("GET /v1/boxes/{box}/evaluation", a.latestEvaluation)

	a.mux.HandleFunc("PUT /v1/boxes/{box}/delegation", a.delegate)
	a.mux.HandleFunc("DELETE /v1/boxes/{box}/delegation", a.undelegate)
	a.mux.HandleFunc("GET /v1/boxes/{box}/delegation", a.getDelegation)
	a.mux.HandleFunc("GET /v1/boxes/{box}/delegators", a.delegators)
	a.mux.HandleFunc("GET /v1/boxes/{box}/voters", a.effectiveVoters)

	a.mux.HandleFunc("PUT /v1/boxes/{box}/ideas/{idea}/vote", a.castVote)
	a.mux.HandleFunc("GET /v1/boxes/{box}/ideas/{idea}/vote", a.getVote)
	a.mux.HandleFunc("DELETE /v1/boxes/{box}/ideas/{idea}/vote", a.revokeVote)
	a.mux.HandleFunc("GET /v1/boxes/{box}/ideas/{idea}/stats", a.ideaStats)

	a.mux.HandleFunc("GET /v1/quorum", a.getQuorum)
	a.mux.HandleFunc("PUT /v1/quorum", a.setQuorum)
	a.mux.HandleFunc("PUT /v1/users/{user}", a.upsertUser)
	a.mux.HandleFunc("PUT /v1/rooms/{room}/members/{user}", a.addMember)
	a.mux.HandleFunc("DELETE /v1/rooms/{room}/members/{user}", a.removeMember)

	a.mux.HandleFunc("GET /v1/events", a.Stream)
	a.mux.HandleFunc("POST /v1/rpc", a.handleRPC)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": obs.ServiceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeError(w, r, http.StatusServiceUnavailable, "not ready: "+err.Error())
		return
	}
	obs.SetReady(true)
	writeData(w, r, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, map[string]any{
		"name":    obs.ServiceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
