package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/epcalc/epcalc/auth"
	"github.com/epcalc/epcalc/breaker"
	"github.com/epcalc/epcalc/expand"
	"github.com/epcalc/epcalc/meter"
	"github.com/epcalc/epcalc/metrics"
	"github.com/epcalc/epcalc/pool"
	"github.com/epcalc/epcalc/store"
)

// Version is stamped by the build; the default marks ad hoc builds.
var Version = "dev"

// Server owns the HTTP surface and the service components behind it.
type Server struct {
	cfg      Config
	coord    *Coordinator
	keys     *auth.KeyStore
	sessions *auth.SessionStore
	usage    *meter.Meter
	brk      *breaker.Breaker
	workers  *pool.Pool
	backend  store.Backend
	met      *metrics.Set
	log      *logrus.Entry
	started  time.Time

	router http.Handler
}

// New assembles the server from its components.
func New(cfg Config, coord *Coordinator, keys *auth.KeyStore, sessions *auth.SessionStore, usage *meter.Meter, brk *breaker.Breaker, workers *pool.Pool, backend store.Backend, met *metrics.Set) *Server {
	s := &Server{
		cfg:      cfg,
		coord:    coord,
		keys:     keys,
		sessions: sessions,
		usage:    usage,
		brk:      brk,
		workers:  workers,
		backend:  backend,
		met:      met,
		log:      logrus.WithField("component", "http"),
		started:  time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() http.Handler {
	return s.buildRouterWith(newGate(s.keys, s.sessions, s.cfg.Admin))
}

func (s *Server) buildRouterWith(g *gate) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(g.Middleware)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.met.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/compute/standard", s.handleComputeStandard)
		r.Post("/compute/custom", s.handleComputeCustom)
		r.Post("/session/cancel", s.handleSessionCancel)
		r.Post("/auth/session", s.handleSessionCreate)
		r.Get("/auth/session/status", s.handleSessionStatus)
		r.Route("/admin", func(r chi.Router) {
			r.Get("/keys", s.handleKeysList)
			r.Post("/keys", s.handleKeysCreate)
			r.Delete("/keys/{id}", s.handleKeysRevoke)
			r.Get("/usage", s.handleUsage)
		})
	})
	return r
}

var rootTemplate = template.Must(template.New("root").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="csrf-token" content="{{.CSRFToken}}">
  <title>epcalc</title>
</head>
<body>
  <h1>epcalc</h1>
  <p>Error-probability calculator, version {{.Version}}.
  API under <code>/api/v1</code>; see <code>/health</code> for service state.</p>
</body>
</html>
`))

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	token, err := s.sessions.IssueCSRF()
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = rootTemplate.Execute(w, map[string]string{
		"CSRFToken": token,
		"Version":   Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state, signal := s.brk.Snapshot()
	services := map[string]any{
		"pool":  s.workers.Stats(),
		"cache": s.coord.cache.Stats(),
	}
	if err := s.backend.Ping(); err != nil {
		services["storage"] = "unavailable"
	} else {
		services["storage"] = "ok"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  Version,
		"uptime_s": int(time.Since(s.started) / time.Second),
		"breaker": map[string]any{
			"state":   state.String(),
			"metrics": signal,
		},
		"services": services,
	})
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*expand.Request, bool) {
	var req expand.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, s.log, invalidParameter("malformed request body: "+err.Error()))
		return nil, false
	}
	return &req, true
}

// summariseRequest renders the short params line stored with a usage
// event. It names the modulation and metrics only; axis values stay
// out of the audit trail.
func summariseRequest(req *expand.Request) string {
	kind := req.TypeModulation
	if req.Custom() {
		kind = fmt.Sprintf("custom-%d", len(req.Constellation))
	}
	return fmt.Sprintf("%s metrics=%s", kind, strings.Join(req.Metrics, ","))
}

func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request, custom bool) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	if custom && !req.Custom() {
		writeError(w, s.log, invalidParameter("custom endpoint requires a constellation"))
		return
	}
	if !custom && req.Custom() {
		writeError(w, s.log, invalidParameter("standard endpoint does not accept a constellation"))
		return
	}

	id := identityFrom(r.Context())
	result, metered, err := s.coord.Compute(r.Context(), id.SessionID(r), req)

	endpoint := r.URL.Path
	if err != nil {
		s.countRequest(endpoint, err)
		writeError(w, s.log, err)
		return
	}
	s.met.Requests.WithLabelValues(endpoint, "200").Inc()

	// Only key-authenticated calls are metered.
	if id.Key != nil {
		s.usage.Record(id.Key.ID, endpoint, metered, summariseRequest(req))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) countRequest(endpoint string, err error) {
	status := "500"
	var ae *apiError
	var inv *expand.InvalidError
	if errors.As(err, &ae) {
		status = fmt.Sprint(ae.Status)
	} else if errors.As(err, &inv) {
		status = "400"
	}
	s.met.Requests.WithLabelValues(endpoint, status).Inc()
}

func (s *Server) handleComputeStandard(w http.ResponseWriter, r *http.Request) {
	s.handleCompute(w, r, false)
}

func (s *Server) handleComputeCustom(w http.ResponseWriter, r *http.Request) {
	s.handleCompute(w, r, true)
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	n := s.coord.Cancel(id.SessionID(r))
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "jobs": n})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CSRFToken string `json:"csrfToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, s.log, invalidParameter("malformed request body"))
		return
	}
	sess, err := s.sessions.Create(body.CSRFToken)
	if err != nil {
		writeError(w, s.log, unauthorised())
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.Token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"expiresAt": sess.ExpiresAt().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	sess, ok := s.sessions.Lookup(c.Value)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"expiresAt": sess.ExpiresAt().UTC().Format(time.RFC3339),
	})
}

// keyView is an APIKey stripped of its secret material.
type keyView struct {
	ID         string     `json:"id"`
	ShortID    string     `json:"shortId"`
	Owner      string     `json:"owner"`
	IsAdmin    bool       `json:"isAdmin"`
	CreatedAt  time.Time  `json:"createdAt"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

func viewOf(k *store.APIKey) keyView {
	return keyView{
		ID:         k.ID,
		ShortID:    k.ShortID,
		Owner:      k.Owner,
		IsAdmin:    k.IsAdmin,
		CreatedAt:  k.CreatedAt,
		RevokedAt:  k.RevokedAt,
		LastUsedAt: k.LastUsedAt,
	}
}

func (s *Server) handleKeysList(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.List()
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	views := make([]keyView, len(keys))
	for i, k := range keys {
		views[i] = viewOf(k)
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": views})
}

func (s *Server) handleKeysCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Owner   string `json:"owner"`
		IsAdmin bool   `json:"isAdmin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, s.log, invalidParameter("malformed request body"))
		return
	}
	key, raw, err := s.keys.Create(body.Owner, body.IsAdmin)
	if err != nil {
		writeError(w, s.log, invalidParameter(err.Error()))
		return
	}
	// The raw key appears in this response and nowhere else.
	writeJSON(w, http.StatusOK, map[string]any{
		"key":    viewOf(key),
		"rawKey": raw,
	})
}

func (s *Server) handleKeysRevoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.keys.Revoke(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, s.log, invalidParameter("unknown key id"))
			return
		}
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit <= 0 {
			writeError(w, s.log, invalidParameter("limit must be a positive integer"))
			return
		}
	}
	events, err := s.usage.Recent(limit)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if events == nil {
		events = []*store.UsageEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
