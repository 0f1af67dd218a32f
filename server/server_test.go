package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epcalc/epcalc/auth"
	"github.com/epcalc/epcalc/breaker"
	"github.com/epcalc/epcalc/cache"
	"github.com/epcalc/epcalc/meter"
	"github.com/epcalc/epcalc/metrics"
	"github.com/epcalc/epcalc/pool"
	"github.com/epcalc/epcalc/store"
)

// newTestApp builds a full application on the in-memory backend with a
// small pool and no auth-failure delay.
func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Storage.Path = "memory"
	cfg.Compute.Workers = 2
	cfg.Compute.MaxPoints = 500
	cfg.HTTP.RequestTimeout = 20 * time.Second
	cfg.Admin.User = "admin"
	cfg.Admin.Password = "hunter2"

	app, err := NewApp(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app
}

// issueKey creates a key directly through the store.
func issueKey(t *testing.T, app *App, owner string, admin bool) string {
	t.Helper()
	_, raw, err := app.Keys().Create(owner, admin)
	require.NoError(t, err)
	return raw
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func standardRequest() map[string]any {
	return map[string]any{
		"SNR":            map[string]any{"min": 0, "max": 4, "points": 5},
		"R":              0.5,
		"M":              2,
		"typeModulation": "PAM",
		"metrics":        []string{"error_exponent", "cutoff_rate"},
	}
}

// TestServer_ComputeStandard runs an SNR sweep end to end and checks
// the unified result shape.
func TestServer_ComputeStandard(t *testing.T) {
	app := newTestApp(t)
	key := issueKey(t, app, "tester", false)

	w := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/standard",
		standardRequest(), map[string]string{"X-API-Key": key})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, "flat", body["format"])

	axes := body["axes"].([]any)
	require.Len(t, axes, 1)
	axis := axes[0].(map[string]any)
	assert.Equal(t, "SNR", axis["name"])
	assert.Equal(t, "dB", axis["unit"])

	results := body["results"].([]any)
	require.Len(t, results, 5)
	first := results[0].(map[string]any)
	metrics := first["metrics"].(map[string]any)
	require.Contains(t, metrics, "error_exponent")
	require.Contains(t, metrics, "cutoff_rate")
	assert.NotNil(t, metrics["cutoff_rate"])

	meta := body["meta"].(map[string]any)
	assert.EqualValues(t, 5, meta["total_points"])
}

// TestServer_ComputeIsMetered verifies a key-authenticated compute
// lands in the usage log.
func TestServer_ComputeIsMetered(t *testing.T) {
	app := newTestApp(t)
	key := issueKey(t, app, "tester", false)

	w := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/standard",
		standardRequest(), map[string]string{"X-API-Key": key})
	require.Equal(t, http.StatusOK, w.Code)

	events, err := app.usage.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "/api/v1/compute/standard", events[0].Endpoint)
	assert.Positive(t, events[0].Cost)
}

// TestServer_SecondCallHitsCache verifies the single-flight cache
// serves a repeated request without recomputing.
func TestServer_SecondCallHitsCache(t *testing.T) {
	app := newTestApp(t)
	key := issueKey(t, app, "tester", false)
	hdr := map[string]string{"X-API-Key": key}

	w := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/standard", standardRequest(), hdr)
	require.Equal(t, http.StatusOK, w.Code)
	first := decodeBody(t, w)["meta"].(map[string]any)
	assert.EqualValues(t, 0, first["cached_points"])

	w = doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/standard", standardRequest(), hdr)
	require.Equal(t, http.StatusOK, w.Code)
	second := decodeBody(t, w)["meta"].(map[string]any)
	assert.EqualValues(t, 5, second["cached_points"])
}

// TestServer_ComputeCustom verifies a custom constellation request.
func TestServer_ComputeCustom(t *testing.T) {
	app := newTestApp(t)
	key := issueKey(t, app, "tester", false)

	req := map[string]any{
		"SNR": 3.0,
		"R":   0.5,
		"constellation": []map[string]any{
			{"real": -1, "imag": 0, "prob": 0.5},
			{"real": 1, "imag": 0, "prob": 0.5},
		},
		"metrics": []string{"error_exponent"},
	}
	w := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/custom",
		req, map[string]string{"X-API-Key": key})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	results := decodeBody(t, w)["results"].([]any)
	require.Len(t, results, 1)
}

// TestServer_EndpointModality verifies each compute endpoint rejects
// the other's request shape.
func TestServer_EndpointModality(t *testing.T) {
	app := newTestApp(t)
	key := issueKey(t, app, "tester", false)
	hdr := map[string]string{"X-API-Key": key}

	w := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/custom", standardRequest(), hdr)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	custom := map[string]any{
		"SNR": 3.0, "R": 0.5,
		"constellation": []map[string]any{
			{"real": -1, "imag": 0, "prob": 0.5},
			{"real": 1, "imag": 0, "prob": 0.5},
		},
		"metrics": []string{"error_exponent"},
	}
	w = doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/standard", custom, hdr)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestServer_BadRequests verifies 400 responses carry the documented
// error body.
func TestServer_BadRequests(t *testing.T) {
	app := newTestApp(t)
	key := issueKey(t, app, "tester", false)
	hdr := map[string]string{"X-API-Key": key}

	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{name: "missing SNR", mutate: func(m map[string]any) { delete(m, "SNR") }},
		{name: "unknown metric", mutate: func(m map[string]any) { m["metrics"] = []string{"nope"} }},
		{name: "bad modulation", mutate: func(m map[string]any) { m["typeModulation"] = "FSK" }},
		{name: "too many points", mutate: func(m map[string]any) {
			m["SNR"] = map[string]any{"min": 0, "max": 100, "points": 5000}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := standardRequest()
			tt.mutate(req)
			w := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/standard", req, hdr)
			require.Equal(t, http.StatusBadRequest, w.Code)
			body := decodeBody(t, w)
			assert.Equal(t, "InvalidParameter", body["error"])
			assert.EqualValues(t, 400, body["statusCode"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

// TestServer_AuthRequired verifies unauthenticated access to protected
// endpoints fails with 401 while public paths stay open.
func TestServer_AuthRequired(t *testing.T) {
	app := newTestApp(t)
	disableAuthDelay(app)

	w := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/standard", standardRequest(), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, app.Handler(), http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/standard", standardRequest(),
		map[string]string{"X-API-Key": "epk_00000000_bogus"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// TestServer_RevokedKeyRejected verifies revocation takes effect on
// the live server.
func TestServer_RevokedKeyRejected(t *testing.T) {
	app := newTestApp(t)
	disableAuthDelay(app)
	raw := issueKey(t, app, "tester", false)
	hdr := map[string]string{"X-API-Key": raw}

	w := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/standard", standardRequest(), hdr)
	require.Equal(t, http.StatusOK, w.Code)

	keys, err := app.Keys().List()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NoError(t, app.Keys().Revoke(keys[0].ID))

	w = doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/standard", standardRequest(), hdr)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

var csrfPattern = regexp.MustCompile(`<meta name="csrf-token" content="([0-9a-f]+)">`)

// fetchCSRF loads the root page and extracts the embedded token.
func fetchCSRF(t *testing.T, h http.Handler) string {
	t.Helper()
	w := doJSON(t, h, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	m := csrfPattern.FindStringSubmatch(w.Body.String())
	require.Len(t, m, 2, "csrf meta tag missing: %s", w.Body.String())
	return m[1]
}

// TestServer_SessionHandshake walks the full browser flow: root page,
// session creation, status, compute with cookie.
func TestServer_SessionHandshake(t *testing.T) {
	app := newTestApp(t)
	disableAuthDelay(app)
	token := fetchCSRF(t, app.Handler())

	w := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/auth/session",
		map[string]string{"csrfToken": token}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, true, body["valid"])

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	cookie := cookies[0]
	assert.Equal(t, sessionCookie, cookie.Name)
	assert.True(t, cookie.HttpOnly)

	// Replay of the consumed token fails.
	w = doJSON(t, app.Handler(), http.MethodPost, "/api/v1/auth/session",
		map[string]string{"csrfToken": token}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Status and compute with the cookie.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/session/status", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["valid"])

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(standardRequest()))
	req = httptest.NewRequest(http.MethodPost, "/api/v1/compute/standard", &buf)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Session compute is not metered.
	events, err := app.usage.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// TestServer_AdminEndpoints verifies Basic-Auth gating and the keys
// CRUD surface.
func TestServer_AdminEndpoints(t *testing.T) {
	app := newTestApp(t)
	disableAuthDelay(app)
	h := app.Handler()

	w := doJSON(t, h, http.MethodGet, "/api/v1/admin/keys", nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")

	basic := map[string]string{"Authorization": basicAuth("admin", "hunter2")}

	w = doJSON(t, h, http.MethodPost, "/api/v1/admin/keys",
		map[string]any{"owner": "new-user", "isAdmin": false}, basic)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	created := decodeBody(t, w)
	raw, ok := created["rawKey"].(string)
	require.True(t, ok)
	assert.Contains(t, raw, "epk_")
	keyID := created["key"].(map[string]any)["id"].(string)

	w = doJSON(t, h, http.MethodGet, "/api/v1/admin/keys", nil, basic)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody(t, w)["keys"].([]any)
	require.Len(t, list, 1)
	// The listing never exposes secret material.
	assert.NotContains(t, w.Body.String(), "hash")
	assert.NotContains(t, w.Body.String(), "salt")

	w = doJSON(t, h, http.MethodDelete, "/api/v1/admin/keys/"+keyID, nil, basic)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/v1/compute/standard", standardRequest(),
		map[string]string{"X-API-Key": raw})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// TestServer_AdminViaAdminKey verifies an is_admin API key opens
// /admin without Basic-Auth.
func TestServer_AdminViaAdminKey(t *testing.T) {
	app := newTestApp(t)
	disableAuthDelay(app)
	adminKey := issueKey(t, app, "ops", true)
	plainKey := issueKey(t, app, "user", false)

	w := doJSON(t, app.Handler(), http.MethodGet, "/api/v1/admin/usage", nil,
		map[string]string{"X-API-Key": adminKey})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, app.Handler(), http.MethodGet, "/api/v1/admin/usage", nil,
		map[string]string{"X-API-Key": plainKey})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// TestServer_UsageEndpoint verifies the admin usage listing reflects
// metered computes.
func TestServer_UsageEndpoint(t *testing.T) {
	app := newTestApp(t)
	disableAuthDelay(app)
	key := issueKey(t, app, "tester", false)
	adminKey := issueKey(t, app, "ops", true)

	w := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/standard",
		standardRequest(), map[string]string{"X-API-Key": key})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, app.Handler(), http.MethodGet, "/api/v1/admin/usage", nil,
		map[string]string{"X-API-Key": adminKey})
	require.Equal(t, http.StatusOK, w.Code)
	events := decodeBody(t, w)["events"].([]any)
	require.Len(t, events, 1)
	ev := events[0].(map[string]any)
	assert.Equal(t, "/api/v1/compute/standard", ev["endpoint"])
}

// TestServer_SessionCancelIdempotent verifies cancel succeeds with no
// in-flight work and repeatedly.
func TestServer_SessionCancelIdempotent(t *testing.T) {
	app := newTestApp(t)
	key := issueKey(t, app, "tester", false)
	hdr := map[string]string{"X-API-Key": key, "X-Session-Id": "sess-1"}

	for i := 0; i < 2; i++ {
		w := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/session/cancel", nil, hdr)
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, true, body["cancelled"])
		assert.EqualValues(t, 0, body["jobs"])
	}
}

// TestServer_CancelMidSweep verifies cancelling a session while its
// sweep is on the workers resolves the sweep with 499.
func TestServer_CancelMidSweep(t *testing.T) {
	app := newTestApp(t)
	key := issueKey(t, app, "tester", false)
	hdr := map[string]string{"X-API-Key": key, "X-Session-Id": "sweep-7"}

	// A sweep wide and expensive enough that it cannot finish between
	// the first worker going busy and the cancel landing.
	req := standardRequest()
	req["SNR"] = map[string]any{"min": 0, "max": 10, "points": 100}
	req["R"] = []float64{0.25, 0.5, 0.75, 1.0}
	req["M"] = 16
	req["typeModulation"] = "QAM"
	req["metrics"] = []string{"mutual_information", "error_exponent"}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/standard", req, hdr)
	}()

	require.Eventually(t, func() bool {
		return app.workers.Stats().Busy > 0
	}, 10*time.Second, 2*time.Millisecond, "sweep never reached the workers")

	w := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/session/cancel", nil, hdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["jobs"])

	sweep := <-done
	require.Equal(t, StatusClientClosedRequest, sweep.Code, sweep.Body.String())
	body := decodeBody(t, sweep)
	assert.Equal(t, "Cancelled", body["error"])
	assert.EqualValues(t, StatusClientClosedRequest, body["statusCode"])
}

// saturatedSampler reports a fully loaded service.
type saturatedSampler struct{}

func (saturatedSampler) Signal() breaker.Signal {
	return breaker.Signal{WorkerUtilisation: 1.0}
}

// newSheddingServer builds the component graph around a breaker
// already driven Open by a saturated load signal.
func newSheddingServer(t *testing.T) (*Server, string) {
	t.Helper()
	backend := store.NewMemory()
	keys := auth.NewKeyStore(backend)
	workers := pool.New(pool.Config{Workers: 2})
	t.Cleanup(workers.Close)
	met := metrics.New(nil)

	brk := breaker.New(breaker.Config{}, saturatedSampler{})
	brk.Tick() // first high sample
	brk.Tick() // second high sample degrades Closed to HalfOpen
	brk.Tick() // above the trip watermark: HalfOpen to Open

	coord := NewCoordinator(cache.New[pointOutcome](cache.Config{}), workers, brk, met, 500, 5*time.Second)
	srv := New(DefaultConfig(), coord, keys, auth.NewSessionStore(), meter.New(backend, 0), brk, workers, backend, met)

	_, raw, err := keys.Create("tester", false)
	require.NoError(t, err)
	return srv, raw
}

// TestServer_ShedsWhenOpen verifies an Open breaker turns a compute
// request into 503 with Retry-After and the circuit state in the body.
func TestServer_ShedsWhenOpen(t *testing.T) {
	srv, key := newSheddingServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/compute/standard",
		standardRequest(), map[string]string{"X-API-Key": key})
	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())

	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err, "Retry-After header missing or malformed")
	assert.GreaterOrEqual(t, retry, 1)

	body := decodeBody(t, w)
	assert.Equal(t, "OverCapacity", body["error"])
	assert.Equal(t, "open", body["circuitState"])
	assert.EqualValues(t, 503, body["statusCode"])
	assert.GreaterOrEqual(t, body["retryAfter"].(float64), 1.0)

	// Consecutive rejects escalate the advised backoff.
	w = doJSON(t, srv, http.MethodPost, "/api/v1/compute/standard",
		standardRequest(), map[string]string{"X-API-Key": key})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	second, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, second, retry)
}

// TestServer_Health verifies the health document shape.
func TestServer_Health(t *testing.T) {
	app := newTestApp(t)
	w := doJSON(t, app.Handler(), http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	brk := body["breaker"].(map[string]any)
	assert.Equal(t, "closed", brk["state"])
	services := body["services"].(map[string]any)
	assert.Equal(t, "ok", services["storage"])
}

// TestServer_Metrics verifies the Prometheus endpoint is public and
// carries the service collectors.
func TestServer_Metrics(t *testing.T) {
	app := newTestApp(t)
	key := issueKey(t, app, "tester", false)
	w := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/standard",
		standardRequest(), map[string]string{"X-API-Key": key})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, app.Handler(), http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "epcalc_requests_total")
	assert.Contains(t, w.Body.String(), "epcalc_cache_misses_total")
}

// TestServer_MatrixLayout verifies a two-axis sweep with format matrix
// returns nested rows.
func TestServer_MatrixLayout(t *testing.T) {
	app := newTestApp(t)
	key := issueKey(t, app, "tester", false)

	req := standardRequest()
	req["SNR"] = map[string]any{"min": 0, "max": 2, "points": 3}
	req["R"] = []float64{0.25, 0.5}
	req["format"] = "matrix"

	w := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/compute/standard",
		req, map[string]string{"X-API-Key": key})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, "matrix", body["format"])
	rows := body["results"].([]any)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Len(t, r.([]any), 2)
	}
}

// disableAuthDelay removes the uniform failure delay so negative auth
// tests run fast.
func disableAuthDelay(app *App) {
	// The gate is rebuilt with a no-op delay and the router swapped in
	// place; fine under test where no requests are in flight yet.
	g := newGate(app.server.keys, app.server.sessions, app.server.cfg.Admin)
	g.delay = func() {}
	r := app.server.buildRouterWith(g)
	app.server.router = r
}

func basicAuth(user, pass string) string {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(user, pass)
	return req.Header.Get("Authorization")
}
