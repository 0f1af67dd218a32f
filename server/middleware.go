package server

import (
	"context"
	"crypto/subtle"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/epcalc/epcalc/auth"
)

// Identity is the resolved caller attached to the request context.
type Identity struct {
	Anonymous bool
	Key       *auth.KeyInfo // nil for session or anonymous callers
	Session   *auth.Session // nil for key or anonymous callers
}

// SessionID is the cancellation scope for this caller: the client's
// explicit header, else the key id, else the session token.
func (id *Identity) SessionID(r *http.Request) string {
	if h := r.Header.Get("X-Session-Id"); h != "" {
		return h
	}
	if id.Key != nil {
		return id.Key.ID
	}
	if id.Session != nil {
		return id.Session.Token
	}
	return ""
}

type identityKey struct{}

func withIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return id
	}
	return &Identity{Anonymous: true}
}

const sessionCookie = "epc_session"

// publicPaths pass the gate with an anonymous identity.
var publicPaths = map[string]bool{
	"/":                           true,
	"/health":                     true,
	"/metrics":                    true,
	"/api/v1/health":              true,
	"/api/v1/auth/session":        true,
	"/api/v1/auth/session/status": true,
}

// gate authenticates every request. Failures are delayed by a uniform
// random 50 to 200 ms so response timing does not distinguish unknown
// keys from revoked ones or bad passwords.
type gate struct {
	keys     *auth.KeyStore
	sessions *auth.SessionStore
	admin    AdminConfig
	log      *logrus.Entry

	// delay is swappable in tests.
	delay func()
}

func newGate(keys *auth.KeyStore, sessions *auth.SessionStore, admin AdminConfig) *gate {
	return &gate{
		keys:     keys,
		sessions: sessions,
		admin:    admin,
		log:      logrus.WithField("component", "authgate"),
		delay: func() {
			time.Sleep(time.Duration(50+rand.Intn(151)) * time.Millisecond)
		},
	}
}

// resolve finds the caller identity, API key winning over cookie.
func (g *gate) resolve(r *http.Request) *Identity {
	if raw := r.Header.Get("X-API-Key"); raw != "" {
		if info, err := g.keys.Validate(raw); err == nil {
			return &Identity{Key: &info}
		}
		return nil
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		if sess, ok := g.sessions.Lookup(c.Value); ok {
			return &Identity{Session: sess}
		}
	}
	return nil
}

// adminOK checks the Basic-Auth pair or an admin-flagged key. Non-admin
// identities fail the same way as unauthenticated ones.
func (g *gate) adminOK(r *http.Request) bool {
	if user, pass, ok := r.BasicAuth(); ok && g.admin.User != "" {
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(g.admin.User)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(g.admin.Password)) == 1
		if userOK && passOK {
			return true
		}
	}
	if raw := r.Header.Get("X-API-Key"); raw != "" {
		if info, err := g.keys.Validate(raw); err == nil && info.IsAdmin {
			return true
		}
	}
	return false
}

func (g *gate) fail(w http.ResponseWriter, admin bool) {
	g.delay()
	if admin {
		w.Header().Set("WWW-Authenticate", `Basic realm="epcalc admin"`)
	}
	writeError(w, g.log, unauthorised())
}

// Middleware is the chi middleware enforcing the gate.
func (g *gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), &Identity{Anonymous: true})))
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/v1/admin") {
			if !g.adminOK(r) {
				g.fail(w, true)
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), &Identity{})))
			return
		}
		id := g.resolve(r)
		if id == nil {
			g.fail(w, false)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}
