package auth

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrBadCSRF is returned when a session handshake presents a missing,
// already-used, or stale CSRF token.
var ErrBadCSRF = errors.New("auth: invalid csrf token")

const (
	csrfBytes    = 16
	sessionBytes = 32

	csrfShelfLife      = 15 * time.Minute
	sessionAbsoluteTTL = 24 * time.Hour
	sessionIdleTTL     = 2 * time.Hour
)

// Session is an established browser session.
type Session struct {
	Token          string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// ExpiresAt is the earlier of the absolute and idle deadlines.
func (s *Session) ExpiresAt() time.Time {
	abs := s.CreatedAt.Add(sessionAbsoluteTTL)
	idle := s.LastActivityAt.Add(sessionIdleTTL)
	if idle.Before(abs) {
		return idle
	}
	return abs
}

// SessionStore manages browser sessions entirely in memory. A CSRF
// token is minted into the served HTML, redeemed exactly once to
// create a session, and each authenticated use slides the idle
// deadline forward.
type SessionStore struct {
	log *logrus.Entry

	mu       sync.Mutex
	csrf     map[string]time.Time // token -> minted at
	sessions map[string]*Session

	now func() time.Time
}

// NewSessionStore builds an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		log:      logrus.WithField("component", "sessions"),
		csrf:     make(map[string]time.Time),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// IssueCSRF mints a fresh one-shot token for embedding in the page.
func (s *SessionStore) IssueCSRF() (string, error) {
	raw, err := randomBytes(csrfBytes)
	if err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)
	s.mu.Lock()
	s.csrf[token] = s.now()
	s.mu.Unlock()
	return token, nil
}

// Create redeems a CSRF token for a session. The token is consumed
// whether or not it was valid, so replaying a failed handshake cannot
// probe for live tokens.
func (s *SessionStore) Create(csrfToken string) (*Session, error) {
	s.mu.Lock()
	minted, ok := s.csrf[csrfToken]
	delete(s.csrf, csrfToken)
	s.mu.Unlock()
	if !ok || s.now().Sub(minted) > csrfShelfLife {
		return nil, ErrBadCSRF
	}

	raw, err := randomBytes(sessionBytes)
	if err != nil {
		return nil, err
	}
	now := s.now()
	sess := &Session{
		Token:          base64.RawURLEncoding.EncodeToString(raw),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	s.mu.Lock()
	s.sessions[sess.Token] = sess
	s.mu.Unlock()
	s.log.Info("browser session established")
	return sess, nil
}

func (s *SessionStore) expired(sess *Session) bool {
	return !s.now().Before(sess.ExpiresAt())
}

// Lookup resolves a session token, sliding the idle deadline on
// success. Expired sessions are removed on sight.
func (s *SessionStore) Lookup(token string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, false
	}
	if s.expired(sess) {
		delete(s.sessions, token)
		return nil, false
	}
	sess.LastActivityAt = s.now()
	cp := *sess
	return &cp, true
}

// Expire removes timed-out sessions and stale CSRF tokens, returning
// how many sessions were dropped.
func (s *SessionStore) Expire() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for token, sess := range s.sessions {
		if s.expired(sess) {
			delete(s.sessions, token)
			dropped++
		}
	}
	now := s.now()
	for token, minted := range s.csrf {
		if now.Sub(minted) > csrfShelfLife {
			delete(s.csrf, token)
		}
	}
	return dropped
}

// Run sweeps expired state on an interval until ctx is done.
func (s *SessionStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Expire(); n > 0 {
				s.log.WithField("count", n).Debug("expired sessions swept")
			}
		}
	}
}
