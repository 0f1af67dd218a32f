package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionStore(start time.Time) (*SessionStore, *time.Time) {
	s := NewSessionStore()
	clock := start
	s.now = func() time.Time { return clock }
	return s, &clock
}

// TestSessionStore_Handshake verifies the CSRF redeem flow and that a
// token is strictly one-shot.
func TestSessionStore_Handshake(t *testing.T) {
	s, _ := newTestSessionStore(time.Unix(1000, 0))

	token, err := s.IssueCSRF()
	require.NoError(t, err)
	require.Len(t, token, 32) // 16 bytes hex

	sess, err := s.Create(token)
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)

	// Replaying the consumed token fails.
	_, err = s.Create(token)
	assert.ErrorIs(t, err, ErrBadCSRF)

	got, ok := s.Lookup(sess.Token)
	require.True(t, ok)
	assert.Equal(t, sess.Token, got.Token)
}

// TestSessionStore_BadCSRF verifies unknown and stale tokens are
// rejected.
func TestSessionStore_BadCSRF(t *testing.T) {
	s, clock := newTestSessionStore(time.Unix(1000, 0))

	_, err := s.Create("never-issued")
	assert.ErrorIs(t, err, ErrBadCSRF)

	token, err := s.IssueCSRF()
	require.NoError(t, err)
	*clock = clock.Add(16 * time.Minute)
	_, err = s.Create(token)
	assert.ErrorIs(t, err, ErrBadCSRF)
}

// TestSessionStore_IdleExpiry verifies the idle deadline slides with
// activity but eventually expires a quiet session.
func TestSessionStore_IdleExpiry(t *testing.T) {
	s, clock := newTestSessionStore(time.Unix(1000, 0))
	token, err := s.IssueCSRF()
	require.NoError(t, err)
	sess, err := s.Create(token)
	require.NoError(t, err)

	// Activity every 90 minutes keeps the session alive.
	for i := 0; i < 3; i++ {
		*clock = clock.Add(90 * time.Minute)
		_, ok := s.Lookup(sess.Token)
		require.True(t, ok, "touch %d", i)
	}

	// A gap past the idle window ends it.
	*clock = clock.Add(2*time.Hour + time.Second)
	_, ok := s.Lookup(sess.Token)
	assert.False(t, ok)
}

// TestSessionStore_AbsoluteExpiry verifies even a busy session ends at
// the absolute deadline.
func TestSessionStore_AbsoluteExpiry(t *testing.T) {
	s, clock := newTestSessionStore(time.Unix(1000, 0))
	token, err := s.IssueCSRF()
	require.NoError(t, err)
	sess, err := s.Create(token)
	require.NoError(t, err)

	// Touch every hour for a day; the absolute TTL still wins.
	for i := 0; i < 24; i++ {
		*clock = clock.Add(time.Hour)
		s.Lookup(sess.Token)
	}
	_, ok := s.Lookup(sess.Token)
	assert.False(t, ok)
}

// TestSessionStore_ExpireSweep verifies the sweep drops timed-out
// sessions and reports the count.
func TestSessionStore_ExpireSweep(t *testing.T) {
	s, clock := newTestSessionStore(time.Unix(1000, 0))
	for i := 0; i < 3; i++ {
		token, err := s.IssueCSRF()
		require.NoError(t, err)
		_, err = s.Create(token)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, s.Expire())

	*clock = clock.Add(3 * time.Hour)
	assert.Equal(t, 3, s.Expire())
	assert.Empty(t, s.sessions)
}
