package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionIssuer_IssueThenVerify_RoundTrips(t *testing.T) {
	s := NewSessionIssuer("secret", time.Hour)

	token, err := s.Issue("worker-1")
	require.NoError(t, err)

	workerID, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", workerID)
}

func TestSessionIssuer_Verify_RejectsWrongSecret(t *testing.T) {
	s1 := NewSessionIssuer("secret-a", time.Hour)
	s2 := NewSessionIssuer("secret-b", time.Hour)

	token, err := s1.Issue("worker-1")
	require.NoError(t, err)

	_, err = s2.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestSessionIssuer_Verify_RejectsExpiredToken(t *testing.T) {
	s := NewSessionIssuer("secret", -time.Minute)

	token, err := s.Issue("worker-1")
	require.NoError(t, err)

	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestSessionIssuer_Verify_RejectsGarbage(t *testing.T) {
	s := NewSessionIssuer("secret", time.Hour)
	_, err := s.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidSession)
}
