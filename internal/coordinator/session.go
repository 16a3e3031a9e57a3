package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSession is returned by Verify for an expired, malformed,
// or wrong-signature session_token.
var ErrInvalidSession = errors.New("coordinator: invalid session token")

// sessionClaims binds a session_token to exactly one worker_id, the same
// way the teacher's API auth middleware binds a JWT to one user_id.
type sessionClaims struct {
	WorkerID string `json:"worker_id"`
	jwt.RegisteredClaims
}

// SessionIssuer mints and verifies opaque worker session tokens (spec §6:
// register(...) -> session_token). HMAC-signed so a worker cannot forge
// another worker's identity when calling report/heartbeat/deregister.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewSessionIssuer(secret string, ttl time.Duration) *SessionIssuer {
	return &SessionIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a session_token for workerID.
func (s *SessionIssuer) Issue(workerID string) (string, error) {
	now := time.Now().UTC()
	claims := sessionClaims{
		WorkerID: workerID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Subject:   workerID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("coordinator: signing session token: %w", err)
	}
	return signed, nil
}

// Verify validates token and returns the worker_id it was issued for.
func (s *SessionIssuer) Verify(token string) (string, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidSession
	}
	return claims.WorkerID, nil
}
