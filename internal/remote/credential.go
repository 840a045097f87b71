package remote

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingCredential indicates an empty credential snapshot.
	ErrMissingCredential = errors.New("remote: credential required")
	// ErrMalformedCredential indicates a snapshot that is not a parseable JWT.
	ErrMalformedCredential = errors.New("remote: malformed credential")
)

// CredentialInfo is the readable portion of a bearer credential snapshot.
// The agent never verifies the signature: the remote service is the
// authority, and a queued write must replay with the exact snapshot it was
// enqueued with. The claims are only inspected so that replays with an
// already-expired credential can be flagged before the network round trip.
type CredentialInfo struct {
	Subject   string
	IssuedAt  *time.Time
	ExpiresAt *time.Time
}

// InspectCredential parses the snapshot without verification and extracts
// the registered claims.
func InspectCredential(token string) (CredentialInfo, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return CredentialInfo{}, ErrMissingCredential
	}

	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(trimmed, &claims); err != nil {
		return CredentialInfo{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	info := CredentialInfo{Subject: claims.Subject}
	if claims.IssuedAt != nil {
		issued := claims.IssuedAt.Time
		info.IssuedAt = &issued
	}
	if claims.ExpiresAt != nil {
		expires := claims.ExpiresAt.Time
		info.ExpiresAt = &expires
	}
	return info, nil
}

// ExpiredAt reports whether the credential carries an expiry in the past at
// the given instant. Credentials without an exp claim never report expired.
func (c CredentialInfo) ExpiredAt(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Before(now)
}
