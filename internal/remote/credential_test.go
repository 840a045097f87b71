package remote

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedCredential(testContext *testing.T, claims jwt.RegisteredClaims) string {
	testContext.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		testContext.Fatalf("failed to sign credential: %v", err)
	}
	return token
}

func TestInspectCredentialExtractsClaims(testContext *testing.T) {
	issued := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	expires := issued.Add(time.Hour)
	token := signedCredential(testContext, jwt.RegisteredClaims{
		Subject:   "user-1",
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(expires),
	})

	info, err := InspectCredential(token)
	if err != nil {
		testContext.Fatalf("failed to inspect credential: %v", err)
	}
	if info.Subject != "user-1" {
		testContext.Fatalf("unexpected subject %q", info.Subject)
	}
	if info.ExpiresAt == nil || !info.ExpiresAt.Equal(expires) {
		testContext.Fatalf("unexpected expiry %v", info.ExpiresAt)
	}

	if info.ExpiredAt(expires.Add(-time.Minute)) {
		testContext.Fatalf("credential must not report expired before its expiry")
	}
	if !info.ExpiredAt(expires.Add(time.Minute)) {
		testContext.Fatalf("credential must report expired after its expiry")
	}
}

func TestInspectCredentialWithoutExpiryNeverExpires(testContext *testing.T) {
	token := signedCredential(testContext, jwt.RegisteredClaims{Subject: "user-2"})

	info, err := InspectCredential(token)
	if err != nil {
		testContext.Fatalf("failed to inspect credential: %v", err)
	}
	if info.ExpiredAt(time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)) {
		testContext.Fatalf("credential without exp claim must never report expired")
	}
}

func TestInspectCredentialRejectsMalformedInput(testContext *testing.T) {
	if _, err := InspectCredential("   "); !errors.Is(err, ErrMissingCredential) {
		testContext.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if _, err := InspectCredential("not-a-jwt"); !errors.Is(err, ErrMalformedCredential) {
		testContext.Fatalf("expected ErrMalformedCredential, got %v", err)
	}
}
