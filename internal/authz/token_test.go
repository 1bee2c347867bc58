package authz_test

import (
	"errors"
	"testing"
	"time"

	"securechat/internal/authz"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	v := authz.NewVerifier("test-secret", "securechat")
	want := authz.Identity{UserID: uuid.New(), DeviceID: uuid.New()}

	token, err := v.Sign(want, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != want {
		t.Fatalf("identity mismatch: %+v != %+v", got, want)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := authz.NewVerifier("secret-a", "securechat")
	verifier := authz.NewVerifier("secret-b", "securechat")

	token, err := issuer.Sign(authz.Identity{UserID: uuid.New(), DeviceID: uuid.New()}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, authz.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	issuer := authz.NewVerifier("secret", "someone-else")
	verifier := authz.NewVerifier("secret", "securechat")

	token, err := issuer.Sign(authz.Identity{UserID: uuid.New(), DeviceID: uuid.New()}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, authz.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := authz.NewVerifier("secret", "securechat")

	token, err := v.Sign(authz.Identity{UserID: uuid.New(), DeviceID: uuid.New()}, -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(token); !errors.Is(err, authz.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsMissingClaims(t *testing.T) {
	v := authz.NewVerifier("secret", "securechat")

	// A structurally valid token without sub/device_id.
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "securechat",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(raw); !errors.Is(err, authz.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
