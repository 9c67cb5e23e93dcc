package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestPair(t *testing.T) (*Issuer, *Validator) {
	t.Helper()
	issuer := NewIssuer("test-secret", time.Minute, "coordinator", "session-ws")
	v, err := NewValidator(context.Background(), ValidatorConfig{
		Secret:   "test-secret",
		Issuer:   "coordinator",
		Audience: "session-ws",
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return issuer, v
}

func TestAdmissionRoundTrip(t *testing.T) {
	t.Parallel()

	issuer, v := newTestPair(t)
	token, expiresAt, err := issuer.Mint("sess-1", Identity{UserID: "u-1", Name: "Ada", Avatar: "a.png"})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expiresAt %v is not in the future", expiresAt)
	}

	claims, err := v.Validate(token, "sess-1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID() != "u-1" || claims.Name != "Ada" || claims.Avatar != "a.png" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestAdmissionTokenIsSingleUse(t *testing.T) {
	t.Parallel()

	issuer, v := newTestPair(t)
	token, _, err := issuer.Mint("sess-1", Identity{UserID: "u-1"})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := v.Validate(token, "sess-1"); err != nil {
		t.Fatalf("first Validate: %v", err)
	}
	if _, err := v.Validate(token, "sess-1"); !errors.Is(err, ErrTokenReused) {
		t.Fatalf("second Validate error = %v, want ErrTokenReused", err)
	}
}

func TestAdmissionRejections(t *testing.T) {
	t.Parallel()

	issuer, v := newTestPair(t)

	t.Run("other session", func(t *testing.T) {
		token, _, _ := issuer.Mint("sess-1", Identity{UserID: "u"})
		if _, err := v.Validate(token, "sess-2"); !errors.Is(err, ErrSessionMismatch) {
			t.Fatalf("error = %v, want ErrSessionMismatch", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewIssuer("another-secret", time.Minute, "coordinator", "session-ws")
		token, _, _ := other.Mint("sess-1", Identity{UserID: "u"})
		if _, err := v.Validate(token, "sess-1"); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("error = %v, want ErrTokenInvalid", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		past := NewIssuer("test-secret", time.Minute, "coordinator", "session-ws")
		past.now = func() time.Time { return time.Now().Add(-10 * time.Minute) }
		token, _, _ := past.Mint("sess-1", Identity{UserID: "u"})
		if _, err := v.Validate(token, "sess-1"); !errors.Is(err, ErrTokenExpired) {
			t.Fatalf("error = %v, want ErrTokenExpired", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := v.Validate("not-a-jwt", "sess-1"); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("error = %v, want ErrTokenInvalid", err)
		}
	})

	t.Run("wrong audience", func(t *testing.T) {
		other := NewIssuer("test-secret", time.Minute, "coordinator", "elsewhere")
		token, _, _ := other.Mint("sess-1", Identity{UserID: "u"})
		if _, err := v.Validate(token, "sess-1"); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("error = %v, want ErrTokenInvalid", err)
		}
	})
}

func TestMintRequiresScope(t *testing.T) {
	t.Parallel()

	issuer := NewIssuer("s", 0, "", "")
	if _, _, err := issuer.Mint("", Identity{UserID: "u"}); err == nil {
		t.Fatal("expected error for empty session")
	}
	if _, _, err := issuer.Mint("sess", Identity{}); err == nil {
		t.Fatal("expected error for empty user")
	}
}

func TestNewValidatorRequiresKeyMaterial(t *testing.T) {
	t.Parallel()

	if _, err := NewValidator(context.Background(), ValidatorConfig{}); err == nil {
		t.Fatal("expected error without secret or JWKS URL")
	}
}
