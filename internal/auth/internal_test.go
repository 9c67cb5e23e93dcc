package auth

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestInternalTokenRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Now()
	token := GenerateInternalToken("shh", now)
	if err := VerifyInternalToken("shh", token, now.Add(time.Minute), 0); err != nil {
		t.Fatalf("VerifyInternalToken: %v", err)
	}
}

func TestInternalTokenRejections(t *testing.T) {
	t.Parallel()

	now := time.Now()
	token := GenerateInternalToken("shh", now)

	tests := []struct {
		name  string
		token string
		at    time.Time
		want  error
	}{
		{name: "wrong secret", token: GenerateInternalToken("other", now), at: now, want: ErrInternalTokenSignature},
		{name: "too old", token: token, at: now.Add(10 * time.Minute), want: ErrInternalTokenExpired},
		{name: "from the future", token: token, at: now.Add(-10 * time.Minute), want: ErrInternalTokenExpired},
		{name: "no separator", token: "12345", at: now, want: ErrInternalTokenMalformed},
		{name: "bad timestamp", token: "abc.def", at: now, want: ErrInternalTokenMalformed},
		{name: "tampered timestamp", token: "1" + token, at: now, want: ErrInternalTokenSignature},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := VerifyInternalToken("shh", tc.token, tc.at, time.Minute)
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestPayloadSignature(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"messageId":"m1","success":true}`)
	sig := SignPayload("k", payload)
	if !VerifyPayload("k", payload, sig) {
		t.Fatal("signature should verify")
	}
	if VerifyPayload("k", []byte(`{"messageId":"m2"}`), sig) {
		t.Fatal("signature must not verify a different payload")
	}
	if VerifyPayload("k", payload, sig[:10]) {
		t.Fatal("truncated signature must not verify")
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Authorization", "Bearer  abc ")
	if got := BearerToken(h.Get("Authorization")); got != "abc" {
		t.Fatalf("BearerToken = %q", got)
	}
	if got := BearerToken("Basic abc"); got != "" {
		t.Fatalf("BearerToken(Basic) = %q", got)
	}
}
