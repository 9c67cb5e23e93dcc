package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultInternalTokenMaxAge bounds the age of an internal bearer token.
const DefaultInternalTokenMaxAge = 5 * time.Minute

var (
	ErrInternalTokenMalformed = errors.New("internal token malformed")
	ErrInternalTokenExpired   = errors.New("internal token expired")
	ErrInternalTokenSignature = errors.New("internal token signature mismatch")
)

// GenerateInternalToken returns "<unix-millis>.<hex hmac-sha256(millis)>".
func GenerateInternalToken(secret string, now time.Time) string {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	return ts + "." + sign(secret, []byte(ts))
}

// VerifyInternalToken checks the signature in constant time and rejects
// tokens older than maxAge or issued too far in the future.
func VerifyInternalToken(secret, token string, now time.Time, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = DefaultInternalTokenMaxAge
	}
	ts, sig, ok := strings.Cut(token, ".")
	if !ok || ts == "" || sig == "" {
		return ErrInternalTokenMalformed
	}
	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInternalTokenMalformed
	}

	expected := sign(secret, []byte(ts))
	if len(sig) != len(expected) || subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return ErrInternalTokenSignature
	}

	age := now.Sub(time.UnixMilli(millis))
	if age > maxAge || age < -maxAge {
		return fmt.Errorf("%w: age %s", ErrInternalTokenExpired, age.Round(time.Second))
	}
	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload.
func SignPayload(secret string, payload []byte) string {
	return sign(secret, payload)
}

// VerifyPayload compares a payload signature in constant time.
func VerifyPayload(secret string, payload []byte, signature string) bool {
	expected := sign(secret, payload)
	return len(signature) == len(expected) &&
		subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func sign(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
