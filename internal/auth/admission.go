// Package auth implements connection admission tokens and the signed bearer
// tokens used between internal services.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Admission failures. Callers map them to a close code; the token itself is
// never included in the error text.
var (
	ErrTokenInvalid    = errors.New("admission token invalid")
	ErrTokenExpired    = errors.New("admission token expired")
	ErrTokenReused     = errors.New("admission token already used")
	ErrSessionMismatch = errors.New("admission token issued for another session")
)

// AdmissionClaims are carried by a connection admission token.
type AdmissionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Name      string `json:"name,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

// UserID returns the stable user identifier of the token holder.
func (c *AdmissionClaims) UserID() string {
	return c.Subject
}

// Identity describes the user an admission token is minted for.
type Identity struct {
	UserID string
	Name   string
	Avatar string
}

// Issuer mints HS256 admission tokens.
type Issuer struct {
	secret   []byte
	ttl      time.Duration
	issuer   string
	audience string
	now      func() time.Time
}

// NewIssuer creates an Issuer. ttl bounds how long a token may wait before
// it is presented.
func NewIssuer(secret string, ttl time.Duration, issuer, audience string) *Issuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, issuer: issuer, audience: audience, now: time.Now}
}

// Mint returns a single-use token scoped to sessionID.
func (i *Issuer) Mint(sessionID string, who Identity) (string, time.Time, error) {
	if sessionID == "" {
		return "", time.Time{}, fmt.Errorf("session ID is required")
	}
	if who.UserID == "" {
		return "", time.Time{}, fmt.Errorf("user ID is required")
	}

	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := AdmissionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   who.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID,
		Name:      who.Name,
		Avatar:    who.Avatar,
	}
	if i.issuer != "" {
		claims.Issuer = i.issuer
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign admission token: %w", err)
	}
	return token, expiresAt, nil
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// Secret verifies HS256 tokens minted by Issuer.
	Secret string
	// JWKSURL, when set, verifies asymmetric tokens from an external issuer.
	JWKSURL  string
	Issuer   string
	Audience string
}

// Validator verifies admission tokens and enforces single use by recording
// each token ID until it expires.
type Validator struct {
	secret   []byte
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
	now      func() time.Time

	mu   sync.Mutex
	used map[string]time.Time
}

// NewValidator creates a Validator. When JWKSURL is set the key set is
// fetched and refreshed in the background until ctx is cancelled.
func NewValidator(ctx context.Context, cfg ValidatorConfig) (*Validator, error) {
	if cfg.Secret == "" && cfg.JWKSURL == "" {
		return nil, fmt.Errorf("admission validator needs a secret or a JWKS URL")
	}
	v := &Validator{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
		used:     make(map[string]time.Time),
	}
	if cfg.JWKSURL != "" {
		k, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
		}
		v.jwks = k
	}
	return v, nil
}

func (v *Validator) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
		if len(v.secret) == 0 {
			return nil, fmt.Errorf("HMAC tokens are not accepted")
		}
		return v.secret, nil
	}
	if v.jwks != nil {
		return v.jwks.Keyfunc(token)
	}
	return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
}

// Validate checks signature, expiry, session scope and single use. A token
// that passes is consumed and cannot be presented again.
func (v *Validator) Validate(tokenString, sessionID string) (*AdmissionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"HS256", "RS256", "ES256", "EdDSA"}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &AdmissionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid || claims.ID == "" || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	if claims.SessionID != sessionID {
		return nil, ErrSessionMismatch
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	for id, exp := range v.used {
		if now.After(exp) {
			delete(v.used, id)
		}
	}
	if _, seen := v.used[claims.ID]; seen {
		return nil, ErrTokenReused
	}
	v.used[claims.ID] = claims.ExpiresAt.Time
	return claims, nil
}
