package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix          = "Bearer "
	accessTokenQueryParam = "access_token"
	// RoleAdmin grants room administration on every room.
	RoleAdmin = "admin"
)

var (
	ErrMissingSigningKey     = errors.New("verifier: signing key required")
	ErrMissingIssuer         = errors.New("verifier: issuer required")
	ErrMissingSessionToken   = errors.New("verifier: token required")
	ErrInvalidSessionToken   = errors.New("verifier: invalid token")
	ErrExpiredSessionToken   = errors.New("verifier: token expired")
	ErrMissingSessionSubject = errors.New("verifier: subject required")
)

// SessionClaims is the JWT payload accepted by the service.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// Identity is the authenticated principal behind a connection or request.
type Identity struct {
	UserID      string
	DisplayName string
	ExpiresAt   time.Time
	Roles       []string
}

// HasRole reports whether the identity carries the role.
func (identity Identity) HasRole(role string) bool {
	for _, candidate := range identity.Roles {
		if strings.EqualFold(candidate, role) {
			return true
		}
	}
	return false
}

// VerifierConfig describes how credentials are validated.
type VerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// Verifier validates HS256 session tokens.
type Verifier struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewVerifier constructs a verifier with the provided configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// VerifyCredential validates the token and resolves the identity it carries.
func (v *Verifier) VerifyCredential(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredSessionToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidSessionToken
	}
	if claims.Issuer != v.issuer {
		return Identity{}, ErrInvalidSessionToken
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Identity{}, ErrMissingSessionSubject
	}
	displayName := strings.TrimSpace(claims.UserDisplayName)
	if displayName == "" {
		displayName = userID
	}

	identity := Identity{
		UserID:      userID,
		DisplayName: displayName,
		Roles:       append([]string(nil), claims.UserRoles...),
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return identity, nil
}

// VerifyRequest extracts the bearer token from the Authorization header, falling
// back to the access_token query parameter used by browser websocket clients.
func (v *Verifier) VerifyRequest(r *http.Request) (Identity, error) {
	if r == nil {
		return Identity{}, ErrMissingSessionToken
	}
	return v.VerifyCredential(ExtractToken(r))
}

// ExtractToken returns the raw credential carried by the request, or "".
func ExtractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParam))
}
