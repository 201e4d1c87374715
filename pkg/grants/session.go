package grants

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// sessionTokenClaims extends jwt.RegisteredClaims with the identity fields
// the auth collaborator puts in its session tokens.
type sessionTokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
}

// JWKSValidator validates session JWTs against the auth collaborator's JWKS
// endpoint, caching and refreshing keys in the background.
type JWKSValidator struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSValidator fetches the JWKS with retries (the issuer may still be
// starting) and returns a validator expecting tokens from issuerURL.
func NewJWKSValidator(jwksURL, issuerURL string) (*JWKSValidator, error) {
	slog.Info("Initializing session JWKS validator", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for session JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch session JWKS after retries: %w", err)
	}

	slog.Info("Session JWKS loaded", "jwks_url", jwksURL)
	return &JWKSValidator{jwks: jwks, issuer: issuerURL}, nil
}

// Validate parses and verifies a session token and extracts the identity.
func (v *JWKSValidator) Validate(tokenString string) (*Session, error) {
	claims := &sessionTokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("session token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("session token is not valid")
	}

	session := &Session{
		UserID: claims.Subject,
		Handle: claims.PreferredUsername,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	if session.UserID == "" {
		return nil, fmt.Errorf("session token has no subject")
	}
	return session, nil
}

// Close stops the JWKS background refresh goroutine.
func (v *JWKSValidator) Close() {
	v.jwks.EndBackground()
}
