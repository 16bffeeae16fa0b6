package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"fiscalchat/internal/util"
)

const (
	defaultJWTIssuer   = "fiscalchat-api"
	defaultJWTAudience = "fiscalchat-web"
)

var defaultJWTLeeway = 30 * time.Second

// JWTOptions configures JWT claim validation behavior.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// sessionClaims carries a full-precision issue time next to the registered
// claims. The registered iat is truncated to whole seconds (jwt.TimePrecision),
// which is too coarse to compare against a revocation cutoff: a token issued
// in the same second as a password change would land before the cutoff.
type sessionClaims struct {
	jwt.RegisteredClaims
	IssuedAtNanos int64 `json:"iatn,omitempty"`
}

func (c *sessionClaims) issuedAt() time.Time {
	if c.IssuedAtNanos > 0 {
		return time.Unix(0, c.IssuedAtNanos).UTC()
	}
	if c.IssuedAt != nil {
		return c.IssuedAt.Time
	}
	return time.Time{}
}

// JWTSessionStore issues and validates HS256 session tokens. Revocation is
// delegated to a TokenRevoker keyed by the token's jti, so logout and
// password changes take effect before the token expires on its own.
type JWTSessionStore struct {
	secret  []byte
	ttl     time.Duration
	revoker TokenRevoker

	issuer   string
	audience string
	leeway   time.Duration
}

// NewJWTSessionStore builds an HS256 JWT session store.
func NewJWTSessionStore(secret string, ttl time.Duration, revoker TokenRevoker, opts JWTOptions) (*JWTSessionStore, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if revoker == nil {
		return nil, errors.New("token revoker is required")
	}
	opts = normalizeJWTOptions(opts)
	return &JWTSessionStore{
		secret:   []byte(secret),
		ttl:      ttl,
		revoker:  revoker,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
	}, nil
}

func normalizeJWTOptions(opts JWTOptions) JWTOptions {
	if strings.TrimSpace(opts.Issuer) == "" {
		opts.Issuer = defaultJWTIssuer
	}
	if strings.TrimSpace(opts.Audience) == "" {
		opts.Audience = defaultJWTAudience
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultJWTLeeway
	}
	return opts
}

// NewSession creates a signed JWT for the user ID.
func (s *JWTSessionStore) NewSession(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	now := time.Now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        util.NewID(),
		},
		IssuedAtNanos: now.UnixNano(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// GetUserIDByToken resolves a token to a user ID, rejecting expired, revoked,
// or cutoff-invalidated tokens.
func (s *JWTSessionStore) GetUserIDByToken(token string) (string, bool, error) {
	claims, ok, err := s.parse(token)
	if err != nil || !ok {
		return "", false, err
	}
	revoked, err := s.revoker.IsRevoked(claims.ID)
	if err != nil {
		return "", false, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return "", false, nil
	}
	cutoff, hasCutoff, err := s.revoker.UserCutoff(claims.Subject)
	if err != nil {
		return "", false, fmt.Errorf("check user cutoff: %w", err)
	}
	if hasCutoff {
		if issued := claims.issuedAt(); !issued.IsZero() && issued.Before(cutoff) {
			return "", false, nil
		}
	}
	return claims.Subject, true, nil
}

// DeleteSession revokes a token until its natural expiry.
func (s *JWTSessionStore) DeleteSession(token string) error {
	claims, ok, err := s.parse(token)
	if err != nil {
		return err
	}
	if !ok || claims.ExpiresAt == nil {
		// Already invalid; nothing to revoke.
		return nil
	}
	remaining := time.Until(claims.ExpiresAt.Time) + s.leeway
	return s.revoker.Revoke(claims.ID, remaining)
}

// RevokeUserSessions invalidates every session issued for the user before
// the cutoff time.
func (s *JWTSessionStore) RevokeUserSessions(userID string, since time.Time) error {
	return s.revoker.SetUserCutoff(userID, since, s.ttl+s.leeway)
}

func (s *JWTSessionStore) parse(token string) (*sessionClaims, bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, false, nil
	}
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithLeeway(s.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		// Malformed, forged, and expired tokens all resolve to "no session".
		return nil, false, nil
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, false, nil
	}
	return claims, true, nil
}
