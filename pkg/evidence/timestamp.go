package evidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TimestampToken is an external attestation that some bytes existed at Time.
type TimestampToken struct {
	Token     string    `json:"token"`
	Time      time.Time `json:"time"`
	Authority string    `json:"authority"`
}

// Authority issues and checks timestamp tokens.
type Authority interface {
	Timestamp(ctx context.Context, data []byte) (*TimestampToken, error)
	Verify(ctx context.Context, data []byte, token *TimestampToken) (bool, error)
}

// timestampClaims binds a digest to an issue time.
type timestampClaims struct {
	jwt.RegisteredClaims
	Digest string `json:"digest"`
}

// JWTAuthority is an HMAC-signed timestamp authority. It suits a single
// deployment that holds its own signing key; a public TSA can be plugged in
// through Authority.
type JWTAuthority struct {
	name  string
	key   []byte
	clock func() time.Time
}

// NewJWTAuthority creates an authority signing with key under name.
func NewJWTAuthority(name string, key []byte) (*JWTAuthority, error) {
	if len(key) < 32 {
		return nil, errors.New("timestamp signing key must be at least 32 bytes")
	}
	if name == "" {
		name = "bentham"
	}
	return &JWTAuthority{name: name, key: key, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (a *JWTAuthority) WithClock(clock func() time.Time) *JWTAuthority {
	a.clock = clock
	return a
}

func (a *JWTAuthority) Timestamp(_ context.Context, data []byte) (*TimestampToken, error) {
	now := a.clock().UTC().Truncate(time.Second)
	claims := timestampClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   a.name,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Digest: HashBytes(data),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return nil, fmt.Errorf("sign timestamp: %w", err)
	}
	return &TimestampToken{Token: signed, Time: now, Authority: a.name}, nil
}

// Verify reports whether token was issued by this authority for data.
// A malformed or foreign token is reported as false, not as an error.
func (a *JWTAuthority) Verify(_ context.Context, data []byte, token *TimestampToken) (bool, error) {
	if token == nil || token.Token == "" {
		return false, nil
	}
	claims := &timestampClaims{}
	parsed, err := jwt.ParseWithClaims(token.Token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.key, nil
	},
		jwt.WithIssuer(a.name),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil || !parsed.Valid {
		return false, nil
	}
	if claims.IssuedAt == nil || !claims.IssuedAt.Time.Equal(token.Time) {
		return false, nil
	}
	return claims.Digest == HashBytes(data), nil
}
