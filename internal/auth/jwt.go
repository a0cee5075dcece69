package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const maxJWTLen = 16 * 1024

// StoreClaims are the claims a store token carries. Subject names the
// client and only shows up in logs.
type StoreClaims struct {
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens with exp and iat set.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v JWTVerifier) Verify(token string) error {
	_, err := v.Claims(token)
	return err
}

// Claims verifies token and returns its claims.
func (v JWTVerifier) Claims(token string) (StoreClaims, error) {
	var claims StoreClaims
	if token == "" || len(token) > maxJWTLen || len(v.secret) == 0 {
		return claims, ErrInvalidCredentials
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return claims, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if claims.IssuedAt == nil {
		return claims, fmt.Errorf("%w: missing iat", ErrInvalidCredentials)
	}
	return claims, nil
}

// IssueToken signs an HS256 store token for subject valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("empty jwt secret")
	}
	claims := StoreClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
