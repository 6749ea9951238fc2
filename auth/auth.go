// Package auth issues and validates the operator JWT used to gate the
// admin HTTP surface. Unlike a multi-user system there is exactly one
// operator identity, configured as a bcrypt password hash plus a signing
// secret; no session table, no refresh tokens.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/duskline/langrelay/balerrs"
)

const accessTokenTTL = 15 * time.Minute

// Claims is the operator access token's claim set.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// HashPassword bcrypt-hashes a plaintext operator password for storage
// in the configuration file.
func HashPassword(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", balerrs.Mark(balerrs.ErrInternal, err)
	}
	return string(b), nil
}

// CheckPassword reports whether plain matches hash.
func CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// IssueAccessToken signs a short-lived operator token.
func IssueAccessToken(secret []byte) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenTTL)),
		},
		Role: "admin",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", balerrs.Mark(balerrs.ErrInternal, err)
	}
	return signed, nil
}

// ParseAccessToken validates raw and returns its claims.
func ParseAccessToken(secret []byte, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, balerrs.New(balerrs.ErrProtocol, "unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, balerrs.Mark(balerrs.ErrProtocol, err)
	}
	return claims, nil
}
