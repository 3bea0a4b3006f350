package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims - полезная нагрузка токена
type Claims struct {
	jwt.RegisteredClaims
	UserCode string `json:"user_code"`
	IsAdmin  bool   `json:"is_admin"`
}

// Keeper signs and checks HS256 tokens issued by the identity provider.
type Keeper struct {
	secret []byte
	ttl    time.Duration
}

func NewKeeper(secret string, ttl time.Duration) *Keeper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Keeper{secret: []byte(secret), ttl: ttl}
}

// BuildJWTString is used by tests and tooling; production tokens come from
// the identity provider with the same secret.
func (k *Keeper) BuildJWTString(userCode string, isAdmin bool) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userCode,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(k.ttl)),
		},
		UserCode: userCode,
		IsAdmin:  isAdmin,
	})
	return token.SignedString(k.secret)
}

// GetClaims validates the signature and expiry and returns the claims.
func (k *Keeper) GetClaims(tokenString string) (Claims, error) {
	claims := Claims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return k.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.UserCode == "" {
		claims.UserCode = claims.Subject
	}
	if claims.UserCode == "" {
		return Claims{}, fmt.Errorf("%w: no user", ErrInvalidToken)
	}
	return claims, nil
}
