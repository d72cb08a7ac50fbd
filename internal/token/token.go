package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// JWT для HTTP-слоя: кто пользователь и есть ли у него права оператора

type Claims struct {
	jwt.RegisteredClaims
	UserCode string `json:"user_code"`
	Admin    bool   `json:"admin"`
}

const tokenExp = time.Hour * 24

var ErrInvalidToken = errors.New("invalid token")

func BuildJWT(userCode string, admin bool, secret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenExp)),
		},
		UserCode: userCode,
		Admin:    admin,
	})
	return token.SignedString([]byte(secret))
}

func GetClaims(tokenString string, secret string) (Claims, error) {
	claims := Claims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrInvalidToken
			}
			return []byte(secret), nil
		})
	if err != nil {
		return Claims{}, err
	}
	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
