package auth

import (
	"net/http"
	"strings"

	"github.com/nimdiido/eclipsebux/internal/token"
)

type Auth interface {
	Middleware(h http.HandlerFunc) http.HandlerFunc
	AdminMiddleware(h http.HandlerFunc) http.HandlerFunc
}

const UserCodeKey = "userCode"

type auth struct {
	secret string
}

func NewAuth(secret string) Auth {
	return &auth{secret: secret}
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.getClaims(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// записываем id пользователя
		r.Header.Set(UserCodeKey, claims.UserCode)

		// передаём управление хендлеру
		h.ServeHTTP(w, r)
	}
}

func (a *auth) AdminMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.getClaims(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if !claims.Admin {
			http.Error(w, "admin only", http.StatusForbidden)
			return
		}

		r.Header.Set(UserCodeKey, claims.UserCode)

		h.ServeHTTP(w, r)
	}
}

func (a *auth) getClaims(r *http.Request) (token.Claims, error) {
	// токен в заголовке Authorization: Bearer
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token.GetClaims(bearer, a.secret)
}
