package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/iurnickita/creditledger/internal/token"
)

type Auth interface {
	Middleware(h http.HandlerFunc) http.HandlerFunc
	AdminMiddleware(h http.HandlerFunc) http.HandlerFunc
}

const cookieUserToken = "creditledgerUserToken"

var ErrNoToken = errors.New("no token")

// Identity is the already authenticated caller.
type Identity struct {
	UserCode string
	IsAdmin  bool
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

type auth struct {
	keeper *token.Keeper
}

func NewAuth(keeper *token.Keeper) Auth {
	return &auth{keeper: keeper}
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// получение пользователя
		id, err := a.getIdentity(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// передаём управление хендлеру
		h.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	}
}

func (a *auth) AdminMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFrom(r.Context())
		if !id.IsAdmin {
			http.Error(w, "admin privileges required", http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (a *auth) getIdentity(r *http.Request) (Identity, error) {
	// заголовок Authorization, затем куки
	var raw string
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	} else if c, err := r.Cookie(cookieUserToken); err == nil {
		raw = c.Value
	}
	if raw == "" {
		return Identity{}, ErrNoToken
	}

	claims, err := a.keeper.GetClaims(raw)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserCode: claims.UserCode, IsAdmin: claims.IsAdmin}, nil
}
