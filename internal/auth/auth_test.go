package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/creditledger/internal/token"
)

func TestMiddleware(t *testing.T) {
	keeper := token.NewKeeper("secret", time.Hour)
	a := NewAuth(keeper)

	var got Identity
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFrom(r.Context())
	})

	userToken, err := keeper.BuildJWTString("user-1", false)
	require.NoError(t, err)

	// Bearer
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rec := httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", got.UserCode)

	// куки
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: cookieUserToken, Value: userToken})
	rec = httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// без токена
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminMiddleware(t *testing.T) {
	keeper := token.NewKeeper("secret", time.Hour)
	a := NewAuth(keeper)
	h := a.AdminMiddleware(func(w http.ResponseWriter, r *http.Request) {})

	userToken, err := keeper.BuildJWTString("user-1", false)
	require.NoError(t, err)
	adminToken, err := keeper.BuildJWTString("root", true)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rec := httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
