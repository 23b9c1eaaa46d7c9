package handler_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/toolnav/internal/pkg/errcode"
)

func runAuthFlow(t *testing.T, env *testEnv) {
	token := env.register(t, "test@example.com", "password1")

	_, out := env.do(t, http.MethodGet, "/api/v1/account", token, nil)
	require.Equal(t, 0, out.Code)
	require.Equal(t, "test@example.com", out.Data["email"])
	require.NotContains(t, out.Data, "password_hash")

	_, out = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "test@example.com", "password": "password1"})
	require.Equal(t, 0, out.Code)
	require.NotEmpty(t, out.Data["token"])

	_, out = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "test@example.com", "password": "nope"})
	require.Equal(t, errcode.ErrUnauthorized, out.Code)
	_, out = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "ghost@example.com", "password": "nope"})
	require.Equal(t, errcode.ErrUnauthorized, out.Code)
}

func TestAuthHandlers(t *testing.T) {
	runAuthFlow(t, setupRouter(t, memStores()))
}

func TestAuthHandlersPostgres(t *testing.T) {
	runAuthFlow(t, setupRouter(t, pgStores(t)))
}

func TestSendCodeThrottleSetsRetryAfter(t *testing.T) {
	env := setupRouter(t, memStores())
	env.requestCode(t, "a@example.com", "feedback")

	env.clock.Advance(20 * time.Second)
	resp, out := env.do(t, http.MethodPost, "/api/v1/auth/codes", "", map[string]string{"email": "a@example.com", "purpose": "feedback"})
	require.Equal(t, errcode.ErrTooMany, out.Code)
	require.Equal(t, "40", resp.Header().Get("Retry-After"))

	_, out = env.do(t, http.MethodPost, "/api/v1/auth/codes", "", map[string]string{"email": "a@example.com", "purpose": "bogus"})
	require.Equal(t, errcode.ErrInvalid, out.Code)
}

func TestLoginLockoutSetsRetryAfter(t *testing.T) {
	env := setupRouter(t, memStores())
	env.register(t, "a@example.com", "password1")

	for i := 0; i < 2; i++ {
		_, out := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "a@example.com", "password": "bad"})
		require.Equal(t, errcode.ErrUnauthorized, out.Code)
	}
	resp, out := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "a@example.com", "password": "bad"})
	require.Equal(t, errcode.ErrAccountLocked, out.Code)
	require.Equal(t, "1800", resp.Header().Get("Retry-After"))
	require.Contains(t, out.Msg, "locked until")

	env.clock.Advance(10 * time.Minute)
	resp, out = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "a@example.com", "password": "password1"})
	require.Equal(t, errcode.ErrAccountLocked, out.Code)
	require.Equal(t, "1200", resp.Header().Get("Retry-After"))
}

func TestCodeLoginAndFeedback(t *testing.T) {
	env := setupRouter(t, memStores())
	env.register(t, "a@example.com", "password1")

	code := env.requestCode(t, "a@example.com", "login")
	_, out := env.do(t, http.MethodPost, "/api/v1/auth/login/code", "", map[string]string{"email": "a@example.com", "code": code})
	require.Equal(t, 0, out.Code, out.Msg)
	_, out = env.do(t, http.MethodPost, "/api/v1/auth/login/code", "", map[string]string{"email": "a@example.com", "code": code})
	require.Equal(t, errcode.ErrInvalid, out.Code)

	code = env.requestCode(t, "guest@example.com", "feedback")
	_, out = env.do(t, http.MethodPost, "/api/v1/feedback/verify", "", map[string]string{"email": "guest@example.com", "code": code})
	require.Equal(t, 0, out.Code)
	require.Equal(t, true, out.Data["verified"])
}

func TestChangePasswordHandler(t *testing.T) {
	env := setupRouter(t, memStores())
	token := env.register(t, "a@example.com", "password1")

	_, out := env.do(t, http.MethodPut, "/api/v1/account/password", "", map[string]string{"code": "AAAAAA", "password": "password2"})
	require.Equal(t, errcode.ErrUnauthorized, out.Code)

	code := env.requestCode(t, "a@example.com", "password_change")
	_, out = env.do(t, http.MethodPut, "/api/v1/account/password", token, map[string]string{"code": code, "password": "password2"})
	require.Equal(t, 0, out.Code, out.Msg)
	fresh, _ := out.Data["token"].(string)
	require.NotEmpty(t, fresh)

	// the session used for the change ends with it
	_, out = env.do(t, http.MethodGet, "/api/v1/account", token, nil)
	require.Equal(t, errcode.ErrUnauthorized, out.Code)
	_, out = env.do(t, http.MethodGet, "/api/v1/account", fresh, nil)
	require.Equal(t, 0, out.Code, out.Msg)
	env.login(t, "a@example.com", "password2")
}

func TestMetricsRoute(t *testing.T) {
	env := setupRouter(t, memStores())
	env.register(t, "a@example.com", "password1")
	resp, _ := env.do(t, http.MethodGet, "/api/v1/metrics", "", nil)
	require.Contains(t, resp.Body.String(), "toolnav_verification_codes_issued_total")
}
