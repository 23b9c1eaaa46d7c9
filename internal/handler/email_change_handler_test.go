package handler_test

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/toolnav/internal/pkg/errcode"
	"github.com/xxxsen/toolnav/internal/testutil"
)

func beginEmailChange(t *testing.T, env *testEnv) (string, string) {
	t.Helper()
	token := env.register(t, "old@example.com", "password1")
	code := env.requestCode(t, "new@example.com", "email_change")
	_, out := env.do(t, http.MethodPut, "/api/v1/account/email", token, map[string]string{"email": "new@example.com", "code": code})
	require.Equal(t, 0, out.Code, out.Msg)
	require.Equal(t, "pending", out.Data["status"])
	require.NotContains(t, out.Data, "token_hash")

	notice, ok := env.sender.Last("old@example.com")
	require.True(t, ok)
	revokeToken := testutil.TokenFrom(notice)
	require.NotEmpty(t, revokeToken)
	return token, revokeToken
}

func runEmailChangeRevoke(t *testing.T, env *testEnv) {
	token, revokeToken := beginEmailChange(t, env)

	_, out := env.do(t, http.MethodGet, "/api/v1/account", token, nil)
	require.Equal(t, "new@example.com", out.Data["email"])

	// following the mailed link only shows the confirmation form
	resp, _ := env.do(t, http.MethodGet, "/api/v1/account/email/revoke?token="+revokeToken, "", nil)
	require.Contains(t, resp.Body.String(), `action="/api/v1/account/email/revoke/confirm"`)
	require.Contains(t, resp.Body.String(), revokeToken)
	require.Equal(t, "no-store", resp.Header().Get("Cache-Control"))
	_, out = env.do(t, http.MethodGet, "/api/v1/account", token, nil)
	require.Equal(t, "new@example.com", out.Data["email"])

	_, out = env.do(t, http.MethodPost, "/api/v1/account/email/revoke", "", map[string]string{"token": revokeToken})
	require.Equal(t, 0, out.Code, out.Msg)
	require.Equal(t, "revoked", out.Data["status"])
	require.Equal(t, "old@example.com", out.Data["email"])

	_, out = env.do(t, http.MethodGet, "/api/v1/account", token, nil)
	require.Equal(t, errcode.ErrUnauthorized, out.Code)
	fresh := env.login(t, "old@example.com", "password1")
	_, out = env.do(t, http.MethodGet, "/api/v1/account", fresh, nil)
	require.Equal(t, "old@example.com", out.Data["email"])

	notice, ok := env.sender.Last("new@example.com")
	require.True(t, ok)
	require.Equal(t, "Email change reverted", notice.Subject)

	_, out = env.do(t, http.MethodPost, "/api/v1/account/email/revoke", "", map[string]string{"token": revokeToken})
	require.Equal(t, errcode.ErrTokenNotFound, out.Code)
}

func TestEmailChangeRevoke(t *testing.T) {
	runEmailChangeRevoke(t, setupRouter(t, memStores()))
}

func TestEmailChangeRevokePostgres(t *testing.T) {
	runEmailChangeRevoke(t, setupRouter(t, pgStores(t)))
}

func TestEmailChangeRevokeFormConfirm(t *testing.T) {
	env := setupRouter(t, memStores())
	_, revokeToken := beginEmailChange(t, env)

	resp := env.postForm(t, "/api/v1/account/email/revoke/confirm", url.Values{"token": {revokeToken}})
	require.Contains(t, resp.Body.String(), "The email change was undone")
	require.Contains(t, resp.Body.String(), "old@example.com")
	env.login(t, "old@example.com", "password1")

	resp = env.postForm(t, "/api/v1/account/email/revoke/confirm", url.Values{"token": {revokeToken}})
	require.Contains(t, resp.Body.String(), "invalid or has already been used")
}

func TestEmailChangeRevokeAfterWindow(t *testing.T) {
	env := setupRouter(t, memStores())
	_, revokeToken := beginEmailChange(t, env)

	env.clock.Advance(49 * time.Hour)
	_, out := env.do(t, http.MethodPost, "/api/v1/account/email/revoke", "", map[string]string{"token": revokeToken})
	require.Equal(t, errcode.ErrWindowElapsed, out.Code)

	token := env.login(t, "new@example.com", "password1")
	resp, _ := env.do(t, http.MethodGet, "/api/v1/account/email/changes", token, nil)
	require.Contains(t, resp.Body.String(), `"status":"confirmed"`)
}

func TestEmailChangeRejectedWhilePending(t *testing.T) {
	env := setupRouter(t, memStores())
	token, _ := beginEmailChange(t, env)

	code := env.requestCode(t, "third@example.com", "email_change")
	_, out := env.do(t, http.MethodPut, "/api/v1/account/email", token, map[string]string{"email": "third@example.com", "code": code})
	require.Equal(t, errcode.ErrChangePending, out.Code)
	_, out = env.do(t, http.MethodGet, "/api/v1/account", token, nil)
	require.Equal(t, "new@example.com", out.Data["email"])
}

func TestEmailChangeRejectsTakenAddress(t *testing.T) {
	env := setupRouter(t, memStores())
	token := env.register(t, "a@example.com", "password1")
	env.register(t, "b@example.com", "password1")

	_, out := env.do(t, http.MethodPut, "/api/v1/account/email", token, map[string]string{"email": "b@example.com", "code": "AAAAAA"})
	require.Equal(t, errcode.ErrValueInUse, out.Code)
	_, out = env.do(t, http.MethodPut, "/api/v1/account/email", token, map[string]string{"email": "not-an-email", "code": "AAAAAA"})
	require.Equal(t, errcode.ErrValidation, out.Code)
}
