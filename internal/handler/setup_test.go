package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xxxsen/toolnav/internal/cooldown"
	"github.com/xxxsen/toolnav/internal/handler"
	"github.com/xxxsen/toolnav/internal/metrics"
	"github.com/xxxsen/toolnav/internal/pkg/password"
	"github.com/xxxsen/toolnav/internal/repo"
	"github.com/xxxsen/toolnav/internal/service"
	"github.com/xxxsen/toolnav/internal/testutil"
)

type stores struct {
	codes   service.CodeStore
	users   service.UserStore
	changes service.EmailChangeStore
}

type testEnv struct {
	router http.Handler
	clock  *testutil.FakeClock
	sender *testutil.RecordingSender
}

func memStores() stores {
	mem := testutil.NewMemStore()
	return stores{codes: testutil.NewMemCodeStore(), users: mem, changes: mem}
}

func pgStores(t *testing.T) stores {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)
	return stores{
		codes:   repo.NewEmailVerificationRepo(db),
		users:   repo.NewUserRepo(db),
		changes: repo.NewEmailChangeRepo(db),
	}
}

func setupRouter(t *testing.T, st stores) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	metrics.Init()

	clock := testutil.NewFakeClock(time.Now().Truncate(time.Second))
	sender := &testutil.RecordingSender{}
	codec := password.NewBcryptCodec(bcrypt.MinCost)
	throttle := service.NewSendThrottle(st.codes, cooldown.NewLRUWithClock(100, time.Hour, clock), clock, time.Minute)
	verify := service.NewVerificationService(st.codes, codec, clock, throttle, sender, service.VerificationOptions{CodeTTL: 5 * time.Minute})
	auth, err := service.NewAuthService(st.users, st.changes, verify, codec, clock, service.AuthOptions{
		JWTSecret:     []byte("test-secret"),
		JWTTTL:        time.Hour,
		AllowRegister: true,
		Lockout:       service.NewLockoutPolicy(3, 30*time.Minute),
	})
	require.NoError(t, err)
	changes := service.NewEmailChangeService(st.users, st.changes, verify, sender, clock, service.EmailChangeOptions{
		Window:    48 * time.Hour,
		RevokeURL: "https://tools.example.com/revoke",
	})

	engine := gin.New()
	handler.RegisterRoutes(engine.Group("/api/v1"), handler.RouterDeps{
		Auth:         handler.NewAuthHandler(auth),
		EmailChanges: handler.NewEmailChangeHandler(changes),
		Metrics:      metrics.Handler(),
		Sessions:     auth,
		RatePerSec:   1000,
		RateBurst:    1000,
	})
	return &testEnv{router: engine, clock: clock, sender: sender}
}

type envelope struct {
	Code int                    `json:"code"`
	Msg  string                 `json:"msg"`
	Data map[string]interface{} `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)
	var out envelope
	if json.Valid(resp.Body.Bytes()) {
		_ = json.Unmarshal(resp.Body.Bytes(), &out)
	}
	return resp, out
}

// postForm submits values the way a browser submits a form.
func (e *testEnv) postForm(t *testing.T, path string, values url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)
	return resp
}

func (e *testEnv) login(t *testing.T, email, pass string) string {
	t.Helper()
	_, out := e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": email, "password": pass})
	require.Equal(t, 0, out.Code, out.Msg)
	token, _ := out.Data["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func (e *testEnv) requestCode(t *testing.T, email, purpose string) string {
	t.Helper()
	_, out := e.do(t, http.MethodPost, "/api/v1/auth/codes", "", map[string]string{"email": email, "purpose": purpose})
	require.Equal(t, 0, out.Code, out.Msg)
	mail, ok := e.sender.Last(email)
	require.True(t, ok)
	return testutil.CodeFrom(mail)
}

func (e *testEnv) register(t *testing.T, email, pass string) string {
	t.Helper()
	code := e.requestCode(t, email, "register")
	_, out := e.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{"email": email, "password": pass, "code": code})
	require.Equal(t, 0, out.Code, out.Msg)
	token, _ := out.Data["token"].(string)
	require.NotEmpty(t, token)
	return token
}
