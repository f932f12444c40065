package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relay-gateway/lifecycle"
	"relay-gateway/middleware/ratelimit"
	"relay-gateway/middleware/ratelimit/application"
	"relay-gateway/middleware/ratelimit/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testGateway struct {
	router  http.Handler
	ai      *fakeAI
	sender  *fakeSender
	manager *lifecycle.Manager
}

func newTestGateway(t *testing.T, limit int) *testGateway {
	t.Helper()
	ai := &fakeAI{reply: "pong"}
	tg := &fakeSender{}
	monitor := application.NewHealthMonitor(application.WithFallbackOnly(), application.WithHealthLogger(quietLogger()))
	limiter := application.Service{
		Local:  infra.NewLocalCounter(),
		Health: monitor,
		Limit:  limit,
		Window: time.Minute,
		Logger: quietLogger(),
	}
	m := lifecycle.NewManager(quietLogger())

	router := NewRouter(RouterOptions{
		Webhook: newTestHandler(t, ai, tg),
		Health:  HealthHandler(monitor),
		Track:   m.Track,
		Admission: ratelimit.Middleware(ratelimit.Options{
			Limiter: limiter,
			KeyFn:   ChatKey,
			Limit:   limit,
			Logger:  quietLogger(),
		}),
		Concurrency: ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Max: 4, Logger: quietLogger()}),
		Logger:      quietLogger(),
	})
	return &testGateway{router: router, ai: ai, sender: tg, manager: m}
}

func TestRouter_WebhookIsAdmittedPerChat(t *testing.T) {
	gw := newTestGateway(t, 2)

	for i := 0; i < 2; i++ {
		w := post(gw.router, textUpdate(42, "hi"))
		require.Equal(t, http.StatusOK, w.Code, "call %d", i+1)
	}

	w := post(gw.router, textUpdate(42, "hi"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate limited")

	// negada não chega na IA nem no banco
	assert.Len(t, gw.ai.calls, 2)
	assert.Len(t, gw.sender.sent, 2)

	// outro chat tem a própria janela
	assert.Equal(t, http.StatusOK, post(gw.router, textUpdate(43, "hi")).Code)
}

func TestRouter_UpdatesWithoutChatSkipAdmission(t *testing.T) {
	gw := newTestGateway(t, 1)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, post(gw.router, `{"update_id":1}`).Code)
	}
}

func TestRouter_HealthAndRequestID(t *testing.T) {
	gw := newTestGateway(t, 1)

	w := httptest.NewRecorder()
	gw.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	assert.Contains(t, w.Body.String(), `"fallback_only":true`)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	r := httptest.NewRequest(http.MethodGet, "http://example/health", nil)
	r.Header.Set(RequestIDHeader, "req-1")
	w = httptest.NewRecorder()
	gw.router.ServeHTTP(w, r)
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))
}

func TestRouter_WebhookRejectedAfterShutdown(t *testing.T) {
	gw := newTestGateway(t, 5)
	require.NoError(t, gw.manager.ReleaseAll(time.Second))

	w := post(gw.router, textUpdate(1, "late"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, gw.ai.calls)
}

func TestRouter_WrongMethod(t *testing.T) {
	gw := newTestGateway(t, 5)
	w := httptest.NewRecorder()
	gw.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/webhook", strings.NewReader("")))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
