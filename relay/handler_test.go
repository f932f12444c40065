package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"relay-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAI struct {
	mu    sync.Mutex
	calls [][]ChatMessage
	reply string
	err   error
}

func (f *fakeAI) Complete(_ context.Context, msgs []ChatMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msgs)
	return f.reply, f.err
}

type sent struct {
	chat int64
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{chat: chatID, text: text})
	return nil
}

func newTestHandler(t *testing.T, ai *fakeAI, tg *fakeSender) *Handler {
	t.Helper()
	return &Handler{
		History:      newTestHistory(t, 5),
		AI:           ai,
		Telegram:     tg,
		SystemPrompt: "You are helpful.",
		AITimeout:    time.Second,
		Now:          func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
		Logger:       quietLogger(),
	}
}

func textUpdate(chat int64, text string) string {
	return `{"update_id":10,"message":{"message_id":1,"from":{"id":5,"username":"ravi"},"chat":{"id":` +
		jsonInt(chat) + `},"date":1767000000,"text":` + jsonString(text) + `}}`
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "http://example/webhook", strings.NewReader(body)))
	return w
}

func TestHandler_RelaysAndRecordsHistory(t *testing.T) {
	ai := &fakeAI{reply: "hello back"}
	tg := &fakeSender{}
	h := newTestHandler(t, ai, tg)

	w := post(h, textUpdate(42, "hi there"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	require.Len(t, tg.sent, 1)
	assert.Equal(t, sent{chat: 42, text: "hello back"}, tg.sent[0])

	require.Len(t, ai.calls, 1)
	msgs := ai.calls[0]
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "You are helpful.")
	assert.Contains(t, msgs[0].Content, "Chat ID: 42")
	assert.Contains(t, msgs[0].Content, "Today's Date: 2026-03-01")
	assert.Equal(t, ChatMessage{Role: RoleUser, Content: "hi there"}, msgs[1])

	rows, err := h.History.Recent(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"hi there", "hello back"}, texts(rows))

	var user ChatUser
	require.NoError(t, h.History.db.First(&user, "chat_id = ?", 42).Error)
	assert.Equal(t, "ravi", user.Username)
}

func TestHandler_HistoryIsSentToAI(t *testing.T) {
	ai := &fakeAI{reply: "ok"}
	h := newTestHandler(t, ai, &fakeSender{})

	require.Equal(t, http.StatusOK, post(h, textUpdate(1, "first")).Code)
	require.Equal(t, http.StatusOK, post(h, textUpdate(1, "second")).Code)

	last := ai.calls[len(ai.calls)-1]
	var contents []string
	for _, m := range last[1:] {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"first", "ok", "second"}, contents)
}

func TestHandler_IgnoresUpdatesWithoutText(t *testing.T) {
	ai := &fakeAI{reply: "x"}
	tg := &fakeSender{}
	h := newTestHandler(t, ai, tg)

	for _, body := range []string{
		`{"update_id":1}`,
		`{"update_id":2,"message":{"message_id":1,"chat":{"id":3}}}`,
		`{"update_id":3,"callback_query":{"id":"q","message":{"message_id":1,"chat":{"id":3},"text":"menu"}}}`,
	} {
		w := post(h, body)
		assert.Equal(t, http.StatusOK, w.Code, body)
	}
	assert.Empty(t, ai.calls)
	assert.Empty(t, tg.sent)
}

func TestHandler_InvalidJSON(t *testing.T) {
	h := newTestHandler(t, &fakeAI{}, &fakeSender{})
	w := post(h, "{nope")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_AIFailureIs500(t *testing.T) {
	tg := &fakeSender{}
	h := newTestHandler(t, &fakeAI{err: errors.New("upstream down")}, tg)

	w := post(h, textUpdate(8, "hello"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, tg.sent)

	// a mensagem do usuário fica registrada, a resposta não
	rows, err := h.History.Recent(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, texts(rows))
}

func TestHandler_SendFailureIs500(t *testing.T) {
	h := newTestHandler(t, &fakeAI{reply: "r"}, &fakeSender{err: errors.New("blocked")})
	assert.Equal(t, http.StatusInternalServerError, post(h, textUpdate(8, "hello")).Code)
}

type fixedHealth domain.HealthSnapshot

func (f fixedHealth) Snapshot() domain.HealthSnapshot { return domain.HealthSnapshot(f) }

func TestHealthHandler(t *testing.T) {
	since := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := HealthHandler(fixedHealth{State: domain.HealthDegraded, ConsecutiveFailures: 3, ChangedAt: since})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status    string `json:"status"`
		RateLimit struct {
			Backend             string    `json:"backend"`
			ConsecutiveFailures int       `json:"consecutive_failures"`
			Since               time.Time `json:"since"`
		} `json:"rate_limit"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "DEGRADED", body.RateLimit.Backend)
	assert.Equal(t, 3, body.RateLimit.ConsecutiveFailures)
	assert.True(t, body.RateLimit.Since.Equal(since))
}

func TestHandler_CommandsSkipTheAI(t *testing.T) {
	ai := &fakeAI{reply: "should not be used"}
	h := newTestHandler(t, ai, &fakeSender{})
	cmds, bot := newTestCommands(t)
	h.Commands = cmds

	w := post(h, textUpdate(42, "/record"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, ai.calls)
	assert.True(t, strings.HasPrefix(bot.lastText(), RecordHeader))

	w = post(h, `{"update_id":3,"callback_query":{"id":"cb","data":"del_cancel","message":{"message_id":1,"chat":{"id":42}}}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "❌ Delete operation cancelled.", bot.lastText())

	require.Equal(t, http.StatusOK, post(h, textUpdate(42, "hello")).Code)
	assert.Len(t, ai.calls, 1)
}
