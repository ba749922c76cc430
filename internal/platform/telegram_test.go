package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testToken = "123456:ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghi"

// fakeBotAPI answers the handful of Bot API methods the session uses.
type fakeBotAPI struct {
	unauthorized bool
	sendFailures int32 // sendMessage calls to fail before succeeding
	sendCode     int

	updatesCalls atomic.Int32
	sendCalls    atomic.Int32

	mu   sync.Mutex
	sent []map[string]string
}

func (f *fakeBotAPI) reply(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	switch method {
	case "getMe":
		if f.unauthorized {
			f.reply(w, map[string]any{"ok": false, "error_code": 401, "description": "Unauthorized"})
			return
		}
		f.reply(w, map[string]any{"ok": true, "result": map[string]any{
			"id": 1, "is_bot": true, "first_name": "Test", "username": "test_bot",
		}})
	case "getUpdates":
		if f.updatesCalls.Add(1) == 1 {
			f.reply(w, map[string]any{"ok": true, "result": []any{
				map[string]any{
					"update_id": 10,
					"message": map[string]any{
						"message_id": 1,
						"date":       time.Now().Unix(),
						"chat":       map[string]any{"id": 4242, "type": "private"},
						"from":       map[string]any{"id": 42, "is_bot": false, "first_name": "Ann"},
						"text":       "hi",
					},
				},
				map[string]any{
					"update_id": 11,
					"message": map[string]any{
						"message_id": 2,
						"date":       time.Now().Unix(),
						"chat":       map[string]any{"id": 42, "type": "private"},
						"from":       map[string]any{"id": 42, "is_bot": false, "first_name": "Ann"},
						"text":       "/start",
						"entities":   []any{map[string]any{"type": "bot_command", "offset": 0, "length": 6}},
					},
				},
			}})
			return
		}
		time.Sleep(10 * time.Millisecond)
		f.reply(w, map[string]any{"ok": true, "result": []any{}})
	case "sendMessage":
		_ = r.ParseForm()
		if f.sendCalls.Add(1) <= atomic.LoadInt32(&f.sendFailures) {
			f.reply(w, map[string]any{"ok": false, "error_code": f.sendCode, "description": "failure"})
			return
		}
		f.mu.Lock()
		f.sent = append(f.sent, map[string]string{
			"chat_id": r.PostForm.Get("chat_id"),
			"text":    r.PostForm.Get("text"),
		})
		f.mu.Unlock()
		f.reply(w, map[string]any{"ok": true, "result": map[string]any{
			"message_id": 99, "date": time.Now().Unix(), "chat": map[string]any{"id": 42, "type": "private"},
		}})
	default:
		f.reply(w, map[string]any{"ok": false, "error_code": 404, "description": "Not Found"})
	}
}

func newTestTelegram(t *testing.T, api *fakeBotAPI) *Telegram {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	// the library's polling goroutine can outlive a test, so it must not log through t
	return NewTelegram(zap.NewNop(),
		WithEndpoint(srv.URL+"/bot%s/%s"),
		WithPollTimeout(0),
		WithSendRetry(3, time.Millisecond),
	)
}

func TestValidToken(t *testing.T) {
	assert.True(t, ValidToken(testToken))
	assert.False(t, ValidToken(""))
	assert.False(t, ValidToken("not-a-token"))
	assert.False(t, ValidToken("123456:short"))
}

func TestTelegramOpen_MalformedTokenSkipsNetwork(t *testing.T) {
	api := &fakeBotAPI{}
	tg := newTestTelegram(t, api)

	_, err := tg.Open(context.Background(), "garbage")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestTelegramOpen_Unauthorized(t *testing.T) {
	api := &fakeBotAPI{unauthorized: true}
	tg := newTestTelegram(t, api)

	_, err := tg.Open(context.Background(), testToken)
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Zero(t, api.updatesCalls.Load(), "polling must not start for a rejected token")
}

func TestTelegramSession_EventsAndReply(t *testing.T) {
	api := &fakeBotAPI{}
	tg := newTestTelegram(t, api)

	s, err := tg.Open(context.Background(), testToken)
	require.NoError(t, err)
	defer s.Close()

	first := <-s.Events()
	assert.Equal(t, "42", first.EndUserID)
	assert.Equal(t, "hi", first.Text)
	assert.Empty(t, first.Command)

	second := <-s.Events()
	assert.Equal(t, "start", second.Command)

	// replies go to the last chat the user wrote from
	require.NoError(t, s.Send(context.Background(), "42", "hello Ann"))
	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.sent, 1)
	assert.Equal(t, "42", api.sent[0]["chat_id"])
	assert.Equal(t, "hello Ann", api.sent[0]["text"])
}

func TestTelegramSession_CloseEndsEvents(t *testing.T) {
	api := &fakeBotAPI{}
	tg := newTestTelegram(t, api)

	s, err := tg.Open(context.Background(), testToken)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-s.Events():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, s.Send(context.Background(), "42", "late"), ErrSessionClosed)
}

func TestTelegramSend_RetriesServerErrors(t *testing.T) {
	api := &fakeBotAPI{sendFailures: 2, sendCode: 500}
	tg := newTestTelegram(t, api)

	s, err := tg.Open(context.Background(), testToken)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Send(context.Background(), "7", "hello"))
	assert.EqualValues(t, 3, api.sendCalls.Load())
}

func TestTelegramSend_GivesUpAfterAttempts(t *testing.T) {
	api := &fakeBotAPI{sendFailures: 10, sendCode: 500}
	tg := newTestTelegram(t, api)

	s, err := tg.Open(context.Background(), testToken)
	require.NoError(t, err)
	defer s.Close()

	err = s.Send(context.Background(), "7", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.EqualValues(t, 3, api.sendCalls.Load())
}

func TestTelegramSend_ClientErrorNotRetried(t *testing.T) {
	api := &fakeBotAPI{sendFailures: 10, sendCode: 403}
	tg := newTestTelegram(t, api)

	s, err := tg.Open(context.Background(), testToken)
	require.NoError(t, err)
	defer s.Close()

	require.Error(t, s.Send(context.Background(), "7", "hello"))
	assert.EqualValues(t, 1, api.sendCalls.Load())
}

func TestTelegramSend_InvalidEndUser(t *testing.T) {
	api := &fakeBotAPI{}
	tg := newTestTelegram(t, api)

	s, err := tg.Open(context.Background(), testToken)
	require.NoError(t, err)
	defer s.Close()

	require.Error(t, s.Send(context.Background(), "not-a-number", "hello"))
	assert.Zero(t, api.sendCalls.Load())
}
