package httpapi

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

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokerjunya/ticket-get/internal/config"
	"github.com/jokerjunya/ticket-get/internal/logbus"
	"github.com/jokerjunya/ticket-get/internal/model"
	"github.com/jokerjunya/ticket-get/internal/notify"
	"github.com/jokerjunya/ticket-get/internal/orchestrator"
	"github.com/jokerjunya/ticket-get/internal/resume"
	"github.com/jokerjunya/ticket-get/internal/store/sqlite"
)

type fixture struct {
	srv   *httptest.Server
	store *sqlite.Store
	bus   *logbus.Bus
	gate  *resume.Gate

	mu   sync.Mutex
	sent []notify.Message
}

func (f *fixture) sentMessages() []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Message(nil), f.sent...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Server.Cors.AllowOrigins = []string{"http://localhost:5173"}
	cfg.Notify.Email = config.EmailConfig{Email: "me@gmail.com", AuthCode: "secret"}

	bus := logbus.New(50)
	t.Cleanup(bus.Close)

	f := &fixture{store: st, bus: bus, gate: resume.NewGate()}
	s := New(Options{
		Cfg:   cfg,
		Bus:   bus,
		Store: st,
		State: orchestrator.NewState(),
		Gate:  f.gate,
		SendEmail: func(_ context.Context, _ model.EmailSettings, m notify.Message) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.sent = append(f.sent, m)
			return nil
		},
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
}

func TestRunsListsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i, status := range []model.RunStatus{model.RunFailed, model.RunSuccess} {
		_, err := f.store.SaveRun(ctx, model.RunSummary{
			ID:        "run-" + string(rune('a'+i)),
			Status:    status,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			EndedAt:   base.Add(time.Duration(i)*time.Minute + time.Second),
		})
		require.NoError(t, err)
	}

	code, body := f.do(t, http.MethodGet, "/api/v1/runs?limit=1", "")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "run-b", data[0].(map[string]any)["id"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/runs?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPost, "/api/v1/runs", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestJobsEmptyList(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, body["data"])
}

func TestRunStateIdle(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/api/v1/runs/state", "")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.Equal(t, orchestrator.PhaseIdle, data["phase"])
	assert.Equal(t, false, data["waitingForContinue"])
}

func TestContinueReleasesWaitingRun(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/api/v1/runs/continue", "")
	assert.Equal(t, http.StatusConflict, code)

	done := make(chan error, 1)
	go func() { done <- f.gate.Wait(context.Background()) }()
	require.Eventually(t, f.gate.Waiting, time.Second, time.Millisecond)

	code, body := f.do(t, http.MethodPost, "/api/v1/runs/continue", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run was not released")
	}
}

func TestContinuePage(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/continue")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestEmailSettingsMaskAndKeep(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/v1/settings/email", "")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "me@gmail.com", data["email"])
	assert.Equal(t, maskedAuthCode, data["authCode"])

	code, _ = f.do(t, http.MethodPut, "/api/v1/settings/email", `{"enabled":true,"authCode":"******"}`)
	require.Equal(t, http.StatusOK, code)

	saved, ok, err := f.store.GetEmailSettings(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, saved.Enabled)
	assert.Equal(t, "secret", saved.AuthCode)

	code, _ = f.do(t, http.MethodPut, "/api/v1/settings/email", `{"unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEmailTestUsesStoredSettings(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/api/v1/settings/email/test", "")
	require.Equal(t, http.StatusOK, code)
	sent := f.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "me@gmail.com", sent[0].To)
}

func TestEmailTestReportsSendError(t *testing.T) {
	st, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer st.Close()
	s := New(Options{Cfg: config.Default(), Store: st, SendEmail: func(context.Context, model.EmailSettings, notify.Message) error {
		return errors.New("email is required")
	}})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/settings/email/test", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "email is required")
}

func TestCorsPreflight(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/v1/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebsocketStreamsLogs(t *testing.T) {
	f := newFixture(t)
	f.bus.Log(logbus.LevelInfo, "开始执行", nil)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg struct {
		Type string         `json:"type"`
		Data logbus.LogData `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "log", msg.Type)
	assert.Equal(t, "开始执行", msg.Data.Msg)

	f.bus.Log(logbus.LevelWarn, "检测到验证码", nil)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "检测到验证码", msg.Data.Msg)
}

func TestWebsocketLevelFilter(t *testing.T) {
	f := newFixture(t)
	f.bus.Log(logbus.LevelInfo, "普通", nil)
	f.bus.Log(logbus.LevelError, "失败", nil)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?level=warn"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg struct {
		Data logbus.LogData `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "失败", msg.Data.Msg)
}
