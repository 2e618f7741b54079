// Package httpapi 是可选的本地监控接口：执行历史、当前状态、继续信号和日志流。
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jokerjunya/ticket-get/internal/config"
	"github.com/jokerjunya/ticket-get/internal/logbus"
	"github.com/jokerjunya/ticket-get/internal/model"
	"github.com/jokerjunya/ticket-get/internal/notify"
	"github.com/jokerjunya/ticket-get/internal/orchestrator"
	"github.com/jokerjunya/ticket-get/internal/resume"
	"github.com/jokerjunya/ticket-get/internal/store/sqlite"
	"github.com/jokerjunya/ticket-get/internal/ws"
)

const maskedAuthCode = "******"

type Options struct {
	Cfg   config.Config
	Bus   *logbus.Bus
	Store *sqlite.Store
	State *orchestrator.State
	// Gate 为 nil 时继续接口返回 503。
	Gate *resume.Gate
	// SendEmail 测试邮件的投递函数，默认 notify.SendSMTP。
	SendEmail notify.SendFunc
}

type Server struct {
	cfg       config.Config
	bus       *logbus.Bus
	store     *sqlite.Store
	state     *orchestrator.State
	gate      *resume.Gate
	sendEmail notify.SendFunc
	ws        *ws.Handler
}

func New(opts Options) *Server {
	send := opts.SendEmail
	if send == nil {
		send = notify.SendSMTP
	}
	return &Server{
		cfg:       opts.Cfg,
		bus:       opts.Bus,
		store:     opts.Store,
		state:     opts.State,
		gate:      opts.Gate,
		sendEmail: send,
		ws:        ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/continue", s.handleContinuePage)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/runs", s.handleRuns)
	api.HandleFunc("/api/v1/runs/state", s.handleRunState)
	api.HandleFunc("/api/v1/runs/continue", s.handleContinue)
	api.HandleFunc("/api/v1/jobs", s.handleJobs)
	api.HandleFunc("/api/v1/settings/email", s.handleEmailSettings)
	api.HandleFunc("/api/v1/settings/email/test", s.handleEmailTest)

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

// ListenAndServe 在 ctx 结束时优雅关闭。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
		return
	}
	limit, err := parseInt(r.URL.Query().Get("limit"), 50)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
		return
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []model.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": runs})
}

func (s *Server) handleRunState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.state.Snapshot()})
}

// handleContinue 人工处理完验证码后放行等待中的执行。
func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.gate == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "continue signal unavailable"})
		return
	}
	if !s.gate.Waiting() {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "run is not waiting for continue"})
		return
	}
	if !s.gate.Release() {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "continue already requested"})
		return
	}
	if s.bus != nil {
		s.bus.Log(logbus.LevelInfo, "收到继续信号", map[string]any{"from": r.RemoteAddr})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
		return
	}
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": jobs})
}

type emailSettingsPayload struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	Email    *string `json:"email,omitempty"`
	AuthCode *string `json:"authCode,omitempty"`
	Host     *string `json:"host,omitempty"`
	Port     *int    `json:"port,omitempty"`
	SSL      *bool   `json:"ssl,omitempty"`
}

func (s *Server) handleEmailSettings(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		val, ok, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			val = notify.SettingsFromConfig(s.cfg.Notify.Email)
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": maskSettings(val)})
	case http.MethodPut, http.MethodPost:
		var body emailSettingsPayload
		if err := readJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		current, ok, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			current = notify.SettingsFromConfig(s.cfg.Notify.Email)
		}

		next := current
		if body.Enabled != nil {
			next.Enabled = *body.Enabled
		}
		if body.Email != nil {
			next.Email = strings.TrimSpace(*body.Email)
		}
		if body.AuthCode != nil {
			// 前端回传掩码时保留原值。
			if ac := strings.TrimSpace(*body.AuthCode); ac != maskedAuthCode {
				next.AuthCode = ac
			}
		}
		if body.Host != nil {
			next.Host = strings.TrimSpace(*body.Host)
		}
		if body.Port != nil {
			next.Port = *body.Port
		}
		if body.SSL != nil {
			next.SSL = *body.SSL
		}

		saved, err := s.store.UpsertEmailSettings(r.Context(), next)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": maskSettings(saved)})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEmailTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	val := notify.SettingsFromConfig(s.cfg.Notify.Email)
	if s.store != nil {
		stored, ok, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if ok {
			val = stored
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()
	msg := notify.Message{
		To:      strings.TrimSpace(val.Email),
		Subject: "邮件测试：ticket-get",
		Text:    "这是一封测试邮件，收到说明通知配置可用。",
		HTML:    "<p>这是一封测试邮件，收到说明通知配置可用。</p>",
	}
	if err := s.sendEmail(ctx, val, msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func maskSettings(v model.EmailSettings) model.EmailSettings {
	if v.AuthCode != "" {
		v.AuthCode = maskedAuthCode
	}
	return v
}

func parseInt(v string, def int) (int, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	return strconv.Atoi(strings.TrimSpace(v))
}
