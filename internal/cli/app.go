package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jokerjunya/ticket-get/internal/config"
	"github.com/jokerjunya/ticket-get/internal/httpapi"
	"github.com/jokerjunya/ticket-get/internal/logbus"
	"github.com/jokerjunya/ticket-get/internal/model"
	"github.com/jokerjunya/ticket-get/internal/notify"
	"github.com/jokerjunya/ticket-get/internal/orchestrator"
	"github.com/jokerjunya/ticket-get/internal/resume"
	"github.com/jokerjunya/ticket-get/internal/store/sqlite"
)

const (
	purchaseLogName  = "purchase-log.txt"
	schedulerLogName = "scheduler-log.txt"
)

// app 是一次命令执行期间共用的运行环境：配置、日志总线、历史库。
type app struct {
	cfg   config.Config
	bus   *logbus.Bus
	store *sqlite.Store

	closers []func()
}

// newApp 加载配置并把日志同时输出到 console 和 <logs.dir>/<logName>。
// 历史库打不开时只告警，购票本身不依赖它。
func newApp(ctx context.Context, opts *RootOptions, logName string, console io.Writer) (*app, error) {
	cfg, err := config.LoadOptional(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a := &app{cfg: cfg, bus: logbus.New(500)}

	if console != nil {
		a.closers = append(a.closers, a.bus.Tail(console))
	}
	if logName != "" {
		if err := os.MkdirAll(cfg.Logs.Dir, 0o755); err != nil {
			a.close()
			return nil, fmt.Errorf("create logs dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.Logs.Dir, logName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("open log file: %w", err)
		}
		stop := a.bus.Tail(f)
		a.closers = append(a.closers, func() {
			stop()
			_ = f.Close()
		})
	}

	st, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		a.bus.Log(logbus.LevelWarn, "无法打开历史数据库，本次不保存执行历史", map[string]any{
			"path":  cfg.Storage.SQLitePath,
			"error": err.Error(),
		})
	} else {
		a.store = st
		a.closers = append(a.closers, func() { _ = st.Close() })
	}
	return a, nil
}

// close 逆序释放资源；日志 sink 最先注册，最后关闭，保证收尾日志能写出去。
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	a.bus.Close()
}

// emailSettings 监控接口保存过的设置优先，其次是配置文件。
func (a *app) emailSettings(ctx context.Context) model.EmailSettings {
	if a.store != nil {
		if v, ok, err := a.store.GetEmailSettings(ctx); err == nil && ok {
			return v
		}
	}
	return notify.SettingsFromConfig(a.cfg.Notify.Email)
}

// notifier 邮件未启用时返回 nil。
func (a *app) notifier(ctx context.Context) *notify.EmailNotifier {
	settings := a.emailSettings(ctx)
	if !settings.Enabled {
		return nil
	}
	return notify.NewEmailNotifier(settings, notify.EmailOptions{Logger: a.bus})
}

// startMonitor 在后台启动监控接口，ctx 结束或 close 时关闭。addr 为空时不启动。
func (a *app) startMonitor(ctx context.Context, addr string, state *orchestrator.State, gate *resume.Gate) {
	if addr == "" {
		return
	}
	srv := httpapi.New(httpapi.Options{
		Cfg:   a.cfg,
		Bus:   a.bus,
		Store: a.store,
		State: state,
		Gate:  gate,
	})
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.bus.Log(logbus.LevelInfo, "监控接口已启动", map[string]any{"addr": addr, "continue": "http://" + addr + "/continue"})
		if err := srv.ListenAndServe(ctx, addr); err != nil {
			a.bus.Log(logbus.LevelError, "监控接口异常退出", map[string]any{"error": err.Error()})
		}
	}()
	// 后注册先关闭：监控接口停在日志 sink 之前。
	a.closers = append(a.closers, func() {
		cancel()
		<-done
	})
}
