// Package orchestrator 串起一次完整的购票执行：记录、定时、浏览器、流程、人工恢复与收尾。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jokerjunya/ticket-get/internal/browser"
	"github.com/jokerjunya/ticket-get/internal/config"
	"github.com/jokerjunya/ticket-get/internal/flow"
	"github.com/jokerjunya/ticket-get/internal/logbus"
	"github.com/jokerjunya/ticket-get/internal/model"
	"github.com/jokerjunya/ticket-get/internal/notify"
	"github.com/jokerjunya/ticket-get/internal/resume"
	"github.com/jokerjunya/ticket-get/internal/runlog"
	"github.com/jokerjunya/ticket-get/internal/scheduler"
)

// SessionFactory 打开一个浏览器会话。
type SessionFactory func(ctx context.Context, headless bool, logger logbus.Logger) (browser.Session, error)

// RodSessions 返回基于 go-rod 的 SessionFactory。
func RodSessions(cfg config.BrowserConfig) SessionFactory {
	return func(ctx context.Context, headless bool, logger logbus.Logger) (browser.Session, error) {
		opts := browser.LaunchOptionsFromConfig(cfg, headless)
		opts.Logger = logger
		return browser.Launch(ctx, opts)
	}
}

// History 保存执行历史，*sqlite.Store 满足它。
type History interface {
	SaveRun(ctx context.Context, r model.RunSummary) (model.RunSummary, error)
}

// ClockSource 在定时等待前提供时钟，通常来自 TimeSync。
type ClockSource func(ctx context.Context) scheduler.Clock

// TimeSyncClock 启用时间同步时用服务器时差校正本地时钟，否则返回 nil。
func TimeSyncClock(cfg config.TimeSyncConfig, logger logbus.Logger) ClockSource {
	if !cfg.Enabled {
		return nil
	}
	ts := scheduler.NewTimeSync(cfg, logger)
	return ts.Clock
}

type Deps struct {
	Config     config.Config
	Logger     logbus.Logger
	NewSession SessionFactory
	History    History
	Notifier   notify.Notifier
	// Continue 验证码处理完成的信号；为 nil 时拦截即失败。
	Continue resume.Signal
	Clock    ClockSource
	State    *State

	// 以下用于测试。
	Now           func() time.Time
	SchedulerUnit time.Duration
	Sleep         func(ctx context.Context, d time.Duration) error
}

type Options struct {
	RequestPath string
	// Schedule 请求里有开售时间时先等到开售。
	Schedule bool
	Headless bool
	DryRun   bool
}

type Result struct {
	RunID       string
	RecordPath  string
	Status      model.RunStatus
	Err         error
	Screenshot  string
	ResumedFrom string
	Summary     model.RunSummary
	// Session 有头模式下保持打开的浏览器，由调用方负责关闭。
	Session browser.Session
}

func (r Result) ExitCode() int {
	if r.Status == model.RunSuccess {
		return 0
	}
	return 1
}

type Runner struct {
	deps Deps
	log  logbus.Logger
}

func NewRunner(deps Deps) *Runner {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewSession == nil {
		deps.NewSession = RodSessions(deps.Config.Browser)
	}
	return &Runner{deps: deps, log: logbus.OrNop(deps.Logger)}
}

// run 是一次执行过程中的可变状态，只在 Run 内使用。
type run struct {
	opts    Options
	rec     *runlog.Recorder
	log     logbus.Logger
	req     model.PurchaseRequest
	url     string
	session browser.Session
	resumed string
	started time.Time
}

// Run 执行一次购票。无论成功、失败还是 panic，Run Record 都会写入唯一的 STATUS 和 END。
// 返回的 error 与 Result.Err 相同。
func (r *Runner) Run(ctx context.Context, opts Options) (res Result, err error) {
	prefix := runlog.PrefixPurchase
	if opts.DryRun {
		prefix = runlog.PrefixDryRun
	}
	rec, err := runlog.Open(runlog.Options{
		Dir:    r.deps.Config.Logs.Dir,
		Prefix: prefix,
		Now:    r.deps.Now,
		Logger: r.deps.Logger,
	})
	if err != nil {
		r.log.Log(logbus.LevelError, "无法创建执行记录", map[string]any{"dir": r.deps.Config.Logs.Dir, "error": err.Error()})
		err = fmt.Errorf("open run record: %w", err)
		return Result{Status: model.RunFailed, Err: err}, err
	}

	st := &run{opts: opts, rec: rec, log: rec.Logger(), started: r.deps.Now()}
	r.deps.State.begin(rec.ID(), opts.RequestPath, st.started)
	st.log.Log(logbus.LevelInfo, "开始执行", map[string]any{
		"request":  opts.RequestPath,
		"headless": opts.Headless,
		"dryRun":   opts.DryRun,
	})

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		res = r.finalize(ctx, st, err)
		err = res.Err
	}()

	return Result{}, r.execute(ctx, st)
}

func (r *Runner) execute(ctx context.Context, st *run) error {
	req, err := model.LoadPurchaseRequest(st.opts.RequestPath)
	if err != nil {
		st.log.Log(logbus.LevelError, "读取购票请求失败", map[string]any{"error": err.Error()})
		return err
	}
	st.req = req
	st.url = req.URL
	st.rec.URL(req.URL)

	if st.opts.Schedule {
		if err := r.waitForSale(ctx, st); err != nil {
			return err
		}
	}

	session, err := r.deps.NewSession(ctx, st.opts.Headless, st.log)
	if err != nil {
		return fmt.Errorf("open browser session: %w", err)
	}
	st.session = session

	f := flow.New(flow.Options{
		Session:        session,
		Request:        req,
		Config:         r.deps.Config,
		Logger:         st.log,
		DryRun:         st.opts.DryRun,
		DiagnosticsDir: r.deps.Config.Logs.Dir,
		RunID:          st.rec.ID(),
		Sleep:          r.deps.Sleep,
		Hooks: flow.Hooks{
			StepStarted: func(s flow.Step) { r.deps.State.setStep(s.String()) },
			SalePage: func(u string) {
				if u != st.url {
					st.url = u
					st.rec.URL(u)
				}
			},
		},
	})

	err = f.Run(ctx)
	sig, interrupted := flow.AsInterruption(err)
	if !interrupted {
		return err
	}
	if r.deps.Continue == nil {
		st.log.Log(logbus.LevelWarn, "没有可用的继续信号，无法人工处理验证码", nil)
		return err
	}
	ctrl := resume.New(resume.Options{
		Logger:    st.log,
		Notifier:  r.deps.Notifier,
		RunID:     st.rec.ID(),
		OnWaiting: r.deps.State.setWaiting,
	})
	out, err := ctrl.Resume(ctx, f, sig, r.deps.Continue)
	if out.Resumed {
		st.resumed = out.ResumedFrom.String()
	}
	return err
}

// waitForSale 等到开售时间。中断时直接返回 ctx 的错误，收尾照常写入 END。
func (r *Runner) waitForSale(ctx context.Context, st *run) error {
	target, ok, err := st.req.SaleStart(time.Local)
	if err != nil || !ok {
		st.log.Log(logbus.LevelInfo, "未设置开售时间，立即执行", nil)
		return nil
	}
	var clock scheduler.Clock = scheduler.SystemClock{}
	if r.deps.Clock != nil {
		clock = r.deps.Clock(ctx)
	}
	r.deps.State.setPhase(PhaseScheduled)
	sched := scheduler.New(scheduler.Options{Clock: clock, Logger: st.log, Unit: r.deps.SchedulerUnit})
	if err := sched.WaitContext(ctx, target); err != nil {
		return fmt.Errorf("wait for sale start: %w", err)
	}
	r.deps.State.setPhase(PhaseRunning)
	return nil
}

// finalize 依次：截图、写 STATUS/ERROR/END、保存历史、发送通知、无头模式下关闭浏览器。
func (r *Runner) finalize(ctx context.Context, st *run, runErr error) Result {
	r.deps.State.setPhase(PhaseFinalizing)
	defer r.deps.State.setPhase(PhaseDone)

	status := model.RunSuccess
	if runErr != nil {
		status = model.RunFailed
	}
	// 收尾不受调用方取消影响。
	fctx := context.WithoutCancel(ctx)

	res := Result{
		RunID:       st.rec.ID(),
		RecordPath:  st.rec.Path(),
		Status:      status,
		Err:         runErr,
		ResumedFrom: st.resumed,
	}

	if st.session != nil {
		shot := filepath.Join(r.deps.Config.Logs.Dir, st.rec.ID()+".png")
		if err := st.session.Screenshot(fctx, shot); err != nil {
			st.log.Log(logbus.LevelWarn, "保存最终截图失败", map[string]any{"error": err.Error()})
		} else {
			res.Screenshot = shot
		}
	}

	st.rec.Status(status)
	if runErr != nil {
		st.rec.Error(runErr.Error())
		st.log.Log(logbus.LevelError, "执行失败", map[string]any{"error": runErr.Error()})
	} else {
		st.log.Log(logbus.LevelInfo, "执行成功", nil)
	}
	if err := st.rec.End(); err != nil {
		st.log.Log(logbus.LevelWarn, "写入执行记录失败", map[string]any{"error": err.Error()})
	}

	res.Summary = model.RunSummary{
		ID:          st.rec.ID(),
		RequestPath: st.opts.RequestPath,
		URL:         st.url,
		Status:      status,
		LogFile:     st.rec.Path(),
		Screenshot:  res.Screenshot,
		ResumedFrom: st.resumed,
		DryRun:      st.opts.DryRun,
		StartedAt:   st.started,
		EndedAt:     r.deps.Now(),
	}
	if runErr != nil {
		res.Summary.Error = runErr.Error()
	}
	if r.deps.History != nil {
		if _, err := r.deps.History.SaveRun(fctx, res.Summary); err != nil {
			st.log.Log(logbus.LevelWarn, "保存执行历史失败", map[string]any{"error": err.Error()})
		}
	}
	if r.deps.Notifier != nil {
		r.deps.Notifier.Notify(fctx, notify.Event{
			Kind:        notify.EventRunFinished,
			At:          res.Summary.EndedAt.UnixMilli(),
			RunID:       res.RunID,
			RequestPath: st.opts.RequestPath,
			URL:         st.url,
			Status:      string(status),
			Error:       res.Summary.Error,
			Screenshot:  res.Screenshot,
			DryRun:      st.opts.DryRun,
		})
	}

	if st.session != nil {
		if st.opts.Headless {
			if err := st.session.Close(); err != nil {
				st.log.Log(logbus.LevelWarn, "关闭浏览器失败", map[string]any{"error": err.Error()})
			}
		} else {
			st.log.Log(logbus.LevelInfo, "浏览器保持打开，关闭浏览器或按 Ctrl+C 结束", nil)
			res.Session = st.session
		}
	}
	return res
}

// IsRequestError 判断失败是否发生在读取购票请求阶段。
func IsRequestError(err error) bool {
	var le *model.RequestLoadError
	return errors.As(err, &le)
}
