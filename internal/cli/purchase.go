package cli

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jokerjunya/ticket-get/internal/logbus"
	"github.com/jokerjunya/ticket-get/internal/orchestrator"
	"github.com/jokerjunya/ticket-get/internal/resume"
)

const defaultRequestPath = "purchase-info.json"

type PurchaseOptions struct {
	*RootOptions
	Headless bool
	DryRun   bool
	Schedule bool
	Monitor  string
	// StdinContinue 为 false 时不从终端读取继续信号（批量调度的子进程没有终端）。
	StdinContinue bool
}

func NewPurchaseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurchaseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purchase [request.json]",
		Short: "执行一次购票",
		Long: `按购票请求文件执行一次完整的购票流程，默认读取 purchase-info.json。

有头模式下结束后浏览器保持打开，关闭浏览器或按 Ctrl+C 退出。
退出码：成功为 0，失败为 1。

Example:
  ticket-get purchase purchase-info.json --schedule
  ticket-get purchase --dry-run --headless=false`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultRequestPath
			if len(args) == 1 {
				path = args[0]
			}
			return runPurchase(cmd.Context(), opts, path, cmd.Flags().Changed("headless"))
		},
	}

	cmd.Flags().BoolVar(&opts.Headless, "headless", true, "run the browser headless (defaults to browser.headless in config)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "stop before clicking the final apply button")
	cmd.Flags().BoolVar(&opts.Schedule, "schedule", false, "wait until saleStartTime before starting")
	cmd.Flags().StringVar(&opts.Monitor, "monitor", "", "serve the monitor API on this address, e.g. 127.0.0.1:8090")
	cmd.Flags().BoolVar(&opts.StdinContinue, "stdin-continue", true, "press Enter in the terminal to continue after a captcha")
	return cmd
}

func runPurchase(ctx context.Context, opts *PurchaseOptions, requestPath string, headlessSet bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, opts.RootOptions, purchaseLogName, os.Stdout)
	if err != nil {
		return err
	}
	defer a.close()

	headless := a.cfg.Browser.Headless
	if headlessSet {
		headless = opts.Headless
	}

	state := orchestrator.NewState()
	gate := resume.NewGate()
	a.startMonitor(ctx, opts.Monitor, state, gate)

	deps := orchestrator.Deps{
		Config:   a.cfg,
		Logger:   a.bus,
		State:    state,
		Continue: continueSignal(opts, gate),
		Clock:    orchestrator.TimeSyncClock(a.cfg.TimeSync, a.bus),
	}
	if a.store != nil {
		deps.History = a.store
	}
	if n := a.notifier(ctx); n != nil {
		deps.Notifier = n
		defer func() {
			// 等待合并中的通知发出。
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = n.Close(closeCtx)
		}()
	}

	res, _ := orchestrator.NewRunner(deps).Run(ctx, orchestrator.Options{
		RequestPath: requestPath,
		Schedule:    opts.Schedule,
		Headless:    headless,
		DryRun:      opts.DryRun,
	})

	if res.Session != nil {
		waitAttended(ctx, a.bus, res.Session)
	}
	a.bus.Log(logbus.LevelInfo, "执行结束", map[string]any{
		"runId":  res.RunID,
		"status": string(res.Status),
		"record": res.RecordPath,
	})
	if code := res.ExitCode(); code != ExitSuccess {
		return &ExitError{Code: code}
	}
	return nil
}

// continueSignal 终端回车与监控接口任一到达即继续；两者都没有时返回 nil，验证码即失败。
func continueSignal(opts *PurchaseOptions, gate *resume.Gate) resume.Signal {
	var signals []resume.Signal
	if opts.StdinContinue {
		signals = append(signals, resume.NewLineSignal(os.Stdin))
	}
	if opts.Monitor != "" {
		signals = append(signals, gate)
	}
	if len(signals) == 0 {
		return nil
	}
	return resume.FirstOf(signals...)
}

// closeWaiter 是可以等待用户手动关闭的浏览器会话。
type closeWaiter interface {
	WaitClosed(ctx context.Context) error
}

// waitAttended 有头模式下保留浏览器，直到用户关闭它或中断进程。
func waitAttended(ctx context.Context, log logbus.Logger, s interface{ Close() error }) {
	if w, ok := s.(closeWaiter); ok {
		if err := w.WaitClosed(ctx); err == nil {
			// 用户已关闭浏览器，这里只回收启动器进程。
			_ = s.Close()
			return
		}
	}
	if err := s.Close(); err != nil {
		log.Log(logbus.LevelWarn, "关闭浏览器失败", map[string]any{"error": err.Error()})
	}
}
