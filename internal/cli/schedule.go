package cli

import (
	"context"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jokerjunya/ticket-get/internal/dispatch"
	"github.com/jokerjunya/ticket-get/internal/logbus"
	"github.com/jokerjunya/ticket-get/internal/model"
	"github.com/jokerjunya/ticket-get/internal/orchestrator"
	"github.com/jokerjunya/ticket-get/internal/scheduler"
)

type ScheduleOptions struct {
	*RootOptions
	Dir      string
	Headless bool
	DryRun   bool
}

func NewScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScheduleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schedule [request.json...]",
		Short: "按各自的开售时间批量执行购票",
		Long: `为每个购票请求安排一个任务，到开售时间后以独立子进程执行 purchase。

未指定文件时按 dispatch.pattern 在 --dir 下查找（默认 purchase-info*.json）。
没有开售时间的请求会被跳过。任一子进程失败时退出码为 1。

Example:
  ticket-get schedule
  ticket-get schedule a.json b.json --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var extra []string
			if cmd.Flags().Changed("headless") {
				extra = append(extra, "--headless="+strconv.FormatBool(opts.Headless))
			}
			return runSchedule(cmd.Context(), opts, args, extra)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", ".", "directory searched when no files are given")
	cmd.Flags().BoolVar(&opts.Headless, "headless", true, "passed to each purchase process")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "passed to each purchase process")
	return cmd
}

func runSchedule(ctx context.Context, opts *ScheduleOptions, files, extra []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, opts.RootOptions, schedulerLogName, os.Stdout)
	if err != nil {
		return err
	}
	defer a.close()

	paths, err := dispatch.ResolveRequests(opts.Dir, a.cfg.Dispatch.Pattern, files)
	if err != nil {
		a.bus.Log(logbus.LevelError, "没有找到购票请求文件", map[string]any{"dir": opts.Dir, "pattern": a.cfg.Dispatch.Pattern})
		return &ExitError{Code: ExitFailure, Err: err}
	}

	args := append([]string{"--config", opts.ConfigPath, "--stdin-continue=false", "--schedule=false"}, extra...)
	if opts.DryRun {
		args = append(args, "--dry-run")
	}

	var clock scheduler.Clock
	if src := orchestrator.TimeSyncClock(a.cfg.TimeSync, a.bus); src != nil {
		clock = src(ctx)
	}
	dopts := dispatch.Options{
		Config:  a.cfg.Dispatch,
		Logger:  a.bus,
		Command: dispatch.SelfCommand(args...),
		Clock:   clock,
	}
	if a.store != nil {
		dopts.Store = a.store
	}

	jobs, err := dispatch.New(dopts).Run(ctx, paths)
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}
	if ctx.Err() != nil {
		a.bus.Log(logbus.LevelWarn, "批量任务被中断", nil)
		return &ExitError{Code: ExitFailure, Err: ctx.Err()}
	}
	if !allSucceeded(jobs) {
		return &ExitError{Code: ExitFailure}
	}
	return nil
}

// allSucceeded 跳过的请求不算失败。
func allSucceeded(jobs []model.Job) bool {
	for _, j := range jobs {
		if j.State == model.JobFailed || (j.State == model.JobExited && j.ExitCode != 0) {
			return false
		}
	}
	return true
}
