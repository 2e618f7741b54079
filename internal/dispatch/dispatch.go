// Package dispatch 批量调度：每个购票请求在自己的开售时刻以独立子进程执行。
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jokerjunya/ticket-get/internal/config"
	"github.com/jokerjunya/ticket-get/internal/logbus"
	"github.com/jokerjunya/ticket-get/internal/model"
	"github.com/jokerjunya/ticket-get/internal/scheduler"
)

// JobStore 持久化任务状态，*sqlite.Store 满足它。
type JobStore interface {
	CreateJob(ctx context.Context, j model.Job) (model.Job, error)
	UpdateJob(ctx context.Context, j model.Job) (model.Job, error)
}

// CommandFunc 为一个请求文件构造子进程命令。
type CommandFunc func(requestPath string) (*exec.Cmd, error)

// SelfCommand 以当前可执行文件运行 `purchase <file>`，args 追加在文件名之后。
func SelfCommand(args ...string) CommandFunc {
	return func(requestPath string) (*exec.Cmd, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		argv := append([]string{"purchase", requestPath}, args...)
		return exec.Command(exe, argv...), nil
	}
}

type Options struct {
	Config  config.DispatchConfig
	Logger  logbus.Logger
	Store   JobStore
	Command CommandFunc
	Clock   scheduler.Clock
	// Unit 调度器进度汇报的单位，测试时可调小。
	Unit time.Duration
}

type Dispatcher struct {
	log     logbus.Logger
	store   JobStore
	command CommandFunc
	sched   *scheduler.Scheduler
	limiter *rate.Limiter

	mu   sync.Mutex
	jobs map[string]*model.Job
	wg   sync.WaitGroup
}

func New(opts Options) *Dispatcher {
	qps := opts.Config.LaunchQPS
	if qps <= 0 {
		qps = 2
	}
	burst := opts.Config.LaunchBurst
	if burst <= 0 {
		burst = 1
	}
	command := opts.Command
	if command == nil {
		command = SelfCommand()
	}
	log := logbus.OrNop(opts.Logger)
	return &Dispatcher{
		log:     log,
		store:   opts.Store,
		command: command,
		sched:   scheduler.New(scheduler.Options{Clock: opts.Clock, Logger: log, Unit: opts.Unit}),
		limiter: rate.NewLimiter(rate.Limit(qps), burst),
		jobs:    make(map[string]*model.Job),
	}
}

// ResolveRequests 展开显式路径；未给路径时按 pattern 在 dir 下匹配。结果去重并排序。
func ResolveRequests(dir, pattern string, paths []string) ([]string, error) {
	var out []string
	if len(paths) == 0 {
		if strings.TrimSpace(pattern) == "" {
			pattern = "purchase-info*.json"
		}
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		out = matches
	} else {
		for _, p := range paths {
			matches, err := filepath.Glob(p)
			if err != nil {
				return nil, err
			}
			if len(matches) == 0 {
				// 不含通配符的路径原样保留，由加载阶段报告错误。
				matches = []string{p}
			}
			out = append(out, matches...)
		}
	}
	seen := make(map[string]bool, len(out))
	uniq := out[:0]
	for _, p := range out {
		if !seen[p] {
			seen[p] = true
			uniq = append(uniq, p)
		}
	}
	sort.Strings(uniq)
	if len(uniq) == 0 {
		return nil, errors.New("no purchase request files found")
	}
	return uniq, nil
}

// Run 为每个请求建任务并等待全部子进程结束，返回各任务的最终状态（按开售时间排序）。
func (d *Dispatcher) Run(ctx context.Context, paths []string) ([]model.Job, error) {
	if len(paths) == 0 {
		return nil, errors.New("no purchase requests")
	}
	d.log.Log(logbus.LevelInfo, "批量调度开始", map[string]any{"count": len(paths)})

	for _, p := range paths {
		job := model.Job{RequestPath: p, State: model.JobPending}
		req, err := model.LoadPurchaseRequest(p)
		var target time.Time
		if err == nil {
			var ok bool
			target, ok, err = req.SaleStart(time.Local)
			if err == nil && !ok {
				err = errors.New("saleStartTime is not set")
			}
		}
		if err != nil {
			job.State = model.JobSkipped
			job.Error = err.Error()
			d.log.Log(logbus.LevelWarn, "跳过购票请求", map[string]any{"request": p, "error": err.Error()})
			d.track(ctx, job, true)
			continue
		}
		job.SaleStartMs = target.UnixMilli()
		j := d.track(ctx, job, true)
		d.log.Log(logbus.LevelInfo, "已安排购票任务", map[string]any{
			"job":       j.ID,
			"request":   p,
			"saleStart": target.Format(time.RFC3339),
		})

		d.wg.Add(1)
		go func(j model.Job, target time.Time) {
			defer d.wg.Done()
			d.runJob(ctx, j, target)
		}(j, target)
	}

	d.wg.Wait()
	jobs := d.Jobs()
	d.log.Log(logbus.LevelInfo, "批量调度结束", map[string]any{"count": len(jobs)})
	return jobs, nil
}

// Jobs 返回当前全部任务的快照。
func (d *Dispatcher) Jobs() []model.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Job, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].SaleStartMs != out[b].SaleStartMs {
			return out[a].SaleStartMs < out[b].SaleStartMs
		}
		return out[a].RequestPath < out[b].RequestPath
	})
	return out
}

func (d *Dispatcher) runJob(ctx context.Context, job model.Job, target time.Time) {
	log := logbus.With(d.log, map[string]any{"job": job.ID, "request": job.RequestPath})
	err := d.sched.WaitContext(ctx, target)
	if err == nil {
		err = d.limiter.Wait(ctx)
	}
	if err != nil {
		job.State = model.JobSkipped
		job.Error = err.Error()
		log.Log(logbus.LevelWarn, "任务未启动即被取消", map[string]any{"error": err.Error()})
		d.track(ctx, job, false)
		return
	}

	var relays *sync.WaitGroup
	cmd, err := d.command(job.RequestPath)
	if err == nil {
		relays, err = start(cmd, log)
	}
	if err != nil {
		job.State = model.JobFailed
		job.Error = err.Error()
		log.Log(logbus.LevelError, "启动购票进程失败", map[string]any{"error": err.Error()})
		d.track(ctx, job, false)
		return
	}
	job.State = model.JobLaunched
	job.PID = cmd.Process.Pid
	d.track(ctx, job, false)
	log.Log(logbus.LevelInfo, "购票进程已启动", map[string]any{"pid": job.PID})

	// 先读完输出再 Wait，否则管道可能被提前关闭。
	relays.Wait()
	err = cmd.Wait()
	job.State = model.JobExited
	job.ExitCode = cmd.ProcessState.ExitCode()
	if err != nil {
		job.Error = err.Error()
	}
	level := logbus.LevelInfo
	if job.ExitCode != 0 {
		level = logbus.LevelWarn
	}
	log.Log(level, "购票进程已退出", map[string]any{"pid": job.PID, "exitCode": job.ExitCode})
	d.track(ctx, job, false)
}

// start 启动子进程并把它的输出逐行转发到日志。
func start(cmd *exec.Cmd, log logbus.Logger) (*sync.WaitGroup, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	relays := &sync.WaitGroup{}
	relays.Add(2)
	go relay(relays, stdout, log, logbus.LevelInfo, "[PURCHASE] ")
	go relay(relays, stderr, log, logbus.LevelError, "[PURCHASE ERROR] ")
	return relays, nil
}

func relay(wg *sync.WaitGroup, r io.Reader, log logbus.Logger, level, prefix string) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		log.Log(level, prefix+line, nil)
	}
}

// track 更新内存中的任务，并在有 store 时落库。create 为 true 时新建。
func (d *Dispatcher) track(ctx context.Context, job model.Job, create bool) model.Job {
	if d.store != nil {
		var (
			saved model.Job
			err   error
		)
		if create {
			saved, err = d.store.CreateJob(context.WithoutCancel(ctx), job)
		} else {
			saved, err = d.store.UpdateJob(context.WithoutCancel(ctx), job)
		}
		if err != nil {
			d.log.Log(logbus.LevelWarn, "保存任务失败", map[string]any{"request": job.RequestPath, "error": err.Error()})
		} else {
			job = saved
		}
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	d.mu.Lock()
	cp := job
	d.jobs[job.ID] = &cp
	d.mu.Unlock()
	return job
}
