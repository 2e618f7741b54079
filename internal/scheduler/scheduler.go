package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jokerjunya/ticket-get/internal/logbus"
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// OffsetClock 在本地时间上叠加与服务器的时差。
type OffsetClock struct {
	Base   Clock
	Offset time.Duration
}

func (c OffsetClock) Now() time.Time {
	base := c.Base
	if base == nil {
		base = SystemClock{}
	}
	return base.Now().Add(c.Offset)
}

const (
	// 以下阈值均以 Unit 为单位。
	coarseEvery      = 60
	coarseMinInitial = 300
	fineBelow        = 60
	fineEvery        = 10
)

type Options struct {
	Clock  Clock
	Logger logbus.Logger
	// Unit 进度汇报的时间单位，默认 1 秒。
	Unit time.Duration
}

type Scheduler struct {
	clock Clock
	log   logbus.Logger
	unit  time.Duration
}

func New(opts Options) *Scheduler {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	unit := opts.Unit
	if unit <= 0 {
		unit = time.Second
	}
	return &Scheduler{clock: clock, log: logbus.OrNop(opts.Logger), unit: unit}
}

// WaitUntil 阻塞到 target 后调用 release 一次；target 已过则立即调用。
// 等待期间的进度汇报由独立 goroutine 完成，只写日志，不影响放行时刻。
func (s *Scheduler) WaitUntil(target time.Time, release func()) {
	remaining := target.Sub(s.clock.Now())
	if remaining <= 0 {
		s.log.Log(logbus.LevelInfo, "开售时间已过，立即执行", map[string]any{
			"target": target.Format(time.RFC3339Nano),
		})
		release()
		return
	}

	s.log.Log(logbus.LevelInfo, "等待开售", map[string]any{
		"target":    target.Format(time.RFC3339Nano),
		"remaining": s.describe(remaining),
	})

	deadline := time.Now().Add(remaining)
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.report(deadline, s.marks(remaining), stop)
	}()

	<-timer.C
	close(stop)
	wg.Wait()

	s.log.Log(logbus.LevelInfo, "到达开售时间", map[string]any{"target": target.Format(time.RFC3339Nano)})
	release()
}

// WaitContext 在后台执行 WaitUntil，ctx 先结束时立即返回 ctx.Err()。
// 放行计时器本身不会被取消，调用方不再等待它而已。
func (s *Scheduler) WaitContext(ctx context.Context, target time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	released := make(chan struct{})
	go s.WaitUntil(target, func() { close(released) })
	select {
	case <-released:
		return nil
	case <-ctx.Done():
		s.log.Log(logbus.LevelWarn, "等待开售被中断", map[string]any{
			"target": target.Format(time.RFC3339Nano),
			"error":  ctx.Err().Error(),
		})
		return ctx.Err()
	}
}

// marks 返回需要汇报进度时的剩余时长，按从大到小排列。
func (s *Scheduler) marks(initial time.Duration) []time.Duration {
	var out []time.Duration
	if initial > coarseMinInitial*s.unit {
		for r := initial - coarseEvery*s.unit; r > fineBelow*s.unit; r -= coarseEvery * s.unit {
			out = append(out, r)
		}
	}
	for r := time.Duration(fineBelow) * s.unit; r >= fineEvery*s.unit; r -= fineEvery * s.unit {
		if r < initial {
			out = append(out, r)
		}
	}
	return out
}

func (s *Scheduler) report(deadline time.Time, marks []time.Duration, stop <-chan struct{}) {
	for _, mark := range marks {
		wait := time.Until(deadline.Add(-mark))
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-stop:
				t.Stop()
				return
			case <-t.C:
			}
		}
		select {
		case <-stop:
			return
		default:
		}
		s.log.Log(logbus.LevelInfo, "距离开售还有 "+s.describe(mark), map[string]any{
			"progress":  true,
			"remaining": s.describe(mark),
		})
	}
}

func (s *Scheduler) describe(d time.Duration) string {
	return d.Round(s.unit).String()
}
