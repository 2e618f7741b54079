// Package resume 处理验证码拦截：等待人工处理，判断浏览器停在哪一步，再从那一步继续。
package resume

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jokerjunya/ticket-get/internal/flow"
	"github.com/jokerjunya/ticket-get/internal/logbus"
	"github.com/jokerjunya/ticket-get/internal/notify"
)

var (
	ErrNoResumePoint = errors.New("current location matches no resumable step")
	ErrNotResumable  = errors.New("step is not resumable")
)

// Outcome 一次恢复的结果。
type Outcome struct {
	Signal      *flow.InterruptionSignal
	Location    string
	ResumedFrom flow.Step
	Resumed     bool
}

type Options struct {
	Logger   logbus.Logger
	Notifier notify.Notifier
	RunID    string
	// OnWaiting 开始/结束等待人工处理时回调，供监控接口展示状态。
	OnWaiting func(waiting bool)
}

type Controller struct {
	log       logbus.Logger
	notifier  notify.Notifier
	runID     string
	onWaiting func(bool)
}

func New(opts Options) *Controller {
	return &Controller{
		log:       logbus.OrNop(opts.Logger),
		notifier:  opts.Notifier,
		runID:     opts.RunID,
		onWaiting: opts.OnWaiting,
	}
}

// Classify 按步骤顺序取第一个 URL 片段匹配的步骤。
func Classify(table []flow.ResumePoint, location string) (flow.ResumePoint, bool) {
	for _, p := range table {
		if p.Marker != "" && strings.Contains(location, p.Marker) {
			return p, true
		}
	}
	return flow.ResumePoint{}, false
}

// Resume 等待人工处理后从当前位置继续。恢复后的失败原样返回，不会再次进入 Resume。
func (c *Controller) Resume(ctx context.Context, f *flow.Flow, sig *flow.InterruptionSignal, wait Signal) (Outcome, error) {
	out := Outcome{Signal: sig}
	c.log.Log(logbus.LevelWarn, "检测到验证码，请在浏览器中手动完成验证后按回车继续", map[string]any{
		"step":     sig.Step.String(),
		"location": sig.Location,
	})
	if c.notifier != nil {
		c.notifier.Notify(ctx, notify.Event{
			Kind:     notify.EventManualAction,
			At:       time.Now().UnixMilli(),
			RunID:    c.runID,
			Step:     sig.Step.String(),
			Location: sig.Location,
		})
	}

	if c.onWaiting != nil {
		c.onWaiting(true)
	}
	err := wait.Wait(ctx)
	if c.onWaiting != nil {
		c.onWaiting(false)
	}
	if err != nil {
		return out, fmt.Errorf("wait for manual action: %w", err)
	}

	loc, err := f.Session().CurrentURL(ctx)
	if err != nil {
		return out, fmt.Errorf("read current location: %w", err)
	}
	out.Location = loc

	point, ok := Classify(f.ResumeTable(), loc)
	if !ok {
		c.log.Log(logbus.LevelWarn, "无法判断当前所在步骤，放弃继续", map[string]any{"location": loc})
		return out, fmt.Errorf("%w: %s", ErrNoResumePoint, loc)
	}
	if !point.Resumable {
		c.log.Log(logbus.LevelWarn, "当前步骤不允许重复执行", map[string]any{"step": point.Step.String(), "location": loc})
		return out, fmt.Errorf("%w: %s", ErrNotResumable, point.Step)
	}

	c.log.Log(logbus.LevelInfo, "从当前步骤继续", map[string]any{"step": point.Step.String(), "location": loc})
	out.ResumedFrom = point.Step
	out.Resumed = true
	return out, f.RunFrom(ctx, point.Step)
}
