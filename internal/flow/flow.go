package flow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jokerjunya/ticket-get/internal/browser"
	"github.com/jokerjunya/ticket-get/internal/config"
	"github.com/jokerjunya/ticket-get/internal/logbus"
	"github.com/jokerjunya/ticket-get/internal/model"
)

type Hooks struct {
	StepStarted  func(Step)
	StepFinished func(Step, error)
	// SalePage 购票页加载完成后回调实际所在的 URL。
	SalePage func(url string)
}

type Options struct {
	Session browser.Session
	Request model.PurchaseRequest
	Config  config.Config
	Logger  logbus.Logger
	// DryRun 走到确认页为止，不点击最终的申请按钮。
	DryRun bool
	// DiagnosticsDir/RunID 决定选座失败时诊断截图的位置。
	DiagnosticsDir string
	RunID          string
	Hooks          Hooks
	// Sleep 默认使用可被 ctx 取消的计时器。
	Sleep func(ctx context.Context, d time.Duration) error
}

// Definition 描述一个步骤：入口等待的元素、人工处理后用于判断位置的 URL 片段、以及执行体。
type Definition struct {
	Step         Step
	Entry        string
	EntryTimeout time.Duration
	// ResumeMarkers 为空的步骤不参与恢复分类。
	ResumeMarkers []string
	run           func(context.Context) error
}

// ResumePoint 恢复分类表的一行。
type ResumePoint struct {
	Step      Step
	Marker    string
	Resumable bool
}

// Flow 购票状态机。同一时刻只有一个步骤在执行。
type Flow struct {
	s     browser.Session
	req   model.PurchaseRequest
	cfg   config.Config
	log   logbus.Logger
	dry   bool
	diag  string
	runID string
	hooks Hooks
	sleep func(context.Context, time.Duration) error
	defs  []Definition

	mu             sync.Mutex
	running        bool
	applyAttempted bool
	saleReloads    int
	saleAcquired   bool
}

func New(opts Options) *Flow {
	f := &Flow{
		s:     opts.Session,
		req:   opts.Request,
		cfg:   opts.Config,
		log:   logbus.OrNop(opts.Logger),
		dry:   opts.DryRun,
		diag:  opts.DiagnosticsDir,
		runID: opts.RunID,
		hooks: opts.Hooks,
		sleep: opts.Sleep,
	}
	if f.sleep == nil {
		f.sleep = sleepCtx
	}
	sel := f.cfg.Flow.Selectors
	resume := f.cfg.Flow.Resume
	stepTimeout := f.cfg.Flow.StepTimeout()
	// 购票页的 url 归到选座：开售页拿到之后停在购票页，从选座继续而不是重新打开。
	f.defs = []Definition{
		{Step: Login, Entry: sel.LoginEmail, EntryTimeout: stepTimeout, ResumeMarkers: []string{resume.Login}, run: f.login},
		{Step: AcquireSalePage, run: f.acquireSalePage},
		{Step: SelectTicket, Entry: sel.SeatRegion, EntryTimeout: f.cfg.Flow.SeatTimeout(), ResumeMarkers: []string{f.req.URL, resume.Select}, run: f.selectTicket},
		{Step: EnterPurchaserInfo, Entry: sel.Name, EntryTimeout: stepTimeout, ResumeMarkers: []string{resume.Info}, run: f.enterPurchaserInfo},
		{Step: SelectPaymentAndDelivery, Entry: sel.PaymentRegion, EntryTimeout: stepTimeout, ResumeMarkers: []string{resume.Payment}, run: f.selectPaymentAndDelivery},
		{Step: Submit, Entry: sel.Confirm, EntryTimeout: stepTimeout, ResumeMarkers: []string{resume.Confirm}, run: f.submit},
	}
	return f
}

func (f *Flow) Session() browser.Session {
	return f.s
}

func (f *Flow) Definitions() []Definition {
	return append([]Definition(nil), f.defs...)
}

// ResumeTable 按步骤顺序返回恢复分类表，一个 URL 片段一行。已点击过申请按钮后 Submit 不再可恢复。
func (f *Flow) ResumeTable() []ResumePoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ResumePoint
	for _, d := range f.defs {
		for _, m := range d.ResumeMarkers {
			step := d.Step
			// 开售页还没拿到时被拦截，停在购票页也要从 AcquireSalePage 重来。
			if m == f.req.URL && !f.saleAcquired {
				step = AcquireSalePage
			}
			out = append(out, ResumePoint{
				Step:      step,
				Marker:    m,
				Resumable: d.Step != Submit || !f.applyAttempted,
			})
		}
	}
	return out
}

func (f *Flow) ApplyAttempted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applyAttempted
}

// SaleReloads 最近一次 AcquireSalePage 的刷新次数。
func (f *Flow) SaleReloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saleReloads
}

func (f *Flow) Run(ctx context.Context) error {
	return f.RunFrom(ctx, Login)
}

// RunFrom 从 from 开始依次执行剩余步骤，遇到第一个错误即返回 *StepError。
func (f *Flow) RunFrom(ctx context.Context, from Step) error {
	if !from.Valid() {
		return fmt.Errorf("invalid step %d", int(from))
	}
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return errors.New("flow is already running")
	}
	f.running = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
	}()

	for _, def := range f.defs[from:] {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: def.Step, Err: err}
		}
		if f.hooks.StepStarted != nil {
			f.hooks.StepStarted(def.Step)
		}
		f.log.Log(logbus.LevelInfo, "开始步骤", map[string]any{"step": def.Step.String()})

		err := def.run(ctx)
		if err != nil {
			err = f.classify(ctx, def.Step, err)
		}
		if f.hooks.StepFinished != nil {
			f.hooks.StepFinished(def.Step, err)
		}
		if err != nil {
			return &StepError{Step: def.Step, Err: err}
		}
	}
	f.log.Log(logbus.LevelInfo, "购票流程完成", map[string]any{"dryRun": f.dry})
	return nil
}

// classify 元素缺失或跳转超时时检查页面是否被验证码拦截。
func (f *Flow) classify(ctx context.Context, step Step, err error) error {
	if _, ok := AsInterruption(err); ok {
		return err
	}
	var pre *StepPreconditionError
	var nav *NavigationTimeoutError
	if !errors.As(err, &pre) && !errors.As(err, &nav) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	if f.challengePresent(ctx) {
		return f.interruption(ctx, step)
	}
	return err
}

func (f *Flow) interruption(ctx context.Context, step Step) *InterruptionSignal {
	loc, _ := f.s.CurrentURL(ctx)
	f.log.Log(logbus.LevelWarn, "检测到验证码", map[string]any{"step": step.String(), "url": loc})
	return &InterruptionSignal{Kind: InterruptCaptcha, Step: step, Location: loc}
}

func (f *Flow) challengePresent(ctx context.Context) bool {
	content, err := f.s.Content(ctx)
	if err != nil {
		return false
	}
	return containsAny(content, f.cfg.Flow.Markers.Challenge)
}

// enter 等待步骤的入口元素出现。
func (f *Flow) enter(ctx context.Context, step Step) error {
	def := f.defs[step]
	if def.Entry == "" {
		return nil
	}
	if err := f.s.WaitFor(ctx, def.Entry, def.EntryTimeout); err != nil {
		return wrapBrowserErr(step, def.Entry, err)
	}
	return nil
}

func (f *Flow) login(ctx context.Context) error {
	sel := f.cfg.Flow.Selectors
	loginURL := f.cfg.Site.LoginURL
	if _, err := f.s.Navigate(ctx, loginURL); err != nil {
		return wrapBrowserErr(Login, "", err)
	}
	if err := f.enter(ctx, Login); err != nil {
		return err
	}
	if err := f.s.Type(ctx, sel.LoginEmail, f.req.Email); err != nil {
		return wrapBrowserErr(Login, sel.LoginEmail, err)
	}
	if err := f.s.Type(ctx, sel.LoginPassword, f.req.Password); err != nil {
		return wrapBrowserErr(Login, sel.LoginPassword, err)
	}
	if err := f.s.ClickAndWait(ctx, sel.LoginSubmit); err != nil {
		return wrapBrowserErr(Login, sel.LoginSubmit, err)
	}
	if err := f.s.WaitFor(ctx, sel.LoginMarker, f.cfg.Flow.LoginMarkerTimeout()); err != nil {
		if f.challengePresent(ctx) {
			return f.interruption(ctx, Login)
		}
		return &AuthenticationError{Err: err}
	}
	f.log.Log(logbus.LevelInfo, "登录成功", nil)
	return nil
}

func (f *Flow) acquireSalePage(ctx context.Context) error {
	retry := f.cfg.Flow.SaleRetry
	status, err := f.s.Navigate(ctx, f.req.URL)
	if err != nil {
		return wrapBrowserErr(AcquireSalePage, "", err)
	}
	if status >= 500 {
		return &ServerStatusError{URL: f.req.URL, Status: status}
	}

	reloads := 0
	defer func() {
		f.mu.Lock()
		f.saleReloads = reloads
		f.mu.Unlock()
	}()
	for {
		content, err := f.s.Content(ctx)
		if err != nil {
			return err
		}
		if containsAny(content, f.cfg.Flow.Markers.Challenge) {
			return f.interruption(ctx, AcquireSalePage)
		}
		if !containsAny(content, f.cfg.Flow.Markers.NotOnSale) {
			break
		}
		if reloads >= retry.Max {
			return &SaleNotYetOpenError{URL: f.req.URL, Attempts: reloads}
		}
		f.log.Log(logbus.LevelWarn, "尚未开售，稍后刷新", map[string]any{
			"attempt": reloads + 1,
			"max":     retry.Max,
			"delay":   retry.Delay().String(),
		})
		if err := f.sleep(ctx, retry.Delay()); err != nil {
			return err
		}
		status, err := f.s.Reload(ctx)
		if err != nil {
			return wrapBrowserErr(AcquireSalePage, "", err)
		}
		reloads++
		if status >= 500 {
			f.log.Log(logbus.LevelWarn, "刷新返回服务器错误", map[string]any{"status": status})
		}
	}

	cur, err := f.s.CurrentURL(ctx)
	if err == nil && cur != "" && cur != f.req.URL {
		f.log.Log(logbus.LevelInfo, "购票页发生跳转", map[string]any{"from": f.req.URL, "to": cur})
	}
	if f.hooks.SalePage != nil && cur != "" {
		f.hooks.SalePage(cur)
	}
	f.mu.Lock()
	f.saleAcquired = true
	f.mu.Unlock()
	f.log.Log(logbus.LevelInfo, "已进入购票页", map[string]any{"reloads": reloads})
	return nil
}

func (f *Flow) selectTicket(ctx context.Context) error {
	if err := f.doSelectTicket(ctx); err != nil {
		path := f.diagnosticPath("ticket-selection-error.png")
		if shotErr := f.s.Screenshot(ctx, path); shotErr != nil {
			f.log.Log(logbus.LevelWarn, "诊断截图失败", map[string]any{"error": shotErr.Error()})
		} else {
			f.log.Log(logbus.LevelInfo, "已保存诊断截图", map[string]any{"path": path})
		}
		return err
	}
	return nil
}

func (f *Flow) doSelectTicket(ctx context.Context) error {
	sel := f.cfg.Flow.Selectors
	if err := f.enter(ctx, SelectTicket); err != nil {
		return err
	}
	if err := f.pick(ctx, SelectTicket, sel.SeatItem, f.req.Seat, "席种", true); err != nil {
		return err
	}
	if err := f.s.WaitFor(ctx, sel.Quantity, f.cfg.Flow.StepTimeout()); err != nil {
		return wrapBrowserErr(SelectTicket, sel.Quantity, err)
	}
	if err := f.s.SelectOption(ctx, sel.Quantity, strconv.Itoa(int(f.req.Quantity))); err != nil {
		return wrapBrowserErr(SelectTicket, sel.Quantity, err)
	}
	if err := f.s.ClickAndWait(ctx, sel.Next); err != nil {
		return wrapBrowserErr(SelectTicket, sel.Next, err)
	}
	return nil
}

func (f *Flow) enterPurchaserInfo(ctx context.Context) error {
	sel := f.cfg.Flow.Selectors
	if err := f.enter(ctx, EnterPurchaserInfo); err != nil {
		return err
	}
	if err := f.s.Type(ctx, sel.Name, f.req.Name); err != nil {
		return wrapBrowserErr(EnterPurchaserInfo, sel.Name, err)
	}
	phone := strings.ReplaceAll(strings.TrimSpace(f.req.Phone), "-", "")
	if err := f.s.Type(ctx, sel.Phone, phone); err != nil {
		return wrapBrowserErr(EnterPurchaserInfo, sel.Phone, err)
	}
	birth, err := model.ParseBirthdate(f.req.Birth)
	if err != nil {
		return err
	}
	for _, field := range []struct{ selector, value string }{
		{sel.BirthYear, birth.Year},
		{sel.BirthMonth, birth.Month},
		{sel.BirthDay, birth.Day},
	} {
		if err := f.s.SelectOption(ctx, field.selector, field.value); err != nil {
			return wrapBrowserErr(EnterPurchaserInfo, field.selector, err)
		}
	}
	if err := f.s.ClickAndWait(ctx, sel.Next); err != nil {
		return wrapBrowserErr(EnterPurchaserInfo, sel.Next, err)
	}
	return nil
}

func (f *Flow) selectPaymentAndDelivery(ctx context.Context) error {
	sel := f.cfg.Flow.Selectors
	if err := f.enter(ctx, SelectPaymentAndDelivery); err != nil {
		return err
	}
	if err := f.pick(ctx, SelectPaymentAndDelivery, sel.PaymentItem, f.req.Payment, "支付方式", false); err != nil {
		return err
	}
	if err := f.s.WaitFor(ctx, sel.DeliveryRegion, f.cfg.Flow.StepTimeout()); err != nil {
		return wrapBrowserErr(SelectPaymentAndDelivery, sel.DeliveryRegion, err)
	}
	if err := f.pick(ctx, SelectPaymentAndDelivery, sel.DeliveryItem, f.req.Delivery, "取票方式", false); err != nil {
		return err
	}
	if err := f.s.ClickAndWait(ctx, sel.Next); err != nil {
		return wrapBrowserErr(SelectPaymentAndDelivery, sel.Next, err)
	}
	return nil
}

func (f *Flow) submit(ctx context.Context) error {
	sel := f.cfg.Flow.Selectors
	if err := f.enter(ctx, Submit); err != nil {
		return err
	}
	if ok, _ := f.s.Exists(ctx, sel.Agreement); ok {
		if err := f.s.Click(ctx, sel.Agreement); err != nil {
			return wrapBrowserErr(Submit, sel.Agreement, err)
		}
	}
	if f.dry {
		f.log.Log(logbus.LevelInfo, "测试模式：已到确认页，跳过申请", nil)
		return nil
	}

	f.mu.Lock()
	if f.applyAttempted {
		f.mu.Unlock()
		return ErrSubmitAlreadyAttempted
	}
	f.applyAttempted = true
	f.mu.Unlock()

	if err := f.s.ClickAndWait(ctx, sel.Apply); err != nil {
		return wrapBrowserErr(Submit, sel.Apply, err)
	}
	cur, _ := f.s.CurrentURL(ctx)
	if containsAny(cur, f.cfg.Flow.Markers.Completed) {
		f.log.Log(logbus.LevelInfo, "申请完成", map[string]any{"url": cur})
	} else {
		f.log.Log(logbus.LevelWarn, "未检测到完成页面，请人工确认结果", map[string]any{"url": cur})
	}
	return nil
}

// pick 是席种、支付、取票共用的“子串匹配，找不到选第一个”。
// required 为 false 时候选为空只告警。
func (f *Flow) pick(ctx context.Context, step Step, selector, label, what string, required bool) error {
	texts, err := f.s.Texts(ctx, selector)
	if err != nil {
		return wrapBrowserErr(step, selector, err)
	}
	idx, exact, err := chooseOption(texts, label)
	if errors.Is(err, ErrNoCandidates) {
		if required {
			return &StepPreconditionError{Step: step, Selector: selector, Err: err}
		}
		f.log.Log(logbus.LevelWarn, "没有可选的"+what, map[string]any{"selector": selector})
		return nil
	}
	if !exact {
		f.log.Log(logbus.LevelWarn, "未找到指定"+what+"，改选第一个", map[string]any{
			"requested": label,
			"chosen":    texts[idx],
		})
	} else {
		f.log.Log(logbus.LevelInfo, "已选择"+what, map[string]any{"chosen": texts[idx]})
	}
	if err := f.s.ClickNth(ctx, selector, idx); err != nil {
		return wrapBrowserErr(step, selector, err)
	}
	return nil
}

func (f *Flow) diagnosticPath(name string) string {
	if f.runID != "" {
		name = f.runID + "-" + name
	}
	return filepath.Join(f.diag, name)
}

func wrapBrowserErr(step Step, selector string, err error) error {
	switch {
	case errors.Is(err, browser.ErrNavigationTimeout):
		return &NavigationTimeoutError{Step: step, Selector: selector, Err: err}
	case errors.Is(err, browser.ErrElementNotFound):
		return &StepPreconditionError{Step: step, Selector: selector, Err: err}
	default:
		return err
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
