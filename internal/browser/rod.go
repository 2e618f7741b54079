package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/jokerjunya/ticket-get/internal/config"
	"github.com/jokerjunya/ticket-get/internal/logbus"
)

const (
	defaultElementTimeout = 5 * time.Second
	closePollInterval     = time.Second
)

// navigationStatusJS 读取主文档的响应状态码（Chrome 109+）。
const navigationStatusJS = `() => {
	const e = window.performance && performance.getEntriesByType && performance.getEntriesByType('navigation')[0];
	return e && e.responseStatus ? e.responseStatus : 0;
}`

type LaunchOptions struct {
	Headless    bool
	Bin         string
	UserDataDir string
	UserAgent   string
	WindowSize  string
	NavTimeout  time.Duration
	// ElementTimeout 点击/输入前查找元素的上限。
	ElementTimeout time.Duration
	Logger         logbus.Logger
}

func LaunchOptionsFromConfig(cfg config.BrowserConfig, headless bool) LaunchOptions {
	return LaunchOptions{
		Headless:    headless,
		Bin:         cfg.Bin,
		UserDataDir: cfg.UserDataDir,
		UserAgent:   cfg.UserAgent,
		WindowSize:  cfg.WindowSize,
		NavTimeout:  cfg.NavTimeout(),
	}
}

// RodSession 用 go-rod 驱动一个 stealth 页面。
type RodSession struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	log      logbus.Logger

	navTimeout     time.Duration
	elementTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func Launch(ctx context.Context, opts LaunchOptions) (*RodSession, error) {
	log := logbus.OrNop(opts.Logger)

	// Windows 上 leakless 会导致卡死。
	l := launcher.New().
		Leakless(runtime.GOOS != "windows").
		Headless(opts.Headless)
	if opts.WindowSize != "" {
		l = l.Set("window-size", opts.WindowSize)
	}
	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}
	bin := strings.TrimSpace(opts.Bin)
	if bin == "" {
		if p, ok := launcher.LookPath(); ok {
			bin = p
		}
	}
	if bin != "" {
		l = l.Bin(bin)
	}

	u, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	b := rod.New().ControlURL(u).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	// 浏览器本身不跟随调用方 ctx 的生命周期，由 Close 负责回收。
	b = b.Context(context.Background())

	page, err := stealth.Page(b)
	if err != nil {
		_ = b.Close()
		l.Kill()
		return nil, fmt.Errorf("create stealth page: %w", err)
	}
	ua := NormalizeUserAgent(opts.UserAgent)
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
		log.Log(logbus.LevelWarn, "设置 User-Agent 失败", map[string]any{"error": err.Error()})
	}

	navTimeout := opts.NavTimeout
	if navTimeout <= 0 {
		navTimeout = 60 * time.Second
	}
	elTimeout := opts.ElementTimeout
	if elTimeout <= 0 {
		elTimeout = defaultElementTimeout
	}
	log.Log(logbus.LevelInfo, "浏览器已启动", map[string]any{"headless": opts.Headless, "bin": bin})

	return &RodSession{
		launcher:       l,
		browser:        b,
		page:           page,
		log:            log,
		navTimeout:     navTimeout,
		elementTimeout: elTimeout,
	}, nil
}

func (s *RodSession) Navigate(ctx context.Context, url string) (int, error) {
	p := s.page.Context(ctx).Timeout(s.navTimeout)
	defer p.CancelTimeout()
	if err := p.Navigate(url); err != nil {
		return 0, navError(err)
	}
	if err := p.WaitLoad(); err != nil {
		return 0, navError(err)
	}
	return s.status(p), nil
}

func (s *RodSession) Reload(ctx context.Context) (int, error) {
	p := s.page.Context(ctx).Timeout(s.navTimeout)
	defer p.CancelTimeout()
	wait := p.WaitNavigation(proto.PageLifecycleEventNameLoad)
	if err := p.Reload(); err != nil {
		return 0, navError(err)
	}
	wait()
	if err := p.GetContext().Err(); err != nil {
		return 0, navError(err)
	}
	return s.status(p), nil
}

func (s *RodSession) status(p *rod.Page) int {
	res, err := p.Eval(navigationStatusJS)
	if err != nil {
		return 0
	}
	return res.Value.Int()
}

func (s *RodSession) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	p := s.page.Context(ctx).Timeout(timeout)
	defer p.CancelTimeout()
	_, err := p.Element(selector)
	return elementError(selector, err)
}

func (s *RodSession) Exists(ctx context.Context, selector string) (bool, error) {
	has, _, err := s.page.Context(ctx).Has(selector)
	return has, err
}

func (s *RodSession) Texts(ctx context.Context, selector string) ([]string, error) {
	els, err := s.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(els))
	for _, el := range els {
		text, err := el.Text()
		if err != nil {
			return nil, err
		}
		out = append(out, strings.TrimSpace(text))
	}
	return out, nil
}

func (s *RodSession) element(ctx context.Context, selector string) (*rod.Element, func(), error) {
	p := s.page.Context(ctx).Timeout(s.elementTimeout)
	el, err := p.Element(selector)
	if err != nil {
		p.CancelTimeout()
		return nil, func() {}, elementError(selector, err)
	}
	return el, func() { p.CancelTimeout() }, nil
}

func (s *RodSession) Click(ctx context.Context, selector string) error {
	el, done, err := s.element(ctx, selector)
	defer done()
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (s *RodSession) ClickNth(ctx context.Context, selector string, index int) error {
	els, err := s.page.Context(ctx).Elements(selector)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(els) {
		return fmt.Errorf("%w: %s[%d]", ErrElementNotFound, selector, index)
	}
	return els[index].Click(proto.InputMouseButtonLeft, 1)
}

func (s *RodSession) ClickAndWait(ctx context.Context, selector string) error {
	el, done, err := s.element(ctx, selector)
	defer done()
	if err != nil {
		return err
	}
	p := s.page.Context(ctx).Timeout(s.navTimeout)
	defer p.CancelTimeout()
	wait := p.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	wait()
	if err := p.GetContext().Err(); err != nil {
		return navError(err)
	}
	return nil
}

func (s *RodSession) Type(ctx context.Context, selector, text string) error {
	el, done, err := s.element(ctx, selector)
	defer done()
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(text)
}

func (s *RodSession) SelectOption(ctx context.Context, selector, value string) error {
	el, done, err := s.element(ctx, selector)
	defer done()
	if err != nil {
		return err
	}
	opt := "option[value=" + strconv.Quote(value) + "]"
	if err := el.Select([]string{opt}, true, rod.SelectorTypeCSSSector); err != nil {
		return fmt.Errorf("select %s=%s: %w", selector, value, err)
	}
	return nil
}

func (s *RodSession) Content(ctx context.Context) (string, error) {
	return s.page.Context(ctx).HTML()
}

func (s *RodSession) CurrentURL(ctx context.Context) (string, error) {
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (s *RodSession) Screenshot(ctx context.Context, path string) error {
	b, err := s.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// WaitClosed 阻塞到浏览器被手动关闭或 ctx 结束（有头模式保留浏览器时使用）。
func (s *RodSession) WaitClosed(ctx context.Context) error {
	ticker := time.NewTicker(closePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.browser.Pages(); err != nil {
				return nil
			}
		}
	}
}

func (s *RodSession) Close() error {
	s.closeOnce.Do(func() {
		if s.browser != nil {
			s.closeErr = s.browser.Close()
		}
		if s.launcher != nil {
			s.launcher.Kill()
		}
	})
	return s.closeErr
}

func elementError(selector string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	var notFound *rod.ElementNotFoundError
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return err
}

func navError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrNavigationTimeout, err)
	}
	return err
}
