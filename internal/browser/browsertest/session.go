// Package browsertest 提供一个按脚本描述页面的内存 browser.Session，用于流程测试。
package browsertest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jokerjunya/ticket-get/internal/browser"
)

// Page 描述一个页面：存在哪些元素、点击后跳到哪里、下拉框有哪些选项。
type Page struct {
	Status  int
	Content string
	// Elements 选择器 -> 每个匹配元素的文本。
	Elements map[string][]string
	// Links 点击选择器后跳转的 URL。
	Links map[string]string
	// Options 下拉框允许的 value；未列出的选择器不校验。
	Options map[string][]string
	// ItemLinks 点击列表中第 i 个元素后跳转的 URL，键为选择器。
	ItemLinks map[string][]string
}

func (p *Page) has(selector string) bool {
	if p == nil {
		return false
	}
	_, ok := p.Elements[selector]
	return ok
}

type Session struct {
	mu      sync.Mutex
	pages   map[string]*Page
	current string

	// OnReload 在第 n 次刷新后调用（不持锁），可在其中修改页面。
	OnReload func(s *Session, n int)

	calls       []string
	typed       map[string]string
	selected    map[string]string
	screenshots []string
	reloads     int
	closed      bool
}

func New() *Session {
	return &Session{
		pages:    make(map[string]*Page),
		typed:    make(map[string]string),
		selected: make(map[string]string),
	}
}

// SetPage 注册或替换 url 对应的页面。
func (s *Session) SetPage(url string, p *Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = p
}

// SetCurrent 直接把当前位置设为 url，模拟人工操作后停留的页面。
func (s *Session) SetCurrent(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = url
}

func (s *Session) page() *Page {
	return s.pages[s.current]
}

func (s *Session) record(format string, args ...any) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

func (s *Session) goTo(url string) int {
	s.current = url
	p := s.pages[url]
	if p == nil {
		return 404
	}
	if p.Status == 0 {
		return 200
	}
	return p.Status
}

func (s *Session) Navigate(_ context.Context, url string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("navigate %s", url)
	return s.goTo(url), nil
}

func (s *Session) Reload(_ context.Context) (int, error) {
	s.mu.Lock()
	s.reloads++
	n := s.reloads
	s.record("reload %s", s.current)
	hook := s.OnReload
	s.mu.Unlock()

	if hook != nil {
		hook(s, n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.goTo(s.current), nil
}

func (s *Session) WaitFor(_ context.Context, selector string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("wait %s", selector)
	if !s.page().has(selector) {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	return nil
}

func (s *Session) Exists(_ context.Context, selector string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page().has(selector), nil
}

func (s *Session) Texts(_ context.Context, selector string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.page()
	if p == nil {
		return nil, nil
	}
	return slices.Clone(p.Elements[selector]), nil
}

func (s *Session) Click(_ context.Context, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("click %s", selector)
	p := s.page()
	if !p.has(selector) {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	if next, ok := p.Links[selector]; ok {
		s.goTo(next)
	}
	return nil
}

func (s *Session) ClickNth(_ context.Context, selector string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("click %s[%d]", selector, index)
	p := s.page()
	if p == nil || index < 0 || index >= len(p.Elements[selector]) {
		return fmt.Errorf("%w: %s[%d]", browser.ErrElementNotFound, selector, index)
	}
	if links := p.ItemLinks[selector]; index < len(links) && links[index] != "" {
		s.goTo(links[index])
	}
	return nil
}

func (s *Session) ClickAndWait(_ context.Context, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("click+wait %s", selector)
	p := s.page()
	if !p.has(selector) {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	next, ok := p.Links[selector]
	if !ok {
		return fmt.Errorf("%w: %s did not navigate", browser.ErrNavigationTimeout, selector)
	}
	s.goTo(next)
	return nil
}

func (s *Session) Type(_ context.Context, selector, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("type %s", selector)
	if !s.page().has(selector) {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	s.typed[selector] = text
	return nil
}

func (s *Session) SelectOption(_ context.Context, selector, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("select %s=%s", selector, value)
	p := s.page()
	if !p.has(selector) {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	if opts, ok := p.Options[selector]; ok && !slices.Contains(opts, value) {
		return fmt.Errorf("%s: no option %q", selector, value)
	}
	s.selected[selector] = value
	return nil
}

func (s *Session) Content(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.page(); p != nil {
		return p.Content, nil
	}
	return "", nil
}

func (s *Session) CurrentURL(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *Session) Screenshot(_ context.Context, path string) error {
	s.mu.Lock()
	s.screenshots = append(s.screenshots, path)
	s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("fake-png"), 0o644)
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// Navigations 返回所有 navigate 调用的目标 URL。
func (s *Session) Navigations() []string {
	var out []string
	for _, c := range s.Calls() {
		if u, ok := strings.CutPrefix(c, "navigate "); ok {
			out = append(out, u)
		}
	}
	return out
}

func (s *Session) Typed(selector string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typed[selector]
}

func (s *Session) Selected(selector string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected[selector]
}

func (s *Session) Screenshots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.screenshots)
}

func (s *Session) Reloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ browser.Session = (*Session)(nil)
