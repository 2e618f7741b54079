package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrElementNotFound 在限定时间内没有等到选择器对应的元素。
	ErrElementNotFound = errors.New("element not found")
	// ErrNavigationTimeout 点击或跳转后在限定时间内没有完成页面加载。
	ErrNavigationTimeout = errors.New("navigation timeout")
)

// Session 是购票流程使用的浏览器能力。页面内容一律按“尽力而为”的文本读取，
// 元素不存在时返回 ErrElementNotFound，而不是假设页面结构固定。
type Session interface {
	// Navigate 打开 url 并等待加载，返回主文档的 HTTP 状态码（未知时为 0）。
	Navigate(ctx context.Context, url string) (int, error)
	Reload(ctx context.Context) (int, error)

	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	Exists(ctx context.Context, selector string) (bool, error)
	Texts(ctx context.Context, selector string) ([]string, error)

	Click(ctx context.Context, selector string) error
	ClickNth(ctx context.Context, selector string, index int) error
	// ClickAndWait 点击后等待页面跳转完成。
	ClickAndWait(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	SelectOption(ctx context.Context, selector, value string) error

	Content(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, path string) error
	Close() error
}
