package resume

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
)

// Signal 人工处理完成的通知。Wait 阻塞到收到通知或 ctx 结束。
type Signal interface {
	Wait(ctx context.Context) error
}

// LineSignal 从 Reader 读到一行（通常是终端回车）即视为继续。
// 后台只有一个读协程，Wait 被取消时已读到的行留给下一次 Wait。
type LineSignal struct {
	r     *bufio.Reader
	once  sync.Once
	lines chan error
}

func NewLineSignal(r io.Reader) *LineSignal {
	return &LineSignal{r: bufio.NewReader(r), lines: make(chan error)}
}

func (s *LineSignal) read() {
	defer close(s.lines)
	for {
		_, err := s.r.ReadString('\n')
		if err != nil {
			// 输入被关闭时直接放行，避免永远卡住。
			if !errors.Is(err, io.EOF) {
				s.lines <- err
			}
			return
		}
		s.lines <- nil
	}
}

func (s *LineSignal) Wait(ctx context.Context) error {
	s.once.Do(func() { go s.read() })
	select {
	case err, ok := <-s.lines:
		if !ok {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Gate 由外部（监控接口）调用 Release 放行。每次 Wait 只消费一次 Release。
type Gate struct {
	mu      sync.Mutex
	ch      chan struct{}
	waiting bool
}

func NewGate() *Gate {
	return &Gate{ch: make(chan struct{}, 1)}
}

// Release 放行当前或下一次 Wait；重复调用不会累积。
func (g *Gate) Release() bool {
	select {
	case g.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Waiting 是否有调用方正在等待。
func (g *Gate) Waiting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting
}

func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	g.waiting = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.waiting = false
		g.mu.Unlock()
	}()
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type firstOf []Signal

// FirstOf 任意一个 Signal 先到即放行，其余等待随之取消。
func FirstOf(signals ...Signal) Signal {
	out := make(firstOf, 0, len(signals))
	for _, s := range signals {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f firstOf) Wait(ctx context.Context) error {
	if len(f) == 0 {
		return errors.New("no continue signal configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, len(f))
	for _, s := range f {
		go func(s Signal) { done <- s.Wait(ctx) }(s)
	}
	var firstErr error
	for range f {
		err := <-done
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
