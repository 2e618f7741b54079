package logbus

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"
)

const tailTimeLayout = "2006-01-02 15:04:05.000"

// Tail 订阅总线并把每条 log 消息按行写入 w，返回的 stop 会等待已收到的消息写完。
// 写入慢时消息在内存中排队，不会丢失。
func (b *Bus) Tail(w io.Writer) (stop func()) {
	q, cancel := b.subscribeQueue()
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.run(func(msg Message) {
			if msg.Type != "log" {
				return
			}
			data, ok := msg.Data.(LogData)
			if !ok {
				return
			}
			_, _ = io.WriteString(w, FormatLine(time.UnixMilli(msg.Time), data))
		})
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// FormatLine 输出形如 "[2025-01-01 12:00:00.000] [INFO] msg k=v\n" 的一行。
func FormatLine(at time.Time, data LogData) string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(at.Format(tailTimeLayout))
	sb.WriteString("] [")
	sb.WriteString(strings.ToUpper(data.Level))
	sb.WriteString("] ")
	sb.WriteString(data.Msg)
	keys := make([]string, 0, len(data.Fields))
	for k := range data.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, data.Fields[k])
	}
	sb.WriteString("\n")
	return sb.String()
}
