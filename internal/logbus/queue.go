package logbus

import "sync"

// queue 无界消息队列：Publish 只追加不阻塞，消费方批量取走。
// 落盘的 Tail 用它，慢写入时也不丢行。
type queue struct {
	mu     sync.Mutex
	items  []Message
	closed bool
	ready  chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) push(msg Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// drain 取走当前全部消息；closed 为 true 表示之后不会再有新消息。
func (q *queue) drain() (msgs []Message, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs, q.items = q.items, nil
	return msgs, q.closed
}

// run 依次把消息交给 fn，直到队列关闭且取空。
func (q *queue) run(fn func(Message)) {
	for range q.ready {
		msgs, closed := q.drain()
		for _, m := range msgs {
			fn(m)
		}
		if closed {
			return
		}
	}
}
