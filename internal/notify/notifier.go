package notify

import "context"

type EventKind string

const (
	// EventRunFinished 一次购票执行结束（成功或失败）。
	EventRunFinished EventKind = "run_finished"
	// EventManualAction 流程被验证码拦截，等待人工处理。
	EventManualAction EventKind = "manual_action"
)

type Event struct {
	Kind        EventKind `json:"kind"`
	At          int64     `json:"atMs"`
	RunID       string    `json:"runId"`
	RequestPath string    `json:"requestPath,omitempty"`
	URL         string    `json:"url,omitempty"`
	Status      string    `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
	Step        string    `json:"step,omitempty"`
	Location    string    `json:"location,omitempty"`
	Screenshot  string    `json:"screenshot,omitempty"`
	DryRun      bool      `json:"dryRun,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Multi 把事件转发给多个 Notifier，nil 会被跳过。
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, evt)
		}
	}
}
