package model

import "time"

type JobState string

const (
	JobPending  JobState = "pending"
	JobLaunched JobState = "launched"
	JobExited   JobState = "exited"
	JobSkipped  JobState = "skipped"
	JobFailed   JobState = "failed"
)

// Job 是批量调度中的一个购票请求，到点后以独立子进程执行。
type Job struct {
	ID          string    `json:"id"`
	RequestPath string    `json:"requestPath"`
	SaleStartMs int64     `json:"saleStartMs"`
	State       JobState  `json:"state"`
	PID         int       `json:"pid,omitempty"`
	ExitCode    int       `json:"exitCode"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
