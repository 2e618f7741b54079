package model

import "time"

type EntryKind string

const (
	EntryStart  EntryKind = "START"
	EntryURL    EntryKind = "URL"
	EntryStatus EntryKind = "STATUS"
	EntryError  EntryKind = "ERROR"
	EntryEnd    EntryKind = "END"
)

type RunStatus string

const (
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

type RunEntry struct {
	Kind    EntryKind `json:"kind"`
	At      time.Time `json:"at"`
	Payload string    `json:"payload"`
}

// RunRecord 是一次执行对应的日志记录，每次执行有且只有一份。
type RunRecord struct {
	ID      string     `json:"id"`
	Path    string     `json:"path"`
	Entries []RunEntry `json:"entries"`
	Status  RunStatus  `json:"status,omitempty"`
}

func (r RunRecord) Count(kind EntryKind) int {
	n := 0
	for _, e := range r.Entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r RunRecord) Closed() bool {
	return r.Count(EntryEnd) > 0
}

// RunSummary 是写入历史表的一行。
type RunSummary struct {
	ID          string    `json:"id"`
	RequestPath string    `json:"requestPath"`
	URL         string    `json:"url,omitempty"`
	Status      RunStatus `json:"status"`
	Error       string    `json:"error,omitempty"`
	LogFile     string    `json:"logFile"`
	Screenshot  string    `json:"screenshot,omitempty"`
	ResumedFrom string    `json:"resumedFrom,omitempty"`
	DryRun      bool      `json:"dryRun,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt"`
}
