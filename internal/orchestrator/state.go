package orchestrator

import (
	"sync"
	"time"
)

// StateSnapshot 是监控接口展示的当前执行状态。
type StateSnapshot struct {
	RunID       string    `json:"runId,omitempty"`
	RequestPath string    `json:"requestPath,omitempty"`
	Phase       string    `json:"phase"`
	Step        string    `json:"step,omitempty"`
	Waiting     bool      `json:"waitingForContinue"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
}

const (
	PhaseIdle       = "idle"
	PhaseScheduled  = "scheduled"
	PhaseRunning    = "running"
	PhaseFinalizing = "finalizing"
	PhaseDone       = "done"
)

// State 记录进程内当前这次执行的进度，可并发读写。
type State struct {
	mu   sync.RWMutex
	snap StateSnapshot
}

func NewState() *State {
	return &State{snap: StateSnapshot{Phase: PhaseIdle}}
}

func (s *State) Snapshot() StateSnapshot {
	if s == nil {
		return StateSnapshot{Phase: PhaseIdle}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *State) update(fn func(*StateSnapshot)) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
}

func (s *State) begin(runID, requestPath string, at time.Time) {
	s.update(func(v *StateSnapshot) {
		*v = StateSnapshot{RunID: runID, RequestPath: requestPath, Phase: PhaseRunning, StartedAt: at}
	})
}

func (s *State) setPhase(phase string) {
	s.update(func(v *StateSnapshot) { v.Phase = phase })
}

func (s *State) setStep(step string) {
	s.update(func(v *StateSnapshot) { v.Step = step })
}

func (s *State) setWaiting(w bool) {
	s.update(func(v *StateSnapshot) { v.Waiting = w })
}
