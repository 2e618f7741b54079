package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logEntry struct {
	msg    string
	fields map[string]any
}

type memLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (m *memLogger) Log(_, msg string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, logEntry{msg: msg, fields: fields})
}

func (m *memLogger) progressCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.fields["progress"] == true {
			n++
		}
	}
	return n
}

func TestWaitUntilPastTargetReleasesImmediately(t *testing.T) {
	var logs memLogger
	s := New(Options{Logger: &logs, Unit: 10 * time.Millisecond})

	var calls atomic.Int32
	start := time.Now()
	s.WaitUntil(time.Now().Add(-time.Minute), func() { calls.Add(1) })

	assert.Equal(t, int32(1), calls.Load())
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Zero(t, logs.progressCount())
}

func TestWaitUntilReleasesOnTimeWithProgress(t *testing.T) {
	const unit = 10 * time.Millisecond
	var logs memLogger
	s := New(Options{Logger: &logs, Unit: unit})

	var calls atomic.Int32
	var progressAtRelease int
	start := time.Now()
	target := start.Add(65 * unit)
	s.WaitUntil(target, func() {
		calls.Add(1)
		progressAtRelease = logs.progressCount()
	})
	elapsed := time.Since(start)

	require.Equal(t, int32(1), calls.Load())
	assert.GreaterOrEqual(t, elapsed, 65*unit-5*time.Millisecond)
	assert.Less(t, elapsed, 65*unit+250*time.Millisecond)
	assert.GreaterOrEqual(t, progressAtRelease, 1)
}

func TestWaitUntilNoProgressAfterRelease(t *testing.T) {
	const unit = 5 * time.Millisecond
	var logs memLogger
	s := New(Options{Logger: &logs, Unit: unit})

	s.WaitUntil(time.Now().Add(15*unit), func() {})
	after := logs.progressCount()
	time.Sleep(20 * unit)
	assert.Equal(t, after, logs.progressCount())
}

func TestMarks(t *testing.T) {
	s := New(Options{Unit: time.Second})
	sec := func(v ...int) []time.Duration {
		out := make([]time.Duration, 0, len(v))
		for _, n := range v {
			out = append(out, time.Duration(n)*time.Second)
		}
		return out
	}

	assert.Equal(t, sec(60, 50, 40, 30, 20, 10), s.marks(65*time.Second))
	assert.Equal(t, sec(60, 50, 40, 30, 20, 10), s.marks(200*time.Second))
	assert.Equal(t, sec(340, 280, 220, 160, 100, 60, 50, 40, 30, 20, 10), s.marks(400*time.Second))
	assert.Equal(t, sec(20, 10), s.marks(25*time.Second))
	assert.Empty(t, s.marks(5*time.Second))
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestOffsetClock(t *testing.T) {
	base := fixedClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := OffsetClock{Base: base, Offset: 1500 * time.Millisecond}
	assert.Equal(t, base.t.Add(1500*time.Millisecond), c.Now())
}

func TestWaitUntilUsesClock(t *testing.T) {
	// 时钟比真实时间快一小时，目标在“时钟”的过去，应立即放行。
	clock := OffsetClock{Offset: time.Hour}
	s := New(Options{Clock: clock, Unit: time.Millisecond})

	var released bool
	s.WaitUntil(time.Now().Add(30*time.Minute), func() { released = true })
	assert.True(t, released)
}

func TestWaitContextReturnsOnCancel(t *testing.T) {
	var logs memLogger
	s := New(Options{Logger: &logs, Unit: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	err := s.WaitContext(ctx, time.Now().Add(time.Hour))
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitContextReleases(t *testing.T) {
	s := New(Options{Unit: time.Millisecond})
	require.NoError(t, s.WaitContext(context.Background(), time.Now().Add(20*time.Millisecond)))
	require.NoError(t, s.WaitContext(context.Background(), time.Now().Add(-time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.WaitContext(ctx, time.Now().Add(-time.Second)), context.Canceled)
}
