package runlog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jokerjunya/ticket-get/internal/logbus"
	"github.com/jokerjunya/ticket-get/internal/model"
)

const (
	PrefixPurchase = "purchase-log"
	PrefixDryRun   = "test-log"

	idTimeLayout    = "20060102-150405"
	entryTimeLayout = "2006-01-02T15:04:05.000Z07:00"

	maxIDCollisions = 100
)

type Options struct {
	Dir    string
	Prefix string
	Now    func() time.Time
	Logger logbus.Logger
}

// Recorder 负责一次执行的 Run Record：打开时写 START，End 只会生效一次。
// 所有方法可并发调用。
type Recorder struct {
	mu     sync.Mutex
	f      *os.File
	now    func() time.Time
	log    logbus.Logger
	record model.RunRecord
	status bool
	ended  bool
	err    error
}

func Open(opts Options) (*Recorder, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = PrefixPurchase
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	start := now()
	base := prefix + "-" + start.Format(idTimeLayout)
	id, f, err := createExclusive(dir, base)
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		f:   f,
		now: now,
		record: model.RunRecord{
			ID:   id,
			Path: f.Name(),
		},
	}
	r.log = logbus.With(opts.Logger, map[string]any{"runId": id})
	r.appendLocked(model.EntryStart, formatTime(start), start)
	return r, nil
}

// createExclusive 同一秒内启动的多次执行各自拿到不同的文件。
func createExclusive(dir, base string) (string, *os.File, error) {
	for i := 1; i <= maxIDCollisions; i++ {
		id := base
		if i > 1 {
			id = fmt.Sprintf("%s-%d", base, i)
		}
		f, err := os.OpenFile(filepath.Join(dir, id+".txt"), os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			return id, f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", nil, err
		}
	}
	return "", nil, fmt.Errorf("run record %s: too many collisions", base)
}

func (r *Recorder) ID() string {
	return r.record.ID
}

func (r *Recorder) Path() string {
	return r.record.Path
}

// Logger 返回带 runId 字段的叙述日志。
func (r *Recorder) Logger() logbus.Logger {
	return r.log
}

func (r *Recorder) URL(u string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(model.EntryURL, u, r.now())
}

// Status 只记录第一次调用，返回是否写入。
func (r *Recorder) Status(s model.RunStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status || r.ended {
		return false
	}
	r.status = true
	r.record.Status = s
	r.appendLocked(model.EntryStatus, string(s), r.now())
	return true
}

func (r *Recorder) Error(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(model.EntryError, singleLine(msg), r.now())
}

// End 写入 END 并关闭文件，重复调用无副作用。
func (r *Recorder) End() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return r.err
	}
	at := r.now()
	r.appendLocked(model.EntryEnd, formatTime(at), at)
	r.ended = true
	if err := r.f.Close(); err != nil && r.err == nil {
		r.err = err
	}
	return r.err
}

func (r *Recorder) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// Record 返回当前记录的副本。
func (r *Recorder) Record() model.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.record
	out.Entries = append([]model.RunEntry(nil), r.record.Entries...)
	return out
}

func (r *Recorder) appendLocked(kind model.EntryKind, payload string, at time.Time) {
	if r.ended {
		return
	}
	r.record.Entries = append(r.record.Entries, model.RunEntry{Kind: kind, At: at, Payload: payload})
	if _, err := fmt.Fprintf(r.f, "[%s] %s\n", kind, payload); err != nil && r.err == nil {
		r.err = err
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(entryTimeLayout)
}

func singleLine(s string) string {
	s = strings.TrimSpace(s)
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "\r", "")), " ")
}
