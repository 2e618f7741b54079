package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokerjunya/ticket-get/internal/model"
	"github.com/jokerjunya/ticket-get/internal/store/sqlite"
)

// TestHelperProcess 不是真正的测试，作为子进程扮演 `ticket-get purchase`。
func TestHelperProcess(t *testing.T) {
	if os.Getenv("TICKET_GET_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	file := args[len(args)-1]
	fmt.Fprintf(os.Stdout, "purchasing %s\n", filepath.Base(file))
	if strings.Contains(file, "fail") {
		fmt.Fprintln(os.Stderr, "sold out")
		os.Exit(3)
	}
	os.Exit(0)
}

func helperCommand(requestPath string) (*exec.Cmd, error) {
	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--", requestPath)
	cmd.Env = append(os.Environ(), "TICKET_GET_HELPER_PROCESS=1")
	return cmd, nil
}

type memLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (m *memLogger) Log(level, message string, _ map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, level+" "+message)
}

func (m *memLogger) has(s string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.msgs {
		if v == s {
			return true
		}
	}
	return false
}

func writeRequest(t *testing.T, dir, name, saleStart string) string {
	t.Helper()
	req := map[string]any{
		"url": "https://l-tike.com/sale/event-1", "email": "u@example.com", "password": "p",
		"quantity": 1, "seat": "A", "payment": "クレジット", "delivery": "電子",
		"name": "山田", "phone": "0900000000", "birth": "1990-01-05",
	}
	if saleStart != "" {
		req["saleStartTime"] = saleStart
	}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, b, 0o644))
	return p
}

func byPath(jobs []model.Job) map[string]model.Job {
	out := make(map[string]model.Job, len(jobs))
	for _, j := range jobs {
		out[filepath.Base(j.RequestPath)] = j
	}
	return out
}

func TestDispatchLaunchesEachRequest(t *testing.T) {
	dir := t.TempDir()
	ok := writeRequest(t, dir, "purchase-info-ok.json", "2020-01-01T10:00:00+09:00")
	fail := writeRequest(t, dir, "purchase-info-fail.json", "2020-01-01T10:00:01+09:00")
	none := writeRequest(t, dir, "purchase-info-none.json", "")

	st, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer st.Close()

	logs := &memLogger{}
	d := New(Options{Logger: logs, Store: st, Command: helperCommand})
	jobs, err := d.Run(context.Background(), []string{ok, fail, none})
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	got := byPath(jobs)
	assert.Equal(t, model.JobExited, got["purchase-info-ok.json"].State)
	assert.Equal(t, 0, got["purchase-info-ok.json"].ExitCode)
	assert.NotZero(t, got["purchase-info-ok.json"].PID)

	assert.Equal(t, model.JobExited, got["purchase-info-fail.json"].State)
	assert.Equal(t, 3, got["purchase-info-fail.json"].ExitCode)

	assert.Equal(t, model.JobSkipped, got["purchase-info-none.json"].State)
	assert.Contains(t, got["purchase-info-none.json"].Error, "saleStartTime")

	assert.True(t, logs.has("info [PURCHASE] purchasing purchase-info-ok.json"))
	assert.True(t, logs.has("error [PURCHASE ERROR] sold out"))

	stored, err := st.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 3)
	persisted := byPath(stored)
	assert.Equal(t, model.JobExited, persisted["purchase-info-fail.json"].State)
	assert.Equal(t, 3, persisted["purchase-info-fail.json"].ExitCode)
}

func TestDispatchLaunchFailure(t *testing.T) {
	dir := t.TempDir()
	p := writeRequest(t, dir, "purchase-info.json", "2020-01-01T10:00:00Z")
	d := New(Options{Command: func(string) (*exec.Cmd, error) {
		return exec.Command(filepath.Join(dir, "missing-binary")), nil
	}})
	jobs, err := d.Run(context.Background(), []string{p})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobFailed, jobs[0].State)
	assert.NotEmpty(t, jobs[0].Error)
}

func TestDispatchInterruptedWhileWaiting(t *testing.T) {
	dir := t.TempDir()
	future := time.Now().Add(time.Hour).Format(time.RFC3339)
	p := writeRequest(t, dir, "purchase-info.json", future)

	var launched bool
	logs := &memLogger{}
	d := New(Options{Logger: logs, Command: func(path string) (*exec.Cmd, error) {
		launched = true
		return helperCommand(path)
	}})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	jobs, err := d.Run(ctx, []string{p})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobSkipped, jobs[0].State)
	assert.Contains(t, jobs[0].Error, context.Canceled.Error())
	assert.False(t, launched)
	assert.True(t, logs.has("warn 任务未启动即被取消"))
}

func TestDispatchSkipsInvalidRequest(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(p, []byte("{"), 0o644))

	d := New(Options{Command: helperCommand})
	jobs, err := d.Run(context.Background(), []string{p})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobSkipped, jobs[0].State)
}

func TestDispatchRequiresRequests(t *testing.T) {
	_, err := New(Options{}).Run(context.Background(), nil)
	require.Error(t, err)
}

func TestResolveRequests(t *testing.T) {
	dir := t.TempDir()
	a := writeRequest(t, dir, "purchase-info-a.json", "")
	b := writeRequest(t, dir, "purchase-info-b.json", "")
	writeRequest(t, dir, "other.json", "")

	got, err := ResolveRequests(dir, "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, got)

	got, err = ResolveRequests(dir, "", []string{b, filepath.Join(dir, "purchase-info-*.json")})
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, got)

	got, err = ResolveRequests(dir, "", []string{filepath.Join(dir, "missing.json")})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "missing.json")}, got)

	_, err = ResolveRequests(t.TempDir(), "", nil)
	require.Error(t, err)
}
