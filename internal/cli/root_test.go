package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokerjunya/ticket-get/internal/config"
	"github.com/jokerjunya/ticket-get/internal/model"
	"github.com/jokerjunya/ticket-get/internal/store/sqlite"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ticket-get", cmd.Use)

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "config.yaml", flag.DefValue)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"purchase", "schedule", "runs", "monitor"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestPurchaseFlags(t *testing.T) {
	cmd := NewRootCommand()
	sub, _, err := cmd.Find([]string{"purchase"})
	require.NoError(t, err)
	for name, def := range map[string]string{
		"headless":       "true",
		"dry-run":        "false",
		"schedule":       "false",
		"monitor":        "",
		"stdin-continue": "true",
	} {
		f := sub.Flags().Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, def, f.DefValue, name)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom")))
	assert.Equal(t, 1, ExitCode(&ExitError{Code: 1}))
	assert.Equal(t, 3, ExitCode(&ExitError{Code: 3, Err: errors.New("x")}))
	assert.Equal(t, "load: x", (&ExitError{Message: "load", Err: errors.New("x")}).Error())
}

// writeConfig 把日志和历史库放到临时目录。
func writeConfig(t *testing.T) (string, config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Logs.Dir = filepath.Join(dir, "logs")
	cfg.Storage.SQLitePath = filepath.Join(dir, "data", "ticket_get.db")
	cfg.TimeSync.Enabled = false
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.Save(path, cfg))
	return path, cfg
}

func TestPurchaseMissingRequestFails(t *testing.T) {
	cfgPath, cfg := writeConfig(t)
	missing := filepath.Join(t.TempDir(), "nope.json")

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"purchase", missing, "--config", cfgPath, "--stdin-continue=false"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))

	entries, err := os.ReadDir(cfg.Logs.Dir)
	require.NoError(t, err)
	var records, narration int
	for _, e := range entries {
		switch {
		case e.Name() == purchaseLogName:
			narration++
		case filepath.Ext(e.Name()) == ".txt":
			records++
		}
	}
	assert.Equal(t, 1, records)
	assert.Equal(t, 1, narration)

	st, err := sqlite.Open(context.Background(), cfg.Storage.SQLitePath)
	require.NoError(t, err)
	defer st.Close()
	runs, err := st.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunFailed, runs[0].Status)
}

func TestScheduleWithoutRequestsFails(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"schedule", "--config", cfgPath, "--dir", t.TempDir()})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestRunsPrintsHistory(t *testing.T) {
	cfgPath, cfg := writeConfig(t)
	st, err := sqlite.Open(context.Background(), cfg.Storage.SQLitePath)
	require.NoError(t, err)
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	_, err = st.SaveRun(context.Background(), model.RunSummary{
		ID:          "purchase-log-20250601-100000",
		RequestPath: "purchase-info.json",
		Status:      model.RunSuccess,
		StartedAt:   start,
		EndedAt:     start.Add(42 * time.Second),
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"runs", "--config", cfgPath})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "purchase-log-20250601-100000")
	assert.Contains(t, out.String(), "SUCCESS")
	assert.Contains(t, out.String(), "42s")

	out.Reset()
	cmd = NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"runs", "--json", "--config", cfgPath})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), `"status": "SUCCESS"`)
}

func TestAllSucceeded(t *testing.T) {
	assert.True(t, allSucceeded([]model.Job{{State: model.JobExited}, {State: model.JobSkipped}}))
	assert.False(t, allSucceeded([]model.Job{{State: model.JobExited, ExitCode: 1}}))
	assert.False(t, allSucceeded([]model.Job{{State: model.JobFailed}}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "購票...", truncate("購票失败", 2))
}
