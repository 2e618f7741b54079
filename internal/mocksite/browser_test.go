package mocksite_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokerjunya/ticket-get/internal/config"
	"github.com/jokerjunya/ticket-get/internal/mocksite"
	"github.com/jokerjunya/ticket-get/internal/model"
	"github.com/jokerjunya/ticket-get/internal/orchestrator"
)

// 需要本机可用的 Chrome，默认跳过。
func TestPurchaseAgainstMockSite(t *testing.T) {
	if os.Getenv("TICKET_GET_BROWSER_TEST") != "1" {
		t.Skip("set TICKET_GET_BROWSER_TEST=1 to run the browser integration test")
	}

	site := mocksite.New(mocksite.Options{PresaleLoads: 2})
	srv := httptest.NewServer(site.Handler())
	defer srv.Close()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Site.LoginURL = srv.URL + "/login"
	cfg.Logs.Dir = filepath.Join(dir, "logs")
	cfg.Flow.SaleRetry.DelayMs = 200

	reqPath := filepath.Join(dir, "purchase-info.json")
	b, err := json.Marshal(map[string]any{
		"url": srv.URL + "/sale/event-1", "email": "u@example.com", "password": "p",
		"quantity": 2, "seat": "A", "payment": "クレジット", "delivery": "電子",
		"name": "山田太郎", "phone": "090-0000-0000", "birth": "1990-01-05",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(reqPath, b, 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	runner := orchestrator.NewRunner(orchestrator.Deps{Config: cfg})
	res, err := runner.Run(ctx, orchestrator.Options{RequestPath: reqPath, Headless: true})
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, res.Status)
	assert.FileExists(t, res.Screenshot)

	stats := site.Stats()
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, "A席", stats.LastSeat)
	assert.Equal(t, 3, stats.SaleLoads)
}
