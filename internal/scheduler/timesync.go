package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jokerjunya/ticket-get/internal/config"
	"github.com/jokerjunya/ticket-get/internal/logbus"
)

// TimeSync 通过 HEAD 请求读取服务器 Date 头，估算本地时钟与服务器的差值。
type TimeSync struct {
	client  *resty.Client
	servers []string
	log     logbus.Logger
	now     func() time.Time
}

func NewTimeSync(cfg config.TimeSyncConfig, logger logbus.Logger) *TimeSync {
	return &TimeSync{
		client:  resty.New().SetTimeout(cfg.Timeout()).SetRedirectPolicy(resty.NoRedirectPolicy()),
		servers: append([]string(nil), cfg.Servers...),
		log:     logbus.OrNop(logger),
		now:     time.Now,
	}
}

// Measure 返回各服务器偏移的平均值（服务器时间 - 本地时间）。
func (ts *TimeSync) Measure(ctx context.Context) (time.Duration, error) {
	if len(ts.servers) == 0 {
		return 0, errors.New("no time servers configured")
	}
	var total time.Duration
	ok := 0
	for _, server := range ts.servers {
		offset, err := ts.probe(ctx, server)
		if err != nil {
			ts.log.Log(logbus.LevelWarn, "校时失败", map[string]any{"server": server, "error": err.Error()})
			continue
		}
		ts.log.Log(logbus.LevelDebug, "校时结果", map[string]any{"server": server, "offset": offset.String()})
		total += offset
		ok++
	}
	if ok == 0 {
		return 0, errors.New("failed to sync time with any server")
	}
	avg := total / time.Duration(ok)
	ts.log.Log(logbus.LevelInfo, "本地时钟已校准", map[string]any{"offset": avg.String(), "servers": ok})
	return avg, nil
}

// Clock 测量成功时返回带偏移的时钟，失败时退回系统时钟。
func (ts *TimeSync) Clock(ctx context.Context) Clock {
	offset, err := ts.Measure(ctx)
	if err != nil {
		return SystemClock{}
	}
	return OffsetClock{Base: SystemClock{}, Offset: offset}
}

func (ts *TimeSync) probe(ctx context.Context, server string) (time.Duration, error) {
	before := ts.now()
	resp, err := ts.client.R().SetContext(ctx).Head(server)
	after := ts.now()
	if err != nil && (resp == nil || resp.RawResponse == nil) {
		return 0, err
	}
	raw := resp.Header().Get("Date")
	if raw == "" {
		return 0, fmt.Errorf("%s: no Date header", server)
	}
	serverTime, err := http.ParseTime(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", server, err)
	}
	rtt := after.Sub(before)
	mid := before.Add(rtt / 2)
	return serverTime.Sub(mid), nil
}
