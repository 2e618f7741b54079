package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/jokerjunya/ticket-get/internal/httpapi"
	"github.com/jokerjunya/ticket-get/internal/logbus"
	"github.com/jokerjunya/ticket-get/internal/orchestrator"
)

type MonitorOptions struct {
	*RootOptions
	Addr string
}

// NewMonitorCommand 单独启动监控接口，查看历史和批量任务；没有正在执行的购票。
func NewMonitorCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MonitorOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "启动监控接口（执行历史、批量任务、邮件设置）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMonitor(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (defaults to server.addr in config)")
	return cmd
}

func runMonitor(ctx context.Context, opts *MonitorOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, opts.RootOptions, "", os.Stdout)
	if err != nil {
		return err
	}
	defer a.close()

	addr := opts.Addr
	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	srv := httpapi.New(httpapi.Options{
		Cfg:   a.cfg,
		Bus:   a.bus,
		Store: a.store,
		State: orchestrator.NewState(),
	})
	a.bus.Log(logbus.LevelInfo, "监控接口已启动", map[string]any{"addr": addr})
	err = srv.ListenAndServe(ctx, addr)
	a.bus.Log(logbus.LevelInfo, "监控接口已停止", nil)
	return err
}
