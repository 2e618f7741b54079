// Package cli 是 ticket-get 命令行入口：purchase、schedule、runs、monitor。
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions 所有子命令共用的参数。
type RootOptions struct {
	ConfigPath string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ticket-get",
		Short: "按开售时间自动完成购票流程",
		Long: `ticket-get 用浏览器自动完成登录、等待开售、选座、填写信息与下单。

遇到验证码时会暂停，人工处理后在终端按回车（或通过监控接口）继续。`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "config.yaml", "path to config.yaml (defaults are used when missing)")

	cmd.AddCommand(NewPurchaseCommand(opts))
	cmd.AddCommand(NewScheduleCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewMonitorCommand(opts))
	return cmd
}

const (
	ExitSuccess = 0
	ExitFailure = 1
)

// ExitError 携带进程退出码；执行失败本身已经记录在日志里，Message 可以为空。
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Message
	}
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode 从命令返回的错误中取退出码，非 ExitError 一律为 1。
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}
