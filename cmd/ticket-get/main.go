package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jokerjunya/ticket-get/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		// 第一次信号交给命令收尾，之后恢复默认处理，再按一次 Ctrl+C 直接退出。
		<-ctx.Done()
		stop()
	}()

	err := cli.NewRootCommand().ExecuteContext(ctx)
	var ee *cli.ExitError
	if err != nil && !(errors.As(err, &ee) && ee.Message == "" && ee.Err == nil) {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	stop()
	os.Exit(cli.ExitCode(err))
}
