package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/faucet"
	"guardian-bootstrap/pkg/logger"
)

// 进程退出码。
const (
	exitOK       = 0
	exitUsage    = 1
	exitFailed   = 2
	exitDisabled = 3
)

// main 是 guardian 命令行的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:])
	stop()
	_ = logger.Sync()
	os.Exit(code)
}

func execute(ctx context.Context, args []string) int {
	root := newRootCommand()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

// exitError 为命令执行失败附加退出码。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// failed 将运行期失败标记为退出码 2，水龙头关闭标记为 3。
func failed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, faucet.ErrDisabled) {
		return &exitError{code: exitDisabled, err: err}
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeConfiguration, xerrors.CodeInvalidArgument:
		return &exitError{code: exitUsage, err: err}
	}
	return &exitError{code: exitFailed, err: err}
}

// exitCode 未标记的错误来自参数解析或配置加载，按用法错误处理。
func exitCode(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return exitUsage
}
