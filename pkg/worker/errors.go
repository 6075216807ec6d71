package worker

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrMailboxClosed 邮箱已关闭（Worker 已结束或正在清理）
	ErrMailboxClosed = errors.New("worker mailbox is closed")

	// ErrUntracked 当前 goroutine 不属于任何 Worker 上下文，见 [System.Self]
	ErrUntracked = errors.New("goroutine is not tracked by the worker registry")

	// ErrUnexpectedPayload 内置事件携带了不符合约定的数据
	ErrUnexpectedPayload = errors.New("unexpected event payload")
)

// exitSignal Worker 退出信号
//
// 由 STOP_THREAD 监听器或 [Worker.Exit] 以 panic 抛出，
// 只在 Worker 主体包装函数中被捕获，监听器分发时会原样重新抛出。
type exitSignal struct{}

func (exitSignal) String() string { return "worker exit" }

// IsExit 判断 recover 得到的值是否为 Worker 退出信号
func IsExit(v any) bool {
	_, ok := v.(exitSignal)
	return ok
}

// toError 将 recover 得到的值转换为带调用栈的错误
func toError(r any) error {
	if err, ok := r.(error); ok {
		return errors.WithStack(err)
	}
	return errors.Errorf("panic: %v", r)
}

// stackOf 返回错误的详细描述（pkg/errors 会附带调用栈）
func stackOf(err error) string {
	return fmt.Sprintf("%+v", err)
}

// ═══════════════════════════════════════════════════════════════════════════
// 错误处理工具
// ═══════════════════════════════════════════════════════════════════════════

// IsContextError 检查错误是否为 context 相关错误
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
