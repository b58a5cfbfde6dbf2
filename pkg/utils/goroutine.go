package utils

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// SafeGo 安全地启动一个带名称的 goroutine，自动捕获 panic 并记录日志
// 使用方式: utils.SafeGo(log, "discovery", func() { ... })
func SafeGo(log *zap.Logger, name string, fn func()) {
	go Recover(log, name, fn)
}

// Recover runs fn in the calling goroutine and logs any panic with its stack.
// It returns true when fn panicked.
func Recover(log *zap.Logger, name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			if log == nil {
				log = zap.NewNop()
			}
			log.Error("goroutine panic recovered",
				zap.String("goroutine", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
	return false
}
