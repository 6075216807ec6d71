// Package goid 提供当前 goroutine 的标识
//
// Worker 的上下文注册表以 goroutine 为键，标准库没有公开 goroutine ID，
// 这里从 runtime.Stack 的首行 "goroutine N [...]" 中解析。
package goid

import (
	"bytes"
	"runtime"
	"strconv"
)

var prefix = []byte("goroutine ")

// Get 返回调用方 goroutine 的 ID
func Get() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], prefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		panic("goid: cannot parse goroutine id: " + err.Error())
	}
	return id
}
