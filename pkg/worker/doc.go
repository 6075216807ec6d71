// Package worker 提供由事件驱动、带父子层级的 goroutine Actor
//
// 每个 [Worker] 绑定一个 goroutine，拥有自己的无界邮箱和一组按优先级排序的监听器：
// • 监听器总是在 Worker 自己的 goroutine 上串行执行
// • 事件可以冒泡给所有祖先，也可以广播给整棵子树
// • 生命周期（启动、停止、暂停、结束）本身也通过事件表达
// • 父 Worker 结束时停止所有子 Worker，并等待非 daemon 子 Worker 退出
//
// # 核心组件
//
// [System] 是入口，持有上下文注册表和 root Worker。调用 [NewSystem] 的 goroutine
// 即 root Worker 的 goroutine：
//
//	sys := worker.NewSystem("my-system")
//	defer sys.Shutdown()
//
// [System.NewWorker] 创建 Worker，[Worker.Start] 在新 goroutine 上运行，
// [Worker.StartOverlay] 在调用方 goroutine 上运行。未指定父 Worker 时，
// 父 Worker 为调用方 goroutine 的当前 Worker。
//
// # 事件
//
// [Worker.Fire] 尽力投递：目标未运行时不会报错，而是向事件的 target 回送
// [EventReject]。[Worker.Listen] 注册监听器，[Worker.WaitEvent] 运行事件循环直到
// 收到指定事件，期间收到的其他事件照常分发。
//
// 保留事件名构成生命周期协议：[StopThread]、[PauseThread]、[ResumeThread]、
// [ChildThreadStart]、[ChildThreadStop]、[ChildThreadDone]、[ChildThreadError]、
// [ChildThreadEnd]、[WaitThreadPending]、[WaitThreadPendingDone]、[EventReject]、
// [Execute]、[ListenerError]。
//
// # 等待其他 Worker
//
// [Worker.WaitThread] 在事件循环中等待另一个 Worker 结束，[Worker.Join] 则直接阻塞
// goroutine。[Async] 把函数包装成独立的 daemon Worker，[Async.Get] 取回结果。
// [Worker.Later] 延迟后在 Worker 自己的 goroutine 上执行回调。
//
// # 通道
//
// [Channel] 以弱引用保存订阅者，[Channel.Publish] 向所有存活订阅者触发事件。
//
// 完整使用示例请参考 example_test.go 或运行 go doc -all。
package worker
