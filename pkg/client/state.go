package client

import (
	"sync"
	"time"
)

// State 客户端连接状态
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status 通知给界面的状态
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusOffline      Status = "offline"
	StatusClosed       Status = "closed"
)

// 重试延迟
const (
	RetryFirstDelay = 0
	RetryDelay      = time.Second
	RetrySlowDelay  = 3 * time.Second
	RetrySlowAfter  = 10
)

// retryDelay 第 n 次重试（从0开始）前的等待
func retryDelay(n int) time.Duration {
	switch {
	case n == 0:
		return RetryFirstDelay
	case n < RetrySlowAfter:
		return RetryDelay
	default:
		return RetrySlowDelay
	}
}

// serialQueue 单协程按提交顺序执行任务，Post 永不阻塞
type serialQueue struct {
	mu      sync.Mutex
	tasks   []func()
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Post 提交任务，关闭后提交的任务被丢弃
func (q *serialQueue) Post(fn func()) {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	q.signal()
}

// Close 执行完已提交的任务后退出
func (q *serialQueue) Close() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
	q.signal()
}

func (q *serialQueue) Done() <-chan struct{} {
	return q.done
}

func (q *serialQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *serialQueue) loop() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.tasks) == 0 {
				closing := q.closing
				q.mu.Unlock()
				if closing {
					return
				}
				break
			}
			fn := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			fn()
		}
	}
}
