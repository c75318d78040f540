package errors

import (
	stderrors "errors"
	"fmt"
	"sync"
)

// 定义错误类型
var (
	ErrConnectionClosed    = stderrors.New("connection closed")
	ErrNotConnected        = stderrors.New("not connected")
	ErrBufferFull          = stderrors.New("message buffer full")
	ErrInvalidFrame        = stderrors.New("invalid frame")
	ErrUnknownMethod       = stderrors.New("unknown method")
	ErrCompressionFailed   = stderrors.New("compression failed")
	ErrDecompressionFailed = stderrors.New("decompression failed")
	ErrProtocolError       = stderrors.New("protocol error")
	ErrInvalidConfig       = stderrors.New("invalid config")
	ErrClosed              = stderrors.New("manager closed")
	ErrMaxReconnect        = stderrors.New("max reconnection attempts reached")
)

// Kind 错误分类
type Kind int

const (
	// KindConnect 传输从未建立，按退避策略重试
	KindConnect Kind = iota + 1
	// KindDelivery 单个接收方投递失败
	KindDelivery
	// KindTotalDelivery 一次广播没有任何接收方成功
	KindTotalDelivery
	// KindStaleLink 没有关闭信号，但静默超过保活阈值
	KindStaleLink
	// KindSessionExpired 会话时长耗尽，属于正常关闭
	KindSessionExpired
	// KindSuppressed 离线或主动关闭导致的重连抑制
	KindSuppressed
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDelivery:
		return "delivery"
	case KindTotalDelivery:
		return "total_delivery"
	case KindStaleLink:
		return "stale_link"
	case KindSessionExpired:
		return "session_expired"
	case KindSuppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// Error 带分类的错误
type Error struct {
	Kind Kind
	ID   string // 相关连接ID，可为空
	Err  error
}

// New 创建分类错误
func New(kind Kind, id string, err error) *Error {
	return &Error{Kind: kind, ID: id, Err: err}
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Kind, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf 返回错误链上第一个分类，没有则为0
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is 转发到标准库
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As 转发到标准库
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// ErrorCenter 错误处理中心
type ErrorCenter struct {
	mu             sync.RWMutex
	errorCallbacks []func(error) // 错误回调函数列表
}

// NewErrorCenter 创建新的错误处理中心
func NewErrorCenter() *ErrorCenter {
	return &ErrorCenter{
		errorCallbacks: make([]func(error), 0),
	}
}

// AddErrorCallback 添加错误回调函数
func (ec *ErrorCenter) AddErrorCallback(callback func(error)) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.errorCallbacks = append(ec.errorCallbacks, callback)
}

// ReportError 报告错误
func (ec *ErrorCenter) ReportError(err error) {
	if err == nil {
		return
	}
	ec.mu.RLock()
	callbacks := make([]func(error), len(ec.errorCallbacks))
	copy(callbacks, ec.errorCallbacks)
	ec.mu.RUnlock()

	for _, callback := range callbacks {
		callback(err)
	}
}

// ClearCallbacks 清空所有回调函数
func (ec *ErrorCenter) ClearCallbacks() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.errorCallbacks = make([]func(error), 0)
}
