package client

import (
	"sync"

	"go.uber.org/zap"
)

// Controller LifecycleAdapter 需要的管理器操作
type Controller interface {
	State() State
	Start()
	TouchActivity()
	Online()
	Offline()
}

// Reason 最近一次宿主环境信号留下的原因
type Reason string

const (
	ReasonNone   Reason = ""
	ReasonFrozen Reason = "frozen"
)

// LifecycleAdapter 把宿主环境信号（可见性、冻结/恢复、网络在线状态）转换成管理器操作，
// 除最近一次原因外不持有状态
type LifecycleAdapter struct {
	ctrl   Controller
	logger *zap.Logger

	mu     sync.Mutex
	reason Reason
}

// NewLifecycleAdapter 创建适配器
func NewLifecycleAdapter(ctrl Controller, logger *zap.Logger) *LifecycleAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LifecycleAdapter{ctrl: ctrl, logger: logger}
}

// Reason 当前原因
func (a *LifecycleAdapter) Reason() Reason {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

// Visible 页面可见
func (a *LifecycleAdapter) Visible() {
	a.ctrl.TouchActivity()
	a.startUnlessConnected("visible")
}

// Hidden 页面隐藏时不做处理，由保活监控发现静默
func (a *LifecycleAdapter) Hidden() {
	a.logger.Debug("page hidden")
}

// Freeze 只记录原因，不拆除连接
func (a *LifecycleAdapter) Freeze() {
	a.mu.Lock()
	a.reason = ReasonFrozen
	a.mu.Unlock()
	a.logger.Debug("page frozen")
}

// Resume 从冻结恢复
func (a *LifecycleAdapter) Resume() {
	a.mu.Lock()
	frozen := a.reason == ReasonFrozen
	a.reason = ReasonNone
	a.mu.Unlock()

	if !frozen {
		a.logger.Debug("resume without freeze ignored")
		return
	}
	a.startUnlessConnected("resume")
}

// Online 网络恢复
func (a *LifecycleAdapter) Online() {
	a.logger.Info("network online")
	a.ctrl.Online()
}

// Offline 网络断开
func (a *LifecycleAdapter) Offline() {
	a.logger.Info("network offline")
	a.ctrl.Offline()
}

func (a *LifecycleAdapter) startUnlessConnected(signal string) {
	if state := a.ctrl.State(); state != StateConnected {
		a.logger.Debug("starting after host signal", zap.String("signal", signal), zap.Stringer("state", state))
		a.ctrl.Start()
	}
}
