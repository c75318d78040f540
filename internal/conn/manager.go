package conn

import (
	"sync"
)

// ConnectionManager 按ID索引的活跃传输连接表
type ConnectionManager struct {
	connections map[string]*Connection
	mutex       sync.RWMutex
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*Connection),
	}
}

// Add 添加连接
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.connections[c.ID()] = c
}

// Remove 移除连接但不关闭，只有表中仍是同一个连接时才删除
func (cm *ConnectionManager) Remove(c *Connection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	if cur, exists := cm.connections[c.ID()]; exists && cur == c {
		delete(cm.connections, c.ID())
	}
}

// Get 获取连接
func (cm *ConnectionManager) Get(id string) (*Connection, bool) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	c, exists := cm.connections[id]
	return c, exists
}

// Count 活跃连接数
func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.connections)
}

// Stats 汇总统计
func (cm *ConnectionManager) Stats() Stats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	var total Stats
	for _, c := range cm.connections {
		s := c.Stats()
		total.Sent += s.Sent
		total.Received += s.Received
		total.Dropped += s.Dropped
	}
	return total
}

// CloseAll 关闭所有连接
func (cm *ConnectionManager) CloseAll() {
	cm.mutex.Lock()
	conns := make([]*Connection, 0, len(cm.connections))
	for id, c := range cm.connections {
		conns = append(conns, c)
		delete(cm.connections, id)
	}
	cm.mutex.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
