package replay

import (
	"sync"
)

// DefaultCapacity 服务端重放缓冲区固定容量
const DefaultCapacity = 10

// Buffer 有界FIFO缓冲区，容量满时淘汰最旧条目
type Buffer[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // 读位置
	count    int
	capacity int

	// 统计
	totalPushed  int64
	totalEvicted int64
	totalDrained int64
}

// NewBuffer 创建缓冲区，capacity<1 时按 1 处理
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

// Push 追加到队尾。返回被淘汰的条目数量（0或1）
func (b *Buffer[T]) Push(item T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalPushed++
	evicted := 0
	if b.count == b.capacity {
		b.popFrontLocked()
		evicted = 1
		b.totalEvicted++
	}

	tail := (b.head + b.count) % b.capacity
	b.buf[tail] = item
	b.count++
	return evicted
}

// Requeue 把未消费的条目放回队首，保持原有顺序。
// 超出容量时按FIFO规则淘汰最旧的条目，即 items 的前部。
func (b *Buffer[T]) Requeue(items []T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	for i := len(items) - 1; i >= 0; i-- {
		if b.count == b.capacity {
			// 队首插入时已满：待插入的条目比队内所有条目都旧
			evicted += i + 1
			break
		}
		b.head = (b.head - 1 + b.capacity) % b.capacity
		b.buf[b.head] = items[i]
		b.count++
	}
	b.totalEvicted += int64(evicted)
	return evicted
}

// Drain 取出全部条目（FIFO顺序）并清空
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	result := make([]T, 0, b.count)
	for b.count > 0 {
		result = append(result, b.popFrontLocked())
	}
	b.totalDrained += int64(len(result))
	return result
}

// Snapshot 返回当前内容的拷贝，不消费
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]T, b.count)
	for i := 0; i < b.count; i++ {
		result[i] = b.buf[(b.head+i)%b.capacity]
	}
	return result
}

// Len 当前条目数
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap 容量
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Stats 统计信息
func (b *Buffer[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Count:        b.count,
		Capacity:     b.capacity,
		TotalPushed:  b.totalPushed,
		TotalEvicted: b.totalEvicted,
		TotalDrained: b.totalDrained,
	}
}

// Stats 缓冲区统计
type Stats struct {
	Count        int
	Capacity     int
	TotalPushed  int64
	TotalEvicted int64
	TotalDrained int64
}

// popFrontLocked 调用方必须持有锁
func (b *Buffer[T]) popFrontLocked() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero
	b.head = (b.head + 1) % b.capacity
	b.count--
	return item
}
