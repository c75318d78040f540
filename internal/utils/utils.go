package utils

import (
	"math/rand/v2"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// GenerateConnectionID 生成唯一连接ID
func GenerateConnectionID() string {
	return uuid.NewString()
}

// GenerateInvocationID 生成调用ID
func GenerateInvocationID() string {
	return uuid.NewString()
}

// IsValidURL 检查URL是否为 ws/wss 地址
func IsValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "ws" || u.Scheme == "wss"
}

// CalculateBackoff 指数退避 base*2^attempt，封顶 max，再加至多一半的随机抖动
func CalculateBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	wait := base * time.Duration(1<<uint(attempt))
	if max > 0 && (wait > max || wait <= 0) {
		wait = max
	}
	if half := int64(wait / 2); half > 0 {
		wait += time.Duration(rand.Int64N(half))
	}
	return wait
}
