package ingest

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState 熔断器状态
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// ErrCircuitOpen 熔断器打开时的快速失败错误，不参与重试
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker 熔断器。连续失败达到阈值后打开；超时后进入半开状态，
// 半开状态只放行一次试探调用，成功则关闭，失败则重新打开。
type CircuitBreaker struct {
	name string

	// 配置
	failureThreshold int           // 失败阈值
	resetTimeout     time.Duration // 打开后允许试探的等待时间

	// 状态
	state           int32
	failureCount    int32
	trialInFlight   int32 // 半开状态下的试探占用标记
	lastFailureTime time.Time
	mutex           sync.RWMutex

	// 状态变化回调（可选），用于指标上报
	onStateChange func(name string, state CircuitBreakerState)
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(name string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            int32(StateClosed),
	}
}

// OnStateChange 注册状态变化回调
func (cb *CircuitBreaker) OnStateChange(fn func(name string, state CircuitBreakerState)) {
	cb.onStateChange = fn
}

// Call 执行函数调用（带熔断保护）
func (cb *CircuitBreaker) Call(fn func() error) error {
	trial, ok := cb.acquire()
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()
	cb.recordResult(err == nil, trial)
	return err
}

// acquire 检查是否可以执行请求，返回是否为半开试探调用
func (cb *CircuitBreaker) acquire() (trial bool, ok bool) {
	switch cb.getState() {
	case StateClosed:
		return false, true
	case StateOpen:
		cb.mutex.RLock()
		canHalfOpen := time.Since(cb.lastFailureTime) >= cb.resetTimeout
		cb.mutex.RUnlock()
		if !canHalfOpen {
			return false, false
		}
		cb.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		// 半开状态只允许一个试探调用
		if atomic.CompareAndSwapInt32(&cb.trialInFlight, 0, 1) {
			return true, true
		}
		return false, false
	default:
		return false, false
	}
}

// recordResult 记录执行结果
func (cb *CircuitBreaker) recordResult(success bool, trial bool) {
	if trial {
		defer atomic.StoreInt32(&cb.trialInFlight, 0)
	}
	if success {
		cb.recordSuccess()
	} else {
		cb.recordFailure()
	}
}

// recordSuccess 记录成功
func (cb *CircuitBreaker) recordSuccess() {
	switch cb.getState() {
	case StateHalfOpen:
		// 试探成功，关闭熔断器
		atomic.StoreInt32(&cb.failureCount, 0)
		cb.setState(StateClosed)
	case StateClosed:
		atomic.StoreInt32(&cb.failureCount, 0)
	}
}

// recordFailure 记录失败
func (cb *CircuitBreaker) recordFailure() {
	cb.mutex.Lock()
	cb.lastFailureTime = time.Now()
	cb.mutex.Unlock()

	switch cb.getState() {
	case StateHalfOpen:
		// 试探失败，重新打开熔断器
		cb.setState(StateOpen)
	case StateClosed:
		count := atomic.AddInt32(&cb.failureCount, 1)
		if int(count) >= cb.failureThreshold {
			cb.setState(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) getState() CircuitBreakerState {
	return CircuitBreakerState(atomic.LoadInt32(&cb.state))
}

func (cb *CircuitBreaker) setState(s CircuitBreakerState) {
	old := atomic.SwapInt32(&cb.state, int32(s))
	if old != int32(s) && cb.onStateChange != nil {
		cb.onStateChange(cb.name, s)
	}
}

// GetState 获取当前状态（外部接口）
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return cb.getState()
}

// GetStats 获取统计信息
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return map[string]interface{}{
		"name":              cb.name,
		"state":             cb.getState().String(),
		"failure_count":     atomic.LoadInt32(&cb.failureCount),
		"failure_threshold": cb.failureThreshold,
		"reset_timeout":     cb.resetTimeout.String(),
		"last_failure_time": cb.lastFailureTime,
	}
}

// String 返回状态字符串
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
