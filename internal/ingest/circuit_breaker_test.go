package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errDownstream = errors.New("downstream unavailable")

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", 5, time.Minute)

	for i := 0; i < 5; i++ {
		assert.Equal(t, StateClosed, cb.GetState(), "第%d次失败前应仍为closed", i+1)
		err := cb.Call(func() error { return errDownstream })
		assert.ErrorIs(t, err, errDownstream)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	// 打开后快速失败，下游不会被调用
	called := false
	err := cb.Call(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker("test", 5, time.Minute)

	for i := 0; i < 4; i++ {
		_ = cb.Call(func() error { return errDownstream })
	}
	assert.NoError(t, cb.Call(func() error { return nil }))

	// 成功清零后又需要5次连续失败才会打开
	for i := 0; i < 4; i++ {
		_ = cb.Call(func() error { return errDownstream })
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("test", 2, 10*time.Millisecond)

	_ = cb.Call(func() error { return errDownstream })
	_ = cb.Call(func() error { return errDownstream })
	assert.Equal(t, StateOpen, cb.GetState())

	time.Sleep(20 * time.Millisecond)

	// 试探成功，熔断器关闭
	assert.NoError(t, cb.Call(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", 2, 10*time.Millisecond)

	_ = cb.Call(func() error { return errDownstream })
	_ = cb.Call(func() error { return errDownstream })
	time.Sleep(20 * time.Millisecond)

	err := cb.Call(func() error { return errDownstream })
	assert.ErrorIs(t, err, errDownstream)
	assert.Equal(t, StateOpen, cb.GetState())

	// 重新打开后再次快速失败
	err = cb.Call(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Minute)

	var states []CircuitBreakerState
	cb.OnStateChange(func(name string, s CircuitBreakerState) {
		states = append(states, s)
	})

	_ = cb.Call(func() error { return errDownstream })
	assert.Equal(t, []CircuitBreakerState{StateOpen}, states)
}
