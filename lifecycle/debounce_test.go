package lifecycle

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebounceCoalescesBurstIntoOneCall(t *testing.T) {
	var calls int32
	var lastArg atomic.Value

	d := NewDebounce(30*time.Millisecond, func(arg string) {
		atomic.AddInt32(&calls, 1)
		lastArg.Store(arg)
	})

	d.Trigger("a")
	d.Trigger("b")
	d.Trigger("c")

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "c", lastArg.Load())
}

func TestDebounceFlushRunsInlineAndCancelsTimer(t *testing.T) {
	var calls int32

	d := NewDebounce(time.Hour, func(arg int) {
		atomic.AddInt32(&calls, 1)
	})

	d.Trigger(1)
	d.Flush()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "flush must run synchronously")
	assert.False(t, d.Pending())

	// Wait past what the (cancelled) hour-long timer would have fired at,
	// using a short sleep since this is a test: a second fire would show up.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDebounceClearDropsPendingCall(t *testing.T) {
	var calls int32
	d := NewDebounce(20*time.Millisecond, func(arg int) {
		atomic.AddInt32(&calls, 1)
	})

	d.Trigger(1)
	d.Clear()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestDebounceFlushWithNothingPendingIsNoop(t *testing.T) {
	var calls int32
	d := NewDebounce(20*time.Millisecond, func(arg int) {
		atomic.AddInt32(&calls, 1)
	})

	d.Flush()
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
