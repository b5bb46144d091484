package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterCallsSubscribersInOrder(t *testing.T) {
	e := NewEmitter[int]()
	var mu sync.Mutex
	var order []string

	e.On(func(v int) { mu.Lock(); order = append(order, "a"); mu.Unlock() })
	e.On(func(v int) { mu.Lock(); order = append(order, "b"); mu.Unlock() })

	e.Emit(1)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestEmitterUnsubscribeDuringEmitDoesNotAffectCurrentDispatch(t *testing.T) {
	e := NewEmitter[int]()
	var calledB bool
	var subB Subscription

	e.On(func(v int) { subB.Unsubscribe() })
	subB = e.On(func(v int) { calledB = true })

	e.Emit(1)
	assert.True(t, calledB, "subscriber present at dispatch start must still be called even if removed mid-emit")

	calledB = false
	e.Emit(2)
	assert.False(t, calledB, "unsubscribe must take effect for the next Emit")
}

func TestEmitterSubscriberAddedDuringEmitNotCalledUntilNextEmit(t *testing.T) {
	e := NewEmitter[int]()
	var calledNew bool

	e.On(func(v int) {
		e.On(func(v int) { calledNew = true })
	})

	e.Emit(1)
	assert.False(t, calledNew, "a handler added mid-dispatch must not run in the same Emit")

	e.Emit(2)
	assert.True(t, calledNew)
}

func TestRequestGateAllVoidSucceedsWhenEveryHandlerSucceeds(t *testing.T) {
	g := NewRequestGate[string, struct{}](AllVoid[struct{}]())
	g.On(func(ctx context.Context, p string) (struct{}, error) { return struct{}{}, nil })
	g.On(func(ctx context.Context, p string) (struct{}, error) { return struct{}{}, nil })

	_, err := g.Dispatch(context.Background(), "params")
	assert.NoError(t, err)
}

func TestRequestGateAllVoidFailsOnAnyError(t *testing.T) {
	wantErr := errors.New("handler failed")
	g := NewRequestGate[string, struct{}](AllVoid[struct{}]())
	g.On(func(ctx context.Context, p string) (struct{}, error) { return struct{}{}, nil })
	g.On(func(ctx context.Context, p string) (struct{}, error) { return struct{}{}, wantErr })

	_, err := g.Dispatch(context.Background(), "params")
	assert.ErrorIs(t, err, wantErr)
}

func TestRequestGateSingleHandlerReturnsTheOneResponse(t *testing.T) {
	isNil := func(v *string) bool { return v == nil }
	g := NewRequestGate[string, *string](SingleHandler(isNil, nil))

	g.On(func(ctx context.Context, p string) (*string, error) { return nil, nil })
	s := "the answer"
	g.On(func(ctx context.Context, p string) (*string, error) { return &s, nil })
	g.On(func(ctx context.Context, p string) (*string, error) { return nil, nil })

	got, err := g.Dispatch(context.Background(), "params")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "the answer", *got)
}

func TestRequestGateSingleHandlerMismatchInvokesOnMismatch(t *testing.T) {
	isNil := func(v *string) bool { return v == nil }
	called := false
	onMismatch := func() (*string, error) {
		called = true
		return nil, nil
	}
	g := NewRequestGate[string, *string](SingleHandler(isNil, onMismatch))

	a, b := "a", "b"
	g.On(func(ctx context.Context, p string) (*string, error) { return &a, nil })
	g.On(func(ctx context.Context, p string) (*string, error) { return &b, nil })

	_, err := g.Dispatch(context.Background(), "params")
	require.NoError(t, err)
	assert.True(t, called, "more than one non-nil response must invoke onMismatch")
}

func TestRequestGateSingleHandlerNoMismatchHandlerReturnsError(t *testing.T) {
	isNil := func(v *string) bool { return v == nil }
	g := NewRequestGate[string, *string](SingleHandler(isNil, nil))

	_, err := g.Dispatch(context.Background(), "params")
	assert.ErrorIs(t, err, ErrHandlerCountMismatch)
}

func TestRequestGateUnsubscribeRemovesHandler(t *testing.T) {
	g := NewRequestGate[string, struct{}](AllVoid[struct{}]())
	sub := g.On(func(ctx context.Context, p string) (struct{}, error) { return struct{}{}, nil })
	require.Equal(t, 1, g.Len())

	sub.Unsubscribe()
	assert.Equal(t, 0, g.Len())
}
