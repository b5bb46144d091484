package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisposablesReleasesEveryResourceOnce(t *testing.T) {
	var disposed []int
	var d Disposables

	for i := 0; i < 3; i++ {
		i := i
		d.AddFunc(func() { disposed = append(disposed, i) })
	}

	d.Dispose()
	d.Dispose() // second call must be a no-op

	assert.Equal(t, []int{2, 1, 0}, disposed, "resources release in reverse registration order, exactly once")
}

func TestDisposablesSurvivesPanickingRelease(t *testing.T) {
	var d Disposables
	ran := false

	d.AddFunc(func() { panic("boom") })
	d.AddFunc(func() { ran = true })

	require.NotPanics(t, func() { d.Dispose() })
	assert.True(t, ran, "later items still release when an earlier one panics")
}

func TestDisposablesAddAfterDisposeRunsImmediately(t *testing.T) {
	var d Disposables
	d.Dispose()

	ran := false
	d.AddFunc(func() { ran = true })

	assert.True(t, ran)
}

func TestTimeoutReturnsResultWhenFast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := Timeout(ctx, func(ctx context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestTimeoutExpiresWhenSlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Timeout(ctx, func(ctx context.Context) (int, error) {
		time.Sleep(200 * time.Millisecond)
		return 1, nil
	})

	assert.ErrorIs(t, err, ErrTimeout)
}
