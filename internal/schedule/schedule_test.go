package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_ValidatesExpression(t *testing.T) {
	svc := NewService(func(context.Context, string) error { return nil })

	_, err := svc.Create("post standup reminder", "not a cron", "")
	require.Error(t, err)

	sched, err := svc.Create("post standup reminder", "0 9 * * 1-5", "")
	require.NoError(t, err)
	assert.True(t, sched.Enabled)
	assert.False(t, sched.NextRunAt.IsZero())
	assert.NotEmpty(t, sched.ID)
}

func TestCreate_SixFieldExpression(t *testing.T) {
	svc := NewService(func(context.Context, string) error { return nil })
	sched, err := svc.Create("ping", "*/2 * * * * *", "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Second), sched.NextRunAt, 3*time.Second)
}

func TestCreate_EmptyRequest(t *testing.T) {
	svc := NewService(func(context.Context, string) error { return nil })
	_, err := svc.Create("", "0 9 * * *", "")
	require.Error(t, err)
}

func TestDeleteAndList(t *testing.T) {
	svc := NewService(func(context.Context, string) error { return nil })
	a, err := svc.Create("a", "0 9 * * *", "")
	require.NoError(t, err)
	_, err = svc.Create("b", "0 10 * * *", "UTC")
	require.NoError(t, err)
	assert.Len(t, svc.List(), 2)

	svc.Delete(a.ID)
	assert.Len(t, svc.List(), 1)
	_, ok := svc.Get(a.ID)
	assert.False(t, ok)

	svc.Delete("unknown") // not an error
}

func TestFire_DispatchesRun(t *testing.T) {
	var fired atomic.Int32
	var gotRequest atomic.Value
	svc := NewService(func(_ context.Context, request string) error {
		gotRequest.Store(request)
		fired.Add(1)
		return nil
	})

	sched, err := svc.Create("send the weekly digest", "* * * * * *", "")
	require.NoError(t, err)

	svc.Start()
	defer svc.Stop()

	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, "send the weekly digest", gotRequest.Load())

	got, ok := svc.Get(sched.ID)
	require.True(t, ok)
	assert.NotNil(t, got.LastRunAt)
}
