package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_AddAndRunNow(t *testing.T) {
	s := NewScheduler(testLogger())
	var runs atomic.Int32

	require.NoError(t, s.Add("refresh", "@every 2m", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	}))

	assert.Error(t, s.Add("refresh", "@every 2m", time.Second, func(context.Context) error { return nil }))
	assert.Error(t, s.Add("broken", "every now and then", time.Second, func(context.Context) error { return nil }))

	require.NoError(t, s.RunNow(context.Background(), "refresh"))
	assert.Equal(t, int32(1), runs.Load())
	assert.Error(t, s.RunNow(context.Background(), "missing"))
}

func TestScheduler_RunNowPropagatesError(t *testing.T) {
	s := NewScheduler(testLogger())
	boom := errors.New("boom")
	require.NoError(t, s.Add("sweep", "@every 1m", 0, func(context.Context) error { return boom }))

	assert.ErrorIs(t, s.RunNow(context.Background(), "sweep"), boom)
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(testLogger())
	require.NoError(t, s.Add("noop", "@every 1h", 0, func(context.Context) error { return nil }))

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
	assert.NoError(t, s.Stop(ctx))
}
