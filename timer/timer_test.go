package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/knighttour/logger"
)

func TestScheduler_Due(t *testing.T) {
	s := NewScheduler(time.Hour)
	start := time.Now()
	fast := s.Every("fast", time.Second, func() {})
	slow := s.Every("slow", time.Minute, func() {})
	require.Equal(t, 2, s.Len())
	assert.Zero(t, s.Every("never", 0, func() {}))
	assert.Equal(t, 2, s.Len(), "non-positive intervals are not scheduled")

	assert.Empty(t, s.due(start))

	ready := s.due(start.Add(2 * time.Second))
	require.Len(t, ready, 1)
	assert.Equal(t, fast, ready[0].ID)
	assert.Equal(t, 2, s.Len(), "tasks are rescheduled")

	ready = s.due(start.Add(2 * time.Minute))
	require.Len(t, ready, 2)
	assert.ElementsMatch(t, []int64{fast, slow}, []int64{ready[0].ID, ready[1].ID})
	assert.True(t, ready[0].Next.After(start.Add(2*time.Minute)))
}

func TestScheduler_Run(t *testing.T) {
	logger.SetForTest()
	s := NewScheduler(5 * time.Millisecond)
	var runs atomic.Int32
	s.Every("count", 10*time.Millisecond, func() { runs.Add(1) })
	s.Every("boom", 10*time.Millisecond, func() { panic("boom") })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
