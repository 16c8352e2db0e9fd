package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddNamedJobReplaces(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.AddNamedJob("reload", "@every 1m", func() {}))
	require.NoError(t, s.AddNamedJob("reload", "@every 2m", func() {}))
	require.NoError(t, s.AddNamedJob("cleanup", "@every 1m", func() {}))
	assert.Equal(t, 2, s.GetScheduledJobCount())

	s.RemoveJob("reload")
	s.RemoveJob("missing")
	assert.Equal(t, 1, s.GetScheduledJobCount())
}

func TestAddJobRejectsBadSpec(t *testing.T) {
	s := NewScheduler()
	_, err := s.AddJob("every now and then", func() {})
	assert.Error(t, err)
	assert.Error(t, s.AddNamedJob("x", "", func() {}))
	assert.Equal(t, 0, s.GetScheduledJobCount())
}

func TestJobsRunAndPanicsAreRecovered(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	_, err := s.AddJob("@every 1s", func() {
		runs.Add(1)
		panic("job failed")
	})
	require.NoError(t, err)

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	s.Stop()
}
