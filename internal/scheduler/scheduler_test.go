package scheduler

import (
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	runs  int32
	err   error
}

func (j *countingJob) Run() error {
	atomic.AddInt32(&j.runs, 1)
	return j.err
}
func (j *countingJob) Name() string { return j.name }

func TestRunNowExecutesImmediately(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{name: "test-job"}

	require.NoError(t, s.RunNow(job))
	assert.EqualValues(t, 1, atomic.LoadInt32(&job.runs))
}

func TestAddJobRegistersEntryByName(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{name: "test-job"}

	require.NoError(t, s.AddJob("@every 1h", job))
	_, ok := s.entries["test-job"]
	assert.True(t, ok)
}

func TestReplaceJobSwapsEntryUnderSameName(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{name: "test-job"}

	require.NoError(t, s.AddJob("@every 1h", job))
	firstID := s.entries["test-job"]

	require.NoError(t, s.ReplaceJob("@every 2h", job))
	secondID := s.entries["test-job"]
	assert.NotEqual(t, firstID, secondID, "ReplaceJob must install a fresh cron entry")
}

func TestRemoveJobDropsEntry(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{name: "test-job"}
	require.NoError(t, s.AddJob("@every 1h", job))

	s.RemoveJob("test-job")
	_, ok := s.entries["test-job"]
	assert.False(t, ok)
}

func TestRemoveJobUnknownNameIsANoop(t *testing.T) {
	s := New(zerolog.Nop())
	assert.NotPanics(t, func() { s.RemoveJob("nosuch") })
}
