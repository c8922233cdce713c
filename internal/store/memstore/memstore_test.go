package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavasoft/dispatcher-master/internal/store"
)

func TestJobsSubmittedPipelineWithDeviceOrdering(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	low := store.Job{ID: uuid.New(), Status: store.StatusSubmitted, IsPipeline: true, SubmitTime: now,
		ActualDevice: &store.Device{Hostname: "w1", HealthCheck: false, Priority: 1}}
	high := store.Job{ID: uuid.New(), Status: store.StatusSubmitted, IsPipeline: true, SubmitTime: now.Add(time.Second),
		ActualDevice: &store.Device{Hostname: "w1", HealthCheck: true, Priority: 1}}

	s := New(low, high)
	got, err := s.JobsSubmittedPipelineWithDevice(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, high.ID, got[0].ID, "health_check DESC must sort the health-checked job first")
}

func TestCreateJobRejectsDoubleAssignment(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	s := New(store.Job{ID: id, ActualDevice: &store.Device{Hostname: "w1"}})

	err := s.CreateJob(ctx, store.Job{ID: id}, store.Device{Hostname: "w2"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict))
}

func TestFailJobRoutesCancelingThroughCancelFinaliser(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	s := New(store.Job{ID: id, Status: store.StatusCanceling})

	require.NoError(t, s.FailJob(ctx, id, store.StatusIncomplete, "boom"))

	j, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCanceled, j.Status, "CANCELING jobs must finalise as CANCELED regardless of exit status")
}

func TestFailJobAppliesGivenStatusWhenNotCanceling(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	s := New(store.Job{ID: id, Status: store.StatusRunning})

	require.NoError(t, s.FailJob(ctx, id, store.StatusComplete, ""))

	j, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, j.Status)
}

func TestGetJobNotFound(t *testing.T) {
	s := New()
	_, err := s.GetJob(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestSelectDeviceRequiresOnlineWorker(t *testing.T) {
	ctx := context.Background()
	j := store.Job{ID: uuid.New(), RequestedDevice: &store.Device{Hostname: "w1"}}

	online := func(h string) bool { return h == "w1" }
	d, err := New(j).SelectDevice(ctx, j, online)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "w1", d.Hostname)

	offline := func(string) bool { return false }
	d, err = New(j).SelectDevice(ctx, j, offline)
	require.NoError(t, err)
	assert.Nil(t, d)
}
