package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lavasoft/dispatcher-master/internal/config"
	"github.com/lavasoft/dispatcher-master/internal/registry"
	"github.com/lavasoft/dispatcher-master/internal/store"
	"github.com/lavasoft/dispatcher-master/internal/store/memstore"
	"github.com/lavasoft/dispatcher-master/internal/wire"
)

type fakePusher struct {
	pushes []pushCall
	fail   map[string]bool
}

type pushCall struct {
	hostname string
	frame    wire.Frame
}

func (p *fakePusher) Push(hostname string, f wire.Frame) error {
	if p.fail[hostname] {
		return assert.AnError
	}
	p.pushes = append(p.pushes, pushCall{hostname: hostname, frame: f})
	return nil
}

func newTestSweeper(t *testing.T, seed ...store.Job) (*Sweeper, *memstore.Store, *registry.Registry, *fakePusher) {
	t.Helper()
	st := memstore.New(seed...)
	reg := registry.New(zap.NewNop())
	push := &fakePusher{}
	sw, err := New(zap.NewNop(), st, reg, push, config.Config{Timing: config.DefaultTiming()})
	require.NoError(t, err)
	return sw, st, reg, push
}

func TestSweepAssignsSubmittedJobToOnlineDevice(t *testing.T) {
	id := uuid.New()
	job := store.Job{
		ID:              id,
		Status:          store.StatusSubmitted,
		IsPipeline:      true,
		RequestedDevice: &store.Device{Hostname: "w1"},
		Definition:      "job_name: smoke\n",
	}

	sw, st, reg, push := newTestSweeper(t, job)
	reg.Touch("w1", time.Now())

	require.NoError(t, sw.Sweep(context.Background()))

	got, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, got.ActualDevice)
	assert.Equal(t, "w1", got.ActualDevice.Hostname)

	require.Len(t, push.pushes, 1)
	assert.Equal(t, "w1", push.pushes[0].hostname)
	assert.Equal(t, []byte("w1"), push.pushes[0].frame[0])
	assert.Equal(t, []byte("START"), push.pushes[0].frame[1])
	assert.Equal(t, []byte(id.String()), push.pushes[0].frame[2])
}

func TestSweepSkipsAssignmentWhenDeviceOffline(t *testing.T) {
	id := uuid.New()
	job := store.Job{
		ID:              id,
		Status:          store.StatusSubmitted,
		IsPipeline:      true,
		RequestedDevice: &store.Device{Hostname: "w1"},
	}

	sw, st, _, push := newTestSweeper(t, job)
	// w1 is never touched, so it is not online.

	require.NoError(t, sw.Sweep(context.Background()))

	got, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, got.ActualDevice)
	assert.Equal(t, store.StatusSubmitted, got.Status)
	assert.Empty(t, push.pushes)
}

func TestSweepDispatchesDynamicConnectionSubJobToItsLookupWorker(t *testing.T) {
	parentID, subID := uuid.New(), uuid.New()
	parent := store.Job{
		ID:              parentID,
		Status:          store.StatusSubmitted,
		IsPipeline:      true,
		IsMultinode:     true,
		RequestedDevice: &store.Device{Hostname: "w1"},
		Definition:      "job_name: primary\n",
		SubJobIDs:       []uuid.UUID{subID},
	}
	sub := store.Job{
		ID:                   subID,
		Status:               store.StatusSubmitted,
		IsPipeline:           true,
		IsMultinode:          true,
		DynamicConnection:    true,
		LookupWorkerHostname: "w2",
		Definition:           "job_name: connection\n",
		ParentJobID:          &parentID,
	}

	sw, _, reg, push := newTestSweeper(t, parent, sub)
	reg.Touch("w1", time.Now())
	reg.Touch("w2", time.Now())

	require.NoError(t, sw.Sweep(context.Background()))

	require.Len(t, push.pushes, 2)
	var sawDynamic bool
	for _, p := range push.pushes {
		if p.hostname != "w2" {
			continue
		}
		sawDynamic = true
		assert.Equal(t, []byte("START"), p.frame[1])
		assert.Equal(t, []byte(subID.String()), p.frame[2])
	}
	assert.True(t, sawDynamic, "expected a START pushed to the dynamic connection's lookup worker w2")
}

func TestSweepSkipsDynamicConnectionSubJobWithoutLookupWorker(t *testing.T) {
	parentID, subID := uuid.New(), uuid.New()
	parent := store.Job{
		ID:              parentID,
		Status:          store.StatusSubmitted,
		IsPipeline:      true,
		IsMultinode:     true,
		RequestedDevice: &store.Device{Hostname: "w1"},
		Definition:      "job_name: primary\n",
		SubJobIDs:       []uuid.UUID{subID},
	}
	sub := store.Job{
		ID:                subID,
		Status:            store.StatusSubmitted,
		IsPipeline:        true,
		IsMultinode:       true,
		DynamicConnection: true,
		// LookupWorkerHostname intentionally left empty.
		ParentJobID: &parentID,
	}

	sw, _, reg, push := newTestSweeper(t, parent, sub)
	reg.Touch("w1", time.Now())

	require.NoError(t, sw.Sweep(context.Background()))

	for _, p := range push.pushes {
		assert.NotEqual(t, subID.String(), string(p.frame[2]), "dynamic connection with no lookup worker must not be dispatched")
	}
}

func TestSweepPropagatesCancelToAssignedWorker(t *testing.T) {
	id := uuid.New()
	job := store.Job{
		ID:           id,
		Status:       store.StatusCanceling,
		IsPipeline:   true,
		ActualDevice: &store.Device{Hostname: "w1"},
	}

	sw, st, _, push := newTestSweeper(t, job)

	require.NoError(t, sw.Sweep(context.Background()))

	got, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCanceling, got.Status, "still CANCELING; terminal transition happens on END")

	require.Len(t, push.pushes, 1)
	assert.Equal(t, "w1", push.pushes[0].hostname)
	assert.Equal(t, []byte("CANCEL"), push.pushes[0].frame[1])
}

func TestSweepFinalisesCancelingJobWithNoAssignedWorker(t *testing.T) {
	id := uuid.New()
	job := store.Job{
		ID:         id,
		Status:     store.StatusCanceling,
		IsPipeline: true,
	}

	sw, st, _, push := newTestSweeper(t, job)

	require.NoError(t, sw.Sweep(context.Background()))

	got, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCanceled, got.Status)
	assert.Empty(t, push.pushes)
}

func TestSweepLeavesJobAssignedWhenPushFails(t *testing.T) {
	id := uuid.New()
	job := store.Job{
		ID:              id,
		Status:          store.StatusSubmitted,
		IsPipeline:      true,
		Definition:      "job_name: smoke\n",
		RequestedDevice: &store.Device{Hostname: "w1"},
	}

	sw, st, reg, push := newTestSweeper(t, job)
	reg.Touch("w1", time.Now())
	push.fail = map[string]bool{"w1": true}

	// A push failure is logged, not fatal to the sweep, and leaves the job
	// assigned (it will be retried on the next tick).
	require.NoError(t, sw.Sweep(context.Background()))

	got, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, got.ActualDevice)
	assert.Empty(t, push.pushes)
}
