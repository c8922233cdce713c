// Package memstore is an in-memory store.Store used by controlplane and
// dispatcher tests, mirroring how the teacher repo's scheduler/grpc tests
// exercise interfaces rather than the GORM concrete type.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lavasoft/dispatcher-master/internal/definition"
	"github.com/lavasoft/dispatcher-master/internal/store"
)

// Store is a mutex-protected in-memory implementation of store.Store.
type Store struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]store.Job

	// Results records every MapScannedResults call, for tests to assert
	// against. CreateMetadataStore calls are not recorded.
	Results []ResultCall
}

type ResultCall struct {
	JobID uuid.UUID
	Level string
	Msg   map[string]any
}

// New returns an empty Store, optionally seeded with jobs.
func New(seed ...store.Job) *Store {
	s := &Store{jobs: make(map[uuid.UUID]store.Job)}
	for _, j := range seed {
		s.jobs[j.ID] = j
	}
	return s
}

// Put inserts or overwrites a job directly, bypassing the port — a test
// helper, not part of store.Store.
func (s *Store) Put(j store.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
}

func (s *Store) JobsForWorker(_ context.Context, hostname string, runningPipelineOnly bool) ([]store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Job
	for _, j := range s.jobs {
		if j.ActualDevice == nil || j.ActualDevice.Hostname != hostname {
			continue
		}
		if runningPipelineOnly && (j.Status != store.StatusRunning || !j.IsPipeline) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Store) JobsSubmittedPipelineWithDevice(_ context.Context) ([]store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Job
	for _, j := range s.jobs {
		if j.Status == store.StatusSubmitted && j.IsPipeline &&
			(j.ActualDevice != nil || j.RequestedDevice != nil) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		a, b := out[i], out[k]
		ahc, bhc := deviceHealth(a), deviceHealth(b)
		if ahc != bhc {
			return ahc
		}
		ap, bp := devicePriority(a), devicePriority(b)
		if ap != bp {
			return ap > bp
		}
		if !a.SubmitTime.Equal(b.SubmitTime) {
			return a.SubmitTime.Before(b.SubmitTime)
		}
		agroup, bgroup := deviceGroup(a), deviceGroup(b)
		if agroup != bgroup {
			return agroup < bgroup
		}
		return a.ID.String() < b.ID.String()
	})
	return out, nil
}

func deviceHealth(j store.Job) bool {
	if j.ActualDevice != nil {
		return j.ActualDevice.HealthCheck
	}
	return false
}

func devicePriority(j store.Job) int {
	if j.ActualDevice != nil {
		return j.ActualDevice.Priority
	}
	return 0
}

func deviceGroup(j store.Job) string {
	if j.ActualDevice != nil {
		return j.ActualDevice.TargetGroup
	}
	return ""
}

func (s *Store) JobsCancelingPipeline(_ context.Context) ([]store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Job
	for _, j := range s.jobs {
		if j.Status == store.StatusCanceling && j.IsPipeline {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	return j, nil
}

func (s *Store) Reload(ctx context.Context, job store.Job) (store.Job, error) {
	return s.GetJob(ctx, job.ID)
}

func (s *Store) SelectDevice(_ context.Context, job store.Job, online func(string) bool) (*store.Device, error) {
	d := job.RequestedDevice
	if d == nil {
		d = job.ActualDevice
	}
	if d == nil || !online(d.Hostname) {
		return nil, nil
	}
	chosen := *d
	return &chosen, nil
}

func (s *Store) CreateJob(_ context.Context, job store.Job, device store.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[job.ID]
	if ok && existing.ActualDevice != nil {
		return fmt.Errorf("%w: job %s already assigned to %s", store.ErrConflict, job.ID, existing.ActualDevice.Hostname)
	}
	job.ActualDevice = &device
	s.jobs[job.ID] = job
	return nil
}

func (s *Store) StartJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = store.StatusRunning
	s.jobs[id] = j
	return nil
}

func (s *Store) CancelJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = store.StatusCanceling
	s.jobs[id] = j
	return nil
}

func (s *Store) FailJob(_ context.Context, id uuid.UUID, status store.Status, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status == store.StatusCanceling {
		j.Status = store.StatusCanceled
	} else {
		j.Status = status
	}
	s.jobs[id] = j
	return nil
}

func (s *Store) ParseJobDescription(_ context.Context, id uuid.UUID, raw string) error {
	if _, err := definition.Decode(raw); err != nil {
		return fmt.Errorf("memstore: parsing description for job %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Definition = raw
	s.jobs[id] = j
	return nil
}

func (s *Store) CreateMetadataStore(_ context.Context, _ map[string]any, jobID uuid.UUID, level string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("metadata-%s-%s.yaml", jobID, level), nil
}

func (s *Store) MapScannedResults(_ context.Context, msg map[string]any, jobID uuid.UUID, level string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Results = append(s.Results, ResultCall{JobID: jobID, Level: level, Msg: msg})
	return true, nil
}
