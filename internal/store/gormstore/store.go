package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lavasoft/dispatcher-master/internal/definition"
	"github.com/lavasoft/dispatcher-master/internal/store"
)

// Store is the GORM-backed store.Store implementation. Every
// multi-statement method runs in a transaction with a row-level write lock
// (clause.Locking{Strength: "UPDATE"}) on the job rows it touches, per
// spec §5's requirement that the core perform no locking of its own and
// rely entirely on the store's transaction semantics. Against SQLite this
// degrades to the driver's own single-writer serialisation (db.go caps the
// pool at one open connection, as the teacher's db.New does); against
// Postgres it is a real SELECT ... FOR UPDATE.
type Store struct {
	db *gorm.DB
}

// New wraps an already-opened, already-migrated *gorm.DB (see Open).
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func toDeviceModel(d store.Device) deviceModel {
	return deviceModel{WorkerHost: d.Hostname, HealthCheck: d.HealthCheck, Priority: d.Priority, TargetGroup: d.TargetGroup}
}

func fromDeviceModel(d deviceModel) store.Device {
	return store.Device{Hostname: d.WorkerHost, HealthCheck: d.HealthCheck, Priority: d.Priority, TargetGroup: d.TargetGroup}
}

func (s *Store) loadDevice(tx *gorm.DB, host *string) (*store.Device, error) {
	if host == nil {
		return nil, nil
	}
	var dm deviceModel
	if err := tx.First(&dm, "worker_host = ?", *host).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	d := fromDeviceModel(dm)
	return &d, nil
}

func (s *Store) fromJobModel(tx *gorm.DB, m jobModel) (store.Job, error) {
	actual, err := s.loadDevice(tx, m.ActualDeviceHost)
	if err != nil {
		return store.Job{}, fmt.Errorf("loading actual device: %w", err)
	}
	requested, err := s.loadDevice(tx, m.RequestedDeviceHost)
	if err != nil {
		return store.Job{}, fmt.Errorf("loading requested device: %w", err)
	}

	var subIDs []uuid.UUID
	if err := tx.Model(&jobModel{}).Where("parent_job_id = ?", m.ID).
		Pluck("id", &subIDs).Error; err != nil {
		return store.Job{}, fmt.Errorf("loading sub-jobs: %w", err)
	}

	var lookupWorker string
	if m.LookupWorkerHost != nil {
		lookupWorker = *m.LookupWorkerHost
	}

	return store.Job{
		ID:                    m.ID,
		Status:                store.Status(m.Status),
		IsPipeline:            m.IsPipeline,
		IsMultinode:           m.IsMultinode,
		DynamicConnection:     m.DynamicConnection,
		ActualDevice:          actual,
		RequestedDevice:       requested,
		LookupWorkerHostname:  lookupWorker,
		Definition:            m.Definition,
		PipelineCompatibility: m.PipelineCompatibility,
		OutputDir:             m.OutputDir,
		ParentJobID:           m.ParentJobID,
		SubJobIDs:             subIDs,
		SubmitTime:            m.SubmitTime,
	}, nil
}

func (s *Store) JobsForWorker(ctx context.Context, hostname string, runningPipelineOnly bool) ([]store.Job, error) {
	q := s.db.WithContext(ctx).Where("actual_device_host = ?", hostname)
	if runningPipelineOnly {
		q = q.Where("status = ? AND is_pipeline = ?", string(store.StatusRunning), true)
	}
	var models []jobModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("store: jobs for worker %s: %w", hostname, err)
	}
	return s.toJobs(s.db.WithContext(ctx), models)
}

func (s *Store) JobsSubmittedPipelineWithDevice(ctx context.Context) ([]store.Job, error) {
	var models []jobModel
	err := s.db.WithContext(ctx).
		Joins("LEFT JOIN devices ON devices.worker_host = jobs.actual_device_host").
		Where("jobs.status = ? AND jobs.is_pipeline = ? AND jobs.actual_device_host IS NOT NULL",
			string(store.StatusSubmitted), true).
		Order("devices.health_check DESC, devices.priority DESC, jobs.submit_time ASC, devices.target_group ASC, jobs.id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("store: jobs submitted pipeline with device: %w", err)
	}
	return s.toJobs(s.db.WithContext(ctx), models)
}

func (s *Store) JobsCancelingPipeline(ctx context.Context) ([]store.Job, error) {
	var models []jobModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND is_pipeline = ?", string(store.StatusCanceling), true).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("store: jobs canceling pipeline: %w", err)
	}
	return s.toJobs(s.db.WithContext(ctx), models)
}

func (s *Store) toJobs(tx *gorm.DB, models []jobModel) ([]store.Job, error) {
	out := make([]store.Job, 0, len(models))
	for _, m := range models {
		j, err := s.fromJobModel(tx, m)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (store.Job, error) {
	var m jobModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.Job{}, store.ErrNotFound
		}
		return store.Job{}, fmt.Errorf("store: get job %s: %w", id, err)
	}
	return s.fromJobModel(s.db.WithContext(ctx), m)
}

func (s *Store) Reload(ctx context.Context, job store.Job) (store.Job, error) {
	return s.GetJob(ctx, job.ID)
}

func (s *Store) SelectDevice(ctx context.Context, job store.Job, online func(string) bool) (*store.Device, error) {
	d := job.RequestedDevice
	if d == nil {
		d = job.ActualDevice
	}
	if d == nil {
		return nil, nil
	}
	var dm deviceModel
	if err := s.db.WithContext(ctx).First(&dm, "worker_host = ?", d.Hostname).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: select device for job %s: %w", job.ID, err)
	}
	if !online(dm.WorkerHost) {
		return nil, nil
	}
	chosen := fromDeviceModel(dm)
	return &chosen, nil
}

func (s *Store) CreateJob(ctx context.Context, job store.Job, device store.Device) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m jobModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", job.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("store: create job: %w", store.ErrNotFound)
			}
			return err
		}
		if m.ActualDeviceHost != nil {
			return fmt.Errorf("%w: job %s already assigned to %s", store.ErrConflict, job.ID, *m.ActualDeviceHost)
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&deviceModel{WorkerHost: device.Hostname}).Error; err != nil {
			return fmt.Errorf("ensuring device row: %w", err)
		}

		host := device.Hostname
		return tx.Model(&m).Update("actual_device_host", host).Error
	})
}

func (s *Store) StartJob(ctx context.Context, id uuid.UUID) error {
	return s.transitionJob(ctx, id, string(store.StatusRunning))
}

func (s *Store) CancelJob(ctx context.Context, id uuid.UUID) error {
	return s.transitionJob(ctx, id, string(store.StatusCanceling))
}

func (s *Store) transitionJob(ctx context.Context, id uuid.UUID, status string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m jobModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		return tx.Model(&m).Update("status", status).Error
	})
}

// FailJob implements the terminal-state transaction of spec §4.3.2 step 3:
// re-read with a write lock, route CANCELING jobs through the cancel
// finaliser (always CANCELED, regardless of exit status), otherwise apply
// the given status.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, status store.Status, errMsg string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m jobModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return err
		}

		final := status
		if store.Status(m.Status) == store.StatusCanceling {
			final = store.StatusCanceled
		}
		_ = errMsg // this module's schema has no error-message column (out of §6.2's scope); kept for signature parity with spec's fail_job(job, msg, status)
		return tx.Model(&m).Update("status", string(final)).Error
	})
}

func (s *Store) ParseJobDescription(ctx context.Context, id uuid.UUID, raw string) error {
	if _, err := definition.Decode(raw); err != nil {
		return fmt.Errorf("store: parsing description for job %s: %w", id, err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m jobModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		return tx.Model(&m).Update("definition", raw).Error
	})
}

func (s *Store) CreateMetadataStore(ctx context.Context, msg map[string]any, jobID uuid.UUID, level string) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("store: marshalling metadata: %w", err)
	}
	name := fmt.Sprintf("metadata-%s-%s.yaml", jobID, level)
	rec := resultModel{JobID: jobID, Level: "metadata:" + level, Data: string(data)}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", fmt.Errorf("store: creating metadata store for job %s: %w", jobID, err)
	}
	return name, nil
}

func (s *Store) MapScannedResults(ctx context.Context, msg map[string]any, jobID uuid.UUID, level string) (bool, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("store: marshalling results: %w", err)
	}
	rec := resultModel{JobID: jobID, Level: level, Data: string(data)}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return false, fmt.Errorf("store: mapping scanned results for job %s: %w", jobID, err)
	}
	return true, nil
}
