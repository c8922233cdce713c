// Package dispatcher implements the periodic sweep of spec §4.4: assigning
// SUBMITTED jobs to devices and propagating CANCELING jobs to their
// workers. It runs in the same scheduling context as controlplane and
// registry and is driven by a single gocron job in singleton mode, directly
// repurposing the teacher's policy-tick pattern so an overrunning sweep is
// skipped rather than queued or stacked.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lavasoft/dispatcher-master/internal/config"
	"github.com/lavasoft/dispatcher-master/internal/definition"
	"github.com/lavasoft/dispatcher-master/internal/metrics"
	"github.com/lavasoft/dispatcher-master/internal/registry"
	"github.com/lavasoft/dispatcher-master/internal/store"
	"github.com/lavasoft/dispatcher-master/internal/wire"
)

// Pusher delivers an unsolicited control frame to hostname's live
// connection, or returns an error if the worker has no such connection
// open. *wire.ControlServer satisfies this.
type Pusher interface {
	Push(hostname string, f wire.Frame) error
}

// Publisher is the subset of internal/events.Hub's API this package needs.
// Kept as an interface, like Pusher, so the sweep's tests can supply a fake
// and a nil Publisher silently disables the event feed.
type Publisher interface {
	PublishJobStatus(jobID, status string)
}

// Sweeper runs the assign/cancel sweep on a gocron timer.
type Sweeper struct {
	logger    *zap.Logger
	store     store.Store
	registry  *registry.Registry
	push      Pusher
	publisher Publisher
	metrics   *metrics.Registry
	cfg       config.Config

	cron gocron.Scheduler
}

// New constructs a Sweeper. Call Start to begin the periodic sweep.
func New(logger *zap.Logger, st store.Store, reg *registry.Registry, push Pusher, cfg config.Config) (*Sweeper, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: creating gocron scheduler: %w", err)
	}
	return &Sweeper{
		logger:   logger.Named("dispatcher"),
		store:    st,
		registry: reg,
		push:     push,
		cfg:      cfg,
		cron:     cron,
	}, nil
}

// SetPublisher wires an event feed into the sweeper; nil (the default)
// disables publishing entirely.
func (s *Sweeper) SetPublisher(p Publisher) {
	s.publisher = p
}

func (s *Sweeper) publishJobStatus(jobID, status string) {
	if s.publisher != nil {
		s.publisher.PublishJobStatus(jobID, status)
	}
}

// SetMetrics wires Prometheus instrumentation into the sweeper; nil (the
// default) disables it entirely.
func (s *Sweeper) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

// Start registers the sweep as a singleton-mode gocron job, so a sweep
// still running when the next tick fires is skipped rather than stacked —
// spec §8 property 8, "at most once per DB_LIMIT seconds" — and starts the
// underlying scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	interval := s.cfg.Timing.DispatchInterval
	if interval <= 0 {
		interval = config.DispatchInterval
	}

	_, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("dispatcher: registering sweep job: %w", err)
	}

	s.cron.Start()
	return nil
}

// Stop shuts down the scheduler, waiting for an in-flight sweep to finish.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("dispatcher: scheduler shutdown: %w", err)
	}
	return nil
}

// Sweep runs both phases once, synchronously. Exported so tests and
// TriggerNow-style manual invocation do not have to wait on the gocron
// timer.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if s.metrics != nil {
		timer := prometheus.NewTimer(s.metrics.SweepDuration)
		defer timer.ObserveDuration()
	}

	if err := s.assignSubmittedJobs(ctx); err != nil {
		s.observeSweepError()
		return fmt.Errorf("phase 1 (assign): %w", err)
	}
	if err := s.propagateCancellations(ctx); err != nil {
		s.observeSweepError()
		return fmt.Errorf("phase 2 (cancel): %w", err)
	}
	return nil
}

func (s *Sweeper) observeSweepError() {
	if s.metrics != nil {
		s.metrics.SweepErrors.Inc()
	}
}

// assignSubmittedJobs implements spec §4.4 Phase 1.
func (s *Sweeper) assignSubmittedJobs(ctx context.Context) error {
	jobs, err := s.store.JobsSubmittedPipelineWithDevice(ctx)
	if err != nil {
		return fmt.Errorf("listing submitted jobs: %w", err)
	}

	for _, job := range jobs {
		if err := s.assignOne(ctx, job); err != nil {
			s.logger.Error("assigning job failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Sweeper) assignOne(ctx context.Context, job store.Job) error {
	device, err := s.store.SelectDevice(ctx, job, s.registry.IsOnline)
	if err != nil {
		return fmt.Errorf("select_device: %w", err)
	}
	if device == nil {
		return nil
	}

	job, err = s.store.Reload(ctx, job)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	target := job.ActualDevice
	if target == nil {
		target = job.RequestedDevice
	}
	if target == nil || target.Hostname == "" {
		if err := s.store.FailJob(ctx, job.ID, store.StatusIncomplete, "no worker host for assigned device"); err != nil {
			return fmt.Errorf("failing job with no device host: %w", err)
		}
		s.publishJobStatus(job.ID.String(), string(store.StatusIncomplete))
		return nil
	}

	if err := s.store.CreateJob(ctx, job, *device); err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.logger.Info("job already assigned, retrying dispatch", zap.String("job_id", job.ID.String()))
		} else {
			return fmt.Errorf("create_job: %w", err)
		}
	}

	bundle, err := s.buildDispatchBundle(job, target.Hostname)
	if err != nil {
		if failErr := s.store.FailJob(ctx, job.ID, store.StatusIncomplete, "Infrastructure error: "+err.Error()); failErr != nil {
			s.logger.Error("failing job after infra error also failed",
				zap.String("job_id", job.ID.String()), zap.Error(failErr))
		}
		return fmt.Errorf("building dispatch bundle: %w", err)
	}

	// Multinode dynamic-connection sub-jobs (spec §4.4 step 5 bullet 2):
	// these have no device of their own (spec GLOSSARY), so they cannot be
	// gated on ActualDevice. Their device configuration is computed under
	// the *parent* job's assigned device, per spec §4.4 step 5, while the
	// START itself goes to the sub-job's own lookup_worker.
	for _, sub := range job.SubJobIDs {
		subJob, err := s.store.GetJob(ctx, sub)
		if err != nil {
			s.logger.Error("loading sub-job for dynamic connection failed",
				zap.String("job_id", job.ID.String()), zap.String("sub_job_id", sub.String()), zap.Error(err))
			continue
		}
		if !subJob.DynamicConnection {
			continue
		}
		if subJob.LookupWorkerHostname == "" {
			s.logger.Warn("dynamic-connection sub-job has no lookup worker, skipping",
				zap.String("job_id", job.ID.String()), zap.String("sub_job_id", sub.String()))
			continue
		}
		subBundle, err := s.buildDispatchBundle(subJob, target.Hostname)
		if err != nil {
			s.logger.Error("building sub-job dispatch bundle failed",
				zap.String("sub_job_id", sub.String()), zap.Error(err))
			continue
		}
		if err := s.push.Push(subJob.LookupWorkerHostname, startFrame(subJob.LookupWorkerHostname, subJob.ID.String(), subBundle)); err != nil {
			s.logger.Warn("pushing START to dynamic-connection worker failed",
				zap.String("sub_job_id", sub.String()), zap.String("hostname", subJob.LookupWorkerHostname), zap.Error(err))
		}
	}

	if err := s.push.Push(target.Hostname, startFrame(target.Hostname, job.ID.String(), bundle)); err != nil {
		return fmt.Errorf("pushing START: %w", err)
	}
	s.publishJobStatus(job.ID.String(), "ASSIGNED")
	if s.metrics != nil {
		s.metrics.JobsAssigned.Inc()
	}
	return nil
}

// dispatchBundle holds the materialised START payload parts of spec §4.4
// step 5.
type dispatchBundle struct {
	definition       string
	deviceConfig     string
	dispatcherConfig string
	env              string
	envDUT           string
}

func startFrame(hostname, jobID string, b dispatchBundle) wire.Frame {
	return wire.Frame{
		[]byte(hostname),
		[]byte("START"),
		[]byte(jobID),
		[]byte(b.definition),
		[]byte(b.deviceConfig),
		[]byte(b.dispatcherConfig),
		[]byte(b.env),
		[]byte(b.envDUT),
	}
}

// buildDispatchBundle exports job's own definition but loads device
// configuration keyed by deviceConfigHost — for a primary job this is its
// own assigned device's hostname, but for a multinode dynamic-connection
// sub-job (spec §4.4 step 5 bullet 2) the caller passes the *parent* job's
// device hostname instead, since the sub-job has no device of its own.
func (s *Sweeper) buildDispatchBundle(job store.Job, deviceConfigHost string) (dispatchBundle, error) {
	def, err := definition.Export(job.Definition, job.PipelineCompatibility)
	if err != nil {
		return dispatchBundle{}, fmt.Errorf("exporting definition: %w", err)
	}

	var deviceConfigPath, dispatcherConfigPath string
	if s.cfg.DispatchersConfigDir != "" {
		deviceConfigPath = filepath.Join(s.cfg.DispatchersConfigDir, deviceConfigHost+".yaml")
		dispatcherConfigPath = filepath.Join(s.cfg.DispatchersConfigDir, "dispatcher.yaml")
	}

	deviceConfig, err := readOptionalYAML(deviceConfigPath)
	if err != nil {
		return dispatchBundle{}, fmt.Errorf("device config for %s: %w", deviceConfigHost, err)
	}

	dispatcherConfig, err := readOptionalYAML(dispatcherConfigPath)
	if err != nil {
		return dispatchBundle{}, fmt.Errorf("dispatcher config: %w", err)
	}

	env, err := readOptionalYAML(s.cfg.EnvPath)
	if err != nil {
		return dispatchBundle{}, fmt.Errorf("env file: %w", err)
	}

	envDUT, err := readOptionalYAML(s.cfg.EnvDUTPath)
	if err != nil {
		return dispatchBundle{}, fmt.Errorf("env_dut file: %w", err)
	}

	return dispatchBundle{
		definition:       def,
		deviceConfig:     deviceConfig,
		dispatcherConfig: dispatcherConfig,
		env:              env,
		envDUT:           envDUT,
	}, nil
}

// readOptionalYAML reads path, returning "" if path is unset or the file is
// absent. A present-but-invalid file is a fatal infrastructure error for
// this job, per spec §4.4 step 7.
func readOptionalYAML(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	var probe any
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("parsing %s: %w", path, err)
	}
	return string(raw), nil
}

// propagateCancellations implements spec §4.4 Phase 2.
func (s *Sweeper) propagateCancellations(ctx context.Context) error {
	jobs, err := s.store.JobsCancelingPipeline(ctx)
	if err != nil {
		return fmt.Errorf("listing canceling jobs: %w", err)
	}

	for _, job := range jobs {
		hostname := s.responsibleWorker(job)
		if hostname == "" {
			if err := s.store.FailJob(ctx, job.ID, store.StatusCanceled, ""); err != nil {
				s.logger.Error("finalising canceling job with no worker failed",
					zap.String("job_id", job.ID.String()), zap.Error(err))
			} else {
				s.publishJobStatus(job.ID.String(), string(store.StatusCanceled))
				if s.metrics != nil {
					s.metrics.JobsCanceled.Inc()
				}
			}
			continue
		}
		if err := s.push.Push(hostname, wire.Frame{[]byte(hostname), []byte("CANCEL"), []byte(job.ID.String())}); err != nil {
			s.logger.Warn("pushing CANCEL failed",
				zap.String("job_id", job.ID.String()), zap.String("hostname", hostname), zap.Error(err))
		}
	}
	return nil
}

// responsibleWorker resolves the worker owning job, per spec §4.4 Phase 2:
// lookup_worker for a dynamic-connection job (which has no device of its
// own, spec GLOSSARY), else actual_device.worker_host.
func (s *Sweeper) responsibleWorker(job store.Job) string {
	if job.DynamicConnection {
		return job.LookupWorkerHostname
	}
	if job.ActualDevice == nil {
		return ""
	}
	return job.ActualDevice.Hostname
}

