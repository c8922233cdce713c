package controlplane

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/lavasoft/dispatcher-master/internal/config"
	"github.com/lavasoft/dispatcher-master/internal/metrics"
	"github.com/lavasoft/dispatcher-master/internal/registry"
	"github.com/lavasoft/dispatcher-master/internal/store"
	"github.com/lavasoft/dispatcher-master/internal/wire"
)

// Publisher is the subset of internal/events.Hub's API this package needs,
// kept as an interface (rather than a concrete *events.Hub dependency) for
// the same reason internal/dispatcher depends on a Pusher interface rather
// than *wire.ControlServer: it is optional, and tests supply a fake.
type Publisher interface {
	PublishWorkerStatus(hostname string, online bool)
	PublishJobStatus(jobID, status string)
}

// ControlPlane implements wire.ControlHandler against a Registry and a
// Store, per the verb table of spec §4.3.
type ControlPlane struct {
	logger    *zap.Logger
	registry  *registry.Registry
	store     store.Store
	publisher Publisher
	metrics   *metrics.Registry
}

// New constructs a ControlPlane.
func New(logger *zap.Logger, reg *registry.Registry, st store.Store) *ControlPlane {
	return &ControlPlane{logger: logger.Named("controlplane"), registry: reg, store: st}
}

// SetPublisher wires an event feed into the control plane; nil (the
// default) disables publishing entirely.
func (cp *ControlPlane) SetPublisher(p Publisher) {
	cp.publisher = p
}

// SetMetrics wires Prometheus instrumentation into the control plane; nil
// (the default) disables it entirely.
func (cp *ControlPlane) SetMetrics(m *metrics.Registry) {
	cp.metrics = m
}

func (cp *ControlPlane) publishWorkerStatus(hostname string, online bool) {
	if cp.publisher != nil {
		cp.publisher.PublishWorkerStatus(hostname, online)
	}
}

func (cp *ControlPlane) publishJobStatus(jobID, status string) {
	if cp.publisher != nil {
		cp.publisher.PublishJobStatus(jobID, status)
	}
}

func (cp *ControlPlane) observeControlMessage(verb string) {
	if cp.metrics != nil {
		cp.metrics.ControlMessages.WithLabelValues(verb).Inc()
	}
}

func (cp *ControlPlane) observeRestart(kind registry.RestartKind) {
	if cp.metrics == nil {
		return
	}
	label := "hello"
	if kind == registry.HelloRetry {
		label = "hello_retry"
	}
	cp.metrics.WorkerRestarts.WithLabelValues(label).Inc()
}

func (cp *ControlPlane) observeJobFinalized(status store.Status) {
	if cp.metrics != nil {
		cp.metrics.JobsFinalized.WithLabelValues(string(status)).Inc()
	}
}

// Handle implements wire.ControlHandler.
func (cp *ControlPlane) Handle(ctx context.Context, hostname string, f wire.Frame, send func(wire.Frame) error) error {
	msg, err := Parse(f)
	if err != nil {
		cp.logger.Error("malformed control frame, dropping", zap.String("hostname", hostname), zap.Error(err))
		return nil
	}

	now := time.Now()

	switch m := msg.(type) {
	case HelloMsg:
		cp.observeControlMessage("HELLO")
		return cp.handleHello(ctx, hostname, now, m.Version, registry.Hello, send)
	case HelloRetryMsg:
		cp.observeControlMessage("HELLO_RETRY")
		return cp.handleHello(ctx, hostname, now, m.Version, registry.HelloRetry, send)
	case PingMsg:
		cp.observeControlMessage("PING")
		return cp.handlePing(ctx, hostname, now, send)
	case EndMsg:
		cp.observeControlMessage("END")
		return cp.handleEnd(ctx, hostname, now, m, send)
	case StartOKMsg:
		cp.observeControlMessage("START_OK")
		return cp.handleStartOK(ctx, hostname, now, m, send)
	case UnknownMsg:
		cp.logger.Error("unknown control verb, ignoring", zap.String("hostname", hostname), zap.String("verb", m.Verb))
		return nil
	default:
		return fmt.Errorf("controlplane: unreachable: unhandled Msg type %T", msg)
	}
}

// handleHello implements the HELLO/HELLO_RETRY row of spec §4.3: a version
// mismatch is logged and the handler returns without touching state or
// replying. Otherwise it notes the restart classification, resyncs if the
// worker was previously unknown (§4.3.4), and — for a fresh HELLO only —
// cancels every RUNNING job still attached to this worker (§4.3.1).
func (cp *ControlPlane) handleHello(ctx context.Context, hostname string, now time.Time, version int, kind registry.RestartKind, send func(wire.Frame) error) error {
	if version != config.ProtocolVersion {
		cp.logger.Error("protocol version mismatch, rejecting",
			zap.String("hostname", hostname), zap.Int("version", version))
		return nil
	}

	wasKnown := cp.registry.Known(hostname)
	cp.registry.NoteRestart(hostname, kind, now)
	cp.observeRestart(kind)
	cp.publishWorkerStatus(hostname, true)

	if !wasKnown {
		cp.resync(ctx, hostname, send)
	}

	if kind == registry.Hello {
		if err := cp.cancelRunningJobsFor(ctx, hostname); err != nil {
			cp.logger.Error("cancelling jobs after HELLO restart failed",
				zap.String("hostname", hostname), zap.Error(err))
		}
	}

	return send(wire.Frame{[]byte(hostname), []byte("HELLO_OK")})
}

// cancelRunningJobsFor implements spec §4.3.1: a clean HELLO means the
// slave cannot have state for any job it previously ran, so every RUNNING
// pipeline job bound to it is finalised CANCELED.
func (cp *ControlPlane) cancelRunningJobsFor(ctx context.Context, hostname string) error {
	jobs, err := cp.store.JobsForWorker(ctx, hostname, true)
	if err != nil {
		return fmt.Errorf("listing running jobs for %s: %w", hostname, err)
	}
	for _, j := range jobs {
		if err := cp.store.FailJob(ctx, j.ID, store.StatusCanceled, "worker restarted"); err != nil {
			cp.logger.Error("finalising job as canceled failed",
				zap.String("hostname", hostname), zap.String("job_id", j.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// resync implements spec §4.3.4: a hostname the registry had never seen
// cannot be trusted to match the store's view of RUNNING jobs, so a STATUS
// is pushed for every RUNNING pipeline job this worker's devices own,
// before the caller's own reply.
func (cp *ControlPlane) resync(ctx context.Context, hostname string, send func(wire.Frame) error) {
	jobs, err := cp.store.JobsForWorker(ctx, hostname, true)
	if err != nil {
		cp.logger.Error("resync: listing running jobs failed", zap.String("hostname", hostname), zap.Error(err))
		return
	}
	for _, j := range jobs {
		if err := send(wire.Frame{[]byte(hostname), []byte("STATUS"), []byte(j.ID.String())}); err != nil {
			cp.logger.Warn("resync: sending STATUS failed", zap.String("hostname", hostname), zap.Error(err))
			return
		}
	}
}

func (cp *ControlPlane) handlePing(ctx context.Context, hostname string, now time.Time, send func(wire.Frame) error) error {
	wasKnown := cp.registry.Known(hostname)
	cp.registry.Touch(hostname, now)
	if !wasKnown {
		cp.publishWorkerStatus(hostname, true)
		cp.resync(ctx, hostname, send)
	}
	return send(wire.Frame{[]byte(hostname), []byte("PONG")})
}

// handleEnd implements spec §4.3.2. It always replies END_OK, even for an
// unknown job ID — the at-most-once liveness rule of §8 invariant 3.
func (cp *ControlPlane) handleEnd(ctx context.Context, hostname string, now time.Time, m EndMsg, send func(wire.Frame) error) error {
	wasKnown := cp.registry.Known(hostname)
	cp.registry.Touch(hostname, now)
	if !wasKnown {
		cp.resync(ctx, hostname, send)
	}

	reply := wire.Frame{[]byte(hostname), []byte("END_OK"), []byte(m.JobID.String())}

	job, err := cp.store.GetJob(ctx, m.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return send(reply)
	}
	if err != nil {
		cp.logger.Error("END: transient store error, acking anyway", zap.String("job_id", m.JobID.String()), zap.Error(err))
		return send(reply)
	}

	if len(m.DescriptionBlob) > 0 {
		cp.finaliseDescription(ctx, job, m.DescriptionBlob)
	}

	status := store.StatusComplete
	if m.ExitCode != 0 {
		status = store.StatusIncomplete
	}
	if err := cp.store.FailJob(ctx, job.ID, status, m.ErrMsg); err != nil {
		cp.logger.Error("END: finalising job failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	} else {
		cp.publishJobStatus(job.ID.String(), string(status))
		cp.observeJobFinalized(status)
	}

	return send(reply)
}

// finaliseDescription implements spec §4.3.2 steps 1-2: decompress into
// description.yaml, then parse into the store's structured representation.
// Failures here are logged and never block the rest of finalisation.
func (cp *ControlPlane) finaliseDescription(ctx context.Context, job store.Job, blob []byte) {
	desc, err := decompressDescription(blob)
	if err != nil {
		cp.logger.Error("END: decompressing description_blob failed",
			zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}

	if job.OutputDir != "" {
		path := filepath.Join(job.OutputDir, "description.yaml")
		if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
			cp.logger.Error("END: creating output dir failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		} else if err := os.WriteFile(path, desc, 0o644); err != nil {
			cp.logger.Error("END: writing description.yaml failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}

	if err := cp.store.ParseJobDescription(ctx, job.ID, string(desc)); err != nil {
		cp.logger.Error("END: parsing job description failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

// handleStartOK implements spec §4.3.3: atomically transition to RUNNING,
// log-and-ignore an unknown ID, no reply either way. A previously unknown
// worker is resynced (§4.3.4) first.
func (cp *ControlPlane) handleStartOK(ctx context.Context, hostname string, now time.Time, m StartOKMsg, send func(wire.Frame) error) error {
	wasKnown := cp.registry.Known(hostname)
	cp.registry.Touch(hostname, now)
	if !wasKnown {
		cp.resync(ctx, hostname, send)
	}
	if err := cp.store.StartJob(ctx, m.JobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			cp.logger.Warn("START_OK for unknown job id, ignoring", zap.String("job_id", m.JobID.String()))
			return nil
		}
		cp.logger.Error("START_OK: starting job failed", zap.String("job_id", m.JobID.String()), zap.Error(err))
		return nil
	}
	cp.publishJobStatus(m.JobID.String(), string(store.StatusRunning))
	return nil
}
