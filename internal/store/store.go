// Package store defines the persistent-job-and-device port the core
// consumes (spec §6.2), plus a GORM-backed default implementation in
// internal/store/gormstore. The schema behind this interface is this
// module's own design choice — spec.md puts it out of scope beyond the
// operations listed here.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("store: record not found")

// ErrConflict is returned when a write would violate a uniqueness or
// state-transition constraint (e.g. assigning an already-assigned job).
var ErrConflict = errors.New("store: conflict")

// Status is a job's lifecycle state (spec §3).
type Status string

const (
	StatusSubmitted  Status = "SUBMITTED"
	StatusRunning    Status = "RUNNING"
	StatusCanceling  Status = "CANCELING"
	StatusComplete   Status = "COMPLETE"
	StatusIncomplete Status = "INCOMPLETE"
	StatusCanceled   Status = "CANCELED"
)

// Device is a physical or virtual test target, owned by exactly one worker
// host (spec GLOSSARY).
type Device struct {
	Hostname    string // worker_host
	HealthCheck bool
	Priority    int
	TargetGroup string
}

// Job is the core's view of the subset of job state spec §3 names. Fields
// the core never reads or writes (most scheduling metadata the original
// system keeps) are intentionally absent.
type Job struct {
	ID                uuid.UUID
	Status            Status
	IsPipeline        bool
	IsMultinode       bool
	DynamicConnection bool
	ActualDevice      *Device
	RequestedDevice   *Device
	// LookupWorkerHostname is spec §3's `lookup_worker`: the worker host a
	// dynamic-connection job runs on and is cancelled through. Unlike
	// ActualDevice/RequestedDevice it names no device — a dynamic
	// connection has none by definition (spec GLOSSARY) — so this is kept
	// as its own field rather than folded into either Device pointer.
	// Non-dynamic-connection jobs leave it empty.
	LookupWorkerHostname  string
	Definition            string
	PipelineCompatibility string
	OutputDir             string
	ParentJobID           *uuid.UUID
	SubJobIDs             []uuid.UUID
	SubmitTime            time.Time
}

// Store is the persistent-store port consumed by controlplane and
// dispatcher (spec §6.2). Every multi-statement implementation must run in
// a transaction with a row-level write lock on the affected job rows —
// the core relies on that for serialisability and performs no locking of
// its own (spec §5).
type Store interface {
	// JobsForWorker returns jobs assigned to hostname; if runningPipelineOnly
	// is true, restricted to RUNNING pipeline jobs (used by HELLO-induced
	// cancellation and resync).
	JobsForWorker(ctx context.Context, hostname string, runningPipelineOnly bool) ([]Job, error)

	// JobsSubmittedPipelineWithDevice returns SUBMITTED pipeline jobs that
	// already have a device assigned, ordered per spec §4.4 Phase 1:
	// (health_check DESC, priority DESC, submit_time ASC, target_group ASC, id ASC).
	JobsSubmittedPipelineWithDevice(ctx context.Context) ([]Job, error)

	// JobsCancelingPipeline returns every CANCELING pipeline job.
	JobsCancelingPipeline(ctx context.Context) ([]Job, error)

	// GetJob looks up a job by ID. Returns ErrNotFound if absent.
	GetJob(ctx context.Context, id uuid.UUID) (Job, error)

	// Reload re-reads job from the store, reflecting any mutation a
	// concurrent call (e.g. SelectDevice) may have made.
	Reload(ctx context.Context, job Job) (Job, error)

	// SelectDevice confirms or chooses a device for job given which workers
	// the registry currently reports online. Returns a nil device and no
	// error when no device is currently available.
	SelectDevice(ctx context.Context, job Job, online func(hostname string) bool) (*Device, error)

	// CreateJob persists the device assignment for job. Returns ErrConflict
	// if the job was already assigned (the caller logs "retrying", not an
	// error, per spec §4.4 step 4).
	CreateJob(ctx context.Context, job Job, device Device) error

	// StartJob atomically transitions job to RUNNING (spec §4.3.3).
	StartJob(ctx context.Context, id uuid.UUID) error

	// CancelJob atomically transitions job to CANCELING.
	CancelJob(ctx context.Context, id uuid.UUID) error

	// FailJob applies the terminal-state transaction of spec §4.3.2 step 3:
	// re-reads job with a write lock; a CANCELING job goes through the
	// cancel finaliser and ends CANCELED whatever status is given, any other
	// job takes status. Neither implementation in this module stores errMsg.
	FailJob(ctx context.Context, id uuid.UUID, status Status, errMsg string) error

	// ParseJobDescription parses raw (the decompressed description.yaml
	// text) with definition.Decode and, if it parses, persists raw against
	// job as its stored definition text. Returns an error for invalid input
	// (nothing is persisted then); the caller logs and continues per spec
	// §4.3.2 step 1-2.
	ParseJobDescription(ctx context.Context, id uuid.UUID, raw string) error

	// CreateMetadataStore persists a results-extractor metadata record and
	// returns the filename it was written under.
	CreateMetadataStore(ctx context.Context, msg map[string]any, jobID uuid.UUID, level string) (string, error)

	// MapScannedResults routes a results-record message to structured result
	// storage. Returns whether anything was stored.
	MapScannedResults(ctx context.Context, msg map[string]any, jobID uuid.UUID, level string) (bool, error)
}
