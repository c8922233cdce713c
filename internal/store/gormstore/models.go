package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base mirrors the teacher's UUIDv7 primary-key pattern: every row gets a
// time-ordered ID assigned on first insert if not already set.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// deviceModel is this module's own schema for the device half of store.Device
// (spec.md puts the store's schema out of scope beyond the §6.2 operations).
// Keyed by worker hostname rather than a synthetic ID: a device belongs to
// exactly one worker host and the dispatch sweep only ever looks devices up
// by that hostname.
type deviceModel struct {
	WorkerHost  string `gorm:"type:text;primaryKey"`
	HealthCheck bool   `gorm:"not null;default:false"`
	Priority    int    `gorm:"not null;default:0"`
	TargetGroup string `gorm:"not null;default:''"`
}

func (deviceModel) TableName() string { return "devices" }

// jobModel is this module's own schema for the subset of job state spec §3
// names the core observes.
type jobModel struct {
	base

	Status                string `gorm:"not null;index"`
	IsPipeline            bool   `gorm:"not null;default:false"`
	IsMultinode           bool   `gorm:"not null;default:false"`
	DynamicConnection     bool   `gorm:"not null;default:false"`
	ActualDeviceHost      *string
	RequestedDeviceHost   *string
	// LookupWorkerHost is spec §3's `lookup_worker`, set independently of
	// ActualDeviceHost/RequestedDeviceHost since a dynamic-connection job
	// has a worker but no device (spec GLOSSARY). Job submission (out of
	// this module's scope) is the only writer; the sweep only reads it.
	LookupWorkerHost      *string
	Definition            string `gorm:"type:text"`
	PipelineCompatibility string
	OutputDir             string
	ParentJobID           *uuid.UUID `gorm:"type:text;index"`
	SubmitTime            time.Time  `gorm:"not null;index"`
}

func (jobModel) TableName() string { return "jobs" }

// resultModel persists results-records routed via MapScannedResults — this
// module's own minimal structured-results store, since spec.md leaves the
// results schema entirely to the store (§6.2 "map_scanned_results(...) →
// bool").
type resultModel struct {
	base

	JobID uuid.UUID `gorm:"type:text;index;not null"`
	Level string    `gorm:"not null"`
	Data  string    `gorm:"type:text"` // JSON-encoded msg
}

func (resultModel) TableName() string { return "job_results" }
