// Package logingest is the single consumer of the log ingress socket
// (spec §4.2): it demultiplexes the merged (job_id, level, name, message)
// frame stream from every worker into per-job, per-sublevel append-only
// files, with bounded open file descriptors and side-effect extraction of
// "results" records.
//
// Everything in this package is owned exclusively by the log execution
// context (spec §5); it never touches the Registry or the control socket.
package logingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lavasoft/dispatcher-master/internal/wire"
)

// handle is a JobLogHandle (spec §3): the pair of append-only sinks kept
// open for one job's log output.
type handle struct {
	outputDir    string
	mainSink     *os.File
	currentLevel string
	subSink      *os.File
	lastUsedAt   time.Time
}

// JobLookup resolves a job_id to its output directory. It returns ok=false
// when the job is unknown to the store, in which case the frame is dropped.
type JobLookup func(ctx context.Context, jobID uuid.UUID) (outputDir string, ok bool, err error)

// ResultsExtractor routes a decoded "results" record to structured storage
// (store.Store.MapScannedResults). A returned error is logged and does not
// abort frame processing (spec §4.2 step 4).
type ResultsExtractor func(ctx context.Context, jobID uuid.UUID, level string, msg map[string]any) error

// Ingest holds the JobLogHandle table and the collaborators needed to
// resolve and extract results from frames.
type Ingest struct {
	logger         *zap.Logger
	lookupJob      JobLookup
	extractResults ResultsExtractor
	fdTimeout      time.Duration

	handles map[uuid.UUID]*handle
}

// New constructs an Ingest. fdTimeout is FD_TIMEOUT (60s in production,
// shrinkable in tests).
func New(logger *zap.Logger, lookupJob JobLookup, extractResults ResultsExtractor, fdTimeout time.Duration) *Ingest {
	return &Ingest{
		logger:         logger.Named("logingest"),
		lookupJob:      lookupJob,
		extractResults: extractResults,
		fdTimeout:      fdTimeout,
		handles:        make(map[uuid.UUID]*handle),
	}
}

// Run drains frames until ctx is cancelled, sleeping idleSleep whenever the
// channel currently has nothing queued (spec §4.2 "non-blocking receive ...
// sleep briefly"), running GC at each idle tick. On return every open
// handle has been closed.
func (in *Ingest) Run(ctx context.Context, frames <-chan wire.LogFrame, idleSleep time.Duration) {
	defer in.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case lf, ok := <-frames:
			if !ok {
				return
			}
			if err := in.HandleFrame(ctx, lf.Frame); err != nil {
				in.logger.Error("dropping malformed log frame", zap.Error(err))
			}
		default:
			in.GC(time.Now())
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleSleep):
			}
		}
	}
}

// HandleFrame processes one (job_id, level, name, message) frame per the
// contract of spec §4.2.
func (in *Ingest) HandleFrame(ctx context.Context, f wire.Frame) error {
	if len(f) != 4 {
		return fmt.Errorf("logingest: expected 4 parts, got %d", len(f))
	}

	jobIDStr, level, name, message := string(f[0]), string(f[1]), string(f[2]), f[3]

	jobID, err := uuid.Parse(jobIDStr)
	if err != nil {
		return fmt.Errorf("logingest: invalid job_id %q: %w", jobIDStr, err)
	}

	var rec map[string]any
	if err := yaml.Unmarshal(message, &rec); err != nil {
		return fmt.Errorf("logingest: job %s: message is not a mapping: %w", jobID, err)
	}
	lvl, ok := rec["lvl"].(string)
	if !ok {
		return fmt.Errorf("logingest: job %s: message missing lvl key", jobID)
	}
	if _, ok := rec["msg"]; !ok {
		return fmt.Errorf("logingest: job %s: message missing msg key", jobID)
	}

	if strings.Contains(level, "/") || strings.Contains(name, "/") {
		return fmt.Errorf("logingest: job %s: rejecting path separator in level %q or name %q", jobID, level, name)
	}

	h, err := in.resolveHandle(ctx, jobID, level, name)
	if err != nil {
		return err
	}

	if lvl == "results" {
		if err := in.extractResults(ctx, jobID, level, rec); err != nil {
			in.logger.Error("results extraction failed", zap.String("job_id", jobID.String()), zap.Error(err))
		}
	}

	line := "- " + string(message) + "\n"
	now := time.Now()
	if err := writeAndFlush(h.mainSink, line); err != nil {
		return fmt.Errorf("logingest: job %s: writing main sink: %w", jobID, err)
	}
	if err := writeAndFlush(h.subSink, line); err != nil {
		return fmt.Errorf("logingest: job %s: writing sub sink: %w", jobID, err)
	}
	h.lastUsedAt = now
	return nil
}

func writeAndFlush(f *os.File, line string) error {
	if _, err := f.WriteString(line); err != nil {
		return err
	}
	return f.Sync()
}

// resolveHandle returns the JobLogHandle for jobID, creating it lazily on
// first use and rotating sub_sink when level changes (spec §4.2 step 3).
func (in *Ingest) resolveHandle(ctx context.Context, jobID uuid.UUID, level, name string) (*handle, error) {
	if h, ok := in.handles[jobID]; ok {
		if h.currentLevel == level {
			return h, nil
		}
		if err := h.subSink.Close(); err != nil {
			in.logger.Warn("closing rotated sub sink", zap.String("job_id", jobID.String()), zap.Error(err))
		}
		sub, err := openSubSink(h.outputDir, level, name)
		if err != nil {
			return nil, fmt.Errorf("logingest: job %s: rotating sub sink: %w", jobID, err)
		}
		h.subSink = sub
		h.currentLevel = level
		return h, nil
	}

	outputDir, ok, err := in.lookupJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("logingest: job %s: lookup: %w", jobID, err)
	}
	if !ok {
		return nil, fmt.Errorf("logingest: job %s: unknown to store, dropping", jobID)
	}

	main, err := openAppend(filepath.Join(outputDir, "output.yaml"))
	if err != nil {
		return nil, fmt.Errorf("logingest: job %s: opening main sink: %w", jobID, err)
	}
	sub, err := openSubSink(outputDir, level, name)
	if err != nil {
		main.Close()
		return nil, fmt.Errorf("logingest: job %s: opening sub sink: %w", jobID, err)
	}

	h := &handle{outputDir: outputDir, mainSink: main, currentLevel: level, subSink: sub, lastUsedAt: time.Now()}
	in.handles[jobID] = h
	return h, nil
}

func openSubSink(outputDir, level, name string) (*os.File, error) {
	major := strings.SplitN(level, ".", 2)[0]
	dir := filepath.Join(outputDir, "pipeline", major)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return openAppend(filepath.Join(dir, level+"-"+name+".yaml"))
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// GC closes and removes every handle idle longer than fdTimeout (spec §3
// JobLogHandle lifecycle, §8 testable property 7).
func (in *Ingest) GC(now time.Time) {
	for id, h := range in.handles {
		if now.Sub(h.lastUsedAt) > in.fdTimeout {
			in.closeHandle(id, h)
		}
	}
}

func (in *Ingest) closeHandle(id uuid.UUID, h *handle) {
	if err := h.mainSink.Close(); err != nil {
		in.logger.Warn("closing main sink", zap.String("job_id", id.String()), zap.Error(err))
	}
	if err := h.subSink.Close(); err != nil {
		in.logger.Warn("closing sub sink", zap.String("job_id", id.String()), zap.Error(err))
	}
	delete(in.handles, id)
}

func (in *Ingest) closeAll() {
	for id, h := range in.handles {
		in.closeHandle(id, h)
	}
}

// Open reports how many job log handles are currently open; only tests call
// it.
func (in *Ingest) Open() int { return len(in.handles) }
