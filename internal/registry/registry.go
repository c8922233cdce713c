// Package registry maintains the in-memory table of known worker hosts.
//
// It is owned exclusively by the main scheduling context: ControlPlane and
// Dispatcher both run there and never concurrently (see package dispatcher
// and package controlplane), so Registry needs no locking of its own. The
// log-ingestion context never touches it.
package registry

import (
	"time"

	"go.uber.org/zap"
)

// RestartKind distinguishes a fresh HELLO from a HELLO_RETRY when recording
// a worker's reconnection, since the two imply different recovery actions
// in the control plane (see controlplane's handleHello).
type RestartKind int

const (
	// Hello means the worker asserts a clean process restart — it cannot
	// have state for any job it previously ran.
	Hello RestartKind = iota
	// HelloRetry means the worker never received our prior HELLO_OK and is
	// retrying as the same incarnation.
	HelloRetry
)

// Worker is the liveness record for one hostname. The identity of a worker
// persists for the life of the process — entries are never deleted, only
// flipped online/offline.
type Worker struct {
	Hostname  string
	Online    bool
	LastMsgAt time.Time
}

// Registry is the in-memory hostname -> Worker table. The zero value is not
// usable; create one with New.
type Registry struct {
	workers map[string]*Worker
	logger  *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		workers: make(map[string]*Worker),
		logger:  logger.Named("registry"),
	}
}

// Touch records that hostname sent a well-formed message at now. A new
// hostname is inserted as online and logged as a new dispatcher; an
// existing offline entry flips back online.
//
// Returns true if hostname was not previously known. ControlPlane does not
// use this value; it calls Known before Touch to decide on the
// resync-after-master-crash path of spec §4.3.4.
func (r *Registry) Touch(hostname string, now time.Time) (isNew bool) {
	w, ok := r.workers[hostname]
	if !ok {
		r.workers[hostname] = &Worker{Hostname: hostname, Online: true, LastMsgAt: now}
		r.logger.Warn("new dispatcher", zap.String("hostname", hostname))
		return true
	}

	w.LastMsgAt = now
	if !w.Online {
		w.Online = true
	}
	return false
}

// NoteRestart touches hostname then logs the restart classification
// required by spec §4.1: RESTARTED for a fresh HELLO on a known worker,
// "not confirmed" for a HELLO_RETRY on a known worker, "new" for either
// verb on an unknown worker. It returns the same isNew value Touch would.
func (r *Registry) NoteRestart(hostname string, kind RestartKind, now time.Time) (isNew bool) {
	_, known := r.workers[hostname]
	isNew = r.Touch(hostname, now)

	switch {
	case !known:
		r.logger.Info("new worker registered via hello", zap.String("hostname", hostname))
	case kind == Hello:
		r.logger.Warn("worker RESTARTED", zap.String("hostname", hostname))
	case kind == HelloRetry:
		r.logger.Info("worker hello not confirmed, retrying same incarnation",
			zap.String("hostname", hostname))
	}
	return isNew
}

// Sweep flips every worker whose last message is older than timeout to
// offline, logging an OFFLINE error for each transition. Entries are never
// removed.
func (r *Registry) Sweep(now time.Time, timeout time.Duration) {
	for _, w := range r.workers {
		if w.Online && now.Sub(w.LastMsgAt) > timeout {
			w.Online = false
			r.logger.Error("worker OFFLINE",
				zap.String("hostname", w.Hostname),
				zap.Duration("since_last_msg", now.Sub(w.LastMsgAt)),
			)
		}
	}
}

// IsOnline reports whether hostname is currently known and online.
func (r *Registry) IsOnline(hostname string) bool {
	w, ok := r.workers[hostname]
	return ok && w.Online
}

// Known reports whether hostname has ever been seen.
func (r *Registry) Known(hostname string) bool {
	_, ok := r.workers[hostname]
	return ok
}

// WorkerView is a read-only snapshot of one worker's state, returned by
// Snapshot for the operational REST API and event feed — neither of which
// may mutate the registry.
type WorkerView struct {
	Hostname  string
	Online    bool
	LastMsgAt time.Time
}

// Snapshot returns a point-in-time copy of every known worker. This is a
// supplemented read accessor (SPEC_FULL §3): it adds no new invariant and
// never mutates Registry state.
func (r *Registry) Snapshot() []WorkerView {
	out := make([]WorkerView, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, WorkerView{Hostname: w.Hostname, Online: w.Online, LastMsgAt: w.LastMsgAt})
	}
	return out
}
