// Package config holds the dispatcher master's tuning constants and runtime
// settings in a single immutable record constructed once at startup.
//
// The source this process is modelled on scattered TIMEOUT, DB_LIMIT,
// FD_TIMEOUT, DISPATCHER_TIMEOUT and PROTOCOL_VERSION as module-level
// globals. Collecting them here means components are handed a Config (by
// value) or the individual values they use instead of reaching for package
// state, and tests can construct whatever
// tuning they need without touching global variables.
package config

import "time"

// ProtocolVersion is the control-plane handshake version. A HELLO or
// HELLO_RETRY carrying any other value is rejected without registering the
// worker.
const ProtocolVersion = 1

const (
	// ControlPollTimeout ("TIMEOUT" in the source) is carried in Timing, but
	// nothing outside this package reads it: control connections are served
	// by blocking per-connection reads and dispatch sweeps run on their own
	// timer.
	ControlPollTimeout = 10 * time.Second

	// DispatchInterval ("DB_LIMIT" in the source) is the minimum spacing
	// between dispatch sweeps.
	DispatchInterval = 10 * time.Second

	// FDTimeout is how long an idle JobLogHandle is kept open before the
	// log context closes it.
	FDTimeout = 60 * time.Second

	// WorkerTimeout ("DISPATCHER_TIMEOUT" in the source) is three times the
	// slave's ping period; a worker with no traffic for longer is marked
	// offline by the registry sweep.
	WorkerTimeout = 30 * time.Second

	// LogIdleSleep is how long the log context sleeps between non-blocking
	// receive attempts when the log socket has no frame ready.
	LogIdleSleep = 2 * time.Second
)

// LogLevel is one of the four levels the spec allows for --level.
type LogLevel string

const (
	LevelError LogLevel = "ERROR"
	LevelWarn  LogLevel = "WARN"
	LevelInfo  LogLevel = "INFO"
	LevelDebug LogLevel = "DEBUG"
)

// Config is the fully resolved, immutable configuration for one dispatcher
// master process. Build it once in cmd/dispatcher-master and pass it down;
// nothing in internal/ mutates it.
type Config struct {
	// MasterSocket is the bind address for the control (request/reply)
	// socket workers connect to for HELLO/PING/END/START_OK traffic.
	MasterSocket string

	// LogSocket is the bind address for the log ingress socket.
	LogSocket string

	// MasterCertPath, if non-empty, is the path to this master's CURVE-style
	// keypair file, enabling encrypted worker connections.
	MasterCertPath string

	// SlavesCertsDir, if non-empty, is a directory of trusted worker public
	// keys. Required when MasterCertPath is set.
	SlavesCertsDir string

	// EnvPath is an optional YAML file merged into every job's worker-side
	// process environment.
	EnvPath string

	// EnvDUTPath is an optional YAML file describing the device-under-test
	// environment.
	EnvDUTPath string

	// DispatchersConfigDir is an optional directory of per-worker YAML
	// override files, named "{hostname}.yaml".
	DispatchersConfigDir string

	// Level is the configured log verbosity.
	Level LogLevel

	// APIAddr, if non-empty, serves the read-only operational REST API.
	APIAddr string

	// APIToken, if non-empty, is required as a bearer token on API and
	// event-feed requests. Empty disables the check (development only).
	APIToken string

	// MetricsAddr, if non-empty, serves Prometheus metrics.
	MetricsAddr string

	// WorkerConfMarker is the sentinel file whose presence means this host
	// is configured as a worker, not a master; startup must refuse to run.
	WorkerConfMarker string

	Timing Timing
}

// Timing groups the tuning constants so tests can shrink them without
// touching unrelated Config fields.
type Timing struct {
	ControlPollTimeout time.Duration
	DispatchInterval   time.Duration
	FDTimeout          time.Duration
	WorkerTimeout      time.Duration
	LogIdleSleep       time.Duration
}

// DefaultTiming returns the production tuning values from spec §9.
func DefaultTiming() Timing {
	return Timing{
		ControlPollTimeout: ControlPollTimeout,
		DispatchInterval:   DispatchInterval,
		FDTimeout:          FDTimeout,
		WorkerTimeout:      WorkerTimeout,
		LogIdleSleep:       LogIdleSleep,
	}
}

// Default returns a Config with the spec's documented default socket
// addresses and production timing, suitable as a starting point before
// flag overrides are applied.
func Default() Config {
	return Config{
		MasterSocket:     "tcp://*:5556",
		LogSocket:        "tcp://*:5555",
		Level:            LevelDebug,
		WorkerConfMarker: "/etc/lava-server/worker.conf",
		Timing:           DefaultTiming(),
	}
}
