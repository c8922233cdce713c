// Package controlplane owns the identity-routed request/reply socket
// workers use for HELLO/PING/END/START_OK traffic (spec §4.3). Inbound
// frames are parsed into a tagged variant before any handler runs, per the
// "Dynamic message shapes" re-architecture guidance of spec §9 — downstream
// code never inspects frame arity itself.
package controlplane

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/lavasoft/dispatcher-master/internal/wire"
)

// Verb names, as carried in the second frame part.
const (
	VerbHello      = "HELLO"
	VerbHelloRetry = "HELLO_RETRY"
	VerbPing       = "PING"
	VerbEnd        = "END"
	VerbStartOK    = "START_OK"
)

// Msg is the tagged variant of every inbound control verb.
type Msg interface{ verb() string }

type HelloMsg struct{ Version int }
type HelloRetryMsg struct{ Version int }
type PingMsg struct{}
type EndMsg struct {
	JobID           uuid.UUID
	ExitCode        int
	ErrMsg          string
	DescriptionBlob []byte
}
type StartOKMsg struct{ JobID uuid.UUID }

// UnknownMsg is any verb this protocol version does not recognise.
type UnknownMsg struct{ Verb string }

func (HelloMsg) verb() string      { return VerbHello }
func (HelloRetryMsg) verb() string { return VerbHelloRetry }
func (PingMsg) verb() string       { return VerbPing }
func (EndMsg) verb() string        { return VerbEnd }
func (StartOKMsg) verb() string    { return VerbStartOK }
func (m UnknownMsg) verb() string  { return m.Verb }

// Parse decodes f (hostname, verb, ...extras) into a Msg. A malformed frame
// (wrong arity, non-integer IDs) is an error; callers must log and drop
// without replying (spec §4.3 "Malformed frames").
func Parse(f wire.Frame) (Msg, error) {
	if len(f) < 2 {
		return nil, fmt.Errorf("controlplane: frame has %d parts, need at least 2", len(f))
	}
	verb := string(f[1])

	switch verb {
	case VerbHello, VerbHelloRetry:
		if len(f) != 3 {
			return nil, fmt.Errorf("controlplane: %s: expected 3 parts, got %d", verb, len(f))
		}
		v, err := strconv.Atoi(string(f[2]))
		if err != nil {
			return nil, fmt.Errorf("controlplane: %s: non-integer protocol_version: %w", verb, err)
		}
		if verb == VerbHello {
			return HelloMsg{Version: v}, nil
		}
		return HelloRetryMsg{Version: v}, nil

	case VerbPing:
		return PingMsg{}, nil

	case VerbEnd:
		if len(f) != 6 {
			return nil, fmt.Errorf("controlplane: END: expected 6 parts, got %d", len(f))
		}
		jobID, err := uuid.Parse(string(f[2]))
		if err != nil {
			return nil, fmt.Errorf("controlplane: END: non-uuid job_id: %w", err)
		}
		exitCode, err := strconv.Atoi(string(f[3]))
		if err != nil {
			return nil, fmt.Errorf("controlplane: END: non-integer exit_code: %w", err)
		}
		return EndMsg{JobID: jobID, ExitCode: exitCode, ErrMsg: string(f[4]), DescriptionBlob: f[5]}, nil

	case VerbStartOK:
		if len(f) != 3 {
			return nil, fmt.Errorf("controlplane: START_OK: expected 3 parts, got %d", len(f))
		}
		jobID, err := uuid.Parse(string(f[2]))
		if err != nil {
			return nil, fmt.Errorf("controlplane: START_OK: non-uuid job_id: %w", err)
		}
		return StartOKMsg{JobID: jobID}, nil

	default:
		return UnknownMsg{Verb: verb}, nil
	}
}
