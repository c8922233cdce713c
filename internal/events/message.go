// Package events implements the read-only pub/sub feed that pushes worker
// and job lifecycle transitions to connected operators over WebSocket. It
// supplements spec.md (§8 SUPPLEMENTED FEATURES item 4): the original runs
// embedded in a Django process that surfaces this state through the wider
// web UI, and this process owns none of that, so a minimal push feed is
// added here instead.
//
// Topic naming convention:
//
//	worker:<hostname>  — online notices for one worker
//	job:<uuid>         — status changes for one job
//	workers            — every worker transition, regardless of hostname
package events

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgWorkerStatus is sent with online=true when a worker sends HELLO or
	// HELLO_RETRY, or a PING as its first message. No message is sent when
	// the registry sweep marks a worker offline.
	MsgWorkerStatus MessageType = "worker.status"

	// MsgJobStatus is sent when a job is assigned ("ASSIGNED"), starts
	// (RUNNING), or is finalised (COMPLETE, INCOMPLETE, CANCELED).
	MsgJobStatus MessageType = "job.status"
)

// Message is the envelope for every frame sent to a connected client.
type Message struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic"`
	Payload any         `json:"payload"`
}

// WorkerStatusPayload is the Payload shape for MsgWorkerStatus.
type WorkerStatusPayload struct {
	Hostname string `json:"hostname"`
	Online   bool   `json:"online"`
}

// JobStatusPayload is the Payload shape for MsgJobStatus.
type JobStatusPayload struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}
