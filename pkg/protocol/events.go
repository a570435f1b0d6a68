// Package protocol defines the JSON frames exchanged with gateway clients.
package protocol

// ProtocolVersion is reported by /health and in the hello frame.
const ProtocolVersion = 1

// Frame types.
const (
	FrameHello   = "hello"
	FrameEvent   = "event"
	FrameMessage = "message"
	FrameError   = "error"
)

// Event names pushed from server to client.
const (
	EventHealth    = "health"
	EventAdmission = "admission"
	EventReply     = "reply"
	EventSend      = "send"
	EventShutdown  = "shutdown"

	// Internal events, not forwarded to clients.
	EventCacheInvalidate = "cache.invalidate"
)

// Admission verdicts carried in admission event payloads.
const (
	AdmissionAdmitted = "admitted"
	AdmissionQueued   = "queued"
	AdmissionRejected = "rejected"
)
