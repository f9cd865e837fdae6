package protocol

import "time"

const (
	SubjectSpeak  = "readaloud.speak"
	SubjectCancel = "readaloud.cancel"
	SubjectStream = "readaloud.stream"
	SubjectStatus = "readaloud.status"
)

// SpeakRequest asks the producer to start a new stream. Zero values fall back
// to the producer's configured defaults.
type SpeakRequest struct {
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	MaxLength int     `json:"max_length,omitempty"`
}

type SpeakReply struct {
	RequestID string `json:"request_id,omitempty"`
	Segments  int    `json:"segments,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CancelRequest is fire-and-forget; the producer acknowledges by going quiet.
type CancelRequest struct {
	RequestID string `json:"request_id"`
}

type StatusKind string

const (
	StatusReady    StatusKind = "ready"
	StatusLoading  StatusKind = "loading"
	StatusSpeaking StatusKind = "speaking"
	StatusError    StatusKind = "error"
)

// Status is reported to host UIs on every consumer transition.
type Status struct {
	Message   string     `json:"message"`
	Kind      StatusKind `json:"kind"`
	RequestID string     `json:"request_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
