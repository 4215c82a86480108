package protocol

import "time"

// Hello is the first message sent on a supervisor link. The supervisor
// rejects the connection unless the token matches.
type Hello struct {
	Type    string `json:"type"`
	Runtime string `json:"runtime"`
	Token   string `json:"token"`
}

// HelloAck is the supervisor's response to a Hello.
type HelloAck struct {
	Type     string `json:"type"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Transcription reports one finalized utterance of a conversation turn.
type Transcription struct {
	Type      string    `json:"type"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Amplitude is a snapshot of the current input signal level, in [0,1].
type Amplitude struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

// SessionStarted announces a fresh conversation session.
type SessionStarted struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Persona   string    `json:"persona"`
	Timestamp time.Time `json:"timestamp"`
}

// Message type discriminators used in the "type" field.
const (
	TypeHello          = "hello"
	TypeHelloAck       = "hello_ack"
	TypeTranscription  = "transcription"
	TypeAmplitude      = "amplitude"
	TypeSessionStarted = "session_started"
)

// NATS subjects the bus mirror publishes engine events on.
const (
	SubjectTranscriptFinal = "murmur.transcript.final"
	SubjectAmplitude       = "murmur.amplitude"
	SubjectSessionStarted  = "murmur.session.started"
)
