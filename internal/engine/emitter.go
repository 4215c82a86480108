package engine

import "time"

// TranscriptionEvent is pushed outward on every finalized utterance. It is
// never stored by the engine beyond the broadcast attempt.
type TranscriptionEvent struct {
	Speaker   string
	Text      string
	SessionID string
	Timestamp time.Time
}

// Emitter receives engine events. Implementations must be non-blocking and
// best-effort: the audio loop calls these inline and will not wait.
type Emitter interface {
	EmitTranscription(event TranscriptionEvent)
	EmitAmplitude(value float64)
	EmitSessionStarted(sessionID, personaName string, at time.Time)
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) EmitTranscription(TranscriptionEvent)         {}
func (NopEmitter) EmitAmplitude(float64)                        {}
func (NopEmitter) EmitSessionStarted(string, string, time.Time) {}

// MultiEmitter fans events out to several emitters.
type MultiEmitter []Emitter

func (m MultiEmitter) EmitTranscription(event TranscriptionEvent) {
	for _, e := range m {
		e.EmitTranscription(event)
	}
}

func (m MultiEmitter) EmitAmplitude(value float64) {
	for _, e := range m {
		e.EmitAmplitude(value)
	}
}

func (m MultiEmitter) EmitSessionStarted(sessionID, personaName string, at time.Time) {
	for _, e := range m {
		e.EmitSessionStarted(sessionID, personaName, at)
	}
}
