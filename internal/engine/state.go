package engine

// State is the conversation engine's coarse phase. Transitions:
// Idle → Listening when the wake gate forwards audio, Listening →
// Processing → Speaking when the model signals end-of-turn, Speaking → Idle
// when the decoded reply finishes playback.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}
