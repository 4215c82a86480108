// Package codec abstracts the neural codec/language-model capability behind
// a narrow adapter: PCM frames are encoded into opaque model tokens, the
// model's spoken reply comes back as token batches to decode into PCM, and
// end-of-turn signals carry the finalized transcripts. The model internals
// (weights, inference) live behind this boundary.
package codec

import (
	"context"
	"errors"
	"time"

	"github.com/murmurlabs/murmur-core/internal/audio"
)

// ErrCodec marks per-frame encode/decode failures. They are recovered
// locally with silence substitution; the conversation loop never aborts on
// a single bad frame.
var ErrCodec = errors.New("codec failure")

// Tokens is an opaque batch of model tokens.
type Tokens struct {
	Payload []byte
	Count   int
	Seq     uint64
}

// TurnResult is emitted when the model signals end-of-turn, carrying the
// finalized transcripts for both sides of the exchange.
type TurnResult struct {
	UserText      string
	AssistantText string
	Completed     time.Time
}

// Adapter is the pluggable codec/model capability.
//
// Encode pushes one captured frame into the model. Output streams the
// model's response tokens as they are produced; Decode turns one batch back
// into a playable frame. Turns signals end-of-turn. InjectText forwards
// auxiliary context text; it is advisory only and makes no guarantee about
// influencing generation.
type Adapter interface {
	Encode(ctx context.Context, frame audio.Frame) (Tokens, error)
	Decode(ctx context.Context, tokens Tokens) (audio.Frame, error)
	InjectText(ctx context.Context, text string) error
	Output() <-chan Tokens
	Turns() <-chan TurnResult
	Close() error
}
