package bus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/murmurlabs/murmur-core/internal/engine"
	"github.com/murmurlabs/murmur-core/internal/protocol"
)

// Mirror publishes engine events on the bus. Publishing is fire-and-forget:
// NATS buffers writes internally, so the engine's emit path never blocks on
// the wire.
type Mirror struct {
	client *Client
	log    *slog.Logger
}

var _ engine.Emitter = (*Mirror)(nil)

func NewMirror(client *Client, log *slog.Logger) *Mirror {
	return &Mirror{
		client: client,
		log:    log.With(slog.String("component", "bus-mirror")),
	}
}

func (m *Mirror) EmitTranscription(event engine.TranscriptionEvent) {
	m.publish(protocol.SubjectTranscriptFinal, protocol.Transcription{
		Type:      protocol.TypeTranscription,
		Speaker:   event.Speaker,
		Text:      event.Text,
		SessionID: event.SessionID,
		Timestamp: event.Timestamp,
	})
}

func (m *Mirror) EmitAmplitude(value float64) {
	m.publish(protocol.SubjectAmplitude, protocol.Amplitude{
		Type:  protocol.TypeAmplitude,
		Value: value,
	})
}

func (m *Mirror) EmitSessionStarted(sessionID, personaName string, at time.Time) {
	m.publish(protocol.SubjectSessionStarted, protocol.SessionStarted{
		Type:      protocol.TypeSessionStarted,
		SessionID: sessionID,
		Persona:   personaName,
		Timestamp: at,
	})
}

func (m *Mirror) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.log.Warn("marshal event failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
		return
	}
	if err := m.client.Conn().Publish(subject, data); err != nil {
		m.log.Warn("publish event failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
