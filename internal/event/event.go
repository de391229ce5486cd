package event

import (
	"encoding/json"
	"time"
)

// Kind identifies the schema of an event payload.
type Kind string

const (
	KindASRPartial       Kind = "asr.partial"
	KindASRFinal         Kind = "asr.final"
	KindTriggerFired     Kind = "trigger.fired"
	KindTriggerRejected  Kind = "trigger.rejected"
	KindRequestRejected  Kind = "request.rejected"
	KindCaptureRequested Kind = "capture.requested"
	KindCaptureReceived  Kind = "capture.received"
	KindVisionStarted    Kind = "vision.started"
	KindVisionResult     Kind = "vision.result"
	KindAudioReady       Kind = "audio.ready"
	KindPlaybackStarted  Kind = "playback.started"
	KindPlaybackComplete Kind = "playback.complete"
	KindSessionDone      Kind = "session.done"
	KindError            Kind = "error"

	// KindWildcard subscribes to every event kind.
	KindWildcard Kind = "*"
)

// Event is the immutable unit published on the bus. Payload is one of the
// typed structs below, chosen by Kind; producers relinquish ownership on
// publish.
type Event struct {
	Kind          Kind        `json:"kind"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Payload       interface{} `json:"data,omitempty"`
}

// New stamps an event with the current time.
func New(kind Kind, correlationID string, payload interface{}) Event {
	return Event{Kind: kind, Timestamp: time.Now(), CorrelationID: correlationID, Payload: payload}
}

// MarshalJSON emits the wire form consumed by UI observers.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire struct {
		Kind          Kind        `json:"kind"`
		Timestamp     float64     `json:"timestamp"`
		CorrelationID string      `json:"correlation_id,omitempty"`
		Data          interface{} `json:"data,omitempty"`
	}
	return json.Marshal(wire{
		Kind:          e.Kind,
		Timestamp:     float64(e.Timestamp.UnixNano()) / float64(time.Second),
		CorrelationID: e.CorrelationID,
		Data:          e.Payload,
	})
}

// Transcript is the payload for asr.partial and asr.final events.
type Transcript struct {
	Text     string `json:"text"`
	DeviceID string `json:"device_id"`
}

// TriggerFired is the payload for trigger.fired events.
type TriggerFired struct {
	TriggerText string  `json:"trigger_text"`
	Question    string  `json:"question"`
	Phrase      string  `json:"matched_phrase"`
	Confidence  float64 `json:"confidence"`
	DeviceID    string  `json:"device_id"`
}

// TriggerRejected is the payload for trigger.rejected events (cooldown) and
// request.rejected events (gate busy or unhealthy).
type TriggerRejected struct {
	Reason   RejectReason `json:"reason"`
	Text     string       `json:"text,omitempty"`
	DeviceID string       `json:"device_id"`
}

// RejectReason distinguishes the admission-control outcomes so observers can
// tell "busy" from "unhealthy" from "cooldown".
type RejectReason string

const (
	RejectCooldown  RejectReason = "cooldown_active"
	RejectBusy      RejectReason = "device_busy"
	RejectUnhealthy RejectReason = "memory_low"
)

// CaptureRequested is the payload for capture.requested events.
type CaptureRequested struct {
	TriggerText string `json:"trigger_text"`
	Attempt     int    `json:"attempt"`
	DeviceID    string `json:"device_id"`
}

// CaptureReceived is the payload for capture.received events.
type CaptureReceived struct {
	Size     int    `json:"size"`
	Format   string `json:"format"`
	DeviceID string `json:"device_id"`
}

// VisionStarted is the payload for vision.started events.
type VisionStarted struct {
	Prompt   string `json:"prompt"`
	DeviceID string `json:"device_id"`
}

// VisionResult is the payload for vision.result events.
type VisionResult struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	DeviceID   string   `json:"device_id"`
}

// AudioReady is the payload for audio.ready events. Audio bytes travel by
// reference; history consumers only see the metadata.
type AudioReady struct {
	Size       int    `json:"size"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	DeviceID   string `json:"device_id"`
}

// Playback is the payload for playback.started and playback.complete events.
type Playback struct {
	TotalChunks int    `json:"total_chunks,omitempty"`
	DeviceID    string `json:"device_id"`
}

// SessionDone is the payload for session.done events.
type SessionDone struct {
	State    string `json:"state"`
	DeviceID string `json:"device_id"`
}

// ErrorPayload is the payload for error events. Message is always the
// sanitized stage fallback, never raw upstream error text.
type ErrorPayload struct {
	Kind     FaultKind `json:"kind"`
	Message  string    `json:"message"`
	DeviceID string    `json:"device_id,omitempty"`
}
