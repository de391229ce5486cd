package devicelink

import (
	"context"
	"errors"
	"sync"
)

// ErrNotConnected is returned when no live link exists for a device.
var ErrNotConnected = errors.New("device not connected")

// ControlCommand is the JSON command frame sent to the device over the
// control socket.
type ControlCommand struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
	TriggerText   string `json:"trigger_text,omitempty"`
}

// CommandCapture asks the device camera for one frame.
const CommandCapture = "CAPTURE"

// AudioChunk is one frame of playback audio. Data is base64 on the wire.
type AudioChunk struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
	Sequence      int    `json:"sequence"`
	TotalChunks   int    `json:"total_chunks"`
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Data          []byte `json:"audio_data"`
}

// ChunkTypeAudio tags AudioChunk frames.
const ChunkTypeAudio = "audio_chunk"

// ImageHeader is the JSON frame a device sends immediately before a binary
// image payload on the camera socket.
type ImageHeader struct {
	CorrelationID string `json:"correlation_id"`
	Size          int    `json:"size"`
	Format        string `json:"format"`
}

// StatusMessage is an inbound device report on the control socket: playback
// completion, memory readings, pong replies.
type StatusMessage struct {
	Type          string  `json:"type"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	FreeMemoryPct float64 `json:"free_memory_pct,omitempty"`
}

const (
	StatusPlaybackComplete = "playback_complete"
	StatusMemory           = "memory"
	StatusPong             = "pong"
)

// Link is one live bidirectional channel to a device. Implementations must be
// safe for concurrent senders. Closed is signalled exactly once when the
// underlying transport goes away.
type Link interface {
	DeviceID() string
	SendCommand(ctx context.Context, cmd ControlCommand) error
	SendAudioChunk(ctx context.Context, chunk AudioChunk) error
	Closed() <-chan struct{}
}

// Registry tracks the live link per device id.
type Registry struct {
	mu    sync.RWMutex
	links map[string]Link
}

func NewRegistry() *Registry {
	return &Registry{links: make(map[string]Link)}
}

// Register stores the link for its device, replacing any previous one.
func (r *Registry) Register(l Link) {
	r.mu.Lock()
	r.links[l.DeviceID()] = l
	r.mu.Unlock()
}

// Unregister removes the link only if it is still the registered one, so a
// reconnect that already replaced it is not clobbered.
func (r *Registry) Unregister(l Link) {
	r.mu.Lock()
	if cur, ok := r.links[l.DeviceID()]; ok && cur == l {
		delete(r.links, l.DeviceID())
	}
	r.mu.Unlock()
}

// Get returns the live link for a device.
func (r *Registry) Get(deviceID string) (Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[deviceID]
	return l, ok
}

// Connected reports whether a device currently has a live link.
func (r *Registry) Connected(deviceID string) bool {
	_, ok := r.Get(deviceID)
	return ok
}

// DeviceIDs lists devices with a live link.
func (r *Registry) DeviceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.links))
	for id := range r.links {
		out = append(out, id)
	}
	return out
}
