package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Lokch777/EE3070-Design-Project/internal/bus"
	"github.com/Lokch777/EE3070-Design-Project/internal/devicelink"
	"github.com/Lokch777/EE3070-Design-Project/internal/event"
	"github.com/Lokch777/EE3070-Design-Project/internal/log"
)

// Config tunes audio delivery to devices.
type Config struct {
	ChunkSize       int           // bytes per audio frame
	CompleteTimeout time.Duration // wait for the device completion report
}

// ErrPlaybackActive is returned when a device is already playing. Requests
// are rejected, never queued.
var ErrPlaybackActive = fmt.Errorf("playback already active for device")

type pending struct {
	correlationID string
	done          chan struct{}
	once          sync.Once
}

// Coordinator streams synthesized audio to a device in fixed-size chunks and
// waits for the device to report playback completion. One playback per device
// at a time.
type Coordinator struct {
	bus    *bus.Bus
	links  *devicelink.Registry
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]*pending
}

func New(b *bus.Bus, links *devicelink.Registry, cfg Config) *Coordinator {
	return &Coordinator{
		bus:    b,
		links:  links,
		cfg:    cfg,
		logger: log.WithComponent("playback"),
		active: make(map[string]*pending),
	}
}

// Play chunks audio to the device and blocks until the device reports
// completion, the wait times out, or the link drops. The returned error is
// always an *event.Fault.
func (c *Coordinator) Play(ctx context.Context, deviceID, correlationID string, audio []byte, format string, sampleRate int) error {
	if len(audio) == 0 {
		return event.NewFault(event.FaultSynthesis, "no audio to play", nil)
	}
	link, ok := c.links.Get(deviceID)
	if !ok {
		return event.NewFault(event.FaultLink, "device not connected", devicelink.ErrNotConnected)
	}

	p := &pending{correlationID: correlationID, done: make(chan struct{})}
	c.mu.Lock()
	if _, busy := c.active[deviceID]; busy {
		c.mu.Unlock()
		return event.NewFault(event.FaultAdmissionRejected, "playback already active", ErrPlaybackActive)
	}
	c.active[deviceID] = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if cur, ok := c.active[deviceID]; ok && cur == p {
			delete(c.active, deviceID)
		}
		c.mu.Unlock()
	}()

	totalChunks := (len(audio) + c.cfg.ChunkSize - 1) / c.cfg.ChunkSize
	c.bus.Publish(event.New(event.KindPlaybackStarted, correlationID, event.Playback{
		TotalChunks: totalChunks,
		DeviceID:    deviceID,
	}))

	for seq := 0; seq < totalChunks; seq++ {
		start := seq * c.cfg.ChunkSize
		end := start + c.cfg.ChunkSize
		if end > len(audio) {
			end = len(audio)
		}
		chunk := devicelink.AudioChunk{
			Type:          devicelink.ChunkTypeAudio,
			CorrelationID: correlationID,
			Sequence:      seq,
			TotalChunks:   totalChunks,
			Format:        format,
			SampleRate:    sampleRate,
			Data:          audio[start:end],
		}
		if err := link.SendAudioChunk(ctx, chunk); err != nil {
			return event.NewFault(event.FaultLink, "audio chunk send failed", err)
		}
	}

	c.logger.Debug().
		Str("device_id", deviceID).
		Str("correlation_id", correlationID).
		Int("chunks", totalChunks).
		Int("bytes", len(audio)).
		Msg("audio sent, waiting for completion")

	timer := time.NewTimer(c.cfg.CompleteTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return event.NewFault(event.FaultLink, "playback cancelled", ctx.Err())
	case <-link.Closed():
		return event.NewFault(event.FaultLink, "device disconnected during playback", devicelink.ErrNotConnected)
	case <-timer.C:
		return event.NewFault(event.FaultLink, "device never reported playback completion", nil)
	case <-p.done:
	}

	c.bus.Publish(event.New(event.KindPlaybackComplete, correlationID, event.Playback{
		DeviceID: deviceID,
	}))
	return nil
}

// NotifyComplete delivers a device playback_complete report. Reports with a
// stale correlation id are discarded.
func (c *Coordinator) NotifyComplete(deviceID, correlationID string) {
	c.mu.Lock()
	p, ok := c.active[deviceID]
	c.mu.Unlock()
	if !ok || (correlationID != "" && p.correlationID != correlationID) {
		c.logger.Warn().
			Str("device_id", deviceID).
			Str("correlation_id", correlationID).
			Msg("stale playback completion discarded")
		return
	}
	// Devices can emit duplicate completion frames.
	p.once.Do(func() { close(p.done) })
}

// Active reports whether the device currently has a playback in flight.
func (c *Coordinator) Active(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[deviceID]
	return ok
}
