package capture

import (
	"bytes"
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

// Config tunes the capture state machine.
type Config struct {
	Timeout       time.Duration // wait per attempt
	MaxRetries    int           // re-sends after the first command
	MaxImageBytes int
}

// ErrCapturePending is returned when a capture is requested for a device that
// already has one outstanding. Callers must not queue behind it.
var ErrCapturePending = fmt.Errorf("capture already pending for device")

type deliverResult struct {
	data   []byte
	format string
	err    error
}

type pending struct {
	deviceID string
	ch       chan deliverResult
}

// Coordinator drives one capture request at a time per device: send the
// CAPTURE command, wait for a correlated image, retry on timeout or invalid
// payload, give up after the retry budget.
type Coordinator struct {
	bus    *bus.Bus
	links  *devicelink.Registry
	cfg    Config
	logger zerolog.Logger

	mu              sync.Mutex
	byCorrelation   map[string]*pending
	deviceHasActive map[string]bool
}

func New(b *bus.Bus, links *devicelink.Registry, cfg Config) *Coordinator {
	return &Coordinator{
		bus:             b,
		links:           links,
		cfg:             cfg,
		logger:          log.WithComponent("capture"),
		byCorrelation:   make(map[string]*pending),
		deviceHasActive: make(map[string]bool),
	}
}

// Capture requests an image from the device and blocks until it arrives, the
// retry budget is exhausted, or ctx is cancelled. At most MaxRetries+1
// commands are sent. The returned error is always an *event.Fault.
func (c *Coordinator) Capture(ctx context.Context, deviceID, correlationID, triggerText string) ([]byte, error) {
	link, ok := c.links.Get(deviceID)
	if !ok {
		return nil, event.NewFault(event.FaultLink, "device not connected", devicelink.ErrNotConnected)
	}

	p := &pending{deviceID: deviceID, ch: make(chan deliverResult, 1)}
	c.mu.Lock()
	if c.deviceHasActive[deviceID] {
		c.mu.Unlock()
		return nil, event.NewFault(event.FaultAdmissionRejected, "capture already pending", ErrCapturePending)
	}
	c.deviceHasActive[deviceID] = true
	c.byCorrelation[correlationID] = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.byCorrelation, correlationID)
		delete(c.deviceHasActive, deviceID)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		cmd := devicelink.ControlCommand{
			Type:          devicelink.CommandCapture,
			CorrelationID: correlationID,
			TriggerText:   triggerText,
		}
		if err := link.SendCommand(ctx, cmd); err != nil {
			return nil, event.NewFault(event.FaultLink, "capture command send failed", err)
		}
		c.bus.Publish(event.New(event.KindCaptureRequested, correlationID, event.CaptureRequested{
			TriggerText: triggerText,
			Attempt:     attempt + 1,
			DeviceID:    deviceID,
		}))

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.cfg.Timeout)

		select {
		case <-ctx.Done():
			return nil, event.NewFault(event.FaultCapture, "capture cancelled", ctx.Err())
		case <-link.Closed():
			return nil, event.NewFault(event.FaultLink, "device disconnected during capture", devicelink.ErrNotConnected)
		case res := <-p.ch:
			if res.err != nil {
				// Invalid payload spends an attempt like a timeout would.
				c.logger.Warn().
					Str("correlation_id", correlationID).
					Int("attempt", attempt+1).
					Err(res.err).
					Msg("invalid image, retrying")
				continue
			}
			c.bus.Publish(event.New(event.KindCaptureReceived, correlationID, event.CaptureReceived{
				Size:     len(res.data),
				Format:   res.format,
				DeviceID: deviceID,
			}))
			return res.data, nil
		case <-timer.C:
			c.logger.Warn().
				Str("correlation_id", correlationID).
				Int("attempt", attempt+1).
				Msg("capture attempt timed out")
		}
	}

	return nil, event.NewFault(event.FaultCapture,
		fmt.Sprintf("no image after %d attempts", c.cfg.MaxRetries+1), nil)
}

// Deliver hands an inbound image to the waiting capture, keyed by correlation
// id. Unknown or stale ids are discarded and logged; they never disturb the
// active request. Validation failures are reported to the waiter so they
// count against the retry budget.
func (c *Coordinator) Deliver(correlationID string, data []byte) {
	c.mu.Lock()
	p, ok := c.byCorrelation[correlationID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn().
			Str("correlation_id", correlationID).
			Int("size", len(data)).
			Msg("image for unknown correlation id discarded")
		return
	}

	format, err := c.validate(data)
	res := deliverResult{data: data, format: format, err: err}
	select {
	case p.ch <- res:
	default:
		// A result for this attempt is already queued; drop the duplicate.
		c.logger.Warn().Str("correlation_id", correlationID).Msg("duplicate image delivery dropped")
	}
}

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
)

func (c *Coordinator) validate(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty image payload")
	}
	if c.cfg.MaxImageBytes > 0 && len(data) > c.cfg.MaxImageBytes {
		return "", fmt.Errorf("image too large: %d bytes (max %d)", len(data), c.cfg.MaxImageBytes)
	}
	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return "jpeg", nil
	case bytes.HasPrefix(data, pngMagic):
		return "png", nil
	}
	return "", fmt.Errorf("unrecognized image format")
}
