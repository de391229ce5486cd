package tts

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Lokch777/EE3070-Design-Project/internal/bus"
	"github.com/Lokch777/EE3070-Design-Project/internal/event"
	"github.com/Lokch777/EE3070-Design-Project/internal/log"
)

// Synthesizer turns text into PCM audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	SampleRate() int
}

// Config tunes the synthesis stage.
type Config struct {
	Timeout time.Duration // per attempt
	Retries int
}

// Stage wraps a Synthesizer with timeout and retry handling. Any credential
// rejection disables the stage until reconfiguration; everything else spends
// the retry budget. Returned errors are always *event.Fault.
type Stage struct {
	bus    *bus.Bus
	synth  Synthesizer
	cfg    Config
	logger zerolog.Logger

	// Sessions for different devices share one stage; the latch must be
	// safe to read while another session sets it.
	disabled atomic.Bool
}

func NewStage(b *bus.Bus, synth Synthesizer, cfg Config) *Stage {
	return &Stage{
		bus:    b,
		synth:  synth,
		cfg:    cfg,
		logger: log.WithComponent("tts"),
	}
}

// SampleRate reports the PCM rate of synthesized audio.
func (s *Stage) SampleRate() int { return s.synth.SampleRate() }

// Synthesize produces the playback buffer for text and publishes audio.ready
// on success.
func (s *Stage) Synthesize(ctx context.Context, deviceID, correlationID, text string) ([]byte, error) {
	if s.disabled.Load() {
		return nil, event.NewFault(event.FaultUpstreamAuth, "speech synthesis disabled", ErrMissingAPIKey)
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		audio, err := s.synth.Synthesize(attemptCtx, text)
		cancel()
		if err == nil {
			s.bus.Publish(event.New(event.KindAudioReady, correlationID, event.AudioReady{
				Size:       len(audio),
				Format:     "linear16",
				SampleRate: s.synth.SampleRate(),
				DeviceID:   deviceID,
			}))
			return audio, nil
		}

		if isAuthErr(err) {
			// Credentials will not appear between retries; stop asking.
			s.disabled.Store(true)
			return nil, event.NewFault(event.FaultUpstreamAuth, "speech synthesis credentials rejected", err)
		}

		lastErr = err
		s.logger.Warn().
			Str("correlation_id", correlationID).
			Int("attempt", attempt+1).
			Err(err).
			Msg("synthesis attempt failed")
		if ctx.Err() != nil {
			break
		}
	}

	return nil, event.NewFault(event.FaultSynthesis, "speech synthesis failed", lastErr)
}

// isAuthErr recognizes any credential rejection the synthesizer can surface,
// not just the missing-key sentinel.
func isAuthErr(err error) bool {
	if errors.Is(err, ErrMissingAPIKey) {
		return true
	}
	var fault *event.Fault
	return errors.As(err, &fault) && fault.Kind == event.FaultUpstreamAuth
}
