package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Lokch777/EE3070-Design-Project/internal/bus"
	"github.com/Lokch777/EE3070-Design-Project/internal/event"
	"github.com/Lokch777/EE3070-Design-Project/internal/gate"
	"github.com/Lokch777/EE3070-Design-Project/internal/log"
	"github.com/Lokch777/EE3070-Design-Project/internal/metrics"
	"github.com/Lokch777/EE3070-Design-Project/internal/vision"
)

// Capturer requests one image from a device.
type Capturer interface {
	Capture(ctx context.Context, deviceID, correlationID, triggerText string) ([]byte, error)
}

// Analyzer answers a question about a captured image.
type Analyzer interface {
	Analyze(ctx context.Context, deviceID, correlationID string, image []byte, question string) (vision.Result, error)
}

// Speaker produces playback audio for text.
type Speaker interface {
	Synthesize(ctx context.Context, deviceID, correlationID, text string) ([]byte, error)
	SampleRate() int
}

// Player delivers audio to the device and waits for completion.
type Player interface {
	Play(ctx context.Context, deviceID, correlationID string, audio []byte, format string, sampleRate int) error
}

// Archiver stores captured images. Failures are logged, never fatal.
type Archiver interface {
	Save(ctx context.Context, correlationID string, image []byte) (string, error)
}

// Config tunes the orchestrator.
type Config struct {
	Cooldown time.Duration // how long a finished session lingers in COOLDOWN
}

// Orchestrator runs one supervising goroutine per fired trigger, walking the
// session through capture, analysis, synthesis and playback. The device gate
// slot is released on every exit path.
type Orchestrator struct {
	bus      *bus.Bus
	gate     *gate.Gate
	capture  Capturer
	vision   Analyzer
	speaker  Speaker // nil disables speech output
	player   Player
	archiver Archiver // nil disables archival
	store    *Store
	cfg      Config
	logger   zerolog.Logger

	wg sync.WaitGroup
}

func NewOrchestrator(b *bus.Bus, g *gate.Gate, capture Capturer, analyzer Analyzer,
	speaker Speaker, player Player, archiver Archiver, store *Store, cfg Config) *Orchestrator {
	return &Orchestrator{
		bus:      b,
		gate:     g,
		capture:  capture,
		vision:   analyzer,
		speaker:  speaker,
		player:   player,
		archiver: archiver,
		store:    store,
		cfg:      cfg,
		logger:   log.WithComponent("session"),
	}
}

// Run consumes trigger.fired events until ctx is cancelled, then waits for
// in-flight sessions to finish.
func (o *Orchestrator) Run(ctx context.Context) error {
	sub := o.bus.Subscribe(event.KindTriggerFired)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				o.wg.Wait()
				return nil
			}
			fired, ok := ev.Payload.(event.TriggerFired)
			if !ok {
				continue
			}
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.runSession(ctx, ev.CorrelationID, fired)
			}()
		}
	}
}

func (o *Orchestrator) runSession(ctx context.Context, correlationID string, fired event.TriggerFired) {
	logger := o.logger.With().
		Str("correlation_id", correlationID).
		Str("device_id", fired.DeviceID).
		Logger()

	if ok, reason := o.gate.Acquire(fired.DeviceID, correlationID); !ok {
		// The trigger engine pre-checks admission, but another session can
		// win the slot between the check and here.
		logger.Info().Str("reason", string(reason)).Msg("session rejected at admission")
		o.bus.Publish(gate.RejectEvent(correlationID, fired.DeviceID, reason))
		return
	}
	defer o.gate.Release(fired.DeviceID, correlationID)

	s := newSession(correlationID, fired.DeviceID, fired.TriggerText, fired.Question)
	o.store.add(s)
	defer o.retire(s)

	logger.Info().Str("question", fired.Question).Msg("session started")

	s.setState(StateCapturing)
	image, err := o.capture.Capture(ctx, fired.DeviceID, correlationID, fired.TriggerText)
	if err != nil {
		o.fail(ctx, s, err, logger)
		return
	}
	if o.archiver != nil {
		go o.archive(correlationID, image)
	}

	s.setState(StateAnalyzing)
	res, err := o.vision.Analyze(ctx, fired.DeviceID, correlationID, image, fired.Question)
	if err != nil {
		o.fail(ctx, s, err, logger)
		return
	}

	if o.speaker != nil {
		if err := o.speak(ctx, s, res.Text); err != nil {
			o.fail(ctx, s, err, logger)
			return
		}
	}

	s.setState(StateDone)
	o.bus.Publish(event.New(event.KindSessionDone, correlationID, event.SessionDone{
		State:    string(StateDone),
		DeviceID: s.DeviceID,
	}))
	elapsed := time.Since(s.Snapshot().StartedAt)
	metrics.SessionsTotal.WithLabelValues(string(StateDone)).Inc()
	metrics.SessionDuration.Observe(elapsed.Seconds())
	logger.Info().Dur("elapsed", elapsed).Msg("session complete")
}

// speak synthesizes the answer and plays it on the device.
func (o *Orchestrator) speak(ctx context.Context, s *Session, text string) error {
	s.setState(StateSynthesizing)
	audio, err := o.speaker.Synthesize(ctx, s.DeviceID, s.CorrelationID, text)
	if err != nil {
		return err
	}
	s.setState(StatePlaying)
	return o.player.Play(ctx, s.DeviceID, s.CorrelationID, audio, "linear16", o.speaker.SampleRate())
}

// fail publishes exactly one error event with the sanitized fallback message,
// then tries to speak the fallback so the user hears something. Synthesis
// faults get no spoken fallback; the speech path is what just failed.
func (o *Orchestrator) fail(ctx context.Context, s *Session, err error, logger zerolog.Logger) {
	var fault *event.Fault
	if !errors.As(err, &fault) {
		fault = event.NewFault(event.FaultAnalysis, "unexpected failure", err)
	}
	msg := fault.FallbackMessage()
	stage := s.Snapshot().State
	s.setError(msg)
	metrics.StageErrorsTotal.WithLabelValues(string(stage), string(fault.Kind)).Inc()
	metrics.SessionsTotal.WithLabelValues(string(StateError)).Inc()
	logger.Error().Err(err).Str("fault_kind", string(fault.Kind)).Msg("session failed")

	o.bus.Publish(event.New(event.KindError, s.CorrelationID, event.ErrorPayload{
		Kind:     fault.Kind,
		Message:  msg,
		DeviceID: s.DeviceID,
	}))

	if o.speaker != nil && o.player != nil &&
		fault.Kind != event.FaultSynthesis && fault.Kind != event.FaultLink &&
		ctx.Err() == nil {
		speakCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if serr := o.speak(speakCtx, s, msg); serr != nil {
			logger.Warn().Err(serr).Msg("spoken fallback failed")
		}
		s.setError(msg) // speak() moved the state forward; restore ERROR
	}
}

// retire parks the finished session in COOLDOWN, then drops it.
func (o *Orchestrator) retire(s *Session) {
	// Failed sessions cool down like successful ones; LastError survives
	// the transition for anyone inspecting the session during cooldown.
	s.setState(StateCooldown)
	if o.cfg.Cooldown <= 0 {
		o.store.remove(s.CorrelationID)
		return
	}
	time.AfterFunc(o.cfg.Cooldown, func() {
		o.store.remove(s.CorrelationID)
	})
}

func (o *Orchestrator) archive(correlationID string, image []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	path, err := o.archiver.Save(ctx, correlationID, image)
	if err != nil {
		o.logger.Warn().Str("correlation_id", correlationID).Err(err).Msg("image archive failed")
		return
	}
	o.logger.Debug().Str("correlation_id", correlationID).Str("path", path).Msg("image archived")
}
