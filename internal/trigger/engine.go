package trigger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Lokch777/EE3070-Design-Project/internal/bus"
	"github.com/Lokch777/EE3070-Design-Project/internal/event"
	"github.com/Lokch777/EE3070-Design-Project/internal/gate"
	"github.com/Lokch777/EE3070-Design-Project/internal/log"
	"github.com/Lokch777/EE3070-Design-Project/internal/metrics"
)

// Match describes an accepted trigger.
type Match struct {
	Phrase     string
	Confidence float64
	Question   string
}

// Config tunes trigger detection.
type Config struct {
	Phrases   []string
	Threshold float64
	Cooldown  time.Duration
}

// Engine watches final transcriptions for trigger phrases, enforces the
// per-device cooldown window and the admission gate, and fires capture
// triggers with fresh correlation ids. Partial transcriptions never trigger.
type Engine struct {
	bus    *bus.Bus
	gate   *gate.Gate
	cfg    Config
	scorer Scorer
	logger zerolog.Logger

	mu            sync.Mutex
	cooldownUntil map[string]time.Time

	now   func() time.Time
	newID func() string
}

// New creates a trigger engine. A nil scorer defaults to PartialRatio.
func New(b *bus.Bus, g *gate.Gate, cfg Config, scorer Scorer) *Engine {
	if scorer == nil {
		scorer = PartialRatio{}
	}
	return &Engine{
		bus:           b,
		gate:          g,
		cfg:           cfg,
		scorer:        scorer,
		logger:        log.WithComponent("trigger"),
		cooldownUntil: make(map[string]time.Time),
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// Run subscribes to final transcriptions until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	sub := e.bus.Subscribe(event.KindASRFinal)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			t, ok := ev.Payload.(event.Transcript)
			if !ok {
				continue
			}
			e.OnFinal(t.Text, t.DeviceID)
		}
	}
}

// OnFinal evaluates one final transcription. On acceptance it starts the
// cooldown window and publishes a trigger.fired event carrying a new
// correlation id; rejections publish observability events and are otherwise
// dropped, never queued.
func (e *Engine) OnFinal(text, deviceID string) {
	m, ok := e.Detect(text)
	if !ok {
		return
	}

	now := e.now()
	e.mu.Lock()
	until, cooling := e.cooldownUntil[deviceID]
	if cooling && now.Before(until) {
		e.mu.Unlock()
		e.logger.Debug().Str("device_id", deviceID).Str("text", text).Msg("trigger dropped, cooldown active")
		metrics.TriggersTotal.WithLabelValues("cooldown").Inc()
		e.bus.Publish(event.New(event.KindTriggerRejected, "", event.TriggerRejected{
			Reason:   event.RejectCooldown,
			Text:     text,
			DeviceID: deviceID,
		}))
		return
	}

	if ok, reason := e.gate.Admit(deviceID); !ok {
		e.mu.Unlock()
		e.logger.Debug().Str("device_id", deviceID).Str("reason", string(reason)).Msg("trigger dropped, gate refused")
		metrics.TriggersTotal.WithLabelValues(string(reason)).Inc()
		e.bus.Publish(gate.RejectEvent("", deviceID, reason))
		return
	}

	e.cooldownUntil[deviceID] = now.Add(e.cfg.Cooldown)
	e.mu.Unlock()

	id := e.newID()
	metrics.TriggersTotal.WithLabelValues("fired").Inc()
	e.logger.Info().
		Str("correlation_id", id).
		Str("device_id", deviceID).
		Str("phrase", m.Phrase).
		Float64("confidence", m.Confidence).
		Msg("trigger accepted")

	e.bus.Publish(event.New(event.KindTriggerFired, id, event.TriggerFired{
		TriggerText: text,
		Question:    m.Question,
		Phrase:      m.Phrase,
		Confidence:  m.Confidence,
		DeviceID:    deviceID,
	}))
}

// Detect finds the first matching trigger phrase. Exact substring match wins
// over fuzzy; within each pass, configured phrase order breaks ties.
func (e *Engine) Detect(text string) (Match, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Match{}, false
	}
	lower := strings.ToLower(trimmed)

	// Offsets into lower must never index trimmed: case mapping can change
	// byte lengths, so the question is derived from the lowered text.
	for _, phrase := range e.cfg.Phrases {
		if idx := strings.Index(lower, strings.ToLower(phrase)); idx >= 0 {
			return Match{
				Phrase:     phrase,
				Confidence: 1,
				Question:   strings.TrimSpace(lower[idx:]),
			}, true
		}
	}

	for _, phrase := range e.cfg.Phrases {
		if score := e.scorer.Score(phrase, lower); score >= e.cfg.Threshold {
			return Match{Phrase: phrase, Confidence: score, Question: trimmed}, true
		}
	}
	return Match{}, false
}

// CooldownUntil reports the current cooldown deadline for a device.
func (e *Engine) CooldownUntil(deviceID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.cooldownUntil[deviceID]
	return t, ok
}
