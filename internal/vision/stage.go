package vision

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Lokch777/EE3070-Design-Project/internal/bus"
	"github.com/Lokch777/EE3070-Design-Project/internal/event"
	"github.com/Lokch777/EE3070-Design-Project/internal/log"
)

// Analyzer answers a question about an image.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte, prompt string) (Result, error)
}

// Config tunes the analysis stage.
type Config struct {
	Timeout time.Duration // per attempt
	Retries int           // re-attempts after the first call
}

// Stage wraps an Analyzer with a per-attempt timeout and a bounded retry
// budget, and publishes stage lifecycle events. A credential rejection
// disables the stage until reconfiguration. Returned errors are always
// *event.Fault.
type Stage struct {
	bus      *bus.Bus
	analyzer Analyzer
	cfg      Config
	logger   zerolog.Logger

	// Shared across concurrent sessions.
	disabled atomic.Bool
}

func NewStage(b *bus.Bus, analyzer Analyzer, cfg Config) *Stage {
	return &Stage{
		bus:      b,
		analyzer: analyzer,
		cfg:      cfg,
		logger:   log.WithComponent("vision"),
	}
}

// Analyze runs the vision model against the image. Authentication failures
// are not retried; timeouts and transient errors spend one attempt each.
func (s *Stage) Analyze(ctx context.Context, deviceID, correlationID string, image []byte, question string) (Result, error) {
	if s.disabled.Load() {
		return Result{}, event.NewFault(event.FaultUpstreamAuth, "vision analysis disabled", nil)
	}

	s.bus.Publish(event.New(event.KindVisionStarted, correlationID, event.VisionStarted{
		DeviceID: deviceID,
		Prompt:   question,
	}))

	var lastErr error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		res, err := s.analyzer.Analyze(attemptCtx, image, question)
		cancel()
		if err == nil {
			s.bus.Publish(event.New(event.KindVisionResult, correlationID, event.VisionResult{
				DeviceID:   deviceID,
				Text:       res.Text,
				Confidence: res.Confidence,
			}))
			return res, nil
		}

		var se *statusError
		if errors.As(err, &se) && (se.status == http.StatusUnauthorized || se.status == http.StatusForbidden) {
			// A rejected key stays rejected; later sessions fail fast
			// instead of re-spending their retry budgets on it.
			s.disabled.Store(true)
			return Result{}, event.NewFault(event.FaultUpstreamAuth, "vision credentials rejected", err)
		}

		lastErr = err
		s.logger.Warn().
			Str("correlation_id", correlationID).
			Int("attempt", attempt+1).
			Err(err).
			Msg("vision attempt failed")
		if ctx.Err() != nil {
			break
		}
	}

	return Result{}, event.NewFault(event.FaultAnalysis, "vision analysis failed", lastErr)
}
