package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lokch777/EE3070-Design-Project/internal/bus"
	"github.com/Lokch777/EE3070-Design-Project/internal/event"
	"github.com/Lokch777/EE3070-Design-Project/internal/gate"
	"github.com/Lokch777/EE3070-Design-Project/internal/vision"
)

type fakeCapturer struct {
	mu    sync.Mutex
	calls int
	image []byte
	err   error
}

func (f *fakeCapturer) Capture(ctx context.Context, deviceID, correlationID, triggerText string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.image, f.err
}

type fakeAnalyzer struct {
	text string
	err  error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, deviceID, correlationID string, image []byte, question string) (vision.Result, error) {
	if f.err != nil {
		return vision.Result{}, f.err
	}
	return vision.Result{Text: f.text}, nil
}

type fakeSpeaker struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeSpeaker) SampleRate() int { return 16000 }
func (f *fakeSpeaker) Synthesize(ctx context.Context, deviceID, correlationID, text string) ([]byte, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return make([]byte, 8192), nil
}

func (f *fakeSpeaker) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

type fakePlayer struct {
	mu    sync.Mutex
	plays int
	err   error
}

func (f *fakePlayer) Play(ctx context.Context, deviceID, correlationID string, audio []byte, format string, sampleRate int) error {
	f.mu.Lock()
	f.plays++
	f.mu.Unlock()
	return f.err
}

type fixture struct {
	bus      *bus.Bus
	gate     *gate.Gate
	capturer *fakeCapturer
	analyzer *fakeAnalyzer
	speaker  *fakeSpeaker
	player   *fakePlayer
	store    *Store
	orch     *Orchestrator
}

func newFixture(withSpeech bool) *fixture {
	f := &fixture{
		bus:      bus.New(100),
		gate:     gate.New(20.0),
		capturer: &fakeCapturer{image: []byte{0xFF, 0xD8, 0xFF, 0x01}},
		analyzer: &fakeAnalyzer{text: "a red mug on a desk"},
		speaker:  &fakeSpeaker{},
		player:   &fakePlayer{},
		store:    NewStore(),
	}
	var speaker Speaker
	var player Player = f.player
	if withSpeech {
		speaker = f.speaker
	}
	f.orch = NewOrchestrator(f.bus, f.gate, f.capturer, f.analyzer, speaker, player, nil, f.store, Config{})
	return f
}

func fired(deviceID, question string) event.TriggerFired {
	return event.TriggerFired{
		TriggerText: "please " + question,
		Question:    question,
		Phrase:      question,
		Confidence:  1.0,
		DeviceID:    deviceID,
	}
}

func collect(sub *bus.Subscription, n int, wait time.Duration) []event.Event {
	out := make([]event.Event, 0, n)
	deadline := time.After(wait)
	for len(out) < n {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestSession_FullPipelineViaTriggerEvent(t *testing.T) {
	f := newFixture(true)
	done := f.bus.Subscribe(event.KindSessionDone)
	defer done.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.orch.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	f.bus.Publish(event.New(event.KindTriggerFired, "req-1", fired("dev1", "describe the view")))

	evs := collect(done, 1, time.Second)
	require.Len(t, evs, 1)
	assert.Equal(t, "req-1", evs[0].CorrelationID)
	assert.Equal(t, string(StateDone), evs[0].Payload.(event.SessionDone).State)

	assert.Equal(t, []string{"a red mug on a desk"}, f.speaker.spoken())
	assert.Equal(t, 1, f.player.plays)

	// Gate slot must be free again.
	ok, _ := f.gate.Acquire("dev1", "req-2")
	assert.True(t, ok)
}

func TestSession_WithoutSpeechSkipsSynthesis(t *testing.T) {
	f := newFixture(false)
	done := f.bus.Subscribe(event.KindSessionDone)
	defer done.Close()

	f.orch.runSession(context.Background(), "req-1", fired("dev1", "what is this"))

	evs := collect(done, 1, time.Second)
	require.Len(t, evs, 1)
	assert.Empty(t, f.speaker.spoken())
	assert.Equal(t, 0, f.player.plays)
}

func TestSession_CaptureFailureSpeaksFallback(t *testing.T) {
	f := newFixture(true)
	f.capturer.err = event.NewFault(event.FaultCapture, "no image after 3 attempts", nil)

	errs := f.bus.Subscribe(event.KindError)
	defer errs.Close()
	done := f.bus.Subscribe(event.KindSessionDone)
	defer done.Close()

	f.orch.runSession(context.Background(), "req-1", fired("dev1", "q"))

	evs := collect(errs, 2, 200*time.Millisecond)
	require.Len(t, evs, 1, "exactly one error event per failed session")
	p := evs[0].Payload.(event.ErrorPayload)
	assert.Equal(t, event.FaultCapture, p.Kind)
	assert.Equal(t, "Camera unavailable, please try again", p.Message)

	// The fallback is spoken, the raw error is not.
	assert.Equal(t, []string{"Camera unavailable, please try again"}, f.speaker.spoken())
	assert.Empty(t, collect(done, 1, 50*time.Millisecond), "no session.done on failure")

	ok, _ := f.gate.Acquire("dev1", "req-2")
	assert.True(t, ok, "gate released after failure")
}

func TestSession_SynthesisFailureNotSpokenBack(t *testing.T) {
	f := newFixture(true)
	f.speaker.err = event.NewFault(event.FaultSynthesis, "speech synthesis failed", nil)

	errs := f.bus.Subscribe(event.KindError)
	defer errs.Close()

	f.orch.runSession(context.Background(), "req-1", fired("dev1", "q"))

	evs := collect(errs, 1, time.Second)
	require.Len(t, evs, 1)
	assert.Equal(t, event.FaultSynthesis, evs[0].Payload.(event.ErrorPayload).Kind)
	assert.Equal(t, "Audio system error", evs[0].Payload.(event.ErrorPayload).Message)

	// Only the original answer attempt; no fallback retry through the
	// path that just failed.
	assert.Equal(t, []string{"a red mug on a desk"}, f.speaker.spoken())

	ok, _ := f.gate.Acquire("dev1", "req-2")
	assert.True(t, ok)
}

func TestSession_AnalysisFailureState(t *testing.T) {
	f := newFixture(false)
	f.orch.cfg.Cooldown = time.Minute
	f.analyzer.err = event.NewFault(event.FaultAnalysis, "vision analysis failed", nil)

	errs := f.bus.Subscribe(event.KindError)
	defer errs.Close()

	f.orch.runSession(context.Background(), "req-1", fired("dev1", "q"))

	evs := collect(errs, 1, time.Second)
	require.Len(t, evs, 1)
	assert.Equal(t, "I couldn't analyze the image, please try again",
		evs[0].Payload.(event.ErrorPayload).Message)

	// A failed session cools down like any other; the error text sticks
	// around so the session list still shows what went wrong.
	s, ok := f.store.Get("req-1")
	require.True(t, ok)
	snap := s.Snapshot()
	assert.Equal(t, StateCooldown, snap.State)
	assert.NotEmpty(t, snap.LastError)
}

func TestSession_BusyDeviceRejectedAtAdmission(t *testing.T) {
	f := newFixture(false)
	ok, _ := f.gate.Acquire("dev1", "other-session")
	require.True(t, ok)

	rejected := f.bus.Subscribe(event.KindRequestRejected)
	defer rejected.Close()

	f.orch.runSession(context.Background(), "req-1", fired("dev1", "q"))

	evs := collect(rejected, 1, time.Second)
	require.Len(t, evs, 1)
	assert.Equal(t, event.RejectBusy, evs[0].Payload.(event.TriggerRejected).Reason)
	assert.Equal(t, 0, f.capturer.calls, "no capture when admission is refused")

	// The winning session's slot is untouched.
	id, held := f.gate.Active("dev1")
	require.True(t, held)
	assert.Equal(t, "other-session", id)
}

func TestSession_CooldownRetention(t *testing.T) {
	f := newFixture(false)
	f.orch.cfg.Cooldown = 50 * time.Millisecond

	f.orch.runSession(context.Background(), "req-1", fired("dev1", "q"))

	s, ok := f.store.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, StateCooldown, s.Snapshot().State)

	assert.Eventually(t, func() bool {
		_, ok := f.store.Get("req-1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
