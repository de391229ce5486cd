package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// ErrMissingAPIKey marks a synthesis attempt made without credentials.
var ErrMissingAPIKey = errors.New("deepgram: API key missing")

// DeepgramClient synthesizes speech over the Deepgram speak websocket and
// assembles the full PCM buffer before returning, so playback can chunk it
// with a known total.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string
}

func NewDeepgramClient(apiKey, model string, sampleRate int) *DeepgramClient {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	if sampleRate == 0 {
		sampleRate = 16000
	}
	return &DeepgramClient{apiKey: apiKey, model: model, sampleRate: sampleRate, encoding: "linear16"}
}

// SampleRate reports the PCM rate of returned audio.
func (d *DeepgramClient) SampleRate() int { return d.sampleRate }

// Synthesize returns the complete linear16 PCM for text. The stream is
// considered finished once audio has arrived and the socket goes idle.
func (d *DeepgramClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if d.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if text == "" {
		return nil, fmt.Errorf("deepgram: empty text")
	}

	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   d.encoding,
		SampleRate: d.sampleRate,
	}

	var (
		mu           sync.Mutex
		audio        []byte
		lastRecvUnix int64
		seenAudio    int32
	)
	cb := &speakCallback{onBinary: func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
		atomic.StoreInt32(&seenAudio, 1)
		mu.Lock()
		audio = append(audio, data...)
		mu.Unlock()
		return nil
	}}

	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create ws client: %w", err)
	}

	var stopOnce sync.Once
	stopClient := func() { stopOnce.Do(func() { dg.Stop() }) }
	defer stopClient()

	if ok := dg.Connect(); !ok {
		return nil, fmt.Errorf("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return nil, fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		return nil, fmt.Errorf("deepgram: flush: %w", err)
	}

	idleWindow := 400 * time.Millisecond
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(12 * time.Second)

	for {
		select {
		case <-ctx.Done():
			stopClient()
			return nil, ctx.Err()
		case <-ticker.C:
			if atomic.LoadInt32(&seenAudio) == 1 {
				last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
				if time.Since(last) > idleWindow {
					stopClient()
					mu.Lock()
					defer mu.Unlock()
					return audio, nil
				}
			}
			if time.Now().After(deadline) {
				stopClient()
				mu.Lock()
				got := len(audio)
				out := audio
				mu.Unlock()
				if got > 0 {
					return out, nil
				}
				return nil, fmt.Errorf("deepgram: no audio before deadline")
			}
		}
	}
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
