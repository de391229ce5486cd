package asr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Lokch777/EE3070-Design-Project/internal/bus"
	"github.com/Lokch777/EE3070-Design-Project/internal/event"
	"github.com/Lokch777/EE3070-Design-Project/internal/log"
)

// Config tunes the speech recognition bridge.
type Config struct {
	APIKey        string
	Endpoint      string
	SampleRate    int
	MaxReconnects int
	ReconnectWait time.Duration
}

const statusOK = 20000000

// ErrAuthRejected marks credentials the recognizer refused; the bridge stays
// down instead of retrying a key that will never work.
var ErrAuthRejected = errors.New("asr: credentials rejected")

type initHeader struct {
	Action    string `json:"action"`
	Streaming string `json:"streaming"`
}

type initPayload struct {
	Format                         string `json:"format"`
	SampleRate                     int    `json:"sample_rate"`
	EnableIntermediateResult       bool   `json:"enable_intermediate_result"`
	EnablePunctuationPrediction    bool   `json:"enable_punctuation_prediction"`
	EnableInverseTextNormalization bool   `json:"enable_inverse_text_normalization"`
}

type initMessage struct {
	Header  initHeader  `json:"header"`
	Payload initPayload `json:"payload"`
}

type serverMessage struct {
	Header struct {
		Status int `json:"status"`
	} `json:"header"`
	Payload struct {
		Result string `json:"result"`
		Status int    `json:"status"`
	} `json:"payload"`
}

// finalStatus marks a payload as a finalized utterance.
const finalStatus = 2

// Bridge forwards device PCM to the streaming recognizer and publishes
// transcripts on the bus. One bridge serves one device's audio socket; the
// outbound connection is rebuilt a bounded number of times before the bridge
// gives up for the life of the audio socket.
type Bridge struct {
	bus      *bus.Bus
	cfg      Config
	deviceID string
	logger   zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	attempts int
	disabled bool
}

func NewBridge(b *bus.Bus, deviceID string, cfg Config) *Bridge {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 3
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 5 * time.Second
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &Bridge{
		bus:      b,
		cfg:      cfg,
		deviceID: deviceID,
		logger:   log.WithComponent("asr").With().Str("device_id", deviceID).Logger(),
	}
}

// Connect dials the recognizer and starts the duplex stream. The read loop
// runs until the connection drops or ctx is cancelled.
func (br *Bridge) Connect(ctx context.Context) error {
	br.mu.Lock()
	if br.disabled {
		br.mu.Unlock()
		return ErrAuthRejected
	}
	br.mu.Unlock()

	if br.cfg.APIKey == "" {
		br.disable()
		return ErrAuthRejected
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+br.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, br.cfg.Endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			br.disable()
			return fmt.Errorf("%w: http %d", ErrAuthRejected, resp.StatusCode)
		}
		return fmt.Errorf("asr: dial: %w", err)
	}

	init := initMessage{
		Header: initHeader{Action: "start", Streaming: "duplex"},
		Payload: initPayload{
			Format:                         "pcm",
			SampleRate:                     br.cfg.SampleRate,
			EnableIntermediateResult:       true,
			EnablePunctuationPrediction:    true,
			EnableInverseTextNormalization: true,
		},
	}
	if err := conn.WriteJSON(init); err != nil {
		conn.Close()
		return fmt.Errorf("asr: init: %w", err)
	}

	var ack serverMessage
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return fmt.Errorf("asr: init ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if ack.Header.Status != statusOK {
		conn.Close()
		if ack.Header.Status == 40000001 || ack.Header.Status == 40000003 {
			br.disable()
			return fmt.Errorf("%w: status %d", ErrAuthRejected, ack.Header.Status)
		}
		return fmt.Errorf("asr: start refused: status %d", ack.Header.Status)
	}

	br.mu.Lock()
	br.conn = conn
	br.attempts = 0
	br.mu.Unlock()

	go br.readLoop(ctx, conn)
	br.logger.Info().Str("endpoint", br.cfg.Endpoint).Msg("recognizer connected")
	return nil
}

// SendAudio forwards one PCM frame. A dead connection triggers a bounded
// reconnect; frames that arrive while disconnected are dropped, not queued.
func (br *Bridge) SendAudio(ctx context.Context, pcm []byte) error {
	br.mu.Lock()
	conn := br.conn
	br.mu.Unlock()
	if conn == nil {
		return br.reconnect(ctx)
	}

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		br.dropConn(conn)
		br.logger.Warn().Err(err).Msg("audio forward failed")
		return br.reconnect(ctx)
	}
	return nil
}

func (br *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer br.dropConn(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				br.logger.Warn().Err(err).Msg("recognizer stream closed")
			}
			return
		}
		text := msg.Payload.Result
		if text == "" {
			continue
		}
		kind := event.KindASRPartial
		if msg.Payload.Status == finalStatus {
			kind = event.KindASRFinal
		}
		br.bus.Publish(event.New(kind, "", event.Transcript{
			Text:     text,
			DeviceID: br.deviceID,
		}))
	}
}

func (br *Bridge) reconnect(ctx context.Context) error {
	br.mu.Lock()
	if br.disabled {
		br.mu.Unlock()
		return ErrAuthRejected
	}
	if br.attempts >= br.cfg.MaxReconnects {
		br.mu.Unlock()
		return fmt.Errorf("asr: gave up after %d reconnect attempts", br.cfg.MaxReconnects)
	}
	br.attempts++
	attempt := br.attempts
	br.mu.Unlock()

	br.logger.Info().Int("attempt", attempt).Int("max", br.cfg.MaxReconnects).Msg("reconnecting to recognizer")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(br.cfg.ReconnectWait):
	}
	return br.Connect(ctx)
}

func (br *Bridge) dropConn(conn *websocket.Conn) {
	conn.Close()
	br.mu.Lock()
	if br.conn == conn {
		br.conn = nil
	}
	br.mu.Unlock()
}

func (br *Bridge) disable() {
	br.mu.Lock()
	br.disabled = true
	br.mu.Unlock()
	br.logger.Error().Msg("recognizer credentials rejected, transcription disabled")
}

// Connected reports whether the recognizer stream is up.
func (br *Bridge) Connected() bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.conn != nil
}

// Close tears down the recognizer connection.
func (br *Bridge) Close() {
	br.mu.Lock()
	conn := br.conn
	br.conn = nil
	br.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
