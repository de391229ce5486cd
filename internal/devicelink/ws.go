package devicelink

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Lokch777/EE3070-Design-Project/internal/log"
)

const writeTimeout = 10 * time.Second

// WSLink implements Link over a gorilla WebSocket connection. gorilla allows
// only one concurrent writer, so all sends go through a mutex.
type WSLink struct {
	deviceID string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	closed   chan struct{}
	once     sync.Once
	logger   zerolog.Logger
}

// NewWSLink wraps an accepted control-socket connection for a device.
func NewWSLink(deviceID string, conn *websocket.Conn) *WSLink {
	return &WSLink{
		deviceID: deviceID,
		conn:     conn,
		closed:   make(chan struct{}),
		logger:   log.WithComponent("devicelink").With().Str("device_id", deviceID).Logger(),
	}
}

func (l *WSLink) DeviceID() string        { return l.deviceID }
func (l *WSLink) Closed() <-chan struct{} { return l.closed }

// MarkClosed signals link loss to every waiter. Safe to call repeatedly.
func (l *WSLink) MarkClosed() {
	l.once.Do(func() { close(l.closed) })
}

func (l *WSLink) SendCommand(ctx context.Context, cmd ControlCommand) error {
	return l.writeJSON(ctx, cmd)
}

func (l *WSLink) SendAudioChunk(ctx context.Context, chunk AudioChunk) error {
	chunk.Type = ChunkTypeAudio
	return l.writeJSON(ctx, chunk)
}

// Ping sends a heartbeat frame.
func (l *WSLink) Ping(ctx context.Context) error {
	return l.writeJSON(ctx, map[string]interface{}{"type": "ping", "timestamp": time.Now().Unix()})
}

func (l *WSLink) writeJSON(ctx context.Context, v interface{}) error {
	select {
	case <-l.closed:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = l.conn.SetWriteDeadline(deadline)
	if err := l.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		l.logger.Warn().Err(err).Msg("write failed, marking link closed")
		l.MarkClosed()
		return err
	}
	return nil
}
