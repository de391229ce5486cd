package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Lokch777/EE3070-Design-Project/internal/devicelink"
	"github.com/Lokch777/EE3070-Design-Project/internal/event"
	"github.com/Lokch777/EE3070-Design-Project/internal/metrics"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Devices and the dashboard connect from anywhere on the LAN.
		return true
	},
}

// deviceID resolves the connecting device. Single-device installs omit the
// query parameter.
func deviceID(c echo.Context) string {
	if id := c.QueryParam("device_id"); id != "" {
		return id
	}
	return "esp32"
}

// refreshDeadline extends the read deadline on every inbound frame and pong.
func refreshDeadline(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}

// pingLoop sends control pings until stop is closed or the write fails.
func pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// handleAudioSocket receives raw PCM frames from the device microphone and
// forwards them to the speech recognizer.
func (s *Server) handleAudioSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	id := deviceID(c)
	logger := s.logger.With().Str("device_id", id).Str("socket", "audio").Logger()
	metrics.ConnectedDevices.WithLabelValues("audio").Inc()
	defer metrics.ConnectedDevices.WithLabelValues("audio").Dec()

	ctx := c.Request().Context()
	var rec Recognizer
	if s.newRecognizer != nil {
		rec = s.newRecognizer(id)
		if err := rec.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("recognizer unavailable, audio will be discarded")
			rec = nil
		} else {
			defer rec.Close()
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go pingLoop(conn, stop)
	refreshDeadline(conn)

	logger.Info().Msg("audio socket connected")
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info().Err(err).Msg("audio socket closed")
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.BinaryMessage || rec == nil {
			continue
		}
		if err := rec.SendAudio(ctx, data); err != nil {
			logger.Warn().Err(err).Msg("audio forward failed, discarding stream")
			rec = nil
		}
	}
}

// handleControlSocket is the command channel: capture commands and audio
// chunks go out, status reports come back.
func (s *Server) handleControlSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	id := deviceID(c)
	logger := s.logger.With().Str("device_id", id).Str("socket", "ctrl").Logger()
	metrics.ConnectedDevices.WithLabelValues("ctrl").Inc()
	defer metrics.ConnectedDevices.WithLabelValues("ctrl").Dec()

	link := devicelink.NewWSLink(id, conn)
	s.links.Register(link)
	defer func() {
		link.MarkClosed()
		s.links.Unregister(link)
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				err := link.Ping(ctx)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}()
	refreshDeadline(conn)

	logger.Info().Msg("control socket connected")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info().Err(err).Msg("control socket closed")
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg devicelink.StatusMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn().Err(err).Msg("unparseable status frame")
			continue
		}
		switch msg.Type {
		case devicelink.StatusPlaybackComplete:
			s.playback.NotifyComplete(id, msg.CorrelationID)
		case devicelink.StatusMemory:
			s.gate.ReportFreeMemory(id, msg.FreeMemoryPct)
		case devicelink.StatusPong:
			// Deadline already refreshed above.
		default:
			logger.Debug().Str("type", msg.Type).Msg("unknown status frame")
		}
	}
}

// handleCameraSocket receives captured frames: a JSON header naming the
// correlation id, then the binary image.
func (s *Server) handleCameraSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	id := deviceID(c)
	logger := s.logger.With().Str("device_id", id).Str("socket", "camera").Logger()
	metrics.ConnectedDevices.WithLabelValues("camera").Inc()
	defer metrics.ConnectedDevices.WithLabelValues("camera").Dec()

	stop := make(chan struct{})
	defer close(stop)
	go pingLoop(conn, stop)
	refreshDeadline(conn)

	logger.Info().Msg("camera socket connected")
	var header *devicelink.ImageHeader
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info().Err(err).Msg("camera socket closed")
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch mt {
		case websocket.TextMessage:
			var h devicelink.ImageHeader
			if err := json.Unmarshal(data, &h); err != nil {
				logger.Warn().Err(err).Msg("unparseable image header")
				header = nil
				continue
			}
			header = &h
		case websocket.BinaryMessage:
			if header == nil {
				logger.Warn().Int("size", len(data)).Msg("image without header discarded")
				continue
			}
			s.capture.Deliver(header.CorrelationID, data)
			header = nil
		}
	}
}

// uiRequest is an inbound dashboard query.
type uiRequest struct {
	Type  string `json:"type"`
	Limit int    `json:"limit,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// uiHistoryResponse answers a history query.
type uiHistoryResponse struct {
	Type   string        `json:"type"`
	Events []event.Event `json:"events"`
}

// handleUISocket mirrors every bus event to the dashboard and answers
// history queries in-band.
func (s *Server) handleUISocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	logger := s.logger.With().Str("socket", "ui").Logger()
	metrics.ConnectedDevices.WithLabelValues("ui").Inc()
	defer metrics.ConnectedDevices.WithLabelValues("ui").Dec()

	sub := s.bus.Subscribe(event.KindWildcard)
	defer sub.Close()

	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	stop := make(chan struct{})
	go func() {
		defer close(stop)
		for ev := range sub.Events() {
			if err := writeJSON(ev); err != nil {
				return
			}
		}
	}()

	go pingLoop(conn, stop)
	refreshDeadline(conn)

	logger.Info().Msg("ui socket connected")
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info().Err(err).Msg("ui socket closed")
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var req uiRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if req.Type == "history" {
			resp := uiHistoryResponse{
				Type:   "history",
				Events: s.bus.History(req.Limit, event.Kind(req.Kind)),
			}
			if err := writeJSON(resp); err != nil {
				return nil
			}
		}
	}
}
