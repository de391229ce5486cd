package httpserver

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Lokch777/EE3070-Design-Project/internal/bus"
	"github.com/Lokch777/EE3070-Design-Project/internal/capture"
	"github.com/Lokch777/EE3070-Design-Project/internal/config"
	"github.com/Lokch777/EE3070-Design-Project/internal/devicelink"
	"github.com/Lokch777/EE3070-Design-Project/internal/event"
	"github.com/Lokch777/EE3070-Design-Project/internal/gate"
	"github.com/Lokch777/EE3070-Design-Project/internal/log"
	"github.com/Lokch777/EE3070-Design-Project/internal/playback"
	"github.com/Lokch777/EE3070-Design-Project/internal/session"
)

// Recognizer consumes device PCM and publishes transcripts on the bus. One
// recognizer serves one audio socket.
type Recognizer interface {
	Connect(ctx context.Context) error
	SendAudio(ctx context.Context, pcm []byte) error
	Close()
}

// Server exposes the device sockets, the UI socket and the REST surface.
type Server struct {
	Echo *echo.Echo

	cfg      config.Config
	bus      *bus.Bus
	gate     *gate.Gate
	links    *devicelink.Registry
	capture  *capture.Coordinator
	playback *playback.Coordinator
	sessions *session.Store
	// newRecognizer builds the speech bridge for one audio socket; nil
	// leaves inbound audio unrecognized (device still works for capture).
	newRecognizer func(deviceID string) Recognizer
	logger        zerolog.Logger
}

func New(cfg config.Config, b *bus.Bus, g *gate.Gate, links *devicelink.Registry,
	capt *capture.Coordinator, pb *playback.Coordinator, sessions *session.Store,
	newRecognizer func(deviceID string) Recognizer) *Server {

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		Echo:          e,
		cfg:           cfg,
		bus:           b,
		gate:          g,
		links:         links,
		capture:       capt,
		playback:      pb,
		sessions:      sessions,
		newRecognizer: newRecognizer,
		logger:        log.WithComponent("http"),
	}

	e.GET("/healthz", s.handleHealthz)
	e.GET("/api/health", s.handleHealth)
	e.GET("/api/history", s.handleHistory)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/ws/audio", s.handleAudioSocket)
	e.GET("/ws/ctrl", s.handleControlSocket)
	e.GET("/ws/camera", s.handleCameraSocket)
	e.GET("/ws/ui", s.handleUISocket)

	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(address string) error {
	return s.Echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

type healthResponse struct {
	Status   string             `json:"status"`
	Devices  []deviceStatus     `json:"devices"`
	Sessions []session.Snapshot `json:"sessions"`
	Bus      bus.Stats          `json:"bus"`
}

type deviceStatus struct {
	DeviceID      string `json:"device_id"`
	Control       bool   `json:"control_connected"`
	ActiveSession string `json:"active_session,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{
		Status:   "ok",
		Sessions: s.sessions.Snapshots(),
		Bus:      s.bus.Stats(),
		Devices:  []deviceStatus{},
	}
	for _, id := range s.links.DeviceIDs() {
		d := deviceStatus{DeviceID: id, Control: true}
		if sid, held := s.gate.Active(id); held {
			d.ActiveSession = sid
		}
		resp.Devices = append(resp.Devices, d)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHistory(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	kind := event.Kind(c.QueryParam("kind"))
	return c.JSON(http.StatusOK, s.bus.History(limit, kind))
}
