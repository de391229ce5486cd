package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lokch777/EE3070-Design-Project/internal/bus"
	"github.com/Lokch777/EE3070-Design-Project/internal/capture"
	"github.com/Lokch777/EE3070-Design-Project/internal/config"
	"github.com/Lokch777/EE3070-Design-Project/internal/devicelink"
	"github.com/Lokch777/EE3070-Design-Project/internal/event"
	"github.com/Lokch777/EE3070-Design-Project/internal/gate"
	"github.com/Lokch777/EE3070-Design-Project/internal/playback"
	"github.com/Lokch777/EE3070-Design-Project/internal/session"
)

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	bus      *bus.Bus
	gate     *gate.Gate
	links    *devicelink.Registry
	capture  *capture.Coordinator
	playback *playback.Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	b := bus.New(100)
	g := gate.New(20.0)
	links := devicelink.NewRegistry()
	capt := capture.New(b, links, capture.Config{
		Timeout:       time.Second,
		MaxRetries:    1,
		MaxImageBytes: 200_000,
	})
	pb := playback.New(b, links, playback.Config{ChunkSize: 4096, CompleteTimeout: time.Second})
	srv := New(config.Config{}, b, g, links, capt, pb, session.NewStore(), nil)
	ts := httptest.NewServer(srv.Echo)
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, bus: b, gate: g, links: links, capture: capt, playback: pb}
}

func (env *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.bus.Publish(event.New(event.KindASRFinal, "", event.Transcript{Text: "hello", DeviceID: "esp32"}))
	env.bus.Publish(event.New(event.KindTriggerFired, "req-1", event.TriggerFired{DeviceID: "esp32"}))

	resp, err := http.Get(env.ts.URL + "/api/history?limit=10&kind=trigger.fired")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var events []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, "trigger.fired", events[0]["kind"])
	assert.Equal(t, "req-1", events[0]["correlation_id"])
}

func TestHistoryEndpoint_BadLimit(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/api/history?limit=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestControlSocket_RegistersDeviceAndFeedsGate(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/ctrl?device_id=dev1")

	require.Eventually(t, func() bool {
		return env.links.Connected("dev1")
	}, time.Second, 10*time.Millisecond)

	// Health endpoint reflects the connection.
	resp, err := http.Get(env.ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health struct {
		Devices []struct {
			DeviceID string `json:"device_id"`
		} `json:"devices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Len(t, health.Devices, 1)
	assert.Equal(t, "dev1", health.Devices[0].DeviceID)

	// A low-memory report makes the gate refuse admission.
	require.NoError(t, conn.WriteJSON(devicelink.StatusMessage{
		Type:          devicelink.StatusMemory,
		FreeMemoryPct: 12.5,
	}))
	require.Eventually(t, func() bool {
		ok, reason := env.gate.Admit("dev1")
		return !ok && reason == gate.ReasonMemory
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return !env.links.Connected("dev1")
	}, time.Second, 10*time.Millisecond)
}

func TestControlSocket_PlaybackCompletion(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/ctrl?device_id=dev1")
	require.Eventually(t, func() bool {
		return env.links.Connected("dev1")
	}, time.Second, 10*time.Millisecond)

	// The device echoes completion after it receives the last chunk.
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var chunk devicelink.AudioChunk
			if json.Unmarshal(data, &chunk) != nil || chunk.Type != devicelink.ChunkTypeAudio {
				continue
			}
			if chunk.Sequence == chunk.TotalChunks-1 {
				conn.WriteJSON(devicelink.StatusMessage{
					Type:          devicelink.StatusPlaybackComplete,
					CorrelationID: chunk.CorrelationID,
				})
				return
			}
		}
	}()

	err := env.playback.Play(context.Background(), "dev1", "req-1", make([]byte, 5000), "linear16", 16000)
	require.NoError(t, err)
}

func TestCameraSocket_DeliversImage(t *testing.T) {
	env := newTestEnv(t)
	ctrl := env.dial(t, "/ws/ctrl?device_id=dev1")
	camera := env.dial(t, "/ws/camera?device_id=dev1")
	require.Eventually(t, func() bool {
		return env.links.Connected("dev1")
	}, time.Second, 10*time.Millisecond)

	image := append([]byte{0xFF, 0xD8, 0xFF}, make([]byte, 500)...)

	// The device answers the capture command on the camera socket.
	go func() {
		for {
			_, data, err := ctrl.ReadMessage()
			if err != nil {
				return
			}
			var cmd devicelink.ControlCommand
			if json.Unmarshal(data, &cmd) != nil || cmd.Type != devicelink.CommandCapture {
				continue
			}
			header, _ := json.Marshal(devicelink.ImageHeader{
				CorrelationID: cmd.CorrelationID,
				Size:          len(image),
				Format:        "jpeg",
			})
			camera.WriteMessage(websocket.TextMessage, header)
			camera.WriteMessage(websocket.BinaryMessage, image)
			return
		}
	}()

	got, err := env.capture.Capture(context.Background(), "dev1", "req-1", "describe the view")
	require.NoError(t, err)
	assert.Equal(t, image, got)
}

func TestUISocket_MirrorsEventsAndServesHistory(t *testing.T) {
	env := newTestEnv(t)
	env.bus.Publish(event.New(event.KindASRFinal, "", event.Transcript{Text: "earlier", DeviceID: "esp32"}))

	conn := env.dial(t, "/ws/ui")
	// Subscription races the publish below; give the handler a moment.
	time.Sleep(50 * time.Millisecond)

	env.bus.Publish(event.New(event.KindTriggerFired, "req-9", event.TriggerFired{DeviceID: "esp32"}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var live map[string]interface{}
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, "trigger.fired", live["kind"])
	assert.Equal(t, "req-9", live["correlation_id"])

	require.NoError(t, conn.WriteJSON(uiRequest{Type: "history", Limit: 10}))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var hist struct {
		Type   string                   `json:"type"`
		Events []map[string]interface{} `json:"events"`
	}
	require.NoError(t, conn.ReadJSON(&hist))
	assert.Equal(t, "history", hist.Type)
	require.Len(t, hist.Events, 2)
	// Newest first.
	assert.Equal(t, "trigger.fired", hist.Events[0]["kind"])
	assert.Equal(t, "asr.final", hist.Events[1]["kind"])
}
