package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lokch777/EE3070-Design-Project/internal/bus"
	"github.com/Lokch777/EE3070-Design-Project/internal/devicelink"
	"github.com/Lokch777/EE3070-Design-Project/internal/event"
)

type fakeLink struct {
	deviceID string
	closed   chan struct{}

	mu      sync.Mutex
	chunks  []devicelink.AudioChunk
	onChunk func(chunk devicelink.AudioChunk)
}

func newFakeLink(deviceID string) *fakeLink {
	return &fakeLink{deviceID: deviceID, closed: make(chan struct{})}
}

func (f *fakeLink) DeviceID() string        { return f.deviceID }
func (f *fakeLink) Closed() <-chan struct{} { return f.closed }
func (f *fakeLink) SendCommand(ctx context.Context, cmd devicelink.ControlCommand) error {
	return nil
}
func (f *fakeLink) SendAudioChunk(ctx context.Context, chunk devicelink.AudioChunk) error {
	f.mu.Lock()
	f.chunks = append(f.chunks, chunk)
	cb := f.onChunk
	f.mu.Unlock()
	if cb != nil {
		cb(chunk)
	}
	return nil
}

func (f *fakeLink) sent() []devicelink.AudioChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]devicelink.AudioChunk, len(f.chunks))
	copy(out, f.chunks)
	return out
}

func newTestCoordinator(link *fakeLink, chunkSize int, wait time.Duration) (*Coordinator, *bus.Bus) {
	b := bus.New(50)
	reg := devicelink.NewRegistry()
	reg.Register(link)
	return New(b, reg, Config{ChunkSize: chunkSize, CompleteTimeout: wait}), b
}

func TestPlay_ChunksAndCompletes(t *testing.T) {
	link := newFakeLink("dev1")
	c, b := newTestCoordinator(link, 4096, time.Second)

	complete := b.Subscribe(event.KindPlaybackComplete)
	defer complete.Close()

	// 10000 bytes over 4096-byte chunks: 4096 + 4096 + 1808.
	audio := make([]byte, 10000)
	link.onChunk = func(chunk devicelink.AudioChunk) {
		if chunk.Sequence == chunk.TotalChunks-1 {
			go c.NotifyComplete("dev1", chunk.CorrelationID)
		}
	}

	err := c.Play(context.Background(), "dev1", "req-1", audio, "linear16", 16000)
	require.NoError(t, err)

	chunks := link.sent()
	require.Len(t, chunks, 3)
	assert.Equal(t, 4096, len(chunks[0].Data))
	assert.Equal(t, 4096, len(chunks[1].Data))
	assert.Equal(t, 1808, len(chunks[2].Data))
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Sequence)
		assert.Equal(t, 3, ch.TotalChunks)
		assert.Equal(t, devicelink.ChunkTypeAudio, ch.Type)
		assert.Equal(t, "req-1", ch.CorrelationID)
		assert.Equal(t, 16000, ch.SampleRate)
	}

	ev := <-complete.Events()
	assert.Equal(t, "req-1", ev.CorrelationID)
	assert.False(t, c.Active("dev1"))
}

func TestPlay_SecondRequestRejectedNotQueued(t *testing.T) {
	link := newFakeLink("dev1")
	c, _ := newTestCoordinator(link, 4096, time.Second)

	firstSent := make(chan struct{})
	var once sync.Once
	link.onChunk = func(devicelink.AudioChunk) {
		once.Do(func() { close(firstSent) })
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Play(context.Background(), "dev1", "req-1", make([]byte, 100), "linear16", 16000)
	}()
	<-firstSent

	err := c.Play(context.Background(), "dev1", "req-2", make([]byte, 100), "linear16", 16000)
	var fault *event.Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, event.FaultAdmissionRejected, fault.Kind)

	c.NotifyComplete("dev1", "req-1")
	require.NoError(t, <-done)
}

func TestPlay_CompletionTimeout(t *testing.T) {
	link := newFakeLink("dev1")
	c, _ := newTestCoordinator(link, 4096, 30*time.Millisecond)

	err := c.Play(context.Background(), "dev1", "req-1", make([]byte, 100), "linear16", 16000)
	var fault *event.Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, event.FaultLink, fault.Kind)
	assert.False(t, c.Active("dev1"))
}

func TestPlay_DisconnectIsTerminal(t *testing.T) {
	link := newFakeLink("dev1")
	c, _ := newTestCoordinator(link, 4096, time.Second)
	link.onChunk = func(chunk devicelink.AudioChunk) {
		if chunk.Sequence == chunk.TotalChunks-1 {
			close(link.closed)
		}
	}

	err := c.Play(context.Background(), "dev1", "req-1", make([]byte, 100), "linear16", 16000)
	var fault *event.Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, event.FaultLink, fault.Kind)
}

func TestNotifyComplete_StaleCorrelationDiscarded(t *testing.T) {
	link := newFakeLink("dev1")
	c, _ := newTestCoordinator(link, 4096, 60*time.Millisecond)

	link.onChunk = func(chunk devicelink.AudioChunk) {
		go c.NotifyComplete("dev1", "some-old-request")
	}

	// The stale report must not satisfy the wait; the timeout fires instead.
	err := c.Play(context.Background(), "dev1", "req-1", make([]byte, 10), "linear16", 16000)
	require.Error(t, err)

	// A report with no device pending is a no-op.
	c.NotifyComplete("dev1", "req-1")
}

func TestNotifyComplete_DuplicateReportsAreSafe(t *testing.T) {
	link := newFakeLink("dev1")
	c, _ := newTestCoordinator(link, 4096, time.Second)

	// A flaky device may repeat its completion frame; all copies race in.
	link.onChunk = func(chunk devicelink.AudioChunk) {
		if chunk.Sequence == chunk.TotalChunks-1 {
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c.NotifyComplete("dev1", chunk.CorrelationID)
				}()
			}
			wg.Wait()
		}
	}

	err := c.Play(context.Background(), "dev1", "req-1", make([]byte, 9000), "linear16", 16000)
	require.NoError(t, err)
	assert.False(t, c.Active("dev1"))
}

func TestPlay_EmptyAudioRejected(t *testing.T) {
	link := newFakeLink("dev1")
	c, _ := newTestCoordinator(link, 4096, time.Second)

	err := c.Play(context.Background(), "dev1", "req-1", nil, "linear16", 16000)
	var fault *event.Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, event.FaultSynthesis, fault.Kind)
	assert.Empty(t, link.sent())
}
