package broadcast

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTrack = "songs/track.mp3"

// fixedProber reports bitrate and counts how often it was asked.
func fixedProber(bitrate int, calls *atomic.Int32) Prober {
	return ProberFunc(func(context.Context, string) int {
		if calls != nil {
			calls.Add(1)
		}
		return bitrate
	})
}

func newTestController(t *testing.T, cfg Config, data []byte, opts ...Option) *Controller {
	t.Helper()

	cfg.PublicDir = t.TempDir()
	if cfg.Track == "" {
		cfg.Track = testTrack
	}
	if data != nil {
		writeFile(t, cfg.PublicDir, cfg.Track, data)
	}

	c, err := New(cfg, *testLogger(), opts...)
	require.NoError(t, err)

	t.Cleanup(c.Stop)
	return c
}

func goStart(ctx context.Context, c *Controller) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Start(ctx) }()
	return errc
}

func awaitStart(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return")
		return nil
	}
}

func trackData(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), n/16)
}

func TestController_PlaysTrackThrough(t *testing.T) {
	data := trackData(16 * 1024)
	c := newTestController(t, Config{ChunkSize: 1024, ListenerBuffer: 64}, data,
		WithProber(fixedProber(8*1024*1024, nil)))

	_, sink := c.Registry().Connect()

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, Idle, c.PlaybackState())

	assert.Equal(t, data, drain(t, sink))
}

func TestController_ByteRateFromProbe(t *testing.T) {
	var calls atomic.Int32
	c := newTestController(t, Config{BitRateDivisor: 8}, trackData(1024*1024),
		WithProber(fixedProber(128000, &calls)))

	errc := goStart(context.Background(), c)

	require.Eventually(t, func() bool { return c.PlaybackState() == Streaming }, 2*time.Second, 5*time.Millisecond)

	track, ok := c.Track()
	require.True(t, ok)
	assert.Equal(t, testTrack, track.Path)
	assert.Equal(t, 128000, track.Bitrate)
	assert.Equal(t, 16000, track.ByteRate)
	assert.Equal(t, int32(1), calls.Load())

	c.Stop()
	require.NoError(t, awaitStart(t, errc))
}

func TestController_StopMidStream(t *testing.T) {
	data := trackData(100 * 1024)
	// 1000 bytes/sec in 100 byte chunks.
	c := newTestController(t, Config{ChunkSize: 100, ListenerBuffer: 4096}, data,
		WithProber(fixedProber(8000, nil)))

	_, sink := c.Registry().Connect()
	errc := goStart(context.Background(), c)

	require.Eventually(t, func() bool { return sink.Buffered() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Streaming, c.PlaybackState())

	c.Stop()
	assert.Equal(t, Idle, c.PlaybackState())
	require.NoError(t, awaitStart(t, errc))

	// Nothing reaches listeners once Stop has returned.
	_, late := c.Registry().Connect()
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, late.Buffered())

	got := drain(t, sink)
	assert.Less(t, len(got), len(data))
	assert.Equal(t, data[:len(got)], got)
}

func TestController_StopWhenIdle(t *testing.T) {
	c := newTestController(t, Config{}, trackData(1024), WithProber(fixedProber(128000, nil)))

	c.Stop()
	c.Stop()
	assert.Equal(t, Idle, c.PlaybackState())
}

func TestController_MissingTrack(t *testing.T) {
	c := newTestController(t, Config{}, nil, WithProber(fixedProber(128000, nil)))

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, Idle, c.PlaybackState())
}

func TestController_StartPreemptsRunningSession(t *testing.T) {
	c := newTestController(t, Config{ChunkSize: 100}, trackData(100*1024),
		WithProber(fixedProber(8000, nil)))

	first := goStart(context.Background(), c)
	require.Eventually(t, func() bool { return c.PlaybackState() == Streaming }, 2*time.Second, 5*time.Millisecond)

	second := goStart(context.Background(), c)

	require.NoError(t, awaitStart(t, first))
	require.Eventually(t, func() bool { return c.PlaybackState() == Streaming }, 2*time.Second, 5*time.Millisecond)

	select {
	case err := <-second:
		t.Fatalf("second session ended early: %v", err)
	default:
	}

	c.Stop()
	require.NoError(t, awaitStart(t, second))
	assert.Equal(t, Idle, c.PlaybackState())
}

func TestController_StopAbandonsPendingStart(t *testing.T) {
	probing := make(chan struct{})
	release := make(chan struct{})
	prober := ProberFunc(func(context.Context, string) int {
		close(probing)
		<-release
		return 128000
	})

	c := newTestController(t, Config{}, trackData(64*1024), WithProber(prober))
	_, sink := c.Registry().Connect()

	errc := goStart(context.Background(), c)
	<-probing

	c.Stop()
	close(release)

	require.NoError(t, awaitStart(t, errc))
	assert.Equal(t, Idle, c.PlaybackState())
	assert.Zero(t, sink.Buffered())
}

func TestController_ContextCancelEndsBroadcast(t *testing.T) {
	c := newTestController(t, Config{ChunkSize: 100}, trackData(100*1024),
		WithProber(fixedProber(8000, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	errc := goStart(ctx, c)
	require.Eventually(t, func() bool { return c.PlaybackState() == Streaming }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, awaitStart(t, errc))
	assert.Equal(t, Idle, c.PlaybackState())
}

func TestController_Loop(t *testing.T) {
	data := trackData(1024)
	// 1000 chunks a second.
	c := newTestController(t, Config{ChunkSize: 128, ListenerBuffer: 4096, Loop: true}, data,
		WithProber(fixedProber(8*128*1000, nil)))

	_, sink := c.Registry().Connect()
	errc := goStart(context.Background(), c)

	// More chunks than the track holds means it was replayed.
	require.Eventually(t, func() bool { return sink.Buffered() > 3*len(data)/128 }, 2*time.Second, 5*time.Millisecond)

	c.Stop()
	require.NoError(t, awaitStart(t, errc))

	got := drain(t, sink)
	require.Greater(t, len(got), 2*len(data))
	assert.Equal(t, data, got[:len(data)])
	assert.Equal(t, data, got[len(data):2*len(data)])
}

func TestController_HandleCommand(t *testing.T) {
	var calls atomic.Int32
	c := newTestController(t, Config{ChunkSize: 100}, trackData(100*1024),
		WithProber(fixedProber(8000, &calls)))

	ack := c.HandleCommand(context.Background(), "banana")
	assert.Equal(t, Ack{Result: "ok"}, ack)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Equal(t, Idle, c.PlaybackState())

	ack = c.HandleCommand(context.Background(), " START ")
	assert.Equal(t, Ack{Result: "ok"}, ack)
	require.Eventually(t, func() bool { return c.PlaybackState() == Streaming }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	ack = c.HandleCommand(context.Background(), "stop")
	assert.Equal(t, Ack{Result: "ok"}, ack)
	assert.Equal(t, Idle, c.PlaybackState())

	ack = c.HandleCommand(context.Background(), "stop")
	assert.Equal(t, Ack{Result: "ok"}, ack)
}

func TestController_ServiceLifecycle(t *testing.T) {
	c := newTestController(t, Config{ChunkSize: 100, Autostart: true}, trackData(100*1024),
		WithProber(fixedProber(8000, nil)))

	_, sink := c.Registry().Connect()

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, c))
	require.Eventually(t, func() bool { return c.PlaybackState() == Streaming }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, services.StopAndAwaitTerminated(ctx, c))
	assert.Equal(t, Idle, c.PlaybackState())
	assert.Zero(t, c.Registry().Len())

	// Shutdown ends every listener stream.
	_, err := io.ReadAll(sink)
	assert.NoError(t, err)
}
