package broadcast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/grafana/dskit/services"
	"github.com/zachfi/zkit/pkg/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zachfi/radiogo/pkg/throttle"
)

type State string

const (
	Idle      State = "idle"
	Streaming State = "streaming"
)

const (
	CommandStart = "start"
	CommandStop  = "stop"
)

// Ack is the reply to every command, recognized or not.
type Ack struct {
	Result string `json:"result"`
}

var ackOK = Ack{Result: "ok"}

// Track describes the file being broadcast.
type Track struct {
	Path     string `json:"path"`
	Bitrate  int    `json:"bitrate"`
	ByteRate int    `json:"byte_rate"`
}

type session struct {
	track   Track
	limiter *throttle.Writer
	done    chan struct{}
}

type Option func(*Controller)

// WithProber replaces the external command prober.
func WithProber(p Prober) Option {
	return func(c *Controller) {
		c.prober = p
	}
}

// Controller owns the broadcast pipeline: track file -> throttle -> listeners.
type Controller struct {
	services.Service
	cfg      *Config
	logger   *slog.Logger
	files    *Files
	prober   Prober
	registry *Registry

	mu      sync.Mutex
	session *session // active session, nil when idle
	last    *session // most recent pipeline, possibly still draining
	epoch   uint64   // bumped by Stop to abandon starts still being prepared

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup // command initiated broadcasts
}

var module = "broadcast"

var tracer = otel.Tracer("github.com/zachfi/radiogo/modules/broadcast")

// New creates and returns a new Controller.
func New(cfg Config, logger slog.Logger, opts ...Option) (*Controller, error) {
	cfg.applyDefaults()

	c := &Controller{
		cfg:    &cfg,
		logger: logger.With("module", module),
		files:  NewFiles(cfg.PublicDir),
	}
	c.registry = NewRegistry(cfg.ListenerBuffer, c.logger)
	c.prober = NewCommandProber(cfg, c.logger)

	for _, o := range opts {
		o(c)
	}

	c.baseCtx, c.cancel = context.WithCancel(context.Background())
	c.Service = services.NewBasicService(nil, c.running, c.stopping)

	return c, nil
}

func (c *Controller) Registry() *Registry {
	return c.registry
}

func (c *Controller) PlaybackState() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return Streaming
	}
	return Idle
}

// Track returns the track of the active session, if any.
func (c *Controller) Track() (Track, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return Track{}, false
	}
	return c.session.track, true
}

// HandleCommand dispatches a control command. Unknown commands are accepted
// and do nothing.
func (c *Controller) HandleCommand(ctx context.Context, command string) Ack {
	switch strings.ToLower(strings.TrimSpace(command)) {
	case CommandStart:
		c.startAsync()
	case CommandStop:
		c.Stop()
	default:
		c.logger.DebugContext(ctx, "ignoring unknown command", "command", command)
	}

	return ackOK
}

func (c *Controller) startAsync() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Start(c.baseCtx); err != nil {
			c.logger.Error("broadcast failed", "err", err)
		}
	}()
}

// Start broadcasts the configured track and returns once it has been played
// through, stopped, preempted by another Start, or ctx is done.
func (c *Controller) Start(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "Controller.Start")
	defer func() {
		err = tracing.ErrHandler(span, err, "broadcast failed", nil)
	}()

	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	bitrate := c.prober.Probe(ctx, c.trackPath())
	track := Track{
		Path:     c.cfg.Track,
		Bitrate:  bitrate,
		ByteRate: throttle.ByteRate(bitrate, c.cfg.BitRateDivisor),
	}
	span.SetAttributes(
		attribute.String("track", track.Path),
		attribute.Int("bitrate", track.Bitrate),
	)

	f, ext, err := c.files.Open(c.cfg.Track)
	if err != nil {
		return err
	}
	defer f.Close()

	s := &session{
		track:   track,
		limiter: throttle.NewWriter(c.registry.FanOut(), track.ByteRate, throttle.WithChunkSize(c.cfg.ChunkSize)),
		done:    make(chan struct{}),
	}

	if !c.install(s, epoch) {
		c.logger.Info("stopped before the broadcast began", "track", track.Path)
		return nil
	}
	defer c.finish(s)

	c.logger.Info("broadcast started", "track", track.Path, "bitrate", track.Bitrate, "byte_rate", track.ByteRate)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			s.limiter.End()
		case <-stopWatch:
		}
	}()

	err = c.pump(f, ext, s.limiter)
	s.limiter.End()

	if errors.Is(err, throttle.ErrEnded) {
		err = nil
	}
	if err != nil {
		return err
	}

	c.logger.Info("broadcast finished", "track", track.Path)
	return nil
}

// install makes s the active session, ending and waiting for any session
// already running. It reports false when Stop was called since epoch.
func (c *Controller) install(s *session, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.last != nil {
		prev := c.last
		if c.session == prev {
			prev.limiter.End()
			c.logger.Info("preempting running broadcast", "track", prev.track.Path)
		}

		c.mu.Unlock()
		<-prev.done
		c.mu.Lock()
	}

	if c.epoch != epoch {
		return false
	}

	c.session = s
	c.last = s
	sessionsStarted.Inc()
	streaming.Set(1)

	return true
}

func (c *Controller) finish(s *session) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
		streaming.Set(0)
	}
	if c.last == s {
		c.last = nil
	}
	c.mu.Unlock()

	close(s.done)
}

// pump copies the track into the limiter until the track ends or the
// limiter is ended. With Loop the track is rewound to its first audio frame
// instead of ending.
func (c *Controller) pump(f *os.File, ext string, w *throttle.Writer) error {
	buf := make([]byte, c.cfg.ChunkSize)
	rewind := int64(-1)

	for {
		n, err := io.CopyBuffer(w, onlyReader{f}, buf)
		if err != nil {
			return err
		}

		// Nothing left to loop over.
		if !c.cfg.Loop || n == 0 {
			return nil
		}

		select {
		case <-w.Done():
			return nil
		default:
		}

		if rewind < 0 {
			rewind = audioOffset(f, ext)
		}
		if _, err := f.Seek(rewind, io.SeekStart); err != nil {
			return err
		}
		c.logger.Debug("looping track", "track", c.cfg.Track)
	}
}

// Stop ends the active session and waits for its pipeline to finish. It is a
// no-op when idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.epoch++
	s := c.session
	c.session = nil
	if s != nil {
		streaming.Set(0)
	}
	c.mu.Unlock()

	if s == nil {
		return
	}

	s.limiter.End()
	<-s.done

	c.logger.Info("broadcast stopped", "track", s.track.Path)
}

func (c *Controller) trackPath() string {
	name, _, err := c.files.Resolve(c.cfg.Track)
	if err != nil {
		return c.cfg.Track
	}
	return name
}

func (c *Controller) running(ctx context.Context) error {
	if c.cfg.Autostart {
		c.startAsync()
	}

	<-ctx.Done()
	return nil
}

func (c *Controller) stopping(_ error) error {
	c.logger.Info("stopping")

	c.cancel()
	c.Stop()
	c.wg.Wait()

	c.registry.Close()

	return nil
}

// onlyReader hides the file's WriterTo so the copy goes through the
// provided buffer and chunk size.
type onlyReader struct {
	io.Reader
}
