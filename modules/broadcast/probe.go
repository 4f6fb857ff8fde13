package broadcast

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Prober reports the bitrate of a track in bits/sec. It never fails: when
// the bitrate cannot be determined a configured fallback is returned.
type Prober interface {
	Probe(ctx context.Context, trackPath string) int
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, trackPath string) int

func (f ProberFunc) Probe(ctx context.Context, trackPath string) int {
	return f(ctx, trackPath)
}

// CommandProber asks an external audio utility for the bitrate, eg:
// `sox --i -B track.mp3` printing "128k".
type CommandProber struct {
	command  string
	args     []string
	timeout  time.Duration
	fallback int
	logger   *slog.Logger
}

func NewCommandProber(cfg Config, logger *slog.Logger) *CommandProber {
	cfg.applyDefaults()
	return &CommandProber{
		command:  cfg.ProbeCommand,
		args:     append([]string(nil), cfg.ProbeArgs...),
		timeout:  cfg.ProbeTimeout,
		fallback: cfg.FallbackBitrate,
		logger:   logger,
	}
}

func (p *CommandProber) Probe(ctx context.Context, trackPath string) int {
	bitrate, err := p.run(ctx, trackPath)
	if err != nil {
		probeFailures.Inc()
		p.logger.Warn("bitrate probe failed, using fallback", "track", trackPath, "fallback", p.fallback, "err", err)
		return p.fallback
	}

	p.logger.Debug("probed bitrate", "track", trackPath, "bitrate", bitrate)
	return bitrate
}

func (p *CommandProber) run(ctx context.Context, trackPath string) (int, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), p.args...), trackPath)
	cmd := exec.CommandContext(ctx, p.command, args...)
	// Children of the utility may hold the output pipes open after it is killed.
	cmd.WaitDelay = probeWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("running %s: %w", p.command, err)
	}

	if stderr.Len() > 0 {
		return 0, fmt.Errorf("%s reported: %s", p.command, strings.TrimSpace(stderr.String()))
	}

	return parseBitrate(stdout.String())
}

const probeWaitDelay = time.Second

var bitrateUnits = map[byte]float64{
	'k': 1e3,
	'K': 1e3,
	'M': 1e6,
}

// parseBitrate turns a report such as "128k" into bits/sec.
func parseBitrate(out string) (int, error) {
	out = strings.TrimSpace(out)
	if len(out) < 2 {
		return 0, fmt.Errorf("unexpected bitrate report %q", out)
	}

	unit, ok := bitrateUnits[out[len(out)-1]]
	if !ok {
		return 0, fmt.Errorf("unexpected bitrate unit in %q", out)
	}

	num := out[:len(out)-1]
	if strings.ContainsAny(num, "+-eEinfINFxXpP_") {
		return 0, fmt.Errorf("unexpected bitrate value in %q", out)
	}

	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing bitrate %q: %w", out, err)
	}

	bitrate := int(math.Round(v * unit))
	if bitrate <= 0 {
		return 0, fmt.Errorf("bitrate %q is not positive", out)
	}

	return bitrate, nil
}
