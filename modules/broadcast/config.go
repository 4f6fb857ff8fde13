package broadcast

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/zachfi/zkit/pkg/util"

	"github.com/zachfi/radiogo/pkg/throttle"
)

// Listener buffer sizing guidance (listener-buffer):
// - Each slot holds one paced chunk, so 256 slots at the default chunk size
//   is roughly a minute of 128k audio.
// - A listener whose queue fills up is disconnected rather than allowed to
//   stall the broadcast.
const (
	defaultFallbackBitrate = 128000
	defaultListenerBuffer  = 256
	defaultProbeTimeout    = 5 * time.Second
	defaultProbeCommand    = "sox"
)

type Config struct {
	PublicDir       string                 `yaml:"public-dir,omitempty"`
	Track           string                 `yaml:"track,omitempty"`              // path of the current track, relative to public-dir
	FallbackBitrate int                    `yaml:"fallback-bitrate,omitempty"`   // bits/sec used when probing fails
	BitRateDivisor  int                    `yaml:"bit-rate-divisor,omitempty"`   // bits to bytes, with any overhead factor baked in
	ProbeCommand    string                 `yaml:"probe-command,omitempty"`      // external utility reporting the bitrate
	ProbeArgs       flagext.StringSliceCSV `yaml:"probe-args,omitempty"`         // arguments placed before the track path
	ProbeTimeout    time.Duration          `yaml:"probe-timeout,omitempty"`      // upper bound on one probe
	ChunkSize       int                    `yaml:"chunk-size,omitempty"`         // largest piece released by the throttle at once
	ListenerBuffer  int                    `yaml:"listener-buffer,omitempty"`    // chunks queued per listener before it is dropped
	Loop            bool                   `yaml:"loop,omitempty"`               // rewind the track when it ends
	Autostart       bool                   `yaml:"autostart,omitempty"`          // start broadcasting when the module starts
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.ProbeArgs = flagext.StringSliceCSV{"--i", "-B"}

	f.StringVar(&cfg.PublicDir, util.PrefixConfig(prefix, "public-dir"), "public", "Directory holding the track and the static pages.")
	f.StringVar(&cfg.Track, util.PrefixConfig(prefix, "track"), "", "The track to broadcast, relative to the public directory.")
	f.IntVar(&cfg.FallbackBitrate, util.PrefixConfig(prefix, "fallback-bitrate"), defaultFallbackBitrate,
		"Bitrate in bits/sec used when the track cannot be probed.")
	f.IntVar(&cfg.BitRateDivisor, util.PrefixConfig(prefix, "bit-rate-divisor"), throttle.DefaultDivisor,
		"Divisor converting the probed bitrate into the byte rate used for pacing.")
	f.StringVar(&cfg.ProbeCommand, util.PrefixConfig(prefix, "probe-command"), defaultProbeCommand,
		"External command printing the bitrate of a file, eg: sox.")
	f.Var(&cfg.ProbeArgs, util.PrefixConfig(prefix, "probe-args"),
		"Comma separated arguments passed to the probe command before the track path.")
	f.DurationVar(&cfg.ProbeTimeout, util.PrefixConfig(prefix, "probe-timeout"), defaultProbeTimeout,
		"Maximum time to wait for the probe command. A timeout falls back to the fallback bitrate.")
	f.IntVar(&cfg.ChunkSize, util.PrefixConfig(prefix, "chunk-size"), throttle.DefaultChunkSize,
		"Largest number of bytes released to listeners at once.")
	f.IntVar(&cfg.ListenerBuffer, util.PrefixConfig(prefix, "listener-buffer"), defaultListenerBuffer,
		"Number of chunks queued per listener before a slow listener is disconnected.")
	f.BoolVar(&cfg.Loop, util.PrefixConfig(prefix, "loop"), false, "Restart the track from the beginning when it ends.")
	f.BoolVar(&cfg.Autostart, util.PrefixConfig(prefix, "autostart"), false, "Start broadcasting as soon as the module is running.")
}

func (cfg *Config) applyDefaults() {
	if cfg.FallbackBitrate <= 0 {
		cfg.FallbackBitrate = defaultFallbackBitrate
	}
	if cfg.BitRateDivisor <= 0 {
		cfg.BitRateDivisor = throttle.DefaultDivisor
	}
	if cfg.ProbeCommand == "" {
		cfg.ProbeCommand = defaultProbeCommand
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = throttle.DefaultChunkSize
	}
	if cfg.ListenerBuffer <= 0 {
		cfg.ListenerBuffer = defaultListenerBuffer
	}
}
