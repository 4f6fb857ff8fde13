package broadcast

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScriptProber(t *testing.T, script string) *CommandProber {
	t.Helper()

	cfg := Config{
		ProbeCommand:    "sh",
		ProbeArgs:       []string{"-c", script, "probe"},
		FallbackBitrate: 128000,
		ProbeTimeout:    2 * time.Second,
	}
	return NewCommandProber(cfg, testLogger())
}

func TestParseBitrate(t *testing.T) {
	cases := []struct {
		out     string
		want    int
		wantErr bool
	}{
		{out: "128k", want: 128000},
		{out: "96k\n", want: 96000},
		{out: "  320k  ", want: 320000},
		{out: "44.1k", want: 44100},
		{out: "1.41M", want: 1410000},
		{out: "128", wantErr: true},
		{out: "k", wantErr: true},
		{out: "", wantErr: true},
		{out: "-128k", wantErr: true},
		{out: "0k", wantErr: true},
		{out: "1e3k", wantErr: true},
		{out: "fast", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.out, func(t *testing.T) {
			got, err := parseBitrate(tc.out)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCommandProber_ReportsBitrate(t *testing.T) {
	for _, n := range []int{32, 64, 128, 192, 320} {
		p := newScriptProber(t, "echo "+strconv.Itoa(n)+"k")
		assert.Equal(t, n*1000, p.Probe(context.Background(), "track.mp3"))
	}
}

func TestCommandProber_PassesTrackPath(t *testing.T) {
	p := newScriptProber(t, `test "$1" = "/music/track.mp3" && echo 64k`)
	assert.Equal(t, 64000, p.Probe(context.Background(), "/music/track.mp3"))
	assert.Equal(t, 128000, p.Probe(context.Background(), "/music/other.mp3"))
}

func TestCommandProber_Fallback(t *testing.T) {
	cases := map[string]string{
		"stderr output":   "echo 192k; echo 'sox WARN mp3: MAD lost sync' >&2",
		"non-zero exit":   "echo 192k; exit 1",
		"unparsable":      "echo unknown",
		"empty output":    "true",
		"missing suffix":  "echo 192000",
		"only error text": "echo 'sox FAIL formats: can not open input file' >&2; exit 2",
	}

	for name, script := range cases {
		t.Run(name, func(t *testing.T) {
			p := newScriptProber(t, script)
			assert.Equal(t, 128000, p.Probe(context.Background(), "track.mp3"))
		})
	}
}

func TestCommandProber_SpawnFailure(t *testing.T) {
	cfg := Config{
		ProbeCommand:    "/nonexistent/radiogo-probe",
		FallbackBitrate: 96000,
	}
	p := NewCommandProber(cfg, testLogger())

	assert.Equal(t, 96000, p.Probe(context.Background(), "track.mp3"))
}

func TestCommandProber_Timeout(t *testing.T) {
	cfg := Config{
		ProbeCommand:    "sh",
		ProbeArgs:       []string{"-c", "exec sleep 5", "probe"},
		FallbackBitrate: 128000,
		ProbeTimeout:    100 * time.Millisecond,
	}
	p := NewCommandProber(cfg, testLogger())

	start := time.Now()
	assert.Equal(t, 128000, p.Probe(context.Background(), "track.mp3"))
	assert.Less(t, time.Since(start), 3*time.Second)
}
