package throttle

import (
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

const (
	DefaultChunkSize = 4096
	DefaultDivisor   = 8
)

// ErrEnded is returned by Write once End has been called.
var ErrEnded = errors.New("throttle: ended")

// ByteRate converts an encoded bitrate into the byte rate used for pacing.
func ByteRate(bitsPerSecond, divisor int) int {
	if divisor <= 0 {
		divisor = DefaultDivisor
	}
	return bitsPerSecond / divisor
}

type Option func(*Writer)

// WithChunkSize sets the largest piece released at once. It is also the
// bucket burst.
func WithChunkSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.chunk = n
		}
	}
}

// Writer forwards bytes to dst no faster than the configured byte rate.
type Writer struct {
	mu      sync.Mutex // serializes writes to dst
	dst     io.Writer
	limiter *rate.Limiter
	chunk   int
	rate    int

	ctx     context.Context
	cancel  context.CancelFunc
	endOnce sync.Once
}

// NewWriter returns a Writer releasing at most bytesPerSecond bytes per
// second to dst. A non-positive rate disables pacing.
func NewWriter(dst io.Writer, bytesPerSecond int, opts ...Option) *Writer {
	w := &Writer{
		dst:   dst,
		chunk: DefaultChunkSize,
		rate:  bytesPerSecond,
	}
	for _, o := range opts {
		o(w)
	}

	limit := rate.Limit(bytesPerSecond)
	if bytesPerSecond <= 0 {
		limit = rate.Inf
	}
	w.limiter = rate.NewLimiter(limit, w.chunk)
	w.ctx, w.cancel = context.WithCancel(context.Background())

	return w
}

// Rate returns the configured byte rate.
func (w *Writer) Rate() int {
	return w.rate
}

// Write implements io.Writer. It blocks until every piece of p has been
// released downstream, or End interrupts it.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ended() {
		return 0, ErrEnded
	}

	var written int
	for len(p) > 0 {
		n := min(len(p), w.chunk)

		if err := w.limiter.WaitN(w.ctx, n); err != nil {
			// Ended while waiting: flush what this call still holds.
			m, werr := w.dst.Write(p)
			written += m
			if werr != nil {
				return written, werr
			}
			return written, ErrEnded
		}

		m, err := w.dst.Write(p[:n])
		written += m
		if err != nil {
			return written, err
		}
		p = p[n:]
	}

	return written, nil
}

// End stops pacing. A pending Write flushes its remaining bytes and returns
// ErrEnded; later writes fail. It is safe to call more than once.
func (w *Writer) End() {
	w.endOnce.Do(w.cancel)
}

// Done is closed once End has been called.
func (w *Writer) Done() <-chan struct{} {
	return w.ctx.Done()
}

func (w *Writer) ended() bool {
	select {
	case <-w.ctx.Done():
		return true
	default:
		return false
	}
}
