package broadcast

import (
	"errors"
	"io"
	"sync"
)

// ErrSlowListener is returned when a listener's queue is full.
var ErrSlowListener = errors.New("listener queue full")

// Sink is one listener's share of the broadcast. The fan-out writes to it;
// the transport reads from it.
type Sink struct {
	sync.Mutex
	dataChan chan []byte
	closed   bool

	pending []byte // remainder of a chunk partially consumed by Read
}

func NewSink(size int) *Sink {
	if size <= 0 {
		size = defaultListenerBuffer
	}
	return &Sink{
		dataChan: make(chan []byte, size),
	}
}

// Write queues p for the reader. It never blocks: a full queue is reported
// as ErrSlowListener. p must not be modified after the call.
func (s *Sink) Write(p []byte) (n int, err error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return 0, io.ErrClosedPipe
	}

	select {
	case s.dataChan <- p:
		return len(p), nil
	default:
		return 0, ErrSlowListener
	}
}

// Read returns queued bytes in the order they were written. After Close it
// drains what is left and then returns io.EOF.
func (s *Sink) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		b, ok := <-s.dataChan
		if !ok {
			return 0, io.EOF
		}
		s.pending = b
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]

	return n, nil
}

// Buffered is the number of chunks waiting to be read.
func (s *Sink) Buffered() int {
	return len(s.dataChan)
}

func (s *Sink) Close() error {
	s.Lock()
	defer s.Unlock()

	if !s.closed {
		close(s.dataChan)
		s.closed = true
	}

	return nil
}
