package entity

import (
	"context"
	"sync"

	vo "ikedadada/go-onion/internal/domain/value_object"
)

// StreamState is the lifecycle state of a stream.
type StreamState uint8

const (
	StreamOpening StreamState = iota
	StreamOpen
	StreamClosing
	StreamClosed
)

const (
	// StreamWindowInit is the initial send/receive credit, in relay frames.
	StreamWindowInit = 500
	// SendmeIncrement is the credit granted by one SENDME frame.
	SendmeIncrement = 50
)

// Stream is a logical bidirectional byte channel multiplexed on a circuit,
// with independent flow-control windows. Receivers suspend cooperatively;
// the circuit's dispatch loop never blocks on a stream.
type Stream struct {
	id vo.StreamID

	mu         sync.Mutex
	state      StreamState
	sendWindow int
	recvCredit int // frames received since the last SENDME we issued

	recvCh     chan []byte
	sendSignal chan struct{}
	done       chan struct{}
	doneOnce   sync.Once
	endErr     error
}

func NewStream(id vo.StreamID) *Stream {
	return &Stream{
		id:         id,
		state:      StreamOpening,
		sendWindow: StreamWindowInit,
		recvCh:     make(chan []byte, StreamWindowInit),
		sendSignal: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (s *Stream) ID() vo.StreamID { return s.id }

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkOpen records the CONNECTED response.
func (s *Stream) MarkOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamOpening {
		s.state = StreamOpen
	}
}

// PushData queues incoming data for the reader. Data arriving after close or
// beyond the window buffer is dropped; the caller logs the anomaly.
func (s *Stream) PushData(b []byte) bool {
	s.mu.Lock()
	if s.state == StreamClosed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	select {
	case s.recvCh <- b:
		return true
	default:
		return false
	}
}

// NoteDelivered counts one delivered data frame and reports whether the
// peer has earned a SENDME.
func (s *Stream) NoteDelivered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recvCredit++
	if s.recvCredit >= SendmeIncrement {
		s.recvCredit = 0
		return true
	}
	return false
}

// ConsumeSendWindow takes one unit of send credit, suspending until a SENDME
// replenishes the window, the stream ends, or ctx expires.
func (s *Stream) ConsumeSendWindow(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.state == StreamClosed {
			s.mu.Unlock()
			if s.endErr != nil {
				return s.endErr
			}
			return vo.ErrStreamReset
		}
		if s.sendWindow > 0 {
			s.sendWindow--
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		select {
		case <-s.sendSignal:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReplenishSendWindow credits the send window from a SENDME frame.
func (s *Stream) ReplenishSendWindow(n int) {
	s.mu.Lock()
	s.sendWindow += n
	s.mu.Unlock()
	select {
	case s.sendSignal <- struct{}{}:
	default:
	}
}

// FinishRemote records an END from the peer. Queued data stays readable.
func (s *Stream) FinishRemote(cause error) {
	s.mu.Lock()
	s.state = StreamClosed
	s.endErr = cause
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// Reset tears the stream down locally (circuit teardown, explicit close).
func (s *Stream) Reset(cause error) {
	s.FinishRemote(cause)
}

// Done is closed once the stream has ended in either direction.
func (s *Stream) Done() <-chan struct{} { return s.done }

// EndErr returns the cause recorded at end-of-stream, nil for a clean end.
func (s *Stream) EndErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}

// ReadAll drains the stream until it ends, returning everything received.
// A reset or cancellation surfaces as an error alongside any partial data.
func (s *Stream) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		select {
		case b := <-s.recvCh:
			out = append(out, b...)
		case <-s.done:
			// Drain whatever was queued before the END arrived.
			for {
				select {
				case b := <-s.recvCh:
					out = append(out, b...)
				default:
					return out, s.EndErr()
				}
			}
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}
