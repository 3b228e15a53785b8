package channel

import (
	"fmt"
	"io"
	"sync"

	"github.com/1ureka/filetunnel/internal/protocol"
	"github.com/1ureka/filetunnel/internal/util"
)

// MaxForwardChunk is the largest payload carried by one Forward frame. A
// write of at most this size reaches the peer as a single message.
const MaxForwardChunk = 64 * 1024

// Stream is one logical connection multiplexed over a channel. It implements
// io.ReadWriteCloser. Reads drain an unbounded queue fed by the receive
// pump; writes block on the channel's send queue.
type Stream struct {
	id   int32
	dest string
	ch   *Channel
	log  util.Logger

	mu           sync.Mutex
	queue        [][]byte
	current      []byte
	closed       bool // Close was called locally
	remoteClosed bool // TearDown received or channel reset
	notify       chan struct{}

	closeOnce   sync.Once
	releaseOnce sync.Once
}

func newStream(ch *Channel, id int32, dest string) *Stream {
	return &Stream{
		id:     id,
		dest:   dest,
		ch:     ch,
		log:    util.NewLogger(fmt.Sprintf("%s conn %08x", ch.opts.Name, uint32(id))),
		notify: make(chan struct{}, 1),
	}
}

// ID returns the connection id shared with the peer.
func (s *Stream) ID() int32 { return s.id }

// Destination returns the endpoint named in the Connect frame.
func (s *Stream) Destination() string { return s.dest }

func (s *Stream) String() string { return fmt.Sprintf("conn %08x", uint32(s.id)) }

// Read copies buffered payload into p. It returns io.EOF once the peer tore
// the connection down and everything received before that was read, and
// the stream then leaves the channel table.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, ErrStreamClosed
		}
		if len(s.current) == 0 && len(s.queue) > 0 {
			s.current = s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
		}
		if len(s.current) > 0 {
			n := copy(p, s.current)
			s.current = s.current[n:]
			s.mu.Unlock()
			return n, nil
		}
		if s.remoteClosed {
			s.mu.Unlock()
			s.release()
			return 0, io.EOF
		}
		s.mu.Unlock()

		if err := s.wait(); err != nil {
			return 0, err
		}
	}
}

// ReadMessage returns the payload of exactly one Forward frame. Mixing it
// with Read on the same stream splits messages at arbitrary points.
func (s *Stream) ReadMessage() ([]byte, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrStreamClosed
		}
		if len(s.current) > 0 {
			msg := s.current
			s.current = nil
			s.mu.Unlock()
			return msg, nil
		}
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		if s.remoteClosed {
			s.mu.Unlock()
			s.release()
			return nil, io.EOF
		}
		s.mu.Unlock()

		if err := s.wait(); err != nil {
			return nil, err
		}
	}
}

// wait blocks until new data or a state change is signalled.
func (s *Stream) wait() error {
	select {
	case <-s.notify:
		return nil
	case <-s.ch.stopped:
		s.closeRemote()
		return nil
	}
}

func (s *Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Write splits p into Forward frames of at most MaxForwardChunk bytes and
// enqueues them in order. It blocks while the channel's send queue is full.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		s.mu.Lock()
		dead := s.closed || s.remoteClosed
		s.mu.Unlock()
		if dead {
			return written, ErrStreamClosed
		}

		end := min(written+MaxForwardChunk, len(p))
		chunk := make([]byte, end-written)
		copy(chunk, p[written:end])

		if err := s.ch.enqueue(protocol.NewForward(s.id, chunk)); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// Close releases the stream and sends TearDown unless the peer closed first.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.current = nil
		notifyPeer := !s.remoteClosed
		s.mu.Unlock()
		s.signal()

		s.release()
		if notifyPeer {
			if err = s.ch.enqueue(protocol.NewTearDown(s.id)); err != nil {
				s.log.Debug("teardown not sent: %v", err)
			}
		}
		s.log.Debug("closed")
	})
	return err
}

// push appends one received payload.
func (s *Stream) push(payload []byte) {
	s.mu.Lock()
	if s.closed || s.remoteClosed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, payload)
	s.mu.Unlock()
	s.signal()
}

// closeRemote marks the peer side gone. The stream stays in the channel
// table, so buffered data remains readable by id, until a read reaches
// io.EOF or Close is called.
func (s *Stream) closeRemote() {
	s.mu.Lock()
	already := s.remoteClosed
	s.remoteClosed = true
	s.mu.Unlock()
	if !already {
		s.signal()
	}
}

func (s *Stream) isRemoteClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteClosed
}

// release removes the stream from the channel table once.
func (s *Stream) release() {
	s.releaseOnce.Do(func() {
		s.ch.conns.remove(s)
		s.ch.stats.RemoveConn()
	})
}
