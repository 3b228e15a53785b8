package adapter

import (
	"io"
	"net"
	"sync"

	"github.com/1ureka/filetunnel/internal/channel"
)

// bridge couples one local socket to one channel stream until either side
// ends.
type bridge struct {
	conn      net.Conn
	stream    *channel.Stream
	closeOnce sync.Once
}

func newBridge(conn net.Conn, s *channel.Stream) *bridge {
	return &bridge{conn: conn, stream: s}
}

// run copies in both directions and returns once both copies stopped.
func (b *bridge) run() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer b.cleanup()
		io.Copy(b.conn, b.stream)
	}()

	io.Copy(b.stream, b.conn)
	b.cleanup()
	<-done
}

// cleanup closes both ends exactly once. Closing the stream notifies the
// peer with a single TearDown unless the peer closed first.
func (b *bridge) cleanup() {
	b.closeOnce.Do(func() {
		b.conn.Close()
		b.stream.Close()
	})
}
