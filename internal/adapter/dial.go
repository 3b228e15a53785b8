package adapter

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/1ureka/filetunnel/internal/channel"
	"github.com/1ureka/filetunnel/internal/util"
)

// serveInbound dials the destination of a connection the peer opened and
// bridges it. It blocks until the connection ends.
func serveInbound(ctx context.Context, s *channel.Stream, dest string, dialTimeout, udpIdle time.Duration) {
	log := util.NewLogger(s.String())

	proto, addr, err := ParseEndpoint(dest)
	if err != nil {
		log.Warning("%v", err)
		s.Close()
		return
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, proto, addr)
	if err != nil {
		log.Warning("dial %s failed: %v", dest, err)
		s.Close()
		return
	}
	log.Debug("connected to %s", dest)

	if proto == "udp" {
		relayDatagrams(ctx, conn, s, udpIdle)
		return
	}

	b := newBridge(conn, s)
	stop := context.AfterFunc(ctx, b.cleanup)
	defer stop()
	b.run()
}

// relayDatagrams keeps message boundaries in both directions and gives up
// after udpIdle without a reply.
func relayDatagrams(ctx context.Context, conn net.Conn, s *channel.Stream, udpIdle time.Duration) {
	b := newBridge(conn, s)
	stop := context.AfterFunc(ctx, b.cleanup)
	defer stop()
	defer b.cleanup()

	go func() {
		defer b.cleanup()
		for {
			msg, err := s.ReadMessage()
			if err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(udpIdle))
			if _, err := conn.Write(msg); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, channel.MaxForwardChunk)
	conn.SetReadDeadline(time.Now().Add(udpIdle))
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				util.LogDebug("[%s] udp idle, closing", s)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(udpIdle))
		if _, err := s.Write(buf[:n]); err != nil {
			return
		}
	}
}
