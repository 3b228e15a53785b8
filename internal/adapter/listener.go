package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/1ureka/filetunnel/internal/channel"
	"github.com/1ureka/filetunnel/internal/util"
)

// listener accepts local traffic for one Forward and opens a channel stream
// towards the forward's destination for every client.
type listener struct {
	fwd  Forward
	ch   *channel.Channel
	log  util.Logger
	idle time.Duration

	cancel context.CancelFunc
	closer interface{ Close() error }
	wg     sync.WaitGroup
}

// startListener binds fwd.Listen and serves it until stop is called.
func startListener(ctx context.Context, ch *channel.Channel, fwd Forward, udpIdle time.Duration) (*listener, error) {
	ctx, cancel := context.WithCancel(ctx)
	l := &listener{
		fwd:    fwd,
		ch:     ch,
		log:    util.NewLogger("listen " + fwd.String()),
		idle:   udpIdle,
		cancel: cancel,
	}

	switch fwd.Protocol {
	case "tcp":
		ln, err := net.Listen("tcp", fwd.Listen)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to listen on %s: %w", fwd.Listen, err)
		}
		l.closer = ln
		l.wg.Add(1)
		go l.serveTCP(ctx, ln)

	case "udp":
		pc, err := net.ListenPacket("udp", fwd.Listen)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to listen on udp %s: %w", fwd.Listen, err)
		}
		l.closer = pc
		l.wg.Add(1)
		go l.serveUDP(ctx, pc)

	default:
		cancel()
		return nil, fmt.Errorf("unsupported protocol %q", fwd.Protocol)
	}

	l.log.Info("listening, forwarding to %s", fwd.Endpoint())
	return l, nil
}

// stop closes the socket and waits for the accept loop and every bridge it
// started.
func (l *listener) stop() {
	l.cancel()
	l.closer.Close()
	l.wg.Wait()
	l.log.Info("stopped")
}

func (l *listener) serveTCP(ctx context.Context, ln net.Listener) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				l.log.Error("accept error: %v", err)
			}
			return
		}

		s, err := l.ch.OpenStream(l.fwd.Endpoint())
		if err != nil {
			l.log.Warning("connection from %s refused: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		l.log.Debug("%s from %s", s, conn.RemoteAddr())

		b := newBridge(conn, s)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			stop := context.AfterFunc(ctx, b.cleanup)
			defer stop()
			b.run()
		}()
	}
}

// udpClient is the stream carrying one client address's datagrams.
type udpClient struct {
	stream *channel.Stream
	mu     sync.Mutex
	last   time.Time
}

func (c *udpClient) touch() {
	c.mu.Lock()
	c.last = time.Now()
	c.mu.Unlock()
}

func (c *udpClient) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.last)
}

// serveUDP maps every client address to its own stream. One datagram
// travels as one Forward; a client silent for the idle timeout is dropped.
func (l *listener) serveUDP(ctx context.Context, pc net.PacketConn) {
	defer l.wg.Done()

	var mu sync.Mutex
	clients := make(map[string]*udpClient)

	drop := func(key string, c *udpClient) {
		mu.Lock()
		if clients[key] == c {
			delete(clients, key)
		}
		mu.Unlock()
		c.stream.Close()
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.idle / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				all := clients
				clients = make(map[string]*udpClient)
				mu.Unlock()
				for _, c := range all {
					c.stream.Close()
				}
				return
			case now := <-ticker.C:
				mu.Lock()
				var stale []string
				for key, c := range clients {
					if c.idleSince(now) >= l.idle {
						stale = append(stale, key)
					}
				}
				mu.Unlock()
				for _, key := range stale {
					mu.Lock()
					c := clients[key]
					mu.Unlock()
					if c != nil {
						l.log.Debug("udp client %s idle, dropping %s", key, c.stream)
						drop(key, c)
					}
				}
			}
		}
	}()

	buf := make([]byte, channel.MaxForwardChunk)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				l.log.Error("udp read error: %v", err)
			}
			return
		}

		key := addr.String()
		mu.Lock()
		c, ok := clients[key]
		mu.Unlock()

		if !ok {
			s, err := l.ch.OpenStream(l.fwd.Endpoint())
			if err != nil {
				l.log.Warning("udp client %s refused: %v", key, err)
				continue
			}
			c = &udpClient{stream: s}
			mu.Lock()
			clients[key] = c
			mu.Unlock()
			l.log.Debug("%s for udp client %s", s, key)

			l.wg.Add(1)
			go func(key string, addr net.Addr, c *udpClient) {
				defer l.wg.Done()
				defer drop(key, c)
				for {
					msg, err := c.stream.ReadMessage()
					if err != nil {
						return
					}
					c.touch()
					if _, err := pc.WriteTo(msg, addr); err != nil {
						return
					}
				}
			}(key, addr, c)
		}

		c.touch()
		if _, err := c.stream.Write(buf[:n]); err != nil {
			l.log.Debug("udp client %s: %v", key, err)
			drop(key, c)
		}
	}
}
