// Package channel implements a duplex, multiplexed link between two hosts
// that share nothing but a writable file-like medium.
//
// A Channel owns one send pump and one receive pump. Outgoing commands pass
// through a send queue of capacity one, which is the only backpressure path:
// every Stream.Write blocks there until the previous frame was taken by the
// send pump. The receive pump validates inbound frames and dispatches them
// to per-connection queues. Either pump restarts after any failure, so the
// channel survives transient faults of the medium indefinitely.
package channel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/filetunnel/internal/protocol"
	"github.com/1ureka/filetunnel/internal/util"
)

// pumps is implemented by each channel variant.
type pumps interface {
	// sendPump writes commands taken from queue to the medium until it
	// fails or ctx ends.
	sendPump(ctx context.Context, queue <-chan protocol.Command) error
	// receivePump reads the medium and hands every valid frame to
	// Channel.dispatch until it fails or ctx ends.
	receivePump(ctx context.Context) error
}

// Channel is the variant-independent part of a file channel.
type Channel struct {
	opts  Options
	log   util.Logger
	stats *util.Stats
	pumps pumps

	sendQueue chan protocol.Command
	conns     *connTable
	health    *health

	stopOnce sync.Once
	stopped  chan struct{}

	evMu              sync.Mutex
	onAccepted        []func(s *Stream, dest string)
	onListenerRequest []func(proto, spec string)
	onOnline          []func(online bool)
	onSessionChanged  []func()
}

func newChannel(opts Options) *Channel {
	opts = opts.withDefaults()
	c := &Channel{
		opts:      opts,
		log:       util.NewLogger(opts.Name),
		stats:     &util.Stats{},
		sendQueue: make(chan protocol.Command, 1),
		conns:     newConnTable(),
		stopped:   make(chan struct{}),
	}
	c.health = newHealth(c)
	return c
}

// Name returns the channel's log name.
func (c *Channel) Name() string { return c.opts.Name }

// Stats returns the channel's traffic counters.
func (c *Channel) Stats() *util.Stats { return c.stats }

// Online reports whether a frame arrived within the tunnel timeout.
func (c *Channel) Online() bool { return c.health.isOnline() }

// RTT returns the last measured round-trip time.
func (c *Channel) RTT() time.Duration { return c.stats.RTT() }

// Run starts the pumps and monitors and blocks until ctx is cancelled.
// Pump failures are logged and retried, never returned.
func (c *Channel) Run(ctx context.Context) error {
	defer c.stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.supervise(ctx, "send", func(ctx context.Context) error {
			return c.pumps.sendPump(ctx, c.sendQueue)
		}, func(error) {
			// Frames may have been lost with the failed session.
			c.ResetConnections("send pump restarted")
		})
		return nil
	})
	g.Go(func() error {
		c.supervise(ctx, "receive", c.pumps.receivePump, nil)
		return nil
	})
	g.Go(func() error {
		c.health.probe(ctx)
		return nil
	})
	g.Go(func() error {
		c.health.monitor(ctx)
		return nil
	})

	err := g.Wait()
	c.log.Info("channel stopped")
	return err
}

func (c *Channel) stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		c.ResetConnections("channel stopped")
	})
}

// supervise runs pump until ctx ends, restarting it after RestartDelay
// whenever it returns.
func (c *Channel) supervise(ctx context.Context, role string, pump func(context.Context) error, onFailure func(error)) {
	for {
		err := pump(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("%s pump exited", role)
		}
		c.log.Warning("%s pump failed, restarting in %v: %v", role, c.opts.RestartDelay, err)
		if onFailure != nil {
			onFailure(err)
		}
		if sleepCtx(ctx, c.opts.RestartDelay) != nil {
			return
		}
	}
}

// enqueue hands cmd to the send pump, waiting at most the tunnel timeout.
func (c *Channel) enqueue(cmd protocol.Command) error {
	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	select {
	case c.sendQueue <- cmd:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: enqueue %s after %v", ErrChannelTimeout, cmd.ID(), c.opts.Timeout)
	case <-c.stopped:
		return ErrChannelStopped
	}
}

// ---------------------------------------------------------------------------
// Connection API
// ---------------------------------------------------------------------------

// OpenStream allocates a fresh connection id, sends Connect for dest and
// returns the local end of the new connection.
func (c *Channel) OpenStream(dest string) (*Stream, error) {
	s := c.conns.allocate(func(id int32) *Stream { return newStream(c, id, dest) })
	return s, c.announce(s)
}

// Connect opens connection id towards dest. It fails if id is in use.
func (c *Channel) Connect(id int32, dest string) (*Stream, error) {
	s := newStream(c, id, dest)
	if !c.conns.tryAdd(s) {
		return nil, fmt.Errorf("connection %08x already open", uint32(id))
	}
	return s, c.announce(s)
}

func (c *Channel) announce(s *Stream) error {
	c.stats.AddConn()
	if err := c.enqueue(protocol.NewConnect(s.id, s.dest)); err != nil {
		s.closeRemote()
		s.release()
		return err
	}
	s.log.Debug("opened towards %s", s.dest)
	return nil
}

// Write sends data on connection id.
func (c *Channel) Write(id int32, data []byte) error {
	s, ok := c.conns.get(id)
	if !ok {
		return ErrStreamClosed
	}
	_, err := s.Write(data)
	return err
}

// Read returns the next payload received on connection id. Payloads that
// arrived before the peer's TearDown are still returned; io.EOF follows once
// they are drained, or at once for an unknown id.
func (c *Channel) Read(id int32) ([]byte, error) {
	s, ok := c.conns.get(id)
	if !ok {
		return nil, io.EOF
	}
	return s.ReadMessage()
}

// TearDown closes connection id and notifies the peer.
func (c *Channel) TearDown(id int32) error {
	s, ok := c.conns.get(id)
	if !ok {
		return nil
	}
	return s.Close()
}

// RequestListener asks the peer to start a listener for spec and relay its
// connections back over this channel.
func (c *Channel) RequestListener(proto, spec string) error {
	return c.enqueue(protocol.NewCreateListener(proto, spec))
}

// ResetConnections ends every open connection without notifying the peer.
// Readers see io.EOF after draining what already arrived.
func (c *Channel) ResetConnections(reason string) {
	var ended int
	for _, s := range c.conns.snapshot() {
		if !s.isRemoteClosed() {
			s.closeRemote()
			ended++
		}
	}
	if ended > 0 {
		c.log.Info("tearing down %d connection(s): %s", ended, reason)
	}
}

// ConnectionCount returns the number of connections still in the table,
// including remotely closed ones whose data has not been read to io.EOF.
func (c *Channel) ConnectionCount() int { return c.conns.len() }

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// dispatch routes one validated inbound frame of size bytes.
func (c *Channel) dispatch(cmd protocol.Command, size int) {
	c.stats.AddRecv(size)
	c.health.touch()

	switch cmd := cmd.(type) {
	case *protocol.Connect:
		s := newStream(c, cmd.ConnectionID, cmd.Destination)
		if old := c.conns.add(s); old != nil {
			old.closeRemote()
			old.release()
		}
		c.stats.AddConn()
		s.log.Debug("accepted towards %s", cmd.Destination)
		c.fireAccepted(s, cmd.Destination)

	case *protocol.CreateListener:
		c.log.Info("peer requested %s listener %s", cmd.Protocol, cmd.ForwardSpec)
		c.fireListenerRequest(cmd.Protocol, cmd.ForwardSpec)

	case *protocol.Forward:
		s, ok := c.conns.get(cmd.ConnectionID)
		if !ok {
			c.log.Debug("forward for unknown connection %08x dropped (%d bytes)", uint32(cmd.ConnectionID), len(cmd.Payload))
			return
		}
		s.push(cmd.Payload)

	case *protocol.TearDown:
		if s, ok := c.conns.get(cmd.ConnectionID); ok {
			s.log.Debug("torn down by peer")
			s.closeRemote()
		}

	case *protocol.Ping:
		switch cmd.Kind {
		case protocol.PingRequest:
			// The receive pump must never wait on the send queue: the send
			// pump may itself be waiting for this side to acknowledge a purge.
			resp := protocol.NewPingResponse(cmd)
			go func() {
				if err := c.enqueue(resp); err != nil {
					c.log.Debug("ping response dropped: %v", err)
				}
			}()
		case protocol.PingResponse:
			c.health.onResponse(cmd.RespondingTo)
		}

	case *protocol.Purge:
		// Only meaningful to the Reusable-File reader, which handles it
		// before dispatch.
	}
}

// sessionChanged drops all connection state after the peer restarted.
func (c *Channel) sessionChanged(old, current int64) {
	c.log.Warning("peer session changed %016x -> %016x", uint64(old), uint64(current))
	c.ResetConnections("peer session changed")
	c.fireSessionChanged()
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// OnConnectionAccepted registers fn for every connection the peer opens.
// Handlers run on the receive pump and must not block.
func (c *Channel) OnConnectionAccepted(fn func(s *Stream, dest string)) {
	c.evMu.Lock()
	c.onAccepted = append(c.onAccepted, fn)
	c.evMu.Unlock()
}

// OnCreateListenerRequested registers fn for every CreateListener frame.
// Handlers run on the receive pump and must not block.
func (c *Channel) OnCreateListenerRequested(fn func(proto, spec string)) {
	c.evMu.Lock()
	c.onListenerRequest = append(c.onListenerRequest, fn)
	c.evMu.Unlock()
}

// OnOnlineStatusChanged registers fn for online/offline transitions.
func (c *Channel) OnOnlineStatusChanged(fn func(online bool)) {
	c.evMu.Lock()
	c.onOnline = append(c.onOnline, fn)
	c.evMu.Unlock()
}

// OnSessionChanged registers fn for detected peer restarts.
func (c *Channel) OnSessionChanged(fn func()) {
	c.evMu.Lock()
	c.onSessionChanged = append(c.onSessionChanged, fn)
	c.evMu.Unlock()
}

func (c *Channel) fireAccepted(s *Stream, dest string) {
	c.evMu.Lock()
	fns := append([]func(*Stream, string){}, c.onAccepted...)
	c.evMu.Unlock()
	if len(fns) == 0 {
		c.log.Warning("no handler for connection %08x towards %s", uint32(s.id), dest)
	}
	for _, fn := range fns {
		fn(s, dest)
	}
}

func (c *Channel) fireListenerRequest(proto, spec string) {
	c.evMu.Lock()
	fns := append([]func(string, string){}, c.onListenerRequest...)
	c.evMu.Unlock()
	for _, fn := range fns {
		fn(proto, spec)
	}
}

func (c *Channel) fireOnline(online bool) {
	c.evMu.Lock()
	fns := append([]func(bool){}, c.onOnline...)
	c.evMu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

func (c *Channel) fireSessionChanged() {
	c.evMu.Lock()
	fns := append([]func(){}, c.onSessionChanged...)
	c.evMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
