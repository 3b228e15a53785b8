// Package adapter connects local sockets to a file channel. It runs the
// configured local listeners while the channel is online, asks the peer for
// remote listeners, and dials the destination of every connection the peer
// opens.
package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/filetunnel/internal/channel"
	"github.com/1ureka/filetunnel/internal/util"
)

const (
	DefaultDialTimeout = 10 * time.Second
	DefaultUDPIdle     = 60 * time.Second
)

// Options tunes an Adapter. Zero fields take the defaults above.
type Options struct {
	Local  []Forward // listeners run on this side
	Remote []Forward // listeners requested from the peer

	DialTimeout time.Duration
	UDPIdle     time.Duration
}

// Adapter owns the listeners of one channel.
type Adapter struct {
	ch   *channel.Channel
	opts Options
	log  util.Logger

	mu        sync.Mutex
	ctx       context.Context
	local     map[string]*listener // started while online
	requested map[string]*listener // started on CreateListener
	wg        sync.WaitGroup
}

func New(ch *channel.Channel, opts Options) *Adapter {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.UDPIdle <= 0 {
		opts.UDPIdle = DefaultUDPIdle
	}
	return &Adapter{
		ch:        ch,
		opts:      opts,
		log:       util.NewLogger(ch.Name() + " adapter"),
		local:     make(map[string]*listener),
		requested: make(map[string]*listener),
	}
}

// Run registers the channel handlers and blocks until ctx ends. Every
// listener and bridge is closed before it returns.
func (a *Adapter) Run(ctx context.Context) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	a.ch.OnConnectionAccepted(a.onAccepted)
	a.ch.OnCreateListenerRequested(a.onListenerRequested)
	a.ch.OnOnlineStatusChanged(a.onOnlineChanged)
	a.ch.OnSessionChanged(a.onSessionChanged)

	if a.ch.Online() {
		a.onOnlineChanged(true)
	}

	<-ctx.Done()

	a.mu.Lock()
	a.stopAll(a.local)
	a.stopAll(a.requested)
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}

// Listening returns the forwards with a running listener.
func (a *Adapter) Listening() []Forward {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Forward, 0, len(a.local)+len(a.requested))
	for _, l := range a.local {
		out = append(out, l.fwd)
	}
	for _, l := range a.requested {
		out = append(out, l.fwd)
	}
	return out
}

func (a *Adapter) onAccepted(s *channel.Stream, dest string) {
	a.mu.Lock()
	ctx := a.ctx
	if ctx == nil || ctx.Err() != nil {
		a.mu.Unlock()
		s.Close()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		serveInbound(ctx, s, dest, a.opts.DialTimeout, a.opts.UDPIdle)
	}()
}

func (a *Adapter) onListenerRequested(proto, spec string) {
	fwd, err := ParseListenerRequest(proto, spec)
	if err != nil {
		a.log.Warning("rejected listener request: %v", err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.start(a.requested, fwd)
}

// onOnlineChanged runs local listeners only while the peer is reachable.
// Going offline also ends every open connection, since none of them can
// make progress.
func (a *Adapter) onOnlineChanged(online bool) {
	if !online {
		a.mu.Lock()
		a.stopAll(a.local)
		a.mu.Unlock()
		a.ch.ResetConnections("channel offline")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil || a.ctx.Err() != nil {
		return
	}
	for _, fwd := range a.opts.Local {
		a.start(a.local, fwd)
	}

	for _, fwd := range a.opts.Remote {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.ch.RequestListener(fwd.Protocol, fwd.Spec()); err != nil {
				a.log.Warning("listener request %s not sent: %v", fwd, err)
				return
			}
			a.log.Info("requested remote listener %s", fwd)
		}()
	}
}

// onSessionChanged drops listeners the restarted peer asked for. It asks
// again once it is online.
func (a *Adapter) onSessionChanged() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopAll(a.requested)
}

// start launches fwd into set unless it already runs. Callers hold mu.
func (a *Adapter) start(set map[string]*listener, fwd Forward) {
	if a.ctx == nil || a.ctx.Err() != nil {
		return
	}
	key := fwd.String()
	if _, running := set[key]; running {
		return
	}
	l, err := startListener(a.ctx, a.ch, fwd, a.opts.UDPIdle)
	if err != nil {
		a.log.Error("%v", err)
		return
	}
	set[key] = l
}

// stopAll stops and forgets every listener in set. Callers hold mu.
func (a *Adapter) stopAll(set map[string]*listener) {
	for key, l := range set {
		l.stop()
		delete(set, key)
	}
}
