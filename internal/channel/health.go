package channel

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/filetunnel/internal/protocol"
)

// health tracks liveness and round-trip time of a channel.
//
// Liveness only depends on when the last valid frame of any kind arrived.
// Pings keep frames flowing on an idle channel and yield RTT samples, but a
// lost ping never marks the channel offline by itself.
type health struct {
	c *Channel

	mu          sync.Mutex
	lastInbound time.Time
	online      bool
	pending     map[uint64]time.Time // outstanding requests by packet number
}

func newHealth(c *Channel) *health {
	return &health{c: c, pending: make(map[uint64]time.Time)}
}

func (h *health) touch() {
	h.mu.Lock()
	h.lastInbound = time.Now()
	h.mu.Unlock()
}

func (h *health) isOnline() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

// probe sends a ping request every PingInterval.
func (h *health) probe(ctx context.Context) {
	ticker := time.NewTicker(h.c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			req := protocol.NewPingRequest()

			h.mu.Lock()
			now := time.Now()
			for pn, sent := range h.pending {
				if now.Sub(sent) > h.c.opts.Timeout {
					delete(h.pending, pn)
				}
			}
			h.pending[req.PacketNumber] = now
			h.mu.Unlock()

			if err := h.c.enqueue(req); err != nil {
				h.c.log.Debug("ping not sent: %v", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// onResponse matches a response to its request. Unknown or expired packet
// numbers are ignored.
func (h *health) onResponse(respondingTo uint64) {
	h.mu.Lock()
	sent, ok := h.pending[respondingTo]
	delete(h.pending, respondingTo)
	h.mu.Unlock()

	if !ok {
		h.c.log.Debug("stale ping response %016x ignored", respondingTo)
		return
	}
	h.c.stats.SetRTT(time.Since(sent))
}

// monitor derives the online state and fires transitions.
func (h *health) monitor(ctx context.Context) {
	ticker := time.NewTicker(h.c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			online := !h.lastInbound.IsZero() && time.Since(h.lastInbound) < h.c.opts.Timeout
			changed := online != h.online
			h.online = online
			h.mu.Unlock()

			if changed {
				if online {
					h.c.log.Info("peer online")
				} else {
					h.c.log.Warning("peer offline: no frame for %v", h.c.opts.Timeout)
				}
				h.c.fireOnline(online)
			}

		case <-ctx.Done():
			return
		}
	}
}
