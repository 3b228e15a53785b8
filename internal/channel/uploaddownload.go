package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/filetunnel/internal/fileaccess"
	"github.com/1ureka/filetunnel/internal/protocol"
)

// recentIdentities is how many delivered frames the reader remembers for
// duplicate suppression.
const recentIdentities = 256

// uploadDownload runs a channel over whole-object put/get/delete backends.
// Each object holds exactly one command; its removal by the reader is the
// acknowledgment the writer waits for.
type uploadDownload struct {
	c         *Channel
	fa        fileaccess.FileAccess
	writeName string
	readName  string

	seen *identitySet
}

// NewUploadDownload returns a channel that writes one command at a time to
// writeName and consumes the peer's commands from readName. Every backend
// call is paced by opts.MinOpDelay.
func NewUploadDownload(opts Options, fa fileaccess.FileAccess, writeName, readName string) *Channel {
	c := newChannel(opts)
	c.pumps = &uploadDownload{
		c:         c,
		fa:        fileaccess.NewPaced(fa, c.opts.MinOpDelay),
		writeName: writeName,
		readName:  readName,
		seen:      newIdentitySet(recentIdentities),
	}
	return c
}

func (u *uploadDownload) sendPump(ctx context.Context, queue <-chan protocol.Command) error {
	// An object left by an earlier run would never be acknowledged as ours.
	if err := u.fa.Delete(ctx, u.writeName); err != nil {
		return fmt.Errorf("%w: delete stale %s: %v", ErrBackendIO, u.writeName, err)
	}

	for {
		var cmd protocol.Command
		select {
		case cmd = <-queue:
		case <-ctx.Done():
			return ctx.Err()
		}

		frame, err := protocol.Marshal(cmd)
		if err != nil {
			return err
		}
		if err := u.deliver(ctx, cmd, frame); err != nil {
			return err
		}
		u.c.stats.AddSent(len(frame))
	}
}

// deliver writes frame and waits until the reader removed it. An object
// still present after the grace period is assumed lost and written again
// with identical bytes.
func (u *uploadDownload) deliver(ctx context.Context, cmd protocol.Command, frame []byte) error {
	timeout := u.c.opts.Timeout
	grace := time.Duration(float64(timeout) * u.c.opts.RewriteGrace)

	start := time.Now()
	lastWrite := start
	if err := u.fa.WriteAllBytes(ctx, u.writeName, frame); err != nil {
		return fmt.Errorf("%w: write %s packet %016x to %s: %v",
			ErrBackendIO, cmd.ID(), cmd.Identity().PacketNumber, u.writeName, err)
	}

	for {
		if err := sleepCtx(ctx, u.c.opts.PollInterval); err != nil {
			return err
		}

		exists, err := u.fa.Exists(ctx, u.writeName)
		if err != nil {
			return fmt.Errorf("%w: stat %s: %v", ErrBackendIO, u.writeName, err)
		}
		if !exists {
			return nil
		}

		if time.Since(start) >= timeout {
			return fmt.Errorf("%w: %s packet %016x not consumed from %s after %v",
				ErrChannelTimeout, cmd.ID(), cmd.Identity().PacketNumber, u.writeName, timeout)
		}
		if time.Since(lastWrite) >= grace {
			u.c.log.Debug("rewriting %s packet %016x to %s", cmd.ID(), cmd.Identity().PacketNumber, u.writeName)
			if err := u.fa.WriteAllBytes(ctx, u.writeName, frame); err != nil {
				return fmt.Errorf("%w: rewrite %s: %v", ErrBackendIO, u.writeName, err)
			}
			lastWrite = time.Now()
		}
	}
}

// receivePump consumes the peer's objects. The peer pings every
// PingInterval, so a read name that stays empty for the whole tunnel
// timeout fails the pump, which is then restarted.
func (u *uploadDownload) receivePump(ctx context.Context) error {
	deadline := time.Now().Add(u.c.opts.Timeout)
	for {
		exists, err := u.fa.Exists(ctx, u.readName)
		if err != nil {
			return fmt.Errorf("%w: stat %s: %v", ErrBackendIO, u.readName, err)
		}
		if !exists {
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: nothing at %s after %v", ErrChannelTimeout, u.readName, u.c.opts.Timeout)
			}
			if err := sleepCtx(ctx, u.c.opts.PollInterval); err != nil {
				return err
			}
			continue
		}

		data, err := u.fa.ReadAllBytes(ctx, u.readName)
		if fileaccess.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrBackendIO, u.readName, err)
		}

		cmd, err := protocol.Decode(data)
		if err != nil {
			// Most likely an upload still in progress. Leave it for the
			// next poll; the writer rewrites it if it stays broken.
			u.c.log.Debug("undecodable object %s (%d bytes): %v", u.readName, len(data), err)
			if err := sleepCtx(ctx, u.c.opts.PollInterval); err != nil {
				return err
			}
			continue
		}

		deadline = time.Now().Add(u.c.opts.Timeout)
		if u.seen.add(cmd.Identity()) {
			u.c.dispatch(cmd, len(data))
		} else {
			u.c.log.Debug("duplicate %s packet %016x ignored", cmd.ID(), cmd.Identity().PacketNumber)
		}

		if err := u.fa.Delete(ctx, u.readName); err != nil {
			return fmt.Errorf("%w: delete %s packet %016x: %v",
				ErrBackendIO, u.readName, cmd.Identity().PacketNumber, err)
		}
	}
}

// identitySet remembers the most recent frame identities.
type identitySet struct {
	set  map[protocol.Identity]struct{}
	ring []protocol.Identity
	next int
}

func newIdentitySet(size int) *identitySet {
	return &identitySet{
		set:  make(map[protocol.Identity]struct{}, size),
		ring: make([]protocol.Identity, 0, size),
	}
}

// add records id and reports whether it was new.
func (s *identitySet) add(id protocol.Identity) bool {
	if _, dup := s.set[id]; dup {
		return false
	}
	if len(s.ring) < cap(s.ring) {
		s.ring = append(s.ring, id)
	} else {
		delete(s.set, s.ring[s.next])
		s.ring[s.next] = id
		s.next = (s.next + 1) % len(s.ring)
	}
	s.set[id] = struct{}{}
	return true
}
