package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/filetunnel/internal/fileaccess"
	"github.com/1ureka/filetunnel/internal/protocol"
)

// writeWait runs a channel as a mailbox: the writer moves a batch of frames
// into place and waits until the reader deleted it before sending the next.
type writeWait struct {
	c         *Channel
	fa        fileaccess.FileAccess
	writeName string
	readName  string
}

// NewWriteWait returns a channel that batches commands into writeName and
// consumes the peer's batches from readName.
func NewWriteWait(opts Options, fa fileaccess.FileAccess, writeName, readName string) *Channel {
	c := newChannel(opts)
	c.pumps = &writeWait{
		c:         c,
		fa:        fileaccess.NewPaced(fa, c.opts.MinOpDelay),
		writeName: writeName,
		readName:  readName,
	}
	return c
}

func (w *writeWait) sendPump(ctx context.Context, queue <-chan protocol.Command) error {
	if err := w.fa.Delete(ctx, w.writeName); err != nil {
		return fmt.Errorf("%w: delete stale %s: %v", ErrBackendIO, w.writeName, err)
	}

	for {
		var first protocol.Command
		select {
		case first = <-queue:
		case <-ctx.Done():
			return ctx.Err()
		}

		batch, frames, err := w.collect(ctx, first, queue)
		if err != nil {
			return err
		}

		tmp := w.writeName + "." + uuid.NewString() + ".tmp"
		if err := w.fa.WriteAllBytes(ctx, tmp, batch); err != nil {
			return fmt.Errorf("%w: write %s: %v", ErrBackendIO, tmp, err)
		}
		if err := w.fa.Move(ctx, tmp, w.writeName); err != nil {
			w.fa.Delete(ctx, tmp)
			return fmt.Errorf("%w: move %s to %s: %v", ErrBackendIO, tmp, w.writeName, err)
		}
		w.c.stats.BytesSent.Add(int64(len(batch)))
		w.c.stats.FramesSent.Add(int64(frames))

		if err := w.awaitDelete(ctx, frames); err != nil {
			return err
		}
	}
}

// collect appends queued commands to the batch until it reaches BatchBytes
// or BatchWindow elapses.
func (w *writeWait) collect(ctx context.Context, first protocol.Command, queue <-chan protocol.Command) ([]byte, int, error) {
	var buf bytes.Buffer
	if err := protocol.Serialize(&buf, first); err != nil {
		return nil, 0, err
	}
	frames := 1

	window := time.NewTimer(w.c.opts.BatchWindow)
	defer window.Stop()

	for buf.Len() < w.c.opts.BatchBytes {
		select {
		case cmd := <-queue:
			if err := protocol.Serialize(&buf, cmd); err != nil {
				return nil, 0, err
			}
			frames++
		case <-window.C:
			return buf.Bytes(), frames, nil
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	return buf.Bytes(), frames, nil
}

func (w *writeWait) awaitDelete(ctx context.Context, frames int) error {
	deadline := time.Now().Add(w.c.opts.Timeout)
	for {
		exists, err := w.fa.Exists(ctx, w.writeName)
		if err != nil {
			return fmt.Errorf("%w: stat %s: %v", ErrBackendIO, w.writeName, err)
		}
		if !exists {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: batch of %d frame(s) not consumed from %s after %v",
				ErrChannelTimeout, frames, w.writeName, w.c.opts.Timeout)
		}
		if err := sleepCtx(ctx, w.c.opts.PollInterval); err != nil {
			return err
		}
	}
}

// receivePump consumes the peer's objects. The peer pings every
// PingInterval, so a read name that stays empty for the whole tunnel
// timeout fails the pump, which is then restarted.
func (w *writeWait) receivePump(ctx context.Context) error {
	deadline := time.Now().Add(w.c.opts.Timeout)
	for {
		exists, err := w.fa.Exists(ctx, w.readName)
		if err != nil {
			return fmt.Errorf("%w: stat %s: %v", ErrBackendIO, w.readName, err)
		}
		if !exists {
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: nothing at %s after %v", ErrChannelTimeout, w.readName, w.c.opts.Timeout)
			}
			if err := sleepCtx(ctx, w.c.opts.PollInterval); err != nil {
				return err
			}
			continue
		}

		data, err := w.fa.ReadAllBytes(ctx, w.readName)
		if fileaccess.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrBackendIO, w.readName, err)
		}
		if err := w.fa.Delete(ctx, w.readName); err != nil {
			return fmt.Errorf("%w: delete %s: %v", ErrBackendIO, w.readName, err)
		}

		deadline = time.Now().Add(w.c.opts.Timeout)
		w.dispatchBatch(data)
	}
}

// dispatchBatch decodes frames back to back. A damaged frame discards the
// rest of the batch, since frame boundaries after it are unknown.
func (w *writeWait) dispatchBatch(data []byte) {
	rd := bytes.NewReader(data)
	for rd.Len() > 0 {
		start := len(data) - rd.Len()
		cmd, err := protocol.Deserialize(rd)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.c.log.Warning("batch from %s damaged at %d of %d bytes: %v", w.readName, start, len(data), err)
			}
			return
		}
		w.c.dispatch(cmd, len(data)-rd.Len()-start)
	}
}
