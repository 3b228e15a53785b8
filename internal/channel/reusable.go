package channel

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/filetunnel/internal/fileaccess"
	"github.com/1ureka/filetunnel/internal/protocol"
	"github.com/1ureka/filetunnel/internal/util"
)

// Reusable-File layout:
//
//	offset 0   int64 session id (LE), rewritten whenever the writer recreates the file
//	offset 8   readyForPurge, written by the reader
//	offset 9   purgeComplete, written by the writer
//	offset 10+ frames, appended back to back
const (
	headerSize          = 10
	offsetReadyForPurge = 8
	offsetPurgeComplete = 9

	// maxReadChunk bounds one read of new frames. It is far above the
	// largest frame, so a frame that does not fit is damaged.
	maxReadChunk = 4 * 1024 * 1024
)

// reusableFile runs a channel over two append-only files on a local or
// mounted directory: one written by this side, one written by the peer.
type reusableFile struct {
	c         *Channel
	writePath string
	readPath  string
	dir       *fileaccess.Local
	readName  string
	pacer     *rate.Limiter

	// Receive state kept across pump restarts. offset always points at the
	// start of the next unread frame.
	opened  bool
	session int64
	offset  int64
}

// NewReusableFile returns a channel that appends frames to writeName and
// reads the peer's frames from readName, both under dir.
func NewReusableFile(opts Options, dir *fileaccess.Local, writeName, readName string) *Channel {
	c := newChannel(opts)
	c.pumps = &reusableFile{
		c:         c,
		writePath: dir.Path(writeName),
		readPath:  dir.Path(readName),
		dir:       dir,
		readName:  readName,
		pacer:     fileaccess.NewPacer(c.opts.MinOpDelay),
	}
	return c
}

// ---------------------------------------------------------------------------
// Send side
// ---------------------------------------------------------------------------

func (r *reusableFile) sendPump(ctx context.Context, queue <-chan protocol.Command) error {
	f, session, err := r.create(ctx)
	if err != nil {
		return err
	}
	defer f.Close()

	r.c.log.Info("session %016x started on %s", uint64(session), r.writePath)

	ready := NewToggleFlag(r.writePath, offsetReadyForPurge, 1)
	complete := NewToggleFlag(r.writePath, offsetPurgeComplete, 1)
	offset := int64(headerSize)

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

		if offset > headerSize && offset+int64(len(frame)) > r.c.opts.PurgeThreshold {
			if err := r.purge(ctx, f, offset, ready, complete); err != nil {
				return fmt.Errorf("purge %s at %d: %w", r.writePath, offset, err)
			}
			offset = headerSize
		}

		if err := r.writeAt(ctx, f, frame, offset); err != nil {
			return fmt.Errorf("%w: write %s packet %016x at %s:%d: %v",
				ErrBackendIO, cmd.ID(), cmd.Identity().PacketNumber, r.writePath, offset, err)
		}
		offset += int64(len(frame))
		r.c.stats.AddSent(len(frame))
	}
}

// create truncates the write file and stamps a fresh session header.
func (r *reusableFile) create(ctx context.Context) (*os.File, int64, error) {
	if err := r.pacer.Wait(ctx); err != nil {
		return nil, 0, err
	}
	f, err := os.OpenFile(r.writePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: create %s: %v", ErrBackendIO, r.writePath, err)
	}

	session := util.NewSessionID()
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(header, uint64(session))
	if _, err := f.WriteAt(header, 0); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("%w: write header %s: %v", ErrBackendIO, r.writePath, err)
	}
	return f, session, nil
}

// purge rotates the write file once the reader confirmed it stopped
// reading the old region:
//
//	writer: Purge frame, wait ready=1, truncate, complete=1, wait ready=0, complete=0
//	reader:              ready=1, wait complete=1, rewind, ready=0, wait complete=0
func (r *reusableFile) purge(ctx context.Context, f *os.File, offset int64, ready, complete *ToggleFlag) error {
	cmd := protocol.NewPurge()
	frame, err := protocol.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := r.writeAt(ctx, f, frame, offset); err != nil {
		return fmt.Errorf("%w: write Purge packet %016x: %v", ErrBackendIO, cmd.PacketNumber, err)
	}
	r.c.stats.AddSent(len(frame))
	r.c.log.Debug("purging %s at %d bytes", r.writePath, offset+int64(len(frame)))

	timeout, poll := r.c.opts.Timeout, r.c.opts.PollInterval

	if err := ready.WaitFor(ctx, 1, timeout, poll); err != nil {
		return err
	}
	if err := r.pacer.Wait(ctx); err != nil {
		return err
	}
	if err := f.Truncate(headerSize); err != nil {
		return fmt.Errorf("%w: truncate: %v", ErrBackendIO, err)
	}
	if err := complete.Set(1); err != nil {
		return err
	}
	if err := ready.WaitFor(ctx, 0, timeout, poll); err != nil {
		return err
	}
	return complete.Set(0)
}

func (r *reusableFile) writeAt(ctx context.Context, f *os.File, data []byte, offset int64) error {
	if err := r.pacer.Wait(ctx); err != nil {
		return err
	}
	_, err := f.WriteAt(data, offset)
	return err
}

// ---------------------------------------------------------------------------
// Receive side
// ---------------------------------------------------------------------------

func (r *reusableFile) receivePump(ctx context.Context) error {
	f, session, err := r.open(ctx)
	if err != nil {
		return err
	}
	defer func() { f.Close() }()

	switch {
	case !r.opened:
		// Whatever is already there predates this process.
		size, err := fileSize(f)
		if err != nil {
			return err
		}
		r.opened = true
		r.offset = max(size, headerSize)
	case session != r.session:
		if r.session != 0 {
			r.c.sessionChanged(r.session, session)
		}
		r.offset = headerSize
	}
	r.session = session
	r.c.log.Info("reading session %016x from %s at %d", uint64(session), r.readPath, r.offset)

	lastCheck := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		size, err := fileSize(f)
		if err != nil {
			return err
		}

		if size < r.offset {
			// Either the writer recreated the file or the handle is stale.
			if f, err = r.reopen(ctx, f); err != nil {
				return err
			}
			lastCheck = time.Now()
			changed, err := r.checkSession(f)
			if err != nil {
				return err
			}
			if changed {
				continue
			}
			if size, err = fileSize(f); err != nil {
				return err
			}
			if size < r.offset {
				offset := r.offset
				r.offset = headerSize
				return fmt.Errorf("%w: %s shrank to %d below offset %d without purge",
					ErrProtocolViolation, r.readPath, size, offset)
			}
		}

		if size > r.offset {
			progressed, err := r.readFrames(ctx, f, size)
			if err != nil {
				return err
			}
			if progressed {
				continue
			}
		}

		if time.Since(lastCheck) >= r.c.opts.IdleCheckInterval {
			if f, err = r.reopen(ctx, f); err != nil {
				return err
			}
			if _, err := r.checkSession(f); err != nil {
				return err
			}
			lastCheck = time.Now()
			continue
		}

		if err := sleepCtx(ctx, r.c.opts.PollInterval); err != nil {
			return err
		}
	}
}

// open waits until the peer's file exists and carries a session id.
func (r *reusableFile) open(ctx context.Context) (*os.File, int64, error) {
	deadline := time.Now().Add(r.c.opts.Timeout)
	for {
		exists, err := r.dir.Exists(ctx, r.readName)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: stat %s: %v", ErrBackendIO, r.readPath, err)
		}
		if exists {
			f, err := os.Open(r.readPath)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: open %s: %v", ErrBackendIO, r.readPath, err)
			}
			session, err := readSession(f)
			if err == nil && session != 0 {
				return f, session, nil
			}
			f.Close()
		}

		if time.Now().After(deadline) {
			return nil, 0, fmt.Errorf("%w: %s not initialized after %v", ErrChannelTimeout, r.readPath, r.c.opts.Timeout)
		}
		if err := sleepCtx(ctx, r.c.opts.PollInterval); err != nil {
			return nil, 0, err
		}
	}
}

// reopen replaces f with a fresh handle so that no cached view of the file
// survives.
func (r *reusableFile) reopen(ctx context.Context, f *os.File) (*os.File, error) {
	if err := r.pacer.Wait(ctx); err != nil {
		return f, err
	}
	nf, err := os.Open(r.readPath)
	if err != nil {
		return f, fmt.Errorf("%w: reopen %s: %v", ErrBackendIO, r.readPath, err)
	}
	f.Close()
	return nf, nil
}

// checkSession compares the file's session id with the recorded one. A new
// id resets every connection and rewinds to the header. A header still being
// written (id 0) counts as unchanged.
func (r *reusableFile) checkSession(f *os.File) (bool, error) {
	session, err := readSession(f)
	if err != nil {
		return false, err
	}
	if session == 0 || session == r.session {
		return false, nil
	}
	r.c.sessionChanged(r.session, session)
	r.session = session
	r.offset = headerSize
	return true, nil
}

// readFrames dispatches every complete frame between r.offset and size. It
// reports whether r.offset moved.
func (r *reusableFile) readFrames(ctx context.Context, f *os.File, size int64) (bool, error) {
	if err := r.pacer.Wait(ctx); err != nil {
		return false, err
	}

	buf := make([]byte, min(size-r.offset, maxReadChunk))
	n, err := f.ReadAt(buf, r.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("%w: read %s at %d: %v", ErrBackendIO, r.readPath, r.offset, err)
	}
	buf = buf[:n]

	rd := bytes.NewReader(buf)
	progressed := false
	for rd.Len() > 0 {
		start := len(buf) - rd.Len()

		cmd, err := protocol.Deserialize(rd)
		switch {
		case err == nil:
		case protocol.IsIncomplete(err):
			if start == 0 && len(buf) == maxReadChunk {
				return progressed, fmt.Errorf("%w: frame at %s:%d exceeds %d bytes",
					protocol.ErrFrameCorrupt, r.readPath, r.offset, maxReadChunk)
			}
			// The writer has not finished this frame yet.
			return progressed, nil
		case errors.Is(err, protocol.ErrNoCommand):
			return progressed, nil
		default:
			// r.offset still points at the damaged frame, so the restarted
			// pump retries exactly there.
			return progressed, fmt.Errorf("read %s at %d: %w", r.readPath, r.offset, err)
		}

		frameLen := len(buf) - rd.Len() - start
		r.offset += int64(frameLen)
		progressed = true

		if _, ok := cmd.(*protocol.Purge); ok {
			r.c.stats.AddRecv(frameLen)
			r.c.health.touch()
			return true, r.acknowledgePurge(ctx, cmd.Identity().PacketNumber)
		}
		r.c.dispatch(cmd, frameLen)
	}
	return progressed, nil
}

// acknowledgePurge performs the reader's half of the purge handshake and
// rewinds to the header. If the writer never completes the purge, the
// reader withdraws its readiness and forgets its position, so the restarted
// pump reads the header again. The session id is kept: a writer that gave
// up and recreated the file still shows up as a session change.
func (r *reusableFile) acknowledgePurge(ctx context.Context, packet uint64) error {
	r.c.log.Debug("purge %016x received at %s:%d", packet, r.readPath, r.offset)

	ready := NewToggleFlag(r.readPath, offsetReadyForPurge, 1)
	complete := NewToggleFlag(r.readPath, offsetPurgeComplete, 1)
	timeout, poll := r.c.opts.Timeout, r.c.opts.PollInterval

	if err := ready.Set(1); err != nil {
		return err
	}
	if err := complete.WaitFor(ctx, 1, timeout, poll); err != nil {
		r.offset = headerSize
		if clearErr := ready.Set(0); clearErr != nil {
			r.c.log.Debug("clearing %s: %v", ready, clearErr)
		}
		return fmt.Errorf("purge %016x: %w", packet, err)
	}
	r.offset = headerSize
	if err := ready.Set(0); err != nil {
		return err
	}
	if err := complete.WaitFor(ctx, 0, timeout, poll); err != nil {
		return fmt.Errorf("purge %016x: %w", packet, err)
	}
	return nil
}

func readSession(f *os.File) (int64, error) {
	var buf [8]byte
	n, err := f.ReadAt(buf[:], 0)
	if n < len(buf) {
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%w: read session of %s: %v", ErrBackendIO, f.Name(), err)
		}
		return 0, nil
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func fileSize(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrBackendIO, f.Name(), err)
	}
	return info.Size(), nil
}
