package channel

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/filetunnel/internal/fileaccess"
	"github.com/1ureka/filetunnel/internal/protocol"
)

// fakeWriter hand-writes a Reusable-File in place of a peer process.
type fakeWriter struct {
	t    *testing.T
	path string
}

func newFakeWriter(t *testing.T, path string, session int64) *fakeWriter {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(header, uint64(session))
	require.NoError(t, os.WriteFile(path, header, 0o644))
	return &fakeWriter{t: t, path: path}
}

func (w *fakeWriter) size() int64 {
	info, err := os.Stat(w.path)
	require.NoError(w.t, err)
	return info.Size()
}

func (w *fakeWriter) writeAt(data []byte, offset int64) {
	f, err := os.OpenFile(w.path, os.O_WRONLY, 0)
	require.NoError(w.t, err)
	defer f.Close()
	_, err = f.WriteAt(data, offset)
	require.NoError(w.t, err)
}

func (w *fakeWriter) append(cmd protocol.Command) int64 {
	data, err := protocol.Marshal(cmd)
	require.NoError(w.t, err)
	offset := w.size()
	w.writeAt(data, offset)
	return offset
}

// connectUntilAccepted appends Connect frames until the reader, which
// starts at the end of the file, picks one up.
func (w *fakeWriter) connectUntilAccepted(acc *acceptor, id int32) {
	require.Eventually(w.t, func() bool {
		if acc.count() > 0 {
			return true
		}
		w.append(protocol.NewConnect(id, "tcp://host:80"))
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

// TestPurgeHandshake drives both halves of the rotation directly and checks
// the state each side ends up in.
func TestPurgeHandshake(t *testing.T) {
	ctx := context.Background()
	dir := fileaccess.NewLocal(t.TempDir())

	writer := NewReusableFile(testOptions("w"), dir, "x.bin", "unused-w.bin").pumps.(*reusableFile)
	readerCh := NewReusableFile(testOptions("r"), dir, "unused-r.bin", "x.bin")
	reader := readerCh.pumps.(*reusableFile)

	sessionChanged := false
	readerCh.OnSessionChanged(func() { sessionChanged = true })
	s := newStream(readerCh, 1, "x")
	readerCh.conns.add(s)

	f, session, err := writer.create(ctx)
	require.NoError(t, err)
	defer f.Close()

	offset := int64(headerSize)
	for i := range 3 {
		frame, err := protocol.Marshal(protocol.NewForward(1, []byte{byte(i)}))
		require.NoError(t, err)
		require.NoError(t, writer.writeAt(ctx, f, frame, offset))
		offset += int64(len(frame))
	}

	rf, rs, err := reader.open(ctx)
	require.NoError(t, err)
	defer rf.Close()
	require.Equal(t, session, rs)
	reader.opened, reader.session, reader.offset = true, rs, headerSize

	ready := NewToggleFlag(writer.writePath, offsetReadyForPurge, 1)
	complete := NewToggleFlag(writer.writePath, offsetPurgeComplete, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- writer.purge(ctx, f, offset, ready, complete) }()

	// Wait until the Purge frame is on disk, then let the reader consume
	// everything including the handshake.
	var size int64
	require.Eventually(t, func() bool {
		size, _ = fileSize(rf)
		return size > offset
	}, 2*time.Second, 5*time.Millisecond)

	progressed, err := reader.readFrames(ctx, rf, size)
	require.NoError(t, err)
	assert.True(t, progressed)
	require.NoError(t, <-errCh)

	for i := range 3 {
		msg, err := s.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, msg)
	}

	size, err = fileSize(rf)
	require.NoError(t, err)
	assert.EqualValues(t, headerSize, size, "file length after purge")
	assert.EqualValues(t, headerSize, reader.offset, "reader offset after purge")

	got, err := readSession(rf)
	require.NoError(t, err)
	assert.Equal(t, session, got, "session id after purge")
	assert.False(t, sessionChanged)

	flags := make([]byte, 2)
	_, err = rf.ReadAt(flags, offsetReadyForPurge)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, flags, "handshake flags after purge")
}

// TestPurgeUnderLoad rotates the file many times while a stream carries
// data and checks nothing is lost, duplicated or reordered.
func TestPurgeUnderLoad(t *testing.T) {
	dir := fileaccess.NewLocal(t.TempDir())
	optsA, optsB := testOptions("a"), testOptions("b")
	optsA.PurgeThreshold = 8 * 1024
	optsB.PurgeThreshold = 8 * 1024
	a := NewReusableFile(optsA, dir, "a2b.bin", "b2a.bin")
	b := NewReusableFile(optsB, dir, "b2a.bin", "a2b.bin")

	var changes atomic.Int32
	a.OnSessionChanged(func() { changes.Add(1) })
	b.OnSessionChanged(func() { changes.Add(1) })
	acc := newAcceptor(b)

	runChannel(t, a)
	runChannel(t, b)
	waitOnline(t, a, b)

	s, err := a.OpenStream("tcp://sink")
	require.NoError(t, err)

	sent := makeTestData(200*1024, 3)
	go func() {
		for off := 0; off < len(sent); off += 1024 {
			if _, err := s.Write(sent[off : off+1024]); err != nil {
				return
			}
		}
		s.Close()
	}()

	peer := acc.next(t)
	got := readAllTimeout(t, peer, 20*time.Second)
	assert.Equal(t, sent, got)

	info, err := os.Stat(dir.Path("a2b.bin"))
	require.NoError(t, err)
	// A Purge frame may sit past the threshold until the truncate.
	assert.LessOrEqual(t, info.Size(), optsA.PurgeThreshold+64)
	assert.Zero(t, changes.Load(), "purges must not look like session changes")
}

// TestFirstOpenSkipsExistingContent checks that frames written before the
// reader first opened the file are not replayed.
func TestFirstOpenSkipsExistingContent(t *testing.T) {
	dir := fileaccess.NewLocal(t.TempDir())
	w := newFakeWriter(t, dir.Path("a2b.bin"), 0x1111)
	w.append(protocol.NewConnect(5, "tcp://stale:1"))

	b := NewReusableFile(testOptions("b"), dir, "b2a.bin", "a2b.bin")
	acc := newAcceptor(b)
	runChannel(t, b)

	w.connectUntilAccepted(acc, 6)

	s := acc.next(t)
	assert.Equal(t, int32(6), s.ID())
}

// TestSessionChangeWhileIdle rewrites the header with a new session id
// without shrinking the file, so only the idle check can notice.
func TestSessionChangeWhileIdle(t *testing.T) {
	dir := fileaccess.NewLocal(t.TempDir())
	path := dir.Path("a2b.bin")
	w := newFakeWriter(t, path, 0x1111)

	opts := testOptions("b")
	b := NewReusableFile(opts, dir, "b2a.bin", "a2b.bin")
	acc := newAcceptor(b)
	changed := make(chan time.Time, 4)
	b.OnSessionChanged(func() { changed <- time.Now() })
	runChannel(t, b)

	w.connectUntilAccepted(acc, 7)
	time.Sleep(100 * time.Millisecond) // let any extra Connect frames drain
	s, ok := b.conns.get(7)
	require.True(t, ok)

	header := make([]byte, 8)
	binary.LittleEndian.PutUint64(header, 0x2222)
	// Blank the old frames and grow the file a little, then stamp the new id.
	w.writeAt(make([]byte, w.size()+16-headerSize), headerSize)
	w.writeAt(header, 0)
	rewritten := time.Now()

	select {
	case at := <-changed:
		assert.Less(t, at.Sub(rewritten), opts.IdleCheckInterval+250*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("session change not detected")
	}

	_, err := s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, b.ConnectionCount())
}

// TestResumeAfterDamagedFrame simulates a write race: the reader first sees
// a frame whose checksum bytes are not written yet, and must pick up the
// same frame once it is complete.
func TestResumeAfterDamagedFrame(t *testing.T) {
	dir := fileaccess.NewLocal(t.TempDir())
	w := newFakeWriter(t, dir.Path("a2b.bin"), 0x3333)

	b := NewReusableFile(testOptions("b"), dir, "b2a.bin", "a2b.bin")
	acc := newAcceptor(b)
	runChannel(t, b)

	w.connectUntilAccepted(acc, 7)
	time.Sleep(100 * time.Millisecond)
	s, ok := b.conns.get(7)
	require.True(t, ok)

	frame, err := protocol.Marshal(protocol.NewForward(7, []byte("payload")))
	require.NoError(t, err)
	damaged := append([]byte(nil), frame...)
	copy(damaged[len(damaged)-4:], []byte{0, 0, 0, 0})

	offset := w.size()
	w.writeAt(damaged, offset)
	time.Sleep(150 * time.Millisecond) // the reader hits the bad checksum and restarts
	w.writeAt(frame, offset)

	msgCh := make(chan []byte, 1)
	go func() {
		msg, _ := s.ReadMessage()
		msgCh <- msg
	}()
	select {
	case msg := <-msgCh:
		assert.Equal(t, []byte("payload"), msg)
	case <-time.After(5 * time.Second):
		t.Fatal("frame was not re-read after the damage was repaired")
	}
}

func TestCreateStampsHeader(t *testing.T) {
	dir := t.TempDir()
	r := NewReusableFile(testOptions("w"), fileaccess.NewLocal(dir), "w.bin", "r.bin").pumps.(*reusableFile)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "w.bin"), make([]byte, 100), 0o644))
	f, session, err := r.create(context.Background())
	require.NoError(t, err)
	defer f.Close()

	data, err := os.ReadFile(filepath.Join(dir, "w.bin"))
	require.NoError(t, err)
	require.Len(t, data, headerSize)
	assert.Equal(t, uint64(session), binary.LittleEndian.Uint64(data))
	assert.NotZero(t, session)
	assert.Equal(t, []byte{0, 0}, data[8:10])
}

// TestPurgeAcknowledgeTimeout leaves the writer silent after a Purge and
// checks the reader withdraws its readiness and rewinds to the header.
func TestPurgeAcknowledgeTimeout(t *testing.T) {
	dir := fileaccess.NewLocal(t.TempDir())
	w := newFakeWriter(t, dir.Path("a2b.bin"), 0x4444)
	w.writeAt(make([]byte, 490), headerSize)

	opts := testOptions("b")
	opts.Timeout = 100 * time.Millisecond
	reader := NewReusableFile(opts, dir, "b2a.bin", "a2b.bin").pumps.(*reusableFile)
	reader.opened, reader.session, reader.offset = true, 0x4444, 500

	start := time.Now()
	err := reader.acknowledgePurge(context.Background(), 1)
	require.ErrorIs(t, err, ErrChannelTimeout)
	assert.GreaterOrEqual(t, time.Since(start), opts.Timeout)

	ready, err := NewToggleFlag(w.path, offsetReadyForPurge, 1).Get()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ready)
	assert.Equal(t, int64(headerSize), reader.offset)
	assert.Equal(t, int64(0x4444), reader.session)
}
