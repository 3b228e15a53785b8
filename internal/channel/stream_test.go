package channel

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/filetunnel/internal/protocol"
)

// drainQueue collects every command the stream hands to the send queue.
func drainQueue(c *Channel) <-chan protocol.Command {
	out := make(chan protocol.Command, 64)
	go func() {
		for {
			select {
			case cmd := <-c.sendQueue:
				out <- cmd
			case <-c.stopped:
				return
			}
		}
	}()
	return out
}

func openTestStream(t *testing.T) (*Channel, *Stream, <-chan protocol.Command) {
	c := newChannel(testOptions("stream"))
	t.Cleanup(c.stop)
	s := newStream(c, 5, "tcp://x")
	c.conns.add(s)
	return c, s, drainQueue(c)
}

func nextCommand(t *testing.T, sent <-chan protocol.Command) protocol.Command {
	t.Helper()
	select {
	case cmd := <-sent:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("nothing enqueued")
		return nil
	}
}

func TestStreamWriteChunks(t *testing.T) {
	_, s, sent := openTestStream(t)

	data := makeTestData(150*1024, 1)
	n, err := s.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	var got []byte
	for _, want := range []int{MaxForwardChunk, MaxForwardChunk, 150*1024 - 2*MaxForwardChunk} {
		fwd, ok := nextCommand(t, sent).(*protocol.Forward)
		require.True(t, ok)
		assert.Equal(t, int32(5), fwd.ConnectionID)
		assert.Len(t, fwd.Payload, want)
		got = append(got, fwd.Payload...)
	}
	assert.Equal(t, data, got)
}

func TestStreamWriteCopiesInput(t *testing.T) {
	_, s, sent := openTestStream(t)

	buf := []byte("abc")
	_, err := s.Write(buf)
	require.NoError(t, err)
	buf[0] = 'z'

	fwd := nextCommand(t, sent).(*protocol.Forward)
	assert.Equal(t, []byte("abc"), fwd.Payload)
}

func TestStreamReadMessage(t *testing.T) {
	c, s, _ := openTestStream(t)

	c.dispatch(protocol.NewForward(5, []byte("one")), 0)
	c.dispatch(protocol.NewForward(5, []byte("two")), 0)
	c.dispatch(protocol.NewTearDown(5), 0)

	msg, err := s.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), msg)

	msg, err = s.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), msg)

	_, err = s.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, c.ConnectionCount())
}

// TestStreamReadDrainsBeforeEOF checks that data queued before the peer's
// TearDown is still delivered.
func TestStreamReadDrainsBeforeEOF(t *testing.T) {
	c, s, _ := openTestStream(t)

	done := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(s)
		done <- data
	}()

	c.dispatch(protocol.NewForward(5, []byte("hel")), 0)
	c.dispatch(protocol.NewForward(5, []byte("lo")), 0)
	c.dispatch(protocol.NewTearDown(5), 0)

	select {
	case data := <-done:
		assert.Equal(t, []byte("hello"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not finish")
	}
}

func TestStreamCloseSendsTearDownOnce(t *testing.T) {
	c, s, sent := openTestStream(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	td, ok := nextCommand(t, sent).(*protocol.TearDown)
	require.True(t, ok)
	assert.Equal(t, int32(5), td.ConnectionID)

	select {
	case cmd := <-sent:
		t.Fatalf("unexpected %s after close", cmd.ID())
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, 0, c.ConnectionCount())
	_, err := s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrStreamClosed)
	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStreamCloseAfterPeerTearDown(t *testing.T) {
	c, s, sent := openTestStream(t)

	c.dispatch(protocol.NewTearDown(5), 0)
	require.NoError(t, s.Close())

	select {
	case cmd := <-sent:
		t.Fatalf("unexpected %s after peer teardown", cmd.ID())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamWriteAfterPeerTearDown(t *testing.T) {
	c, s, _ := openTestStream(t)

	c.dispatch(protocol.NewTearDown(5), 0)
	_, err := s.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrStreamClosed)
}

// TestStreamResetUnblocksReader checks a blocked Read returns once the
// channel drops its connections.
func TestStreamResetUnblocksReader(t *testing.T) {
	c, s, _ := openTestStream(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 8))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.ResetConnections("test")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("reader still blocked")
	}
}

// TestConnectReplacesStaleID checks a repeated Connect for an open id ends
// the old stream and hands out a new one.
func TestConnectReplacesStaleID(t *testing.T) {
	c := newChannel(testOptions("replace"))
	acc := newAcceptor(c)

	c.dispatch(protocol.NewConnect(3, "tcp://a"), 0)
	first := acc.next(t)
	c.dispatch(protocol.NewConnect(3, "tcp://b"), 0)
	second := acc.next(t)

	_, err := first.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)

	c.dispatch(protocol.NewForward(3, []byte("new")), 0)
	msg, err := second.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), msg)
	assert.Equal(t, "tcp://b", second.Destination())
}

// TestReadByIDDrainsAfterTearDown checks that payloads queued before the
// peer's TearDown stay reachable through Channel.Read.
func TestReadByIDDrainsAfterTearDown(t *testing.T) {
	c, _, _ := openTestStream(t)

	c.dispatch(protocol.NewForward(5, []byte("one")), 0)
	c.dispatch(protocol.NewForward(5, []byte("two")), 0)
	c.dispatch(protocol.NewTearDown(5), 0)
	assert.Equal(t, 1, c.ConnectionCount())

	for _, want := range []string{"one", "two"} {
		msg, err := c.Read(5)
		require.NoError(t, err)
		assert.Equal(t, []byte(want), msg)
	}

	_, err := c.Read(5)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, c.ConnectionCount())

	_, err = c.Read(5)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadByIDDrainsAfterReset(t *testing.T) {
	c, _, _ := openTestStream(t)

	c.dispatch(protocol.NewForward(5, []byte("kept")), 0)
	c.ResetConnections("test")

	msg, err := c.Read(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), msg)

	_, err = c.Read(5)
	assert.ErrorIs(t, err, io.EOF)
}

// TestConnectReusesDrainingID checks an id whose peer already tore it down
// can be opened again before its leftovers are read.
func TestConnectReusesDrainingID(t *testing.T) {
	c, old, sent := openTestStream(t)

	c.dispatch(protocol.NewForward(5, []byte("stale")), 0)
	c.dispatch(protocol.NewTearDown(5), 0)

	s, err := c.Connect(5, "tcp://y")
	require.NoError(t, err)
	assert.NotSame(t, old, s)
	_, ok := nextCommand(t, sent).(*protocol.Connect)
	assert.True(t, ok)

	// Draining the old stream must not unregister the new one.
	msg, err := old.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("stale"), msg)
	_, err = old.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)

	got, ok := c.conns.get(5)
	require.True(t, ok)
	assert.Same(t, s, got)
}
