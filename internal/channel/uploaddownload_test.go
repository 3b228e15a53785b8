package channel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/filetunnel/internal/fileaccess"
	"github.com/1ureka/filetunnel/internal/protocol"
)

// countingBackend counts writes passed to the wrapped backend.
type countingBackend struct {
	fileaccess.FileAccess
	writes atomic.Int32
}

func (c *countingBackend) WriteAllBytes(ctx context.Context, name string, data []byte) error {
	c.writes.Add(1)
	return c.FileAccess.WriteAllBytes(ctx, name, data)
}

func gone(t *testing.T, fa fileaccess.FileAccess, name string) func() bool {
	return func() bool {
		ok, err := fa.Exists(context.Background(), name)
		require.NoError(t, err)
		return !ok
	}
}

// TestUploadDownloadSuppressesDuplicates delivers the same object twice and
// expects a single dispatch.
func TestUploadDownloadSuppressesDuplicates(t *testing.T) {
	ctx := context.Background()
	mem := fileaccess.NewMemory()
	b := NewUploadDownload(testOptions("b"), mem, "b2a.cmd", "a2b.cmd")
	acc := newAcceptor(b)
	runChannel(t, b)

	data, err := protocol.Marshal(protocol.NewConnect(7, "tcp://host:80"))
	require.NoError(t, err)

	for range 2 {
		require.NoError(t, mem.WriteAllBytes(ctx, "a2b.cmd", data))
		require.Eventually(t, gone(t, mem, "a2b.cmd"), 2*time.Second, 5*time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, acc.count())
}

// TestUploadDownloadLeavesPartialObject checks that an object still being
// uploaded is neither dispatched nor deleted.
func TestUploadDownloadLeavesPartialObject(t *testing.T) {
	ctx := context.Background()
	mem := fileaccess.NewMemory()
	b := NewUploadDownload(testOptions("b"), mem, "b2a.cmd", "a2b.cmd")
	acc := newAcceptor(b)
	runChannel(t, b)

	data, err := protocol.Marshal(protocol.NewConnect(3, "udp://host:53"))
	require.NoError(t, err)

	require.NoError(t, mem.WriteAllBytes(ctx, "a2b.cmd", data[:len(data)/2]))
	time.Sleep(100 * time.Millisecond)

	ok, err := mem.Exists(ctx, "a2b.cmd")
	require.NoError(t, err)
	assert.True(t, ok, "partial object was deleted")
	assert.Equal(t, 0, acc.count())

	require.NoError(t, mem.WriteAllBytes(ctx, "a2b.cmd", data))
	require.Eventually(t, gone(t, mem, "a2b.cmd"), 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "udp://host:53", acc.next(t).Destination())
}

// TestUploadDownloadRewritesUnacknowledged expects the same bytes to be
// written again after the grace period and a timeout once the full tunnel
// timeout passes.
func TestUploadDownloadRewritesUnacknowledged(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{FileAccess: fileaccess.NewMemory()}

	opts := testOptions("a")
	opts.Timeout = 300 * time.Millisecond
	opts.RewriteGrace = 0.3
	u := NewUploadDownload(opts, backend, "a2b.cmd", "b2a.cmd").pumps.(*uploadDownload)

	cmd := protocol.NewTearDown(4)
	frame, err := protocol.Marshal(cmd)
	require.NoError(t, err)

	err = u.deliver(ctx, cmd, frame)
	assert.ErrorIs(t, err, ErrChannelTimeout)
	assert.GreaterOrEqual(t, backend.writes.Load(), int32(3))

	stored, err := backend.ReadAllBytes(ctx, "a2b.cmd")
	require.NoError(t, err)
	assert.Equal(t, frame, stored)
}

func TestUploadDownloadDeliverAcknowledged(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{FileAccess: fileaccess.NewMemory()}
	u := NewUploadDownload(testOptions("a"), backend, "a2b.cmd", "b2a.cmd").pumps.(*uploadDownload)

	cmd := protocol.NewPurge()
	frame, err := protocol.Marshal(cmd)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		backend.Delete(ctx, "a2b.cmd")
	}()

	require.NoError(t, u.deliver(ctx, cmd, frame))
	assert.Equal(t, int32(1), backend.writes.Load())
}

func TestIdentitySetEvictsOldest(t *testing.T) {
	s := newIdentitySet(2)
	id := func(n uint64) protocol.Identity { return protocol.Identity{PacketNumber: n, CRC: uint32(n)} }

	assert.True(t, s.add(id(1)))
	assert.True(t, s.add(id(2)))
	assert.False(t, s.add(id(1)))
	assert.True(t, s.add(id(3))) // evicts 1
	assert.True(t, s.add(id(1)))
	assert.False(t, s.add(id(3)))

	// Same packet number, different CRC: a different frame.
	assert.True(t, s.add(protocol.Identity{PacketNumber: 3, CRC: 99}))
}

// TestReceivePumpGivesUpOnSilentPeer checks that the object-based receive
// pumps fail with ErrChannelTimeout when nothing appears for the tunnel
// timeout.
func TestReceivePumpGivesUpOnSilentPeer(t *testing.T) {
	opts := testOptions("silent")
	opts.Timeout = 60 * time.Millisecond

	testCases := []struct {
		name string
		pump func(ctx context.Context) error
	}{
		{"UploadDownload", NewUploadDownload(opts, fileaccess.NewMemory(), "w", "r").pumps.(*uploadDownload).receivePump},
		{"WriteWait", NewWriteWait(opts, fileaccess.NewMemory(), "w", "r").pumps.(*writeWait).receivePump},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			start := time.Now()
			err := tc.pump(ctx)
			assert.ErrorIs(t, err, ErrChannelTimeout)
			assert.GreaterOrEqual(t, time.Since(start), opts.Timeout)
			assert.NoError(t, ctx.Err())
		})
	}
}
