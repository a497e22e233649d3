package tsout

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTCPWriter(t *testing.T) *Writer {
	t.Helper()
	ctx := context.Background()
	w := New(Config{Network: "tcp", Address: "127.0.0.1:0"})
	require.NoError(t, w.Initialize(ctx))
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop(ctx) })
	return w
}

func dialAndWait(t *testing.T, w *Writer) net.Conn {
	t.Helper()
	conn, err := net.Dial(w.Addr().Network(), w.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, w.IsConnected, time.Second, time.Millisecond)
	return conn
}

func TestWriteWithoutConsumer(t *testing.T) {
	ctx := context.Background()
	w := newTCPWriter(t)
	require.False(t, w.IsConnected())
	require.ErrorIs(t, w.WriteAll(ctx, make([]byte, PacketSize)), ErrNotConnected)
}

func TestDeliversEverythingInOrder(t *testing.T) {
	ctx := context.Background()
	w := newTCPWriter(t)
	conn := dialAndWait(t, w)

	received := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(conn)
		received <- b
	}()

	var want []byte
	for i := 0; i < 100; i++ {
		buf := make([]byte, PacketSize)
		buf[0] = 0x47
		for j := 1; j < PacketSize; j++ {
			buf[j] = byte(i)
		}
		want = append(want, buf...)
		require.NoError(t, w.WriteAll(ctx, buf))
	}

	bytesWritten, disconnects := w.Stats()
	require.Equal(t, uint64(len(want)), bytesWritten)
	require.Zero(t, disconnects)

	require.NoError(t, w.Stop(ctx))

	select {
	case got := <-received:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("the consumer never saw the stream end")
	}
}

func TestNullPacketShape(t *testing.T) {
	ctx := context.Background()
	w := newTCPWriter(t)
	conn := dialAndWait(t, w)

	require.NoError(t, w.WriteNullPacket(ctx))

	pkt := make([]byte, PacketSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := io.ReadFull(conn, pkt)
	require.NoError(t, err)

	require.Equal(t, []byte{0x47, 0x1F, 0xFF, 0x10}, pkt[:4])
	for i := 4; i < PacketSize; i++ {
		require.Zero(t, pkt[i], "byte %d", i)
	}
}

func TestSecondConsumerIsRejected(t *testing.T) {
	w := newTCPWriter(t)
	dialAndWait(t, w)

	second, err := net.Dial(w.Addr().Network(), w.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	// The writer accepts and immediately closes the extra connection.
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = second.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	require.True(t, w.IsConnected())
}

func TestDisconnectDetachesConsumer(t *testing.T) {
	ctx := context.Background()
	w := newTCPWriter(t)
	conn := dialAndWait(t, w)

	require.NoError(t, conn.Close())

	// The write may need a few attempts before the peer's reset surfaces.
	require.Eventually(t, func() bool {
		return w.WriteAll(ctx, make([]byte, PacketSize)) != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, disconnects := w.Stats()
		return disconnects >= 1
	}, time.Second, time.Millisecond)

	// A replacement consumer can attach.
	dialAndWait(t, w)
}

func TestStopUnblocksAStalledWrite(t *testing.T) {
	ctx := context.Background()
	w := newTCPWriter(t)
	// The consumer attaches but never reads, so the socket buffers fill up
	// and a write eventually blocks in the kernel.
	dialAndWait(t, w)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		buf := make([]byte, 1<<20)
		for w.WriteAll(ctx, buf) == nil {
		}
	}()
	time.Sleep(200 * time.Millisecond)

	// Control-plane queries must not block behind the stalled write.
	w.IsConnected()
	_, _ = w.Stats()

	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		_ = w.Stop(ctx)
	}()
	select {
	case <-stopDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while a write was blocked on a full socket")
	}
	select {
	case <-writeDone:
	case <-time.After(3 * time.Second):
		t.Fatal("the blocked write never returned after Stop")
	}
}

func TestUnixSocketLifecycle(t *testing.T) {
	ctx := context.Background()
	sockPath := filepath.Join(t.TempDir(), "out", "ch1.sock")

	w := New(Config{Network: "unix", Address: sockPath})
	require.NoError(t, w.Initialize(ctx))
	require.NoError(t, w.Start(ctx))

	_, err := os.Stat(sockPath)
	require.NoError(t, err)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, w.IsConnected, time.Second, time.Millisecond)

	require.NoError(t, w.WriteNullPacket(ctx))
	pkt := make([]byte, PacketSize)
	_, err = io.ReadFull(conn, pkt)
	require.NoError(t, err)
	require.Equal(t, byte(0x47), pkt[0])

	require.NoError(t, w.Stop(ctx))
	_, err = os.Stat(sockPath)
	require.True(t, os.IsNotExist(err))
}

func TestStaleSocketFileIsReplaced(t *testing.T) {
	ctx := context.Background()
	sockPath := filepath.Join(t.TempDir(), "ch1.sock")
	require.NoError(t, os.WriteFile(sockPath, []byte("stale"), 0o644))

	w := New(Config{Network: "unix", Address: sockPath})
	require.NoError(t, w.Initialize(ctx))
	require.NoError(t, w.Stop(ctx))
}

func TestInitializeTwiceFails(t *testing.T) {
	ctx := context.Background()
	w := New(Config{Network: "tcp", Address: "127.0.0.1:0"})
	require.NoError(t, w.Initialize(ctx))
	defer w.Stop(ctx)
	require.Error(t, w.Initialize(ctx))
}

func TestStartWithoutInitializeFails(t *testing.T) {
	w := New(Config{Network: "tcp", Address: "127.0.0.1:0"})
	require.Error(t, w.Start(context.Background()))
}
