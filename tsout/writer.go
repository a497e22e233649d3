// Package tsout delivers the multiplexed transport stream to a single
// downstream consumer over TCP or a local stream socket, with all-or-nothing
// write semantics.
package tsout

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/sockopt"
	"github.com/xaionaro-go/xsync"

	"github.com/slbailey/retrovue-air/logger"
)

// PacketSize is the fixed MPEG-TS packet length.
const PacketSize = 188

const (
	// clientSendBufferSize smooths mux bursts so WriteAll rarely blocks.
	clientSendBufferSize = 256 * 1024

	// acceptPollTimeout bounds how long the accept worker blocks before
	// re-checking for stop.
	acceptPollTimeout = 100 * time.Millisecond

	// connectedIdleSleep is the accept worker's pause while a client is
	// already attached.
	connectedIdleSleep = 10 * time.Millisecond
)

// ErrNotConnected is returned by WriteAll when no consumer is attached.
var ErrNotConnected = errors.New("no consumer is connected")

// deadliner is implemented by both net.TCPListener and net.UnixListener.
type deadliner interface {
	SetDeadline(time.Time) error
}

// Config selects the listening endpoint.
type Config struct {
	// Network is "tcp" or "unix".
	Network string

	// Address is a host:port for TCP or a filesystem path for a local socket.
	Address string
}

// Writer accepts at most one consumer at a time and guarantees that every
// successful WriteAll delivered the full buffer. The listener never blocks
// indefinitely; the client socket blocks so back-pressure surfaces as write
// latency rather than partial output.
type Writer struct {
	cfg Config

	locker   xsync.Mutex
	listener net.Listener
	client   net.Conn

	stopChan chan struct{}
	stopOnce sync.Once
	doneChan chan struct{}
	started  bool

	bytesWritten uint64
	disconnects  uint64
}

// New creates a transport writer for the given endpoint.
func New(cfg Config) *Writer {
	return &Writer{
		cfg:      cfg,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

func (w *Writer) String() string {
	return fmt.Sprintf("TSWriter(%s:%s)", w.cfg.Network, w.cfg.Address)
}

// Initialize establishes the listening endpoint. For local sockets a stale
// socket file is removed and the parent directory is created.
func (w *Writer) Initialize(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Initialize(): %s", w)
	defer func() { logger.Debugf(ctx, "/Initialize(): %v", _err) }()
	return xsync.DoA1R1(ctx, &w.locker, w.initialize, ctx)
}

func (w *Writer) initialize(ctx context.Context) error {
	if w.listener != nil {
		return fmt.Errorf("already initialized")
	}

	if w.cfg.Network == "unix" {
		if err := os.MkdirAll(path.Dir(w.cfg.Address), 0o755); err != nil {
			return fmt.Errorf("unable to create the socket directory: %w", err)
		}
		if err := os.Remove(w.cfg.Address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("unable to remove the stale socket file: %w", err)
		}
	}

	listener, err := net.Listen(w.cfg.Network, w.cfg.Address)
	if err != nil {
		return fmt.Errorf("unable to listen on %s:%s: %w", w.cfg.Network, w.cfg.Address, err)
	}
	w.listener = listener
	logger.Infof(ctx, "listening for a consumer on %s:%s", w.cfg.Network, w.cfg.Address)
	return nil
}

// Start spawns the accept worker.
func (w *Writer) Start(ctx context.Context) error {
	if w.Listener() == nil {
		return fmt.Errorf("not initialized")
	}
	w.locker.Do(ctx, func() { w.started = true })
	observability.Go(ctx, func(ctx context.Context) {
		defer close(w.doneChan)
		w.acceptLoop(ctx)
	})
	return nil
}

// Listener returns the current listener (nil before Initialize/after Stop).
func (w *Writer) Listener() net.Listener {
	return xsync.DoR1(context.TODO(), &w.locker, func() net.Listener {
		return w.listener
	})
}

// Addr returns the bound address, useful when the port was chosen by the OS.
func (w *Writer) Addr() net.Addr {
	l := w.Listener()
	if l == nil {
		return nil
	}
	return l.Addr()
}

func (w *Writer) stopRequested(ctx context.Context) bool {
	select {
	case <-w.stopChan:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (w *Writer) acceptLoop(ctx context.Context) {
	logger.Debugf(ctx, "accept worker started: %s", w)
	defer logger.Debugf(ctx, "/accept worker: %s", w)

	for !w.stopRequested(ctx) {
		if w.IsConnected() {
			select {
			case <-time.After(connectedIdleSleep):
			case <-w.stopChan:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		listener := w.Listener()
		if listener == nil {
			return
		}
		if d, ok := listener.(deadliner); ok {
			if err := d.SetDeadline(time.Now().Add(acceptPollTimeout)); err != nil {
				logger.Errorf(ctx, "unable to set the accept deadline: %v", err)
				return
			}
		}

		conn, err := listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Errorf(ctx, "unable to accept a consumer: %v", err)
			continue
		}

		w.attachClient(ctx, conn)
	}
}

func (w *Writer) attachClient(ctx context.Context, conn net.Conn) {
	if err := enlargeSendBuffer(conn, clientSendBufferSize); err != nil {
		logger.Warnf(ctx, "unable to enlarge the send buffer: %v", err)
	}

	w.locker.Do(ctx, func() {
		if w.client != nil {
			logger.Warnf(ctx, "a consumer is already attached, rejecting %s", conn.RemoteAddr())
			conn.Close()
			return
		}
		w.client = conn
		logger.Infof(ctx, "consumer connected: %s", conn.RemoteAddr())
	})
}

func enlargeSendBuffer(conn net.Conn, size int) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("connection does not expose a raw socket")
	}
	rawConn, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("unable to get the raw connection: %w", err)
	}
	var sockoptErr error
	err = rawConn.Control(func(fd uintptr) {
		sockoptErr = sockopt.SetWriteBuffer(int(fd), size)
	})
	if err != nil {
		return err
	}
	return sockoptErr
}

// IsConnected reports whether a consumer is currently attached.
func (w *Writer) IsConnected() bool {
	return xsync.DoR1(context.TODO(), &w.locker, func() bool {
		return w.client != nil
	})
}

// WriteAll delivers the whole buffer to the attached consumer, blocking on
// socket back-pressure. A broken pipe or connection reset detaches the
// consumer and is returned as an error; the next consumer observes a stream
// starting on a packet boundary. WriteAll is meant for a single delivering
// goroutine; concurrent callers may interleave their buffers.
func (w *Writer) WriteAll(ctx context.Context, b []byte) (_err error) {
	defer func() {
		if _err != nil && !errors.Is(_err, ErrNotConnected) {
			logger.Debugf(ctx, "/WriteAll(%d bytes): %v", len(b), _err)
		}
	}()

	// The socket write happens outside the lock: it can block on a stalled
	// consumer for arbitrarily long, and Stop needs the lock to close the
	// socket and unblock it.
	client := xsync.DoR1(ctx, &w.locker, func() net.Conn { return w.client })
	if client == nil {
		return ErrNotConnected
	}

	written := 0
	for written < len(b) {
		n, err := client.Write(b[written:])
		written += n
		if err != nil {
			w.detachClient(ctx, client, err)
			return fmt.Errorf("unable to deliver the stream (after %d/%d bytes): %w", written, len(b), err)
		}
	}
	w.locker.Do(ctx, func() { w.bytesWritten += uint64(written) })
	return nil
}

// detachClient drops conn if it is still the attached consumer. A write that
// failed because Stop already closed the socket is not a disconnect.
func (w *Writer) detachClient(ctx context.Context, conn net.Conn, cause error) {
	detached := xsync.DoR1(ctx, &w.locker, func() bool {
		if w.client != conn {
			return false
		}
		w.client = nil
		w.disconnects++
		return true
	})
	conn.Close()
	if detached {
		logger.Warnf(ctx, "consumer disconnected: %v", cause)
	}
}

// WriteNullPacket emits one well-formed null transport packet, used to pad
// the stream to a packet boundary at shutdown.
func (w *Writer) WriteNullPacket(ctx context.Context) error {
	var pkt [PacketSize]byte
	pkt[0] = 0x47
	pkt[1] = 0x1F
	pkt[2] = 0xFF
	pkt[3] = 0x10
	return w.WriteAll(ctx, pkt[:])
}

// Stats returns cumulative delivery counters.
func (w *Writer) Stats() (bytesWritten, disconnects uint64) {
	return xsync.DoR2(context.TODO(), &w.locker, func() (uint64, uint64) {
		return w.bytesWritten, w.disconnects
	})
}

// Stop closes the client, then the listener, then removes the socket file.
func (w *Writer) Stop(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Stop(): %s", w)
	defer func() { logger.Debugf(ctx, "/Stop(): %v", _err) }()

	w.stopOnce.Do(func() {
		close(w.stopChan)
	})

	var errs []error
	started := false
	w.locker.Do(ctx, func() {
		started = w.started
		if w.client != nil {
			if err := w.client.Close(); err != nil {
				errs = append(errs, fmt.Errorf("unable to close the client: %w", err))
			}
			w.client = nil
		}
		if w.listener != nil {
			if err := w.listener.Close(); err != nil {
				errs = append(errs, fmt.Errorf("unable to close the listener: %w", err))
			}
			w.listener = nil
		}
	})

	if started {
		select {
		case <-w.doneChan:
		case <-ctx.Done():
		}
	}

	if w.cfg.Network == "unix" {
		if err := os.Remove(w.cfg.Address); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("unable to remove the socket file: %w", err))
		}
	}
	return errors.Join(errs...)
}
