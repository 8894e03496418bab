package network

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ReadHandler receives inbound bytes from a Transport. HandleRead must copy
// anything it keeps; returning false asks the transport to stop reading.
type ReadHandler interface {
	HandleRead(data []byte) bool
	HandleReadError(err error)
}

// Transport is the byte pipe under a WorldConnection.
type Transport interface {
	AsyncRead(h ReadHandler)
	AsyncWrite(data []byte) error
	Close() error
	RemoteAddr() string
}

const readBufferSize = 4096

// TCPTransport adapts a net.Conn. Reads run on one goroutine, writes are
// queued and drained by another; Close flushes the queue before the socket
// is closed.
type TCPTransport struct {
	conn         net.Conn
	queue        chan []byte
	closing      chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       zerolog.Logger
}

// NewTCPTransport wraps conn and starts its writer.
func NewTCPTransport(conn net.Conn, queueSize int, writeTimeout time.Duration) *TCPTransport {
	if queueSize <= 0 {
		queueSize = 256
	}
	t := &TCPTransport{
		conn:         conn,
		queue:        make(chan []byte, queueSize),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       log.With().Str("component", "transport").Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	go t.writeLoop()
	return t
}

// AsyncRead starts the read goroutine.
func (t *TCPTransport) AsyncRead(h ReadHandler) {
	go func() {
		buf := make([]byte, readBufferSize)
		for {
			n, err := t.conn.Read(buf)
			if n > 0 && !h.HandleRead(buf[:n]) {
				t.Close()
				return
			}
			if err != nil {
				h.HandleReadError(err)
				t.Close()
				return
			}
		}
	}()
}

// AsyncWrite queues data without blocking.
func (t *TCPTransport) AsyncWrite(data []byte) error {
	select {
	case <-t.closing:
		return ErrTransportClosed
	default:
	}
	select {
	case t.queue <- data:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// Close stops accepting writes. Queued data is still flushed.
func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closing) })
	return nil
}

// Done is closed once the socket itself is closed.
func (t *TCPTransport) Done() <-chan struct{} {
	return t.done
}

// RemoteAddr returns the peer address.
func (t *TCPTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *TCPTransport) writeLoop() {
	defer close(t.done)
	defer t.conn.Close()

	failed := false
	write := func(data []byte) {
		if failed {
			return
		}
		if t.writeTimeout > 0 {
			t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		}
		if _, err := t.conn.Write(data); err != nil {
			t.logger.Debug().Err(err).Msg("write failed")
			failed = true
			t.Close()
		}
	}

	for {
		select {
		case data := <-t.queue:
			write(data)
		case <-t.closing:
			for {
				select {
				case data := <-t.queue:
					write(data)
				default:
					return
				}
			}
		}
	}
}
