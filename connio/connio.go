// Package connio implements the per-socket I/O jobs described in spec
// §4.6: a reader that decodes fixed-size cells off a TCP connection and
// a writer that drains a bounded channel onto it. Grounded on the
// teacher's link package (link.Link's bufio.Reader-backed cell.Reader/
// cell.Writer pair), stripped of the TLS/VERSIONS/CERTS link handshake —
// spec §2 wire protocol is cleartext TCP — and split into its own
// goroutine pair per spec §4.6/§5 instead of being driven by circuit-level
// read/write calls.
package connio

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/veilrelay/veilrelay/cell"
)

// writeQueueDepth bounds the writer channel; sends past this depth block,
// which is the back-pressure mechanism spec §4.6 calls for.
const writeQueueDepth = 64

// ErrClosed is returned by Send once the connection has been closed.
var ErrClosed = errors.New("connio: connection closed")

// Conn wraps one TCP socket with its reader and writer goroutines.
type Conn struct {
	PeerAddr string

	netConn net.Conn
	reader  *cell.Reader
	writer  *cell.Writer

	writeCh chan cell.Cell

	closeOnce sync.Once
	closed    chan struct{}

	logger *slog.Logger
}

// Dial opens a new TCP connection to addr.
func Dial(addr string, logger *slog.Logger) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return wrap(nc, addr, logger), nil
}

// Accept wraps an already-accepted connection. The peer address is taken
// from the socket's remote address.
func Accept(nc net.Conn, logger *slog.Logger) *Conn {
	return wrap(nc, nc.RemoteAddr().String(), logger)
}

func wrap(nc net.Conn, peerAddr string, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		PeerAddr: peerAddr,
		netConn:  nc,
		reader:   cell.NewReader(bufio.NewReader(nc)),
		writer:   cell.NewWriter(nc),
		writeCh:  make(chan cell.Cell, writeQueueDepth),
		closed:   make(chan struct{}),
		logger:   logger,
	}
}

// OnReceive is called from the reader goroutine for each decoded cell.
type OnReceive func(peerAddr string, c cell.Cell)

// OnDisconnect is called once, from the reader goroutine, when the
// connection is torn down (read error, EOF, or explicit Close).
type OnDisconnect func(peerAddr string, err error)

// Start launches the reader and writer goroutines. It returns
// immediately; the goroutines run until the connection closes.
func (c *Conn) Start(onReceive OnReceive, onDisconnect OnDisconnect) {
	go c.readLoop(onReceive, onDisconnect)
	go c.writeLoop()
}

func (c *Conn) readLoop(onReceive OnReceive, onDisconnect OnDisconnect) {
	for {
		cl, err := c.reader.ReadCell()
		if err != nil {
			c.logger.Debug("connio: read loop exiting", "peer", c.PeerAddr, "error", err)
			_ = c.Close()
			if onDisconnect != nil {
				onDisconnect(c.PeerAddr, err)
			}
			return
		}
		if onReceive != nil {
			onReceive(c.PeerAddr, cl)
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case cl, ok := <-c.writeCh:
			if !ok {
				return
			}
			if err := c.writer.WriteCell(cl); err != nil {
				c.logger.Debug("connio: write failed", "peer", c.PeerAddr, "error", err)
				_ = c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Send queues a cell for transmission. It blocks while the write queue is
// full (spec §4.6 back-pressure) and returns ErrClosed once the
// connection has been closed.
func (c *Conn) Send(cl cell.Cell) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.writeCh <- cl:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// Close tears down the connection and stops both goroutines. Safe to call
// more than once and from either goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.netConn.Close()
	})
	return err
}
