// Package server manages individual relay connections: the handshake, the
// read and write pumps, and the lifecycle that ties a socket to a room.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/signal-relay/internal/protocol"
	"github.com/Tyrowin/signal-relay/internal/relay"
)

// connState is a connection's position in its life cycle. States only move
// forward: accepted, handshaking, open, closed.
type connState int32

const (
	stateAccepted connState = iota
	stateHandshaking
	stateOpen
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateHandshaking:
		return "handshaking"
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const readChunkSize = 4096

var (
	pingFrame      = protocol.EncodeFrame(protocol.OpPing, nil)
	goingAwayFrame = protocol.EncodeFrame(protocol.OpClose, []byte{0x03, 0xE9}) // 1001
)

// conn is one peer's session. The read pump goroutine owns the receive
// buffer, the handshake and the state transitions; the write pump owns
// socket writes once the connection is open. Other goroutines only call Send
// and close.
type conn struct {
	srv     *Server
	netConn net.Conn
	handle  int
	session string
	logger  *slog.Logger

	state atomic.Int32
	room  string

	decoder *protocol.Decoder

	// Fragmented message being reassembled.
	message    []byte
	messageOp  protocol.Opcode
	assembling bool

	send          chan []byte
	done          chan struct{}
	writerDone    chan struct{}
	writerStarted bool

	closeOnce sync.Once
	cause     error
	graceful  bool
}

func newConn(srv *Server, nc net.Conn) *conn {
	session := uuid.NewString()
	return &conn{
		srv:        srv,
		netConn:    nc,
		handle:     -1,
		session:    session,
		logger:     srv.logger.With("session", session, "remote", nc.RemoteAddr().String()),
		decoder:    protocol.NewDecoder(srv.cfg.MaxBufferSize, srv.cfg.MaxMessageSize),
		send:       make(chan []byte, srv.cfg.SendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ID identifies the connection in logs.
func (c *conn) ID() string {
	return c.session
}

func (c *conn) currentState() connState {
	return connState(c.state.Load())
}

func (c *conn) setState(s connState) connState {
	return connState(c.state.Swap(int32(s)))
}

// Send queues a frame for the write pump without blocking. A full queue
// means the peer is not keeping up; it is disconnected and the frame is
// dropped.
func (c *conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", ErrTransport)
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		err := fmt.Errorf("%w: send queue of %d frames is full", ErrCapacity, cap(c.send))
		c.close(err, false)
		return err
	}
}

// close ends the connection; only the first call has an effect. A graceful
// close of an open connection lets the write pump flush queued frames before
// it closes the socket. Anything else closes the socket at once, which also
// unblocks the read pump.
func (c *conn) close(cause error, graceful bool) {
	c.closeOnce.Do(func() {
		c.cause = cause
		c.graceful = graceful && c.currentState() == stateOpen
		close(c.done)
		if !c.graceful {
			_ = c.netConn.Close()
		}
	})
}

// goAway starts a server-initiated close.
func (c *conn) goAway() {
	if c.currentState() == stateOpen {
		_ = c.Send(goingAwayFrame)
	}
	c.close(errShutdown, true)
}

// serve runs the read pump and then tears the connection down.
func (c *conn) serve() {
	c.logger.Debug("connection accepted", "handle", c.handle)

	err := c.readPump()
	c.close(err, errors.Is(err, errPeerClosed))
	c.finish()
}

func (c *conn) finish() {
	if c.setState(stateClosed) == stateOpen {
		c.srv.registry.Depart(c.room, c)
	}
	if c.writerStarted {
		<-c.writerDone
	}
	_ = c.netConn.Close()
	c.srv.slots.release(c.handle, c)

	switch {
	case errors.Is(c.cause, ErrProtocol), errors.Is(c.cause, ErrCapacity):
		c.logger.Warn("connection closed", "error", c.cause)
	case c.cause == nil, errors.Is(c.cause, errPeerClosed), errors.Is(c.cause, errShutdown), isExpectedCloseError(c.cause):
		c.logger.Info("connection closed", "reason", c.cause)
	default:
		c.logger.Info("connection closed", "error", c.cause)
	}
}

func (c *conn) readPump() error {
	c.setState(stateHandshaking)
	if err := c.netConn.SetReadDeadline(time.Now().Add(c.srv.cfg.HandshakeTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	chunk := make([]byte, readChunkSize)
	for {
		space := min(len(chunk), c.decoder.Available())
		if space == 0 {
			return fmt.Errorf("%w: receive buffer full", ErrCapacity)
		}

		n, err := c.netConn.Read(chunk[:space])
		if n > 0 {
			if ferr := c.decoder.Feed(chunk[:n]); ferr != nil {
				return fmt.Errorf("%w: %w", ErrCapacity, ferr)
			}
			if perr := c.process(); perr != nil {
				return perr
			}
			if c.currentState() == stateOpen {
				if derr := c.netConn.SetReadDeadline(time.Now().Add(c.srv.cfg.PongWait)); derr != nil {
					return fmt.Errorf("%w: %w", ErrTransport, derr)
				}
			}
		}
		if err != nil {
			return c.readError(err)
		}
	}
}

func (c *conn) readError(err error) error {
	if isTimeout(err) && c.currentState() == stateHandshaking {
		return fmt.Errorf("%w: handshake not completed within %s", ErrProtocol, c.srv.cfg.HandshakeTimeout)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// process consumes whatever the receive buffer holds: the handshake first,
// then as many complete frames as are available.
func (c *conn) process() error {
	if c.currentState() == stateHandshaking {
		opened, err := c.handshake()
		if err != nil || !opened {
			return err
		}
	}

	for {
		f, ok, err := c.decoder.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := c.handleFrame(f); err != nil {
			return err
		}
	}
}

// handshake answers the upgrade request once it has fully arrived and moves
// the connection into its room.
func (c *conn) handshake() (bool, error) {
	cfg := c.srv.cfg

	hs, n, err := protocol.ParseHandshake(c.decoder.Bytes(), cfg.MaxRoomIDLength)
	if errors.Is(err, protocol.ErrIncomplete) {
		return false, nil
	}
	if err != nil {
		c.reject(http.StatusBadRequest)
		return false, err
	}
	if !c.srv.origins.allows(hs.Origin) {
		c.reject(http.StatusForbidden)
		return false, fmt.Errorf("%w: origin %q not allowed", ErrProtocol, hs.Origin)
	}
	if cfg.RequireRoom && !hs.HasRoom {
		c.reject(http.StatusBadRequest)
		return false, fmt.Errorf("%w: missing %s parameter", ErrProtocol, protocol.RoomParam)
	}
	c.decoder.Discard(n)

	if err := c.writeDirect(hs.Response()); err != nil {
		return false, err
	}

	c.room = hs.Room
	c.logger = c.logger.With("room", c.room)
	c.writerStarted = true
	go c.writePump()

	c.setState(stateOpen)
	count := c.srv.registry.Enter(c.room, c)
	c.logger.Info("connection open", "target", hs.Target, "members", count)
	return true, nil
}

// reject writes a best-effort HTTP error before the connection is dropped.
func (c *conn) reject(status int) {
	_ = c.writeDirect(protocol.RejectResponse(status))
}

// writeDirect writes to the socket from the read pump. It is only used
// before the write pump starts.
func (c *conn) writeDirect(b []byte) error {
	if err := c.netConn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if _, err := c.netConn.Write(b); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (c *conn) handleFrame(f protocol.Frame) error {
	switch f.Opcode {
	case protocol.OpClose:
		_ = c.Send(protocol.EncodeFrame(protocol.OpClose, closeStatus(f.Payload)))
		return errPeerClosed

	case protocol.OpPing:
		_ = c.Send(protocol.EncodeFrame(protocol.OpPong, f.Payload))
		return nil

	case protocol.OpPong:
		return nil

	case protocol.OpContinuation:
		if !c.assembling {
			return fmt.Errorf("%w: continuation frame outside a fragmented message", ErrProtocol)
		}
		if len(c.message)+len(f.Payload) > c.srv.cfg.MaxMessageSize {
			return fmt.Errorf("%w: fragmented message exceeds %d bytes", ErrProtocol, c.srv.cfg.MaxMessageSize)
		}
		c.message = append(c.message, f.Payload...)
		if f.Fin {
			op, msg := c.messageOp, c.message
			c.message, c.assembling = nil, false
			c.forward(op, msg)
		}
		return nil

	default:
		if c.assembling {
			return fmt.Errorf("%w: %s frame inside a fragmented message", ErrProtocol, f.Opcode)
		}
		if f.Fin {
			c.forward(f.Opcode, f.Payload)
			return nil
		}
		c.message, c.messageOp, c.assembling = f.Payload, f.Opcode, true
		return nil
	}
}

// forward relays one complete message to the rest of the room, re-framed
// unmasked with its original opcode.
func (c *conn) forward(op protocol.Opcode, payload []byte) {
	if c.srv.cfg.ValidateJSON && op == protocol.OpText {
		if err := relay.CheckObject(payload); err != nil {
			c.logger.Debug("message dropped", "error", fmt.Errorf("%w: %w", ErrPayload, err))
			return
		}
	}

	delivered := c.srv.registry.Broadcast(c.room, c, protocol.EncodeFrame(op, payload))
	c.logger.Debug("message relayed", "opcode", op.String(), "bytes", len(payload), "recipients", delivered)
}

// closeStatus returns the status code to echo in a close reply.
func closeStatus(payload []byte) []byte {
	if len(payload) < 2 {
		return nil
	}
	return payload[:2]
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.netConn.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.close(err, false)
				return
			}
		case <-ticker.C:
			if err := c.write(pingFrame); err != nil {
				c.close(err, false)
				return
			}
		case <-c.done:
			if c.graceful {
				c.flush()
			}
			return
		}
	}
}

func (c *conn) write(frame []byte) error {
	if err := c.netConn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if _, err := c.netConn.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// flush writes out whatever is still queued, all within one write timeout.
func (c *conn) flush() {
	if err := c.netConn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout)); err != nil {
		return
	}
	for {
		select {
		case frame := <-c.send:
			if _, err := c.netConn.Write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
