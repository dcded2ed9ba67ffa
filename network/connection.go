package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPongTimeout is the close error of a connection whose peer stopped answering pings.
var ErrPongTimeout = errors.New("network: pong timeout")

// ConnectionState is the lifecycle of one registered push connection.
type ConnectionState int32

const (
	StateOpen ConnectionState = iota
	StateClosing
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

const inboundBuffer = 64

// ConnectionOptions configures a Connection once registration succeeded.
type ConnectionOptions struct {
	// UserID is the identity proven by the register frame.
	UserID string
	// ConnectionID tells apart several tabs or devices of one user.
	ConnectionID      string
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   bool
}

// Connection carries JSON frames for one user after the register exchange.
// Ping and pong are handled internally; everything else is surfaced through
// ReceiveMessage in arrival order.
type Connection struct {
	conn    net.Conn
	options ConnectionOptions

	writeMu sync.Mutex
	state   atomic.Int32
	// lastSeen and pongDue are unix nanos; pongDue is zero unless a ping is outstanding.
	lastSeen atomic.Int64
	pongDue  atomic.Int64

	inbound chan []byte
	done    chan struct{}
	once    sync.Once
	err     atomic.Pointer[error]
}

func newConnection(conn net.Conn, options ConnectionOptions) *Connection {
	if options.KeepAliveInterval <= 0 {
		options.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if options.KeepAliveTimeout <= 0 {
		options.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if options.FrameReadTimeout <= 0 {
		options.FrameReadTimeout = DefaultFrameReadTimeout
	}

	c := &Connection{
		conn:    conn,
		options: options,
		inbound: make(chan []byte, inboundBuffer),
		done:    make(chan struct{}),
	}
	c.markSeen()
	go c.readFrames()
	go c.heartbeat()
	return c
}

// State reports where the connection is in its lifecycle.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Done is closed once the socket is gone.
func (c *Connection) Done() <-chan struct{} { return c.done }

// LastError is nil for a graceful close.
func (c *Connection) LastError() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *Connection) UserID() string { return c.options.UserID }

func (c *Connection) ID() string { return c.options.ConnectionID }

func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SendMessage encodes message as JSON and writes it as one frame.
func (c *Connection) SendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendRaw writes payload as one frame. A failed write tears the connection down.
func (c *Connection) SendRaw(payload []byte) error {
	if c.State() == StateDisconnected {
		return c.closedErr()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(c.conn, payload); err != nil {
		c.shutdown(fmt.Errorf("write frame: %w", err))
		return err
	}
	c.markSeen()
	return nil
}

// ReceiveMessage returns the next application frame.
func (c *Connection) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.inbound:
		return payload, nil
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect tells the peer the session is over, then closes.
func (c *Connection) Disconnect() error {
	c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
	_ = c.SendMessage(DisconnectMessage{Type: TypeDisconnect, Timestamp: time.Now().UnixMilli()})
	return c.Close()
}

// Close drops the socket without notifying the peer.
func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Connection) readFrames() {
	for {
		payload, err := ReadFrameWithTimeout(c.conn, c.options.FrameReadTimeout)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				if c.State() == StateDisconnected {
					return
				}
				continue
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				c.shutdown(nil)
			default:
				c.shutdown(fmt.Errorf("read frame: %w", err))
			}
			return
		}

		c.markSeen()
		if len(payload) == 0 {
			continue
		}

		// Frames without a readable type still go to the consumer, which
		// owns the decision about malformed input.
		msgType, _ := DecodeMessageType(payload)
		switch msgType {
		case TypePing:
			if c.options.AutoRespondPing {
				_ = c.SendMessage(PongMessage{Type: TypePong, Timestamp: time.Now().UnixMilli()})
			}
			continue
		case TypePong:
			c.pongDue.Store(0)
			continue
		case TypeDisconnect:
			c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
			c.shutdown(nil)
			return
		}

		select {
		case c.inbound <- payload:
		case <-c.done:
			return
		}
	}
}

func (c *Connection) heartbeat() {
	tick := c.options.KeepAliveInterval / 2
	if tick <= 0 {
		tick = c.options.KeepAliveInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if due := c.pongDue.Load(); due != 0 {
				if now.UnixNano() > due {
					c.shutdown(ErrPongTimeout)
					return
				}
				continue
			}
			if now.Sub(time.Unix(0, c.lastSeen.Load())) < c.options.KeepAliveInterval {
				continue
			}
			if err := c.SendMessage(PingMessage{Type: TypePing, Timestamp: now.UnixMilli()}); err != nil {
				return
			}
			c.pongDue.Store(now.Add(c.options.KeepAliveTimeout).UnixNano())
		}
	}
}

func (c *Connection) markSeen() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Connection) closedErr() error {
	if err := c.LastError(); err != nil {
		return err
	}
	return io.EOF
}

func (c *Connection) shutdown(err error) {
	c.once.Do(func() {
		if err != nil {
			c.err.Store(&err)
		}
		c.state.Store(int32(StateDisconnected))
		_ = c.conn.Close()
		close(c.done)
	})
}
