package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// AuthenticateFunc resolves a registration token to a user id.
type AuthenticateFunc func(token string) (string, error)

// RejectedRegistration describes a refused connection attempt.
type RejectedRegistration struct {
	RemoteAddr string
	Code       string
	Err        error
}

// ServerOptions configures the push relay listener.
type ServerOptions struct {
	Authenticate      AuthenticateFunc
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	// ConnectionsPerIP limits new connections per remote IP per second; zero disables the limit.
	ConnectionsPerIP rate.Limit
	ConnectionBurst  int
	// AutoRespondPing defaults to true when nil.
	AutoRespondPing *bool
	// OnRejected observes refused registrations.
	OnRejected func(RejectedRegistration)
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if o.FrameReadTimeout <= 0 {
		o.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if o.ConnectionsPerIP > 0 && o.ConnectionBurst <= 0 {
		o.ConnectionBurst = 5
	}
	return o
}

func (o ServerOptions) autoRespondPingEnabled() bool {
	return o.AutoRespondPing == nil || *o.AutoRespondPing
}

// Server accepts inbound TCP sessions and upgrades them to registered Connections.
type Server struct {
	listener net.Listener
	options  ServerOptions

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	incoming chan *Connection
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and registration accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	if options.Authenticate == nil {
		return nil, errors.New("authenticate func is required")
	}
	opts := options.withDefaults()

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		limiters: make(map[string]*rate.Limiter),
		incoming: make(chan *Connection, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted and registered connections.
func (s *Server) Incoming() <-chan *Connection {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		if !s.allowConnection(conn.RemoteAddr()) {
			s.reject(conn, ErrorMessage{
				Type:      TypeError,
				Code:      "rate_limited",
				Message:   "Too many connection attempts.",
				Timestamp: time.Now().UnixMilli(),
			}, nil)
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		s.reportError(fmt.Errorf("set registration deadline: %w", err))
		return
	}

	payload, err := readControlFrameWithTimeout(conn, s.options.ConnectionTimeout)
	if err != nil {
		s.reportError(fmt.Errorf("read register: %w", err))
		return
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		s.reject(conn, ErrorMessage{
			Type:      TypeError,
			Code:      ErrorCodeBadRequest,
			Message:   "Malformed register frame.",
			Timestamp: time.Now().UnixMilli(),
		}, err)
		return
	}
	if msgType != TypeRegister {
		s.reject(conn, ErrorMessage{
			Type:      TypeError,
			Code:      ErrorCodeBadRequest,
			Message:   fmt.Sprintf("Expected %q, got %q", TypeRegister, msgType),
			Timestamp: time.Now().UnixMilli(),
		}, ErrInvalidMessageType)
		return
	}

	register, err := DecodeInto[RegisterMessage](payload)
	if err != nil {
		s.reportError(err)
		return
	}
	if register.ProtocolVersion != ProtocolVersion {
		s.reject(conn, makeVersionMismatchError(register.ProtocolVersion), ErrUnsupportedVersion)
		return
	}

	userID, err := s.options.Authenticate(register.Token)
	if err != nil || userID == "" {
		if err == nil {
			err = ErrUnauthorized
		}
		s.reject(conn, ErrorMessage{
			Type:      TypeError,
			Code:      ErrorCodeUnauthorized,
			Message:   "Registration token rejected.",
			Timestamp: time.Now().UnixMilli(),
		}, err)
		return
	}

	connectionID := uuid.NewString()
	if err := writeJSONFrame(conn, RegisteredMessage{
		Type:         TypeRegistered,
		UserID:       userID,
		ConnectionID: connectionID,
		Timestamp:    time.Now().UnixMilli(),
	}); err != nil {
		s.reportError(fmt.Errorf("write registered: %w", err))
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear registration deadline: %w", err))
		return
	}

	connection := newConnection(conn, ConnectionOptions{
		UserID:            userID,
		ConnectionID:      connectionID,
		KeepAliveInterval: s.options.KeepAliveInterval,
		KeepAliveTimeout:  s.options.KeepAliveTimeout,
		FrameReadTimeout:  s.options.FrameReadTimeout,
		AutoRespondPing:   s.options.autoRespondPingEnabled(),
	})

	closeConn = false
	select {
	case s.incoming <- connection:
	case <-s.closed:
		_ = connection.Close()
	}
}

func (s *Server) allowConnection(addr net.Addr) bool {
	if s.options.ConnectionsPerIP <= 0 {
		return true
	}

	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	limiter, ok := s.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(s.options.ConnectionsPerIP, s.options.ConnectionBurst)
		s.limiters[host] = limiter
	}
	return limiter.Allow()
}

func (s *Server) reject(conn net.Conn, message ErrorMessage, cause error) {
	_ = writeJSONFrame(conn, message)
	if s.options.OnRejected != nil {
		s.options.OnRejected(RejectedRegistration{
			RemoteAddr: conn.RemoteAddr().String(),
			Code:       message.Code,
			Err:        cause,
		})
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}

func makeVersionMismatchError(got int) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              ErrorCodeUnsupportedVersion,
		Message:           fmt.Sprintf("Protocol version %d is not supported.", got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}
