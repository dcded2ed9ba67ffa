package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dmsync/models"
	"dmsync/network"
	"dmsync/syncengine"
)

const defaultSendTimeout = 10 * time.Second

// ResolveFunc finds the relay push address, e.g. via LAN discovery.
type ResolveFunc func(ctx context.Context) (string, error)

// PushOptions configures a PushDialer.
type PushOptions struct {
	Address string
	// Resolve is consulted when Address is empty.
	Resolve    ResolveFunc
	Token      string
	InstanceID string

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	SendTimeout       time.Duration

	Logger *zap.Logger
}

func (o PushOptions) withDefaults() PushOptions {
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// PushDialer opens registered push streams to the relay.
type PushDialer struct {
	options PushOptions
}

// NewPushDialer returns a dialer.
func NewPushDialer(options PushOptions) (*PushDialer, error) {
	options = options.withDefaults()
	if options.Token == "" {
		return nil, errors.New("push token is required")
	}
	if options.Address == "" && options.Resolve == nil {
		return nil, errors.New("push address or resolver is required")
	}
	return &PushDialer{options: options}, nil
}

// Open dials, registers and starts reading frames.
func (d *PushDialer) Open(ctx context.Context) (syncengine.PushStream, error) {
	address := d.options.Address
	if address == "" {
		resolved, err := d.options.Resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve relay address: %w", err)
		}
		address = resolved
	}

	conn, err := network.Dial(ctx, address, network.DialOptions{
		Token:             d.options.Token,
		InstanceID:        d.options.InstanceID,
		ConnectionTimeout: d.options.ConnectionTimeout,
		KeepAliveInterval: d.options.KeepAliveInterval,
		KeepAliveTimeout:  d.options.KeepAliveTimeout,
	})
	if err != nil {
		return nil, err
	}

	stream := &pushStream{
		conn:        conn,
		messages:    make(chan models.Message, 64),
		waiters:     make(map[string]chan sendResult),
		done:        make(chan struct{}),
		sendTimeout: d.options.SendTimeout,
		logger: d.options.Logger.With(
			zap.String("connection_id", conn.ID()),
			zap.String("relay", address),
		),
	}
	go stream.readLoop()
	stream.logger.Info("push stream registered", zap.String("user_id", conn.UserID()))
	return stream, nil
}

type sendResult struct {
	message models.Message
	err     error
}

type pushStream struct {
	conn        *network.Connection
	messages    chan models.Message
	sendTimeout time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	waiters map[string]chan sendResult

	finishOnce sync.Once
	done       chan struct{}
	err        error
}

func (s *pushStream) Messages() <-chan models.Message { return s.messages }

func (s *pushStream) Done() <-chan struct{} { return s.done }

func (s *pushStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *pushStream) Close() error {
	return s.conn.Disconnect()
}

func (s *pushStream) Send(ctx context.Context, message models.Message) (models.Message, error) {
	if message.ClientID == "" {
		return models.Message{}, errors.New("client id is required")
	}

	waiter := make(chan sendResult, 1)
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return models.Message{}, syncengine.ErrPushUnavailable
	default:
	}
	s.waiters[message.ClientID] = waiter
	s.mu.Unlock()
	defer s.dropWaiter(message.ClientID, waiter)

	if err := s.conn.SendMessage(network.SendMessage{
		Type:       network.TypeSend,
		ClientID:   message.ClientID,
		ReceiverID: message.ReceiverID,
		Content:    message.Content,
		CreatedAt:  message.CreatedAt,
	}); err != nil {
		return models.Message{}, fmt.Errorf("write send frame: %w", err)
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case result := <-waiter:
		return result.message, result.err
	case <-s.done:
		return models.Message{}, syncengine.ErrPushUnavailable
	case <-timer.C:
		return models.Message{}, fmt.Errorf("send %s: no acknowledgement within %s", message.ClientID, s.sendTimeout)
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	}
}

func (s *pushStream) dropWaiter(clientID string, waiter chan sendResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.waiters[clientID]; ok && current == waiter {
		delete(s.waiters, clientID)
	}
}

func (s *pushStream) resolveWaiter(clientID string, result sendResult) {
	s.mu.Lock()
	waiter, ok := s.waiters[clientID]
	if ok {
		delete(s.waiters, clientID)
	}
	s.mu.Unlock()
	if ok {
		waiter <- result
	}
}

func (s *pushStream) readLoop() {
	for {
		payload, err := s.conn.ReceiveMessage(context.Background())
		if err != nil {
			s.finish(err)
			return
		}

		msgType, err := network.DecodeMessageType(payload)
		if err != nil {
			s.logger.Warn("drop undecodable frame", zap.Error(err))
			continue
		}

		switch msgType {
		case network.TypeMessage:
			delivery, err := network.DecodeInto[network.MessageDelivery](payload)
			if err != nil {
				s.logger.Warn("drop malformed message frame", zap.Error(err))
				continue
			}
			select {
			case s.messages <- delivery.Message:
			case <-s.conn.Done():
				s.finish(s.conn.LastError())
				return
			}
		case network.TypeSendAck:
			ack, err := network.DecodeInto[network.SendAck](payload)
			if err != nil {
				s.logger.Warn("drop malformed ack frame", zap.Error(err))
				continue
			}
			s.resolveWaiter(ack.ClientID, sendResult{message: ack.Message})
		case network.TypeSendError:
			sendErr, err := network.DecodeInto[network.SendError](payload)
			if err != nil {
				s.logger.Warn("drop malformed send error frame", zap.Error(err))
				continue
			}
			s.resolveWaiter(sendErr.ClientID, sendResult{err: sendError(sendErr)})
		case network.TypeError:
			remote, err := network.DecodeInto[network.ErrorMessage](payload)
			if err == nil {
				s.logger.Warn("relay reported error", zap.String("code", remote.Code), zap.String("message", remote.Message))
			}
		default:
			s.logger.Debug("ignore frame", zap.String("type", msgType))
		}
	}
}

func sendError(frame network.SendError) error {
	remote := &network.RemoteError{Code: frame.Code, Message: frame.Message}
	switch frame.Code {
	case network.ErrorCodeRejected, network.ErrorCodeBadRequest:
		return fmt.Errorf("%w: %v", syncengine.ErrSendRejected, remote)
	default:
		return remote
	}
}

func (s *pushStream) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		waiters := s.waiters
		s.waiters = make(map[string]chan sendResult)
		close(s.done)
		s.mu.Unlock()

		for _, waiter := range waiters {
			waiter <- sendResult{err: syncengine.ErrPushUnavailable}
		}
		close(s.messages)
		s.logger.Info("push stream closed", zap.Error(err))
	})
}
