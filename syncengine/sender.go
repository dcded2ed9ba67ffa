package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"dmsync/models"
)

const (
	defaultBreakerFailures = 3
	defaultBreakerTimeout  = 10 * time.Second
)

// DispatcherOptions configures a Dispatcher. Push is tried first; Fallback
// carries the send when push is unavailable or failing.
type DispatcherOptions struct {
	Push     Sender
	Fallback Sender

	// BreakerFailures is the consecutive failure count that opens a breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long an open breaker rejects calls.
	BreakerTimeout time.Duration

	Logger *zap.Logger
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.BreakerFailures == 0 {
		o.BreakerFailures = defaultBreakerFailures
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = defaultBreakerTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type route struct {
	channel models.Channel
	sender  Sender
	breaker *gobreaker.CircuitBreaker
}

// Dispatcher hands provisional messages to the first transport able to
// carry them. A store rejection is final and never falls through.
type Dispatcher struct {
	routes []route
	logger *zap.Logger
}

// NewDispatcher builds a dispatcher over the configured senders.
func NewDispatcher(options DispatcherOptions) *Dispatcher {
	options = options.withDefaults()
	d := &Dispatcher{logger: options.Logger}
	if options.Push != nil {
		d.routes = append(d.routes, d.newRoute(models.ChannelPush, options.Push, options))
	}
	if options.Fallback != nil {
		d.routes = append(d.routes, d.newRoute(models.ChannelPoll, options.Fallback, options))
	}
	return d
}

func (d *Dispatcher) newRoute(channel models.Channel, sender Sender, options DispatcherOptions) route {
	logger := d.logger
	settings := gobreaker.Settings{
		Name:        "send-" + string(channel),
		MaxRequests: 1,
		Timeout:     options.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= options.BreakerFailures
		},
		// An unavailable push stream or a rejected message says nothing
		// about transport health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrSendRejected) || errors.Is(err, ErrPushUnavailable)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return route{channel: channel, sender: sender, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Dispatch sends message and returns the confirmed record together with the
// channel that carried it. The error wraps ErrSendRejected when the store
// refused the message and ErrNoTransport when no channel could carry it.
func (d *Dispatcher) Dispatch(ctx context.Context, message models.Message) (models.Message, models.Channel, error) {
	var lastErr error
	for _, r := range d.routes {
		result, err := r.breaker.Execute(func() (interface{}, error) {
			return r.sender.Send(ctx, message)
		})
		if err == nil {
			confirmed := result.(models.Message)
			if confirmed.ClientID == "" {
				confirmed.ClientID = message.ClientID
			}
			return confirmed, r.channel, nil
		}
		if errors.Is(err, ErrSendRejected) {
			return models.Message{}, r.channel, err
		}
		if ctx.Err() != nil {
			return models.Message{}, r.channel, ctx.Err()
		}
		d.logger.Debug("send channel unavailable",
			zap.String("channel", string(r.channel)),
			zap.String("client_id", message.ClientID),
			zap.Error(err),
		)
		lastErr = err
	}
	if lastErr == nil {
		return models.Message{}, "", ErrNoTransport
	}
	return models.Message{}, "", fmt.Errorf("%w: %v", ErrNoTransport, lastErr)
}

// PendingSend follows one provisional message until the store confirms or
// rejects it.
type PendingSend struct {
	Message models.Message

	once   sync.Once
	done   chan struct{}
	result models.Message
	err    error
}

func newPendingSend(message models.Message) *PendingSend {
	return &PendingSend{Message: message, done: make(chan struct{})}
}

// Done is closed once the send is resolved.
func (p *PendingSend) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the send resolves or ctx ends.
func (p *PendingSend) Wait(ctx context.Context) (models.Message, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	}
}

func (p *PendingSend) resolve(result models.Message, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}
