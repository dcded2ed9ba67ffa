package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"dmsync/models"
)

// PresenceState is the lifecycle state of the push channel.
type PresenceState string

const (
	PresenceIdle             PresenceState = "idle"
	PresenceConnecting       PresenceState = "connecting"
	PresenceOpen             PresenceState = "open"
	PresenceClosing          PresenceState = "closing"
	PresenceClosed           PresenceState = "closed"
	PresenceClosedUnexpected PresenceState = "closed_unexpected"
)

const (
	defaultBackoffInitial = 500 * time.Millisecond
	defaultBackoffMax     = 30 * time.Second
)

var errStreamEnded = errors.New("push stream ended")

// StateChange is one presence transition.
type StateChange struct {
	From PresenceState
	To   PresenceState
	Err  error
	At   time.Time
}

// PresenceOptions configures a Presence manager.
type PresenceOptions struct {
	Dialer         PushDialer
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// OnState observes every transition. It must not block.
	OnState func(StateChange)
	// OnOpen runs after each successful registration.
	OnOpen func(ctx context.Context)
	// OnMessage receives every pushed message in arrival order.
	OnMessage func(ctx context.Context, message models.Message)

	Logger *zap.Logger
	Now    func() time.Time
}

func (o PresenceOptions) withDefaults() PresenceOptions {
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = defaultBackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = defaultBackoffMax
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Presence keeps one push stream open, reconnecting with exponential backoff
// whenever it drops.
type Presence struct {
	options PresenceOptions

	mu     sync.RWMutex
	state  PresenceState
	stream PushStream
}

// NewPresence returns an idle presence manager.
func NewPresence(options PresenceOptions) *Presence {
	return &Presence{
		options: options.withDefaults(),
		state:   PresenceIdle,
	}
}

// State returns the current push channel state.
func (p *Presence) State() PresenceState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Send writes message over the open stream and waits for the store's answer.
func (p *Presence) Send(ctx context.Context, message models.Message) (models.Message, error) {
	p.mu.RLock()
	stream, state := p.stream, p.state
	p.mu.RUnlock()
	if stream == nil || state != PresenceOpen {
		return models.Message{}, ErrPushUnavailable
	}
	return stream.Send(ctx, message)
}

// Run connects and reconnects until ctx is cancelled.
func (p *Presence) Run(ctx context.Context) error {
	if p.options.Dialer == nil {
		return errors.New("presence: dialer is required")
	}

	policy := p.newBackoff()
	for {
		if ctx.Err() != nil {
			p.setState(PresenceClosed, nil)
			return nil
		}

		p.setState(PresenceConnecting, nil)
		stream, err := p.options.Dialer.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.setState(PresenceClosed, nil)
				return nil
			}
			p.setState(PresenceClosedUnexpected, err)
			if !p.sleep(ctx, policy.NextBackOff()) {
				p.setState(PresenceClosed, nil)
				return nil
			}
			continue
		}

		policy.Reset()
		p.mu.Lock()
		p.stream = stream
		p.mu.Unlock()
		p.setState(PresenceOpen, nil)
		if p.options.OnOpen != nil {
			p.options.OnOpen(ctx)
		}

		err = p.consume(ctx, stream)

		p.mu.Lock()
		p.stream = nil
		p.mu.Unlock()

		if ctx.Err() != nil {
			p.setState(PresenceClosing, nil)
			_ = stream.Close()
			p.setState(PresenceClosed, nil)
			return nil
		}
		_ = stream.Close()
		p.setState(PresenceClosedUnexpected, err)
		if !p.sleep(ctx, policy.NextBackOff()) {
			p.setState(PresenceClosed, nil)
			return nil
		}
	}
}

func (p *Presence) consume(ctx context.Context, stream PushStream) error {
	messages := stream.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-messages:
			if !ok {
				if err := stream.Err(); err != nil {
					return err
				}
				return errStreamEnded
			}
			if p.options.OnMessage != nil {
				p.options.OnMessage(ctx, message)
			}
		}
	}
}

func (p *Presence) newBackoff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.options.BackoffInitial
	policy.MaxInterval = p.options.BackoffMax
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

func (p *Presence) sleep(ctx context.Context, delay time.Duration) bool {
	if delay == backoff.Stop || delay < 0 {
		delay = p.options.BackoffMax
	}
	p.options.Logger.Debug("push reconnect scheduled", zap.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Presence) setState(to PresenceState, err error) {
	p.mu.Lock()
	from := p.state
	if from == to && err == nil {
		p.mu.Unlock()
		return
	}
	p.state = to
	p.mu.Unlock()

	fields := []zap.Field{zap.String("from", string(from)), zap.String("to", string(to))}
	if err != nil {
		p.options.Logger.Warn("push channel state", append(fields, zap.Error(err))...)
	} else {
		p.options.Logger.Debug("push channel state", fields...)
	}
	if p.options.OnState != nil {
		p.options.OnState(StateChange{From: from, To: to, Err: err, At: p.options.Now()})
	}
}
