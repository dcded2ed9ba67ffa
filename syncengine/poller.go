package syncengine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dmsync/models"
)

const (
	defaultPollInterval   = 15 * time.Second
	defaultMinPollSpacing = time.Second
	maxPollPages          = 64
)

// PollLoopOptions configures a PollLoop.
type PollLoopOptions struct {
	Poller   Poller
	Interval time.Duration
	// MinSpacing bounds how often triggered polls may hit the store.
	MinSpacing time.Duration

	OnMessages func(ctx context.Context, messages []models.Message)
	OnError    func(err error)
	OnSuccess  func()
}

func (o PollLoopOptions) withDefaults() PollLoopOptions {
	if o.Interval <= 0 {
		o.Interval = defaultPollInterval
	}
	if o.MinSpacing <= 0 {
		o.MinSpacing = defaultMinPollSpacing
	}
	return o
}

// PollLoop is the periodic consistency pass. Its first poll starts at cursor
// zero and yields the full snapshot.
type PollLoop struct {
	options PollLoopOptions
	limiter *rate.Limiter
	trigger chan struct{}
	cursor  atomic.Int64
}

// NewPollLoop builds a poll loop.
func NewPollLoop(options PollLoopOptions) *PollLoop {
	options = options.withDefaults()
	return &PollLoop{
		options: options,
		limiter: rate.NewLimiter(rate.Every(options.MinSpacing), 1),
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests a poll as soon as spacing allows. Repeated triggers
// coalesce.
func (l *PollLoop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Cursor returns the highest position received so far.
func (l *PollLoop) Cursor() int64 {
	return l.cursor.Load()
}

// Run polls until ctx is cancelled.
func (l *PollLoop) Run(ctx context.Context) error {
	if l.options.Poller == nil {
		return errors.New("poll loop: poller is required")
	}

	l.poll(ctx)

	ticker := time.NewTicker(l.options.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-l.trigger:
		}
		l.poll(ctx)
	}
}

func (l *PollLoop) poll(ctx context.Context) {
	if err := l.limiter.Wait(ctx); err != nil {
		return
	}

	for page := 0; page < maxPollPages; page++ {
		cursor := l.cursor.Load()
		result, err := l.options.Poller.PollSince(ctx, cursor)
		if err != nil {
			if ctx.Err() == nil && l.options.OnError != nil {
				l.options.OnError(err)
			}
			return
		}

		next := result.Cursor
		for _, message := range result.Messages {
			if message.Seq > next {
				next = message.Seq
			}
		}
		if len(result.Messages) > 0 && l.options.OnMessages != nil {
			l.options.OnMessages(ctx, result.Messages)
		}
		if next > cursor {
			l.cursor.Store(next)
		}
		if !result.More || next <= cursor {
			break
		}
	}
	if l.options.OnSuccess != nil {
		l.options.OnSuccess()
	}
}
