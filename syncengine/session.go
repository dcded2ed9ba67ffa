package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dmsync/models"
)

const (
	defaultDedupTolerance  = 5 * time.Second
	defaultSeenRetention   = 24 * time.Hour
	defaultOutboxMaxAge    = 7 * 24 * time.Hour
	defaultMaintenanceTick = time.Minute
)

// Options configures a Session. Self is required; every transport is
// optional, and a session without transports works offline.
type Options struct {
	Self string

	Push     PushDialer
	Poller   Poller
	Changes  ChangeSubscriber
	Sender   Sender
	Reader   ReadMarker
	Outbox   Outbox
	Verifier RecordVerifier
	Faults   FaultRecorder
	Metrics  Observer
	Logger   *zap.Logger

	PollInterval    time.Duration
	MinPollSpacing  time.Duration
	DedupTolerance  time.Duration
	SeenRetention   time.Duration
	OutboxMaxAge    time.Duration
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	MaintenanceTick time.Duration

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DedupTolerance <= 0 {
		o.DedupTolerance = defaultDedupTolerance
	}
	if o.SeenRetention <= 0 {
		o.SeenRetention = defaultSeenRetention
	}
	if o.OutboxMaxAge <= 0 {
		o.OutboxMaxAge = defaultOutboxMaxAge
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = defaultBackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = defaultBackoffMax
	}
	if o.MaintenanceTick <= 0 {
		o.MaintenanceTick = defaultMaintenanceTick
	}
	if o.Metrics == nil {
		o.Metrics = nopObserver{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Connectivity reports the health of the session's channels.
type Connectivity struct {
	Push     PresenceState    `json:"push"`
	Degraded []models.Channel `json:"degraded"`
}

// Session is one user's sync engine. All index and dedup state is owned by
// a single actor goroutine; public methods post commands to it.
type Session struct {
	options Options
	logger  *zap.Logger

	mux        *Multiplexer
	index      *Index
	presence   *Presence
	polls      *PollLoop
	dispatcher *Dispatcher

	ctx     context.Context
	cancel  context.CancelFunc
	cmds    chan func()
	stopped chan struct{}
	group   *errgroup.Group
	workers sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once

	// Owned by the actor.
	pending       map[string]*PendingSend
	inflight      map[string]bool
	unsyncedReads map[string]int64

	subMu       sync.Mutex
	subscribers map[int]chan struct{}
	nextSub     int
}

// NewSession builds a session and starts its actor. Call Start to open the
// transports and Close to release everything.
func NewSession(options Options) (*Session, error) {
	options = options.withDefaults()
	self := strings.TrimSpace(options.Self)
	if self == "" {
		return nil, errors.New("session user id is required")
	}
	options.Self = self

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		options:       options,
		logger:        options.Logger.With(zap.String("user_id", self)),
		mux:           NewMultiplexer(options.DedupTolerance),
		index:         NewIndex(self),
		ctx:           ctx,
		cancel:        cancel,
		cmds:          make(chan func()),
		stopped:       make(chan struct{}),
		pending:       make(map[string]*PendingSend),
		inflight:      make(map[string]bool),
		unsyncedReads: make(map[string]int64),
		subscribers:   make(map[int]chan struct{}),
	}
	s.mux.now = options.Now

	var push Sender
	if options.Push != nil {
		s.presence = NewPresence(PresenceOptions{
			Dialer:         options.Push,
			BackoffInitial: options.BackoffInitial,
			BackoffMax:     options.BackoffMax,
			OnState:        s.onPushState,
			OnOpen:         s.onPushOpen,
			OnMessage: func(ctx context.Context, message models.Message) {
				s.deliver(ctx, models.ChannelPush, []models.Message{message})
			},
			Logger: s.logger,
			Now:    options.Now,
		})
		push = s.presence
	}
	if options.Poller != nil {
		s.polls = NewPollLoop(PollLoopOptions{
			Poller:     options.Poller,
			Interval:   options.PollInterval,
			MinSpacing: options.MinPollSpacing,
			OnMessages: func(ctx context.Context, messages []models.Message) {
				s.deliver(ctx, models.ChannelPoll, messages)
			},
			OnError:   func(err error) { s.channelFailed(models.ChannelPoll, err) },
			OnSuccess: s.onPollSuccess,
		})
	}
	s.dispatcher = NewDispatcher(DispatcherOptions{
		Push:     push,
		Fallback: options.Sender,
		Logger:   s.logger,
	})

	go s.run()
	return s, nil
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

// do runs fn on the actor and waits for it to finish.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
	case <-s.stopped:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Start restores the outbox and launches the channel pumps. The pumps run
// until Close.
func (s *Session) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		err = s.restoreOutbox(ctx)
		if err != nil {
			return
		}

		group, groupCtx := errgroup.WithContext(s.ctx)
		s.group = group
		if s.presence != nil {
			group.Go(func() error { return s.presence.Run(groupCtx) })
		}
		if s.polls != nil {
			group.Go(func() error { return s.polls.Run(groupCtx) })
		}
		if s.options.Changes != nil {
			group.Go(func() error { return s.runChanges(groupCtx) })
		}
		group.Go(func() error { return s.runMaintenance(groupCtx) })
		s.logger.Info("sync session started")
	})
	return err
}

// Close stops every pump and the actor. Results of in-flight sends are
// discarded; their outbox entries survive for the next session.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.stopped
		if s.group != nil {
			err = s.group.Wait()
		}
		s.workers.Wait()
		// The actor is gone, so nothing else touches the index now.
		s.index.Reset()
		s.mux.Reset()

		s.subMu.Lock()
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
		s.subMu.Unlock()
		s.logger.Info("sync session closed")
	})
	return err
}

func (s *Session) restoreOutbox(ctx context.Context) error {
	if s.options.Outbox == nil {
		return nil
	}
	entries, err := s.options.Outbox.Load(s.options.Self)
	if err != nil {
		return fmt.Errorf("restore outbox: %w", err)
	}
	return s.do(ctx, func() {
		for _, entry := range entries {
			message := entry.Message
			message.ID = ""
			message.DeliveryState = models.DeliveryPending
			if entry.Failed {
				message.DeliveryState = models.DeliveryFailed
				message.Error = entry.Error
			}
			if _, err := s.index.Ingest(message); err != nil {
				s.logger.Warn("skip outbox entry", zap.String("client_id", message.ClientID), zap.Error(err))
				continue
			}
			s.mux.Track(message)
			s.pending[message.ClientID] = newPendingSend(message)
		}
		if len(entries) > 0 {
			s.logger.Info("outbox restored", zap.Int("entries", len(entries)))
			s.notify()
		}
	})
}

// Conversations returns the conversation list, most recent first.
func (s *Session) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var summaries []models.ConversationSummary
	err := s.do(ctx, func() { summaries = s.index.Conversations() })
	return summaries, err
}

// MessagesWith returns one conversation in chronological order.
func (s *Session) MessagesWith(ctx context.Context, partnerID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.do(ctx, func() { messages = s.index.MessagesWith(partnerID) })
	return messages, err
}

// Connectivity reports the push state and the degraded channels.
func (s *Session) Connectivity(ctx context.Context) (Connectivity, error) {
	var state Connectivity
	err := s.do(ctx, func() { state.Degraded = s.mux.Degraded() })
	state.Push = PresenceIdle
	if s.presence != nil {
		state.Push = s.presence.State()
	}
	return state, err
}

// Subscribe returns a channel signalled after every visible change. Signals
// coalesce; readers re-query the session. The cancel func unsubscribes.
func (s *Session) Subscribe() (<-chan struct{}, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if existing, ok := s.subscribers[id]; ok {
				close(existing)
				delete(s.subscribers, id)
			}
		})
	}
}

func (s *Session) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// SendMessage records a provisional message locally and hands it to the
// transports. The returned handle resolves when the store confirms or
// rejects it.
func (s *Session) SendMessage(ctx context.Context, partnerID, content string) (*PendingSend, error) {
	partnerID = strings.TrimSpace(partnerID)
	if partnerID == "" {
		return nil, fmt.Errorf("%w: missing receiver", ErrMalformedMessage)
	}
	if partnerID == s.options.Self {
		return nil, ErrSelfSend
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	message := models.Message{
		ClientID:      uuid.NewString(),
		SenderID:      s.options.Self,
		ReceiverID:    partnerID,
		Content:       content,
		CreatedAt:     s.options.Now().UnixMilli(),
		DeliveryState: models.DeliveryPending,
	}

	var (
		handle  *PendingSend
		sendErr error
	)
	err := s.do(ctx, func() {
		s.mux.Admit(models.TransportEvent{Message: message, Origin: models.ChannelLocal})
		if _, err := s.index.Ingest(message); err != nil {
			s.mux.Forget(message.ClientID)
			sendErr = err
			return
		}
		if s.options.Outbox != nil {
			if err := s.options.Outbox.Save(message); err != nil {
				s.logger.Error("persist outbox entry failed", zap.String("client_id", message.ClientID), zap.Error(err))
			}
		}
		handle = newPendingSend(message)
		s.pending[message.ClientID] = handle
		s.notify()
		s.startDispatch(message)
	})
	if err != nil {
		return nil, err
	}
	if sendErr != nil {
		return nil, sendErr
	}
	return handle, nil
}

// Retry moves a failed provisional message back to pending and sends it
// again.
func (s *Session) Retry(ctx context.Context, clientID string) (*PendingSend, error) {
	var (
		handle   *PendingSend
		retryErr error
	)
	err := s.do(ctx, func() {
		message, ok := s.index.Provisional(clientID)
		if !ok {
			retryErr = ErrUnknownMessage
			return
		}
		if message.DeliveryState != models.DeliveryFailed {
			retryErr = ErrNotFailed
			return
		}
		s.index.MarkPending(clientID)
		if s.options.Outbox != nil {
			if err := s.options.Outbox.MarkPending(clientID); err != nil {
				s.logger.Warn("outbox retry update failed", zap.String("client_id", clientID), zap.Error(err))
			}
		}
		message.DeliveryState = models.DeliveryPending
		message.Error = ""
		handle = newPendingSend(message)
		s.pending[clientID] = handle
		s.notify()
		s.startDispatch(message)
	})
	if err != nil {
		return nil, err
	}
	if retryErr != nil {
		return nil, retryErr
	}
	return handle, nil
}

// startDispatch runs on the actor.
func (s *Session) startDispatch(message models.Message) {
	if s.inflight[message.ClientID] {
		return
	}
	s.inflight[message.ClientID] = true

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		confirmed, channel, err := s.dispatcher.Dispatch(s.ctx, message)
		if s.ctx.Err() != nil {
			return
		}
		_ = s.do(s.ctx, func() {
			delete(s.inflight, message.ClientID)
			s.finishDispatch(message, confirmed, channel, err)
		})
	}()
}

func (s *Session) finishDispatch(message, confirmed models.Message, channel models.Channel, err error) {
	switch {
	case err == nil:
		s.options.Metrics.SendOutcome(channel, "sent")
		s.handleEvent(models.TransportEvent{Message: confirmed, Origin: channel})
	case errors.Is(err, ErrSendRejected):
		s.options.Metrics.SendOutcome(channel, "rejected")
		s.failProvisional(message.ClientID, err.Error())
	default:
		// Stays pending; the outbox drains on the next open channel.
		s.options.Metrics.SendOutcome(channel, "deferred")
		s.logger.Info("send deferred", zap.String("client_id", message.ClientID), zap.Error(err))
	}
}

func (s *Session) failProvisional(clientID, reason string) {
	if !s.index.MarkFailed(clientID, reason) {
		return
	}
	if s.options.Outbox != nil {
		if err := s.options.Outbox.MarkFailed(clientID, reason); err != nil {
			s.logger.Warn("outbox failure update failed", zap.String("client_id", clientID), zap.Error(err))
		}
	}
	if handle, ok := s.pending[clientID]; ok {
		handle.resolve(models.Message{}, errors.New(reason))
		delete(s.pending, clientID)
	}
	s.logger.Warn("send failed", zap.String("client_id", clientID), zap.String("reason", reason))
	s.notify()
}

// drainOutbox runs on the actor.
func (s *Session) drainOutbox() {
	for _, message := range s.index.Provisionals(models.DeliveryPending) {
		s.startDispatch(message)
	}
}

// SelectConversation makes partnerID the active conversation and marks its
// unread messages read with a single store call.
func (s *Session) SelectConversation(ctx context.Context, partnerID string) error {
	var marked []models.Message
	if err := s.do(ctx, func() {
		marked = s.index.Select(partnerID)
		s.notify()
	}); err != nil {
		return err
	}
	if len(marked) == 0 {
		return nil
	}

	var upTo int64
	for _, message := range marked {
		if message.CreatedAt > upTo {
			upTo = message.CreatedAt
		}
	}
	s.syncRead(ctx, partnerID, upTo)
	return nil
}

// DeselectConversation clears the active conversation.
func (s *Session) DeselectConversation(ctx context.Context) error {
	return s.do(ctx, func() { s.index.Deselect() })
}

// SelectedConversation returns the active partner, if any.
func (s *Session) SelectedConversation(ctx context.Context) (string, error) {
	var partnerID string
	err := s.do(ctx, func() { partnerID = s.index.Selected() })
	return partnerID, err
}

func (s *Session) syncRead(ctx context.Context, partnerID string, upTo int64) {
	if s.options.Reader == nil {
		return
	}
	if _, err := s.options.Reader.MarkRead(ctx, partnerID, upTo); err != nil {
		s.logger.Warn("mark read failed", zap.String("partner_id", partnerID), zap.Error(err))
		_ = s.do(s.ctx, func() {
			if upTo > s.unsyncedReads[partnerID] {
				s.unsyncedReads[partnerID] = upTo
			}
		})
	}
}

// syncReadAsync runs on the actor.
func (s *Session) syncReadAsync(partnerID string, upTo int64) {
	if s.options.Reader == nil {
		return
	}
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.syncRead(s.ctx, partnerID, upTo)
	}()
}

// flushReads runs on the actor.
func (s *Session) flushReads() {
	for partnerID, upTo := range s.unsyncedReads {
		delete(s.unsyncedReads, partnerID)
		s.syncReadAsync(partnerID, upTo)
	}
}

func (s *Session) deliver(ctx context.Context, channel models.Channel, messages []models.Message) {
	_ = s.do(ctx, func() {
		for _, message := range messages {
			s.handleEvent(models.TransportEvent{Message: message, Origin: channel})
		}
	})
}

// handleEvent runs on the actor. It is the single inbound path for every
// channel: validate, isolate, verify, deduplicate, index.
func (s *Session) handleEvent(event models.TransportEvent) {
	message := event.Message
	if err := validateMessage(message); err != nil {
		s.fault(FaultMalformed, event, err)
		return
	}
	if err := s.index.guard.Check(message); err != nil {
		s.fault(FaultIsolation, event, err)
		return
	}
	if !message.Provisional() && s.options.Verifier != nil {
		if err := s.options.Verifier.VerifyMessage(message); err != nil {
			s.fault(FaultSignature, event, err)
			return
		}
	}

	decision := s.mux.Admit(event)
	var (
		result IngestResult
		err    error
	)
	switch decision.Admission {
	case Duplicate:
		s.options.Metrics.Duplicate(event.Origin)
		if message.Provisional() || !message.Read {
			return
		}
		// A duplicate can still carry a read flag set elsewhere.
		result, err = s.index.Ingest(message)
	case Supersede:
		result, err = s.index.Supersede(decision.ClientID, message)
		if err == nil {
			s.confirmProvisional(decision.ClientID, message)
		}
	default:
		result, err = s.index.Ingest(message)
	}
	if err != nil {
		s.fault(FaultMalformed, event, err)
		return
	}

	if result.AutoRead {
		s.syncReadAsync(result.PartnerID, message.CreatedAt)
	}
	if result.Changed {
		s.notify()
	}
}

func (s *Session) confirmProvisional(clientID string, confirmed models.Message) {
	if s.options.Outbox != nil {
		if err := s.options.Outbox.Remove(clientID); err != nil {
			s.logger.Warn("outbox removal failed", zap.String("client_id", clientID), zap.Error(err))
		}
	}
	if handle, ok := s.pending[clientID]; ok {
		confirmed.DeliveryState = models.DeliverySent
		handle.resolve(confirmed, nil)
		delete(s.pending, clientID)
	}
}

func (s *Session) fault(kind string, event models.TransportEvent, err error) {
	s.logger.Warn("dropped event",
		zap.String("kind", kind),
		zap.String("channel", string(event.Origin)),
		zap.String("message_id", event.Message.ID),
		zap.String("sender_id", event.Message.SenderID),
		zap.String("receiver_id", event.Message.ReceiverID),
		zap.Error(err),
	)
	s.options.Metrics.Fault(kind, event.Origin)
	if s.options.Faults == nil {
		return
	}
	if recordErr := s.options.Faults.RecordFault(Fault{
		Kind:    kind,
		Channel: event.Origin,
		Message: event.Message,
		Err:     err,
	}); recordErr != nil {
		s.logger.Error("record fault failed", zap.Error(recordErr))
	}
}

func (s *Session) channelFailed(channel models.Channel, err error) {
	_ = s.do(s.ctx, func() {
		s.mux.MarkDegraded(channel, err)
		s.notify()
	})
}

func (s *Session) channelHealthy(channel models.Channel) bool {
	_, degraded := s.mux.DegradedReason(channel)
	s.mux.MarkHealthy(channel)
	return degraded
}

func (s *Session) onPushState(change StateChange) {
	s.options.Metrics.PushState(string(change.To))
	if change.To == PresenceClosedUnexpected {
		s.channelFailed(models.ChannelPush, change.Err)
	}
}

func (s *Session) onPushOpen(ctx context.Context) {
	_ = s.do(ctx, func() {
		if s.channelHealthy(models.ChannelPush) {
			s.notify()
		}
		s.drainOutbox()
	})
	if s.polls != nil {
		s.polls.Trigger()
	}
}

func (s *Session) onPollSuccess() {
	_ = s.do(s.ctx, func() {
		if s.channelHealthy(models.ChannelPoll) {
			s.notify()
		}
		s.flushReads()
		if s.presence == nil || s.presence.State() != PresenceOpen {
			s.drainOutbox()
		}
	})
}

func (s *Session) runChanges(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.options.BackoffInitial
	policy.MaxInterval = s.options.BackoffMax
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		messages, errs, err := s.options.Changes.Subscribe(ctx, s.options.Self)
		if err == nil {
			policy.Reset()
			_ = s.do(ctx, func() {
				if s.channelHealthy(models.ChannelChanges) {
					s.notify()
				}
			})
			err = s.consumeChanges(ctx, messages, errs)
		}
		if ctx.Err() != nil {
			return nil
		}
		s.channelFailed(models.ChannelChanges, err)

		timer := time.NewTimer(policy.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Session) consumeChanges(ctx context.Context, messages <-chan models.Message, errs <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-messages:
			if !ok {
				return errors.New("change subscription ended")
			}
			s.deliver(ctx, models.ChannelChanges, []models.Message{message})
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			_ = s.do(ctx, func() {
				s.fault(FaultMalformed, models.TransportEvent{Origin: models.ChannelChanges}, err)
			})
		}
	}
}

func (s *Session) runMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(s.options.MaintenanceTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		_ = s.do(ctx, s.maintain)
	}
}

// maintain runs on the actor.
func (s *Session) maintain() {
	now := s.options.Now()
	if pruned := s.mux.Prune(now.Add(-s.options.SeenRetention)); pruned > 0 {
		s.logger.Debug("pruned seen ids", zap.Int("count", pruned))
	}

	cutoff := now.Add(-s.options.OutboxMaxAge).UnixMilli()
	if s.options.Outbox != nil {
		if _, err := s.options.Outbox.Expire(cutoff); err != nil {
			s.logger.Warn("expire outbox failed", zap.Error(err))
		}
	}
	for _, message := range s.index.Provisionals(models.DeliveryPending) {
		if message.CreatedAt < cutoff && !s.inflight[message.ClientID] {
			s.failProvisional(message.ClientID, "expired")
		}
	}
	s.flushReads()
}
