package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"dmsync/models"
)

// fakeRelay stands in for the message store behind every transport.
type fakeRelay struct {
	mu        sync.Mutex
	messages  []models.Message
	nextSeq   int64
	rejectAll bool
	pollErr   error
	pollCalls int
	readCalls []readCall
}

type readCall struct {
	partnerID string
	upTo      int64
}

func newFakeRelay(firstSeq int64) *fakeRelay {
	return &fakeRelay{nextSeq: firstSeq - 1}
}

func (r *fakeRelay) accept(message models.Message) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rejectAll {
		return models.Message{}, fmt.Errorf("%w: content refused", ErrSendRejected)
	}
	for _, existing := range r.messages {
		if existing.SenderID == message.SenderID && existing.ClientID == message.ClientID {
			return existing, nil
		}
	}
	r.nextSeq++
	stored := models.Message{
		ID:         strconv.FormatInt(r.nextSeq, 10),
		ClientID:   message.ClientID,
		SenderID:   message.SenderID,
		ReceiverID: message.ReceiverID,
		Content:    message.Content,
		CreatedAt:  message.CreatedAt + 250,
		Seq:        r.nextSeq,
	}
	r.messages = append(r.messages, stored)
	return stored, nil
}

// store appends a message as if another device had written it.
func (r *fakeRelay) store(message models.Message) models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSeq++
	message.Seq = r.nextSeq
	if message.ID == "" {
		message.ID = strconv.FormatInt(r.nextSeq, 10)
	}
	r.messages = append(r.messages, message)
	return message
}

func (r *fakeRelay) setRejectAll(reject bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectAll = reject
}

func (r *fakeRelay) setPollErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pollErr = err
}

func (r *fakeRelay) PollSince(_ context.Context, cursor int64) (PollResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pollCalls++
	if r.pollErr != nil {
		return PollResult{}, r.pollErr
	}
	result := PollResult{Cursor: cursor}
	for _, message := range r.messages {
		if message.Seq > cursor {
			result.Messages = append(result.Messages, message)
			result.Cursor = message.Seq
		}
	}
	return result, nil
}

func (r *fakeRelay) polls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pollCalls
}

func (r *fakeRelay) MarkRead(_ context.Context, partnerID string, upTo int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readCalls = append(r.readCalls, readCall{partnerID: partnerID, upTo: upTo})
	return 1, nil
}

func (r *fakeRelay) reads() []readCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]readCall(nil), r.readCalls...)
}

// httpSender is the request/response fallback over fakeRelay.
type httpSender struct {
	relay *fakeRelay
}

func (s httpSender) Send(_ context.Context, message models.Message) (models.Message, error) {
	return s.relay.accept(message)
}

type fakeDialer struct {
	relay *fakeRelay

	mu      sync.Mutex
	online  bool
	dials   int
	streams []*fakeStream
}

func (d *fakeDialer) setOnline(online bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.online = online
}

func (d *fakeDialer) Open(_ context.Context) (PushStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if !d.online {
		return nil, errors.New("connection refused")
	}
	stream := &fakeStream{
		relay:    d.relay,
		messages: make(chan models.Message, 16),
		done:     make(chan struct{}),
	}
	d.streams = append(d.streams, stream)
	return stream, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) latest() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

type fakeStream struct {
	relay    *fakeRelay
	messages chan models.Message
	done     chan struct{}

	closeOnce sync.Once
	dropOnce  sync.Once
	mu        sync.Mutex
	err       error
}

func (s *fakeStream) Messages() <-chan models.Message { return s.messages }

func (s *fakeStream) Send(_ context.Context, message models.Message) (models.Message, error) {
	return s.relay.accept(message)
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *fakeStream) push(message models.Message) {
	s.messages <- message
}

func (s *fakeStream) drop(err error) {
	s.dropOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.messages)
	})
}

type memOutbox struct {
	mu      sync.Mutex
	entries map[string]OutboxEntry
}

func newMemOutbox() *memOutbox {
	return &memOutbox{entries: make(map[string]OutboxEntry)}
}

func (o *memOutbox) Load(senderID string) ([]OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries := make([]OutboxEntry, 0, len(o.entries))
	for _, entry := range o.entries {
		if entry.Message.SenderID == senderID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (o *memOutbox) Save(message models.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[message.ClientID] = OutboxEntry{Message: message}
	return nil
}

func (o *memOutbox) MarkFailed(clientID, reason string) error {
	return o.update(clientID, true, reason)
}

func (o *memOutbox) MarkPending(clientID string) error {
	return o.update(clientID, false, "")
}

func (o *memOutbox) update(clientID string, failed bool, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.entries[clientID]
	if !ok {
		return errors.New("not found")
	}
	entry.Failed = failed
	entry.Error = reason
	o.entries[clientID] = entry
	return nil
}

func (o *memOutbox) Remove(clientID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.entries, clientID)
	return nil
}

func (o *memOutbox) Expire(before int64) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var expired int64
	for clientID, entry := range o.entries {
		if !entry.Failed && entry.Message.CreatedAt < before {
			entry.Failed = true
			entry.Error = "expired"
			o.entries[clientID] = entry
			expired++
		}
	}
	return expired, nil
}

func (o *memOutbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

type countingObserver struct {
	mu         sync.Mutex
	faults     map[string]int
	duplicates map[models.Channel]int
	outcomes   map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		faults:     make(map[string]int),
		duplicates: make(map[models.Channel]int),
		outcomes:   make(map[string]int),
	}
}

func (o *countingObserver) Fault(kind string, _ models.Channel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faults[kind]++
}

func (o *countingObserver) Duplicate(channel models.Channel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.duplicates[channel]++
}

func (o *countingObserver) SendOutcome(_ models.Channel, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *countingObserver) PushState(string) {}

func (o *countingObserver) faultCount(kind string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.faults[kind]
}

func (o *countingObserver) duplicateCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for _, count := range o.duplicates {
		total += count
	}
	return total
}

type recordingFaults struct {
	mu     sync.Mutex
	faults []Fault
}

func (r *recordingFaults) RecordFault(fault Fault) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, fault)
	return nil
}

func (r *recordingFaults) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.faults))
	for _, fault := range r.faults {
		kinds = append(kinds, fault.Kind)
	}
	return kinds
}

type rejectIDVerifier struct {
	id string
}

func (v rejectIDVerifier) VerifyMessage(message models.Message) error {
	if message.ID == v.id {
		return errors.New("bad signature")
	}
	return nil
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
