// Package broker implements the control plane's in-process event fan-out:
// three independent topic namespaces (job, session, auth-challenge) feeding
// bounded per-subscriber channels that drop the oldest unread event under
// backpressure rather than blocking the publisher.
package broker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/steamctl/internal/shared"
)

const subscriberBuffer = 256

// wildcardKey is the key sessions and auth-challenge subscribers use to
// receive every account's events regardless of account name.
const wildcardKey = "all"

// Event is the envelope delivered to subscribers, carrying an
// independently generated id alongside the topic-specific payload.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// JobEvent is the payload shape published on the job namespace.
type JobEvent struct {
	JobID   string         `json:"jobId"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// SessionEvent is the payload shape published on the session namespace.
type SessionEvent struct {
	AccountName string `json:"accountName"`
	EventType   string `json:"eventType"`
	State       string `json:"state,omitempty"`
	Message     string `json:"message,omitempty"`
}

// AuthChallengeEvent is the payload shape published on the auth-challenge
// namespace.
type AuthChallengeEvent struct {
	AccountName   string `json:"accountName"`
	ChallengeType string `json:"challengeType"`
	Message       string `json:"message,omitempty"`
	JobID         string `json:"jobId,omitempty"`
}

// subscription is one subscriber's bounded channel, guarded by its own
// mutex so concurrent publishers serialize their drop-oldest-then-insert
// sequence without contending on the broker's topic maps.
type subscription struct {
	mu sync.Mutex
	ch chan Event
}

func newSubscription() *subscription {
	return &subscription{ch: make(chan Event, subscriberBuffer)}
}

// offer delivers event to the subscription, dropping the oldest buffered
// event first if the channel is full. Never blocks.
func (s *subscription) offer(event Event, onDrop func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.ch <- event:
		return
	default:
	}
	select {
	case <-s.ch:
		if onDrop != nil {
			onDrop()
		}
	default:
	}
	select {
	case s.ch <- event:
	default:
		// The reader drained concurrently between our evict and our
		// retry; rather than loop forever under contention, drop this
		// event. A slow reader already lost history; losing one more
		// under a race is consistent with the documented policy.
	}
}

// Subscription is a handle returned to callers of Subscribe*. Ch yields
// every event delivered until Close is called.
type Subscription struct {
	key    string
	kind   topicKind
	sub    *subscription
	broker *Broker
	closed atomic.Bool
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.sub.ch
}

// Close unregisters the subscription. Idempotent.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.broker.unsubscribe(s.kind, s.key, s.sub)
}

type topicKind int

const (
	kindJob topicKind = iota
	kindSession
	kindAuthChallenge
)

// Broker is the in-process, three-namespace event fan-out.
type Broker struct {
	mu     sync.RWMutex
	jobs   map[string][]*subscription
	sess   map[string][]*subscription
	auth   map[string][]*subscription
	logger *slog.Logger

	dropped         atomic.Int64
	lastDropWarning atomic.Int64
}

// New creates an empty Broker. logger may be nil.
func New(logger *slog.Logger) *Broker {
	return &Broker{
		jobs:   make(map[string][]*subscription),
		sess:   make(map[string][]*subscription),
		auth:   make(map[string][]*subscription),
		logger: logger,
	}
}

// SubscribeJob registers a subscriber for a single job id.
func (b *Broker) SubscribeJob(jobID string) *Subscription {
	return b.subscribe(kindJob, jobID)
}

// SubscribeSession registers a subscriber for an account's session events,
// or every account's events when accountName is "".
func (b *Broker) SubscribeSession(accountName string) *Subscription {
	return b.subscribe(kindSession, normalizeAccountKey(accountName))
}

// SubscribeAuthChallenge registers a subscriber for an account's
// auth-challenge events, or every account's when accountName is "".
func (b *Broker) SubscribeAuthChallenge(accountName string) *Subscription {
	return b.subscribe(kindAuthChallenge, normalizeAccountKey(accountName))
}

func normalizeAccountKey(accountName string) string {
	if accountName == "" {
		return wildcardKey
	}
	return accountName
}

func (b *Broker) topicMap(kind topicKind) map[string][]*subscription {
	switch kind {
	case kindJob:
		return b.jobs
	case kindSession:
		return b.sess
	default:
		return b.auth
	}
}

func (b *Broker) subscribe(kind topicKind, key string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newSubscription()
	m := b.topicMap(kind)
	m[key] = append(m[key], sub)
	return &Subscription{key: key, kind: kind, sub: sub, broker: b}
}

func (b *Broker) unsubscribe(kind topicKind, key string, target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.topicMap(kind)
	subs := m[key]
	for i, s := range subs {
		if s == target {
			m[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m[key]) == 0 {
		delete(m, key)
	}
}

// PublishJob fans out to every subscriber registered for jobID. A job id
// with no subscriber is discarded silently.
func (b *Broker) PublishJob(jobID, eventType string, payload map[string]any) {
	if jobID == "" {
		return
	}
	event := Event{
		ID:        shared.NewID(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload: JobEvent{
			JobID:   jobID,
			Type:    eventType,
			Payload: payload,
		},
	}
	b.deliverTo(kindJob, jobID, event)
}

// PublishAgentLifecycle publishes an agent connect/disconnect signal as a
// job-broker event with a null job id. PublishJob discards any event whose
// jobID is "", so this never reaches a subscriber: the event exists for
// parity with a future durable log, not for live delivery (see DESIGN.md
// Open Question #3).
func (b *Broker) PublishAgentLifecycle(eventType, agentID, region string) {
	b.PublishJob("", eventType, map[string]any{"agentId": agentID, "region": region})
}

// PublishSession fans out to the account's subscribers and the wildcard
// subscribers.
func (b *Broker) PublishSession(accountName, eventType, state, message string) {
	event := Event{
		ID:        shared.NewID(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload: SessionEvent{
			AccountName: accountName,
			EventType:   eventType,
			State:       state,
			Message:     message,
		},
	}
	b.deliverToAccountAndWildcard(kindSession, accountName, event)
}

// PublishAuthChallenge fans out to the account's subscribers and the
// wildcard subscribers.
func (b *Broker) PublishAuthChallenge(accountName, challengeType, message, jobID string) {
	event := Event{
		ID:        shared.NewID(),
		Type:      challengeType,
		Timestamp: time.Now().UTC(),
		Payload: AuthChallengeEvent{
			AccountName:   accountName,
			ChallengeType: challengeType,
			Message:       message,
			JobID:         jobID,
		},
	}
	b.deliverToAccountAndWildcard(kindAuthChallenge, accountName, event)
}

func (b *Broker) deliverTo(kind topicKind, key string, event Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.topicMap(kind)[key]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.offer(event, b.onDrop(event.Type))
	}
}

func (b *Broker) deliverToAccountAndWildcard(kind topicKind, accountName string, event Event) {
	b.mu.RLock()
	m := b.topicMap(kind)
	var subs []*subscription
	if accountName != "" {
		subs = append(subs, m[accountName]...)
	}
	subs = append(subs, m[wildcardKey]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.offer(event, b.onDrop(event.Type))
	}
}

func (b *Broker) onDrop(topic string) func() {
	return func() {
		newCount := b.dropped.Add(1)
		b.maybeLogDropWarning(newCount, topic)
	}
}

// DroppedEventCount returns the total number of events dropped across all
// subscribers due to full buffers.
func (b *Broker) DroppedEventCount() int64 {
	return b.dropped.Load()
}

// dropThreshold returns the next exponential threshold (1, 10, 100, ...)
// at or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

func (b *Broker) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("broker_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}
