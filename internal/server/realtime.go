package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventMessageCreated = "message-created"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeEventError          = "stream-error"
	realtimeSourceBackend       = "teamforge-backend"
	defaultRealtimeBufferSize   = 16
)

// RealtimeMessage announces that a group's history grew up to Sequence.
type RealtimeMessage struct {
	GroupID   string
	EventType string
	Sequence  int64
	Timestamp time.Time
}

// RealtimeDispatcher fans group events out to in-process subscribers. Publishing
// never blocks: a subscriber whose buffer is full misses the event and catches up
// through its sequence cursor on the next one.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBufferSize,
		clock:       time.Now,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, groupID string) (<-chan RealtimeMessage, func()) {
	if groupID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(groupID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(groupID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.GroupID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.GroupID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// MessageCreated publishes a message-created event for the group.
func (d *RealtimeDispatcher) MessageCreated(groupID string, sequence int64) {
	d.Publish(RealtimeMessage{
		GroupID:   groupID,
		EventType: RealtimeEventMessageCreated,
		Sequence:  sequence,
		Timestamp: d.clock().UTC(),
	})
}

// SubscriberCount reports how many subscribers follow the group.
func (d *RealtimeDispatcher) SubscriberCount(groupID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[groupID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(groupID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[groupID]; !ok {
		d.subscribers[groupID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[groupID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(groupID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[groupID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, groupID)
		}
	}
	d.mu.Unlock()
}
