// Copyright 2024 The schedsync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broadcast

import (
	"fmt"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/schedsync/schedule"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ErrBroadcasterClosed the broadcaster has been shut down
var ErrBroadcasterClosed = fmt.Errorf("broadcaster is closed")

// Message a schedule change notification
type Message struct {
	// Sequence is assigned by the broadcaster on publish, starting from 1
	Sequence uint64 `json:"sequence"`
	// Origin is the service instance which accepted the change
	Origin string `json:"origin"`
	// Patch is the set of changes. Read only for subscribers.
	Patch schedule.Patch `json:"patch"`
}

// String toString function
func (m Message) String() string {
	return fmt.Sprintf("MSG[%d]@%s%v", m.Sequence, m.Origin, m.Patch.ClientIDs())
}

// Subscription one consumer's view of the broadcaster
type Subscription interface {
	// ID the subscription ID
	ID() string
	// Messages the queue of messages published since subscribing. The channel is
	// closed when the subscription ends or the broadcaster shuts down.
	Messages() <-chan Message
	// Lagged is closed once messages were dropped because the queue was full
	Lagged() <-chan struct{}
	// Close unsubscribe. Safe to call more than once.
	Close()
}

// Broadcaster fans out messages from publishers to all subscribers
type Broadcaster interface {
	// Subscribe register a new subscriber
	Subscribe() (Subscription, error)
	// Publish deliver a message to all current subscribers. Never blocks on a
	// slow subscriber; when a subscriber's queue is full, its oldest message is
	// dropped. Returns the sequence number assigned to the message, or 0 if the
	// broadcaster is closed.
	Publish(msg Message) uint64
	// SubscriberCount the number of active subscriptions
	SubscriberCount() int
	// IsClosed whether the broadcaster was shut down
	IsClosed() bool
	// Close shut down the broadcaster, ending every subscription
	Close()
}

// subscriptionImpl implements Subscription
type subscriptionImpl struct {
	id       string
	parent   *broadcasterImpl
	messages chan Message
	lagged   chan struct{}
	// guarded by parent.lock
	hasLagged bool
	dropped   uint64
}

// ID the subscription ID
func (s *subscriptionImpl) ID() string {
	return s.id
}

// Messages the queue of messages published since subscribing
func (s *subscriptionImpl) Messages() <-chan Message {
	return s.messages
}

// Lagged is closed once messages were dropped because the queue was full
func (s *subscriptionImpl) Lagged() <-chan struct{} {
	return s.lagged
}

// Close unsubscribe
func (s *subscriptionImpl) Close() {
	s.parent.unsubscribe(s)
}

// deliver queue a message, dropping the oldest queued message if the queue is full.
//
// Must be called with parent.lock held, so no other publisher competes for the
// freed slot.
func (s *subscriptionImpl) deliver(msg Message) {
	select {
	case s.messages <- msg:
		return
	default:
	}
	if !s.hasLagged {
		s.hasLagged = true
		close(s.lagged)
	}
	select {
	case <-s.messages:
		s.dropped++
	default:
	}
	select {
	case s.messages <- msg:
	default:
		s.dropped++
	}
}

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	goutils.Component
	queueLen    int
	lock        sync.Mutex
	closed      bool
	sequence    uint64
	subscribers map[string]*subscriptionImpl
}

// GetBroadcaster define a new Broadcaster. Each subscriber is given a queue of
// queueLen messages.
func GetBroadcaster(name string, queueLen int) (Broadcaster, error) {
	logTags := log.Fields{
		"module": "broadcast", "component": "broadcaster", "instance": name,
	}
	if queueLen < 1 {
		err := fmt.Errorf("subscriber queue length must be at least 1, got %d", queueLen)
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return nil, err
	}
	return &broadcasterImpl{
		Component:   goutils.Component{LogTags: logTags},
		queueLen:    queueLen,
		closed:      false,
		sequence:    0,
		subscribers: make(map[string]*subscriptionImpl),
	}, nil
}

// Subscribe register a new subscriber
func (b *broadcasterImpl) Subscribe() (Subscription, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return nil, ErrBroadcasterClosed
	}
	sub := &subscriptionImpl{
		id:       uuid.New().String(),
		parent:   b,
		messages: make(chan Message, b.queueLen),
		lagged:   make(chan struct{}),
	}
	b.subscribers[sub.id] = sub
	log.WithFields(b.LogTags).Debugf("Added subscription %s", sub.id)
	return sub, nil
}

// unsubscribe remove a subscriber
func (b *broadcasterImpl) unsubscribe(sub *subscriptionImpl) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, ok := b.subscribers[sub.id]; !ok {
		return
	}
	delete(b.subscribers, sub.id)
	close(sub.messages)
	if sub.dropped > 0 {
		log.WithFields(b.LogTags).Infof(
			"Removed subscription %s after dropping %d messages", sub.id, sub.dropped,
		)
	} else {
		log.WithFields(b.LogTags).Debugf("Removed subscription %s", sub.id)
	}
}

// Publish deliver a message to all current subscribers
func (b *broadcasterImpl) Publish(msg Message) uint64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		log.WithFields(b.LogTags).Debugf("Dropping %s, broadcaster closed", msg)
		return 0
	}
	b.sequence++
	msg.Sequence = b.sequence
	for _, sub := range b.subscribers {
		wasLagging := sub.hasLagged
		sub.deliver(msg)
		if !wasLagging && sub.hasLagged {
			log.WithFields(b.LogTags).Warnf("Subscription %s is lagging", sub.id)
		}
	}
	log.WithFields(b.LogTags).Debugf("Published %s to %d subscribers", msg, len(b.subscribers))
	return msg.Sequence
}

// SubscriberCount the number of active subscriptions
func (b *broadcasterImpl) SubscriberCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.subscribers)
}

// IsClosed whether the broadcaster was shut down
func (b *broadcasterImpl) IsClosed() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.closed
}

// Close shut down the broadcaster
func (b *broadcasterImpl) Close() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.messages)
		delete(b.subscribers, id)
	}
	log.WithFields(b.LogTags).Info("Broadcaster closed")
}
