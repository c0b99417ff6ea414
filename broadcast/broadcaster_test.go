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
	"testing"
	"time"

	"github.com/alwitt/schedsync/schedule"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func readMessage(t *testing.T, sub Subscription) (Message, bool) {
	select {
	case msg, ok := <-sub.Messages():
		return msg, ok
	case <-time.After(time.Second):
		t.Errorf("timed out waiting on subscription %s", sub.ID())
		return Message{}, false
	}
}

func isLagged(sub Subscription) bool {
	select {
	case <-sub.Lagged():
		return true
	default:
		return false
	}
}

func TestBroadcasterFanOut(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetBroadcaster("ut-fan-out", 4)
	assert.Nil(err)
	defer uut.Close()

	// Case 0: publish with no subscribers
	{
		assert.Equal(uint64(1), uut.Publish(Message{Origin: "ut", Patch: schedule.Patch{"A": "1"}}))
	}

	sub1, err := uut.Subscribe()
	assert.Nil(err)
	sub2, err := uut.Subscribe()
	assert.Nil(err)
	assert.NotEqual(sub1.ID(), sub2.ID())
	assert.Equal(2, uut.SubscriberCount())

	// Case 1: both subscribers see the message
	{
		seq := uut.Publish(Message{Origin: "ut", Patch: schedule.Patch{"B": "2"}})
		assert.Equal(uint64(2), seq)
		for _, sub := range []Subscription{sub1, sub2} {
			msg, ok := readMessage(t, sub)
			assert.True(ok)
			assert.Equal(seq, msg.Sequence)
			assert.Equal("2", msg.Patch["B"])
			assert.False(isLagged(sub))
		}
	}

	// Case 2: order is preserved within a subscription
	{
		for itr := 0; itr < 3; itr++ {
			uut.Publish(Message{Origin: "ut", Patch: schedule.Patch{"C": fmt.Sprintf("%d", itr)}})
		}
		for itr := 0; itr < 3; itr++ {
			msg, ok := readMessage(t, sub1)
			assert.True(ok)
			assert.Equal(fmt.Sprintf("%d", itr), msg.Patch["C"])
		}
	}

	// Case 3: unsubscribe closes the queue
	{
		sub1.Close()
		sub1.Close()
		assert.Equal(1, uut.SubscriberCount())
		for {
			if _, ok := readMessage(t, sub1); !ok {
				break
			}
		}
	}
}

func TestBroadcasterLag(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	queueLen := 3
	uut, err := GetBroadcaster("ut-lag", queueLen)
	assert.Nil(err)
	defer uut.Close()

	slow, err := uut.Subscribe()
	assert.Nil(err)
	fast, err := uut.Subscribe()
	assert.Nil(err)

	// Case 0: fill the queue exactly
	for itr := 0; itr < queueLen; itr++ {
		uut.Publish(Message{Origin: "ut", Patch: schedule.Patch{"A": fmt.Sprintf("%d", itr)}})
		_, ok := readMessage(t, fast)
		assert.True(ok)
	}
	assert.False(isLagged(slow))

	// Case 1: overflow drops the oldest and flags the lag
	{
		seq := uut.Publish(Message{Origin: "ut", Patch: schedule.Patch{"A": "overflow"}})
		assert.True(isLagged(slow))
		assert.False(isLagged(fast))
		msg, ok := readMessage(t, slow)
		assert.True(ok)
		assert.Equal("1", msg.Patch["A"])
		msg, ok = readMessage(t, slow)
		assert.True(ok)
		assert.Equal("2", msg.Patch["A"])
		msg, ok = readMessage(t, slow)
		assert.True(ok)
		assert.Equal(seq, msg.Sequence)
	}

	// Case 2: lag flag stays set
	{
		uut.Publish(Message{Origin: "ut", Patch: schedule.Patch{"A": "again"}})
		assert.True(isLagged(slow))
	}
}

func TestBroadcasterClose(t *testing.T) {
	assert := assert.New(t)

	// Case 0: invalid queue length
	{
		_, err := GetBroadcaster("ut-bad", 0)
		assert.NotNil(err)
	}

	uut, err := GetBroadcaster("ut-close", 2)
	assert.Nil(err)
	sub, err := uut.Subscribe()
	assert.Nil(err)

	// Case 1: close ends the subscription
	{
		uut.Close()
		assert.True(uut.IsClosed())
		_, ok := readMessage(t, sub)
		assert.False(ok)
		assert.Equal(0, uut.SubscriberCount())
		// unsubscribe after shutdown is harmless
		sub.Close()
		uut.Close()
	}

	// Case 2: no new subscriptions or messages after close
	{
		_, err := uut.Subscribe()
		assert.Equal(ErrBroadcasterClosed, err)
		assert.Equal(uint64(0), uut.Publish(Message{Origin: "ut"}))
	}
}
