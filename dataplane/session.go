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

package dataplane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/schedsync/broadcast"
	"github.com/alwitt/schedsync/schedule"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrSubscriberLagged the session missed updates and its view can't be trusted
var ErrSubscriberLagged = fmt.Errorf("stream session fell behind the update stream")

// ErrStreamShutdown the update stream was shut down
var ErrStreamShutdown = fmt.Errorf("update stream shut down")

// SessionState stream session state
type SessionState int

const (
	// SessionOpening the initial snapshot is not yet sent
	SessionOpening SessionState = iota
	// SessionStreaming sending filtered renderings on each update
	SessionStreaming
	// SessionClosed the session ended
	SessionClosed
)

// String toString function
func (s SessionState) String() string {
	switch s {
	case SessionOpening:
		return "opening"
	case SessionStreaming:
		return "streaming"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// EventSink the transport a stream session writes its events to
type EventSink interface {
	// SendSchedule send one schedule rendering
	SendSchedule(sequence uint64, rendered string) error
	// SendKeepAlive send a keep-alive frame carrying no data
	SendKeepAlive() error
}

// StreamSessionParams stream session parameters
type StreamSessionParams struct {
	// ClientID is the client the stream is for. Its own entry is filtered out
	// of the updates.
	ClientID string `validate:"required"`
	// KeepAliveInterval is the interval between keep-alive frames
	KeepAliveInterval time.Duration `validate:"gt=0"`
}

// StreamSession one client's event stream of the shared schedule
type StreamSession struct {
	goutils.Component
	params StreamSessionParams
	store  schedule.Store
	sub    broadcast.Subscription
	lock   sync.Mutex
	state  SessionState
}

// GetStreamSession define a new StreamSession. The session subscribes to the
// broadcaster immediately, so no update after this call is missed by the
// initial snapshot.
func GetStreamSession(
	ctxt context.Context,
	params StreamSessionParams,
	store schedule.Store,
	broadcaster broadcast.Broadcaster,
) (*StreamSession, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "stream-session", "client": params.ClientID,
	}
	logTags = goutils.Component{
		LogTags: logTags,
		LogTagModifiers: []goutils.LogMetadataModifier{
			goutils.ModifyLogMetadataByRestRequestParam,
		},
	}.GetLogTagsForContext(ctxt)
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid stream session parameters")
		return nil, err
	}
	sub, err := broadcaster.Subscribe()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to subscribe for updates")
		if err == broadcast.ErrBroadcasterClosed {
			return nil, ErrStreamShutdown
		}
		return nil, err
	}
	logTags["session"] = sub.ID()
	return &StreamSession{
		Component: goutils.Component{LogTags: logTags},
		params:    params,
		store:     store,
		sub:       sub,
		state:     SessionOpening,
	}, nil
}

// ID the session ID
func (s *StreamSession) ID() string {
	return s.sub.ID()
}

// State the session state
func (s *StreamSession) State() SessionState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *StreamSession) setState(newState SessionState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	log.WithFields(s.LogTags).Debugf("%s -> %s", s.state, newState)
	s.state = newState
}

// Close end the session and release its subscription. Safe to call more than once.
func (s *StreamSession) Close() {
	s.sub.Close()
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != SessionClosed {
		log.WithFields(s.LogTags).Debugf("%s -> %s", s.state, SessionClosed)
		s.state = SessionClosed
	}
}

// Run send the initial snapshot, then stream updates until the context ends, the
// session lags behind, the broadcaster shuts down, or the sink fails.
//
// Returns nil when the context ended, ErrSubscriberLagged, ErrStreamShutdown, or
// the sink's error. The session is closed on return.
func (s *StreamSession) Run(ctxt context.Context, sink EventSink) error {
	defer s.Close()
	if s.State() != SessionOpening {
		return fmt.Errorf("session %s already %s", s.ID(), s.State())
	}

	// The opening snapshot includes this client's own entry
	if err := sink.SendSchedule(0, schedule.RenderSchedule(s.store, nil)); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to send initial snapshot")
		return err
	}
	s.setState(SessionStreaming)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	runCtxt, cancel := context.WithCancel(ctxt)
	defer cancel()

	keepAlive := make(chan struct{}, 1)
	timerLogTags := log.Fields{}
	for k, v := range s.LogTags {
		timerLogTags[k] = v
	}
	timerLogTags["timer"] = "keep-alive"
	timer, err := goutils.GetIntervalTimerInstance(runCtxt, &wg, timerLogTags)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to define keep-alive timer")
		return err
	}
	if err := timer.Start(s.params.KeepAliveInterval, func() error {
		select {
		case keepAlive <- struct{}{}:
		default:
		}
		return nil
	}, false); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start keep-alive timer")
		return err
	}
	defer func() {
		_ = timer.Stop()
	}()

	self := s.params.ClientID
	for {
		select {
		case <-runCtxt.Done():
			log.WithFields(s.LogTags).Info("Stream ended by client")
			return nil

		// Lag is terminal, the view can't be repaired from later messages
		case <-s.sub.Lagged():
			log.WithFields(s.LogTags).Warn("Terminating lagging stream")
			return ErrSubscriberLagged

		case msg, ok := <-s.sub.Messages():
			if !ok {
				log.WithFields(s.LogTags).Info("Terminating stream on update stream shutdown")
				return ErrStreamShutdown
			}
			// A lag flagged while this message waited means earlier ones are gone
			select {
			case <-s.sub.Lagged():
				log.WithFields(s.LogTags).Warn("Terminating lagging stream")
				return ErrSubscriberLagged
			default:
			}
			// The message only signals a change, the store has the current state
			rendered := schedule.RenderSchedule(s.store, &self)
			if err := sink.SendSchedule(msg.Sequence, rendered); err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf("Failed to send update %d", msg.Sequence)
				return err
			}
			log.WithFields(s.LogTags).Debugf("Sent update %d", msg.Sequence)

		case <-keepAlive:
			if err := sink.SendKeepAlive(); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Failed to send keep-alive")
				return err
			}
		}
	}
}
