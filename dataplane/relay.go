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
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/schedsync/core"
	"github.com/alwitt/schedsync/schedule"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// RelayedPatch a patch exchanged between service instances
type RelayedPatch struct {
	// Origin is the instance which accepted the patch from a client
	Origin string `json:"origin" validate:"required"`
	// Patch is the set of changes
	Patch schedule.Patch `json:"patch" validate:"required"`
}

// String toString function
func (p RelayedPatch) String() string {
	return fmt.Sprintf("PATCH@%s%v", p.Origin, p.Patch.ClientIDs())
}

// RelayedPatchHandler is the function signature for callback processing a relayed patch
type RelayedPatchHandler func(ctxt context.Context, patch RelayedPatch) error

// PatchForwarder sends locally accepted patches to the other instances
type PatchForwarder interface {
	// Forward send a patch to the other instances
	Forward(ctxt context.Context, patch schedule.Patch) error
}

// PeerRelay exchanges patches with the other instances
type PeerRelay interface {
	PatchForwarder
	// Start begin receiving patches from the other instances
	Start(wg *sync.WaitGroup, handler RelayedPatchHandler) error
}

// natsPeerRelayImpl implements PeerRelay over a NATS subject
type natsPeerRelayImpl struct {
	goutils.Component
	instance     string
	subject      string
	nats         *core.NatsClient
	inbound      goutils.TaskProcessor
	lock         sync.Mutex
	started      bool
	subscription *nats.Subscription
	validate     *validator.Validate
	ctxt         context.Context
}

// GetNATSPeerRelay define a NATS backed PeerRelay. Relayed patches are queued and
// applied in arrival order; inboundQueueLen bounds that queue.
func GetNATSPeerRelay(
	ctxt context.Context,
	natsClient *core.NatsClient,
	instance, subject string,
	inboundQueueLen int,
) (PeerRelay, error) {
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "nats-peer-relay",
		"instance":  instance,
		"subject":   subject,
	}
	if natsClient == nil || subject == "" || instance == "" {
		err := fmt.Errorf("peer relay requires a NATS client, a subject, and an instance name")
		log.WithError(err).WithFields(logTags).Error("Unable to define peer relay")
		return nil, err
	}
	if inboundQueueLen < 1 {
		err := fmt.Errorf("peer relay inbound queue length must be at least 1")
		log.WithError(err).WithFields(logTags).Error("Unable to define peer relay")
		return nil, err
	}
	inbound, err := goutils.GetNewTaskProcessorInstance(
		ctxt, fmt.Sprintf("relay-inbound/%s", instance), inboundQueueLen, logTags,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define inbound task processor")
		return nil, err
	}
	return &natsPeerRelayImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		instance:  instance,
		subject:   subject,
		nats:      natsClient,
		inbound:   inbound,
		started:   false,
		validate:  validator.New(),
		ctxt:      ctxt,
	}, nil
}

// Forward send a patch to the other instances
func (r *natsPeerRelayImpl) Forward(ctxt context.Context, patch schedule.Patch) error {
	localLogTags := r.GetLogTagsForContext(ctxt)
	msg := RelayedPatch{Origin: r.instance, Patch: patch}
	payload, err := json.Marshal(&msg)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to serialize %s", msg)
		return err
	}
	if err := r.nats.NATs().Publish(r.subject, payload); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Failed to send %s", msg)
		return err
	}
	log.WithFields(localLogTags).Debugf("Sent %s", msg)
	return nil
}

// Start begin receiving patches from the other instances
func (r *natsPeerRelayImpl) Start(wg *sync.WaitGroup, handler RelayedPatchHandler) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.started {
		return fmt.Errorf("relay on %s already started", r.subject)
	}

	if err := r.inbound.AddToTaskExecutionMap(
		reflect.TypeOf(RelayedPatch{}), func(param interface{}) error {
			return handler(r.ctxt, param.(RelayedPatch))
		},
	); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to register relayed patch handler")
		return err
	}
	if err := r.inbound.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start inbound event loop")
		return err
	}

	sub, err := r.nats.NATs().Subscribe(r.subject, func(msg *nats.Msg) {
		var patch RelayedPatch
		if err := json.Unmarshal(msg.Data, &patch); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Failed to read relayed patch: %s", msg.Data)
			return
		}
		if err := r.validate.Struct(&patch); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Failed to validate relayed patch: %s", msg.Data)
			return
		}
		if patch.Origin == r.instance {
			return
		}
		log.WithFields(r.LogTags).Debugf("Received %s", patch)
		if err := r.inbound.Submit(r.ctxt, patch); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to queue %s", patch)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to subscribe to %s", r.subject)
		_ = r.inbound.StopEventLoop()
		return err
	}
	// Make sure the server registered the subscription before anything is relayed
	if err := r.nats.NATs().Flush(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Warnf("Flush after subscribing to %s failed", r.subject)
	}
	r.subscription = sub
	r.started = true

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-r.ctxt.Done()
		if err := r.subscription.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Error occurred when unsubscribing from %s", r.subject,
			)
		}
		_ = r.inbound.StopEventLoop()
		log.WithFields(r.LogTags).Infof("Unsubscribed from %s", r.subject)
	}()
	return nil
}
