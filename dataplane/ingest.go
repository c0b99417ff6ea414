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

	"github.com/alwitt/goutils"
	"github.com/alwitt/schedsync/broadcast"
	"github.com/alwitt/schedsync/schedule"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrInvalidClientID a patch referenced an unusable client ID
var ErrInvalidClientID = fmt.Errorf("invalid client ID")

// Ingestor is the single writer path into the schedule store
type Ingestor interface {
	// Ingest apply a patch submitted to this instance, then notify all stream
	// sessions once. An empty patch is a no-op.
	Ingest(ctxt context.Context, patch schedule.Patch) error
	// ApplyRemote apply a patch relayed from another instance. It is not
	// relayed again.
	ApplyRemote(ctxt context.Context, relayed RelayedPatch) error
}

// ingestorImpl implements Ingestor
type ingestorImpl struct {
	goutils.Component
	instance    string
	store       schedule.Store
	broadcaster broadcast.Broadcaster
	forwarder   PatchForwarder
	validate    *validator.Validate
}

// GetIngestor define a new Ingestor. forwarder may be nil when there are no peers.
func GetIngestor(
	instance string,
	store schedule.Store,
	broadcaster broadcast.Broadcaster,
	forwarder PatchForwarder,
) (Ingestor, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "ingestor", "instance": instance,
	}
	if store == nil || broadcaster == nil {
		err := fmt.Errorf("ingestor requires a store and a broadcaster")
		log.WithError(err).WithFields(logTags).Error("Unable to define ingestor")
		return nil, err
	}
	return &ingestorImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		instance:    instance,
		store:       store,
		broadcaster: broadcaster,
		forwarder:   forwarder,
		validate:    validator.New(),
	}, nil
}

// checkPatch verify every client ID in the patch before anything is written
func (i *ingestorImpl) checkPatch(patch schedule.Patch) error {
	for clientID := range patch {
		if err := i.validate.Var(clientID, "required"); err != nil {
			return fmt.Errorf("%w %q: %s", ErrInvalidClientID, clientID, err.Error())
		}
	}
	return nil
}

// apply write the patch into the store and publish it
func (i *ingestorImpl) apply(logTags log.Fields, origin string, patch schedule.Patch) {
	for clientID, value := range patch {
		i.store.Set(clientID, value)
	}
	seq := i.broadcaster.Publish(broadcast.Message{Origin: origin, Patch: patch.Copy()})
	log.WithFields(logTags).Debugf(
		"Applied %d entries from %s as update %d", len(patch), origin, seq,
	)
}

// Ingest apply a patch submitted to this instance
func (i *ingestorImpl) Ingest(ctxt context.Context, patch schedule.Patch) error {
	localLogTags := i.GetLogTagsForContext(ctxt)
	if len(patch) == 0 {
		log.WithFields(localLogTags).Debug("Empty patch, nothing to apply")
		return nil
	}
	if err := i.checkPatch(patch); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Rejecting patch")
		return err
	}
	i.apply(localLogTags, i.instance, patch)
	if i.forwarder != nil {
		// Peers are best effort, the local write already succeeded
		if err := i.forwarder.Forward(ctxt, patch); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to relay patch to peers")
		}
	}
	return nil
}

// ApplyRemote apply a patch relayed from another instance
func (i *ingestorImpl) ApplyRemote(ctxt context.Context, relayed RelayedPatch) error {
	localLogTags := i.GetLogTagsForContext(ctxt)
	if relayed.Origin == i.instance {
		log.WithFields(localLogTags).Debug("Ignoring own relayed patch")
		return nil
	}
	if len(relayed.Patch) == 0 {
		return nil
	}
	if err := i.checkPatch(relayed.Patch); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Rejecting patch relayed from %s", relayed.Origin,
		)
		return err
	}
	i.apply(localLogTags, relayed.Origin, relayed.Patch)
	return nil
}
