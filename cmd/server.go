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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/schedsync/apis"
	"github.com/alwitt/schedsync/assets"
	"github.com/alwitt/schedsync/broadcast"
	"github.com/alwitt/schedsync/common"
	"github.com/alwitt/schedsync/core"
	"github.com/alwitt/schedsync/dataplane"
	"github.com/alwitt/schedsync/schedule"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunServer run the schedsync server until the runtime context ends
//
// natsClient is required when config.Relay is set, and ignored otherwise.
func RunServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	store := schedule.GetInMemoryStore()
	broadcaster, err := broadcast.GetBroadcaster(instance, config.Stream.SubscriberQueueLen)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return err
	}
	defer broadcaster.Close()

	// Peer relay
	var relay dataplane.PeerRelay
	var forwarder dataplane.PatchForwarder
	if config.Relay != nil {
		if natsClient == nil {
			err := fmt.Errorf("peer relay is configured but there is no NATS client")
			log.WithError(err).WithFields(logTags).Error("Unable to define peer relay")
			return err
		}
		relay, err = dataplane.GetNATSPeerRelay(
			runTimeContext, natsClient, instance, config.Relay.Subject, config.Relay.InboundQueueLen,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define peer relay")
			return err
		}
		forwarder = relay
	} else {
		natsClient = nil
	}

	ingestor, err := dataplane.GetIngestor(instance, store, broadcaster, forwarder)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define ingestor")
		return err
	}

	if relay != nil {
		if err := relay.Start(wg, ingestor.ApplyRemote); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start peer relay")
			return err
		}
		log.WithFields(logTags).Infof("Relaying schedule updates on %s", config.Relay.Subject)
	}

	// -------------------------------------------------------------------
	// Define the HTTP handlers

	provider, err := assets.GetEmbeddedProvider()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define asset provider")
		return err
	}
	scheduleHandler, err := apis.GetAPIRestScheduleHandler(
		runTimeContext, &config.HTTP, config.Stream, store, broadcaster, ingestor, natsClient,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define schedule HTTP handler")
		return err
	}
	assetHandler, err := apis.GetAPIRestAssetHandler(&config.HTTP, provider)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define asset HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := apis.BuildRouter(&config.HTTP, scheduleHandler, assetHandler)

	serverCfg := config.HTTP.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	serverFailure := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serverFailure <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	var runErr error
	select {
	case <-runTimeContext.Done():
	case runErr = <-serverFailure:
	}

	// End the open streams before stopping the HTTP server
	broadcaster.Close()
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return runErr
}
