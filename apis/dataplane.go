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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/goutils"
	"github.com/alwitt/schedsync/broadcast"
	"github.com/alwitt/schedsync/common"
	"github.com/alwitt/schedsync/core"
	"github.com/alwitt/schedsync/dataplane"
	"github.com/alwitt/schedsync/schedule"
	"github.com/apex/log"
	"github.com/gin-contrib/sse"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
)

// APIRestScheduleHandler REST handler for the shared schedule
type APIRestScheduleHandler struct {
	goutils.RestAPIHandler
	store       schedule.Store
	broadcaster broadcast.Broadcaster
	ingestor    dataplane.Ingestor
	natsClient  *core.NatsClient
	stream      common.StreamConfig
	validate    *validator.Validate
	baseContext context.Context
}

// GetAPIRestScheduleHandler define APIRestScheduleHandler
//
// natsClient is only set when the peer relay is enabled.
func GetAPIRestScheduleHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	streamConfig common.StreamConfig,
	store schedule.Store,
	broadcaster broadcast.Broadcaster,
	ingestor dataplane.Ingestor,
	natsClient *core.NatsClient,
) (APIRestScheduleHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "schedule",
	}
	if baseContext == nil || store == nil || broadcaster == nil || ingestor == nil {
		err := fmt.Errorf("schedule handler requires a context, a store, a broadcaster, and an ingestor")
		log.WithError(err).WithFields(logTags).Error("Unable to define handler")
		return APIRestScheduleHandler{}, err
	}
	return APIRestScheduleHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		store:          store,
		broadcaster:    broadcaster,
		ingestor:       ingestor,
		natsClient:     natsClient,
		stream:         streamConfig,
		validate:       validator.New(),
		baseContext:    baseContext,
	}, nil
}

// =======================================================================
// Schedule update

// -----------------------------------------------------------------------

// SubmitTimeResponse acknowledgement of a schedule update. The request ID is returned
// in the request ID header.
type SubmitTimeResponse struct {
	// Success is always true
	Success bool `json:"success"`
}

// SubmitTime godoc
// @Summary Update schedule entries
// @Description Merge a set of client schedule values into the shared schedule. Every
// stream is notified once per call.
// @tags schedule
// @Accept json
// @Produce json
// @Param Schedsync-Request-ID header string false "User provided request ID to match against logs"
// @Param patch body map[string]string true "Client ID to schedule value"
// @Success 200 {object} SubmitTimeResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /time [post]
func (h APIRestScheduleHandler) SubmitTime(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		reply(h.RestAPIHandler, w, respCode, respBody, localLogTags)
	}()

	var patch schedule.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.ingestor.Ingest(r.Context(), patch); err != nil {
		if errors.Is(err, dataplane.ErrInvalidClientID) {
			msg := "Invalid schedule update"
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		} else {
			msg := "Unable to apply schedule update"
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
		}
		return
	}

	respCode = http.StatusOK
	respBody = SubmitTimeResponse{Success: true}
}

// SubmitTimeHandler Wrapper around SubmitTime
func (h APIRestScheduleHandler) SubmitTimeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SubmitTime(w, r)
	}
}

// =======================================================================
// Schedule stream

// sseEventSink writes stream session events as server-sent events
type sseEventSink struct {
	writer        http.ResponseWriter
	flusher       http.Flusher
	keepAliveText string
}

// SendSchedule send one schedule rendering
func (s *sseEventSink) SendSchedule(sequence uint64, rendered string) error {
	if err := sse.Encode(s.writer, sse.Event{
		Id:   strconv.FormatUint(sequence, 10),
		Data: rendered,
	}); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendKeepAlive send a keep-alive comment frame
func (s *sseEventSink) SendKeepAlive() error {
	if _, err := fmt.Fprintf(s.writer, ": %s\n\n", s.keepAliveText); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// -----------------------------------------------------------------------

// StreamSchedule godoc
// @Summary Stream the shared schedule
// @Description Server-sent event stream of the shared schedule. The first event is
// the whole schedule; every later event leaves out the caller's own entry. The stream
// closes on client disconnect, server shutdown, or when the client falls behind.
// @tags schedule
// @Produce text/event-stream
// @Param Schedsync-Request-ID header string false "User provided request ID to match against logs"
// @Param clientId path string true "Client ID of the caller"
// @Success 200 {string} string "rendered schedule per event"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /sse/{clientId} [get]
func (h APIRestScheduleHandler) StreamSchedule(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	clientID := mux.Vars(r)["clientId"]
	if err := h.validate.Var(clientID, "required"); err != nil {
		msg := "No client ID provided"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		reply(
			h.RestAPIHandler,
			w,
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error()),
			localLogTags,
		)
		return
	}
	localLogTags["client"] = clientID

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Errorf(msg)
		reply(
			h.RestAPIHandler,
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg),
			localLogTags,
		)
		return
	}

	// The stream ends with either the request or the server
	runtimeCtxt, cancel := context.WithCancel(r.Context())
	defer cancel()
	stopOnShutdown := context.AfterFunc(h.baseContext, cancel)
	defer stopOnShutdown()

	session, err := dataplane.GetStreamSession(
		runtimeCtxt,
		dataplane.StreamSessionParams{
			ClientID: clientID, KeepAliveInterval: h.stream.KeepAliveDuration(),
		},
		h.store,
		h.broadcaster,
	)
	if err != nil {
		msg := "Unable to open schedule stream"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode := http.StatusInternalServerError
		if err == dataplane.ErrStreamShutdown {
			respCode = http.StatusServiceUnavailable
		}
		reply(
			h.RestAPIHandler,
			w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error()), localLogTags,
		)
		return
	}
	localLogTags["session"] = session.ID()

	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()

	log.WithFields(localLogTags).Info("Schedule stream opened")
	err = session.Run(runtimeCtxt, &sseEventSink{
		writer: w, flusher: writeFlusher, keepAliveText: h.stream.KeepAliveText,
	})
	switch err {
	case nil:
		log.WithFields(localLogTags).Info("Schedule stream closed")
	case dataplane.ErrSubscriberLagged, dataplane.ErrStreamShutdown:
		log.WithError(err).WithFields(localLogTags).Warn("Schedule stream terminated")
	default:
		log.WithError(err).WithFields(localLogTags).Error("Schedule stream failed")
	}
}

// StreamScheduleHandler Wrapper around StreamSchedule
func (h APIRestScheduleHandler) StreamScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamSchedule(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For schedsync liveness check
// @Description Will return success to indicate schedsync is live
// @tags health
// @Produce json
// @Param Schedsync-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestScheduleHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	reply(
		h.RestAPIHandler, w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), localLogTags,
	)
}

// AliveHandler Wrapper around Alive
func (h APIRestScheduleHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For schedsync readiness check
// @Description Will return success if schedsync is accepting updates and streams
// @tags health
// @Produce json
// @Param Schedsync-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestScheduleHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	var notReady string
	if h.broadcaster.IsClosed() {
		notReady = "update stream shut down"
	} else if h.natsClient != nil && h.natsClient.NATs().Status() != nats.CONNECTED {
		notReady = "peer relay not connected"
	}

	if notReady == "" {
		reply(
			h.RestAPIHandler, w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), localLogTags,
		)
		return
	}
	msg := "not ready"
	reply(
		h.RestAPIHandler,
		w,
		http.StatusInternalServerError,
		h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, notReady),
		localLogTags,
	)
}

// ReadyHandler Wrapper around Ready
func (h APIRestScheduleHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
