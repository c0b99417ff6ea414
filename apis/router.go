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
	"net/http"

	"github.com/alwitt/schedsync/common"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// BuildRouter define the HTTP routes of the service, with request logging and CORS
func BuildRouter(
	httpConfig *common.HTTPConfig,
	scheduleHandler APIRestScheduleHandler,
	assetHandler APIRestAssetHandler,
) http.Handler {
	router := mux.NewRouter()
	scheduleLogged := scheduleHandler.LoggingMiddleware
	assetLogged := assetHandler.LoggingMiddleware

	// Schedule
	_ = RegisterPathPrefix(router, "/time", MethodHandlers{
		"post": scheduleLogged(scheduleHandler.SubmitTimeHandler()),
	})
	_ = RegisterPathPrefix(router, "/sse/{clientId}", MethodHandlers{
		"get": releaseWriteDeadline(
			scheduleHandler.LogTags, scheduleLogged(scheduleHandler.StreamScheduleHandler()),
		),
	})

	// Health check
	_ = RegisterPathPrefix(router, "/alive", MethodHandlers{
		"get": scheduleLogged(scheduleHandler.AliveHandler()),
	})
	_ = RegisterPathPrefix(router, "/ready", MethodHandlers{
		"get": scheduleLogged(scheduleHandler.ReadyHandler()),
	})

	// Frontend
	router.Methods("GET").Path("/").HandlerFunc(assetLogged(assetHandler.IndexPageHandler()))
	router.Methods("GET").PathPrefix("/assets/").HandlerFunc(assetLogged(assetHandler.AssetHandler()))
	router.NotFoundHandler = assetLogged(assetHandler.NotFoundHandler())

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLogWriter{logTags: scheduleHandler.LogTags}, next)
	})

	requestIDHeader := httpConfig.Logging.RequestIDHeader
	return handlers.CORS(
		handlers.AllowedOrigins(httpConfig.CORS.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", requestIDHeader}),
		handlers.ExposedHeaders([]string{requestIDHeader}),
	)(router)
}
