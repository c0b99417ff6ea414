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
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/goutils"
	"github.com/alwitt/schedsync/assets"
	"github.com/alwitt/schedsync/common"
	"github.com/apex/log"
)

// APIRestAssetHandler REST handler serving the browser frontend
type APIRestAssetHandler struct {
	goutils.RestAPIHandler
	provider assets.Provider
}

// GetAPIRestAssetHandler define APIRestAssetHandler
func GetAPIRestAssetHandler(
	httpConfig *common.HTTPConfig, provider assets.Provider,
) (APIRestAssetHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "assets",
	}
	if provider == nil {
		err := fmt.Errorf("asset handler requires an asset provider")
		log.WithError(err).WithFields(logTags).Error("Unable to define handler")
		return APIRestAssetHandler{}, err
	}
	return APIRestAssetHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		provider:       provider,
	}, nil
}

// serveAsset write out one asset, or a 404 naming the requested path
func (h APIRestAssetHandler) serveAsset(w http.ResponseWriter, r *http.Request, assetPath string) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	asset, err := h.provider.Get(assetPath)
	if err != nil {
		if errors.Is(err, assets.ErrAssetNotFound) {
			h.notFound(w, r)
			return
		}
		msg := "Unable to read asset"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		reply(
			h.RestAPIHandler,
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error()),
			localLogTags,
		)
		return
	}
	w.Header().Set("Content-Type", asset.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(asset.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(asset.Data); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Failed to write %s", assetPath)
	}
}

// notFound reply with a 404 naming the requested path
func (h APIRestAssetHandler) notFound(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	msg := fmt.Sprintf("Not found: %s", r.URL.Path)
	log.WithFields(localLogTags).Debug(msg)
	reply(
		h.RestAPIHandler,
		w,
		http.StatusNotFound,
		h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, r.URL.Path),
		localLogTags,
	)
}

// -----------------------------------------------------------------------

// IndexPage godoc
// @Summary Browser frontend
// @tags assets
// @Produce html
// @Success 200 {string} string "index page"
// @Router / [get]
func (h APIRestAssetHandler) IndexPage(w http.ResponseWriter, r *http.Request) {
	h.serveAsset(w, r, assets.IndexPage)
}

// IndexPageHandler Wrapper around IndexPage
func (h APIRestAssetHandler) IndexPageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.IndexPage(w, r)
	}
}

// -----------------------------------------------------------------------

// Asset godoc
// @Summary Browser frontend script, style, and media files
// @tags assets
// @Success 200 {string} string "asset content"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /assets/{path} [get]
func (h APIRestAssetHandler) Asset(w http.ResponseWriter, r *http.Request) {
	h.serveAsset(w, r, r.URL.Path)
}

// AssetHandler Wrapper around Asset
func (h APIRestAssetHandler) AssetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Asset(w, r)
	}
}

// NotFoundHandler reply 404 for any unknown path
func (h APIRestAssetHandler) NotFoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.notFound(w, r)
	}
}
