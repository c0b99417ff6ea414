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

// Package assets serves the browser frontend bundled into the binary
package assets

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"path"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gabriel-vasile/mimetype"
)

//go:embed web
var embedFS embed.FS

// IndexPage path of the landing page
const IndexPage = "index.html"

// ErrAssetNotFound the requested asset does not exist
var ErrAssetNotFound = fmt.Errorf("asset not found")

// Asset one static file
type Asset struct {
	// Data file content
	Data []byte
	// ContentType MIME type of the content
	ContentType string
}

// Provider fetches static assets by path
type Provider interface {
	// Get fetch the asset at path, relative to the asset root
	Get(assetPath string) (Asset, error)
}

// embeddedProviderImpl implements Provider over the embedded frontend
type embeddedProviderImpl struct {
	goutils.Component
	root fs.FS
}

// GetEmbeddedProvider define a Provider serving the frontend built into the binary
func GetEmbeddedProvider() (Provider, error) {
	logTags := log.Fields{"module": "assets", "component": "embedded-provider"}
	root, err := fs.Sub(embedFS, "web")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open embedded asset root")
		return nil, err
	}
	return &embeddedProviderImpl{Component: goutils.Component{LogTags: logTags}, root: root}, nil
}

// Get fetch the asset at path
func (p *embeddedProviderImpl) Get(assetPath string) (Asset, error) {
	name := strings.TrimPrefix(assetPath, "/")
	if name == "" {
		name = IndexPage
	}
	if !fs.ValidPath(name) {
		return Asset{}, fmt.Errorf("%w: %s", ErrAssetNotFound, assetPath)
	}
	data, err := fs.ReadFile(p.root, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Asset{}, fmt.Errorf("%w: %s", ErrAssetNotFound, assetPath)
		}
		// directories land here
		log.WithError(err).WithFields(p.LogTags).Debugf("Unable to read %s", name)
		return Asset{}, fmt.Errorf("%w: %s", ErrAssetNotFound, assetPath)
	}
	return Asset{Data: data, ContentType: DetectContentType(name, data)}, nil
}

// DetectContentType guess the MIME type of a file from its extension, falling back
// to sniffing the content.
func DetectContentType(name string, data []byte) string {
	if byExt := mime.TypeByExtension(path.Ext(name)); byExt != "" {
		return byExt
	}
	return mimetype.Detect(data).String()
}
