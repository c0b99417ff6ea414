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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/schedsync/assets"
	"github.com/alwitt/schedsync/broadcast"
	"github.com/alwitt/schedsync/common"
	"github.com/alwitt/schedsync/dataplane"
	"github.com/alwitt/schedsync/schedule"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

const testRequestIDHeader = "Schedsync-Request-ID"

// testService one service instance behind an httptest server
type testService struct {
	store       schedule.Store
	broadcaster broadcast.Broadcaster
	server      *httptest.Server
}

func defineTestService(t *testing.T, ctxt context.Context) testService {
	return defineTestServiceWithWriteTimeout(t, ctxt, 0)
}

func defineTestServiceWithWriteTimeout(
	t *testing.T, ctxt context.Context, writeTimeout time.Duration,
) testService {
	assert := assert.New(t)

	httpConfig := common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: testRequestIDHeader, DoNotLogHeaders: []string{"Authorization"},
		},
		CORS: common.HTTPCORSConfig{AllowedOrigins: []string{"*"}},
	}
	streamConfig := common.StreamConfig{
		SubscriberQueueLen: 16, KeepAliveInterval: 1, KeepAliveText: "keep-alive-text",
	}

	store := schedule.GetInMemoryStore()
	bcast, err := broadcast.GetBroadcaster("ut-apis", streamConfig.SubscriberQueueLen)
	assert.Nil(err)
	ingestor, err := dataplane.GetIngestor("ut", store, bcast, nil)
	assert.Nil(err)
	provider, err := assets.GetEmbeddedProvider()
	assert.Nil(err)

	scheduleHandler, err := GetAPIRestScheduleHandler(
		ctxt, &httpConfig, streamConfig, store, bcast, ingestor, nil,
	)
	assert.Nil(err)
	assetHandler, err := GetAPIRestAssetHandler(&httpConfig, provider)
	assert.Nil(err)

	server := httptest.NewUnstartedServer(BuildRouter(&httpConfig, scheduleHandler, assetHandler))
	server.Config.WriteTimeout = writeTimeout
	server.Start()

	return testService{store: store, broadcaster: bcast, server: server}
}

func postTime(t *testing.T, svc testService, body string) (int, goutils.RestAPIBaseResponse) {
	code, _, parsed := postTimeRaw(t, svc, body)
	return code, parsed
}

func postTimeRaw(
	t *testing.T, svc testService, body string,
) (int, string, goutils.RestAPIBaseResponse) {
	resp, err := http.Post(svc.server.URL+"/time", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /time failed: %s", err.Error())
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("unable to read response: %s", err.Error())
	}
	var parsed goutils.RestAPIBaseResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Errorf("unable to parse response: %s", err.Error())
	}
	return resp.StatusCode, string(raw), parsed
}

// sseEvent one parsed server-sent event
type sseEvent struct {
	id   string
	data string
}

// readSSEEvent read the next event, skipping comment frames
func readSSEEvent(reader *bufio.Reader) (sseEvent, error) {
	event := sseEvent{}
	hasField := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return event, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if hasField {
				return event, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			event.id = strings.TrimPrefix(line, "id:")
			hasField = true
		case strings.HasPrefix(line, "data:"):
			event.data = strings.TrimPrefix(line, "data:")
			hasField = true
		}
	}
}

func readSSEEventWithTimeout(t *testing.T, reader *bufio.Reader) sseEvent {
	result := make(chan sseEvent, 1)
	go func() {
		event, err := readSSEEvent(reader)
		if err != nil {
			t.Errorf("stream read failed: %s", err.Error())
		}
		result <- event
	}()
	select {
	case event := <-result:
		return event
	case <-time.After(time.Second * 5):
		t.Errorf("timed out reading stream")
		return sseEvent{}
	}
}

func TestScheduleIngestAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	svc := defineTestService(t, utCtxt)
	defer svc.server.Close()
	defer svc.broadcaster.Close()

	// Case 0: valid update
	{
		code, raw, resp := postTimeRaw(t, svc, `{"A":"10","B":"20"}`)
		assert.Equal(http.StatusOK, code)
		assert.True(resp.Success)
		assert.Equal(`{"success":true}`, raw)
		assert.Equal("A:10|B:20", schedule.RenderSchedule(svc.store, nil))
	}

	// Case 1: malformed body
	{
		for _, body := range []string{`not json`, `{"A": 1}`, `["A","B"]`} {
			code, resp := postTime(t, svc, body)
			assert.Equal(http.StatusBadRequest, code, body)
			assert.False(resp.Success, body)
			assert.NotNil(resp.Error, body)
		}
		assert.Equal("A:10|B:20", schedule.RenderSchedule(svc.store, nil))
	}

	// Case 2: empty client ID
	{
		code, resp := postTime(t, svc, `{"A":"99","":"1"}`)
		assert.Equal(http.StatusBadRequest, code)
		assert.False(resp.Success)
		assert.Equal(http.StatusBadRequest, resp.Error.Code)
		assert.Equal("A:10|B:20", schedule.RenderSchedule(svc.store, nil))
	}

	// Case 3: empty update gets the same acknowledgement
	{
		code, raw, _ := postTimeRaw(t, svc, `{}`)
		assert.Equal(http.StatusOK, code)
		assert.Equal(`{"success":true}`, raw)
	}

	// Case 4: caller provided request ID
	{
		req, err := http.NewRequest(
			http.MethodPost, svc.server.URL+"/time", bytes.NewBufferString(`{"C":"30"}`),
		)
		assert.Nil(err)
		req.Header.Set(testRequestIDHeader, "ut-request-id")
		resp, err := http.DefaultClient.Do(req)
		assert.Nil(err)
		defer resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Equal("ut-request-id", resp.Header.Get(testRequestIDHeader))
		raw, err := io.ReadAll(resp.Body)
		assert.Nil(err)
		assert.Equal(`{"success":true}`, string(raw))
	}

	// Case 5: errors carry the request ID
	{
		req, err := http.NewRequest(
			http.MethodPost, svc.server.URL+"/time", bytes.NewBufferString(`{"":"1"}`),
		)
		assert.Nil(err)
		req.Header.Set(testRequestIDHeader, "ut-request-id-2")
		resp, err := http.DefaultClient.Do(req)
		assert.Nil(err)
		defer resp.Body.Close()
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		assert.Equal("ut-request-id-2", resp.Header.Get(testRequestIDHeader))
		var parsed goutils.RestAPIBaseResponse
		assert.Nil(json.NewDecoder(resp.Body).Decode(&parsed))
		assert.Equal("ut-request-id-2", parsed.RequestID)
		assert.Equal(http.StatusBadRequest, parsed.Error.Code)
	}
}

func TestScheduleStreamAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	svc := defineTestService(t, utCtxt)
	defer svc.server.Close()

	code, _ := postTime(t, svc, `{"A":"10","B":"20"}`)
	assert.Equal(http.StatusOK, code)

	streamCtxt, streamCancel := context.WithCancel(utCtxt)
	defer streamCancel()
	req, err := http.NewRequestWithContext(streamCtxt, http.MethodGet, svc.server.URL+"/sse/A", nil)
	assert.Nil(err)
	resp, err := http.DefaultClient.Do(req)
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("text/event-stream", resp.Header.Get("Content-Type"))
	reader := bufio.NewReader(resp.Body)

	// Case 0: opening snapshot is the whole schedule
	{
		event := readSSEEventWithTimeout(t, reader)
		assert.Equal("0", event.id)
		assert.Equal("A:10|B:20", event.data)
	}

	// Case 1: updates leave out the caller's own entry
	{
		code, _ := postTime(t, svc, `{"B":"21"}`)
		assert.Equal(http.StatusOK, code)
		event := readSSEEventWithTimeout(t, reader)
		assert.NotEqual("0", event.id)
		assert.Equal("B:21", event.data)
	}

	// Case 2: caller's own update
	{
		code, _ := postTime(t, svc, `{"A":"11","C":"30"}`)
		assert.Equal(http.StatusOK, code)
		event := readSSEEventWithTimeout(t, reader)
		assert.Equal("B:21|C:30", event.data)
	}

	// Case 3: keep-alive while idle
	{
		line := ""
		deadline := time.Now().Add(time.Second * 5)
		for !strings.HasPrefix(line, ": keep-alive-text") && time.Now().Before(deadline) {
			line, err = reader.ReadString('\n')
			assert.Nil(err)
		}
		assert.True(strings.HasPrefix(line, ": keep-alive-text"))
	}

	// Case 4: client disconnect releases the session
	{
		assert.Equal(1, svc.broadcaster.SubscriberCount())
		streamCancel()
		assert.Eventually(func() bool {
			return svc.broadcaster.SubscriberCount() == 0
		}, time.Second*5, time.Millisecond*20)
	}

	// Case 5: no streams after shutdown
	{
		svc.broadcaster.Close()
		resp, err := http.Get(svc.server.URL + "/sse/A")
		assert.Nil(err)
		defer resp.Body.Close()
		assert.Equal(http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func TestScheduleStreamServerShutdown(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	svc := defineTestService(t, utCtxt)
	defer svc.server.Close()
	defer svc.broadcaster.Close()

	resp, err := http.Get(svc.server.URL + "/sse/X")
	assert.Nil(err)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	event := readSSEEventWithTimeout(t, reader)
	assert.Equal("", event.data)

	// Stopping the server ends the stream
	utCtxtCancel()
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, reader)
		done <- err
	}()
	select {
	case <-done:
	case <-time.After(time.Second * 5):
		assert.Fail("stream did not end on server stop")
	}
	assert.Eventually(func() bool {
		return svc.broadcaster.SubscriberCount() == 0
	}, time.Second*5, time.Millisecond*20)
}

func TestScheduleStreamOutlivesWriteTimeout(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	svc := defineTestServiceWithWriteTimeout(t, utCtxt, time.Second)
	defer svc.server.Close()
	defer svc.broadcaster.Close()

	resp, err := http.Get(svc.server.URL + "/sse/C")
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	reader := bufio.NewReader(resp.Body)
	event := readSSEEventWithTimeout(t, reader)
	assert.Equal("0", event.id)

	// Past the server write timeout
	time.Sleep(time.Millisecond * 1500)

	code, _ := postTime(t, svc, `{"A":"late"}`)
	assert.Equal(http.StatusOK, code)
	event = readSSEEventWithTimeout(t, reader)
	assert.Equal("A:late", event.data)
}

func TestHealthAPI(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	svc := defineTestService(t, utCtxt)
	defer svc.server.Close()

	check := func(path string) int {
		resp, err := http.Get(svc.server.URL + path)
		assert.Nil(err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	// Case 0: healthy
	assert.Equal(http.StatusOK, check("/alive"))
	assert.Equal(http.StatusOK, check("/ready"))

	// Case 1: update stream shut down
	svc.broadcaster.Close()
	assert.Equal(http.StatusOK, check("/alive"))
	assert.Equal(http.StatusInternalServerError, check("/ready"))
}

func TestAssetAPI(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	svc := defineTestService(t, utCtxt)
	defer svc.server.Close()
	defer svc.broadcaster.Close()

	get := func(path string) (*http.Response, string) {
		resp, err := http.Get(svc.server.URL + path)
		assert.Nil(err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		assert.Nil(err)
		return resp, string(body)
	}

	// Case 0: landing page
	{
		resp, body := get("/")
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Contains(resp.Header.Get("Content-Type"), "text/html")
		assert.Contains(body, "<html")
		assert.NotEmpty(resp.Header.Get(testRequestIDHeader))
	}

	// Case 1: frontend files
	{
		resp, _ := get("/assets/app.js")
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Contains(resp.Header.Get("Content-Type"), "javascript")
		resp, _ = get("/assets/app.css")
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Contains(resp.Header.Get("Content-Type"), "text/css")
	}

	// Case 2: unknown paths name the missing path
	{
		for _, path := range []string{"/assets/missing.js", "/not-here", "/assets/"} {
			resp, body := get(path)
			assert.Equal(http.StatusNotFound, resp.StatusCode, path)
			assert.Contains(body, path)
			var parsed goutils.RestAPIBaseResponse
			assert.Nil(json.Unmarshal([]byte(body), &parsed), path)
			assert.False(parsed.Success, path)
			assert.NotEmpty(parsed.RequestID, path)
		}
	}
}

func TestCORS(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	svc := defineTestService(t, utCtxt)
	defer svc.server.Close()
	defer svc.broadcaster.Close()

	// Case 0: preflight
	{
		req, err := http.NewRequest(http.MethodOptions, svc.server.URL+"/time", nil)
		assert.Nil(err)
		req.Header.Set("Origin", "http://example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Content-Type")
		resp, err := http.DefaultClient.Do(req)
		assert.Nil(err)
		resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.NotEmpty(resp.Header.Get("Access-Control-Allow-Origin"))
	}

	// Case 1: cross origin update
	{
		req, err := http.NewRequest(
			http.MethodPost, svc.server.URL+"/time", strings.NewReader(`{"A":"1"}`),
		)
		assert.Nil(err)
		req.Header.Set("Origin", "http://example.com")
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		assert.Nil(err)
		resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.NotEmpty(resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Equal("A:1", schedule.RenderSchedule(svc.store, nil))
	}
}

func TestHandlerParams(t *testing.T) {
	assert := assert.New(t)

	httpConfig := common.HTTPConfig{}
	store := schedule.GetInMemoryStore()
	bcast, err := broadcast.GetBroadcaster("ut-apis-params", 4)
	assert.Nil(err)
	defer bcast.Close()
	ingestor, err := dataplane.GetIngestor("ut", store, bcast, nil)
	assert.Nil(err)

	_, err = GetAPIRestScheduleHandler(
		context.Background(), &httpConfig, common.StreamConfig{}, nil, bcast, ingestor, nil,
	)
	assert.NotNil(err)
	_, err = GetAPIRestScheduleHandler(
		context.Background(), &httpConfig, common.StreamConfig{}, store, bcast, nil, nil,
	)
	assert.NotNil(err)
	_, err = GetAPIRestAssetHandler(&httpConfig, nil)
	assert.NotNil(err)
	_, err = GetAPIRestScheduleHandler(
		context.Background(), &httpConfig, common.StreamConfig{}, store, bcast, ingestor, nil,
	)
	assert.Nil(err)
}
