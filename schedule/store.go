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

package schedule

import (
	"sync"
)

// Store the shared client ID -> schedule value mapping
type Store interface {
	// Set record the value for a client, replacing any previous value
	Set(clientID, value string)
	// Get fetch the current value for a client
	Get(clientID string) (string, bool)
	// Keys fetch a point-in-time list of all known client IDs
	Keys() []string
}

// inMemoryStore implements Store
type inMemoryStore struct {
	lock    sync.Mutex
	entries map[string]string
}

// GetInMemoryStore define a new in-memory Store
func GetInMemoryStore() Store {
	return &inMemoryStore{entries: make(map[string]string)}
}

// Set record the value for a client, replacing any previous value
func (s *inMemoryStore) Set(clientID, value string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.entries[clientID] = value
}

// Get fetch the current value for a client
func (s *inMemoryStore) Get(clientID string) (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	v, ok := s.entries[clientID]
	return v, ok
}

// Keys fetch a point-in-time list of all known client IDs
func (s *inMemoryStore) Keys() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]string, 0, len(s.entries))
	for clientID := range s.entries {
		result = append(result, clientID)
	}
	return result
}
