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
	"fmt"
	"sort"
	"strings"
)

// EntrySeparator separates the client entries of a rendered schedule
const EntrySeparator = "|"

// Patch is a batch of client ID -> schedule value updates
type Patch map[string]string

// Copy make a copy of the patch
func (p Patch) Copy() Patch {
	result := make(Patch, len(p))
	for k, v := range p {
		result[k] = v
	}
	return result
}

// ClientIDs the client IDs in the patch, sorted
func (p Patch) ClientIDs() []string {
	result := make([]string, 0, len(p))
	for k := range p {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// RenderSchedule render the content of the store as "id:value" entries joined by
// EntrySeparator. If exclude is given, that client is left out of the rendering.
//
// Entries are sorted by client ID. An empty store renders as "".
func RenderSchedule(store Store, exclude *string) string {
	clientIDs := store.Keys()
	sort.Strings(clientIDs)
	entries := make([]string, 0, len(clientIDs))
	for _, clientID := range clientIDs {
		if exclude != nil && clientID == *exclude {
			continue
		}
		value, ok := store.Get(clientID)
		if !ok {
			continue
		}
		entries = append(entries, fmt.Sprintf("%s:%s", clientID, value))
	}
	return strings.Join(entries, EntrySeparator)
}
