// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reportingtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Batch is one POST body a FakeServer received, decoded as the JSON array
// described by the delivery payload format.
type Batch []map[string]any

// FakeServer is a conforming upload endpoint for integration tests: it
// accepts POST application/reports+json and records every batch it
// receives, responding with a status code a test can script per call.
type FakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	Batches  []Batch
	Statuses []int // consumed in order; last entry repeats once exhausted.
}

// NewFakeServer starts a FakeServer that responds with 204 to every
// request until Statuses is set otherwise.
func NewFakeServer() *FakeServer {
	s := &FakeServer{Statuses: []int{http.StatusNoContent}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *FakeServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Content-Type") != "application/reports+json" {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	var batch Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.Batches = append(s.Batches, batch)
	status := s.nextStatusLocked()
	s.mu.Unlock()

	w.WriteHeader(status)
}

func (s *FakeServer) nextStatusLocked() int {
	if len(s.Statuses) == 0 {
		return http.StatusNoContent
	}
	if len(s.Batches) <= len(s.Statuses) {
		return s.Statuses[len(s.Batches)-1]
	}
	return s.Statuses[len(s.Statuses)-1]
}

// BatchCount reports how many batches have been received so far.
func (s *FakeServer) BatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Batches)
}
