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

// Package reportingtest collects deterministic test doubles for the
// reporting core's collaborator interfaces: Clock, Delegate, Store and
// Uploader, plus a FakeServer that plays the role of a conforming upload
// endpoint.
package reportingtest

import (
	"context"
	"sync"
	"time"

	"github.com/google/webreporting/reportingcore"
)

// FakeClock is a Clock a test can advance explicitly.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a FakeClock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now implements reportingcore.Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// AllowAllDelegate accepts every origin.
type AllowAllDelegate struct{}

// CanQueue implements reportingcore.Delegate.
func (AllowAllDelegate) CanQueue(string) bool { return true }

// DenyOriginsDelegate rejects any origin in Denied.
type DenyOriginsDelegate struct {
	Denied map[string]bool
}

// CanQueue implements reportingcore.Delegate.
func (d DenyOriginsDelegate) CanQueue(origin string) bool {
	return !d.Denied[origin]
}

// FakeStore is an in-memory Store. Every Load call delivers the seed
// passed to NewFakeStore, together with LoadErr; Write appends every
// call's snapshot to Writes for inspection.
type FakeStore struct {
	mu      sync.Mutex
	seed    []reportingcore.StoredGroup
	loaded  bool
	Writes  [][]reportingcore.StoredGroup
	LoadErr error
}

// NewFakeStore returns a FakeStore that will deliver seed on first Load.
func NewFakeStore(seed []reportingcore.StoredGroup) *FakeStore {
	return &FakeStore{seed: seed}
}

// Load implements reportingcore.Store. The result is sent on an already
// buffered channel so tests do not need a goroutine to receive it.
func (s *FakeStore) Load(ctx context.Context) <-chan reportingcore.LoadResult {
	ch := make(chan reportingcore.LoadResult, 1)
	s.mu.Lock()
	seed := s.seed
	err := s.LoadErr
	s.loaded = true
	s.mu.Unlock()
	ch <- reportingcore.LoadResult{Groups: seed, Err: err}
	return ch
}

// Write implements reportingcore.Store.
func (s *FakeStore) Write(ctx context.Context, groups []reportingcore.StoredGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]reportingcore.StoredGroup, len(groups))
	copy(cp, groups)
	s.Writes = append(s.Writes, cp)
	return nil
}

// WriteCount reports how many times Write has been called.
func (s *FakeStore) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Writes)
}

// UploadCall records one Upload invocation the FakeUploader received.
type UploadCall struct {
	EndpointURL string
	Payload     []byte
	Partition   reportingcore.PartitionKey
}

// FakeUploader is a scripted Uploader: each call to Upload consumes the
// next entry of Results (cycling the last one if it runs out), and the
// call itself is recorded in Calls.
type FakeUploader struct {
	mu      sync.Mutex
	Results []reportingcore.UploadResult
	Calls   []UploadCall
	next    int
}

// NewFakeUploader returns a FakeUploader that will hand out results in
// order, repeating the last one once exhausted.
func NewFakeUploader(results ...reportingcore.UploadResult) *FakeUploader {
	return &FakeUploader{Results: results}
}

// Upload implements reportingcore.Uploader. The result is delivered on an
// already buffered channel, modeling a completed async upload a test can
// drain with a single non-blocking receive.
func (u *FakeUploader) Upload(ctx context.Context, endpointURL string, payload []byte, partition reportingcore.PartitionKey) <-chan reportingcore.UploadResult {
	u.mu.Lock()
	u.Calls = append(u.Calls, UploadCall{EndpointURL: endpointURL, Payload: payload, Partition: partition})
	var result reportingcore.UploadResult
	if len(u.Results) == 0 {
		result = reportingcore.UploadResult{Outcome: reportingcore.UploadSuccess}
	} else if u.next < len(u.Results) {
		result = u.Results[u.next]
		u.next++
	} else {
		result = u.Results[len(u.Results)-1]
	}
	u.mu.Unlock()

	ch := make(chan reportingcore.UploadResult, 1)
	ch <- result
	return ch
}

// CallCount reports how many times Upload has been called.
func (u *FakeUploader) CallCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.Calls)
}

// PendingUploader defers delivering a result until Resolve is called,
// for tests that need to observe the in-flight state of an upload (e.g.
// Cache.IsUploading, Endpoint.PendingUpload) before it completes.
type PendingUploader struct {
	mu      sync.Mutex
	pending []chan<- reportingcore.UploadResult
	Calls   []UploadCall
}

// Upload implements reportingcore.Uploader.
func (u *PendingUploader) Upload(ctx context.Context, endpointURL string, payload []byte, partition reportingcore.PartitionKey) <-chan reportingcore.UploadResult {
	ch := make(chan reportingcore.UploadResult, 1)
	u.mu.Lock()
	u.Calls = append(u.Calls, UploadCall{EndpointURL: endpointURL, Payload: payload, Partition: partition})
	u.pending = append(u.pending, ch)
	u.mu.Unlock()
	return ch
}

// Resolve completes the oldest still-pending upload with result.
func (u *PendingUploader) Resolve(result reportingcore.UploadResult) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.pending) == 0 {
		return
	}
	ch := u.pending[0]
	u.pending = u.pending[1:]
	ch <- result
}

// InFlight reports how many uploads are awaiting Resolve.
func (u *PendingUploader) InFlight() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

// CallCount reports how many times Upload has been called.
func (u *PendingUploader) CallCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.Calls)
}
