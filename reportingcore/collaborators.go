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

package reportingcore

import (
	"context"
	"time"
)

// Clock is the monotonic tick source the core reads instead of calling
// time.Now directly, so tests can control elapsed time precisely.
type Clock interface {
	Now() time.Time
}

// Delegate is the embedder policy consulted before accepting a report.
type Delegate interface {
	// CanQueue reports whether a report from the given origin may be
	// queued at all.
	CanQueue(origin string) bool
}

// StoredGroup is the Store's on-disk representation of one EndpointGroup,
// exposed only at the Load/Write boundary. The Store's own encoding is
// opaque to the core; this struct is the in-memory shape it marshals.
type StoredGroup struct {
	Key               groupKeyData
	IncludeSubdomains bool
	Expiry            time.Time
	LastUsed          time.Time
	Endpoints         []StoredEndpoint
}

// groupKeyData is the exported, flattened form of groupKey used across the
// Store boundary (groupKey itself stays unexported to keep callers going
// through the constructors that enforce the origin/source exclusivity
// invariant).
type groupKeyData struct {
	Origin    string
	Partition string
	Source    string
	Name      string
}

// StoredEndpoint is the Store's on-disk representation of one Endpoint.
type StoredEndpoint struct {
	URL      string
	Weight   int
	Priority int
}

// LoadResult is delivered once, asynchronously, in response to Store.Load.
type LoadResult struct {
	Groups []StoredGroup
	Err    error
}

// Store is the pluggable persistence boundary. Load is asynchronous: the
// core starts it once and waits on the returned channel; Write persists
// the current dirty set incrementally and synchronously from the core's
// point of view (the Store may still do its own I/O asynchronously, but it
// does not report back to the core beyond the returned error).
type Store interface {
	Load(ctx context.Context) <-chan LoadResult
	Write(ctx context.Context, groups []StoredGroup) error
}

// UploadOutcome classifies the result of one delivery attempt.
type UploadOutcome int

const (
	// UploadSuccess means the endpoint accepted the payload.
	UploadSuccess UploadOutcome = iota
	// UploadFailure means the attempt failed and may be retried.
	UploadFailure
	// UploadRemoveEndpoint means the endpoint is gone for good (HTTP 410)
	// and should be deleted from its group.
	UploadRemoveEndpoint
)

// UploadResult is delivered once, asynchronously, per Uploader.Upload call.
type UploadResult struct {
	Outcome UploadOutcome
	Err     error
}

// Uploader POSTs a JSON payload to an endpoint URL on behalf of the
// Delivery Agent and reports back an outcome. Implementations must
// deliver exactly one UploadResult on the returned channel.
type Uploader interface {
	Upload(ctx context.Context, endpointURL string, payload []byte, partition PartitionKey) <-chan UploadResult
}
