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

package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/google/webreporting/reportingcore"
)

// DefaultUploader is the reference Uploader implementation: a POST of the
// payload with Content-Type application/reports+json. It is a minimal,
// working default rather than a fully-featured client; embedders supply
// their own Uploader for anything beyond the happy path (credentials
// policy, connection reuse tuning, proxying through the partition key).
type DefaultUploader struct {
	Client *http.Client
}

// NewDefaultUploader returns a DefaultUploader using http.DefaultClient.
func NewDefaultUploader() *DefaultUploader {
	return &DefaultUploader{Client: http.DefaultClient}
}

// Upload POSTs payload to endpointURL and classifies the response into an
// UploadOutcome. The partition key is accepted for interface compliance
// but unused here: an Uploader presents no credentials other than those
// implied by the partition key, and the stdlib client carries none by
// default, so there is nothing to key off.
func (u *DefaultUploader) Upload(ctx context.Context, endpointURL string, payload []byte, _ reportingcore.PartitionKey) <-chan reportingcore.UploadResult {
	ch := make(chan reportingcore.UploadResult, 1)
	go func() {
		result := u.do(ctx, endpointURL, payload)
		ch <- result
	}()
	return ch
}

func (u *DefaultUploader) do(ctx context.Context, endpointURL string, payload []byte) reportingcore.UploadResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(payload))
	if err != nil {
		return reportingcore.UploadResult{Outcome: reportingcore.UploadFailure, Err: fmt.Errorf("building upload request: %w", err)}
	}
	req.Header.Set("Content-Type", UploadContentType)

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return reportingcore.UploadResult{Outcome: reportingcore.UploadFailure, Err: fmt.Errorf("posting to %s: %w", endpointURL, err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		return reportingcore.UploadResult{Outcome: reportingcore.UploadRemoveEndpoint}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return reportingcore.UploadResult{Outcome: reportingcore.UploadSuccess}
	default:
		return reportingcore.UploadResult{Outcome: reportingcore.UploadFailure}
	}
}
