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
	"encoding/json"
	"time"

	"github.com/google/webreporting/reportingcore"
)

// UploadContentType is the Content-Type every upload carries.
const UploadContentType = "application/reports+json"

type payloadItem struct {
	Age       int64  `json:"age"`
	Type      string `json:"type"`
	URL       string `json:"url"`
	UserAgent string `json:"user_agent"`
	Body      any    `json:"body"`
}

// BuildPayload renders reports as the upload JSON array, with age
// computed relative to now in milliseconds.
func BuildPayload(reports []*reportingcore.Report, now time.Time) ([]byte, error) {
	items := make([]payloadItem, len(reports))
	for i, r := range reports {
		items[i] = payloadItem{
			Age:       now.Sub(r.QueuedAt).Milliseconds(),
			Type:      r.Type,
			URL:       r.URL,
			UserAgent: r.UserAgent,
			Body:      r.Body,
		}
	}
	return json.Marshal(items)
}
