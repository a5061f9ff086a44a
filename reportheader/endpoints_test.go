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

package reportheader_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/webreporting/reportheader"
)

func TestParseReportingEndpointsHeader(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  map[string]string
	}{
		{
			name:  "two members",
			value: `main-endpoint="https://r.example/a", other="https://r.example/b"`,
			want:  map[string]string{"main-endpoint": "https://r.example/a", "other": "https://r.example/b"},
		},
		{
			name:  "escaped quote",
			value: `main="https://r.example/a?q=\"x\""`,
			want:  map[string]string{"main": `https://r.example/a?q="x"`},
		},
		{
			name:  "invalid member name dropped",
			value: `1bad="https://r.example/a", ok="https://r.example/b"`,
			want:  map[string]string{"ok": "https://r.example/b"},
		},
		{
			name:  "unquoted value dropped",
			value: `main=https://r.example/a`,
			want:  map[string]string{},
		},
		{
			name:  "empty",
			value: "",
			want:  map[string]string{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := reportheader.ParseReportingEndpointsHeader(tc.value)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("ParseReportingEndpointsHeader(%q) mismatch (-want +got):\n%s", tc.value, diff)
			}
		})
	}
}
