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

// Package reportheader turns the Report-To (legacy) and Reporting-Endpoints
// (V1) header formats into Cache mutations.
//
// The two grammars are defined at https://www.w3.org/TR/reporting/#header
// and https://www.w3.org/TR/reporting/#reporting-endpoints-header-field
// respectively. Parsing failures are silent drops: there is no channel
// back to the page that sent a malformed header.
package reportheader

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"time"

	"github.com/google/webreporting/reportingcore"
)

// MaxHeaderBytes is the largest Report-To header value accepted.
const MaxHeaderBytes = 16384

// MaxJSONDepth is the deepest nesting accepted while parsing a Report-To
// header value.
const MaxJSONDepth = 5

// defaultGroupName is substituted when a Group's "group" member is absent.
const defaultGroupName = "default"

// Endpoint is the wire shape of one Report-To endpoint member.
type Endpoint struct {
	URL      string `json:"url"`
	Priority *uint  `json:"priority,omitempty"`
	Weight   *uint  `json:"weight,omitempty"`
}

// Group is the wire shape of one Report-To header array element.
type Group struct {
	Name              string     `json:"group,omitempty"`
	MaxAge            uint       `json:"max_age"`
	Endpoints         []Endpoint `json:"endpoints"`
	IncludeSubdomains bool       `json:"include_subdomains,omitempty"`
}

// ParseReportToHeader parses a comma-joined Report-To header value
// (already stripped of the header name) into its constituent groups. It
// wraps headerString in "[ ... ]" before parsing, per the header's wire
// format. It returns ok=false for any size, depth, or syntax violation,
// in which case groups is nil and the header must be silently dropped.
func ParseReportToHeader(headerString string) (groups []Group, ok bool) {
	if len(headerString) > MaxHeaderBytes {
		log.Println("reportheader: Report-To header exceeds size limit, dropping")
		return nil, false
	}
	wrapped := "[" + headerString + "]"
	if jsonDepth([]byte(wrapped)) > MaxJSONDepth {
		return nil, false
	}
	if err := json.Unmarshal([]byte(wrapped), &groups); err != nil {
		return nil, false
	}
	return groups, true
}

// jsonDepth returns the deepest array/object nesting level found in buf,
// or a value greater than any realistic limit if buf is not valid JSON
// (the caller's subsequent json.Unmarshal call is the source of truth for
// syntax validity; this function only needs to bound depth cheaply).
func jsonDepth(buf []byte) int {
	dec := json.NewDecoder(bytes.NewReader(buf))
	depth, max := 0, 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return MaxJSONDepth + 1
		}
		switch tok.(type) {
		case json.Delim:
			d := tok.(json.Delim)
			if d == '{' || d == '[' {
				depth++
				if depth > max {
					max = depth
				}
			} else {
				depth--
			}
		}
	}
	return max
}

// ApplyReportToGroups writes the parsed groups into cache for
// (origin, partition): a MaxAge of 0 deletes the named group, otherwise
// the group is upserted with whichever endpoints pass validation. Groups
// left with zero valid endpoints are dropped rather than used to
// overwrite an existing, still-valid configuration.
func ApplyReportToGroups(cache *reportingcore.Cache, origin string, partition reportingcore.PartitionKey, groups []Group, now time.Time) {
	for _, g := range groups {
		name := g.Name
		if name == "" {
			name = defaultGroupName
		}
		if g.MaxAge == 0 {
			cache.DeleteEndpointGroupForOrigin(origin, partition, name)
			continue
		}

		var valid []reportingcore.Endpoint
		for _, e := range g.Endpoints {
			if !reportingcore.IsPotentiallyTrustworthyURL(e.URL) || !isHTTPS(e.URL) {
				continue
			}
			priority, weight := 1, 1
			if e.Priority != nil {
				priority = int(*e.Priority)
			}
			if e.Weight != nil {
				weight = int(*e.Weight)
			}
			if weight < 1 {
				weight = 1
			}
			valid = append(valid, reportingcore.Endpoint{URL: e.URL, Priority: priority, Weight: weight})
		}
		if len(valid) == 0 {
			continue
		}

		expiry := now.Add(time.Duration(g.MaxAge) * time.Second)
		cache.SetEndpointsForOrigin(origin, partition, name, g.IncludeSubdomains, expiry, valid)
	}
}

func isHTTPS(raw string) bool {
	return len(raw) >= 8 && raw[:8] == "https://"
}
