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
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// matchGroup resolves the endpoint group a report should be delivered
// through. A report with a source matches only its (source, group)
// group, with no fallback to origin-keyed groups. A report without a
// source matches an exact (origin, partition, group) group, else the
// nearest ancestor-domain group with IncludeSubdomains set.
func (c *Cache) matchGroup(r *Report) *EndpointGroup {
	if !r.Source.IsZero() {
		if g, ok := c.groups[sourceGroupKey(r.Source, r.Group)]; ok {
			return g
		}
		return nil
	}

	if g, ok := c.groups[originGroupKey(r.URL, r.Partition, r.Group)]; ok {
		return g
	}
	return c.matchAncestorGroup(r.URL, r.Partition, r.Group)
}

// matchAncestorGroup walks the report's host one label at a time toward
// the public suffix, returning the first (closest) ancestor group found
// with IncludeSubdomains set.
func (c *Cache) matchAncestorGroup(origin string, partition PartitionKey, group string) *EndpointGroup {
	scheme, host := splitOrigin(origin)
	if host == "" {
		return nil
	}
	suffix, icann := publicsuffix.PublicSuffix(host)
	for {
		dot := strings.IndexByte(host, '.')
		if dot < 0 {
			return nil
		}
		host = host[dot+1:]
		if icann && (host == suffix || len(host) <= len(suffix)) {
			return nil // climbed past the registrable boundary.
		}
		candidate := originGroupKey(scheme+"://"+host, partition, group)
		if g, ok := c.groups[candidate]; ok && g.IncludeSubdomains {
			return g
		}
		if !strings.Contains(host, ".") {
			return nil
		}
	}
}

func splitOrigin(origin string) (scheme, host string) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", ""
	}
	return u.Scheme, u.Hostname()
}
