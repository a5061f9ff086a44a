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

import "time"

// ClientDescriptor summarizes one endpoint group for the status snapshot.
type ClientDescriptor struct {
	Origin            string
	Source            string
	Group             string
	IncludeSubdomains bool
	Expiry            time.Time
	Endpoints         []EndpointDescriptor
}

// EndpointDescriptor summarizes one endpoint for the status snapshot.
type EndpointDescriptor struct {
	URL           string
	Priority      int
	Weight        int
	SuccessCount  int
	FailureCount  int
	PendingUpload bool
}

// ReportDescriptor summarizes one report for the status snapshot.
type ReportDescriptor struct {
	URL      string
	Group    string
	Type     string
	Status   string
	Attempts int
	QueuedAt time.Time
}

// StatusSnapshot is the dictionary returned by Service.StatusAsValue.
type StatusSnapshot struct {
	ReportingEnabled bool
	Clients          []ClientDescriptor
	Reports          []ReportDescriptor
}

// Snapshot renders the cache's current state as a StatusSnapshot.
func (c *Cache) Snapshot() StatusSnapshot {
	s := StatusSnapshot{ReportingEnabled: true}
	for _, g := range c.groups {
		cd := ClientDescriptor{
			Origin:            g.Origin(),
			Source:            g.Key.Source.String(),
			Group:             g.Key.Name,
			IncludeSubdomains: g.IncludeSubdomains,
			Expiry:            g.Expiry,
		}
		for _, e := range g.Endpoints {
			cd.Endpoints = append(cd.Endpoints, EndpointDescriptor{
				URL:           e.URL,
				Priority:      e.Priority,
				Weight:        e.Weight,
				SuccessCount:  e.Stats.SuccessCount,
				FailureCount:  e.Stats.FailureCount,
				PendingUpload: e.PendingUpload,
			})
		}
		s.Clients = append(s.Clients, cd)
	}
	for _, r := range c.reports {
		s.Reports = append(s.Reports, ReportDescriptor{
			URL:      r.URL,
			Group:    r.Group,
			Type:     r.Type,
			Status:   r.Status.String(),
			Attempts: r.Attempts,
			QueuedAt: r.QueuedAt,
		})
	}
	return s
}
