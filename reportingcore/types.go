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

// Package reportingcore implements the in-process reporting pipeline: a
// three-level cache of reports, endpoint groups and endpoints, fed by
// ingress calls and a pluggable persistent store, and drained by an
// asynchronous delivery agent.
package reportingcore

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// ReportStatus is the lifecycle state of a Report.
type ReportStatus int

const (
	// StatusQueued reports are eligible for delivery.
	StatusQueued ReportStatus = iota
	// StatusPending reports are part of an in-flight upload.
	StatusPending
	// StatusDoomed reports are retained only until their in-flight upload
	// completes, then discarded regardless of outcome.
	StatusDoomed
	// StatusSuccess names the delivered state. Delivered reports are
	// removed immediately, so no report is ever assigned this status.
	StatusSuccess
)

func (s ReportStatus) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusPending:
		return "PENDING"
	case StatusDoomed:
		return "DOOMED"
	case StatusSuccess:
		return "SUCCESS"
	default:
		return "UNKNOWN"
	}
}

// PartitionKey is the opaque, equality-comparable tag that scopes reports
// and endpoints to a network isolation boundary (e.g. top-level site).
// The zero value is the empty partition, used throughout when
// Service.respectPartitionKey is disabled.
type PartitionKey struct {
	topFrameSite string
}

// NewPartitionKey wraps an opaque site string as a PartitionKey.
func NewPartitionKey(topFrameSite string) PartitionKey {
	return PartitionKey{topFrameSite: topFrameSite}
}

// String returns the underlying site string, for diagnostics only.
func (k PartitionKey) String() string {
	return k.topFrameSite
}

// ReportingSource is the 128-bit opaque identifier a document uses to
// configure endpoints via the V1 Reporting-Endpoints header.
type ReportingSource struct {
	id uuid.UUID
}

// NewReportingSource mints a fresh reporting-source token.
func NewReportingSource() (ReportingSource, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return ReportingSource{}, err
	}
	return ReportingSource{id: id}, nil
}

// IsZero reports whether s is the empty source, i.e. "no source".
func (s ReportingSource) IsZero() bool {
	return s.id == uuid.Nil
}

// String renders the source as its canonical UUID text form.
func (s ReportingSource) String() string {
	return s.id.String()
}

// parseReportingSource parses a source previously rendered by String; an
// empty string parses to the zero source.
func parseReportingSource(s string) (ReportingSource, error) {
	if s == "" {
		return ReportingSource{}, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return ReportingSource{}, err
	}
	return ReportingSource{id: id}, nil
}

// Report is an ingress record awaiting or undergoing delivery.
type Report struct {
	id        uint64
	Source    ReportingSource
	Partition PartitionKey
	URL       string // origin-only: scheme, host, port.
	UserAgent string
	Group     string
	Type      string
	Body      any
	Depth     int
	QueuedAt  time.Time
	Attempts  int
	Status    ReportStatus
}

// groupKey identifies an EndpointGroup either by (origin, partition, name)
// or by (source, name); the two flavors never collide because exactly one
// of Origin/Source is set for any given key.
type groupKey struct {
	Origin    string
	Partition PartitionKey
	Source    ReportingSource
	Name      string
}

func originGroupKey(origin string, partition PartitionKey, name string) groupKey {
	return groupKey{Origin: origin, Partition: partition, Name: name}
}

func sourceGroupKey(source ReportingSource, name string) groupKey {
	return groupKey{Source: source, Name: name}
}

func (k groupKey) isSourceKeyed() bool {
	return !k.Source.IsZero()
}

// EndpointStats tracks per-endpoint delivery history.
type EndpointStats struct {
	SuccessCount int
	FailureCount int
	LastUsed     time.Time
}

// Endpoint belongs to exactly one EndpointGroup.
type Endpoint struct {
	URL           string
	Weight        int
	Priority      int
	Stats         EndpointStats
	PendingUpload bool
}

// EndpointGroup is a named bucket of endpoints sharing an expiry and an
// include-subdomains policy.
type EndpointGroup struct {
	id uint64

	Key               groupKey
	IncludeSubdomains bool
	Expiry            time.Time
	LastUsed          time.Time
	Endpoints         []*Endpoint

	// docOrigin is the configuring document's origin for source-keyed
	// groups. It is deliberately not part of Key: delivery matches a
	// source-keyed group by (source, name) alone, but browsing-data
	// removal and status snapshots still need to attribute the group to
	// an origin.
	docOrigin string

	uploading bool
}

// Origin returns the group's origin: the key origin for origin-keyed
// groups, or the configuring document's origin for source-keyed ones.
func (g *EndpointGroup) Origin() string {
	if g.Key.Origin != "" {
		return g.Key.Origin
	}
	return g.docOrigin
}

// Name returns the group's name.
func (g *EndpointGroup) Name() string { return g.Key.Name }

// Source returns the group's owning source, or the zero source if it is
// origin-keyed.
func (g *EndpointGroup) Source() ReportingSource { return g.Key.Source }

// Partition returns the group's partition key.
func (g *EndpointGroup) Partition() PartitionKey { return g.Key.Partition }

// lowestPriorityValue returns the worst (largest) priority number among the
// group's endpoints, used to rank eviction candidates; groups with no
// endpoints rank worst of all.
func (g *EndpointGroup) lowestPriorityValue() int {
	if len(g.Endpoints) == 0 {
		return math.MaxInt
	}
	worst := -1
	for _, e := range g.Endpoints {
		if e.Priority > worst {
			worst = e.Priority
		}
	}
	return worst
}

// DocumentEndpoints is the flat name->URL map attached to a reporting
// source via SetDocumentReportingEndpoints (V1).
type DocumentEndpoints struct {
	Source    ReportingSource
	Isolation IsolationInfo
	Partition PartitionKey
	Origin    string
	Endpoints map[string]string
}

// BrowsingDataMask selects which data classes RemoveBrowsingData acts on.
type BrowsingDataMask uint8

const (
	// BrowsingDataReports selects queued/pending reports.
	BrowsingDataReports BrowsingDataMask = 1 << iota
	// BrowsingDataClients selects endpoint groups and their endpoints.
	BrowsingDataClients
	// BrowsingDataAll selects both.
	BrowsingDataAll = BrowsingDataReports | BrowsingDataClients
)

func (m BrowsingDataMask) has(bit BrowsingDataMask) bool { return m&bit != 0 }
