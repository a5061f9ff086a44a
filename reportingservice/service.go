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

// Package reportingservice is the reporting core's public facade: the
// entry point every ingress call and embedder action goes through,
// responsible for backlogging mutations until the persistent store's
// initial load completes and for terminal shutdown semantics.
package reportingservice

import (
	"context"
	"log"

	"github.com/google/webreporting/delivery"
	"github.com/google/webreporting/reportheader"
	"github.com/google/webreporting/reportingcore"
)

// Service is the reporting core's facade. Every exported method here is
// safe to call only from the single goroutine that owns the Service;
// see the delivery package doc for the concurrency model.
type Service struct {
	policy   reportingcore.Policy
	cache    *reportingcore.Cache
	store    reportingcore.Store
	delegate reportingcore.Delegate
	clock    reportingcore.Clock
	remover  *reportingcore.BrowsingDataRemover
	agent    *delivery.Agent

	// respectPartitionKey is a Service field, not process-global state:
	// when false, every public call substitutes the empty partition key
	// before reaching the Cache.
	respectPartitionKey bool

	shutDown       bool
	initialized    bool
	startedLoading bool
	loadCh         <-chan reportingcore.LoadResult
	backlog        backlog
}

// Config bundles Service construction parameters.
type Config struct {
	Policy   reportingcore.Policy
	Store    reportingcore.Store // nil disables persistence.
	Delegate reportingcore.Delegate
	Clock    reportingcore.Clock

	// IgnorePartitionKeys collapses all partitions into one bucket per
	// origin. The zero value honors inbound partition keys.
	IgnorePartitionKeys bool
}

// NewService constructs a Service. If cfg.Store is nil there is nothing
// to wait for and the Service starts already initialized.
func NewService(cfg Config) *Service {
	cache := reportingcore.NewCache(cfg.Policy, cfg.Clock, cfg.Store)
	s := &Service{
		policy:              cfg.Policy,
		cache:               cache,
		store:               cfg.Store,
		delegate:            cfg.Delegate,
		clock:               cfg.Clock,
		remover:             reportingcore.NewBrowsingDataRemover(cache),
		respectPartitionKey: !cfg.IgnorePartitionKeys,
		initialized:         cfg.Store == nil,
	}
	return s
}

// Cache exposes the underlying Cache so a Delivery Agent can be
// constructed against it and attached back with AttachDeliveryAgent.
// Packages cannot form an import cycle (delivery does not depend on
// reportingservice), so the Agent is built by the caller and handed back.
func (s *Service) Cache() *reportingcore.Cache { return s.cache }

// AttachDeliveryAgent wires in the agent used by SendReportsAndRemoveSource
// to bypass the normal delivery cadence. Optional: without one, a forced
// send still marks the source expired and relies on the next normal
// delivery tick to deliver its one allowed attempt.
func (s *Service) AttachDeliveryAgent(a *delivery.Agent) { s.agent = a }

func (s *Service) effectivePartition(p reportingcore.PartitionKey) reportingcore.PartitionKey {
	if s.respectPartitionKey {
		return p
	}
	return reportingcore.PartitionKey{}
}

// gate wraps every mutating operation: drop after shutdown, start the
// store load on first use, backlog until that load completes, then run
// synchronously.
func (s *Service) gate(op func()) {
	if s.shutDown {
		return
	}
	if s.store != nil && !s.startedLoading {
		s.startedLoading = true
		s.loadCh = s.store.Load(context.Background())
	}
	if !s.initialized {
		s.backlog.push(op)
		return
	}
	op()
}

// PollStoreLoad checks whether the in-flight store load has completed and,
// if so, installs the loaded state into the Cache atomically and drains
// the backlog in FIFO order. It is a no-op if there is no load in flight,
// the load already completed, or the Service has shut down. Callers drive
// this the same way they drive delivery.Agent.Poll: from their own
// single-threaded loop, whenever they want the Service to notice progress.
func (s *Service) PollStoreLoad() {
	if s.shutDown || s.initialized || s.loadCh == nil {
		return
	}
	select {
	case result := <-s.loadCh:
		if result.Err == nil {
			s.cache.InstallLoadedGroups(result.Groups)
		}
		s.initialized = true
		s.backlog.drain()
	default:
	}
}

// QueueReport ingests one report. The origin is derived from rawURL by
// stripping userinfo, path, query and fragment; an invalid URL, or a
// Delegate rejection, drops the report silently.
func (s *Service) QueueReport(rawURL string, source reportingcore.ReportingSource, partition reportingcore.PartitionKey, userAgent, group, reportType string, body any, depth int) {
	queuedAt := s.clock.Now() // recorded before gating so backlog replay preserves chronological age.
	partition = s.effectivePartition(partition)

	origin, ok := reportingcore.SanitizeToOrigin(rawURL)
	if !ok {
		return
	}
	if s.delegate != nil && !s.delegate.CanQueue(origin) {
		return
	}
	s.gate(func() {
		s.cache.AddReport(source, partition, origin, userAgent, group, reportType, body, depth, queuedAt, 0)
	})
}

// ProcessReportToHeader parses and applies a legacy Report-To header for
// origin. Oversized, too-deep, or malformed input is dropped silently
// before gating, so a rejected header never occupies a backlog slot.
func (s *Service) ProcessReportToHeader(origin string, partition reportingcore.PartitionKey, headerString string) {
	partition = s.effectivePartition(partition)
	groups, ok := reportheader.ParseReportToHeader(headerString)
	if !ok {
		return
	}
	s.gate(func() {
		reportheader.ApplyReportToGroups(s.cache, origin, partition, groups, s.clock.Now())
	})
}

// SetDocumentReportingEndpoints installs the V1 name->url mapping for
// source, attributed to origin. It requires a non-empty source and drops
// any endpoint whose URL is not potentially trustworthy. isolation is
// passed on to the Cache, which does not retain it.
func (s *Service) SetDocumentReportingEndpoints(source reportingcore.ReportingSource, origin string, isolation reportingcore.IsolationInfo, partition reportingcore.PartitionKey, nameToURL map[string]string) {
	if source.IsZero() {
		return
	}
	partition = s.effectivePartition(partition)
	valid := map[string]string{}
	for name, url := range nameToURL {
		if reportingcore.IsPotentiallyTrustworthyURL(url) {
			valid[name] = url
		}
	}
	if len(valid) == 0 {
		return
	}
	s.gate(func() {
		s.cache.SetDocumentEndpoints(source, isolation, partition, origin, valid)
	})
}

// ProcessReportingEndpointsHeader is a convenience wrapper that parses a
// raw V1 Reporting-Endpoints header value before calling
// SetDocumentReportingEndpoints.
func (s *Service) ProcessReportingEndpointsHeader(source reportingcore.ReportingSource, origin string, isolation reportingcore.IsolationInfo, partition reportingcore.PartitionKey, headerValue string) {
	s.SetDocumentReportingEndpoints(source, origin, isolation, partition, reportheader.ParseReportingEndpointsHeader(headerValue))
}

// SendReportsAndRemoveSource marks source expired and, if a Delivery Agent
// is attached, immediately attempts delivery of its queued reports,
// bypassing the normal delivery cadence. The source's endpoint group is
// reaped once its reports have drained (see delivery.Agent.finishUpload).
func (s *Service) SendReportsAndRemoveSource(ctx context.Context, source reportingcore.ReportingSource) {
	s.gate(func() {
		s.cache.SetExpiredSource(source)
		if s.agent != nil {
			s.agent.DeliverSourceNow(ctx, source)
		}
		_ = s.cache.Flush(ctx)
	})
}

// RemoveBrowsingData deletes reports and/or endpoint groups matching mask
// whose origin satisfies predicate.
func (s *Service) RemoveBrowsingData(ctx context.Context, mask reportingcore.BrowsingDataMask, predicate func(origin string) bool) {
	s.gate(func() {
		_ = s.remover.Remove(ctx, mask, predicate)
	})
}

// RemoveAllBrowsingData deletes all data matching mask.
func (s *Service) RemoveAllBrowsingData(ctx context.Context, mask reportingcore.BrowsingDataMask) {
	s.gate(func() {
		_ = s.remover.RemoveAll(ctx, mask)
	})
}

// OnShutdown is terminal: it drops the backlog (if the store load has not
// completed yet, nothing in it will ever run) and makes every subsequent
// public call a no-op.
func (s *Service) OnShutdown() {
	if s.shutDown {
		return
	}
	if n := len(s.backlog.ops); n > 0 {
		log.Printf("reportingservice: shutting down with %d backlogged op(s), discarding", n)
	}
	s.shutDown = true
	s.backlog.discard()
}

// StatusAsValue returns a snapshot of the current clients and reports. It
// is a read, not a mutation, so it is never gated or backlogged; before
// the store load completes it simply reflects whatever ingress has
// already executed synchronously (i.e. nothing persisted yet).
func (s *Service) StatusAsValue() reportingcore.StatusSnapshot {
	return s.cache.Snapshot()
}

// Initialized reports whether the store load (if any) has completed.
func (s *Service) Initialized() bool { return s.initialized }

// ShutDown reports whether OnShutdown has been called.
func (s *Service) ShutDown() bool { return s.shutDown }
