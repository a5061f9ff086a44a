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
	"sort"
	"time"
)

// originScope groups endpoint groups that share an (origin, partition)
// pair, for per-origin capacity accounting.
type originScope struct {
	Origin    string
	Partition PartitionKey
}

// Cache is the in-memory, authoritative model of reports, endpoint groups
// and endpoints. It is owned exclusively by a Service; callers elsewhere
// only ever see read-only snapshots.
type Cache struct {
	policy Policy
	clock  Clock
	store  Store

	nextReportID uint64
	nextGroupID  uint64

	reports    []*Report
	reportByID map[uint64]*Report

	groups    map[groupKey]*EndpointGroup
	groupByID map[uint64]*EndpointGroup
	byOrigin  map[originScope][]uint64

	expiredSources map[ReportingSource]bool

	dirty bool

	onReportsUpdated func()
	onClientsUpdated func()
}

// NewCache constructs an empty Cache. store may be nil, in which case
// Flush is a no-op and no persistence happens.
func NewCache(policy Policy, clock Clock, store Store) *Cache {
	return &Cache{
		policy:         policy,
		clock:          clock,
		store:          store,
		reportByID:     map[uint64]*Report{},
		groups:         map[groupKey]*EndpointGroup{},
		groupByID:      map[uint64]*EndpointGroup{},
		byOrigin:       map[originScope][]uint64{},
		expiredSources: map[ReportingSource]bool{},
	}
}

// SetObservers installs the edge-triggered notification callbacks. Either
// may be nil.
func (c *Cache) SetObservers(onReportsUpdated, onClientsUpdated func()) {
	c.onReportsUpdated = onReportsUpdated
	c.onClientsUpdated = onClientsUpdated
}

func (c *Cache) notifyReports() {
	if c.onReportsUpdated != nil {
		c.onReportsUpdated()
	}
}

func (c *Cache) notifyClients() {
	c.dirty = true
	if c.onClientsUpdated != nil {
		c.onClientsUpdated()
	}
}

// AddReport appends a new QUEUED report. If the cache is over
// Policy.MaxReportCount it evicts the oldest non-PENDING report. The new
// report is itself non-PENDING, so when every older report is in flight
// the new report is the one evicted.
func (c *Cache) AddReport(source ReportingSource, partition PartitionKey, url, userAgent, group, typ string, body any, depth int, queuedAt time.Time, attempts int) *Report {
	c.nextReportID++
	r := &Report{
		id:        c.nextReportID,
		Source:    source,
		Partition: partition,
		URL:       url,
		UserAgent: userAgent,
		Group:     group,
		Type:      typ,
		Body:      body,
		Depth:     depth,
		QueuedAt:  queuedAt,
		Attempts:  attempts,
		Status:    StatusQueued,
	}
	c.reports = append(c.reports, r)
	c.reportByID[r.id] = r

	if len(c.reports) > c.policy.MaxReportCount {
		c.evictOneReport()
	}

	c.notifyReports()
	return r
}

// evictOneReport drops the oldest non-PENDING report, or dooms the oldest
// PENDING report if every report is in flight.
func (c *Cache) evictOneReport() {
	for i, r := range c.reports {
		if r.Status != StatusPending {
			c.removeReportAt(i)
			return
		}
	}
	// All in flight: doom the oldest instead of evicting it out from under
	// a delivery that already holds a reference.
	if len(c.reports) > 0 {
		c.reports[0].Status = StatusDoomed
	}
}

func (c *Cache) removeReportAt(i int) {
	r := c.reports[i]
	delete(c.reportByID, r.id)
	c.reports = append(c.reports[:i], c.reports[i+1:]...)
}

// RemoveReports deletes the given reports from the cache; any report IDs
// that no longer exist are silently ignored.
func (c *Cache) RemoveReports(batch []*Report) {
	if len(batch) == 0 {
		return
	}
	doomed := map[uint64]bool{}
	for _, r := range batch {
		doomed[r.id] = true
	}
	kept := c.reports[:0]
	for _, r := range c.reports {
		if doomed[r.id] {
			delete(c.reportByID, r.id)
			continue
		}
		kept = append(kept, r)
	}
	c.reports = kept
	c.notifyReports()
}

// MarkPending transitions the batch's reports to PENDING.
func (c *Cache) MarkPending(batch []*Report) {
	for _, r := range batch {
		r.Status = StatusPending
	}
	c.notifyReports()
}

// RequeueToQueued transitions the batch's reports back to QUEUED, used when
// a delivery attempt fails and is retried.
func (c *Cache) RequeueToQueued(batch []*Report) {
	for _, r := range batch {
		if r.Status != StatusDoomed {
			r.Status = StatusQueued
		}
	}
	c.notifyReports()
}

// IncrementAttempts bumps the attempts counter for every report in batch.
func (c *Cache) IncrementAttempts(batch []*Report) {
	for _, r := range batch {
		r.Attempts++
	}
}

// Reports returns a read-only snapshot of every report currently cached.
func (c *Cache) Reports() []*Report {
	out := make([]*Report, len(c.reports))
	copy(out, c.reports)
	return out
}

// ReportBatch is one group's worth of reports ready for delivery.
type ReportBatch struct {
	Group   *EndpointGroup
	Reports []*Report
}

// GetReportsToDeliver returns QUEUED reports bucketed by matching endpoint
// group, one batch per group, batches ordered by the insertion order of
// each batch's oldest report. Reports of an expired source that have
// already had a delivery attempt, and reports with no matching
// (non-expired) group, are excluded.
func (c *Cache) GetReportsToDeliver() []ReportBatch {
	now := c.clock.Now()
	order := []uint64{}
	byGroup := map[uint64][]*Report{}
	groupByID := map[uint64]*EndpointGroup{}

	for _, r := range c.reports {
		if r.Status != StatusQueued {
			continue
		}
		if !r.Source.IsZero() && c.expiredSources[r.Source] && r.Attempts > 0 {
			// Source is expired and this report already had its one
			// delivery attempt; no further deliveries.
			continue
		}
		g := c.matchGroup(r)
		if g == nil {
			continue
		}
		if !g.Expiry.IsZero() && !g.Expiry.After(now) {
			continue // invisible to delivery until GC reaps it.
		}
		if _, ok := byGroup[g.id]; !ok {
			order = append(order, g.id)
			groupByID[g.id] = g
		}
		byGroup[g.id] = append(byGroup[g.id], r)
	}

	batches := make([]ReportBatch, 0, len(order))
	for _, gid := range order {
		batches = append(batches, ReportBatch{Group: groupByID[gid], Reports: byGroup[gid]})
	}
	return batches
}

// SetEndpointsForOrigin upserts the named group for (origin, partition),
// replacing its endpoints atomically, and evicts LRU/lowest-priority
// sibling groups if the per-origin cap is exceeded.
func (c *Cache) SetEndpointsForOrigin(origin string, partition PartitionKey, name string, includeSubdomains bool, expiry time.Time, endpoints []Endpoint) *EndpointGroup {
	key := originGroupKey(origin, partition, name)
	g, existed := c.groups[key]
	if !existed {
		c.nextGroupID++
		g = &EndpointGroup{id: c.nextGroupID, Key: key}
		c.groups[key] = g
		c.groupByID[g.id] = g
	}
	g.IncludeSubdomains = includeSubdomains
	g.Expiry = expiry
	g.LastUsed = c.clock.Now()
	g.Endpoints = cloneEndpointsCapped(endpoints, c.policy.MaxEndpointsPerOrigin)

	scope := originScope{Origin: origin, Partition: partition}
	if !existed {
		c.byOrigin[scope] = append(c.byOrigin[scope], g.id)
	}
	c.evictOverCapacity(scope)
	c.enforceGlobalEndpointCap()
	c.notifyClients()
	return g
}

// totalEndpoints counts every endpoint across every group in the cache.
func (c *Cache) totalEndpoints() int {
	total := 0
	for _, g := range c.groups {
		total += len(g.Endpoints)
	}
	return total
}

// enforceGlobalEndpointCap evicts whole origin-keyed groups, worst priority
// and then least-recently-used first, until the cache's total endpoint
// count across every origin is at or below Policy.MaxEndpointCount.
// Source-keyed groups are never evicted here: they are reaped by source
// expiry (ReapIfExpiredSource) or GC, not by capacity pressure, since a
// document's own endpoint configuration has no origin-level sibling to
// compete with for space.
func (c *Cache) enforceGlobalEndpointCap() {
	limit := c.policy.MaxEndpointCount
	if limit <= 0 {
		return
	}
	for c.totalEndpoints() > limit {
		victim := c.worstOriginKeyedGroup()
		if victim == nil {
			return // only source-keyed groups remain; nothing left to evict.
		}
		delete(c.groups, victim.Key)
		delete(c.groupByID, victim.id)
		scope := originScope{Origin: victim.Key.Origin, Partition: victim.Key.Partition}
		c.byOrigin[scope] = removeID(c.byOrigin[scope], victim.id)
	}
}

func (c *Cache) worstOriginKeyedGroup() *EndpointGroup {
	var worst *EndpointGroup
	for _, g := range c.groups {
		if g.Key.isSourceKeyed() || len(g.Endpoints) == 0 {
			continue
		}
		if worst == nil {
			worst = g
			continue
		}
		wp, gp := worst.lowestPriorityValue(), g.lowestPriorityValue()
		if gp > wp || (gp == wp && g.LastUsed.Before(worst.LastUsed)) {
			worst = g
		}
	}
	return worst
}

func cloneEndpointsCapped(in []Endpoint, limit int) []*Endpoint {
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	out := make([]*Endpoint, len(in))
	for i := range in {
		e := in[i]
		out[i] = &e
	}
	return out
}

// evictOverCapacity drops sibling groups in scope until the per-origin cap
// holds, preferring the lowest-priority group and, among ties, the least
// recently used.
func (c *Cache) evictOverCapacity(scope originScope) {
	ids := c.byOrigin[scope]
	limit := c.policy.MaxEndpointsPerOrigin
	if limit <= 0 || len(ids) <= limit {
		return
	}
	sort.SliceStable(ids, func(i, j int) bool {
		gi, gj := c.groupByID[ids[i]], c.groupByID[ids[j]]
		pi, pj := gi.lowestPriorityValue(), gj.lowestPriorityValue()
		if pi != pj {
			return pi > pj // worst priority (largest number) evicted first
		}
		return gi.LastUsed.Before(gj.LastUsed)
	})
	for len(ids) > limit {
		victim := ids[0]
		ids = ids[1:]
		g := c.groupByID[victim]
		delete(c.groups, g.Key)
		delete(c.groupByID, victim)
	}
	c.byOrigin[scope] = ids
}

// DeleteEndpointGroupForOrigin removes the named group, used when a
// Report-To header sets max_age=0.
func (c *Cache) DeleteEndpointGroupForOrigin(origin string, partition PartitionKey, name string) {
	key := originGroupKey(origin, partition, name)
	g, ok := c.groups[key]
	if !ok {
		return
	}
	delete(c.groups, key)
	delete(c.groupByID, g.id)
	scope := originScope{Origin: origin, Partition: partition}
	c.byOrigin[scope] = removeID(c.byOrigin[scope], g.id)
	c.notifyClients()
}

func removeID(ids []uint64, target uint64) []uint64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// SetDocumentEndpoints upserts the V1 name->url mapping for source,
// creating one source-keyed group per name. It rejects an empty source.
func (c *Cache) SetDocumentEndpoints(source ReportingSource, isolation IsolationInfo, partition PartitionKey, origin string, endpoints map[string]string) bool {
	if source.IsZero() {
		return false
	}
	for name, url := range endpoints {
		key := sourceGroupKey(source, name)
		g, existed := c.groups[key]
		if !existed {
			c.nextGroupID++
			g = &EndpointGroup{id: c.nextGroupID, Key: key}
			c.groups[key] = g
			c.groupByID[g.id] = g
		}
		g.docOrigin = origin
		g.LastUsed = c.clock.Now()
		g.Endpoints = []*Endpoint{{URL: url, Weight: 1, Priority: 1}}
	}
	c.notifyClients()
	return true
}

// SetExpiredSource marks a V1 source for tombstoning once its remaining
// reports drain.
func (c *Cache) SetExpiredSource(source ReportingSource) {
	c.expiredSources[source] = true
}

// RemoveReportsForSource deletes every report referencing source.
func (c *Cache) RemoveReportsForSource(source ReportingSource) {
	kept := c.reports[:0]
	for _, r := range c.reports {
		if r.Source == source {
			delete(c.reportByID, r.id)
			continue
		}
		kept = append(kept, r)
	}
	c.reports = kept
	c.notifyReports()
}

// RemoveEndpointsForSource deletes every endpoint group owned by source.
func (c *Cache) RemoveEndpointsForSource(source ReportingSource) {
	for key, g := range c.groups {
		if key.Source == source {
			delete(c.groups, key)
			delete(c.groupByID, g.id)
		}
	}
	c.notifyClients()
}

// RemoveBrowsingData deletes reports and/or endpoint groups matching mask
// whose origin satisfies predicate.
func (c *Cache) RemoveBrowsingData(mask BrowsingDataMask, predicate func(origin string) bool) {
	if mask.has(BrowsingDataReports) {
		kept := c.reports[:0]
		for _, r := range c.reports {
			if predicate(r.URL) {
				delete(c.reportByID, r.id)
				continue
			}
			kept = append(kept, r)
		}
		c.reports = kept
		c.notifyReports()
	}
	if mask.has(BrowsingDataClients) {
		for scope, ids := range c.byOrigin {
			if !predicate(scope.Origin) {
				continue
			}
			for _, id := range ids {
				g := c.groupByID[id]
				delete(c.groups, g.Key)
				delete(c.groupByID, id)
			}
			delete(c.byOrigin, scope)
		}
		for key, g := range c.groups {
			if key.isSourceKeyed() && predicate(g.Origin()) {
				delete(c.groups, key)
				delete(c.groupByID, g.id)
			}
		}
		c.notifyClients()
	}
}

// RemoveAllBrowsingData is RemoveBrowsingData with an always-true predicate.
func (c *Cache) RemoveAllBrowsingData(mask BrowsingDataMask) {
	c.RemoveBrowsingData(mask, func(string) bool { return true })
}

// GC sweeps expired state: QUEUED reports past Policy.MaxReportAgeSeconds
// or belonging to an expired source and already attempted once, origin-keyed groups whose
// explicit expiry has passed or that have gone unused for longer than
// Policy.MaxGroupStalenessSeconds, and source-keyed groups whose owning
// source is marked expired and which no longer have any referencing
// reports.
func (c *Cache) GC() {
	now := c.clock.Now()

	kept := c.reports[:0]
	for _, r := range c.reports {
		if !r.Source.IsZero() && c.expiredSources[r.Source] && r.Attempts > 0 && r.Status == StatusQueued {
			delete(c.reportByID, r.id)
			continue
		}
		if r.Status == StatusQueued && c.policy.MaxReportAgeSeconds > 0 {
			maxAge := time.Duration(c.policy.MaxReportAgeSeconds) * time.Second
			if now.Sub(r.QueuedAt) > maxAge {
				delete(c.reportByID, r.id)
				continue
			}
		}
		kept = append(kept, r)
	}
	c.reports = kept

	referenced := map[ReportingSource]bool{}
	for _, r := range c.reports {
		if !r.Source.IsZero() {
			referenced[r.Source] = true
		}
	}

	staleness := time.Duration(c.policy.MaxGroupStalenessSeconds) * time.Second
	for key, g := range c.groups {
		if !key.isSourceKeyed() {
			expired := !g.Expiry.IsZero() && !g.Expiry.After(now)
			stale := c.policy.MaxGroupStalenessSeconds > 0 && now.Sub(g.LastUsed) > staleness
			if expired || stale {
				delete(c.groups, key)
				delete(c.groupByID, g.id)
				scope := originScope{Origin: key.Origin, Partition: key.Partition}
				c.byOrigin[scope] = removeID(c.byOrigin[scope], g.id)
			}
			continue
		}
		if c.expiredSources[key.Source] && !referenced[key.Source] {
			delete(c.groups, key)
			delete(c.groupByID, g.id)
		}
	}
}

// Flush writes the current dirty client state to the Store, if configured.
func (c *Cache) Flush(ctx context.Context) error {
	if c.store == nil || !c.dirty {
		return nil
	}
	var snapshot []StoredGroup
	for _, g := range c.groups {
		snapshot = append(snapshot, toStoredGroup(g))
	}
	// Map iteration order is random; the snapshot must be stable so that
	// identical cache states persist identically.
	sort.Slice(snapshot, func(i, j int) bool {
		a, b := snapshot[i].Key, snapshot[j].Key
		if a.Origin != b.Origin {
			return a.Origin < b.Origin
		}
		if a.Partition != b.Partition {
			return a.Partition < b.Partition
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Name < b.Name
	})
	if err := c.store.Write(ctx, snapshot); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

func toStoredGroup(g *EndpointGroup) StoredGroup {
	sg := StoredGroup{
		Key: groupKeyData{
			Origin:    g.Origin(),
			Partition: g.Key.Partition.String(),
			Source:    g.Key.Source.String(),
			Name:      g.Key.Name,
		},
		IncludeSubdomains: g.IncludeSubdomains,
		Expiry:            g.Expiry,
		LastUsed:          g.LastUsed,
	}
	for _, e := range g.Endpoints {
		sg.Endpoints = append(sg.Endpoints, StoredEndpoint{URL: e.URL, Weight: e.Weight, Priority: e.Priority})
	}
	return sg
}

// InstallLoadedGroups installs a Store snapshot atomically, used once by
// the Service when an initial load completes.
func (c *Cache) InstallLoadedGroups(groups []StoredGroup) {
	for _, sg := range groups {
		key := groupKey{Origin: sg.Key.Origin, Partition: NewPartitionKey(sg.Key.Partition), Name: sg.Key.Name}
		docOrigin := ""
		if sg.Key.Source != "" {
			if id, err := parseReportingSource(sg.Key.Source); err == nil && !id.IsZero() {
				// Source-keyed groups are matched by (source, name) only;
				// the stored origin is attribution, not part of the key.
				key.Source = id
				key.Origin = ""
				docOrigin = sg.Key.Origin
			}
		}
		c.nextGroupID++
		g := &EndpointGroup{
			id:                c.nextGroupID,
			Key:               key,
			IncludeSubdomains: sg.IncludeSubdomains,
			Expiry:            sg.Expiry,
			LastUsed:          sg.LastUsed,
			docOrigin:         docOrigin,
		}
		for _, se := range sg.Endpoints {
			g.Endpoints = append(g.Endpoints, &Endpoint{URL: se.URL, Weight: se.Weight, Priority: se.Priority})
		}
		c.groups[key] = g
		c.groupByID[g.id] = g
		if !key.isSourceKeyed() {
			scope := originScope{Origin: key.Origin, Partition: key.Partition}
			c.byOrigin[scope] = append(c.byOrigin[scope], g.id)
		}
	}
	c.notifyClients() // a subsequent Flush must write the loaded state back unchanged, not skip it as non-dirty.
}

// Groups returns a read-only snapshot of every endpoint group.
func (c *Cache) Groups() []*EndpointGroup {
	out := make([]*EndpointGroup, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	return out
}

// SetGroupUploading toggles the at-most-one-in-flight-upload bookkeeping
// for a group.
func (c *Cache) SetGroupUploading(g *EndpointGroup, uploading bool) {
	g.uploading = uploading
}

// IsUploading reports whether g currently has an in-flight upload.
func (c *Cache) IsUploading(g *EndpointGroup) bool {
	return g.uploading
}

// ReapIfExpiredSource deletes g immediately if it is source-keyed, its
// source is marked expired, and no report still references that source.
// The Delivery Agent calls this after every completed upload so a
// tombstoned source disappears from status snapshots as soon as its
// reports drain, rather than waiting for the next periodic GC.
func (c *Cache) ReapIfExpiredSource(g *EndpointGroup) {
	if g.Key.Source.IsZero() || !c.expiredSources[g.Key.Source] {
		return
	}
	for _, r := range c.reports {
		if r.Source == g.Key.Source {
			return
		}
	}
	delete(c.groups, g.Key)
	delete(c.groupByID, g.id)
	c.notifyClients()
}

// RemoveEndpoint deletes one endpoint from its group (used on HTTP 410).
func (c *Cache) RemoveEndpoint(g *EndpointGroup, endpoint *Endpoint) {
	for i, e := range g.Endpoints {
		if e == endpoint {
			g.Endpoints = append(g.Endpoints[:i], g.Endpoints[i+1:]...)
			break
		}
	}
	c.notifyClients()
}
