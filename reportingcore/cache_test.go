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

package reportingcore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/webreporting/reportingcore"
	"github.com/google/webreporting/reportingtest"
)

var epoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, policy reportingcore.Policy) (*reportingcore.Cache, *reportingtest.FakeClock) {
	t.Helper()
	clock := reportingtest.NewFakeClock(epoch)
	return reportingcore.NewCache(policy, clock, nil), clock
}

func TestAddReportEvictsOldestPreservingPending(t *testing.T) {
	policy := reportingcore.DefaultPolicy()
	policy.MaxReportCount = 2
	c, _ := newTestCache(t, policy)

	r1 := c.AddReport(reportingcore.ReportingSource{}, reportingcore.PartitionKey{}, "https://a.test", "ua", "g", "t", nil, 0, epoch, 0)
	r1.Status = reportingcore.StatusPending
	c.AddReport(reportingcore.ReportingSource{}, reportingcore.PartitionKey{}, "https://b.test", "ua", "g", "t", nil, 0, epoch.Add(time.Second), 0)
	c.AddReport(reportingcore.ReportingSource{}, reportingcore.PartitionKey{}, "https://c.test", "ua", "g", "t", nil, 0, epoch.Add(2*time.Second), 0)

	got := c.Reports()
	if len(got) != policy.MaxReportCount {
		t.Fatalf("len(Reports()) = %d, want %d", len(got), policy.MaxReportCount)
	}
	foundPending := false
	for _, r := range got {
		if r.URL == "https://a.test" {
			foundPending = true
		}
	}
	if !foundPending {
		t.Errorf("PENDING report for https://a.test was evicted even though it was first")
	}
}

func TestAddReportEvictsNewReportWhenAllOthersPending(t *testing.T) {
	policy := reportingcore.DefaultPolicy()
	policy.MaxReportCount = 1
	c, _ := newTestCache(t, policy)

	r1 := c.AddReport(reportingcore.ReportingSource{}, reportingcore.PartitionKey{}, "https://a.test", "ua", "g", "t", nil, 0, epoch, 0)
	r1.Status = reportingcore.StatusPending

	c.AddReport(reportingcore.ReportingSource{}, reportingcore.PartitionKey{}, "https://b.test", "ua", "g", "t", nil, 0, epoch, 0)

	got := c.Reports()
	if len(got) != 1 {
		t.Fatalf("len(Reports()) = %d, want 1 (in-flight report must not be deleted out from under its upload)", len(got))
	}
	if got[0].Status != reportingcore.StatusPending {
		t.Errorf("Status = %v, want StatusPending (the new QUEUED report is the oldest non-PENDING one, so it is evicted)", got[0].Status)
	}
}

func TestGetReportsToDeliverExactGroupMatch(t *testing.T) {
	c, clock := newTestCache(t, reportingcore.DefaultPolicy())
	c.SetEndpointsForOrigin("https://a.test", reportingcore.PartitionKey{}, "g", false, clock.Now().Add(time.Hour),
		[]reportingcore.Endpoint{{URL: "https://r.test/r", Weight: 1, Priority: 1}})
	c.AddReport(reportingcore.ReportingSource{}, reportingcore.PartitionKey{}, "https://a.test", "ua", "g", "t", nil, 0, clock.Now(), 0)

	batches := c.GetReportsToDeliver()
	if len(batches) != 1 {
		t.Fatalf("len(batches) = %d, want 1", len(batches))
	}
	if got := batches[0].Group.Origin(); got != "https://a.test" {
		t.Errorf("batch group origin = %q, want https://a.test", got)
	}
	if len(batches[0].Reports) != 1 {
		t.Fatalf("len(batches[0].Reports) = %d, want 1", len(batches[0].Reports))
	}
}

func TestGetReportsToDeliverAncestorMatch(t *testing.T) {
	c, clock := newTestCache(t, reportingcore.DefaultPolicy())
	c.SetEndpointsForOrigin("https://example.com", reportingcore.PartitionKey{}, "g", true, clock.Now().Add(time.Hour),
		[]reportingcore.Endpoint{{URL: "https://r.test/r", Weight: 1, Priority: 1}})
	c.AddReport(reportingcore.ReportingSource{}, reportingcore.PartitionKey{}, "https://sub.example.com", "ua", "g", "t", nil, 0, clock.Now(), 0)

	batches := c.GetReportsToDeliver()
	if len(batches) != 1 {
		t.Fatalf("len(batches) = %d, want 1 (subdomain report should match ancestor group)", len(batches))
	}
}

func TestGetReportsToDeliverNoSubdomainMatchWithoutIncludeSubdomains(t *testing.T) {
	c, clock := newTestCache(t, reportingcore.DefaultPolicy())
	c.SetEndpointsForOrigin("https://example.com", reportingcore.PartitionKey{}, "g", false, clock.Now().Add(time.Hour),
		[]reportingcore.Endpoint{{URL: "https://r.test/r", Weight: 1, Priority: 1}})
	c.AddReport(reportingcore.ReportingSource{}, reportingcore.PartitionKey{}, "https://sub.example.com", "ua", "g", "t", nil, 0, clock.Now(), 0)

	if batches := c.GetReportsToDeliver(); len(batches) != 0 {
		t.Fatalf("len(batches) = %d, want 0 (IncludeSubdomains is false)", len(batches))
	}
}

func TestSetEndpointsForOriginEvictsLowestPrioritySibling(t *testing.T) {
	policy := reportingcore.DefaultPolicy()
	policy.MaxEndpointsPerOrigin = 1
	c, clock := newTestCache(t, policy)

	c.SetEndpointsForOrigin("https://a.test", reportingcore.PartitionKey{}, "low", false, clock.Now().Add(time.Hour),
		[]reportingcore.Endpoint{{URL: "https://r.test/low", Weight: 1, Priority: 9}})
	c.SetEndpointsForOrigin("https://a.test", reportingcore.PartitionKey{}, "high", false, clock.Now().Add(time.Hour),
		[]reportingcore.Endpoint{{URL: "https://r.test/high", Weight: 1, Priority: 1}})

	var names []string
	for _, g := range c.Groups() {
		names = append(names, g.Name())
	}
	if diff := cmp.Diff([]string{"high"}, names); diff != "" {
		t.Errorf("surviving group names mismatch (-want +got):\n%s", diff)
	}
}

func TestGlobalEndpointCapEvictsWorstOriginAcrossOrigins(t *testing.T) {
	policy := reportingcore.DefaultPolicy()
	policy.MaxEndpointCount = 1
	c, clock := newTestCache(t, policy)

	c.SetEndpointsForOrigin("https://a.test", reportingcore.PartitionKey{}, "g", false, clock.Now().Add(time.Hour),
		[]reportingcore.Endpoint{{URL: "https://r.test/low", Weight: 1, Priority: 9}})
	c.SetEndpointsForOrigin("https://b.test", reportingcore.PartitionKey{}, "g", false, clock.Now().Add(time.Hour),
		[]reportingcore.Endpoint{{URL: "https://r.test/high", Weight: 1, Priority: 1}})

	groups := c.Groups()
	if len(groups) != 1 {
		t.Fatalf("len(Groups()) = %d, want 1 (global endpoint cap evicts across origins)", len(groups))
	}
	if groups[0].Origin() != "https://b.test" {
		t.Errorf("surviving origin = %q, want https://b.test (lowest-priority-numbered group evicted first)", groups[0].Origin())
	}
}

func TestSetDocumentEndpointsRequiresNonEmptySource(t *testing.T) {
	c, _ := newTestCache(t, reportingcore.DefaultPolicy())
	ok := c.SetDocumentEndpoints(reportingcore.ReportingSource{}, reportingcore.IsolationInfo{}, reportingcore.PartitionKey{}, "https://a.test",
		map[string]string{"main": "https://r.test/r"})
	if ok {
		t.Fatal("SetDocumentEndpoints succeeded with an empty source, want rejection")
	}
	if len(c.Groups()) != 0 {
		t.Errorf("len(Groups()) = %d, want 0", len(c.Groups()))
	}
}

func TestSendAndRemoveSourceReapsGroupOnceDrained(t *testing.T) {
	c, clock := newTestCache(t, reportingcore.DefaultPolicy())
	source, err := reportingcore.NewReportingSource()
	if err != nil {
		t.Fatalf("NewReportingSource() err = %v", err)
	}
	if ok := c.SetDocumentEndpoints(source, reportingcore.IsolationInfo{}, reportingcore.PartitionKey{}, "https://a.test",
		map[string]string{"main": "https://r.test/r"}); !ok {
		t.Fatal("SetDocumentEndpoints() = false, want true")
	}
	r := c.AddReport(source, reportingcore.PartitionKey{}, "https://a.test", "ua", "main", "t", nil, 0, clock.Now(), 0)

	c.SetExpiredSource(source)
	if len(c.GetReportsToDeliver()) != 1 {
		t.Fatal("expired source's first attempt should still be eligible for delivery")
	}

	c.RemoveReports([]*reportingcore.Report{r})
	var g *reportingcore.EndpointGroup
	for _, cand := range c.Groups() {
		if cand.Source() == source {
			g = cand
		}
	}
	if g == nil {
		t.Fatal("source-keyed group not found before reap")
	}
	c.ReapIfExpiredSource(g)

	for _, cand := range c.Groups() {
		if cand.Source() == source {
			t.Fatal("source-keyed group still present after its reports drained")
		}
	}
}

func TestGCPrunesStaleReportsAndGroups(t *testing.T) {
	policy := reportingcore.DefaultPolicy()
	policy.MaxReportAgeSeconds = 60
	policy.MaxGroupStalenessSeconds = 60
	c, clock := newTestCache(t, policy)

	c.SetEndpointsForOrigin("https://a.test", reportingcore.PartitionKey{}, "g", false, time.Time{},
		[]reportingcore.Endpoint{{URL: "https://r.test/r", Weight: 1, Priority: 1}})
	c.AddReport(reportingcore.ReportingSource{}, reportingcore.PartitionKey{}, "https://a.test", "ua", "g", "t", nil, 0, clock.Now(), 0)

	clock.Advance(2 * time.Minute)
	c.GC()

	if got := c.Reports(); len(got) != 0 {
		t.Errorf("len(Reports()) after GC = %d, want 0 (report past MaxReportAgeSeconds)", len(got))
	}
	if got := c.Groups(); len(got) != 0 {
		t.Errorf("len(Groups()) after GC = %d, want 0 (group past MaxGroupStalenessSeconds)", len(got))
	}
}

func TestRemoveBrowsingDataMask(t *testing.T) {
	c, clock := newTestCache(t, reportingcore.DefaultPolicy())
	c.SetEndpointsForOrigin("https://a.test", reportingcore.PartitionKey{}, "g", false, clock.Now().Add(time.Hour),
		[]reportingcore.Endpoint{{URL: "https://r.test/r", Weight: 1, Priority: 1}})
	c.AddReport(reportingcore.ReportingSource{}, reportingcore.PartitionKey{}, "https://a.test", "ua", "g", "t", nil, 0, clock.Now(), 0)

	c.RemoveBrowsingData(reportingcore.BrowsingDataReports, func(origin string) bool { return origin == "https://a.test" })

	if len(c.Reports()) != 0 {
		t.Errorf("len(Reports()) = %d, want 0", len(c.Reports()))
	}
	if len(c.Groups()) != 1 {
		t.Errorf("len(Groups()) = %d, want 1 (mask excluded clients)", len(c.Groups()))
	}

	c.RemoveAllBrowsingData(reportingcore.BrowsingDataClients)
	if len(c.Groups()) != 0 {
		t.Errorf("len(Groups()) = %d, want 0 after removing all clients", len(c.Groups()))
	}
}

func TestRemoveBrowsingDataByOriginLeavesOtherOriginsUntouched(t *testing.T) {
	c, clock := newTestCache(t, reportingcore.DefaultPolicy())
	c.SetEndpointsForOrigin("https://a.test", reportingcore.PartitionKey{}, "g", false, clock.Now().Add(time.Hour),
		[]reportingcore.Endpoint{{URL: "https://r.test/a", Weight: 1, Priority: 1}})
	c.SetEndpointsForOrigin("https://b.test", reportingcore.PartitionKey{}, "g", false, clock.Now().Add(time.Hour),
		[]reportingcore.Endpoint{{URL: "https://r.test/b", Weight: 1, Priority: 1}})
	for i := 0; i < 3; i++ {
		c.AddReport(reportingcore.ReportingSource{}, reportingcore.PartitionKey{}, "https://a.test", "ua", "g", "t", nil, 0, clock.Now(), 0)
	}
	for i := 0; i < 2; i++ {
		c.AddReport(reportingcore.ReportingSource{}, reportingcore.PartitionKey{}, "https://b.test", "ua", "g", "t", nil, 0, clock.Now(), 0)
	}

	c.RemoveBrowsingData(reportingcore.BrowsingDataReports, func(origin string) bool { return origin == "https://a.test" })

	remaining := c.Reports()
	if len(remaining) != 2 {
		t.Fatalf("len(Reports()) = %d, want 2", len(remaining))
	}
	for _, r := range remaining {
		if r.URL != "https://b.test" {
			t.Errorf("remaining report URL = %q, want https://b.test", r.URL)
		}
	}
	if len(c.Groups()) != 2 {
		t.Errorf("len(Groups()) = %d, want 2 (endpoint groups untouched by a REPORTS-masked removal)", len(c.Groups()))
	}
}

func TestFlushWritesDirtySnapshotOnce(t *testing.T) {
	store := reportingtest.NewFakeStore(nil)
	clock := reportingtest.NewFakeClock(epoch)
	c := reportingcore.NewCache(reportingcore.DefaultPolicy(), clock, store)

	c.SetEndpointsForOrigin("https://a.test", reportingcore.PartitionKey{}, "g", false, clock.Now().Add(time.Hour),
		[]reportingcore.Endpoint{{URL: "https://r.test/r", Weight: 1, Priority: 1}})

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() err = %v", err)
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush() err = %v", err)
	}
	if got := store.WriteCount(); got != 1 {
		t.Errorf("store.WriteCount() = %d, want 1 (second flush was not dirty)", got)
	}
}

func TestSetEndpointsForOriginIdempotent(t *testing.T) {
	c, clock := newTestCache(t, reportingcore.DefaultPolicy())
	endpoints := []reportingcore.Endpoint{{URL: "https://r.test/r", Weight: 1, Priority: 1}}
	expiry := clock.Now().Add(time.Hour)

	c.SetEndpointsForOrigin("https://a.test", reportingcore.PartitionKey{}, "g", false, expiry, endpoints)
	once := c.Groups()
	c.SetEndpointsForOrigin("https://a.test", reportingcore.PartitionKey{}, "g", false, expiry, endpoints)
	twice := c.Groups()

	if len(once) != 1 || len(twice) != 1 {
		t.Fatalf("len(Groups()) = %d then %d, want 1 then 1", len(once), len(twice))
	}
	if once[0] != twice[0] {
		t.Errorf("repeated call minted a new group instead of upserting the existing one")
	}
	if diff := cmp.Diff(once[0].Endpoints, twice[0].Endpoints); diff != "" {
		t.Errorf("endpoints differ after identical repeat call (-first +second):\n%s", diff)
	}
}

func TestLoadThenFlushProducesByteEqualSnapshot(t *testing.T) {
	clock := reportingtest.NewFakeClock(epoch)
	seedStore := reportingtest.NewFakeStore(nil)
	seed := reportingcore.NewCache(reportingcore.DefaultPolicy(), clock, seedStore)
	seed.SetEndpointsForOrigin("https://a.test", reportingcore.PartitionKey{}, "g", true, clock.Now().Add(time.Hour),
		[]reportingcore.Endpoint{{URL: "https://r.test/r", Weight: 3, Priority: 1}})
	if err := seed.Flush(context.Background()); err != nil {
		t.Fatalf("seed Flush() err = %v", err)
	}
	original := seedStore.Writes[0]

	loadStore := reportingtest.NewFakeStore(original)
	loaded := reportingcore.NewCache(reportingcore.DefaultPolicy(), clock, loadStore)
	result := <-loadStore.Load(context.Background())
	if result.Err != nil {
		t.Fatalf("Load() err = %v", result.Err)
	}
	loaded.InstallLoadedGroups(result.Groups)
	if err := loaded.Flush(context.Background()); err != nil {
		t.Fatalf("post-load Flush() err = %v", err)
	}

	if diff := cmp.Diff(original, loadStore.Writes[0]); diff != "" {
		t.Errorf("round-tripped snapshot differs from original (-want +got):\n%s", diff)
	}
}

func TestSnapshotReflectsGroupsAndReports(t *testing.T) {
	c, clock := newTestCache(t, reportingcore.DefaultPolicy())
	c.SetEndpointsForOrigin("https://a.test", reportingcore.PartitionKey{}, "g", false, clock.Now().Add(time.Hour),
		[]reportingcore.Endpoint{{URL: "https://r.test/r", Weight: 1, Priority: 1}})
	c.AddReport(reportingcore.ReportingSource{}, reportingcore.PartitionKey{}, "https://a.test", "ua", "g", "t", nil, 0, clock.Now(), 0)

	snap := c.Snapshot()
	if len(snap.Clients) != 1 || len(snap.Reports) != 1 {
		t.Fatalf("Snapshot() = %+v, want one client and one report", snap)
	}
	if snap.Reports[0].Status != reportingcore.StatusQueued.String() {
		t.Errorf("Reports[0].Status = %q, want %q", snap.Reports[0].Status, reportingcore.StatusQueued.String())
	}
}
