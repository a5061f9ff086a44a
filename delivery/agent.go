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

// Package delivery selects eligible reports, batches them by endpoint
// group, and drives the Uploader with retry and per-endpoint backoff.
//
// The state machine per endpoint group is:
//
//	IDLE --batch ready--> COLLECTING --commit--> UPLOADING
//	   ^                                            |
//	   +----------- success/permfail/abort ---------+
//
// There are no goroutines here: Tick starts uploads and returns
// immediately, and Poll drains whichever uploads have already completed.
// This mirrors the single-threaded cooperative model of the core: all
// concurrency is pushed down into the Uploader implementation, which is
// free to use goroutines internally as long as it reports back exactly
// once on the channel it returns.
package delivery

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/webreporting/reportingcore"
)

type pendingUpload struct {
	endpoint *reportingcore.Endpoint
	reports  []*reportingcore.Report
	resultCh <-chan reportingcore.UploadResult
}

// Agent is the Delivery Agent: it owns no state shared with the Cache
// beyond what Cache itself exposes, and must be driven by a single owner
// calling Tick on Policy.DeliveryInterval and Poll whenever it wants to
// notice completions (a real driver would select on a ticker and on each
// pending upload's channel; the tests call Tick and Poll directly).
type Agent struct {
	cache    *reportingcore.Cache
	clock    reportingcore.Clock
	uploader reportingcore.Uploader
	policy   reportingcore.Policy
	backoffs *backoffTracker
	rng      *rand.Rand

	pending map[*reportingcore.EndpointGroup]*pendingUpload
}

// initialBackoff and maxBackoff bound the exponential backoff applied to
// a failing endpoint; they are not part of Policy because they tune the
// Delivery Agent's internal retry behavior rather than cache capacity.
const (
	initialBackoff = 1 * time.Minute
	maxBackoff     = 1 * time.Hour
)

// NewAgent constructs a Delivery Agent over cache, using uploader to
// perform deliveries and rngSeed to make weighted endpoint selection
// reproducible in tests.
func NewAgent(cache *reportingcore.Cache, clock reportingcore.Clock, uploader reportingcore.Uploader, policy reportingcore.Policy, rngSeed int64) *Agent {
	return &Agent{
		cache:    cache,
		clock:    clock,
		uploader: uploader,
		policy:   policy,
		backoffs: newBackoffTracker(initialBackoff, maxBackoff),
		rng:      rand.New(rand.NewSource(rngSeed)),
		pending:  map[*reportingcore.EndpointGroup]*pendingUpload{},
	}
}

// Tick runs one delivery sweep: every endpoint group with eligible
// reports and no in-flight upload gets at most one new upload started,
// against an endpoint chosen by weighted random selection within the
// lowest-priority-value band whose backoff window has elapsed.
func (a *Agent) Tick(ctx context.Context) {
	now := a.clock.Now()
	for _, batch := range a.cache.GetReportsToDeliver() {
		g := batch.Group
		if a.cache.IsUploading(g) {
			continue
		}
		ep := a.selectEndpoint(g, now)
		if ep == nil {
			continue
		}
		a.startUpload(ctx, g, ep, batch.Reports)
	}
}

// DeliverSourceNow starts uploads for every eligible batch owned by
// source, bypassing the normal delivery cadence; it is the mechanism
// behind the facade's send-reports-and-remove-source operation.
func (a *Agent) DeliverSourceNow(ctx context.Context, source reportingcore.ReportingSource) {
	now := a.clock.Now()
	for _, batch := range a.cache.GetReportsToDeliver() {
		g := batch.Group
		if g.Source() != source || a.cache.IsUploading(g) {
			continue
		}
		ep := a.selectEndpoint(g, now)
		if ep == nil {
			continue
		}
		a.startUpload(ctx, g, ep, batch.Reports)
	}
}

// Poll processes any uploads that have already completed, without
// blocking on ones that have not.
func (a *Agent) Poll() {
	for g, p := range a.pending {
		select {
		case result := <-p.resultCh:
			delete(a.pending, g)
			a.finishUpload(g, p.endpoint, p.reports, result)
		default:
		}
	}
}

// InFlight reports how many uploads are currently outstanding, for tests
// and status introspection.
func (a *Agent) InFlight() int {
	return len(a.pending)
}

func (a *Agent) selectEndpoint(g *reportingcore.EndpointGroup, now time.Time) *reportingcore.Endpoint {
	var candidates []*reportingcore.Endpoint
	bestPriority := -1
	for _, e := range g.Endpoints {
		if e.PendingUpload || !a.backoffs.ready(e, now) {
			continue
		}
		switch {
		case bestPriority == -1 || e.Priority < bestPriority:
			bestPriority = e.Priority
			candidates = []*reportingcore.Endpoint{e}
		case e.Priority == bestPriority:
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return a.weightedPick(candidates)
}

func (a *Agent) weightedPick(candidates []*reportingcore.Endpoint) *reportingcore.Endpoint {
	total := 0
	for _, e := range candidates {
		total += weightOf(e)
	}
	if total <= 0 {
		return candidates[0]
	}
	pick := a.rng.Intn(total)
	for _, e := range candidates {
		w := weightOf(e)
		if pick < w {
			return e
		}
		pick -= w
	}
	return candidates[len(candidates)-1]
}

func weightOf(e *reportingcore.Endpoint) int {
	if e.Weight < 1 {
		return 1
	}
	return e.Weight
}

func (a *Agent) startUpload(ctx context.Context, g *reportingcore.EndpointGroup, ep *reportingcore.Endpoint, reports []*reportingcore.Report) {
	a.cache.SetGroupUploading(g, true)
	a.cache.MarkPending(reports)
	a.cache.IncrementAttempts(reports)
	ep.PendingUpload = true

	payload, err := BuildPayload(reports, a.clock.Now())
	if err != nil {
		a.finishUpload(g, ep, reports, reportingcore.UploadResult{Outcome: reportingcore.UploadFailure, Err: err})
		return
	}
	resultCh := a.uploader.Upload(ctx, ep.URL, payload, g.Partition())
	a.pending[g] = &pendingUpload{endpoint: ep, reports: reports, resultCh: resultCh}
}

func (a *Agent) finishUpload(g *reportingcore.EndpointGroup, ep *reportingcore.Endpoint, reports []*reportingcore.Report, result reportingcore.UploadResult) {
	a.cache.SetGroupUploading(g, false)
	ep.PendingUpload = false
	now := a.clock.Now()

	var doomed, rest []*reportingcore.Report
	for _, r := range reports {
		if r.Status == reportingcore.StatusDoomed {
			doomed = append(doomed, r)
		} else {
			rest = append(rest, r)
		}
	}
	if len(doomed) > 0 {
		a.cache.RemoveReports(doomed)
	}

	switch result.Outcome {
	case reportingcore.UploadSuccess:
		ep.Stats.SuccessCount++
		ep.Stats.LastUsed = now
		a.backoffs.reset(ep)
		a.cache.RemoveReports(rest)

	case reportingcore.UploadRemoveEndpoint:
		a.cache.RemoveEndpoint(g, ep)
		a.backoffs.reset(ep)
		a.cache.RequeueToQueued(rest)

	case reportingcore.UploadFailure:
		ep.Stats.FailureCount++
		var giveUp, retry []*reportingcore.Report
		for _, r := range rest {
			if r.Attempts >= a.policy.MaxReportAttempts {
				giveUp = append(giveUp, r)
			} else {
				retry = append(retry, r)
			}
		}
		if len(giveUp) > 0 {
			a.cache.RemoveReports(giveUp)
		}
		if len(retry) > 0 {
			a.cache.RequeueToQueued(retry)
		}
		a.backoffs.recordFailure(ep, now)
	}

	a.cache.ReapIfExpiredSource(g)
}
