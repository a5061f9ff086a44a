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
	"testing"
	"time"

	"github.com/google/webreporting/reportingcore"
)

func TestBackoffTrackerReadyAfterWindowElapses(t *testing.T) {
	tr := newBackoffTracker(time.Minute, time.Hour)
	ep := &reportingcore.Endpoint{URL: "https://r.test/r"}
	now := time.Unix(0, 0)

	if !tr.ready(ep, now) {
		t.Fatal("fresh endpoint should be ready")
	}

	tr.recordFailure(ep, now)
	if tr.ready(ep, now) {
		t.Error("endpoint should not be ready immediately after a failure")
	}
	if !tr.ready(ep, now.Add(time.Minute)) {
		t.Error("endpoint should be ready once the initial backoff window elapses")
	}
}

func TestBackoffTrackerGrowsAndCaps(t *testing.T) {
	tr := newBackoffTracker(time.Minute, 2*time.Minute)
	ep := &reportingcore.Endpoint{URL: "https://r.test/r"}
	now := time.Unix(0, 0)

	tr.recordFailure(ep, now)
	first := tr.until[ep].Sub(now)

	tr.recordFailure(ep, now)
	second := tr.until[ep].Sub(now)

	if second <= first {
		t.Errorf("second backoff window (%v) did not grow past the first (%v)", second, first)
	}
	if second > 2*time.Minute {
		t.Errorf("backoff window %v exceeded MaxInterval 2m", second)
	}
}

func TestBackoffTrackerReset(t *testing.T) {
	tr := newBackoffTracker(time.Minute, time.Hour)
	ep := &reportingcore.Endpoint{URL: "https://r.test/r"}
	now := time.Unix(0, 0)

	tr.recordFailure(ep, now)
	tr.reset(ep)

	if !tr.ready(ep, now) {
		t.Error("endpoint should be immediately ready after reset")
	}
}
