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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/webreporting/reportingcore"
)

// backoffTracker holds per-endpoint exponential backoff state: delay =
// initial * 2^(consecutive_failures-1), capped at max. Endpoint identity
// is the *reportingcore.Endpoint pointer itself, which stays stable for
// the life of the endpoint within its group.
type backoffTracker struct {
	initial time.Duration
	max     time.Duration

	states map[*reportingcore.Endpoint]*backoff.ExponentialBackOff
	until  map[*reportingcore.Endpoint]time.Time
}

func newBackoffTracker(initial, max time.Duration) *backoffTracker {
	return &backoffTracker{
		initial: initial,
		max:     max,
		states:  map[*reportingcore.Endpoint]*backoff.ExponentialBackOff{},
		until:   map[*reportingcore.Endpoint]time.Time{},
	}
}

func (t *backoffTracker) ready(e *reportingcore.Endpoint, now time.Time) bool {
	until, ok := t.until[e]
	return !ok || !now.Before(until)
}

// recordFailure advances e's backoff window past now.
func (t *backoffTracker) recordFailure(e *reportingcore.Endpoint, now time.Time) {
	delay := t.stateFor(e).NextBackOff()
	t.until[e] = now.Add(delay)
}

// reset clears e's backoff state after a successful delivery or removal.
func (t *backoffTracker) reset(e *reportingcore.Endpoint) {
	delete(t.until, e)
	delete(t.states, e)
}

func (t *backoffTracker) stateFor(e *reportingcore.Endpoint) *backoff.ExponentialBackOff {
	b, ok := t.states[e]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = t.initial
		b.MaxInterval = t.max
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0 // never stop: the delay stays capped at max.
		b.Reset()            // start from InitialInterval, not the library default.
		t.states[e] = b
	}
	return b
}
