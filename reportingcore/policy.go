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

// Policy holds the immutable tunable limits the reporting core operates
// under. A Policy is never mutated after construction.
type Policy struct {
	MaxReportCount            int
	MaxReportAgeSeconds       int
	MaxReportAttempts         int
	MaxEndpointsPerOrigin     int
	MaxEndpointCount          int
	MaxGroupStalenessSeconds  int
	DeliveryInterval          time.Duration
	GarbageCollectionInterval time.Duration

	PersistReportsAcrossRestarts       bool
	PersistClientsAcrossNetworkChanges bool
}

// DefaultPolicy returns the limits used when an embedder does not
// override them.
func DefaultPolicy() Policy {
	return Policy{
		MaxReportCount:            100,
		MaxReportAgeSeconds:       86400,
		MaxReportAttempts:         5,
		MaxEndpointsPerOrigin:     10,
		MaxEndpointCount:          1000,
		MaxGroupStalenessSeconds:  7 * 24 * 60 * 60,
		DeliveryInterval:          1 * time.Minute,
		GarbageCollectionInterval: 5 * time.Minute,

		PersistReportsAcrossRestarts:       false,
		PersistClientsAcrossNetworkChanges: true,
	}
}
