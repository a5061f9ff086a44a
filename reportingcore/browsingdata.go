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

import "context"

// BrowsingDataRemover performs bulk deletion of reports and/or endpoint
// groups by origin filter and type mask, then flushes the change to the
// Store if one is configured.
type BrowsingDataRemover struct {
	cache *Cache
}

// NewBrowsingDataRemover wraps cache for bulk-deletion use.
func NewBrowsingDataRemover(cache *Cache) *BrowsingDataRemover {
	return &BrowsingDataRemover{cache: cache}
}

// Remove deletes data matching mask and predicate, then flushes.
func (b *BrowsingDataRemover) Remove(ctx context.Context, mask BrowsingDataMask, predicate func(origin string) bool) error {
	b.cache.RemoveBrowsingData(mask, predicate)
	return b.cache.Flush(ctx)
}

// RemoveAll deletes all data matching mask, then flushes.
func (b *BrowsingDataRemover) RemoveAll(ctx context.Context, mask BrowsingDataMask) error {
	b.cache.RemoveAllBrowsingData(mask)
	return b.cache.Flush(ctx)
}
