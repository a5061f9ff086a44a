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

// SameSiteContext classifies the same-site relationship a document's
// isolation info was computed under. It mirrors the SameSite cookie
// attribute's three modes but says nothing about cookies: it is carried
// here only because DocumentEndpoints needs some representation of the
// isolation info that produced it. Computing same-site relationships is
// the caller's job, not this package's.
type SameSiteContext int

const (
	// SameSiteContextCrossSite means the document's frame tree crosses a
	// site boundary somewhere above it.
	SameSiteContextCrossSite SameSiteContext = iota
	// SameSiteContextLax means the frame tree is same-site except for
	// top-level cross-site navigations.
	SameSiteContextLax
	// SameSiteContextStrict means the entire frame tree is same-site.
	SameSiteContextStrict
)

// IsolationInfo is the opaque network-isolation context associated with a
// document's reporting-endpoint configuration. The reporting core never
// computes one of these. Cache.SetDocumentEndpoints accepts one but does
// not store it, and no accessor returns it.
type IsolationInfo struct {
	TopFrameSite   string
	SiteForCookies string
	SameSite       SameSiteContext
}
