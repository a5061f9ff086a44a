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
	"net/url"
	"strings"
)

// SanitizeToOrigin strips userinfo, path, query and fragment from raw and
// returns scheme+host(+port). It reports false if raw does not parse, or
// parses to something with no scheme or host left after stripping.
func SanitizeToOrigin(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme == "" || u.Host == "" {
		return "", false
	}
	origin := u.Scheme + "://" + u.Host
	return origin, true
}

// IsPotentiallyTrustworthyURL reports whether raw may be used as an
// endpoint target: HTTPS always qualifies; HTTP qualifies only for
// loopback hosts, matching the browser's "potentially trustworthy origin"
// allowance for local development.
func IsPotentiallyTrustworthyURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "https", "wss":
		return true
	case "http", "ws":
		return isLoopbackHost(u.Hostname())
	default:
		return false
	}
}

func isLoopbackHost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.HasSuffix(host, ".localhost")
}
