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

package reportheader

import "strings"

// ParseReportingEndpointsHeader parses the V1 Reporting-Endpoints header
// value: a structured-fields dictionary whose members are all strings,
// e.g. `main-endpoint="https://r.example/a", other="https://r.example/b"`.
// Only the dictionary-of-strings subset of RFC 8941 is implemented;
// unknown member shapes are dropped, never errors.
func ParseReportingEndpointsHeader(value string) map[string]string {
	out := map[string]string{}
	for _, member := range splitTopLevel(value, ',') {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		eq := strings.IndexByte(member, '=')
		if eq < 0 {
			continue
		}
		name := strings.TrimSpace(member[:eq])
		if !isValidMemberName(name) {
			continue
		}
		raw := strings.TrimSpace(member[eq+1:])
		url, ok := unquoteSFString(raw)
		if !ok {
			continue
		}
		out[name] = url
	}
	return out
}

// isValidMemberName checks the structured-fields "key" grammar: lcalpha or
// "*" followed by lcalpha / DIGIT / "_" / "-" / "." / "*".
func isValidMemberName(name string) bool {
	if name == "" {
		return false
	}
	first := name[0]
	if !(first >= 'a' && first <= 'z') && first != '*' {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-' || c == '.' || c == '*':
		default:
			return false
		}
	}
	return true
}

// unquoteSFString decodes a structured-fields sf-string: a double-quoted
// string where '\' escapes '\' and '"'.
func unquoteSFString(raw string) (string, bool) {
	if len(raw) < 2 || raw[0] != '"' || raw[len(raw)-1] != '"' {
		return "", false
	}
	body := raw[1 : len(raw)-1]
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c == '\\' {
			i++
			if i >= len(body) {
				return "", false
			}
			switch body[i] {
			case '"', '\\':
				b.WriteByte(body[i])
			default:
				return "", false
			}
			continue
		}
		if c == '"' {
			return "", false // unescaped quote before the terminator.
		}
		b.WriteByte(c)
	}
	return b.String(), true
}

// splitTopLevel splits s on sep, ignoring occurrences of sep inside a
// double-quoted sf-string.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	start := 0
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case '\\':
			if inQuotes {
				i++
			}
		case sep:
			if !inQuotes {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}
