/*
Copyright The Flatpak Authors.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package auth implements Bearer token authentication against
// Docker-style registry token servers.
// References:
// - https://distribution.github.io/distribution/spec/auth/token/
// - https://tools.ietf.org/html/rfc7235#section-2.1
package auth

import (
	"strconv"
	"strings"
)

// Scheme is the authentication scheme of a challenge.
type Scheme byte

const (
	SchemeUnknown Scheme = iota
	SchemeBasic
	SchemeBearer
)

func parseScheme(scheme string) Scheme {
	switch {
	case strings.EqualFold(scheme, "basic"):
		return SchemeBasic
	case strings.EqualFold(scheme, "bearer"):
		return SchemeBearer
	}
	return SchemeUnknown
}

// String returns the canonical spelling of the scheme.
func (s Scheme) String() string {
	switch s {
	case SchemeBasic:
		return "Basic"
	case SchemeBearer:
		return "Bearer"
	}
	return "Unknown"
}

// parseChallenge parses a WWW-Authenticate header. Parameters are
// extracted only for Bearer challenges.
//
// As defined in RFC 7235 section 2.1:
//
//	challenge   = auth-scheme [ 1*SP ( token68 / #auth-param ) ]
//	auth-param  = token BWS "=" BWS ( token / quoted-string )
func parseChallenge(header string) (scheme Scheme, params map[string]string) {
	schemeString, rest := parseToken(header)
	scheme = parseScheme(schemeString)
	if scheme != SchemeBearer {
		return
	}

	var key, value string
	for {
		key, rest = parseToken(skipSpace(rest))
		if key == "" {
			return
		}

		rest = skipSpace(rest)
		if rest == "" || rest[0] != '=' {
			return
		}
		rest = skipSpace(rest[1:])
		if rest == "" {
			return
		}

		if rest[0] == '"' {
			prefix, err := strconv.QuotedPrefix(rest)
			if err != nil {
				return
			}
			value, err = strconv.Unquote(prefix)
			if err != nil {
				return
			}
			rest = rest[len(prefix):]
		} else {
			value, rest = parseToken(rest)
			if value == "" {
				return
			}
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[key] = value

		rest = skipSpace(rest)
		if rest == "" || rest[0] != ',' {
			return
		}
		rest = rest[1:]
	}
}

// isNotTokenChar reports whether r is not a tchar of RFC 7230
// section 3.2.6.
func isNotTokenChar(r rune) bool {
	return (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') &&
		(r < '0' || r > '9') && !strings.ContainsRune("!#$%&'*+-.^_`|~", r)
}

// parseToken finds the next token in s. If none is found, the token
// is empty and all of s is returned as rest.
func parseToken(s string) (token, rest string) {
	if i := strings.IndexFunc(s, isNotTokenChar); i != -1 {
		return s[:i], s[i:]
	}
	return s, ""
}

// skipSpace strips leading SP and HTAB.
func skipSpace(s string) string {
	return strings.TrimLeft(s, " \t")
}
