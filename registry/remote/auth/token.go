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

package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"flatpak.land/flatpak-go/errdef"
)

// maxTokenResponseBytes bounds the token server response. Token
// responses are a few KiB; 128 KiB leaves generous headroom.
const maxTokenResponseBytes = 128 * 1024

// BasicAuth is an optional username/password pair forwarded to the
// token server as an Authorization: Basic header.
type BasicAuth struct {
	Username string
	Password string
}

// header encodes the pair per RFC 7617.
func (b BasicAuth) header() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(b.Username+":"+b.Password))
}

// PullScope returns the default token scope for pulling a repository.
func PullScope(repository string) string {
	return "repository:" + repository + ":pull"
}

// Challenge is a parsed Bearer challenge from a WWW-Authenticate
// header.
type Challenge struct {
	Realm   string
	Service string
	Scope   string
}

// ParseChallenge extracts the Bearer parameters of a WWW-Authenticate
// header. A non-Bearer scheme yields errdef.ErrUnsupported.
func ParseChallenge(header string) (Challenge, error) {
	scheme, params := parseChallenge(header)
	if scheme != SchemeBearer {
		return Challenge{}, fmt.Errorf("auth scheme %q: %w", scheme, errdef.ErrUnsupported)
	}
	return Challenge{
		Realm:   params["realm"],
		Service: params["service"],
		Scope:   params["scope"],
	}, nil
}

// FetchToken obtains a Bearer token from the challenge's realm:
//
//	GET <realm>?service=<service>&scope=<scope>
//
// with Authorization: Basic when basic is non-nil. The response is
// JSON carrying the token in "token" or, for OAuth2-flavoured
// servers, "access_token".
func FetchToken(ctx context.Context, client *http.Client, ch Challenge, basic *BasicAuth) (string, error) {
	if ch.Realm == "" {
		return "", fmt.Errorf("bearer challenge has no realm: %w", errdef.ErrInvalidArgument)
	}
	realmURL, err := url.Parse(ch.Realm)
	if err != nil {
		return "", fmt.Errorf("invalid token realm %q: %v: %w", ch.Realm, err, errdef.ErrInvalidArgument)
	}

	q := realmURL.Query()
	if ch.Service != "" {
		q.Set("service", ch.Service)
	}
	if ch.Scope != "" {
		q.Set("scope", ch.Scope)
	}
	realmURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realmURL.String(), nil)
	if err != nil {
		return "", err
	}
	if basic != nil {
		req.Header.Set("Authorization", basic.header())
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token fetch from %q: %w", ch.Realm, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token fetch from %q: unexpected status %s: %w", ch.Realm, resp.Status, errdef.ErrPermissionDenied)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return "", fmt.Errorf("token fetch from %q: %w", ch.Realm, err)
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("token response from %q: %v: %w", ch.Realm, err, errdef.ErrInvalidArgument)
	}
	if payload.Token != "" {
		return payload.Token, nil
	}
	if payload.AccessToken != "" {
		return payload.AccessToken, nil
	}
	return "", fmt.Errorf("token response from %q carries no token: %w", ch.Realm, errdef.ErrInvalidArgument)
}
