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

// Package retry provides an HTTP transport that retries transient
// registry failures with exponential backoff and jitter.
package retry

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

const headerRetryAfter = "Retry-After"

// Policy decides whether and when a failed request is retried.
type Policy struct {
	// MinWait is the minimum backoff between attempts.
	MinWait time.Duration

	// MaxWait caps the backoff between attempts.
	MaxWait time.Duration

	// MaxRetry is the number of retries after the initial attempt.
	MaxRetry int
}

// DefaultPolicy retries up to 5 times between 200ms and 3s.
var DefaultPolicy = Policy{
	MinWait:  200 * time.Millisecond,
	MaxWait:  3 * time.Second,
	MaxRetry: 5,
}

// retryable reports whether the response or transport error warrants
// another attempt. Authentication failures are not retried here; the
// auth layer resolves those.
func retryable(resp *http.Response, err error) bool {
	if err != nil {
		// transport-level error, possibly transient
		return true
	}
	switch resp.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return resp.StatusCode >= 500
}

// backoff computes the wait before the given attempt, honouring a
// Retry-After header on 429 responses.
func (p Policy) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		if v := resp.Header.Get(headerRetryAfter); v != "" {
			if after, _ := strconv.ParseInt(v, 10, 64); after > 0 {
				return time.Duration(after) * time.Second
			}
		}
	}
	d := time.Duration(float64(p.MinWait) * math.Pow(2, float64(attempt)))
	d += time.Duration(rand.Int63n(int64(p.MinWait)/2 + 1))
	if d > p.MaxWait {
		d = p.MaxWait
	}
	if d < p.MinWait {
		d = p.MinWait
	}
	return d
}

// Transport is an http.RoundTripper applying a retry Policy.
type Transport struct {
	// Base is the underlying transport. If nil, http.DefaultTransport.
	Base http.RoundTripper

	// Policy is the retry policy. The zero value never retries.
	Policy Policy
}

// NewTransport wraps base with the default policy.
func NewTransport(base http.RoundTripper) *Transport {
	return &Transport{Base: base, Policy: DefaultPolicy}
}

// RoundTrip executes the request, retrying per the policy. Requests
// with a body are only sent once unless GetBody is available.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	for attempt := 0; ; attempt++ {
		resp, err := base.RoundTrip(req)
		if attempt >= t.Policy.MaxRetry || !retryable(resp, err) {
			return resp, err
		}
		if req.Body != nil && req.GetBody == nil {
			// cannot replay the body
			return resp, err
		}

		if resp != nil {
			resp.Body.Close()
		}
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return resp, bodyErr
			}
			req.Body = body
		}

		timer := time.NewTimer(t.Policy.backoff(attempt, resp))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
