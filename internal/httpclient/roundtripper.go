// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpclient

import "net/http"

// RoundTripper adapts Client's retry/backoff policy to the http.RoundTripper
// interface instead of Client's own Do method. A provider proxy that relays
// whatever status code the upstream returned (a 400 from a malformed
// request, a 401 from a bad key) needs that response back as a value, never
// as an error — the http.RoundTripper contract already guarantees that: an
// error means no response was obtained, not that the response was
// unsuccessful. Client.Do doesn't honor that distinction, so RoundTripper
// sits in front of it and turns any completed response back into a plain
// (resp, nil) pair regardless of the status-code error Do attaches to it.
type RoundTripper struct {
	inner *Client
}

// NewRoundTripper builds a RoundTripper from the given base transport (nil
// uses http.DefaultTransport) and the same Options New accepts.
func NewRoundTripper(next http.RoundTripper, opts ...Option) *RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	inner := New(opts...)
	inner.client = &http.Client{Transport: next}
	return &RoundTripper{inner: inner}
}

// RoundTrip executes the request through the retry policy, surfacing any
// completed HTTP response as a value and reserving the error return for
// genuine transport failures.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := rt.inner.Do(req)
	if err == nil || resp != nil {
		// Client.Do returns a non-nil error alongside a non-nil response for
		// both a non-retryable status and an exhausted-retries RetryableError;
		// RoundTrip only reports the transport-failure case as an error.
		return resp, nil
	}
	return nil, err
}
