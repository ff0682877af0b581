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

import (
	"net/http"
	"strconv"
	"time"
)

// ParseRetryAfter extracts RFC 7231 Retry-After handling from a response:
// either a delay in seconds or an HTTP-date. This is the default header
// parser; the cloud routing registry and cloud RPC backends this client
// talks to carry no rate-limit headers beyond the standard one.
func ParseRetryAfter(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	raw := headers.Get("Retry-After")
	if raw == "" {
		return info
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		info.RetryAfter = time.Duration(seconds) * time.Second
		return info
	}

	if when, err := http.ParseTime(raw); err == nil {
		info.ResetTime = when.Unix()
	}

	return info
}
