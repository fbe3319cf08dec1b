// Copyright 2025 Tom Barlow
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

package dispatch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kimjune01/skilldex-sub003/internal/manifest"
)

// limiterRegistry holds one token bucket per provider, built lazily
// from the manifest's declared limit. Providers without a declared
// limit pass through unthrottled.
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterRegistry() *limiterRegistry {
	return &limiterRegistry{limiters: make(map[string]*rate.Limiter)}
}

// wait blocks until the provider's bucket admits one request, or the
// context expires.
func (r *limiterRegistry) wait(ctx context.Context, provider string, limit *manifest.RateLimit) error {
	if limit == nil || limit.Requests <= 0 || limit.WindowSeconds <= 0 {
		return nil
	}

	r.mu.Lock()
	limiter, ok := r.limiters[provider]
	if !ok {
		perSecond := float64(limit.Requests) / float64(limit.WindowSeconds)
		// Burst of a full window's worth keeps short spikes cheap
		// while still bounding the sustained rate.
		limiter = rate.NewLimiter(rate.Limit(perSecond), limit.Requests)
		r.limiters[provider] = limiter
	}
	r.mu.Unlock()

	return limiter.Wait(ctx)
}
