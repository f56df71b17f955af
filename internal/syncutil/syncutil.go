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

// Package syncutil provides bounded parallel execution for the two
// worker pools of the engine: blob transfers and delta generation.
package syncutil

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ForEach invokes fn on every item with at most limit invocations in
// flight. The first error cancels the remaining work.
func ForEach[T any](ctx context.Context, limit int64, items []T, fn func(ctx context.Context, item T) error) error {
	if limit < 1 {
		limit = 1
	}
	limiter := semaphore.NewWeighted(limit)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, item := range items {
		item := item
		if err := limiter.Acquire(egCtx, 1); err != nil {
			break
		}
		eg.Go(func() error {
			defer limiter.Release(1)
			return fn(egCtx, item)
		})
	}
	return eg.Wait()
}
