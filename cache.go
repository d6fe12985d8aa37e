/*
Copyright 2024-2026 ForgeGuard Technologies Inc

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

package forgeguard

// Cache holds previously computed analyses keyed by perceptual fingerprint,
// so visually identical submissions skip the classifier.
type Cache interface {
	// Store records the analysis for a fingerprint, replacing any previous
	// entry and refreshing its expiration.
	Store(fingerprint string, analysis *Analysis)
	// Lookup returns the analysis recorded for a fingerprint if one is
	// present and has not expired.
	Lookup(fingerprint string) (*Analysis, bool)
	Size() int64
	Stats() CacheStats
	Clear()
	Close() error
}

type CacheItem struct {
	Fingerprint string
	Analysis    *Analysis

	// Timestamp when the entry was stored in epoch milliseconds.
	CreatedAt int64
	// Timestamp when the entry expires in epoch milliseconds. A zero value
	// means the entry never expires.
	ExpireAt int64
}

// CacheStats is a point in time snapshot of cache effectiveness. Counters
// accumulate until Clear() resets them along with the entries.
type CacheStats struct {
	Size     int64   `json:"size"`
	Capacity int     `json:"capacity"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	// HitRate is hits over total lookups as a ratio in [0, 1]. Zero when no
	// lookups have occurred.
	HitRate float64 `json:"hit_rate"`
}
