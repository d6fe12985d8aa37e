/*
Copyright 2026 ForgeGuard Technologies Inc

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

import (
	"sync"
	"sync/atomic"

	"github.com/mailgun/holster/v4/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// RateLimiter admits or refuses requests per client using token buckets.
// Each client owns a bucket created on first use. Tokens refill continuously
// with elapsed time rather than in window resets, so a client that drained
// its bucket regains capacity gradually instead of all at once.
type RateLimiter struct {
	capacity float64
	rate     float64 // tokens refilled per second
	buckets  sync.Map
	clients  int64

	admitMetric   *prometheus.CounterVec
	clientsMetric prometheus.Gauge
}

type tokenBucket struct {
	mu        sync.Mutex
	remaining float64
	updatedAt clock.Time
}

var _ prometheus.Collector = &RateLimiter{}

// NewRateLimiter creates a limiter granting each client `capacity` requests
// per `window`. A capacity of zero refuses every request.
func NewRateLimiter(capacity int, window clock.Duration) *RateLimiter {
	r := &RateLimiter{
		capacity: float64(capacity),
		admitMetric: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeguard_admit_count",
			Help: "Admission decisions.  Label \"status\" = ok|over_limit.",
		}, []string{"status"}),
		clientsMetric: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeguard_rate_limit_clients",
			Help: "The number of clients with an active token bucket.",
		}),
	}
	if window > 0 {
		r.rate = float64(capacity) / window.Seconds()
	}
	return r
}

// bucket returns the client bucket, creating it full on first use.
func (r *RateLimiter) bucket(clientID string) *tokenBucket {
	if b, ok := r.buckets.Load(clientID); ok {
		return b.(*tokenBucket)
	}

	b, loaded := r.buckets.LoadOrStore(clientID, &tokenBucket{
		remaining: r.capacity,
		updatedAt: clock.Now(),
	})
	if !loaded {
		atomic.AddInt64(&r.clients, 1)
	}
	return b.(*tokenBucket)
}

// refill credits tokens for the time elapsed since the last update, capped
// at capacity. Callers must hold the bucket lock.
func (r *RateLimiter) refill(b *tokenBucket) {
	now := clock.Now()
	if elapsed := now.Sub(b.updatedAt).Seconds(); elapsed > 0 {
		b.remaining += elapsed * r.rate
		if b.remaining > r.capacity {
			b.remaining = r.capacity
		}
	}
	b.updatedAt = now
}

// Admit consumes one token from the client bucket. When no whole token is
// available the request is refused and the balance is left untouched.
func (r *RateLimiter) Admit(clientID string) bool {
	b := r.bucket(clientID)
	b.mu.Lock()
	defer b.mu.Unlock()

	r.refill(b)
	if b.remaining < 1 {
		r.admitMetric.WithLabelValues("over_limit").Add(1)
		return false
	}
	b.remaining--
	r.admitMetric.WithLabelValues("ok").Add(1)
	return true
}

// Remaining reports the whole tokens currently available to the client.
func (r *RateLimiter) Remaining(clientID string) int {
	b := r.bucket(clientID)
	b.mu.Lock()
	defer b.mu.Unlock()

	r.refill(b)
	return int(b.remaining)
}

// ResetETA reports how long until the client bucket is full again. Zero
// means the bucket is already full, or never refills because the limiter
// was built with no refill rate.
func (r *RateLimiter) ResetETA(clientID string) clock.Duration {
	b := r.bucket(clientID)
	b.mu.Lock()
	defer b.mu.Unlock()

	r.refill(b)
	missing := r.capacity - b.remaining
	if missing <= 0 || r.rate <= 0 {
		return 0
	}
	return clock.Duration(missing / r.rate * float64(clock.Second))
}

// Describe fetches prometheus metrics to be registered
func (r *RateLimiter) Describe(ch chan<- *prometheus.Desc) {
	r.admitMetric.Describe(ch)
	r.clientsMetric.Describe(ch)
}

// Collect fetches metric counts and gauges from the limiter
func (r *RateLimiter) Collect(ch chan<- prometheus.Metric) {
	r.clientsMetric.Set(float64(atomic.LoadInt64(&r.clients)))
	r.clientsMetric.Collect(ch)
	r.admitMetric.Collect(ch)
}
