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

package forgeguard_test

import (
	"context"
	"testing"

	"github.com/forgeguard/forgeguard"
	"github.com/mailgun/holster/v4/syncutil"
)

func BenchmarkServer_AnalyzeCacheHit(b *testing.B) {
	d := spawnTestDaemon(b, forgeguard.DaemonConfig{
		RateLimitCapacity: 1 << 30,
	})
	client := forgeguard.NewClient(d.Address())
	testModelServer.SetProbabilities(0.93, 0.07)

	// Warm the cache so every iteration is served from it.
	req := submission(b, 2000)
	var resp forgeguard.AnalyzeResponse
	if err := client.Analyze(context.Background(), req, &resp); err != nil {
		b.Errorf("client.Analyze() err: %s", err)
	}

	b.Run("AnalyzeCacheHit", func(b *testing.B) {
		for n := 0; n < b.N; n++ {
			var resp forgeguard.AnalyzeResponse
			if err := client.Analyze(context.Background(), req, &resp); err != nil {
				b.Errorf("client.Analyze() err: %s", err)
			}
		}
	})
}

func BenchmarkServer_AnalyzeUncached(b *testing.B) {
	d := spawnTestDaemon(b, forgeguard.DaemonConfig{
		RateLimitCapacity: 1 << 30,
	})
	client := forgeguard.NewClient(d.Address())
	testModelServer.SetProbabilities(0.93, 0.07)

	b.Run("AnalyzeUncached", func(b *testing.B) {
		for n := 0; n < b.N; n++ {
			var resp forgeguard.AnalyzeResponse
			if err := client.Analyze(context.Background(), submission(b, int64(3000+n)), &resp); err != nil {
				b.Errorf("client.Analyze() err: %s", err)
			}
		}
	})
}

func BenchmarkServer_HealthCheck(b *testing.B) {
	client := forgeguard.NewClient(testDaemon.Address())

	b.Run("HealthCheck", func(b *testing.B) {
		for n := 0; n < b.N; n++ {
			var resp forgeguard.HealthCheckResp
			if err := client.HealthCheck(context.Background(), &resp); err != nil {
				b.Errorf("client.HealthCheck() err: %s", err)
			}
		}
	})
}

func BenchmarkServer_ThunderingHeard(b *testing.B) {
	d := spawnTestDaemon(b, forgeguard.DaemonConfig{
		RateLimitCapacity: 1 << 30,
	})
	client := forgeguard.NewClient(d.Address())
	testModelServer.SetProbabilities(0.93, 0.07)

	req := submission(b, 2100)
	var resp forgeguard.AnalyzeResponse
	if err := client.Analyze(context.Background(), req, &resp); err != nil {
		b.Errorf("client.Analyze() err: %s", err)
	}

	b.Run("ThunderingHeard", func(b *testing.B) {
		fan := syncutil.NewFanOut(100)
		for n := 0; n < b.N; n++ {
			fan.Run(func(o interface{}) error {
				var resp forgeguard.AnalyzeResponse
				if err := client.Analyze(context.Background(), req, &resp); err != nil {
					b.Errorf("client.Analyze() err: %s", err)
				}
				return nil
			}, nil)
		}
		fan.Wait()
	})
}
