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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/forgeguard/forgeguard"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/testutil"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDaemon *forgeguard.Daemon
var testModelServer *modelServer

// Setup and shutdown a daemon backed by a fake model server for the entire
// test suite
func TestMain(m *testing.M) {
	testModelServer = spawnModelServer()

	logDir, err := os.MkdirTemp("", "forgeguard-audit-*")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), clock.Second*10)
	testDaemon, err = forgeguard.SpawnDaemon(ctx, forgeguard.DaemonConfig{
		HTTPListenAddress: "127.0.0.1:9980",
		ClassifierAddress: testModelServer.Address(),
		CacheSize:         1000,
		CacheTTL:          clock.Hour,
		RateLimitCapacity: 10000,
		RateLimitWindow:   clock.Minute,
		LogDir:            logDir,
		Workers:           4,
	})
	cancel()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	code := m.Run()

	testDaemon.Close()
	testModelServer.Close()
	os.RemoveAll(logDir)
	os.Exit(code)
}

// spawnTestDaemon starts a private daemon for tests that need their own rate
// limit, cache or audit log. Unset fields fall back to an ephemeral port and
// the suite wide model server.
func spawnTestDaemon(t testing.TB, conf forgeguard.DaemonConfig) *forgeguard.Daemon {
	t.Helper()
	if conf.HTTPListenAddress == "" {
		conf.HTTPListenAddress = "127.0.0.1:0"
	}
	if conf.ClassifierAddress == "" {
		conf.ClassifierAddress = testModelServer.Address()
	}
	if conf.LogDir == "" {
		conf.LogDir = t.TempDir()
	}
	if conf.Workers == 0 {
		conf.Workers = 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), clock.Second*10)
	defer cancel()
	d, err := forgeguard.SpawnDaemon(ctx, conf)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

// noiseImage renders a deterministic 64x64 image from seed. The same seed
// always produces the same bytes while distinct seeds are visually unrelated,
// so fingerprints collide exactly when tests intend them to.
func noiseImage(seed int64) image.Image {
	rnd := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = uint8(rnd.Intn(256))
	}
	return img
}

func submission(t testing.TB, seed int64) *forgeguard.AnalyzeRequest {
	t.Helper()
	return &forgeguard.AnalyzeRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(
			pngBytes(t, noiseImage(seed), png.DefaultCompression)),
		SourceURL: fmt.Sprintf("https://example.com/gallery/%d", seed),
	}
}

func TestAnalyzeImage(t *testing.T) {
	client := forgeguard.NewClient(testDaemon.Address())

	tests := []struct {
		Name     string
		Seed     int64
		Fake     float64
		Real     float64
		Verdict  forgeguard.Verdict
		IsAI     bool
		CacheHit bool
	}{
		{
			Name:    "AI generated image",
			Seed:    100,
			Fake:    0.93,
			Real:    0.07,
			Verdict: forgeguard.VerdictAI,
			IsAI:    true,
		},
		{
			Name:     "Repeat submission is served from cache",
			Seed:     100,
			Fake:     0.93,
			Real:     0.07,
			Verdict:  forgeguard.VerdictAI,
			IsAI:     true,
			CacheHit: true,
		},
		{
			Name:    "Authentic image",
			Seed:    101,
			Fake:    0.04,
			Real:    0.96,
			Verdict: forgeguard.VerdictReal,
		},
		{
			Name:    "Indecisive probabilities",
			Seed:    102,
			Fake:    0.52,
			Real:    0.48,
			Verdict: forgeguard.VerdictUncertain,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			testModelServer.SetProbabilities(test.Fake, test.Real)

			var resp forgeguard.AnalyzeResponse
			err := client.Analyze(context.Background(), submission(t, test.Seed), &resp)
			require.NoError(t, err)

			assert.Equal(t, forgeguard.StatusOK, resp.Status)
			assert.Equal(t, test.Verdict, resp.Verdict)
			assert.Equal(t, test.IsAI, resp.IsAI)
			assert.Equal(t, test.CacheHit, resp.CacheHit)
			assert.NotEmpty(t, resp.RequestID)
			assert.NotEmpty(t, resp.Fingerprint)
			assert.Equal(t, "detector-test", resp.Model.Name)
			assert.Nil(t, resp.RateLimit)
		})
	}
}

func TestAnalyzeImageValidation(t *testing.T) {
	client := forgeguard.NewClient(testDaemon.Address())
	ctx := context.Background()

	t.Run("Rejects bytes that are not an image", func(t *testing.T) {
		var resp forgeguard.AnalyzeResponse
		err := client.Analyze(ctx, &forgeguard.AnalyzeRequest{
			ImageBase64: base64.StdEncoding.EncodeToString([]byte("junk bytes")),
			SourceURL:   "https://example.com/gallery/junk",
		}, &resp)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "returned status '400'")
	})

	t.Run("Rejects invalid base64", func(t *testing.T) {
		var resp forgeguard.AnalyzeResponse
		err := client.Analyze(ctx, &forgeguard.AnalyzeRequest{
			ImageBase64: "this is not base64!!!",
			SourceURL:   "https://example.com/gallery/junk",
		}, &resp)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "returned status '400'")
	})

	t.Run("Rejects a malformed body", func(t *testing.T) {
		hr, err := http.Post(fmt.Sprintf("http://%s%s", testDaemon.Address(), forgeguard.RPCImageAnalyze),
			"application/json", strings.NewReader("{not json"))
		require.NoError(t, err)
		defer hr.Body.Close()
		assert.Equal(t, http.StatusBadRequest, hr.StatusCode)
	})

	t.Run("Analyze requires POST", func(t *testing.T) {
		hr, err := http.Get(fmt.Sprintf("http://%s%s", testDaemon.Address(), forgeguard.RPCImageAnalyze))
		require.NoError(t, err)
		defer hr.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, hr.StatusCode)
	})

	t.Run("Unknown methods are not implemented", func(t *testing.T) {
		hr, err := http.Get(fmt.Sprintf("http://%s/v1/no.such.method", testDaemon.Address()))
		require.NoError(t, err)
		defer hr.Body.Close()
		assert.Equal(t, http.StatusNotImplemented, hr.StatusCode)

		var reply struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		require.NoError(t, json.NewDecoder(hr.Body).Decode(&reply))
		assert.Equal(t, http.StatusNotImplemented, reply.Code)
		assert.Contains(t, reply.Message, "no such method")
	})
}

func TestOverTheLimit(t *testing.T) {
	d := spawnTestDaemon(t, forgeguard.DaemonConfig{
		RateLimitCapacity: 3,
		RateLimitWindow:   clock.Hour,
	})
	client := forgeguard.NewClient(d.Address())
	testModelServer.SetProbabilities(0.93, 0.07)

	tests := []struct {
		Status forgeguard.Status
	}{
		{Status: forgeguard.StatusOK},
		{Status: forgeguard.StatusOK},
		{Status: forgeguard.StatusOK},
		{Status: forgeguard.StatusRateLimited},
	}

	for _, test := range tests {
		var resp forgeguard.AnalyzeResponse
		err := client.Analyze(context.Background(), submission(t, 400), &resp)
		require.NoError(t, err)

		assert.Equal(t, test.Status, resp.Status)
		if test.Status == forgeguard.StatusRateLimited {
			require.NotNil(t, resp.RateLimit)
			assert.Equal(t, 0, resp.RateLimit.Remaining)
			assert.Greater(t, resp.RateLimit.ResetAfter, 0.0)
			assert.Empty(t, resp.Verdict)
		}
	}

	// The refusal also carries rate limit headers for plain HTTP callers.
	buf, err := json.Marshal(submission(t, 400))
	require.NoError(t, err)
	hr, err := http.Post(fmt.Sprintf("http://%s%s", d.Address(), forgeguard.RPCImageAnalyze),
		"application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	defer hr.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, hr.StatusCode)
	assert.Equal(t, "0", hr.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, hr.Header.Get("X-RateLimit-Reset"))

	// Refused requests never show up in the audit log.
	var recent forgeguard.RecentResponse
	require.NoError(t, client.Recent(context.Background(), 0, &recent))
	assert.Len(t, recent.Records, 3)
}

func TestStats(t *testing.T) {
	d := spawnTestDaemon(t, forgeguard.DaemonConfig{})
	client := forgeguard.NewClient(d.Address())
	ctx := context.Background()

	analyze := func(seed int64) {
		var resp forgeguard.AnalyzeResponse
		require.NoError(t, client.Analyze(ctx, submission(t, seed), &resp))
		require.Equal(t, forgeguard.StatusOK, resp.Status)
	}

	testModelServer.SetProbabilities(0.93, 0.07)
	analyze(500)
	testModelServer.SetProbabilities(0.05, 0.95)
	analyze(501)
	// Repeat of the first image replays the cached AI analysis.
	analyze(500)

	var stats forgeguard.StatsResponse
	require.NoError(t, client.Stats(ctx, &stats))

	assert.Equal(t, 3, stats.Log.TotalAnalyses)
	assert.Equal(t, 2, stats.Log.AIDetections)
	assert.Equal(t, 1, stats.Log.CacheHits)
	assert.InDelta(t, 1.0/3.0, stats.Log.CacheHitRate, 0.0001)

	assert.Equal(t, int64(2), stats.Cache.Size)
	assert.Equal(t, uint64(1), stats.Cache.Hits)
	assert.Equal(t, uint64(2), stats.Cache.Misses)
}

func TestLogRecent(t *testing.T) {
	d := spawnTestDaemon(t, forgeguard.DaemonConfig{})
	client := forgeguard.NewClient(d.Address())
	ctx := context.Background()
	testModelServer.SetProbabilities(0.93, 0.07)

	for _, seed := range []int64{600, 601, 602} {
		var resp forgeguard.AnalyzeResponse
		require.NoError(t, client.Analyze(ctx, submission(t, seed), &resp))
	}

	var recent forgeguard.RecentResponse
	require.NoError(t, client.Recent(ctx, 2, &recent))
	require.Len(t, recent.Records, 2)

	// Newest first.
	assert.Equal(t, "https://example.com/gallery/602", recent.Records[0].SourceURL)
	assert.Equal(t, "https://example.com/gallery/601", recent.Records[1].SourceURL)
	assert.Equal(t, forgeguard.VerdictAI, recent.Records[0].Result.Verdict)
	assert.False(t, recent.Records[0].Timestamp.IsZero())

	// A zero limit falls back to the server default.
	require.NoError(t, client.Recent(ctx, 0, &recent))
	assert.Len(t, recent.Records, 3)
}

func TestCacheClear(t *testing.T) {
	d := spawnTestDaemon(t, forgeguard.DaemonConfig{})
	client := forgeguard.NewClient(d.Address())
	ctx := context.Background()
	testModelServer.SetProbabilities(0.93, 0.07)

	before := testModelServer.Calls()

	var resp forgeguard.AnalyzeResponse
	require.NoError(t, client.Analyze(ctx, submission(t, 700), &resp))
	require.False(t, resp.CacheHit)

	require.NoError(t, client.Analyze(ctx, submission(t, 700), &resp))
	require.True(t, resp.CacheHit)

	require.NoError(t, client.CacheClear(ctx))

	// The entry is gone, so the same image consults the model server again.
	require.NoError(t, client.Analyze(ctx, submission(t, 700), &resp))
	assert.False(t, resp.CacheHit)
	assert.Equal(t, 2, testModelServer.Calls()-before)
}

func TestHealthCheck(t *testing.T) {
	client := forgeguard.NewClient(testDaemon.Address())
	ctx := context.Background()

	// The daemon learns the model identity from its first classification.
	testModelServer.SetProbabilities(0.93, 0.07)
	var resp forgeguard.AnalyzeResponse
	require.NoError(t, client.Analyze(ctx, submission(t, 800), &resp))

	var hc forgeguard.HealthCheckResp
	require.NoError(t, client.HealthCheck(ctx, &hc))
	assert.Equal(t, forgeguard.Healthy, hc.Status)
	assert.Empty(t, hc.Message)
	assert.Equal(t, forgeguard.Version, hc.Version)
	assert.Equal(t, "detector-test", hc.Model.Name)
	assert.Equal(t, "1.3.0", hc.Model.Version)
}

func TestHealthCheckUnhealthy(t *testing.T) {
	ms := spawnModelServer()
	t.Cleanup(ms.Close)
	ms.SetHealthy(false)

	d := spawnTestDaemon(t, forgeguard.DaemonConfig{ClassifierAddress: ms.Address()})
	client := forgeguard.NewClient(d.Address())

	var hc forgeguard.HealthCheckResp
	require.NoError(t, client.HealthCheck(context.Background(), &hc))
	assert.Equal(t, forgeguard.UnHealthy, hc.Status)
	assert.Contains(t, hc.Message, "500")

	// Raw probes see a 503 so load balancers drop the instance.
	hr, err := http.Get(fmt.Sprintf("http://%s/healthz", d.Address()))
	require.NoError(t, err)
	hr.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, hr.StatusCode)

	ms.SetHealthy(true)
	testutil.UntilPass(t, 10, clock.Millisecond*100, func(t testutil.TestingT) {
		var hc forgeguard.HealthCheckResp
		if !assert.NoError(t, client.HealthCheck(context.Background(), &hc)) {
			return
		}
		assert.Equal(t, forgeguard.Healthy, hc.Status)
	})
}

func TestErrorVerdict(t *testing.T) {
	ms := spawnModelServer()
	t.Cleanup(ms.Close)

	d := spawnTestDaemon(t, forgeguard.DaemonConfig{ClassifierAddress: ms.Address()})
	client := forgeguard.NewClient(d.Address())
	ctx := context.Background()

	ms.SetFailing(true)

	// A failing model backend yields error verdicts, not transport errors.
	var resp forgeguard.AnalyzeResponse
	require.NoError(t, client.Analyze(ctx, submission(t, 900), &resp))
	assert.Equal(t, forgeguard.StatusOK, resp.Status)
	assert.Equal(t, forgeguard.VerdictError, resp.Verdict)
	assert.False(t, resp.CacheHit)

	// Error verdicts are never cached; the same image is retried.
	require.NoError(t, client.Analyze(ctx, submission(t, 900), &resp))
	assert.Equal(t, forgeguard.VerdictError, resp.Verdict)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, 2, ms.Calls())

	ms.SetFailing(false)
	require.NoError(t, client.Analyze(ctx, submission(t, 900), &resp))
	assert.Equal(t, forgeguard.VerdictAI, resp.Verdict)
	assert.False(t, resp.CacheHit)

	require.NoError(t, client.Analyze(ctx, submission(t, 900), &resp))
	assert.True(t, resp.CacheHit)
	assert.Equal(t, 3, ms.Calls())

	// Every attempt was audited, including the failed ones.
	var recent forgeguard.RecentResponse
	require.NoError(t, client.Recent(ctx, 0, &recent))
	require.Len(t, recent.Records, 4)
	assert.Equal(t, forgeguard.VerdictError, recent.Records[3].Result.Verdict)
}

func TestMetrics(t *testing.T) {
	d := spawnTestDaemon(t, forgeguard.DaemonConfig{})
	client := forgeguard.NewClient(d.Address())
	ctx := context.Background()
	testModelServer.SetProbabilities(0.93, 0.07)

	for _, seed := range []int64{1000, 1000, 1001} {
		var resp forgeguard.AnalyzeResponse
		require.NoError(t, client.Analyze(ctx, submission(t, seed), &resp))
		require.Equal(t, forgeguard.StatusOK, resp.Status)
	}

	metricsURL := fmt.Sprintf("http://%s/metrics", d.Address())
	testutil.UntilPass(t, 10, clock.Millisecond*200, func(t testutil.TestingT) {
		// Inspect our metrics, ensure they collected the counts we expected during this test
		m := getMetricRequest(t, metricsURL, `forgeguard_verdict_count{verdict="ai"}`)
		if !assert.NotNil(t, m) {
			return
		}
		assert.Equal(t, 3, int(m.Value))

		m = getMetricRequest(t, metricsURL, `forgeguard_admit_count{status="ok"}`)
		if !assert.NotNil(t, m) {
			return
		}
		assert.Equal(t, 3, int(m.Value))

		m = getMetricRequest(t, metricsURL, "forgeguard_rate_limit_clients")
		if !assert.NotNil(t, m) {
			return
		}
		assert.Equal(t, 1, int(m.Value))

		m = getMetricRequest(t, metricsURL, "forgeguard_cache_size")
		if !assert.NotNil(t, m) {
			return
		}
		assert.Equal(t, 2, int(m.Value))

		m = getMetricRequest(t, metricsURL, `forgeguard_cache_access_count{type="hit"}`)
		if !assert.NotNil(t, m) {
			return
		}
		assert.Equal(t, 1, int(m.Value))

		m = getMetricRequest(t, metricsURL, `forgeguard_cache_access_count{type="miss"}`)
		if !assert.NotNil(t, m) {
			return
		}
		assert.Equal(t, 2, int(m.Value))

		m = getMetricRequest(t, metricsURL,
			`forgeguard_http_handler_duration_count{path="/v1/image.analyze"}`)
		if !assert.NotNil(t, m) {
			return
		}
		assert.Equal(t, 3, int(m.Value))
	})
}

// modelServer is a scriptable stand in for the classifier model backend.
type modelServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	calls    int
	healthy  bool
	failing  bool
	fakeProb float64
	realProb float64
}

func spawnModelServer() *modelServer {
	m := &modelServer{healthy: true, fakeProb: 0.93, realProb: 0.07}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/model.classify", m.classify)
	mux.HandleFunc("/healthz", m.healthz)
	m.srv = httptest.NewServer(mux)
	return m
}

func (m *modelServer) Address() string {
	return strings.TrimPrefix(m.srv.URL, "http://")
}

func (m *modelServer) Close() {
	m.srv.Close()
}

func (m *modelServer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *modelServer) SetProbabilities(fake, real float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fakeProb, m.realProb = fake, real
}

func (m *modelServer) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

func (m *modelServer) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

func (m *modelServer) classify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageBase64 string `json:"image_base64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	img, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil || len(img) == 0 {
		http.Error(w, "invalid image payload", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.failing {
		http.Error(w, "model worker crashed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"fake_probability": m.fakeProb,
		"real_probability": m.realProb,
		"model":            forgeguard.ModelInfo{Name: "detector-test", Version: "1.3.0"},
	})
}

func (m *modelServer) healthz(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.healthy {
		http.Error(w, "model worker pool exhausted", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func getMetricRequest(t testutil.TestingT, url string, name string) *model.Sample {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	return getMetric(t, resp.Body, name)
}

func getMetric(t testutil.TestingT, in io.Reader, name string) *model.Sample {
	dec := expfmt.SampleDecoder{
		Dec: expfmt.NewDecoder(in, expfmt.FmtText),
		Opts: &expfmt.DecodeOptions{
			Timestamp: model.Now(),
		},
	}

	var all model.Vector
	for {
		var smpls model.Vector
		err := dec.Decode(&smpls)
		if err == io.EOF {
			break
		}
		assert.NoError(t, err)
		all = append(all, smpls...)
	}

	for _, s := range all {
		if strings.Contains(s.Metric.String(), name) {
			return s
		}
	}
	return nil
}
