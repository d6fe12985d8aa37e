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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/tracing"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Verdict is the decision attached to an analysis.
type Verdict string

const (
	VerdictAI        Verdict = "ai"
	VerdictReal      Verdict = "real"
	VerdictUncertain Verdict = "uncertain"
	// VerdictError marks an analysis the classifier could not produce. Error
	// verdicts are never cached and never coerced into VerdictReal.
	VerdictError Verdict = "error"
)

// Probabilities below this are not decisive either way.
const verdictThreshold = 0.6

// Analysis is the outcome of classifying a single image.
type Analysis struct {
	IsAI            bool    `json:"is_ai"`
	Verdict         Verdict `json:"verdict"`
	Confidence      float64 `json:"confidence"`
	FakeProbability float64 `json:"fake_probability"`
	RealProbability float64 `json:"real_probability"`
}

// NewAnalysis decides a verdict from the class probabilities reported by a
// classifier. Neither probability clearing the decision threshold yields
// VerdictUncertain rather than a default to VerdictReal.
func NewAnalysis(fakeProbability, realProbability float64) *Analysis {
	a := &Analysis{
		FakeProbability: fakeProbability,
		RealProbability: realProbability,
	}
	switch {
	case fakeProbability > verdictThreshold:
		a.Verdict = VerdictAI
		a.IsAI = true
		a.Confidence = fakeProbability
	case realProbability > verdictThreshold:
		a.Verdict = VerdictReal
		a.Confidence = realProbability
	default:
		a.Verdict = VerdictUncertain
		a.Confidence = fakeProbability
		if realProbability > fakeProbability {
			a.Confidence = realProbability
		}
	}
	return a
}

// ModelInfo identifies the model that produced an analysis.
type ModelInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Classifier produces class probabilities for an encoded image. Analyze is
// expected to honor ctx and to bound its own wall clock time; the serving
// pipeline treats any returned error as a failed analysis, not as a verdict.
type Classifier interface {
	Analyze(ctx context.Context, image []byte) (*Analysis, error)
	Model() ModelInfo
}

// HealthChecker is implemented by classifiers that can report readiness.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HTTPClassifier calls a remote model server over HTTP.
type HTTPClassifier struct {
	client   *http.Client
	endpoint string

	mu    sync.Mutex
	model ModelInfo
}

var _ Classifier = &HTTPClassifier{}
var _ HealthChecker = &HTTPClassifier{}

func NewHTTPClassifier(address string, timeout clock.Duration) *HTTPClassifier {
	setter.SetDefault(&timeout, clock.Second*30)
	return &HTTPClassifier{
		endpoint: "http://" + address,
		model:    ModelInfo{Name: "unknown"},
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
	}
}

type classifyRequest struct {
	ImageBase64 string `json:"image_base64"`
}

type classifyResponse struct {
	FakeProbability float64   `json:"fake_probability"`
	RealProbability float64   `json:"real_probability"`
	Model           ModelInfo `json:"model"`
}

func (c *HTTPClassifier) Analyze(ctx context.Context, image []byte) (*Analysis, error) {
	var analysis *Analysis
	err := tracing.NamedScope(ctx, "HTTPClassifier.Analyze", func(ctx context.Context) error {
		payload, err := json.Marshal(classifyRequest{
			ImageBase64: base64.StdEncoding.EncodeToString(image),
		})
		if err != nil {
			return errors.Wrap(err, "while marshalling classify request")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/v1/model.classify", c.endpoint), bytes.NewReader(payload))
		if err != nil {
			return errors.Wrap(err, "while creating classify request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return errors.Wrap(err, "while querying classifier")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return errors.Errorf("classifier returned '%d' with body '%s'", resp.StatusCode, body)
		}

		var reply classifyResponse
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			return errors.Wrap(err, "while decoding classify response")
		}

		c.mu.Lock()
		setter.SetOverride(&c.model, reply.Model)
		c.mu.Unlock()

		analysis = NewAnalysis(reply.FakeProbability, reply.RealProbability)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return analysis, nil
}

func (c *HTTPClassifier) Model() ModelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// CheckHealth queries the model server health endpoint.
func (c *HTTPClassifier) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/healthz", nil)
	if err != nil {
		return errors.Wrap(err, "while creating health request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "while querying classifier health")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("classifier health returned '%d'", resp.StatusCode)
	}
	return nil
}
