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

import (
	"context"
	"encoding/base64"

	"github.com/google/uuid"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const Version = "1.0.0"

// Submissions larger than this are rejected before decoding.
const maxImageBytes = 10 << 20

const (
	Healthy   = "healthy"
	UnHealthy = "unhealthy"
)

// Status reports whether a request was carried through the pipeline or
// refused at admission.
type Status string

const (
	StatusOK          Status = "ok"
	StatusRateLimited Status = "rate_limited"
)

// AnalyzeRequest is a single image submitted for analysis.
type AnalyzeRequest struct {
	// ClientID attributes the request to a caller for rate limiting. The
	// HTTP handler fills it from the remote address; callers using the
	// service directly should set it themselves.
	ClientID string `json:"-"`
	// ImageBase64 is the encoded image, standard base64.
	ImageBase64 string `json:"image_base64"`
	// SourceURL is the page or feed the image was found on.
	SourceURL string `json:"source_url"`
	// ImageURL is the origin of the image itself, when known.
	ImageURL string `json:"image_url,omitempty"`
}

// AnalyzeResponse is the uniform reply envelope. Refused requests carry
// Status and RateLimit only; all other fields belong to completed analyses.
type AnalyzeResponse struct {
	Status           Status         `json:"status"`
	RequestID        string         `json:"request_id,omitempty"`
	Verdict          Verdict        `json:"verdict,omitempty"`
	IsAI             bool           `json:"is_ai"`
	Confidence       float64        `json:"confidence"`
	FakeProbability  float64        `json:"fake_probability"`
	RealProbability  float64        `json:"real_probability"`
	Fingerprint      string         `json:"fingerprint,omitempty"`
	Model            ModelInfo      `json:"model_info"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
	CacheHit         bool           `json:"cache_hit"`
	RateLimit        *RateLimitInfo `json:"rate_limit,omitempty"`
}

// RateLimitInfo tells a refused client where its budget stands.
type RateLimitInfo struct {
	Remaining int `json:"remaining"`
	// ResetAfter is the seconds until the client's bucket is full again.
	ResetAfter float64 `json:"reset_after_seconds"`
}

// StatsResponse aggregates the audit log and the cache counters.
type StatsResponse struct {
	Log   LogStats   `json:"log"`
	Cache CacheStats `json:"cache"`
}

// RecentResponse is a page of audit records, newest first.
type RecentResponse struct {
	Records []*LogRecord `json:"records"`
}

type CacheClearResponse struct {
	Status string `json:"status"`
}

type HealthCheckResp struct {
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	Version string    `json:"version"`
	Model   ModelInfo `json:"model"`
}

// Service ties admission control, the fingerprint cache, the classifier and
// the audit log into one serving pipeline.
type Service struct {
	conf    Config
	log     logrus.FieldLogger
	limiter *RateLimiter
	cache   Cache
	events  *EventLog
	pool    *WorkerPool
}

var _ prometheus.Collector = &Service{}

// NewService instantiates the serving pipeline with the provided config.
func NewService(conf Config) (*Service, error) {
	if err := conf.SetDefaults(); err != nil {
		return nil, err
	}

	s := Service{
		conf: conf,
		log:  conf.Logger,
	}
	s.limiter = NewRateLimiter(conf.RateLimitCapacity, conf.RateLimitWindow)

	s.cache = conf.Cache
	if s.cache == nil {
		s.cache = NewLRUCache(conf.CacheSize, conf.CacheTTL)
	}

	s.events = conf.Events
	if s.events == nil {
		var err error
		s.events, err = NewEventLog(conf.LogDir)
		if err != nil {
			return nil, errors.Wrap(err, "while creating event log")
		}
	}

	// Drop partitions past retention before accepting traffic.
	s.events.Prune(conf.LogRetentionDays)

	s.pool = NewWorkerPool(&s.conf, s.cache, s.events)
	return &s, nil
}

// Close stops the worker pool and releases the cache and audit log.
func (s *Service) Close() error {
	if err := s.pool.Close(); err != nil {
		return err
	}
	if err := s.cache.Close(); err != nil {
		return err
	}
	return s.events.Close()
}

// Analyze runs one submission through admission control and the analysis
// pipeline. A refused request returns a StatusRateLimited response, not an
// error; errors are reserved for bad input and pipeline failures.
func (s *Service) Analyze(ctx context.Context, req *AnalyzeRequest) (*AnalyzeResponse, error) {
	clientID := req.ClientID
	setter.SetDefault(&clientID, "unknown")

	// Admission happens before any decode work so refused requests cost
	// almost nothing and never touch the cache or the audit log.
	if !s.limiter.Admit(clientID) {
		return &AnalyzeResponse{
			Status: StatusRateLimited,
			RateLimit: &RateLimitInfo{
				Remaining:  s.limiter.Remaining(clientID),
				ResetAfter: s.limiter.ResetETA(clientID).Seconds(),
			},
		}, nil
	}

	image, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidImage, "image_base64 is not valid base64")
	}
	if len(image) == 0 {
		return nil, errors.Wrap(ErrInvalidImage, "image_base64 is empty")
	}
	if len(image) > maxImageBytes {
		return nil, errors.Wrapf(ErrInvalidImage, "image exceeds %d byte limit", maxImageBytes)
	}

	img, err := DecodeImage(image)
	if err != nil {
		return nil, err
	}

	fingerprint, err := s.conf.Fingerprinter.Fingerprint(img)
	if err != nil {
		return nil, errors.Wrap(err, "while fingerprinting image")
	}

	requestID := uuid.NewString()
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("fingerprint", fingerprint),
	)

	return s.pool.Analyze(ctx, &analysisJob{
		RequestID:   requestID,
		Fingerprint: fingerprint,
		Image:       image,
		SourceURL:   req.SourceURL,
		ImageURL:    req.ImageURL,
	})
}

// Recent returns up to limit audit records, newest first.
func (s *Service) Recent(limit int) ([]*LogRecord, error) {
	return s.events.Recent(limit)
}

// Stats summarizes the retained audit log and the cache counters.
func (s *Service) Stats() (*StatsResponse, error) {
	logStats, err := s.events.AggregateStats()
	if err != nil {
		return nil, err
	}
	return &StatsResponse{
		Log:   logStats,
		Cache: s.cache.Stats(),
	}, nil
}

// ClearCache drops every cached analysis.
func (s *Service) ClearCache() {
	s.cache.Clear()
}

// PruneEventLog removes audit partitions past the configured retention and
// returns the number removed.
func (s *Service) PruneEventLog() int {
	return s.events.Prune(s.conf.LogRetentionDays)
}

// HealthCheck reports readiness. The service is unhealthy when the
// classifier reports it cannot serve; requests would still be accepted but
// would come back with error verdicts.
func (s *Service) HealthCheck(ctx context.Context) *HealthCheckResp {
	resp := &HealthCheckResp{
		Status:  Healthy,
		Version: Version,
		Model:   s.conf.Classifier.Model(),
	}
	if hc, ok := s.conf.Classifier.(HealthChecker); ok {
		if err := hc.CheckHealth(ctx); err != nil {
			resp.Status = UnHealthy
			resp.Message = err.Error()
		}
	}
	return resp
}

// Describe fetches prometheus metrics to be registered
func (s *Service) Describe(ch chan<- *prometheus.Desc) {
	s.limiter.Describe(ch)
	s.pool.Describe(ch)
}

// Collect fetches metric counts and gauges from the service
func (s *Service) Collect(ch chan<- prometheus.Metric) {
	s.limiter.Collect(ch)
	s.pool.Collect(ch)
}
