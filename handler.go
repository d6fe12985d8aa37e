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
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/propagation"
)

const (
	RPCImageAnalyze = "/v1/image.analyze"
	RPCLogRecent    = "/v1/log.recent"
	RPCStats        = "/v1/stats"
	RPCCacheClear   = "/v1/cache.clear"
	RPCHealthCheck  = "/v1/health.check"
)

type Handler struct {
	prop     propagation.TraceContext
	duration *prometheus.SummaryVec
	metrics  http.Handler
	service  *Service
	log      logrus.FieldLogger
}

func NewHandler(s *Service, metrics http.Handler) *Handler {
	return &Handler{
		duration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "forgeguard_http_handler_duration",
			Help: "The timings of http requests handled by the service",
			Objectives: map[float64]float64{
				0.5:  0.05,
				0.99: 0.001,
			},
		}, []string{"path"}),
		metrics: metrics,
		service: s,
		log:     logrus.WithField("category", "http"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer prometheus.NewTimer(h.duration.WithLabelValues(r.URL.Path)).ObserveDuration()
	ctx := h.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	switch r.URL.Path {
	case RPCImageAnalyze:
		h.ImageAnalyze(ctx, w, r)
		return
	case RPCLogRecent:
		h.LogRecent(w, r)
		return
	case RPCStats:
		h.Stats(w, r)
		return
	case RPCCacheClear:
		h.CacheClear(w, r)
		return
	case RPCHealthCheck:
		h.HealthCheck(w, r)
		return
	case "/metrics":
		h.metrics.ServeHTTP(w, r)
		return
	case "/healthz":
		h.HealthCheck(w, r)
		return
	}
	h.replyError(w, http.StatusNotImplemented, "no such method; "+r.URL.Path)
}

func (h *Handler) ImageAnalyze(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.replyError(w, http.StatusMethodNotAllowed,
			fmt.Sprintf("http method '%s' not allowed; only POST", r.Method))
		return
	}

	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.replyError(w, http.StatusBadRequest, "while decoding request body: "+err.Error())
		return
	}
	req.ClientID = clientID(r)

	resp, err := h.service.Analyze(ctx, &req)
	if err != nil {
		if errors.Cause(err) == ErrInvalidImage {
			h.replyError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.WithError(err).Error("while analyzing image")
		h.replyError(w, http.StatusInternalServerError, "analysis failed")
		return
	}

	if resp.Status == StatusRateLimited {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(resp.RateLimit.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(math.Ceil(resp.RateLimit.ResetAfter))))
		h.reply(w, http.StatusTooManyRequests, resp)
		return
	}
	h.reply(w, http.StatusOK, resp)
}

func (h *Handler) LogRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.replyError(w, http.StatusMethodNotAllowed,
			fmt.Sprintf("http method '%s' not allowed; only GET", r.Method))
		return
	}

	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil || i < 0 {
			h.replyError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit '%s'", v))
			return
		}
		limit = i
	}

	records, err := h.service.Recent(limit)
	if err != nil {
		h.log.WithError(err).Error("while reading recent records")
		h.replyError(w, http.StatusInternalServerError, "while reading recent records")
		return
	}
	h.reply(w, http.StatusOK, &RecentResponse{Records: records})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.replyError(w, http.StatusMethodNotAllowed,
			fmt.Sprintf("http method '%s' not allowed; only GET", r.Method))
		return
	}

	resp, err := h.service.Stats()
	if err != nil {
		h.log.WithError(err).Error("while aggregating stats")
		h.replyError(w, http.StatusInternalServerError, "while aggregating stats")
		return
	}
	h.reply(w, http.StatusOK, resp)
}

func (h *Handler) CacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.replyError(w, http.StatusMethodNotAllowed,
			fmt.Sprintf("http method '%s' not allowed; only POST", r.Method))
		return
	}

	h.service.ClearCache()
	h.reply(w, http.StatusOK, &CacheClearResponse{Status: "ok"})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := h.service.HealthCheck(r.Context())
	code := http.StatusOK
	if resp.Status != Healthy {
		code = http.StatusServiceUnavailable
	}
	h.reply(w, code, resp)
}

type errorReply struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) reply(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Error("while encoding response")
	}
}

func (h *Handler) replyError(w http.ResponseWriter, code int, msg string) {
	h.reply(w, code, &errorReply{Code: code, Message: msg})
}

// clientID attributes a request to a caller for rate limiting. The first hop
// of X-Forwarded-For wins when present, else the remote host.
func clientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Describe fetches prometheus metrics to be registered
func (h *Handler) Describe(ch chan<- *prometheus.Desc) {
	h.duration.Describe(ch)
}

// Collect fetches metrics from the server for use by prometheus
func (h *Handler) Collect(ch chan<- prometheus.Metric) {
	h.duration.Collect(ch)
}
