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

// Thread-safe worker pool for handling concurrent analysis requests.
// Requests are sharded across workers by image fingerprint, so concurrent
// submissions of the same image serialize on one worker and the second
// submission is served from the cache instead of a second classifier call.
// Uses hash ring design pattern to distribute requests to an assigned worker.
//
// Request workflow:
// - A 63-bit hash is generated from the request fingerprint. (Actually 64
//   bit, but we toss out one bit to properly calculate the next step.)
// - Workers are assigned equal size hash ranges.  The worker is selected by
//   choosing the worker index associated with that linear hash value range.
// - The request is enqueued to the assigned worker's command channel.
// - The worker pulls the request from the channel, consults the cache, runs
//   the classifier on a miss, appends the audit record, then sends a
//   response back using the requester's provided response channel.
//
// The classifier and audit append run on a context detached from the
// requester. A requester that gives up only forfeits response delivery; the
// completed analysis still lands in the cache and the audit log.

import (
	"context"
	"io"
	"strconv"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/mailgun/holster/v4/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

type WorkerPool struct {
	hasher       workerHasher
	workers      []*Worker
	hashRingStep uint64
	conf         *Config
	done         chan struct{}

	metricQueueLength  *prometheus.SummaryVec
	metricVerdictCount *prometheus.CounterVec
}

type Worker struct {
	name           string
	conf           *Config
	cache          Cache
	events         *EventLog
	pool           *WorkerPool
	analyzeRequest chan *request
}

type workerHasher interface {
	// ComputeHash63 returns a 63-bit hash derived from input.
	ComputeHash63(input string) uint64
}

// hasher is the default implementation of workerHasher.
type hasher struct{}

// analysisJob carries one admitted request through the pipeline.
type analysisJob struct {
	RequestID   string
	Fingerprint string
	Image       []byte
	SourceURL   string
	ImageURL    string
}

type request struct {
	ctx  context.Context
	resp chan *response
	job  *analysisJob
}

type response struct {
	resp *AnalyzeResponse
	err  error
}

var _ io.Closer = &WorkerPool{}
var _ workerHasher = &hasher{}

var workerCounter int64

func NewWorkerPool(conf *Config, cache Cache, events *EventLog) *WorkerPool {
	// Compute hashRingStep as interval between workers' 63-bit hash ranges.
	// 64th bit is used here as a max value that is just out of range of 63-bit space to calculate the step.
	pool := &WorkerPool{
		workers:      make([]*Worker, conf.Workers),
		hasher:       newHasher(),
		hashRingStep: uint64(1<<63) / uint64(conf.Workers),
		conf:         conf,
		done:         make(chan struct{}),
		metricQueueLength: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "forgeguard_worker_queue_length",
			Help: "The count of requests queued up in the worker queue.",
			Objectives: map[float64]float64{
				0.99: 0.001,
			},
		}, []string{"method", "worker"}),
		metricVerdictCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeguard_verdict_count",
			Help: "Verdicts produced by completed analyses.  Label \"verdict\" = ai|real|uncertain|error.",
		}, []string{"verdict"}),
	}

	logrus.Infof("Starting %d analysis workers...", conf.Workers)
	for i := 0; i < conf.Workers; i++ {
		pool.workers[i] = pool.newWorker(cache, events)
		go pool.dispatch(pool.workers[i])
	}

	return pool
}

func newHasher() *hasher {
	return &hasher{}
}

func (ph *hasher) ComputeHash63(input string) uint64 {
	return xxhash.ChecksumString64S(input, 0) >> 1
}

func (p *WorkerPool) Close() error {
	close(p.done)
	return nil
}

// Create a new pool worker instance.
func (p *WorkerPool) newWorker(cache Cache, events *EventLog) *Worker {
	const commandChannelSize = 10000

	worker := &Worker{
		conf:           p.conf,
		cache:          cache,
		events:         events,
		pool:           p,
		analyzeRequest: make(chan *request, commandChannelSize),
	}
	workerNumber := atomic.AddInt64(&workerCounter, 1) - 1
	worker.name = strconv.FormatInt(workerNumber, 10)
	return worker
}

// getWorker returns the worker assigned to the fingerprint.
// Hash the fingerprint, then lookup hash ring to find the worker.
func (p *WorkerPool) getWorker(fingerprint string) *Worker {
	hash := p.hasher.ComputeHash63(fingerprint)
	idx := hash / p.hashRingStep
	return p.workers[idx]
}

// Pool worker for processing analysis requests.
// A hash ring distributes requests to an assigned worker by fingerprint.
// See: getWorker()
func (p *WorkerPool) dispatch(worker *Worker) {
	for {
		select {
		case req, ok := <-worker.analyzeRequest:
			if !ok {
				// Channel closed.  Unexpected, but should be handled.
				logrus.Error("workerPool worker stopped because channel closed")
				return
			}

			resp := new(response)
			resp.resp, resp.err = worker.handleAnalyze(req.ctx, req.job)

			select {
			case req.resp <- resp:
				// Success.

			case <-req.ctx.Done():
				// Requester gave up. The analysis is already cached and
				// logged; only response delivery is dropped.
				trace.SpanFromContext(req.ctx).RecordError(resp.err)
			}

		case <-p.done:
			// Clean up.
			return
		}
	}
}

// Analyze sends an analysis request to the worker pool.
func (p *WorkerPool) Analyze(ctx context.Context, job *analysisJob) (*AnalyzeResponse, error) {
	// Delegate request to assigned channel based on the fingerprint.
	worker := p.getWorker(job.Fingerprint)
	handlerRequest := &request{
		ctx:  ctx,
		resp: make(chan *response, 1),
		job:  job,
	}

	// Send request.
	select {
	case worker.analyzeRequest <- handlerRequest:
		// Successfully sent request.
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.metricQueueLength.WithLabelValues("Analyze", worker.name).Observe(float64(len(worker.analyzeRequest)))

	// Wait for response.
	select {
	case handlerResponse := <-handlerRequest.resp:
		// Successfully read response.
		return handlerResponse.resp, handlerResponse.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handle request received by worker.
func (worker *Worker) handleAnalyze(ctx context.Context, job *analysisJob) (*AnalyzeResponse, error) {
	if analysis, ok := worker.cache.Lookup(job.Fingerprint); ok {
		// Serving from cache costs no classifier time.
		return worker.finish(ctx, job, analysis, 0, true)
	}

	// Once admitted, a request runs to completion even if the requester is
	// gone; detach the classifier from the requester's cancellation.
	start := clock.Now()
	analysis, err := worker.conf.Classifier.Analyze(context.WithoutCancel(ctx), job.Image)
	elapsed := float64(clock.Now().Sub(start)) / float64(clock.Millisecond)
	if err != nil {
		msg := "Error in classifier.Analyze"
		err = errors.Wrap(err, msg)
		trace.SpanFromContext(ctx).RecordError(err)
		worker.conf.Logger.WithError(err).WithFields(logrus.Fields{
			"request_id":  job.RequestID,
			"fingerprint": job.Fingerprint,
		}).Warn("classification failed; recording error verdict")

		// A failed classification is a first-class outcome. It is logged
		// like any other verdict but never cached, so the next submission
		// of this image retries the classifier.
		analysis = &Analysis{Verdict: VerdictError}
	} else {
		worker.cache.Store(job.Fingerprint, analysis)
	}

	return worker.finish(ctx, job, analysis, elapsed, false)
}

// finish appends the audit record and builds the response. The record must
// be durable before the response is released; an append failure fails the
// request even though the analysis may already be cached.
func (worker *Worker) finish(ctx context.Context, job *analysisJob, analysis *Analysis, elapsedMs float64, cacheHit bool) (*AnalyzeResponse, error) {
	model := worker.conf.Classifier.Model()

	err := worker.events.Append(&LogRecord{
		RequestID:        job.RequestID,
		Fingerprint:      job.Fingerprint,
		SourceURL:        job.SourceURL,
		ImageURL:         job.ImageURL,
		Result:           analysis,
		ProcessingTimeMs: elapsedMs,
		Model:            model,
		CacheHit:         cacheHit,
	})
	if err != nil {
		msg := "Error in events.Append"
		err = errors.Wrap(err, msg)
		trace.SpanFromContext(ctx).RecordError(err)
		return nil, err
	}

	worker.pool.metricVerdictCount.WithLabelValues(string(analysis.Verdict)).Add(1)

	return &AnalyzeResponse{
		Status:           StatusOK,
		RequestID:        job.RequestID,
		Verdict:          analysis.Verdict,
		IsAI:             analysis.IsAI,
		Confidence:       analysis.Confidence,
		FakeProbability:  analysis.FakeProbability,
		RealProbability:  analysis.RealProbability,
		Fingerprint:      job.Fingerprint,
		Model:            model,
		ProcessingTimeMs: elapsedMs,
		CacheHit:         cacheHit,
	}, nil
}

// Describe fetches prometheus metrics to be registered
func (p *WorkerPool) Describe(ch chan<- *prometheus.Desc) {
	p.metricQueueLength.Describe(ch)
	p.metricVerdictCount.Describe(ch)
}

// Collect fetches metric counts and gauges from the worker pool
func (p *WorkerPool) Collect(ch chan<- prometheus.Metric) {
	p.metricQueueLength.Collect(ch)
	p.metricVerdictCount.Collect(ch)
}
