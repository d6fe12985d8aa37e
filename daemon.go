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
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Daemon struct {
	HTTPListener net.Listener
	Service      *Service

	log          logrus.FieldLogger
	conf         DaemonConfig
	httpSrv      *http.Server
	wg           syncutil.WaitGroup
	promRegister *prometheus.Registry
}

// SpawnDaemon starts a new forgeguard daemon according to the provided DaemonConfig.
// This function will block until the daemon responds to connections as specified
// by HTTPListenAddress
func SpawnDaemon(ctx context.Context, conf DaemonConfig) (*Daemon, error) {
	s := Daemon{
		log:  conf.Logger,
		conf: conf,
	}
	setter.SetDefault(&s.log, logrus.WithField("category", "forgeguard"))
	setter.SetDefault(&s.conf.CacheSize, 100)
	setter.SetDefault(&s.conf.CacheTTL, clock.Minute*5)

	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Daemon) Start(ctx context.Context) error {
	var err error

	// The classifier backend submissions are analyzed with
	classifier := s.conf.Classifier
	if classifier == nil {
		classifier = NewHTTPClassifier(s.conf.ClassifierAddress, s.conf.ClassifierTimeout)
	}

	// The LRU cache we store finished analyses in
	cache := NewLRUCache(s.conf.CacheSize, s.conf.CacheTTL)

	// cache also implements prometheus.Collector interface
	s.promRegister = prometheus.NewRegistry()
	s.promRegister.Register(cache)

	events, err := NewEventLog(s.conf.LogDir)
	if err != nil {
		return errors.Wrap(err, "while opening event log")
	}

	s.Service, err = NewService(Config{
		RateLimitCapacity: s.conf.RateLimitCapacity,
		RateLimitWindow:   s.conf.RateLimitWindow,
		LogRetentionDays:  s.conf.LogRetentionDays,
		InstanceID:        s.conf.InstanceID,
		Workers:           s.conf.Workers,
		Classifier:        classifier,
		Logger:            s.log,
		Events:            events,
		Cache:             cache,
	})
	if err != nil {
		return errors.Wrap(err, "while creating new service")
	}

	// Service instance also implements prometheus.Collector interface
	s.promRegister.Register(s.Service)

	// Serve the API and the metrics handler via standard HTTP/1
	metrics := promhttp.InstrumentMetricHandler(
		s.promRegister, promhttp.HandlerFor(s.promRegister, promhttp.HandlerOpts{}),
	)
	handler := NewHandler(s.Service, metrics)

	// Handler collects per method request duration metrics
	s.promRegister.Register(handler)

	log := log.New(newLogWriter(s.log), "", 0)
	s.httpSrv = &http.Server{Addr: s.conf.HTTPListenAddress, Handler: handler, ErrorLog: log}

	s.HTTPListener, err = net.Listen("tcp", s.conf.HTTPListenAddress)
	if err != nil {
		return errors.Wrap(err, "while starting HTTP listener")
	}

	s.wg.Go(func() {
		s.log.Infof("HTTP Listening on %s ...", s.conf.HTTPListenAddress)
		if err := s.httpSrv.Serve(s.HTTPListener); err != nil {
			if err != http.ErrServerClosed {
				s.log.WithError(err).Error("while starting HTTP server")
			}
		}
	})

	// Enforce the audit log retention policy while the daemon runs. The
	// service also drops partitions past retention once at start up.
	tick := time.NewTicker(time.Hour)
	s.wg.Until(func(done chan struct{}) bool {
		select {
		case <-tick.C:
			if removed := s.Service.PruneEventLog(); removed != 0 {
				s.log.Infof("dropped %d audit log partitions past retention", removed)
			}
			return true
		case <-done:
			tick.Stop()
			return false
		}
	})

	// Validate we can reach the HTTP endpoint before returning
	if err := WaitForConnect(ctx, []string{s.Address()}); err != nil {
		return err
	}

	return nil
}

// Close gracefully closes the HTTP server and the pipeline behind it
func (s *Daemon) Close() {
	if s.httpSrv == nil {
		return
	}

	s.log.Infof("HTTP close for %s ...", s.conf.HTTPListenAddress)
	s.httpSrv.Shutdown(context.Background())
	s.wg.Stop()
	if err := s.Service.Close(); err != nil {
		s.log.WithError(err).Error("while closing service")
	}
	s.httpSrv = nil
}

// Config returns the current config for this Daemon
func (s *Daemon) Config() DaemonConfig {
	return s.conf
}

// Address returns the address the daemon is listening on
func (s *Daemon) Address() string {
	return s.HTTPListener.Addr().String()
}

// WaitForConnect returns nil if the list of addresses is listening
// for connections; will block until context is cancelled.
func WaitForConnect(ctx context.Context, addresses []string) error {
	var d net.Dialer
	var errs []error
	for {
		errs = nil
		for _, addr := range addresses {
			if addr == "" {
				continue
			}

			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			conn.Close()
		}

		if len(errs) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			clock.Sleep(clock.Millisecond * 100)
		}
	}

	if len(errs) != 0 {
		var errStrings []string
		for _, err := range errs {
			errStrings = append(errStrings, err.Error())
		}
		return errors.New(strings.Join(errStrings, "\n"))
	}
	return nil
}
