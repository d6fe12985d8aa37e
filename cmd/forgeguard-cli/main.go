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

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/forgeguard/forgeguard"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/mailgun/holster/v4/tracing"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var (
	log         *logrus.Logger
	httpAddress string
	concurrency uint64
	timeout     time.Duration
	imageCount  uint64
	reqRate     float64
	quiet       bool
)

func main() {
	log = logrus.StandardLogger()
	flag.StringVar(&httpAddress, "e", "", "ForgeGuard HTTP endpoint address")
	flag.Uint64Var(&concurrency, "concurrency", 1, "Concurrent threads (default 1)")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout (default 5s)")
	flag.Uint64Var(&imageCount, "images", 100, "Distinct images to submit (default 100)")
	flag.Float64Var(&reqRate, "rate", 0, "Request rate overall, 0 = no rate limit")
	flag.BoolVar(&quiet, "q", false, "Quiet logging")
	flag.Parse()

	if quiet {
		log.SetLevel(logrus.ErrorLevel)
	}

	// Initialize tracing.
	res, err := tracing.NewResource("forgeguard-cli", "")
	if err != nil {
		log.WithError(err).Fatal("Error in tracing.NewResource")
	}
	ctx := context.Background()
	err = tracing.InitTracing(ctx,
		"github.com/forgeguard/forgeguard/cmd/forgeguard-cli",
		tracing.WithResource(res),
	)
	if err != nil {
		log.WithError(err).Warn("Error in tracing.InitTracing")
	}

	setter.SetDefault(&httpAddress, os.Getenv("FORGEGUARD_HTTP_ADDRESS"))
	if httpAddress == "" {
		log.Fatal("please provide an endpoint via -e or set the env FORGEGUARD_HTTP_ADDRESS")
	}

	// Print startup message.
	cmdLine := strings.Join(os.Args[1:], " ")
	log.WithContext(ctx).Info("Command line: " + cmdLine)

	log.WithContext(ctx).Infof("Connecting to '%s'...", httpAddress)
	client := forgeguard.NewClient(httpAddress)

	// Generate a selection of distinct images so each submission carries
	// its own fingerprint. Replaying them exercises the result cache.
	var submissions []*forgeguard.AnalyzeRequest
	for i := 0; i < int(imageCount); i++ {
		submissions = append(submissions, &forgeguard.AnalyzeRequest{
			ImageBase64: base64.StdEncoding.EncodeToString(randomImage()),
			SourceURL:   fmt.Sprintf("https://example.com/gallery/%d", i),
		})
	}

	fan := syncutil.NewFanOut(int(concurrency))
	var limiter *rate.Limiter
	if reqRate > 0 {
		l := rate.Limit(reqRate)
		log.WithField("reqRate", reqRate).Info("")
		limiter = rate.NewLimiter(l, 1)
	}

	// Replay submissions in endless loop.
	for {
		for _, req := range submissions {
			fan.Run(func(obj interface{}) error {
				req := obj.(*forgeguard.AnalyzeRequest)

				if reqRate > 0 {
					_ = limiter.Wait(ctx)
				}

				sendRequest(ctx, client, req)

				return nil
			}, req)
		}
	}
}

// randomImage renders a small PNG of random pixels.
func randomImage() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(rand.Intn(256)),
				G: uint8(rand.Intn(256)),
				B: uint8(rand.Intn(256)),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func sendRequest(ctx context.Context, client *forgeguard.Client, req *forgeguard.AnalyzeRequest) {
	ctx = tracing.StartScope(ctx)
	defer tracing.EndScope(ctx, nil)

	ctx, cancel := context.WithTimeout(ctx, timeout)

	// Now hit our daemon with the submission
	var resp forgeguard.AnalyzeResponse
	err := client.Analyze(ctx, req, &resp)
	cancel()
	if err != nil {
		log.WithContext(ctx).WithError(err).Error("Error in client.Analyze")
		return
	}

	// Check for an over limit response.
	if resp.Status == forgeguard.StatusRateLimited {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.Bool("rate_limited", true),
		)
		log.WithContext(ctx).Info("Rate limited!")
		return
	}

	if resp.Verdict == forgeguard.VerdictAI {
		log.WithContext(ctx).WithField("source_url", req.SourceURL).
			Info("AI generated!")

		if !quiet {
			dumpResp := spew.Sdump(&resp)
			log.WithContext(ctx).Info(dumpResp)
		}
	}
}
