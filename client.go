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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mailgun/holster/v4/clock"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client talks to a daemon over its HTTP API.
type Client struct {
	client   *http.Client
	endpoint string
}

type ClientOption func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

func NewClient(address string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: "http://" + address,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   clock.Second * 30,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze submits one image. A refused request fills resp with
// StatusRateLimited and returns nil; errors are transport or server
// failures.
func (c *Client) Analyze(ctx context.Context, req *AnalyzeRequest, resp *AnalyzeResponse) error {
	return c.do(ctx, http.MethodPost, RPCImageAnalyze, req, resp)
}

// Recent fetches up to limit audit records, newest first. A limit of zero
// uses the server default.
func (c *Client) Recent(ctx context.Context, limit int, resp *RecentResponse) error {
	path := RPCLogRecent
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", RPCLogRecent, limit)
	}
	return c.do(ctx, http.MethodGet, path, nil, resp)
}

func (c *Client) Stats(ctx context.Context, resp *StatsResponse) error {
	return c.do(ctx, http.MethodGet, RPCStats, nil, resp)
}

func (c *Client) CacheClear(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, RPCCacheClear, nil, &CacheClearResponse{})
}

func (c *Client) HealthCheck(ctx context.Context, resp *HealthCheckResp) error {
	return c.do(ctx, http.MethodGet, RPCHealthCheck, nil, resp)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "while marshalling request")
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return errors.Wrap(err, "while creating request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "while calling '%s'", path)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		// These carry a decodable body. An over limit or unhealthy reply is
		// an answer, not a transport failure.
	default:
		var reply errorReply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			return errors.Errorf("'%s' returned status '%d'", path, resp.StatusCode)
		}
		return errors.Errorf("'%s' returned status '%d': %s", path, resp.StatusCode, reply.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "while decoding '%s' response", path)
	}
	return nil
}
