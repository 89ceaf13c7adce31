// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"genstream/shared/logger"
)

// Default upstream timeouts.
const (
	DefaultDialTimeout           = 10 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultRequestTimeout        = 5 * time.Minute
)

// Timeouts bounds upstream calls. A streaming body has no read timeout of
// its own; the request deadline covers it.
type Timeouts struct {
	Dial           time.Duration
	ResponseHeader time.Duration
	Request        time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Dial <= 0 {
		t.Dial = DefaultDialTimeout
	}
	if t.ResponseHeader <= 0 {
		t.ResponseHeader = DefaultResponseHeaderTimeout
	}
	if t.Request <= 0 {
		t.Request = DefaultRequestTimeout
	}
	return t
}

// NewHTTPClient creates a pooled client for upstream backends.
func NewHTTPClient(t Timeouts) *http.Client {
	t = t.withDefaults()

	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:    100,
		MaxConnsPerHost: 10,
		IdleConnTimeout: 90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   t.Dial,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: t.ResponseHeader,
	}

	return &http.Client{Transport: transport}
}

// AdapterOptions are the collaborators every adapter package receives at
// registration.
type AdapterOptions struct {
	Client   HTTPClient
	Logger   *logger.Logger
	Timeouts Timeouts
}

// WithDefaults fills unset collaborators.
func (o AdapterOptions) WithDefaults() AdapterOptions {
	o.Timeouts = o.Timeouts.withDefaults()
	if o.Client == nil {
		o.Client = NewHTTPClient(o.Timeouts)
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	return o
}

// Deadline derives the per-request context.
func (o AdapterOptions) Deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Timeouts.Request <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.Timeouts.Request)
}
