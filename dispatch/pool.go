// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Pool maintains one keep-alive HTTP client per backend with bounded
// connections and idle expiry. Transient per-request clients never appear
// on the hot path. The pool does not retry; retry policy lives in the
// Dispatcher so it can coordinate with admission and job state.
type Pool struct {
	mu             sync.Mutex
	clients        map[string]*http.Client
	connections    int
	maxSize        int
	connectTimeout time.Duration
}

// NewPool creates a pool sized from the config. Per-call deadlines arrive
// through the request context; the pool only owns connection-level
// timeouts.
func NewPool(cfg Config) *Pool {
	return &Pool{
		clients:        make(map[string]*http.Client),
		connections:    cfg.PoolConnections,
		maxSize:        cfg.PoolMaxSize,
		connectTimeout: cfg.HTTPConnectTimeout,
	}
}

// client returns the backend's keep-alive client, creating it on first use.
func (p *Pool) client(backendID string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[backendID]; ok {
		return c
	}
	dialer := &net.Dialer{Timeout: p.connectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        p.connections,
		MaxIdleConnsPerHost: p.connections,
		MaxConnsPerHost:     p.maxSize,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: p.connectTimeout,
	}
	c := &http.Client{Transport: transport}
	p.clients[backendID] = c
	return c
}

// Call posts body to the backend's endpoint for the capability and returns
// the parsed JSON response body. Errors are classified into the dispatch
// taxonomy: Timeout, Transport, UpstreamServer, UpstreamClient,
// MalformedResponse.
func (p *Pool) Call(ctx context.Context, backend *Backend, path string, body []byte) (json.RawMessage, error) {
	url := strings.TrimRight(backend.BaseURL(), "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(KindInternal, "build backend request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client(backend.ID()).Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, Errorf(KindUpstreamServer, "backend %s returned %d", backend.ID(), resp.StatusCode).
			WithDetails(truncateDetails(payload))
	case resp.StatusCode >= 400:
		return nil, Errorf(KindUpstreamClient, "backend %s returned %d", backend.ID(), resp.StatusCode).
			WithDetails(truncateDetails(payload))
	}

	if !json.Valid(payload) {
		return nil, Errorf(KindMalformedResponse, "backend %s returned an unparseable body", backend.ID()).
			WithDetails(truncateDetails(payload))
	}
	return json.RawMessage(payload), nil
}

// Probe issues the cheap southbound health request used by the aggregator.
func (p *Pool) Probe(ctx context.Context, backend *Backend) error {
	url := strings.TrimRight(backend.BaseURL(), "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return WrapError(KindInternal, "build probe request", err)
	}
	resp, err := p.client(backend.ID()).Do(req)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return Errorf(KindUpstreamServer, "probe returned %d", resp.StatusCode)
	}
	return nil
}

// CloseIdleConnections drops idle keep-alive connections on every client.
func (p *Pool) CloseIdleConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.CloseIdleConnections()
	}
}

// classifyTransportError distinguishes deadline expiry, caller
// cancellation and genuine transport failures.
func classifyTransportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(KindTimeout, "backend call deadline elapsed", err)
	case errors.Is(err, context.Canceled):
		return WrapError(KindCancelled, "backend call cancelled", err)
	case ctx.Err() != nil:
		if ctx.Err() == context.Canceled {
			return WrapError(KindCancelled, "backend call cancelled", err)
		}
		return WrapError(KindTimeout, "backend call deadline elapsed", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WrapError(KindTimeout, "backend connection timed out", err)
	}
	return WrapError(KindTransport, "backend unreachable", err)
}

func truncateDetails(payload []byte) string {
	const max = 512
	s := string(payload)
	if len(s) > max {
		return fmt.Sprintf("%s… (%d bytes)", s[:max], len(s))
	}
	return s
}
