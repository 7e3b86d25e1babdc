// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorKindRetryable(t *testing.T) {
	retryable := []ErrorKind{KindTimeout, KindTransport, KindUpstreamServer}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	terminal := []ErrorKind{
		KindInvalidRequest, KindOverloaded, KindNoBackendAvailable,
		KindUpstreamClient, KindMalformedResponse, KindCancelled, KindInternal,
	}
	for _, k := range terminal {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestErrorKindHTTPStatus(t *testing.T) {
	cases := map[ErrorKind]int{
		KindInvalidRequest:     http.StatusBadRequest,
		KindOverloaded:         http.StatusTooManyRequests,
		KindNoBackendAvailable: http.StatusServiceUnavailable,
		KindTimeout:            http.StatusGatewayTimeout,
		KindUpstreamClient:     http.StatusBadGateway,
		KindUpstreamServer:     http.StatusBadGateway,
		KindMalformedResponse:  http.StatusBadGateway,
		KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := kind.HTTPStatus(); got != want {
			t.Errorf("%s: status %d, want %d", kind, got, want)
		}
	}
}

func TestErrorDetailsStayOutOfMessage(t *testing.T) {
	err := Errorf(KindUpstreamServer, "backend llm returned 500").WithDetails("stack trace here")
	if got := err.Error(); got != "upstream_server: backend llm returned 500" {
		t.Fatalf("details leaked into message: %q", got)
	}
	if err.Details != "stack trace here" {
		t.Fatal("details were lost")
	}
}

func TestWrapErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(KindTransport, "backend unreachable", cause)
	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause not reachable via errors.Is")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(nil) != "" {
		t.Fatal("nil error should have empty kind")
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("unclassified errors should report internal")
	}
	wrapped := fmt.Errorf("outer: %w", NewError(KindOverloaded, "queue full"))
	if KindOf(wrapped) != KindOverloaded {
		t.Fatal("kind should survive wrapping")
	}
}

func TestAsErrorNormalizes(t *testing.T) {
	plain := errors.New("boom")
	derr := AsError(plain)
	if derr.Kind != KindInternal {
		t.Fatalf("expected internal, got %s", derr.Kind)
	}
	if AsError(nil) != nil {
		t.Fatal("AsError(nil) should be nil")
	}
	original := NewError(KindTimeout, "slow")
	if AsError(original) != original {
		t.Fatal("AsError should pass through classified errors")
	}
}
