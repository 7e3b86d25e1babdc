// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package logger provides structured JSON logging for gateway components.
// Every entry carries the component name, instance identity and an optional
// request id so log pipelines can correlate a request across the dispatch
// path.
package logger
