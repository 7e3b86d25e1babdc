// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the AxonFlow AI Gateway service.
//
// The gateway fronts a fleet of AI backend containers (LLM, vision, NLP,
// data processing) and provides:
// - Capability-based routing with health-aware backend selection
// - Job tracking with cancellation and result retention
// - Micro-batching and single-flight request coalescing
// - Response caching with an optional shared Redis tier
// - Admission control and load shedding
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	LLM_SERVICE_URL - LLM backend base URL
//	VISION_SERVICE_URL - vision backend base URL
//	NLP_SERVICE_URL - NLP backend base URL
//	DATA_PROCESSOR_URL - data processor base URL
//	BACKENDS_CONFIG_FILE - optional YAML backend manifest
//	REDIS_URL - optional shared response-cache tier
//
// For more information, see https://docs.getaxonflow.com
package main

import (
	"axonflow/gateway/gateway"
)

func main() {
	gateway.Run()
}
