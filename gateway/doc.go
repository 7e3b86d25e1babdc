// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package gateway provides the northbound HTTP surface of the AI
orchestration gateway.

# Overview

The gateway accepts HTTP requests for AI operations and hands them to the
dispatch control plane, which routes them to specialized backend services
running in sibling containers:

  - llm_completion, llm_chat → LLM service
  - vision_analyze → vision service
  - nlp_analyze → NLP service
  - data_process → data processor

Each submission is tracked as a job. When the backend answers within the
wait-for-result window the response carries the completed result; otherwise
the caller receives a job id to poll via the jobs API.

# Endpoints

	POST /ai/llm/completion
	POST /ai/llm/chat
	POST /ai/vision/analyze
	POST /ai/nlp/process
	POST /data/process
	GET  /jobs/{id}
	GET  /jobs
	DELETE /jobs/{id}
	GET  /health
	GET  /health/comprehensive
	GET  /health/ready
	GET  /health/live
	GET  /metrics

# Configuration

Backend addresses come from LLM_SERVICE_URL, VISION_SERVICE_URL,
NLP_SERVICE_URL and DATA_PROCESSOR_URL, optionally extended by a YAML
manifest named in BACKENDS_CONFIG_FILE. Dispatch tunables are read from
the environment; see dispatch.LoadConfigFromEnv.
*/
package gateway
