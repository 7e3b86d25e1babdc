// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package dispatch implements the request dispatcher and job control plane
// of the AI orchestration gateway.
//
// A submission enters the Dispatcher, which computes a request fingerprint,
// consults the response cache, joins or opens a batch for the target
// capability, awaits admission, obtains a pooled connection to the
// router-selected backend, invokes the backend with a deadline, settles the
// job, populates the cache and returns the result. The health aggregator
// runs independently and feeds backend state back into routing and
// admission decisions.
//
// The package holds no durable state: jobs are process-local and terminal
// jobs are retained in memory only until their retention window elapses.
package dispatch
