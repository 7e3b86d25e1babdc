// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Fingerprint computes the stable cache and single-flight key for a
// request: a 128-bit hash of the canonical serialization of
// (capability, backend-visible parameters).
//
// Canonicalization makes semantically equivalent requests collide:
// string values lose trailing whitespace and are NFC-normalized, floats
// are quantized to floatPrecision decimal places, and object keys are
// serialized in sorted order.
func Fingerprint(capability Capability, payload json.RawMessage, floatPrecision int) (string, error) {
	var value interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &value); err != nil {
			return "", WrapError(KindInvalidRequest, "request body is not valid JSON", err)
		}
	}

	var b strings.Builder
	b.WriteString(string(capability))
	b.WriteByte('\n')
	writeCanonical(&b, normalizeValue(value, floatPrecision))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16]), nil
}

// normalizeValue rewrites a decoded JSON value into its canonical form.
func normalizeValue(v interface{}, floatPrecision int) interface{} {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(strings.TrimRight(t, " \t\r\n"))
	case float64:
		return quantize(t, floatPrecision)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val, floatPrecision)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val, floatPrecision)
		}
		return out
	default:
		return v
	}
}

// quantize rounds f to the configured number of decimal places so that
// 0.70000001 and 0.7 produce the same fingerprint.
func quantize(f float64, precision int) float64 {
	scale := math.Pow10(precision)
	return math.Round(f*scale) / scale
}

// writeCanonical serializes a normalized value deterministically. Object
// keys are emitted in sorted order; numbers use the shortest representation
// that round-trips.
func writeCanonical(b *strings.Builder, v interface{}) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		fmt.Fprintf(b, "%t", t)
	case float64:
		data, _ := json.Marshal(t)
		b.Write(data)
	case string:
		data, _ := json.Marshal(t)
		b.Write(data)
	case []interface{}:
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			data, _ := json.Marshal(k)
			b.Write(data)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	default:
		data, _ := json.Marshal(t)
		b.Write(data)
	}
}
