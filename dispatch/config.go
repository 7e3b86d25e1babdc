// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable of the dispatch core. Zero values are
// replaced with defaults by Normalize, except CacheTTL: a zero CacheTTL
// stays zero (caching disabled) and only a negative one becomes the default.
type Config struct {
	// Connection pool.
	PoolConnections    int           // keep-alive slots per backend
	PoolMaxSize        int           // hard connection cap per backend
	HTTPTimeout        time.Duration // default per-call deadline
	HTTPConnectTimeout time.Duration

	// Batcher.
	MaxBatchSize int
	MaxBatchWait time.Duration

	// Response cache.
	CacheTTL        time.Duration // 0 disables caching
	CacheMaxEntries int
	FloatPrecision  int // decimal places kept when fingerprinting floats

	// Job retention.
	RetentionWindow time.Duration
	JanitorInterval time.Duration

	// Health aggregator.
	ProbeInterval           time.Duration
	CircuitFailureThreshold int
	CircuitCooldown         time.Duration

	// Admission.
	GlobalQueueCap  int64
	DefaultInFlight int // per-backend cap when the manifest leaves it unset

	// Retry policy.
	RetryMaxAttempts int
}

// Defaults mirror the documented configuration table.
const (
	defaultPoolConnections    = 20
	defaultPoolMaxSize        = 20
	defaultHTTPTimeout        = 60 * time.Second
	defaultHTTPConnectTimeout = 5 * time.Second
	defaultMaxBatchSize       = 8
	defaultMaxBatchWait       = 100 * time.Millisecond
	defaultCacheTTL           = 2 * time.Hour
	defaultCacheMaxEntries    = 4096
	defaultFloatPrecision     = 4
	defaultRetentionWindow    = time.Hour
	defaultJanitorInterval    = time.Minute
	defaultProbeInterval      = 15 * time.Second
	defaultCircuitThreshold   = 5
	defaultCircuitCooldown    = 30 * time.Second
	defaultGlobalQueueCap     = 1000
	defaultMaxInFlight        = 20
	defaultRetryMaxAttempts   = 3
)

// Normalize fills unset fields with defaults and returns the config for
// chaining.
func (c Config) Normalize() Config {
	if c.PoolConnections <= 0 {
		c.PoolConnections = defaultPoolConnections
	}
	if c.PoolMaxSize <= 0 {
		c.PoolMaxSize = defaultPoolMaxSize
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.HTTPConnectTimeout <= 0 {
		c.HTTPConnectTimeout = defaultHTTPConnectTimeout
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.CacheTTL < 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = defaultCacheMaxEntries
	}
	if c.FloatPrecision <= 0 {
		c.FloatPrecision = defaultFloatPrecision
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = defaultRetentionWindow
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = defaultJanitorInterval
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = defaultProbeInterval
	}
	if c.CircuitFailureThreshold <= 0 {
		c.CircuitFailureThreshold = defaultCircuitThreshold
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = defaultCircuitCooldown
	}
	if c.GlobalQueueCap <= 0 {
		c.GlobalQueueCap = defaultGlobalQueueCap
	}
	if c.DefaultInFlight <= 0 {
		c.DefaultInFlight = defaultMaxInFlight
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = defaultRetryMaxAttempts
	}
	return c
}

// LoadConfigFromEnv reads the dispatch configuration from environment
// variables, falling back to defaults for anything unset.
func LoadConfigFromEnv() Config {
	cfg := Config{
		PoolConnections:         getEnvInt("HTTP_POOL_CONNECTIONS", defaultPoolConnections),
		PoolMaxSize:             getEnvInt("HTTP_POOL_MAXSIZE", defaultPoolMaxSize),
		HTTPTimeout:             getEnvSeconds("HTTP_TIMEOUT", defaultHTTPTimeout),
		HTTPConnectTimeout:      getEnvSeconds("HTTP_CONNECT_TIMEOUT", defaultHTTPConnectTimeout),
		MaxBatchSize:            getEnvInt("MAX_BATCH_SIZE", defaultMaxBatchSize),
		MaxBatchWait:            getEnvMillis("MAX_BATCH_WAIT_MS", defaultMaxBatchWait),
		CacheTTL:                getEnvSeconds("CACHE_TTL_SECONDS", defaultCacheTTL),
		RetentionWindow:         getEnvSeconds("RETENTION_WINDOW_SECONDS", defaultRetentionWindow),
		ProbeInterval:           getEnvSeconds("PROBE_INTERVAL_SECONDS", defaultProbeInterval),
		CircuitFailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", defaultCircuitThreshold),
		CircuitCooldown:         getEnvSeconds("CIRCUIT_COOLDOWN_SECONDS", defaultCircuitCooldown),
		GlobalQueueCap:          int64(getEnvInt("GLOBAL_QUEUE_CAP", defaultGlobalQueueCap)),
		RetryMaxAttempts:        getEnvInt("RETRY_MAX_ATTEMPTS", defaultRetryMaxAttempts),
	}
	// CACHE_TTL_SECONDS=0 is a valid setting that disables caching, so it
	// must survive normalization.
	if os.Getenv("CACHE_TTL_SECONDS") == "0" {
		cfg.CacheTTL = 0
	}
	return cfg.Normalize()
}

// BackendConfig declares one backend at startup.
type BackendConfig struct {
	ID            string       `yaml:"id"`
	BaseURL       string       `yaml:"base_url"`
	Capabilities  []Capability `yaml:"capabilities"`
	MaxInFlight   int          `yaml:"max_in_flight"`
	SupportsBatch bool         `yaml:"supports_batch"`
	Weight        int          `yaml:"weight"`
}

// backendManifest is the YAML shape of BACKENDS_CONFIG_FILE.
type backendManifest struct {
	Backends []BackendConfig `yaml:"backends"`
}

// serviceEnvBackends maps the well-known service URL environment variables
// to backend declarations.
var serviceEnvBackends = []struct {
	envKey        string
	id            string
	capabilities  []Capability
	supportsBatch bool
}{
	{"LLM_SERVICE_URL", "llm", []Capability{CapabilityLLMCompletion, CapabilityLLMChat}, true},
	{"VISION_SERVICE_URL", "vision", []Capability{CapabilityVisionAnalyze}, false},
	{"NLP_SERVICE_URL", "nlp", []Capability{CapabilityNLPAnalyze}, true},
	{"DATA_PROCESSOR_URL", "data-processor", []Capability{CapabilityDataProcess}, false},
}

// LoadBackendsFromEnv builds the backend set from LLM_SERVICE_URL,
// VISION_SERVICE_URL, NLP_SERVICE_URL and DATA_PROCESSOR_URL, then merges
// any manifest named by BACKENDS_CONFIG_FILE. Manifest entries with an ID
// matching an env-declared backend replace it.
func LoadBackendsFromEnv(cfg Config) ([]BackendConfig, error) {
	var backends []BackendConfig
	for _, svc := range serviceEnvBackends {
		url := os.Getenv(svc.envKey)
		if url == "" {
			continue
		}
		backends = append(backends, BackendConfig{
			ID:            svc.id,
			BaseURL:       url,
			Capabilities:  svc.capabilities,
			MaxInFlight:   cfg.DefaultInFlight,
			SupportsBatch: svc.supportsBatch,
		})
	}

	if path := os.Getenv("BACKENDS_CONFIG_FILE"); path != "" {
		fromFile, err := LoadBackendManifest(path, cfg)
		if err != nil {
			return nil, err
		}
		backends = mergeBackends(backends, fromFile)
	}
	return backends, nil
}

// LoadBackendManifest reads backend declarations from a YAML file.
func LoadBackendManifest(path string, cfg Config) ([]BackendConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backend manifest: %w", err)
	}
	var manifest backendManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse backend manifest %s: %w", path, err)
	}
	for i := range manifest.Backends {
		b := &manifest.Backends[i]
		if b.ID == "" || b.BaseURL == "" {
			return nil, fmt.Errorf("backend manifest %s: entry %d missing id or base_url", path, i)
		}
		if len(b.Capabilities) == 0 {
			return nil, fmt.Errorf("backend manifest %s: backend %q declares no capabilities", path, b.ID)
		}
		for _, c := range b.Capabilities {
			if !IsValidCapability(string(c)) {
				return nil, fmt.Errorf("backend manifest %s: backend %q: unknown capability %q", path, b.ID, c)
			}
		}
		if b.MaxInFlight <= 0 {
			b.MaxInFlight = cfg.DefaultInFlight
		}
	}
	return manifest.Backends, nil
}

func mergeBackends(base, overrides []BackendConfig) []BackendConfig {
	byID := make(map[string]int, len(base))
	for i, b := range base {
		byID[b.ID] = i
	}
	for _, o := range overrides {
		if i, ok := byID[o.ID]; ok {
			base[i] = o
		} else {
			base = append(base, o)
		}
	}
	return base
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return defaultValue
	}
	return time.Duration(v) * time.Second
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return defaultValue
	}
	return time.Duration(v) * time.Millisecond
}
