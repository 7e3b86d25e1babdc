// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"axonflow/gateway/dispatch"
)

const (
	serviceName    = "gateway"
	serviceVersion = "2.0.0"
)

// Run starts the AI orchestration gateway: it loads configuration, builds
// the dispatch core over the configured backends and serves the northbound
// HTTP API until SIGINT/SIGTERM, then drains gracefully.
func Run() {
	log.Println("Starting AxonFlow AI Gateway...")

	cfg := dispatch.LoadConfigFromEnv()
	backends, err := dispatch.LoadBackendsFromEnv(cfg)
	if err != nil {
		log.Fatalf("backend configuration: %v", err)
	}
	if len(backends) == 0 {
		log.Fatal("no backends configured: set LLM_SERVICE_URL, VISION_SERVICE_URL, NLP_SERVICE_URL or DATA_PROCESSOR_URL")
	}

	var opts []dispatch.DispatcherOption
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		tier, err := dispatch.NewRedisTier(redisURL)
		if err != nil {
			// The in-memory cache keeps working without Redis.
			log.Printf("WARNING: redis cache tier disabled: %v", err)
		} else {
			log.Printf("Redis cache tier connected: %s", redisURL)
			opts = append(opts, dispatch.WithRemoteCache(tier))
		}
	}

	dispatcher := dispatch.NewDispatcher(cfg, backends, opts...)

	waitForResult := 5 * time.Second
	if v := os.Getenv("WAIT_FOR_RESULT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			waitForResult = time.Duration(secs) * time.Second
		}
	}
	server := NewServer(dispatcher, waitForResult)

	r := mux.NewRouter()
	RegisterRoutes(r, server)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("AxonFlow AI Gateway listening on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	dispatcher.Shutdown(shutdownCtx)
	log.Println("Gateway stopped")
}

// RegisterRoutes attaches every northbound route to the router.
func RegisterRoutes(r *mux.Router, s *Server) {
	// Health surface
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/health/comprehensive", s.handleHealthComprehensive).Methods("GET")
	r.HandleFunc("/health/ready", s.handleReady).Methods("GET")
	r.HandleFunc("/health/live", s.handleLive).Methods("GET")

	// Metric scrape surface
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// AI submission endpoints
	r.HandleFunc("/ai/llm/completion", s.handleLLMCompletion).Methods("POST")
	r.HandleFunc("/ai/llm/chat", s.handleLLMChat).Methods("POST")
	r.HandleFunc("/ai/vision/analyze", s.handleVisionAnalyze).Methods("POST")
	r.HandleFunc("/ai/nlp/process", s.handleNLPProcess).Methods("POST")
	r.HandleFunc("/data/process", s.handleDataProcess).Methods("POST")

	// Jobs API
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	r.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleCancelJob).Methods("DELETE")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
