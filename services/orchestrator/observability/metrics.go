// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability defines the Prometheus metrics of the chatbot.
//
// # Metric Families
//
//	aleutian_chatbot_turns_total{mode,status}
//	aleutian_chatbot_stage_duration_seconds{stage}
//	aleutian_chatbot_retrieval_failures_total{backend}
//	aleutian_chatbot_summarizations_total{outcome}
//	aleutian_streaming_requests_total{endpoint,status}
//	aleutian_streaming_chunks_total{endpoint}
//	aleutian_streaming_active_streams{endpoint}
//	aleutian_streaming_errors_total{endpoint,error_code}
//	aleutian_streaming_time_to_first_token_seconds{endpoint}
//	aleutian_streaming_stream_duration_seconds{endpoint,status}
//	aleutian_streaming_keepalives_total{endpoint}
//	aleutian_streaming_client_disconnects_total{endpoint}
//
// All recording methods are no-ops on a nil *Metrics, so components can be
// built without metrics in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace   = "aleutian"
	chatbotSubsystem   = "chatbot"
	streamingSubsystem = "streaming"
)

// Metrics holds every collector the service records to.
type Metrics struct {
	TurnsTotal             *prometheus.CounterVec
	StageDurationSeconds   *prometheus.HistogramVec
	RetrievalFailuresTotal *prometheus.CounterVec
	SummarizationsTotal    *prometheus.CounterVec

	RequestsTotal           *prometheus.CounterVec
	ChunksTotal             *prometheus.CounterVec
	ActiveStreams           *prometheus.GaugeVec
	ErrorsTotal             *prometheus.CounterVec
	TimeToFirstTokenSeconds *prometheus.HistogramVec
	StreamDurationSeconds   *prometheus.HistogramVec
	KeepAlivesTotal         *prometheus.CounterVec
	ClientDisconnectsTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatbotSubsystem,
				Name:      "turns_total",
				Help:      "Conversation turns by mode (sync, stream) and status",
			},
			[]string{"mode", "status"},
		),
		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatbotSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each turn stage in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		RetrievalFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatbotSubsystem,
				Name:      "retrieval_failures_total",
				Help:      "Retrieval branches that degraded to empty context, by backend",
			},
			[]string{"backend"},
		),
		SummarizationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatbotSubsystem,
				Name:      "summarizations_total",
				Help:      "Summarization attempts by outcome",
			},
			[]string{"outcome"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of chatbot requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		ChunksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "chunks_total",
				Help:      "Framed chunks delivered to clients",
			},
			[]string{"endpoint"},
		),
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total errors by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),
		TimeToFirstTokenSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),
		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),
		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
	}
}

// ErrorCode categorizes errors for the errors_total metric.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeLLMError         ErrorCode = "llm_error"
	ErrorCodeRAGError         ErrorCode = "rag_error"
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeRateLimited      ErrorCode = "rate_limited"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// Endpoint identifies the transport endpoint in metric labels.
type Endpoint string

const (
	EndpointChatbot       Endpoint = "chatbot"
	EndpointChatbotStream Endpoint = "chatbot_stream"
	EndpointWebSocket     Endpoint = "chatbot_ws"
)

// Turn modes.
const (
	ModeSync   = "sync"
	ModeStream = "stream"
)

// Summarization outcomes.
const (
	SummarizationSucceeded = "succeeded"
	SummarizationFailed    = "failed"
	SummarizationSkipped   = "skipped"
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordTurn counts a finished turn.
func (m *Metrics) RecordTurn(mode string, success bool) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(mode, status(success)).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordRetrievalFailure counts a degraded retrieval branch.
func (m *Metrics) RecordRetrievalFailure(backend string) {
	if m == nil {
		return
	}
	m.RetrievalFailuresTotal.WithLabelValues(backend).Inc()
}

// RecordSummarization counts a summarization decision or attempt.
func (m *Metrics) RecordSummarization(outcome string) {
	if m == nil {
		return
	}
	m.SummarizationsTotal.WithLabelValues(outcome).Inc()
}

// RecordRequest counts a transport request.
func (m *Metrics) RecordRequest(endpoint Endpoint, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status(success)).Inc()
}

// RecordError counts an error by code.
func (m *Metrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordChunk counts a delivered chunk.
func (m *Metrics) RecordChunk(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(string(endpoint)).Inc()
}

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *Metrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken observes latency to the first chunk.
func (m *Metrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration observes a finished stream.
func (m *Metrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status(success)).Observe(seconds)
}

// RecordKeepAlive counts a keepalive ping.
func (m *Metrics) RecordKeepAlive(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect counts a stream abandoned by its client.
func (m *Metrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}
