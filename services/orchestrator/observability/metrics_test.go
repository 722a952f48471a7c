// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

func TestNewMetrics_RegistersAll(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordTurn(ModeSync, true)
	m.ObserveStage("generate", 0.2)
	m.RecordRetrievalFailure("web")
	m.RecordSummarization(SummarizationSucceeded)
	m.RecordRequest(EndpointChatbot, true)
	m.RecordError(EndpointChatbot, ErrorCodeValidation)
	m.RecordChunk(EndpointChatbotStream)
	m.StreamStarted(EndpointChatbotStream)
	m.RecordTimeToFirstToken(EndpointChatbotStream, 0.3)
	m.RecordStreamDuration(EndpointChatbotStream, 2, true)
	m.RecordKeepAlive(EndpointChatbotStream)
	m.RecordClientDisconnect(EndpointChatbotStream)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 12)
}

func TestMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestMetrics_Counters(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTurn(ModeStream, false)
	m.RecordTurn(ModeStream, false)
	m.RecordTurn(ModeStream, true)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues(ModeStream, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues(ModeStream, "success")))

	m.RecordRetrievalFailure("web")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetrievalFailuresTotal.WithLabelValues("web")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RetrievalFailuresTotal.WithLabelValues("local")))
}

func TestMetrics_ActiveStreamsGauge(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.StreamStarted(EndpointWebSocket)
	m.StreamStarted(EndpointWebSocket)
	m.StreamEnded(EndpointWebSocket)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues(string(EndpointWebSocket))))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTurn(ModeSync, true)
		m.ObserveStage("x", 1)
		m.RecordRetrievalFailure("local")
		m.RecordSummarization(SummarizationFailed)
		m.RecordRequest(EndpointChatbot, false)
		m.RecordError(EndpointChatbot, ErrorCodeInternal)
		m.RecordChunk(EndpointChatbot)
		m.StreamStarted(EndpointChatbot)
		m.StreamEnded(EndpointChatbot)
		m.RecordTimeToFirstToken(EndpointChatbot, 1)
		m.RecordStreamDuration(EndpointChatbot, 1, false)
		m.RecordKeepAlive(EndpointChatbot)
		m.RecordClientDisconnect(EndpointChatbot)
	})
}
