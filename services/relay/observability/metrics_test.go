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

func TestNewMetrics_RegistersAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	m.ClientJoined()
	m.RecordBroadcast("image")
	m.RecordDrop(DropQueueFull)
	m.SetBackendConnected(true)
	m.RecordConnectAttempt(true)
	m.RecordBackendRequest("execute", 0.2, true)
	m.RecordSaved("generated")
	m.RecordEvicted(1)
	m.RecordSweepError()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 9)
}

func TestMetrics_Values(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ClientJoined()
	m.ClientJoined()
	m.ClientLeft()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ClientsConnected))

	m.SetBackendConnected(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BackendConnected))
	m.SetBackendConnected(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.BackendConnected))

	m.RecordEvicted(5)
	m.RecordEvicted(0)
	assert.Equal(t, float64(5), testutil.ToFloat64(m.ArtifactsEvictedTotal))

	m.RecordConnectAttempt(false)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BackendConnectAttemptsTotal.WithLabelValues("failure")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ClientJoined()
		m.ClientLeft()
		m.RecordBroadcast("refresh")
		m.RecordDrop(DropClosed)
		m.SetBackendConnected(true)
		m.RecordConnectAttempt(false)
		m.RecordBackendRequest("upload", 1, false)
		m.RecordSaved("original")
		m.RecordEvicted(3)
		m.RecordSweepError()
	})
}
