// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.Message(Inbound, "CON", "POST")
	m.Message(Inbound, "CON", "POST")
	m.Duplicate()
	m.Tables(3, 10, 1, 2, 0)
	m.StatusChange("REGISTERED")
	m.ObserveRequest("read", "2.05", 150*time.Millisecond)

	if got := testutil.ToFloat64(m.Messages.WithLabelValues(Inbound, "CON", "POST")); got != 2 {
		t.Errorf("messages = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Duplicates); got != 1 {
		t.Errorf("duplicates = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Transactions); got != 3 {
		t.Errorf("transactions = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.StatusChanges.WithLabelValues("REGISTERED")); got != 1 {
		t.Errorf("status changes = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.RequestDuration); n != 1 {
		t.Errorf("request duration series = %d, want 1", n)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Message(Outbound, "ACK", "2.05")
	m.DecodeError()
	m.Tables(1, 1, 1, 1, 1)
	m.Timeout()
	m.RateLimited()
	m.SetSessions(4)
}
