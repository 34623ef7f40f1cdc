package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordRequest("GET", 200, 15*time.Millisecond)
	m.RecordRequest("GET", 200, 5*time.Millisecond)
	m.RecordRequest("PUT", 502, time.Millisecond)

	if got := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "200")); got != 2 {
		t.Errorf("GET 200 count = %v", got)
	}
	if got := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("PUT", "502")); got != 1 {
		t.Errorf("PUT 502 count = %v", got)
	}
}

func TestRecordBytesAndRetries(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordBytes("in", 1024)
	m.RecordBytes("in", 512)
	m.RecordBytes("out", 2048)
	m.RecordRetry("GET")

	if got := testutil.ToFloat64(m.relayBytes.WithLabelValues("in")); got != 1536 {
		t.Errorf("bytes in = %v", got)
	}
	if got := testutil.ToFloat64(m.relayBytes.WithLabelValues("out")); got != 2048 {
		t.Errorf("bytes out = %v", got)
	}
	if got := testutil.ToFloat64(m.relayRetries.WithLabelValues("GET")); got != 1 {
		t.Errorf("retries = %v", got)
	}
}

func TestPoolGauges(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.SetPoolGauges("https://s3.example.com", 3, 2)
	m.RecordPoolExhausted("https://s3.example.com")

	if got := testutil.ToFloat64(m.poolInUse.WithLabelValues("https://s3.example.com")); got != 3 {
		t.Errorf("in use = %v", got)
	}
	if got := testutil.ToFloat64(m.poolIdle.WithLabelValues("https://s3.example.com")); got != 2 {
		t.Errorf("idle = %v", got)
	}
	if got := testutil.ToFloat64(m.poolExhausted.WithLabelValues("https://s3.example.com")); got != 1 {
		t.Errorf("exhausted = %v", got)
	}
}

func TestAuthFailures(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordAuthFailure("mismatch")
	m.RecordAuthFailure("mismatch")
	m.RecordAuthFailure("expired")

	if got := testutil.ToFloat64(m.authFailures.WithLabelValues("mismatch")); got != 2 {
		t.Errorf("mismatch = %v", got)
	}
	if got := testutil.ToFloat64(m.authFailures.WithLabelValues("expired")); got != 1 {
		t.Errorf("expired = %v", got)
	}
}
