package probe

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func sampleResults() []Result {
	return []Result{
		{Check: "status", RoundTrip: 10 * time.Millisecond, Pass: true},
		{Check: "heartbeat", RoundTrip: 2 * time.Millisecond, Pass: true},
		{Check: "echo", RoundTrip: 30 * time.Millisecond, Pass: true},
		{Check: "truncation", RoundTrip: 1200 * time.Millisecond, Pass: false},
	}
}

func TestSummarise(t *testing.T) {
	s := Summarise(sampleResults())

	if s.Checks != 4 {
		t.Errorf("Checks = %d, want 4", s.Checks)
	}
	if s.Passed != 3 {
		t.Errorf("Passed = %d, want 3", s.Passed)
	}
	if s.MaxMs != 1200 {
		t.Errorf("MaxMs = %v, want 1200", s.MaxMs)
	}

	wantMean := (10.0 + 2.0 + 30.0 + 1200.0) / 4.0
	if s.MeanMs != wantMean {
		t.Errorf("MeanMs = %v, want %v", s.MeanMs, wantMean)
	}

	if s.P50Ms < 2 || s.P50Ms > 30 {
		t.Errorf("P50Ms = %v, want within the middle of the sample", s.P50Ms)
	}
	if s.P85Ms > s.MaxMs {
		t.Errorf("P85Ms = %v exceeds max %v", s.P85Ms, s.MaxMs)
	}
}

func TestSummarise_Empty(t *testing.T) {
	s := Summarise(nil)
	if s.Checks != 0 || s.Passed != 0 || s.MeanMs != 0 {
		t.Errorf("empty summary not zero: %+v", s)
	}
}

func TestWriteLatencyChart(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteLatencyChart(&buf, sampleResults()); err != nil {
		t.Fatalf("WriteLatencyChart failed: %v", err)
	}

	html := buf.String()
	if !strings.Contains(html, "echarts") {
		t.Error("chart output does not embed echarts")
	}
	for _, check := range []string{"status", "heartbeat", "echo", "truncation"} {
		if !strings.Contains(html, check) {
			t.Errorf("chart output missing check %q", check)
		}
	}
}
