package probe

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/parkside-labs/echobench/internal/echo"
	"github.com/parkside-labs/echobench/internal/monitoring"
	"github.com/parkside-labs/echobench/internal/serialport"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// startDevice runs a responder on one end of a simulated link and returns the
// host end for the prober.
func startDevice(t *testing.T, cfg echo.Config) *serialport.SimPort {
	t.Helper()

	cfg.SettleDelay = 2 * time.Millisecond
	cfg.PollDelay = 2 * time.Millisecond
	if cfg.LineTimeout == 0 {
		cfg.LineTimeout = 60 * time.Millisecond
	}

	host, device := serialport.NewLink()
	r, err := echo.New(device, cfg)
	if err != nil {
		t.Fatalf("echo.New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		host.Close()
		device.Close()
		<-done
	})

	return host
}

// testProbeConfig shortens the windows that exist only to bound hardware
// latencies, keeping the suite fast.
func testProbeConfig(policy echo.Policy) Config {
	return Config{
		Policy:       policy,
		SettleWindow: 20 * time.Millisecond,
		QuietWindow:  30 * time.Millisecond,
		StallTimeout: 500 * time.Millisecond,
	}
}

func resultByCheck(results []Result, name string) *Result {
	for i := range results {
		if results[i].Check == name {
			return &results[i]
		}
	}
	return nil
}

func requireAllPass(t *testing.T, results []Result) {
	t.Helper()
	for _, r := range results {
		if !r.Pass {
			t.Errorf("check %s failed: %s (received %q)", r.Check, r.Detail, r.Received)
		}
	}
}

func TestProber_CharPolicySuite(t *testing.T) {
	host := startDevice(t, echo.Config{Policy: echo.PolicyChar})

	prober := New(host, testProbeConfig(echo.PolicyChar))
	results, err := prober.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	wantChecks := []string{"status", "heartbeat", "unknown-char", "idempotence", "idle-silence"}
	var gotChecks []string
	for _, r := range results {
		gotChecks = append(gotChecks, r.Check)
	}
	if diff := cmp.Diff(wantChecks, gotChecks); diff != "" {
		t.Errorf("check order mismatch (-want +got):\n%s", diff)
	}

	requireAllPass(t, results)

	status := resultByCheck(results, "status")
	if status.Received != echo.StatusLine {
		t.Errorf("status received = %q, want %q", status.Received, echo.StatusLine)
	}

	heartbeat := resultByCheck(results, "heartbeat")
	if heartbeat.Received != "!" {
		t.Errorf("heartbeat received = %q, want %q", heartbeat.Received, "!")
	}
	if heartbeat.RoundTrip > 50*time.Millisecond {
		t.Errorf("heartbeat round-trip %v exceeds 50ms bound", heartbeat.RoundTrip)
	}
}

func TestProber_LinePolicySuite(t *testing.T) {
	host := startDevice(t, echo.Config{Policy: echo.PolicyLine})

	prober := New(host, testProbeConfig(echo.PolicyLine))
	results, err := prober.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	requireAllPass(t, results)

	echoRes := resultByCheck(results, "echo")
	want := echo.DefaultLabel + "test\n"
	if echoRes.Received != want {
		t.Errorf("echo received = %q, want %q", echoRes.Received, want)
	}

	trunc := resultByCheck(results, "truncation")
	if trunc == nil {
		t.Fatal("no truncation check in line-policy suite")
	}
	if trunc.Received != echo.DefaultLabel+"hello\n" {
		t.Errorf("truncation received = %q", trunc.Received)
	}
}

func TestProber_ReadinessAnnouncement(t *testing.T) {
	host := startDevice(t, echo.Config{Policy: echo.PolicyChar, Announce: true})

	cfg := testProbeConfig(echo.PolicyChar)
	cfg.ExpectAnnouncement = true
	prober := New(host, cfg)

	results, err := prober.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	readiness := resultByCheck(results, "readiness")
	if readiness == nil {
		t.Fatal("no readiness check in results")
	}
	if !readiness.Pass {
		t.Errorf("readiness failed: %s", readiness.Detail)
	}
	if readiness.Received != echo.DefaultAnnouncement {
		t.Errorf("banner = %q, want %q", readiness.Received, echo.DefaultAnnouncement)
	}

	// the banner must not bleed into the following status check
	requireAllPass(t, results)
}

func TestProber_NoAnnouncementSkipsSettleWindow(t *testing.T) {
	host := startDevice(t, echo.Config{Policy: echo.PolicyChar})

	// with no announcement expected, the suite must not sit out the settle
	// window before its first check
	cfg := testProbeConfig(echo.PolicyChar)
	cfg.SettleWindow = 5 * time.Second

	start := time.Now()
	results, err := New(host, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if elapsed := time.Since(start); elapsed >= cfg.SettleWindow {
		t.Errorf("suite took %v, want well under the %v settle window", elapsed, cfg.SettleWindow)
	}
	requireAllPass(t, results)
}

func TestProber_SilentDeviceFails(t *testing.T) {
	// no responder on the other end: every responsive check must fail,
	// silence checks still pass
	host, device := serialport.NewLink()
	t.Cleanup(func() {
		host.Close()
		device.Close()
	})

	cfg := testProbeConfig(echo.PolicyChar)
	cfg.StatusTimeout = 50 * time.Millisecond
	cfg.AckTimeout = 20 * time.Millisecond
	prober := New(host, cfg)

	results, err := prober.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, r := range results {
		switch r.Check {
		case "unknown-char", "idle-silence":
			if !r.Pass {
				t.Errorf("%s should pass against a silent device: %s", r.Check, r.Detail)
			}
		default:
			if r.Pass {
				t.Errorf("%s should fail against a silent device", r.Check)
			}
		}
	}
}

func TestProber_WrongLabelFails(t *testing.T) {
	host := startDevice(t, echo.Config{Policy: echo.PolicyLine, Label: echo.AltLabel})

	// prober expects the default label, device uses the alternate
	prober := New(host, testProbeConfig(echo.PolicyLine))
	results, err := prober.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	echoRes := resultByCheck(results, "echo")
	if echoRes.Pass {
		t.Error("echo check passed despite label mismatch")
	}
	if !strings.Contains(echoRes.Detail, "want") {
		t.Errorf("echo detail %q does not describe the mismatch", echoRes.Detail)
	}
}

func TestProber_ContextCancellation(t *testing.T) {
	host := startDevice(t, echo.Config{Policy: echo.PolicyChar})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prober := New(host, testProbeConfig(echo.PolicyChar))
	if _, err := prober.Run(ctx); err == nil {
		t.Error("Run with cancelled context should return an error")
	}
}

func TestConfig_Normalise_Defaults(t *testing.T) {
	cfg := Config{}.Normalise()

	if cfg.EchoLabel != echo.DefaultLabel {
		t.Errorf("EchoLabel = %q, want %q", cfg.EchoLabel, echo.DefaultLabel)
	}
	if cfg.Token != "test" {
		t.Errorf("Token = %q, want %q", cfg.Token, "test")
	}
	if cfg.StatusTimeout != 1100*time.Millisecond {
		t.Errorf("StatusTimeout = %v, want 1100ms", cfg.StatusTimeout)
	}
	if cfg.AckTimeout != 50*time.Millisecond {
		t.Errorf("AckTimeout = %v, want 50ms", cfg.AckTimeout)
	}
}
