// Package probe drives connectivity smoke-test scenarios against an echo
// responder, real board or simulated, and measures per-exchange round-trip
// latency. It is the host-side counterpart of the responder firmware
// contract: send a token, assert the canned response arrives in time.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/parkside-labs/echobench/internal/echo"
	"github.com/parkside-labs/echobench/internal/monitoring"
	"github.com/parkside-labs/echobench/internal/serialport"
)

// Config holds the probe expectations. Timeouts default to the bounds the
// firmware variants guarantee: status within 1100ms (line-read timeout plus
// slack), heartbeat within 50ms (no line timeout involved).
type Config struct {
	// Policy is the read policy of the device under test; it selects which
	// checks run and what they expect.
	Policy echo.Policy

	// EchoLabel is the prefix the device puts on echoed lines.
	EchoLabel string

	// ExpectAnnouncement enables the readiness-banner check after open.
	ExpectAnnouncement bool

	// Token is the arbitrary command used by the echo and silence checks.
	Token string

	SettleWindow  time.Duration // wait for the readiness banner
	StatusTimeout time.Duration // bound on the `?` status response
	AckTimeout    time.Duration // bound on the `!` heartbeat response
	EchoTimeout   time.Duration // bound on a terminated line echo
	StallTimeout  time.Duration // bound on a timeout-truncated echo
	QuietWindow   time.Duration // how long silence must hold
}

// Normalise applies defaults for any unset values.
func (c Config) Normalise() Config {
	cfg := c
	if cfg.EchoLabel == "" {
		cfg.EchoLabel = echo.DefaultLabel
	}
	if cfg.Token == "" {
		cfg.Token = "test"
	}
	if cfg.SettleWindow == 0 {
		cfg.SettleWindow = 200 * time.Millisecond
	}
	if cfg.StatusTimeout == 0 {
		cfg.StatusTimeout = 1100 * time.Millisecond
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 50 * time.Millisecond
	}
	if cfg.EchoTimeout == 0 {
		cfg.EchoTimeout = 1100 * time.Millisecond
	}
	if cfg.StallTimeout == 0 {
		// line timeout bound plus slack for the stalled write to degrade
		// into a truncated echo
		cfg.StallTimeout = 1300 * time.Millisecond
	}
	if cfg.QuietWindow == 0 {
		cfg.QuietWindow = 100 * time.Millisecond
	}
	return cfg
}

// Result is the outcome of one check.
type Result struct {
	Check     string        `json:"check"`
	Sent      string        `json:"sent"`
	Received  string        `json:"received"`
	RoundTrip time.Duration `json:"round_trip"`
	Pass      bool          `json:"pass"`
	Detail    string        `json:"detail,omitempty"`
}

// Prober runs the scenario suite over a single port, one check at a time.
type Prober struct {
	port serialport.TimeoutPorter
	cfg  Config
}

// New creates a Prober for the given port.
func New(port serialport.TimeoutPorter, cfg Config) *Prober {
	return &Prober{port: port, cfg: cfg.Normalise()}
}

// Run executes the checks appropriate for the configured policy and returns
// one Result per check. It stops early only on context cancellation or a
// port-level failure; a failed expectation is a failed Result, not an error.
func (p *Prober) Run(ctx context.Context) ([]Result, error) {
	var results []Result

	// Only an announcing device needs the settle window; the readiness check
	// consumes its banner. Otherwise the first check starts immediately and
	// any unexpected banner bytes fail it.
	if p.cfg.ExpectAnnouncement {
		results = append(results, p.checkReadiness())
	}

	var checks []func() Result
	switch p.cfg.Policy {
	case echo.PolicyLine:
		checks = []func() Result{
			p.checkLineStatus,
			p.checkLineEcho,
			p.checkTruncation,
			p.checkIdempotence(p.checkLineEcho),
			p.checkSilence,
		}
	default:
		checks = []func() Result{
			p.checkCharStatus,
			p.checkHeartbeat,
			p.checkCharSilence,
			p.checkIdempotence(p.checkCharStatus),
			p.checkSilence,
		}
	}

	for _, check := range checks {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := check()
		monitoring.Logf("probe: %s pass=%v rtt=%v", res.Check, res.Pass, res.RoundTrip)
		results = append(results, res)
	}

	return results, nil
}

// checkReadiness waits for the one-time banner after open.
func (p *Prober) checkReadiness() Result {
	start := time.Now()
	got, err := p.readFor(p.cfg.SettleWindow)
	res := Result{Check: "readiness", Received: got, RoundTrip: time.Since(start)}
	if err != nil {
		res.Detail = fmt.Sprintf("read failed: %v", err)
		return res
	}
	if got == "" {
		res.Detail = "no readiness announcement before settle window expired"
		return res
	}
	res.Pass = true
	return res
}

// checkCharStatus sends a bare `?` and expects a single status line
// containing "ok".
func (p *Prober) checkCharStatus() Result {
	return p.exchange("status", "?", p.cfg.StatusTimeout,
		func(b []byte) bool { return bytes.Contains(b, []byte("\n")) },
		func(got string) string {
			if !strings.Contains(got, "ok") {
				return fmt.Sprintf("status response %q does not contain %q", got, "ok")
			}
			if strings.Count(got, "\n") != 1 {
				return fmt.Sprintf("expected exactly one status line, got %q", got)
			}
			return ""
		})
}

// checkHeartbeat sends `!` and expects exactly the single byte 0x21 back.
func (p *Prober) checkHeartbeat() Result {
	return p.exchange("heartbeat", "!", p.cfg.AckTimeout,
		func(b []byte) bool { return len(b) >= 1 },
		func(got string) string {
			if got != "!" {
				return fmt.Sprintf("heartbeat response = %q, want %q", got, "!")
			}
			return ""
		})
}

// checkCharSilence sends a byte outside the command set and expects no
// output within one poll interval.
func (p *Prober) checkCharSilence() Result {
	start := time.Now()
	res := Result{Check: "unknown-char", Sent: "x"}
	if _, err := p.port.Write([]byte("x")); err != nil {
		res.Detail = fmt.Sprintf("write failed: %v", err)
		return res
	}
	got, err := p.readFor(p.cfg.QuietWindow)
	res.Received = got
	res.RoundTrip = time.Since(start)
	if err != nil {
		res.Detail = fmt.Sprintf("read failed: %v", err)
		return res
	}
	if got != "" {
		res.Detail = fmt.Sprintf("expected silence, got %q", got)
		return res
	}
	res.Pass = true
	return res
}

// checkLineStatus sends the `?` line and expects the labelled echo plus the
// status line.
func (p *Prober) checkLineStatus() Result {
	want := p.cfg.EchoLabel + "?\n" + echo.StatusLine
	return p.exchange("status", "?\n", p.cfg.StatusTimeout,
		func(b []byte) bool { return bytes.Contains(b, []byte("ok")) },
		func(got string) string {
			if got != want {
				return fmt.Sprintf("status response = %q, want %q", got, want)
			}
			return ""
		})
}

// checkLineEcho sends an arbitrary terminated line and expects it echoed
// byte-for-byte behind the label.
func (p *Prober) checkLineEcho() Result {
	want := p.cfg.EchoLabel + p.cfg.Token + "\n"
	return p.exchange("echo", p.cfg.Token+"\n", p.cfg.EchoTimeout,
		func(b []byte) bool { return bytes.Contains(b, []byte("\n")) },
		func(got string) string {
			if got != want {
				return fmt.Sprintf("echo response = %q, want %q", got, want)
			}
			return ""
		})
}

// checkTruncation sends an unterminated line and expects the line-read
// timeout to degrade it into a normal labelled echo, not an error.
func (p *Prober) checkTruncation() Result {
	want := p.cfg.EchoLabel + "hello\n"
	return p.exchange("truncation", "hello", p.cfg.StallTimeout,
		func(b []byte) bool { return bytes.Contains(b, []byte("\n")) },
		func(got string) string {
			if got != want {
				return fmt.Sprintf("truncated echo = %q, want %q", got, want)
			}
			return ""
		})
}

// checkSilence verifies the device emits nothing unsolicited while idle.
func (p *Prober) checkSilence() Result {
	start := time.Now()
	got, err := p.readFor(p.cfg.QuietWindow)
	res := Result{Check: "idle-silence", Received: got, RoundTrip: time.Since(start)}
	if err != nil {
		res.Detail = fmt.Sprintf("read failed: %v", err)
		return res
	}
	if got != "" {
		res.Detail = fmt.Sprintf("unsolicited output while idle: %q", got)
		return res
	}
	res.Pass = true
	return res
}

// checkIdempotence runs a check twice and verifies the responses are
// independent and identical: no session state carried over.
func (p *Prober) checkIdempotence(check func() Result) func() Result {
	return func() Result {
		first := check()
		second := check()
		res := Result{
			Check:     "idempotence",
			Sent:      first.Sent,
			Received:  second.Received,
			RoundTrip: first.RoundTrip + second.RoundTrip,
		}
		if !first.Pass || !second.Pass {
			res.Detail = fmt.Sprintf("repeated check failed: first=%q second=%q", first.Detail, second.Detail)
			return res
		}
		if first.Received != second.Received {
			res.Detail = fmt.Sprintf("responses differ across repeats: %q vs %q", first.Received, second.Received)
			return res
		}
		res.Pass = true
		return res
	}
}

// exchange writes a token, reads until the predicate is satisfied or the
// timeout expires, then validates the received bytes.
func (p *Prober) exchange(name, token string, timeout time.Duration, done func([]byte) bool, validate func(string) string) Result {
	res := Result{Check: name, Sent: token}

	start := time.Now()
	if _, err := p.port.Write([]byte(token)); err != nil {
		res.Detail = fmt.Sprintf("write failed: %v", err)
		return res
	}

	got, _, err := p.readUntil(timeout, done)
	res.Received = got
	res.RoundTrip = time.Since(start)
	if err != nil {
		res.Detail = fmt.Sprintf("read failed: %v", err)
		return res
	}

	if detail := validate(got); detail != "" {
		res.Detail = detail
		return res
	}
	res.Pass = true
	return res
}

// readUntil accumulates bytes until done reports true or the timeout
// expires, and reports how long the read took.
func (p *Prober) readUntil(timeout time.Duration, done func([]byte) bool) (string, time.Duration, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	var buf bytes.Buffer
	tmp := make([]byte, 256)
	for !done(buf.Bytes()) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := p.port.SetReadTimeout(remaining); err != nil {
			return buf.String(), time.Since(start), err
		}
		n, err := p.port.Read(tmp)
		if err != nil {
			return buf.String(), time.Since(start), err
		}
		if n == 0 {
			break // timed out
		}
		buf.Write(tmp[:n])
	}

	return buf.String(), time.Since(start), nil
}

// readFor drains everything the device sends within the window.
func (p *Prober) readFor(window time.Duration) (string, error) {
	got, _, err := p.readUntil(window, func([]byte) bool { return false })
	return got, err
}
