// Package echo implements the serial echo responder: a poll loop that owns a
// serial endpoint, consumes one inbound token per iteration, and writes a
// deterministic response in the same iteration. It reproduces the behaviour
// of the bench-test firmware so host-side clients can be validated without
// hardware attached.
package echo

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parkside-labs/echobench/internal/monitoring"
	"github.com/parkside-labs/echobench/internal/serialport"
)

// StatusLine is the fixed state report written in response to `?`.
const StatusLine = "Request of the state received, the state is ok, if you read this.\n"

// Heartbeat is the single-byte liveness token: received `!` is answered with
// a raw `!` byte, nothing else.
const Heartbeat byte = '!'

// Echo labels prefixed to lines under the line policy.
const (
	DefaultLabel = "Received command: "
	AltLabel     = "Echoed command: "
)

// DefaultAnnouncement is the one-line readiness message emitted once after
// the port settles, when announcements are enabled.
const DefaultAnnouncement = "Echo responder ready.\n"

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// Policy selects how inbound bytes are consumed. The original firmware ships
// the two policies as separate sketches; here it is an explicit configuration
// choice made at startup, never at runtime.
type Policy int

const (
	// PolicyChar reads exactly one byte per iteration and answers only the
	// `?` and `!` tokens.
	PolicyChar Policy = iota
	// PolicyLine reads all pending bytes as one line, bounded by a line
	// terminator or the inactivity timeout, and echoes it with a label.
	PolicyLine
)

func (p Policy) String() string {
	switch p {
	case PolicyChar:
		return "char"
	case PolicyLine:
		return "line"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a flag value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "char", "character":
		return PolicyChar, nil
	case "line", "string":
		return PolicyLine, nil
	default:
		return PolicyChar, fmt.Errorf("unknown read policy %q: expected char or line", s)
	}
}

// State is the observable position of the responder in its loop. It exists
// so tests can audit the single-token-at-a-time guarantee.
type State int32

const (
	StateIdle State = iota
	StateConsuming
	StateResponding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConsuming:
		return "consuming"
	case StateResponding:
		return "responding"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Exchange records one consumed token and the response written for it. A
// token answered with silence has an empty Response.
type Exchange struct {
	Token     string    `json:"token"`
	Response  string    `json:"response"`
	Truncated bool      `json:"truncated,omitempty"`
	At        time.Time `json:"at"`
}

// Config holds the responder parameters fixed at startup.
type Config struct {
	Policy Policy

	// Label prefixes echoed lines under the line policy.
	Label string

	// Announce controls whether the readiness announcement is written once
	// the port has settled.
	Announce bool

	// Announcement overrides the default readiness text.
	Announcement string

	// SettleDelay is the pause after opening the port before the first
	// write. Not reliability-critical, it just lets the transport stabilise.
	SettleDelay time.Duration

	// PollDelay bounds the polling rate: it is both the idle read timeout
	// and the pause after each response.
	PollDelay time.Duration

	// LineTimeout is the inactivity bound on line reads. A stalled partial
	// line is processed as if complete once it expires.
	LineTimeout time.Duration
}

// Settle and poll delays observed across the firmware variants.
const (
	minSettleDelay = 2 * time.Millisecond
	maxSettleDelay = 50 * time.Millisecond
	minPollDelay   = 2 * time.Millisecond
	maxPollDelay   = 10 * time.Millisecond

	defaultSettleDelay = 20 * time.Millisecond
	defaultPollDelay   = 5 * time.Millisecond
	defaultLineTimeout = time.Second
)

// Normalise validates the config and applies defaults for any unset values.
func (c Config) Normalise() (Config, error) {
	cfg := c

	if cfg.Label == "" {
		cfg.Label = DefaultLabel
	}
	if cfg.Announcement == "" {
		cfg.Announcement = DefaultAnnouncement
	}
	if !strings.HasSuffix(cfg.Announcement, "\n") {
		cfg.Announcement += "\n"
	}

	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.SettleDelay < minSettleDelay || cfg.SettleDelay > maxSettleDelay {
		return cfg, fmt.Errorf("settle delay %v out of range [%v, %v]", cfg.SettleDelay, minSettleDelay, maxSettleDelay)
	}

	if cfg.PollDelay == 0 {
		cfg.PollDelay = defaultPollDelay
	}
	if cfg.PollDelay < minPollDelay || cfg.PollDelay > maxPollDelay {
		return cfg, fmt.Errorf("poll delay %v out of range [%v, %v]", cfg.PollDelay, minPollDelay, maxPollDelay)
	}

	if cfg.LineTimeout == 0 {
		cfg.LineTimeout = defaultLineTimeout
	}
	if cfg.LineTimeout < 0 {
		return cfg, fmt.Errorf("line timeout must be positive, got %v", cfg.LineTimeout)
	}

	return cfg, nil
}

// Responder owns a serial endpoint and answers inbound tokens according to
// its read policy. Exactly one token is in flight at a time; responses are
// written synchronously in the iteration that consumed the token.
type Responder struct {
	port serialport.TimeoutPorter
	cfg  Config

	state     atomic.Int32
	exchanges atomic.Int64
	startedAt atomic.Int64 // unix nanos; zero until Run starts

	writeMu sync.Mutex

	subscribers  map[string]chan Exchange
	subscriberMu sync.Mutex
}

// New creates a Responder over the given port. The config is normalised and
// validated; an invalid delay or policy is rejected up front rather than
// silently clamped.
func New(port serialport.TimeoutPorter, cfg Config) (*Responder, error) {
	cfg, err := cfg.Normalise()
	if err != nil {
		return nil, err
	}
	return &Responder{
		port:        port,
		cfg:         cfg,
		subscribers: make(map[string]chan Exchange),
	}, nil
}

// Config returns the normalised configuration the responder runs with.
func (r *Responder) Config() Config { return r.cfg }

// State reports where the responder currently is in its loop.
func (r *Responder) State() State { return State(r.state.Load()) }

func (r *Responder) setState(s State) { r.state.Store(int32(s)) }

// Exchanges reports the number of tokens consumed since Run started.
func (r *Responder) Exchanges() int64 { return r.exchanges.Load() }

// Uptime reports how long the responder has been running. Safe to call from
// other goroutines while Run is starting.
func (r *Responder) Uptime() time.Duration {
	started := r.startedAt.Load()
	if started == 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() - started)
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a new channel for receiving exchanges as the responder
// processes them. The returned ID identifies the channel when unsubscribing.
func (r *Responder) Subscribe() (string, chan Exchange) {
	id := randomID()
	ch := make(chan Exchange, 16)
	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	r.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (r *Responder) Unsubscribe(id string) {
	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	if ch, ok := r.subscribers[id]; ok {
		close(ch)
		delete(r.subscribers, id)
	}
}

func (r *Responder) publish(e Exchange) {
	r.subscriberMu.Lock()
	for _, ch := range r.subscribers {
		select {
		case ch <- e:
		default:
			// skip full subscribers so the poll loop never blocks on them
		}
	}
	r.subscriberMu.Unlock()
}

// Send writes raw text out the port, outside the request/response loop. It
// is a debug convenience: the write is serialised against in-loop responses
// and a trailing newline is appended if missing.
func (r *Responder) Send(text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return r.write([]byte(text))
}

func (r *Responder) write(p []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	n, err := r.port.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return ErrWriteFailed
	}
	return nil
}

// Run executes the responder loop until the context is cancelled or the port
// fails: settle, optionally announce readiness, then poll forever. A peer
// closing the link ends the loop without error, mirroring a host unplugging.
func (r *Responder) Run(ctx context.Context) error {
	r.startedAt.Store(time.Now().UnixNano())
	defer r.setState(StateIdle)

	if err := sleepCtx(ctx, r.cfg.SettleDelay); err != nil {
		return err
	}
	if r.cfg.Announce {
		if err := r.write([]byte(r.cfg.Announcement)); err != nil {
			return fmt.Errorf("failed to announce readiness: %w", err)
		}
	}

	one := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.setState(StateIdle)
		if err := r.port.SetReadTimeout(r.cfg.PollDelay); err != nil {
			return fmt.Errorf("failed to set poll timeout: %w", err)
		}
		n, err := r.port.Read(one)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read from serial port: %w", err)
		}
		if n == 0 {
			// idle iteration; the poll timeout doubles as the loop delay
			continue
		}

		r.setState(StateConsuming)
		var ex Exchange
		switch r.cfg.Policy {
		case PolicyLine:
			line, truncated := r.readLine(one[0])
			ex = r.lineExchange(line, truncated)
		default:
			ex = r.charExchange(one[0])
		}

		r.setState(StateResponding)
		if ex.Response != "" {
			if err := r.write([]byte(ex.Response)); err != nil {
				return fmt.Errorf("failed to write response: %w", err)
			}
		}

		ex.At = time.Now()
		r.exchanges.Add(1)
		r.publish(ex)
		monitoring.Logf("echo: token=%q response=%q truncated=%v", ex.Token, ex.Response, ex.Truncated)

		if err := sleepCtx(ctx, r.cfg.PollDelay); err != nil {
			return err
		}
	}
}

// charExchange answers a single byte: `?` gets the status line, `!` gets a
// raw `!` back, anything else is consumed silently.
func (r *Responder) charExchange(b byte) Exchange {
	ex := Exchange{Token: string(b)}
	switch b {
	case '?':
		ex.Response = StatusLine
	case Heartbeat:
		ex.Response = string(Heartbeat)
	}
	return ex
}

// lineExchange echoes the line verbatim behind the label, and appends the
// status line when the line is exactly `?`.
func (r *Responder) lineExchange(line string, truncated bool) Exchange {
	response := r.cfg.Label + line + "\n"
	if line == "?" {
		response += StatusLine
	}
	return Exchange{Token: line, Response: response, Truncated: truncated}
}

// readLine consumes pending bytes one at a time until a line terminator or
// until LineTimeout passes with no new byte. The token is consumed
// byte-by-byte so nothing beyond the terminator is stolen from the next
// iteration. A timed-out partial line is returned as if complete.
func (r *Responder) readLine(first byte) (line string, truncated bool) {
	var buf bytes.Buffer
	if first == '\n' {
		return "", false
	}
	buf.WriteByte(first)

	one := make([]byte, 1)
	for {
		if err := r.port.SetReadTimeout(r.cfg.LineTimeout); err != nil {
			break
		}
		n, err := r.port.Read(one)
		if err != nil || n == 0 {
			truncated = true
			break
		}
		if one[0] == '\n' {
			break
		}
		buf.WriteByte(one[0])
	}

	return strings.TrimSuffix(buf.String(), "\r"), truncated
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
