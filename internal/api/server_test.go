package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkside-labs/echobench/internal/db"
	"github.com/parkside-labs/echobench/internal/echo"
	"github.com/parkside-labs/echobench/internal/monitoring"
	"github.com/parkside-labs/echobench/internal/serialport"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func newTestResponder(t *testing.T) (*echo.Responder, *serialport.SimPort) {
	t.Helper()

	host, device := serialport.NewLink()
	r, err := echo.New(device, echo.Config{
		Policy:      echo.PolicyLine,
		SettleDelay: 2 * time.Millisecond,
		PollDelay:   2 * time.Millisecond,
	})
	require.NoError(t, err)

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

	return r, host
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestShowStatus(t *testing.T) {
	r, _ := newTestResponder(t)
	srv := httptest.NewServer(NewServer(r, nil).ServeMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, true, status["responder"])
	assert.Equal(t, "line", status["policy"])
	assert.Equal(t, echo.DefaultLabel, status["label"])
	assert.Contains(t, []any{"idle", "consuming", "responding"}, status["state"])
}

func TestShowStatus_MethodNotAllowed(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil, nil).ServeMux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/status", "text/plain", strings.NewReader(""))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSendCommand(t *testing.T) {
	r, host := newTestResponder(t)
	srv := httptest.NewServer(NewServer(r, nil).ServeMux())
	defer srv.Close()

	resp, err := http.PostForm(srv.URL+"/command", url.Values{"text": {"banner"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// the injected text goes out the port with a newline appended
	host.SetReadTimeout(time.Second)
	buf := make([]byte, 32)
	n, err := host.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "banner\n", string(buf[:n]))
}

func TestSendCommand_Validation(t *testing.T) {
	r, _ := newTestResponder(t)
	srv := httptest.NewServer(NewServer(r, nil).ServeMux())
	defer srv.Close()

	// missing text
	resp, err := http.PostForm(srv.URL+"/command", url.Values{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// wrong method
	resp, err = http.Get(srv.URL + "/command")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSendCommand_NoResponder(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil, newTestDB(t)).ServeMux())
	defer srv.Close()

	resp, err := http.PostForm(srv.URL+"/command", url.Values{"text": {"x"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSessions(t *testing.T) {
	d := newTestDB(t)
	session := db.Session{
		ID: "s-1", Port: "/dev/ttyUSB0", BaudRate: 115200,
		Checks: 5, Passed: 4, StartedAt: time.Now(),
	}
	require.NoError(t, d.RecordSession(session))

	srv := httptest.NewServer(NewServer(nil, d).ServeMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sessions []db.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s-1", sessions[0].ID)
	assert.Equal(t, 4, sessions[0].Passed)
}

func TestListSessions_InvalidLimit(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil, newTestDB(t)).ServeMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListExchanges(t *testing.T) {
	d := newTestDB(t)
	require.NoError(t, d.RecordSession(db.Session{ID: "s-1", Port: "p", BaudRate: 115200, StartedAt: time.Now()}))
	require.NoError(t, d.RecordExchange(db.ExchangeRow{
		SessionID: "s-1", Check: "status", Sent: "?", Received: "ok", RoundTripMs: 3.5, Pass: true,
	}))

	srv := httptest.NewServer(NewServer(nil, d).ServeMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/exchanges?session=s-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var exchanges []db.ExchangeRow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&exchanges))
	require.Len(t, exchanges, 1)
	assert.Equal(t, "status", exchanges[0].Check)
	assert.True(t, exchanges[0].Pass)
}

func TestListExchanges_RequiresSession(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil, newTestDB(t)).ServeMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/exchanges")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListSessions_NoStore(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil, nil).ServeMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLoggingMiddleware_PassesThrough(t *testing.T) {
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
