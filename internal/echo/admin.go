package echo

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"
)

// AttachAdminRoutes attaches debugging endpoints to the given HTTP mux served
// at /debug/. These routes are accessible only over localhost/via Tailscale
// and are not publicly accessible.
func (r *Responder) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("responder", "current responder state", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"policy":    r.cfg.Policy.String(),
			"state":     r.State().String(),
			"exchanges": r.Exchanges(),
			"uptime_s":  r.Uptime().Seconds(),
		})
	})

	// API endpoint to push raw text out the serial port, bypassing the
	// request/response loop.
	debug.HandleSilentFunc("send-api", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		text := strings.TrimSpace(req.FormValue("text"))
		if text == "" {
			http.Error(w, "Missing text", http.StatusBadRequest)
			return
		}
		if err := r.Send(text); err != nil {
			http.Error(w, "Failed to write to port", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote %q to serial port", text))
	})

	// Server-Sent Events stream of exchanges as the responder processes them.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := r.Subscribe()
		defer r.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case ex, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(ex)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-req.Context().Done():
				return
			}
		}
	})
}
