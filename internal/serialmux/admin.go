package serialmux

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/mmwave/internal/httputil"
	"github.com/banshee-data/mmwave/internal/monitoring"
	"github.com/banshee-data/mmwave/internal/sink"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// Commander accepts sensor CLI commands.
type Commander interface {
	SendCommand(command string) error
}

// Admin serves the sensor debugging endpoints under /debug/. The routes are
// only reachable from localhost or over Tailscale.
type Admin struct {
	Commands Commander
	// Lines carries command channel output.
	Lines *sink.Tap
	// Frames carries rendered frames.
	Frames  *sink.Tap
	Metrics *monitoring.Metrics
	// Stats returns per-component snapshots for the stats endpoint.
	Stats func() map[string]map[string]any
}

func (a *Admin) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// Basic command / live tail monitor interface using the below API endpoints.
	debug.HandleFunc("send-command", "send a command to the sensor CLI", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, struct{ Prefix string }{"/debug/"}); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	// API endpoint to queue a command on the command channel
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodPost) {
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if a.Commands == nil {
			http.Error(w, "No command channel", http.StatusServiceUnavailable)
			return
		}
		if err := a.Commands.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	debug.HandleSilentFunc("tail", sseHandler(a.Lines))
	debug.HandleSilentFunc("tail-frames", sseHandler(a.Frames))

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")

		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})

	debug.Handle("counters", "frame, byte and resync counters (Prometheus text)", a.Metrics.Handler())

	debug.HandleFunc("stats", "channel and framer statistics", func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]map[string]any{}
		if a.Stats != nil {
			stats = a.Stats()
		}
		httputil.WriteJSON(w, http.StatusOK, stats)
	})
}

// sseHandler streams lines from tap as Server-Sent Events.
func sseHandler(tap *sink.Tap) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		if tap == nil {
			http.Error(w, "Not available", http.StatusNotFound)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := tap.Subscribe()
		defer tap.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}
