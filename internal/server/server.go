package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPOptions configures the HTTP side: health reporting and, optionally,
// the event stream over WebSocket.
type HTTPOptions struct {
	// Ready reports whether models have finished loading.
	Ready      func() bool
	Handler    *Handler
	WebSocket  bool
	PathPrefix string
	// Context ends WebSocket sessions on shutdown.
	Context context.Context
}

type health struct {
	Status   string `json:"status"`
	Sessions int64  `json:"sessions"`
}

// NewHTTPHandler builds the HTTP routes, instrumented with otelhttp.
func NewHTTPHandler(o HTTPOptions) http.Handler {
	if o.Context == nil {
		o.Context = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h := health{Status: "ready"}
		code := http.StatusOK
		if o.Ready != nil && !o.Ready() {
			h.Status = "loading"
			code = http.StatusServiceUnavailable
		}
		if o.Handler != nil {
			h.Sessions = o.Handler.Active()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(h)
	})

	if o.WebSocket && o.Handler != nil {
		prefix := strings.TrimRight(o.PathPrefix, "/")
		if prefix == "" {
			prefix = "/ws"
		}
		events := serveWS(o.Context, o.Handler)
		mux.HandleFunc(prefix+"/events", func(w http.ResponseWriter, r *http.Request) {
			if o.Ready != nil && !o.Ready() {
				http.Error(w, "models are loading", http.StatusServiceUnavailable)
				return
			}
			events(w, r)
		})
	}
	return otelhttp.NewHandler(mux, "voicegate.http")
}
