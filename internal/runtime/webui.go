package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/drblury/courier/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
)

// StatusReport is the body served by /api/roads.
type StatusReport struct {
	Roads       []RoadInfo          `json:"roads"`
	DeadLetters *DLQMetricsSnapshot `json:"dead_letters,omitempty"`
	Process     ResourceUsage       `json:"process"`
	Closed      bool                `json:"closed"`
	CollectedAt time.Time           `json:"collected_at"`
}

// Status collects the current road stats and dead letter metrics.
func (c *Courier) Status() StatusReport {
	report := StatusReport{
		Roads:       c.Roads(),
		Process:     c.resources().Snapshot(),
		Closed:      c.Closed(),
		CollectedAt: time.Now().UTC(),
	}
	if c.dlqMetrics != nil {
		snapshot := c.dlqMetrics.GetSnapshot()
		report.DeadLetters = &snapshot
	}
	return report
}

// StatsHandler serves the status report as JSON.
func (c *Courier) StatsHandler() http.Handler {
	return http.HandlerFunc(c.handleGetRoads)
}

func (c *Courier) handleGetRoads(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Set CORS headers based on configuration
	if len(c.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if allowedOrigin := c.allowedCORSOrigin(origin); allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	// Handle preflight requests
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, c.Status()); err != nil {
		c.Logger.Error("Failed to encode roads", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// allowedCORSOrigin checks if the request origin is allowed and returns the
// matching Access-Control-Allow-Origin value.
func (c *Courier) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range c.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

// RegisterHTTPHandler mounts handler on the HTTP server for port. Servers
// start with Run and stop with Close.
func (c *Courier) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	c.httpServersMu.Lock()
	defer c.httpServersMu.Unlock()

	if c.httpMuxes == nil {
		c.httpMuxes = make(map[int]*http.ServeMux)
	}

	mux, ok := c.httpMuxes[port]
	if !ok {
		mux = http.NewServeMux()
		c.httpMuxes[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (c *Courier) startObservability() {
	if c.Conf.WebUIEnabled {
		c.RegisterHTTPHandler(c.Conf.WebUIPort, "/api/roads", c.StatsHandler())
	}

	c.httpServersMu.Lock()
	defer c.httpServersMu.Unlock()

	for port, mux := range c.httpMuxes {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		c.httpServers = append(c.httpServers, srv)
		c.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (c *Courier) stopObservability() {
	c.httpServersMu.Lock()
	servers := c.httpServers
	c.httpServers = nil
	c.httpServersMu.Unlock()

	if len(servers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Conf.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			c.Logger.Error("HTTP server shutdown failed", err, loggingpkg.LogFields{"address": srv.Addr})
		}
	}
}
