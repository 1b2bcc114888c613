// Package httpapi bundles the plain-HTTP operational surface that lives next
// to the websocket endpoint: liveness, readiness, metrics, activity counters,
// and the admin-gated journal dump.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"roomcast/signaling/internal/journal"
	"roomcast/signaling/internal/logging"
	"roomcast/signaling/internal/router"
)

// RouterStats exposes the router occupancy the operational endpoints report.
type RouterStats interface {
	Snapshot() router.Stats
	Uptime() time.Duration
	ActiveUserCount() int
	ActiveUsersInRoom(roomID string) []string
}

// JournalSource streams and summarises the signaling journal.
type JournalSource interface {
	Dump(w io.Writer) error
	Stats() journal.Stats
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Router      RouterStats
	Journal     JournalSource
	Activity    *ActivityReader
	StoreCheck  func(ctx context.Context) error
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the signaling server's operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	router      RouterStats
	journal     JournalSource
	activity    *ActivityReader
	storeCheck  func(ctx context.Context) error
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		router:      opts.Router,
		journal:     opts.Journal,
		activity:    opts.Activity,
		storeCheck:  opts.StoreCheck,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/activity", h.ActivityHandler())
	mux.HandleFunc("/journal/dump", h.JournalDumpHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports router occupancy and store reachability. A failing
// store degrades routing features but the endpoint still answers, so the
// status carries the detail.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
		Rooms         int     `json:"rooms"`
		Forwarders    int     `json:"forwarders"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.router != nil {
			stats := h.router.Snapshot()
			resp.Clients = stats.Clients
			resp.Rooms = stats.Rooms
			resp.Forwarders = stats.Forwarders
			resp.UptimeSeconds = h.router.Uptime().Seconds()
		}
		if h.storeCheck != nil {
			if err := h.storeCheck(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "degraded"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if h.router != nil {
			stats := h.router.Snapshot()
			fmt.Fprintf(w, "# HELP signaling_uptime_seconds Server uptime in seconds.\n")
			fmt.Fprintf(w, "# TYPE signaling_uptime_seconds gauge\n")
			fmt.Fprintf(w, "signaling_uptime_seconds %.0f\n", h.router.Uptime().Seconds())

			fmt.Fprintf(w, "# HELP signaling_clients Currently connected peer sockets.\n")
			fmt.Fprintf(w, "# TYPE signaling_clients gauge\n")
			fmt.Fprintf(w, "signaling_clients %d\n", stats.Clients)

			fmt.Fprintf(w, "# HELP signaling_rooms Rooms with at least one connected peer.\n")
			fmt.Fprintf(w, "# TYPE signaling_rooms gauge\n")
			fmt.Fprintf(w, "signaling_rooms %d\n", stats.Rooms)

			fmt.Fprintf(w, "# HELP signaling_forwarders Registered forwarding connections.\n")
			fmt.Fprintf(w, "# TYPE signaling_forwarders gauge\n")
			fmt.Fprintf(w, "signaling_forwarders %d\n", stats.Forwarders)

			fmt.Fprintf(w, "# HELP signaling_active_users Distinct identities across all rooms.\n")
			fmt.Fprintf(w, "# TYPE signaling_active_users gauge\n")
			fmt.Fprintf(w, "signaling_active_users %d\n", h.router.ActiveUserCount())

			fmt.Fprintf(w, "# HELP signaling_pending_requests Outstanding request correlations.\n")
			fmt.Fprintf(w, "# TYPE signaling_pending_requests gauge\n")
			fmt.Fprintf(w, "signaling_pending_requests %d\n", stats.PendingRequests)

			fmt.Fprintf(w, "# HELP signaling_broadcasts_total Total publish fan-outs delivered.\n")
			fmt.Fprintf(w, "# TYPE signaling_broadcasts_total counter\n")
			fmt.Fprintf(w, "signaling_broadcasts_total %d\n", stats.Broadcasts)
		}
		if h.journal != nil {
			stats := h.journal.Stats()
			fmt.Fprintf(w, "# HELP signaling_journal_events_total Events persisted to the journal.\n")
			fmt.Fprintf(w, "# TYPE signaling_journal_events_total counter\n")
			fmt.Fprintf(w, "signaling_journal_events_total %d\n", stats.Recorded)
			fmt.Fprintf(w, "# HELP signaling_journal_dropped_total Events dropped due to journal backpressure.\n")
			fmt.Fprintf(w, "# TYPE signaling_journal_dropped_total counter\n")
			fmt.Fprintf(w, "signaling_journal_dropped_total %d\n", stats.Dropped)
		}
	}
}

// ActivityHandler reports how long ago identities and rooms were last created
// or accessed, in the coarse human-readable form the status pages expect.
func (h *HandlerSet) ActivityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.activity == nil {
			http.Error(w, "activity tracking is unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, h.activity.Read(r.Context()))
	}
}

// JournalDumpHandler authorises and streams a compressed journal artifact.
func (h *HandlerSet) JournalDumpHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "journal_dump"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("journal dump denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("journal dump denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("journal dump denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.journal == nil {
			reqLogger.Warn("journal dump denied: no journal configured")
			http.Error(w, "journal is unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/zstd")
		w.Header().Set("Content-Disposition", `attachment; filename="signaling-journal.zst"`)
		if err := h.journal.Dump(w); err != nil {
			// Headers may already be on the wire; all we can do is log.
			reqLogger.Error("journal dump failed", logging.Error(err))
			return
		}
		reqLogger.Info("journal dump streamed")
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
