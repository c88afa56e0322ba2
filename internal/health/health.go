// Package health serves the liveness and readiness probes of auctiond.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
)

// Status is the body of both probes.
type Status struct {
	Status    string            `json:"status"`
	Role      string            `json:"role,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
	Groups    map[string]int    `json:"groups,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Checker defines a named health check function, such as a store ping.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Role reports whether this replica leads.
type Role interface {
	IsLeader() bool
}

// Groups reports the live subscriber groups.
type Groups interface {
	Groups() []string
	Count(tournamentID string) int
}

// Handler provides HTTP health check endpoints.
type Handler struct {
	mu       sync.RWMutex
	ready    bool
	checkers []Checker
	role     Role
	groups   Groups
	clock    clock.Clock
}

// NewHandler creates a new health handler with the given checkers.
func NewHandler(clk clock.Clock, checkers ...Checker) *Handler {
	return &Handler{checkers: checkers, clock: clk}
}

// Describe adds the replica role and subscriber counts to readiness
// responses. Either may be nil.
func (h *Handler) Describe(role Role, groups Groups) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.role = role
	h.groups = groups
}

// SetReady marks the service as ready to receive traffic.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Status{
			Status:    "ok",
			Timestamp: h.now(),
		})
	}
}

// ReadinessHandler returns HTTP 200 once SetReady(true) was called and
// every checker passes. Followers are ready: they serve viewers.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		ready, role, groups := h.ready, h.role, h.groups
		h.mu.RUnlock()

		if !ready {
			writeJSON(w, http.StatusServiceUnavailable, Status{
				Status:    "not_ready",
				Timestamp: h.now(),
			})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := make(map[string]string, len(h.checkers))
		allOK := true
		for _, c := range h.checkers {
			if err := c.Check(ctx); err != nil {
				checks[c.Name] = err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
		}

		s := Status{
			Status:    "ready",
			Checks:    checks,
			Timestamp: h.now(),
		}
		if role != nil {
			s.Role = "follower"
			if role.IsLeader() {
				s.Role = "leader"
			}
		}
		if groups != nil {
			s.Groups = make(map[string]int)
			for _, tid := range groups.Groups() {
				s.Groups[tid] = groups.Count(tid)
			}
		}

		code := http.StatusOK
		if !allOK {
			s.Status = "not_ready"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, s)
	}
}

func (h *Handler) now() string {
	return h.clock.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
