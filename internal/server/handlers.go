package server

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Guliveer/twitch-eventsub-go/internal/eventsub"
)

func (s *StatusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	components := s.getComponentStatuses()
	status, code := "ok", http.StatusOK
	for _, c := range components {
		if !c.Running {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}

	subs := s.getSubscriptions()
	counts := make(map[string]int)
	for _, sub := range subs {
		counts[sub.Status.String()]++
	}

	writeJSON(w, code, healthResponse{
		Status:        status,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Subscriptions: len(subs),
		ByStatus:      counts,
		Components:    components,
	})
}

// handleSubscriptions lists subscriptions, optionally filtered by
// ?status= and ?type=.
func (s *StatusServer) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	status := strings.ToLower(r.URL.Query().Get("status"))
	typ := r.URL.Query().Get("type")

	subs := s.getSubscriptions()
	result := make([]eventsub.Subscription, 0, len(subs))
	for _, sub := range subs {
		if status != "" && sub.Status.String() != status {
			continue
		}
		if typ != "" && sub.Topic.Type != typ {
			continue
		}
		result = append(result, sub)
	}
	slices.SortFunc(result, func(a, b eventsub.Subscription) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	writeJSON(w, http.StatusOK, result)
}

func (s *StatusServer) handleSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, sub := range s.getSubscriptions() {
		if sub.ID == id {
			writeJSON(w, http.StatusOK, sub)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "subscription not found"})
}

type healthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Subscriptions int               `json:"subscriptions"`
	ByStatus      map[string]int    `json:"by_status"`
	Components    []ComponentStatus `json:"components,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v) //nolint:errcheck
}
