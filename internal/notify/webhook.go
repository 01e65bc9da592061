package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Guliveer/twitch-eventsub-go/internal/model"
)

// Webhook calls an arbitrary HTTP endpoint. POST sends a JSON body; GET
// puts the fields into the query string.
type Webhook struct {
	baseNotifier
	url        string
	method     string
	httpClient *http.Client
}

type webhookPayload struct {
	Event     string `json:"event"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (w *Webhook) Send(ctx context.Context, event model.Event, title, message string) error {
	switch m := strings.ToUpper(w.method); m {
	case http.MethodPost:
		return post(ctx, w.httpClient, "webhook", w.url, webhookPayload{
			Event:     string(event),
			Title:     title,
			Message:   message,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	case http.MethodGet:
		u, err := url.Parse(w.url)
		if err != nil {
			return fmt.Errorf("webhook: parse url: %w", err)
		}
		q := u.Query()
		q.Set("event_name", string(event))
		q.Set("title", title)
		q.Set("message", message)
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return fmt.Errorf("webhook: create request: %w", err)
		}
		return do(w.httpClient, "webhook", req)
	default:
		return fmt.Errorf("webhook: unsupported method %q (use GET or POST)", m)
	}
}
