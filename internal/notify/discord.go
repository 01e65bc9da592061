package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Guliveer/twitch-eventsub-go/internal/model"
)

// Discord posts embeds to a Discord channel webhook.
type Discord struct {
	baseNotifier
	webhookURL string
	httpClient *http.Client
}

// Embed colors.
const (
	colorTwitch = 6570404
	colorRed    = 15158332
	colorOrange = 15105570
	colorGreen  = 3066993
)

func embedColor(event model.Event) int {
	switch event {
	case model.EventConnectionLost, model.EventSubscriptionRevoked, model.EventReplayFailed:
		return colorRed
	case model.EventSessionReconnect:
		return colorOrange
	case model.EventStreamOnline, model.EventSessionWelcome:
		return colorGreen
	}
	return colorTwitch
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

type discordMessage struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

func (d *Discord) Send(ctx context.Context, event model.Event, title, message string) error {
	embed := discordEmbed{Title: title, Description: message, Color: embedColor(event)}
	embed.Footer.Text = string(event)
	return post(ctx, d.httpClient, "discord", d.webhookURL, discordMessage{
		Username: "Twitch EventSub",
		Embeds:   []discordEmbed{embed},
	})
}

// post sends payload as JSON.
func post(ctx context.Context, client *http.Client, provider, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(client, provider, req)
}

// do treats any 4xx or 5xx answer as a failed delivery.
func do(client *http.Client, provider string, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", provider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: unexpected status %d", provider, resp.StatusCode)
	}
	return nil
}
