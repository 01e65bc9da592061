package helix

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Guliveer/twitch-eventsub-go/internal/model"
)

// CreateSubscriptionRequest is the body of POST eventsub/subscriptions.
type CreateSubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport model.Transport   `json:"transport"`
}

// SubscriptionPage is one page of GET eventsub/subscriptions.
type SubscriptionPage struct {
	Data         []model.Subscription `json:"data"`
	Total        int                  `json:"total"`
	TotalCost    int                  `json:"total_cost"`
	MaxTotalCost int                  `json:"max_total_cost"`
	Pagination   struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// ListFilter narrows GET eventsub/subscriptions. Twitch accepts at most one
// of Status, Type and UserID per request.
type ListFilter struct {
	Status string
	Type   string
	UserID string
	After  string
}

func (f ListFilter) query() url.Values {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.UserID != "" {
		q.Set("user_id", f.UserID)
	}
	if f.After != "" {
		q.Set("after", f.After)
	}
	return q
}

// CreateEventSubSubscription registers a subscription and returns the
// server's representation of it, including the assigned id.
func (c *Client) CreateEventSubSubscription(ctx context.Context, req CreateSubscriptionRequest) (*model.Subscription, error) {
	var page SubscriptionPage
	if err := c.do(ctx, "create_subscription", http.MethodPost, "eventsub/subscriptions", nil, req, &page); err != nil {
		return nil, err
	}
	if len(page.Data) == 0 {
		return nil, fmt.Errorf("create_subscription: response contained no subscription")
	}
	sub := page.Data[0]
	c.log.Debug("Created EventSub subscription",
		"subscription", sub.ID, "type", sub.Type, "status", sub.Status, "cost", sub.Cost)
	return &sub, nil
}

// DeleteEventSubSubscription removes a subscription by id. A subscription the
// server does not know yields an error matching ErrNotFound.
func (c *Client) DeleteEventSubSubscription(ctx context.Context, id string) error {
	q := url.Values{"id": {id}}
	return c.do(ctx, "delete_subscription", http.MethodDelete, "eventsub/subscriptions", q, nil, nil)
}

// GetEventSubSubscriptions fetches a single page of subscriptions.
func (c *Client) GetEventSubSubscriptions(ctx context.Context, filter ListFilter) (*SubscriptionPage, error) {
	var page SubscriptionPage
	if err := c.do(ctx, "list_subscriptions", http.MethodGet, "eventsub/subscriptions", filter.query(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// AllEventSubSubscriptions follows pagination and returns every subscription
// matching filter.
func (c *Client) AllEventSubSubscriptions(ctx context.Context, filter ListFilter) ([]model.Subscription, error) {
	var all []model.Subscription
	seen := make(map[string]bool)
	for {
		page, err := c.GetEventSubSubscriptions(ctx, filter)
		if err != nil {
			return nil, err
		}
		for _, sub := range page.Data {
			if seen[sub.ID] {
				continue
			}
			seen[sub.ID] = true
			all = append(all, sub)
		}
		next := page.Pagination.Cursor
		if next == "" || next == filter.After || len(page.Data) == 0 {
			return all, nil
		}
		filter.After = next
	}
}
