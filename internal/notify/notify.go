package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Notifier receives business events worth a human's attention.
// Implementations must not block request handling for long.
type Notifier interface {
	UserCreated(ctx context.Context, email, site string) error
	FreeLimitReached(ctx context.Context, email string, totalQuestions int64) error
	SubscriptionStarted(ctx context.Context, email, tier string, amount float64) error
	SubscriptionCancelled(ctx context.Context, customerID string) error
}

// LogNotifier writes events to the process log.
type LogNotifier struct{}

var _ Notifier = LogNotifier{}

func (LogNotifier) UserCreated(_ context.Context, email, site string) error {
	log.Printf("notify: new user %s from %s", email, site)
	return nil
}

func (LogNotifier) FreeLimitReached(_ context.Context, email string, total int64) error {
	log.Printf("notify: %s reached the free limit after %d questions", email, total)
	return nil
}

func (LogNotifier) SubscriptionStarted(_ context.Context, email, tier string, amount float64) error {
	log.Printf("notify: %s subscribed to %s ($%.2f)", email, tier, amount)
	return nil
}

func (LogNotifier) SubscriptionCancelled(_ context.Context, customerID string) error {
	log.Printf("notify: subscription cancelled for customer %s", customerID)
	return nil
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	Fields    []SlackField `json:"fields"`
	Footer    string       `json:"footer"`
	Timestamp int64        `json:"ts"`
}

type SlackWebhookRequest struct {
	Username    string            `json:"username"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments"`
}

const Username = "Entitlements"

// WebhookNotifier posts Slack-compatible messages to an incoming webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
	now    func() time.Time
}

var _ Notifier = (*WebhookNotifier)(nil)

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		now:    time.Now,
	}
}

func (n *WebhookNotifier) UserCreated(ctx context.Context, email, site string) error {
	return n.send(ctx, ":wave: *New user*", "good", []SlackField{
		{Title: "Email", Value: email, Short: true},
		{Title: "Site", Value: site, Short: true},
	})
}

func (n *WebhookNotifier) FreeLimitReached(ctx context.Context, email string, total int64) error {
	return n.send(ctx, ":warning: *Free limit reached*", "warning", []SlackField{
		{Title: "Email", Value: email, Short: true},
		{Title: "Questions", Value: fmt.Sprintf("%d", total), Short: true},
	})
}

func (n *WebhookNotifier) SubscriptionStarted(ctx context.Context, email, tier string, amount float64) error {
	return n.send(ctx, ":tada: *New subscription*", "good", []SlackField{
		{Title: "Email", Value: email, Short: true},
		{Title: "Tier", Value: tier, Short: true},
		{Title: "Amount", Value: fmt.Sprintf("$%.2f", amount), Short: true},
	})
}

func (n *WebhookNotifier) SubscriptionCancelled(ctx context.Context, customerID string) error {
	return n.send(ctx, ":x: *Subscription cancelled*", "danger", []SlackField{
		{Title: "Customer", Value: customerID, Short: true},
	})
}

func (n *WebhookNotifier) send(ctx context.Context, text, color string, fields []SlackField) error {
	payload := SlackWebhookRequest{
		Username:  Username,
		IconEmoji: ":moneybag:",
		Text:      text,
		Attachments: []SlackAttachment{
			{
				Color:     color,
				Title:     text,
				Fields:    fields,
				Footer:    Username,
				Timestamp: n.now().Unix(),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build Slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("Slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Async runs a notification off the request path and logs failures.
// The context is detached so the event survives the request finishing.
func Async(ctx context.Context, name string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("notify: %s failed: %v", name, err)
		}
	}()
}
