package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/reconx/resilientd/internal/domain"
)

const webhookTimeout = 10 * time.Second

// severityColors maps severity to Discord embed colors.
var severityColors = map[domain.Severity]int{
	domain.SeverityInfo:     0x00FF00,
	domain.SeverityWarning:  0xFFCC00,
	domain.SeverityCritical: 0xFF0000,
}

// DiscordChannel posts events as webhook embeds.
type DiscordChannel struct {
	webhookURL string
	httpClient *http.Client
}

// NewDiscordChannel creates a Discord webhook channel.
func NewDiscordChannel(webhookURL string) *DiscordChannel {
	return &DiscordChannel{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: webhookTimeout},
	}
}

func (c *DiscordChannel) Name() string { return "discord" }

func (c *DiscordChannel) Send(ctx context.Context, event domain.Event) error {
	embed := map[string]any{
		"title":       event.Title,
		"description": event.Message,
		"color":       severityColors[event.Severity],
		"timestamp":   event.At.UTC().Format(time.RFC3339),
		"footer":      map[string]string{"text": "resilientd"},
	}
	if len(event.Fields) > 0 {
		var fields []map[string]any
		for k, v := range event.Fields {
			fields = append(fields, map[string]any{"name": k, "value": v, "inline": true})
		}
		embed["fields"] = fields
	}

	return postJSON(ctx, c.httpClient, c.webhookURL, map[string]any{"embeds": []any{embed}})
}

// TelegramChannel sends events via the Telegram bot API.
type TelegramChannel struct {
	botToken   string
	chatID     string
	httpClient *http.Client
}

// NewTelegramChannel creates a Telegram bot channel.
func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken:   botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: webhookTimeout},
	}
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Send(ctx context.Context, event domain.Event) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s*\n\n%s", event.Title, event.Message)
	for k, v := range event.Fields {
		fmt.Fprintf(&sb, "\n*%s*: %s", k, v)
	}

	payload := map[string]any{
		"chat_id":                  c.chatID,
		"text":                     sb.String(),
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.botToken)
	return postJSON(ctx, c.httpClient, url, payload)
}

// SlackChannel posts events as webhook attachments.
type SlackChannel struct {
	webhookURL string
	httpClient *http.Client
}

// NewSlackChannel creates a Slack webhook channel.
func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: webhookTimeout},
	}
}

func (c *SlackChannel) Name() string { return "slack" }

var slackColors = map[domain.Severity]string{
	domain.SeverityInfo:     "#00FF00",
	domain.SeverityWarning:  "#FFCC00",
	domain.SeverityCritical: "#FF0000",
}

func (c *SlackChannel) Send(ctx context.Context, event domain.Event) error {
	attachment := map[string]any{
		"color":  slackColors[event.Severity],
		"title":  event.Title,
		"text":   event.Message,
		"footer": "resilientd",
		"ts":     event.At.Unix(),
	}
	if len(event.Fields) > 0 {
		var fields []map[string]any
		for k, v := range event.Fields {
			fields = append(fields, map[string]any{"title": k, "value": v, "short": true})
		}
		attachment["fields"] = fields
	}

	return postJSON(ctx, c.httpClient, c.webhookURL, map[string]any{"attachments": []any{attachment}})
}

// TermuxChannel raises a local Android notification. Best effort: on a
// non-Termux host the binary is missing and the send just errors.
type TermuxChannel struct {
	command string
}

// NewTermuxChannel creates the local notification channel.
func NewTermuxChannel() *TermuxChannel {
	return &TermuxChannel{command: "termux-notification"}
}

func (c *TermuxChannel) Name() string { return "termux" }

func (c *TermuxChannel) Send(ctx context.Context, event domain.Event) error {
	priority := "default"
	if event.Severity == domain.SeverityCritical {
		priority = "high"
	}
	cmd := exec.CommandContext(ctx, c.command,
		"--title", event.Title,
		"--content", event.Message,
		"--priority", priority)
	return cmd.Run()
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
