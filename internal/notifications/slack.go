package notifications

import (
	"context"
	"fmt"
	"os"

	"github.com/Harvey-AU/stealth-bee/internal/health"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// SlackSink posts alerts to an incoming webhook.
type SlackSink struct {
	webhookURL  string
	minSeverity health.Severity
	dashboard   string
}

// NewSlackSink creates a Slack sink. Alerts below minSeverity are ignored;
// an empty minSeverity sends everything.
func NewSlackSink(webhookURL string, minSeverity health.Severity) *SlackSink {
	return &SlackSink{
		webhookURL:  webhookURL,
		minSeverity: minSeverity,
		dashboard:   os.Getenv("APP_URL"),
	}
}

// Name returns the sink name
func (s *SlackSink) Name() string {
	return "slack"
}

// Deliver sends the alert
func (s *SlackSink) Deliver(ctx context.Context, a health.Alert) error {
	if s.minSeverity == health.SeverityCritical && a.Severity != health.SeverityCritical {
		return nil
	}

	msg := &slack.WebhookMessage{
		Text:   fmt.Sprintf("[%s] %s: %s", a.Severity, a.Site, a.Message),
		Blocks: &slack.Blocks{BlockSet: s.buildMessageBlocks(a)},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("failed to post Slack webhook: %w", err)
	}

	log.Debug().
		Str("site", a.Site).
		Str("severity", string(a.Severity)).
		Msg("Slack alert sent")
	return nil
}

func (s *SlackSink) buildMessageBlocks(a health.Alert) []slack.Block {
	var emoji string
	switch a.Severity {
	case health.SeverityCritical:
		emoji = ":rotating_light:"
	case health.SeverityWarning:
		emoji = ":warning:"
	default:
		emoji = ":bell:"
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(
				"mrkdwn",
				fmt.Sprintf("%s *%s*: %s", emoji, a.Site, a.Message),
				false,
				false,
			),
			nil,
			nil,
		),
	}

	if a.Details != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", a.Details, false, false),
			nil,
			nil,
		))
	}

	ctxText := fmt.Sprintf("%s · %s", a.Severity, a.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	if s.dashboard != "" {
		ctxText += fmt.Sprintf(" · <%s/v1/health?site=%s|Site health>", s.dashboard, a.Site)
	}
	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject("mrkdwn", ctxText, false, false),
	))

	return blocks
}
