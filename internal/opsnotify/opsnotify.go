// Package opsnotify posts operator alerts to Slack when a webhook or
// payment-trigger job reaches dead-letter, and daily retention summaries.
// Disabled (each call only writes a log line) unless both SLACK_BOT_TOKEN
// and SLACK_OPS_CHANNEL are configured, matching the teacher's
// pkg/slack.Notifier's IsEnabled guard.
package opsnotify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// DeadLetterEvent describes a job that exhausted its retry budget.
type DeadLetterEvent struct {
	Kind      string // "webhook" or "payment_trigger"
	TenantID  string
	Token     string
	JobID     string
	Attempts  int
	LastError string
	At        time.Time
}

// RetentionSummary describes retention sweeper activity for one daily
// summary post.
type RetentionSummary struct {
	TenantsSwept int
	RunsEvicted  int64
	Errors       int
	At           time.Time
}

// Notifier posts ops alerts to a single configured Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken or channel is empty, the notifier is disabled —
// every post method becomes a structured log line instead of a Slack call.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether this notifier actually posts to Slack.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostDeadLetter notifies operators that a job was moved to dead-letter.
func (n *Notifier) PostDeadLetter(ctx context.Context, ev DeadLetterEvent) error {
	if !n.IsEnabled() {
		n.logger.Warn("dead-letter (slack notifications disabled)",
			"kind", ev.Kind, "tenant_id", ev.TenantID, "token", ev.Token,
			"attempts", ev.Attempts, "last_error", ev.LastError,
		)
		return nil
	}

	text := fmt.Sprintf(":red_circle: %s dead-lettered for tenant %s run %s after %d attempts: %s",
		ev.Kind, ev.TenantID, ev.Token, ev.Attempts, ev.LastError)

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		goslack.MsgOptionText(text, false),
		goslack.MsgOptionBlocks(deadLetterBlocks(ev)...),
	)
	if err != nil {
		return fmt.Errorf("opsnotify: posting dead-letter alert: %w", err)
	}
	return nil
}

// PostRetentionSummary posts a daily retention sweeper summary.
func (n *Notifier) PostRetentionSummary(ctx context.Context, s RetentionSummary) error {
	if !n.IsEnabled() {
		n.logger.Info("retention summary (slack notifications disabled)",
			"tenants_swept", s.TenantsSwept, "runs_evicted", s.RunsEvicted, "errors", s.Errors,
		)
		return nil
	}

	text := fmt.Sprintf(":broom: retention sweep: %d tenants, %d runs evicted, %d errors",
		s.TenantsSwept, s.RunsEvicted, s.Errors)

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("opsnotify: posting retention summary: %w", err)
	}
	return nil
}

func deadLetterBlocks(ev DeadLetterEvent) []goslack.Block {
	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("*%s dead-lettered*\n>tenant: `%s`\n>run: `%s`\n>attempts: %d",
					ev.Kind, ev.TenantID, ev.Token, ev.Attempts),
			), nil, nil,
		),
	}
}
