package opsnotify

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestDisabledNotifierPostDeadLetterIsNoop(t *testing.T) {
	n := New("", "", slog.Default())
	if n.IsEnabled() {
		t.Fatal("expected notifier to be disabled without a bot token")
	}
	err := n.PostDeadLetter(context.Background(), DeadLetterEvent{
		Kind: "webhook", TenantID: "acme", Token: "ml_abc", Attempts: 5, At: time.Now(),
	})
	if err != nil {
		t.Errorf("PostDeadLetter() on disabled notifier error = %v", err)
	}
}

func TestDisabledNotifierPostRetentionSummaryIsNoop(t *testing.T) {
	n := New("", "", slog.Default())
	if err := n.PostRetentionSummary(context.Background(), RetentionSummary{TenantsSwept: 3}); err != nil {
		t.Errorf("PostRetentionSummary() on disabled notifier error = %v", err)
	}
}

func TestIsEnabledRequiresBothTokenAndChannel(t *testing.T) {
	if (&Notifier{}).IsEnabled() {
		t.Fatal("zero-value notifier should not be enabled")
	}
	if New("xoxb-test", "", slog.Default()).IsEnabled() {
		t.Fatal("notifier with a token but no channel should not be enabled")
	}
	if (&Notifier{channel: "#ops"}).IsEnabled() {
		t.Fatal("notifier with a channel but no client should not be enabled")
	}
}
