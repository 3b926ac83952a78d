package onboarding

import (
	"context"
	"testing"
	"time"
)

func stepAt(key string, offset time.Duration) Step {
	return Step{
		StepKey: key,
		TriggerAt: func(p Profile) *time.Time {
			if p.SignedUpAt == nil {
				return nil
			}
			t := p.SignedUpAt.Add(offset)
			return &t
		},
		Subject: func(p Profile) string { return "subject-" + key },
		Body:    func(p Profile) string { return "body-" + key },
	}
}

func TestEvaluateDeliversDueStep(t *testing.T) {
	dir := t.TempDir()
	seq := New(dir, nil, DeliveryRecord)
	signedUp := time.Now().Add(-2 * time.Hour)
	profile := Profile{TenantID: "acme", SignedUpAt: &signedUp, Now: time.Now()}

	steps := []Step{stepAt("welcome", time.Hour), stepAt("tips", 48*time.Hour)}
	if err := seq.Evaluate(context.Background(), steps, profile, []string{"buyer@example.com"}); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	state, err := seq.loadState("acme")
	if err != nil {
		t.Fatalf("loadState() error = %v", err)
	}
	if state.Steps["welcome"].SentAt == nil {
		t.Errorf("welcome step should be sent")
	}
	if state.Steps["tips"].SentAt != nil {
		t.Errorf("tips step should not be sent yet")
	}
}

func TestEvaluateIsOneShotPerStep(t *testing.T) {
	dir := t.TempDir()
	seq := New(dir, nil, DeliveryRecord)
	signedUp := time.Now().Add(-2 * time.Hour)
	profile := Profile{TenantID: "acme", SignedUpAt: &signedUp, Now: time.Now()}
	steps := []Step{stepAt("welcome", time.Hour)}

	seq.Evaluate(context.Background(), steps, profile, []string{"buyer@example.com"})
	state1, _ := seq.loadState("acme")
	sentAt1 := state1.Steps["welcome"].SentAt

	seq.Evaluate(context.Background(), steps, profile, []string{"buyer@example.com"})
	state2, _ := seq.loadState("acme")
	sentAt2 := state2.Steps["welcome"].SentAt

	if !sentAt1.Equal(*sentAt2) {
		t.Errorf("step should not re-send: %v != %v", sentAt1, sentAt2)
	}
}

func TestEvaluateNoTriggerWithoutSignup(t *testing.T) {
	dir := t.TempDir()
	seq := New(dir, nil, DeliveryRecord)
	profile := Profile{TenantID: "acme", Now: time.Now()}
	steps := []Step{stepAt("welcome", time.Hour)}

	if err := seq.Evaluate(context.Background(), steps, profile, []string{"buyer@example.com"}); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	state, _ := seq.loadState("acme")
	if _, ok := state.Steps["welcome"]; ok {
		t.Errorf("step should not fire without a trigger time")
	}
}

type failingMailer struct{}

func (failingMailer) SendOnboardingEmail(ctx context.Context, to, subject, body string) error {
	return context.DeadlineExceeded
}

func TestEvaluateSMTPNotConfigured(t *testing.T) {
	dir := t.TempDir()
	seq := New(dir, nil, DeliverySMTP)
	signedUp := time.Now().Add(-2 * time.Hour)
	profile := Profile{TenantID: "acme", SignedUpAt: &signedUp, Now: time.Now()}
	steps := []Step{stepAt("welcome", time.Hour)}

	seq.Evaluate(context.Background(), steps, profile, []string{"buyer@example.com"})
	state, _ := seq.loadState("acme")
	if state.Steps["welcome"].SentAt != nil {
		t.Errorf("step should not be marked sent when SMTP is not configured")
	}
	if state.Steps["welcome"].LastErr == "" {
		t.Errorf("expected LastErr to be recorded")
	}
}
