// Package webhookdispatch implements the inline webhook delivery path of
// spec §4.10: per-event signed POSTs with inline retry, or "record" mode
// that captures the attempt to disk instead of sending it. Grounded on the
// teacher's pkg/messaging provider-registry for the header-building/signing
// shape, adapted to HMAC webhook signatures instead of provider API calls.
package webhookdispatch

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/settld/backend/pkg/secretbox"
)

// DeliveryMode selects whether an attempt is actually sent or just recorded.
type DeliveryMode string

const (
	ModeRecord DeliveryMode = "record"
	ModeHTTP   DeliveryMode = "http"
)

// ErrWebhookSecretMissing is returned when a webhook's encrypted secret is
// absent at delivery time.
var ErrWebhookSecretMissing = errors.New("WEBHOOK_SECRET_MISSING")

// Webhook describes one tenant-configured subscription endpoint.
type Webhook struct {
	ID            string
	URL           string
	Events        []string
	Enabled       bool
	EncryptedSecret string // secretbox envelope, or plaintext for legacy rows
}

func (w Webhook) subscribedTo(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Request is the full input to a dispatch call.
type Request struct {
	TenantID       string
	Token          string
	Event          string
	Payload        any
	Webhooks       []Webhook
	Box            *secretbox.Box
	DataDir        string
	DeliveryMode   DeliveryMode
	TimeoutMs      int
	MaxAttempts    int
	RetryBackoffMs int64
	Client         *http.Client
}

func (r Request) timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

func (r Request) maxAttempts() int {
	if r.MaxAttempts <= 0 {
		return 1
	}
	return r.MaxAttempts
}

func (r Request) backoffMs() int64 {
	if r.RetryBackoffMs <= 0 {
		return 1000
	}
	return r.RetryBackoffMs
}

// AttemptOutcome is the terminal result of delivering to one webhook.
type AttemptOutcome struct {
	WebhookID string
	OK        bool
	Recorded  bool
	Attempts  int
	LastError string
}

// Dispatch delivers (or records) an event to every enabled, subscribed
// webhook in req.Webhooks, returning one outcome per webhook attempted.
func Dispatch(req Request) ([]AttemptOutcome, error) {
	var outcomes []AttemptOutcome
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("webhookdispatch: marshal payload: %w", err)
	}

	for i, wh := range req.Webhooks {
		if !wh.Enabled || !wh.subscribedTo(req.Event) {
			continue
		}
		secret, err := decryptSecret(req.Box, wh.EncryptedSecret)
		if err != nil {
			outcomes = append(outcomes, AttemptOutcome{WebhookID: wh.ID, OK: false, LastError: ErrWebhookSecretMissing.Error()})
			continue
		}

		ts := time.Now().UTC().Format(time.RFC3339)
		sig := sign(secret, ts, body)
		headers := map[string]string{
			"content-type":        "application/json; charset=utf-8",
			"user-agent":          "settld-webhooks/1.0",
			"x-settld-event":      req.Event,
			"x-settld-timestamp":  ts,
			"x-settld-signature":  "v1=" + sig,
		}

		var outcome AttemptOutcome
		if req.DeliveryMode == ModeRecord {
			outcome, err = recordAttempt(req, wh, headers, body)
		} else {
			outcome, err = sendWithRetry(req, wh, i, headers, body)
		}
		if err != nil {
			outcome.LastError = err.Error()
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func decryptSecret(box *secretbox.Box, encrypted string) (string, error) {
	if encrypted == "" {
		return "", ErrWebhookSecretMissing
	}
	if box == nil {
		return encrypted, nil
	}
	return box.Decrypt(encrypted)
}

func sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func recordAttempt(req Request, wh Webhook, headers map[string]string, body []byte) (AttemptOutcome, error) {
	record := map[string]any{
		"headers": headers,
		"body":    string(body),
	}
	path := filepath.Join(req.DataDir, "webhooks", "record", wh.ID+".json")
	if err := writeJSON(path, record); err != nil {
		return AttemptOutcome{WebhookID: wh.ID}, err
	}
	return AttemptOutcome{WebhookID: wh.ID, OK: true, Recorded: true}, nil
}

func sendWithRetry(req Request, wh Webhook, webhookIndex int, headers map[string]string, body []byte) (AttemptOutcome, error) {
	client := req.Client
	if client == nil {
		client = &http.Client{Timeout: req.timeout()}
	}

	var lastErr error
	var lastStatus int
	startMs := time.Now().UnixMilli()

	for attempt := 1; attempt <= req.maxAttempts(); attempt++ {
		status, err := attemptOnce(client, wh.URL, headers, body, req.timeout())
		logAttemptPath := filepath.Join(req.DataDir, "webhooks", "attempts",
			fmt.Sprintf("%s_%d_%d_%d.json", req.Token, startMs, webhookIndex, attempt))
		attemptResult := map[string]any{
			"headers":    headers,
			"bodyHash":   sha256Hex(body),
			"sentAt":     time.Now().UTC().Format(time.RFC3339Nano),
			"statusCode": status,
		}
		if err == nil && status >= 200 && status < 300 {
			attemptResult["ok"] = true
			_ = writeJSON(logAttemptPath, attemptResult)
			return AttemptOutcome{WebhookID: wh.ID, OK: true, Attempts: attempt}, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastStatus = status
			lastErr = fmt.Errorf("HTTP_%d", status)
		}
		attemptResult["ok"] = false
		attemptResult["error"] = lastErr.Error()
		_ = writeJSON(logAttemptPath, attemptResult)

		if attempt < req.maxAttempts() {
			time.Sleep(backoff(req.backoffMs(), attempt))
		}
	}
	_ = lastStatus
	return AttemptOutcome{WebhookID: wh.ID, OK: false, Attempts: req.maxAttempts()}, lastErr
}

func attemptOnce(client *http.Client, url string, headers map[string]string, body []byte, timeout time.Duration) (int, error) {
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func backoff(baseMs int64, attempt int) time.Duration {
	exp := attempt - 1
	if exp > 16 {
		exp = 16
	}
	ms := baseMs << uint(exp)
	if ms > 86_400_000 || ms <= 0 {
		ms = 86_400_000
	}
	return time.Duration(ms) * time.Millisecond
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
