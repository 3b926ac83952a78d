// Package paymenttrigger implements the payment-trigger delivery and retry
// engine of spec §4.12. It mirrors pkg/webhookretry's pending/dead-letter
// lifecycle but keys on a decision's reportHash and tracks delivery state
// per (tenant, token) so restarts never re-fire an already-delivered
// trigger. Grounded on the same other_examples worker pattern as
// webhookretry, specialized per the teacher's habit of deriving sibling
// engines from a shared state-machine shape (see internal/escalation's
// incident/alert split in the teacher repo).
package paymenttrigger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/settld/backend/pkg/secretbox"
	"github.com/settld/backend/pkg/webhookdispatch"
)

var (
	ErrNotFound             = errors.New("NOT_FOUND")
	ErrPendingExists        = errors.New("PENDING_EXISTS")
	ErrWebhookURLMissing    = errors.New("PAYMENT_TRIGGER_WEBHOOK_URL_MISSING")
	ErrInvalidDeliveryMode  = errors.New("PAYMENT_TRIGGER_INVALID_DELIVERY_MODE")
	ErrNotApproved          = errors.New("PAYMENT_TRIGGER_NOT_APPROVED")
	ErrDisabled             = errors.New("PAYMENT_TRIGGER_DISABLED")
	ErrAlreadyDelivered     = errors.New("PAYMENT_TRIGGER_ALREADY_DELIVERED")
	ErrRetryEnqueued        = errors.New("PAYMENT_TRIGGER_RETRY_ENQUEUED")
	ErrRetryAlreadyEnqueued = errors.New("PAYMENT_TRIGGER_RETRY_ALREADY_ENQUEUED")
)

// SchemaVersion tags the payment-trigger payload wire format.
const SchemaVersion = "MagicLinkPaymentTrigger.v1"

// Decision is the minimal shape needed to compute a trigger payload.
type Decision struct {
	Token               string `json:"token"`
	Decision            string `json:"decision"` // "approve" | "hold"
	DecidedAt           string `json:"decidedAt"`
	DecidedByEmail      string `json:"decidedByEmail"`
	VerificationStatus  string `json:"verificationStatus"` // green|amber|red
	ReportHash          string `json:"reportHash"`
}

// Settings is the subset of TenantSettings.paymentTriggers needed here.
type Settings struct {
	Enabled         bool
	DeliveryMode    webhookdispatch.DeliveryMode // record|http(webhook)
	WebhookURL      string
	EncryptedSecret string
}

// State is the per (tenant, token) outcome record, persisted to survive
// restarts without re-firing an already-delivered trigger.
type State struct {
	TenantID    string     `json:"tenantId"`
	Token       string     `json:"token"`
	ReportHash  string     `json:"reportHash"`
	OK          bool       `json:"ok"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Job is the retry-queue shape, identical in spirit to webhookretry.Job.
type Job struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	Token           string          `json:"token"`
	ReportHash      string          `json:"reportHash"`
	URL             string          `json:"url"`
	EncryptedSecret string          `json:"encryptedSecret"`
	Payload         json.RawMessage `json:"payload"`
	MaxAttempts     int             `json:"maxAttempts"`
	BackoffMs       int64           `json:"backoffMs"`
	AttemptCount    int             `json:"attemptCount"`
	NextAttemptAt   time.Time       `json:"nextAttemptAt"`
	ReplayCount     int             `json:"replayCount"`
	DeadLetteredAt  *time.Time      `json:"deadLetteredAt,omitempty"`
	LastError       string          `json:"lastError,omitempty"`
}

// IdempotencyID derives the job id from the decision's reportHash.
func IdempotencyID(tenantID, token, reportHash string) string {
	sum := sha256.Sum256([]byte(reportHash))
	return fmt.Sprintf("%s_%s_%s", tenantID, token, hex.EncodeToString(sum[:])[:24])
}

// ReportHash computes the fallback idempotency key when the decision
// record carries no explicit reportHash: SHA-256 of the decision JSON.
func ReportHash(decision Decision) string {
	if decision.ReportHash != "" {
		return decision.ReportHash
	}
	data, _ := json.Marshal(decision)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Engine drives inline delivery and durable retry for payment triggers.
type Engine struct {
	dataDir       string
	box           *secretbox.Box
	client        *http.Client
	publicBaseURL string
	ticking       int32

	// OnDeadLetter, if set, is invoked synchronously whenever a job moves
	// to dead-letter, from both Tick and Trigger's inline enqueue path.
	OnDeadLetter func(Job)
}

// New constructs an Engine rooted at dataDir.
func New(dataDir, publicBaseURL string, box *secretbox.Box) *Engine {
	return &Engine{dataDir: dataDir, box: box, publicBaseURL: publicBaseURL, client: &http.Client{Timeout: 5 * time.Second}}
}

func (e *Engine) statePath(tenantID, token string) string {
	return filepath.Join(e.dataDir, "payment_triggers", tenantID, token+".json")
}
func (e *Engine) pendingPath(id string) string {
	return filepath.Join(e.dataDir, "payment_trigger_retry", "pending", id+".json")
}
func (e *Engine) deadLetterPath(id string) string {
	return filepath.Join(e.dataDir, "payment_trigger_retry", "dead-letter", id+".json")
}

func (e *Engine) buildPayload(tenantID string, decision Decision) map[string]any {
	return map[string]any{
		"schemaVersion":      SchemaVersion,
		"tenantId":           tenantID,
		"token":              decision.Token,
		"decision":           decision.Decision,
		"decidedAt":          decision.DecidedAt,
		"decidedByEmail":     decision.DecidedByEmail,
		"verificationStatus": decision.VerificationStatus,
		"reportHash":         decision.ReportHash,
		"artifactUrl":        e.publicBaseURL + "/runs/" + tenantID + "/" + decision.Token,
	}
}

// Trigger fires (or records) a payment-trigger delivery for an approved
// decision, enqueueing a durable retry on inline failure.
func (e *Engine) Trigger(tenantID string, decision Decision, settings Settings, maxAttempts int, backoffMs int64) (ok bool, err error) {
	if decision.Decision != "approve" {
		return false, ErrNotApproved
	}
	if !settings.Enabled {
		return false, ErrDisabled
	}
	if settings.DeliveryMode != webhookdispatch.ModeRecord && settings.DeliveryMode != webhookdispatch.ModeHTTP {
		return false, ErrInvalidDeliveryMode
	}
	reportHash := ReportHash(decision)
	id := IdempotencyID(tenantID, decision.Token, reportHash)

	if st, readErr := e.readState(tenantID, decision.Token); readErr == nil && st.ReportHash == reportHash && st.DeliveredAt != nil {
		return false, ErrAlreadyDelivered
	}

	payload := e.buildPayload(tenantID, decision)

	if settings.DeliveryMode == webhookdispatch.ModeRecord {
		if err := writeJSONAtomic(filepath.Join(e.dataDir, "payment-trigger-outbox", id+".json"), payload); err != nil {
			return false, err
		}
		e.writeState(tenantID, decision.Token, reportHash, true, "")
		return true, nil
	}

	if settings.WebhookURL == "" {
		return false, ErrWebhookURLMissing
	}

	outcomes, dispatchErr := webhookdispatch.Dispatch(webhookdispatch.Request{
		TenantID:     tenantID,
		Token:        decision.Token,
		Event:        "payment.trigger",
		Payload:      payload,
		DataDir:      e.dataDir,
		DeliveryMode: webhookdispatch.ModeHTTP,
		MaxAttempts:  1, // one inline attempt; the rest of maxAttempts belongs to the retry queue
		RetryBackoffMs: backoffMs,
		Box:          e.box,
		Client:       e.client,
		Webhooks: []webhookdispatch.Webhook{
			{ID: id, URL: settings.WebhookURL, Events: []string{"payment.trigger"}, Enabled: true, EncryptedSecret: settings.EncryptedSecret},
		},
	})
	if dispatchErr != nil || len(outcomes) == 0 {
		return false, fmt.Errorf("PAYMENT_TRIGGER_WEBHOOK_FAILED")
	}

	outcome := outcomes[0]
	if outcome.OK {
		e.writeState(tenantID, decision.Token, reportHash, true, "")
		return true, nil
	}

	if fileExists(e.pendingPath(id)) {
		e.writeState(tenantID, decision.Token, reportHash, false, outcome.LastError)
		return false, ErrRetryAlreadyEnqueued
	}

	payloadBytes, _ := json.Marshal(payload)
	job := Job{
		ID:              id,
		TenantID:        tenantID,
		Token:           decision.Token,
		ReportHash:      reportHash,
		URL:             settings.WebhookURL,
		EncryptedSecret: settings.EncryptedSecret,
		Payload:         payloadBytes,
		MaxAttempts:     maxAttempts,
		BackoffMs:       backoffMs,
	}
	if err := e.enqueue(job, outcome.Attempts); err != nil {
		return false, err
	}
	e.writeState(tenantID, decision.Token, reportHash, false, outcome.LastError)
	return false, ErrRetryEnqueued
}

func (e *Engine) enqueue(job Job, inlineAttempts int) error {
	if fileExists(e.pendingPath(job.ID)) || fileExists(e.deadLetterPath(job.ID)) {
		return nil
	}
	job.AttemptCount = inlineAttempts
	if inlineAttempts >= job.MaxAttempts {
		now := time.Now().UTC()
		job.DeadLetteredAt = &now
		if err := writeJSONAtomic(e.deadLetterPath(job.ID), job); err != nil {
			return err
		}
		e.notifyDeadLetter(job)
		return nil
	}
	job.NextAttemptAt = time.Now().Add(backoff(job.BackoffMs, inlineAttempts))
	return writeJSONAtomic(e.pendingPath(job.ID), job)
}

// Tick scans pending/ once; reentrancy-guarded like webhookretry's.
func (e *Engine) Tick() error {
	if !atomic.CompareAndSwapInt32(&e.ticking, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&e.ticking, 0)

	dir := filepath.Join(e.dataDir, "payment_trigger_retry", "pending")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		job, err := readJob(path)
		if err != nil {
			continue
		}
		if job.NextAttemptAt.After(now) {
			continue
		}
		e.attempt(path, job)
	}
	return nil
}

func (e *Engine) attempt(path string, job Job) {
	var payload any
	_ = json.Unmarshal(job.Payload, &payload)

	outcomes, err := webhookdispatch.Dispatch(webhookdispatch.Request{
		TenantID:     job.TenantID,
		Token:        job.Token,
		Event:        "payment.trigger",
		Payload:      payload,
		DataDir:      e.dataDir,
		DeliveryMode: webhookdispatch.ModeHTTP,
		MaxAttempts:  1,
		Box:          e.box,
		Client:       e.client,
		Webhooks: []webhookdispatch.Webhook{
			{ID: job.ID, URL: job.URL, Events: []string{"payment.trigger"}, Enabled: true, EncryptedSecret: job.EncryptedSecret},
		},
	})
	if err != nil || len(outcomes) == 0 {
		e.recordFailure(path, job, "dispatch error")
		return
	}
	outcome := outcomes[0]
	if outcome.OK {
		_ = os.Remove(path)
		e.writeState(job.TenantID, job.Token, job.ReportHash, true, "")
		return
	}
	e.recordFailure(path, job, outcome.LastError)
}

func (e *Engine) recordFailure(path string, job Job, lastErr string) {
	job.AttemptCount++
	job.LastError = lastErr
	if job.AttemptCount >= job.MaxAttempts {
		now := time.Now().UTC()
		job.DeadLetteredAt = &now
		_ = writeJSONAtomic(e.deadLetterPath(job.ID), job)
		_ = os.Remove(path)
		e.notifyDeadLetter(job)
		return
	}
	job.NextAttemptAt = time.Now().Add(backoff(job.BackoffMs, job.AttemptCount))
	_ = writeJSONAtomic(path, job)
}

func (e *Engine) notifyDeadLetter(job Job) {
	if e.OnDeadLetter != nil {
		e.OnDeadLetter(job)
	}
}

// Replay moves a dead-lettered payment-trigger job back to pending.
func (e *Engine) Replay(tenantID, token, reportHash string, resetAttempts bool) error {
	id := IdempotencyID(tenantID, token, reportHash)
	dlPath := e.deadLetterPath(id)
	job, err := readJob(dlPath)
	if err != nil {
		return ErrNotFound
	}
	if fileExists(e.pendingPath(id)) {
		return ErrPendingExists
	}

	job.NextAttemptAt = time.Now()
	job.ReplayCount++
	job.DeadLetteredAt = nil
	if resetAttempts {
		job.AttemptCount = 0
	}
	if err := writeJSONAtomic(e.pendingPath(id), job); err != nil {
		return err
	}
	return os.Remove(dlPath)
}

func (e *Engine) readState(tenantID, token string) (State, error) {
	data, err := os.ReadFile(e.statePath(tenantID, token))
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, err
	}
	return st, nil
}

func (e *Engine) writeState(tenantID, token, reportHash string, ok bool, lastErr string) {
	st := State{TenantID: tenantID, Token: token, ReportHash: reportHash, OK: ok, LastError: lastErr}
	if ok {
		now := time.Now().UTC()
		st.DeliveredAt = &now
	}
	_ = writeJSONAtomic(e.statePath(tenantID, token), st)
}

func backoff(baseMs int64, attempt int) time.Duration {
	if baseMs <= 0 {
		baseMs = 1000
	}
	exp := attempt - 1
	if exp > 16 {
		exp = 16
	}
	if exp < 0 {
		exp = 0
	}
	ms := baseMs << uint(exp)
	if ms > 86_400_000 || ms <= 0 {
		ms = 86_400_000
	}
	return time.Duration(ms) * time.Millisecond
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readJob(path string) (Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func writeJSONAtomic(path string, v any) error {
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
