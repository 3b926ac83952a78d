// Package webhookretry implements the durable pending/dead-letter retry
// engine of spec §4.11, file-backed and idempotent by construction.
// Grounded on other_examples' backend webhook worker pattern (poll loop +
// DeliveryRepository + backoff config) adapted from a DB-backed repository
// to the plain-file store this spec mandates, and on the teacher's
// escalation.Engine reentrancy-guarded tick loop for the background worker.
package webhookretry

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
	ErrNotFound      = errors.New("NOT_FOUND")
	ErrPendingExists = errors.New("PENDING_EXISTS")
)

// Job is the persisted shape of one retryable webhook delivery.
type Job struct {
	ID              string                      `json:"id"`
	TenantID        string                      `json:"tenantId"`
	Token           string                      `json:"token"`
	Event           string                      `json:"event"`
	URL             string                      `json:"url"`
	EncryptedSecret string                      `json:"encryptedSecret"`
	Payload         json.RawMessage             `json:"payload"`
	MaxAttempts     int                         `json:"maxAttempts"`
	BackoffMs       int64                       `json:"backoffMs"`
	AttemptCount    int                         `json:"attemptCount"`
	Attempts        []AttemptRecord             `json:"attempts"`
	NextAttemptAt   time.Time                   `json:"nextAttemptAt"`
	ReplayCount     int                         `json:"replayCount"`
	DeadLetteredAt  *time.Time                  `json:"deadLetteredAt,omitempty"`
	LastError       string                      `json:"lastError,omitempty"`
	LastStatusCode  int                         `json:"lastStatusCode,omitempty"`
}

// AttemptRecord logs one delivery attempt against a job.
type AttemptRecord struct {
	At         time.Time `json:"at"`
	OK         bool      `json:"ok"`
	StatusCode int       `json:"statusCode,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// IdempotencyID derives the job id from the first 24 hex chars of the
// SHA-256 of the idempotency key.
func IdempotencyID(tenantID, token, idempotencyKey string) string {
	sum := sha256.Sum256([]byte(idempotencyKey))
	return fmt.Sprintf("%s_%s_%s", tenantID, token, hex.EncodeToString(sum[:])[:24])
}

// Engine drives the pending/dead-letter directories for a single data dir.
type Engine struct {
	dataDir string
	box     *secretbox.Box
	client  *http.Client

	// OnDeadLetter, if set, is invoked synchronously whenever a job moves
	// to dead-letter, from both Tick and Enqueue. Never invoked for Replay.
	OnDeadLetter func(Job)

	ticking int32 // reentrancy guard
}

// New constructs an Engine rooted at dataDir.
func New(dataDir string, box *secretbox.Box) *Engine {
	return &Engine{dataDir: dataDir, box: box, client: &http.Client{Timeout: 5 * time.Second}}
}

func (e *Engine) pendingPath(id string) string    { return filepath.Join(e.dataDir, "webhook_retry", "pending", id+".json") }
func (e *Engine) deadLetterPath(id string) string { return filepath.Join(e.dataDir, "webhook_retry", "dead-letter", id+".json") }

// Enqueue writes job into pending or directly into dead-letter, depending
// on whether the inline dispatcher already exhausted maxAttempts. Skips if
// either file already exists (idempotent).
func (e *Engine) Enqueue(job Job, inlineAttempts int) error {
	id := job.ID
	if fileExists(e.pendingPath(id)) || fileExists(e.deadLetterPath(id)) {
		return nil
	}

	job.AttemptCount = inlineAttempts
	if inlineAttempts >= job.MaxAttempts {
		now := time.Now().UTC()
		job.DeadLetteredAt = &now
		if err := writeJSONAtomic(e.deadLetterPath(id), job); err != nil {
			return err
		}
		e.notifyDeadLetter(job)
		return nil
	}

	job.NextAttemptAt = time.Now().Add(backoff(job.BackoffMs, inlineAttempts))
	return writeJSONAtomic(e.pendingPath(id), job)
}

// Tick scans pending/ once, attempting every job whose NextAttemptAt has
// elapsed. It is reentrancy-guarded: concurrent calls are no-ops.
func (e *Engine) Tick() error {
	if !atomic.CompareAndSwapInt32(&e.ticking, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&e.ticking, 0)

	dir := filepath.Join(e.dataDir, "webhook_retry", "pending")
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
			continue // unparseable: left in place per spec §7
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
		Event:        job.Event,
		Payload:      payload,
		DataDir:      e.dataDir,
		DeliveryMode: webhookdispatch.ModeHTTP,
		MaxAttempts:  1,
		Box:          e.box,
		Client:       e.client,
		Webhooks: []webhookdispatch.Webhook{
			{ID: job.ID, URL: job.URL, Events: []string{job.Event}, Enabled: true, EncryptedSecret: job.EncryptedSecret},
		},
	})
	if err != nil || len(outcomes) == 0 {
		e.recordFailure(path, job, "dispatch error")
		return
	}

	outcome := outcomes[0]
	if outcome.OK {
		_ = os.Remove(path)
		return
	}
	e.recordFailure(path, job, outcome.LastError)
}

func (e *Engine) recordFailure(path string, job Job, lastErr string) {
	job.AttemptCount++
	job.Attempts = append(job.Attempts, AttemptRecord{At: time.Now().UTC(), OK: false, Error: lastErr})
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

// Replay moves a dead-lettered job back to pending.
func (e *Engine) Replay(tenantID, token, idempotencyKey string, resetAttempts bool) error {
	id := IdempotencyID(tenantID, token, idempotencyKey)
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
		job.Attempts = nil
	}

	if err := writeJSONAtomic(e.pendingPath(id), job); err != nil {
		return err
	}
	return os.Remove(dlPath)
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

