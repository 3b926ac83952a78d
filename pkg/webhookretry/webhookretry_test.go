package webhookretry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newJob(id string, srv *httptest.Server) Job {
	payload, _ := json.Marshal(map[string]string{"hello": "world"})
	return Job{
		ID:          id,
		TenantID:    "acme",
		Token:       "ml_abc",
		Event:       "verification.completed",
		URL:         srv.URL,
		EncryptedSecret: "s3cr3t",
		Payload:     payload,
		MaxAttempts: 3,
		BackoffMs:   1,
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, nil)
	job := Job{ID: "t1", MaxAttempts: 3, BackoffMs: 10}

	if err := e.Enqueue(job, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := e.Enqueue(job, 0); err != nil {
		t.Fatalf("second Enqueue() error = %v", err)
	}
	if !fileExists(e.pendingPath("t1")) {
		t.Fatalf("pending file missing")
	}
}

func TestEnqueueDirectToDeadLetterWhenExhausted(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, nil)
	job := Job{ID: "t2", MaxAttempts: 2, BackoffMs: 10}

	if err := e.Enqueue(job, 2); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !fileExists(e.deadLetterPath("t2")) {
		t.Fatalf("dead-letter file missing")
	}
	if fileExists(e.pendingPath("t2")) {
		t.Fatalf("pending file should not exist")
	}
}

func TestTickDeliversAndRemovesPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dir := t.TempDir()
	e := New(dir, nil)
	job := newJob("t3", srv)
	job.NextAttemptAt = time.Now().Add(-time.Second)
	if err := writeJSONAtomic(e.pendingPath("t3"), job); err != nil {
		t.Fatalf("writeJSONAtomic() error = %v", err)
	}

	if err := e.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if fileExists(e.pendingPath("t3")) {
		t.Errorf("pending file should be removed after success")
	}
}

func TestTickExhaustsToDeadLetter(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	e := New(dir, nil)
	job := newJob("t4", srv)
	job.MaxAttempts = 1
	job.NextAttemptAt = time.Now().Add(-time.Second)
	if err := writeJSONAtomic(e.pendingPath("t4"), job); err != nil {
		t.Fatalf("writeJSONAtomic() error = %v", err)
	}

	if err := e.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !fileExists(e.deadLetterPath("t4")) {
		t.Fatalf("expected dead-letter file after exhaustion")
	}
}

func TestOnDeadLetterFiresOnExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	e := New(dir, nil)
	var gotJob Job
	var calls int32
	e.OnDeadLetter = func(job Job) {
		atomic.AddInt32(&calls, 1)
		gotJob = job
	}

	job := newJob("t4b", srv)
	job.MaxAttempts = 1
	job.NextAttemptAt = time.Now().Add(-time.Second)
	if err := writeJSONAtomic(e.pendingPath("t4b"), job); err != nil {
		t.Fatalf("writeJSONAtomic() error = %v", err)
	}

	if err := e.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("OnDeadLetter calls = %d, want 1", calls)
	}
	if gotJob.ID != "t4b" {
		t.Fatalf("OnDeadLetter job.ID = %q, want t4b", gotJob.ID)
	}
}

func TestReplayRestoresPending(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, nil)
	id := IdempotencyID("acme", "tok", "key")
	job := Job{ID: id, MaxAttempts: 3, AttemptCount: 3}
	now := time.Now().UTC()
	job.DeadLetteredAt = &now
	if err := writeJSONAtomic(e.deadLetterPath(id), job); err != nil {
		t.Fatalf("writeJSONAtomic() error = %v", err)
	}

	if err := e.Replay("acme", "tok", "key", true); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if fileExists(e.deadLetterPath(id)) {
		t.Errorf("dead-letter file should be removed after replay")
	}
	restored, err := readJob(e.pendingPath(id))
	if err != nil {
		t.Fatalf("readJob() error = %v", err)
	}
	if restored.AttemptCount != 0 || restored.ReplayCount != 1 {
		t.Errorf("restored = %+v, want AttemptCount=0 ReplayCount=1", restored)
	}
}

func TestReplayNotFound(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, nil)
	if err := e.Replay("acme", "tok", "missing", false); err != ErrNotFound {
		t.Fatalf("Replay() error = %v, want ErrNotFound", err)
	}
}

func TestReplayPendingExists(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, nil)
	id := IdempotencyID("acme", "tok", "key2")
	job := Job{ID: id}
	now := time.Now().UTC()
	job.DeadLetteredAt = &now
	writeJSONAtomic(e.deadLetterPath(id), job)
	writeJSONAtomic(e.pendingPath(id), job)

	if err := e.Replay("acme", "tok", "key2", false); err != ErrPendingExists {
		t.Fatalf("Replay() error = %v, want ErrPendingExists", err)
	}
}

func TestIdempotencyIDFormat(t *testing.T) {
	id := IdempotencyID("acme", "ml_abc", "idem-key")
	if len(id) == 0 {
		t.Fatal("empty id")
	}
	if id[:5] != "acme_" {
		t.Errorf("id = %q, want prefix acme_", id)
	}
}

func TestUnparseableFileLeftInPlace(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, nil)
	path := e.pendingPath("bad")
	os.MkdirAll(filepath.Dir(path), 0o755)
	os.WriteFile(path, []byte("not json"), 0o644)

	if err := e.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !fileExists(path) {
		t.Errorf("unparseable pending file should be left in place")
	}
}
