package webhookdispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestDispatchRecordMode(t *testing.T) {
	dir := t.TempDir()
	outcomes, err := Dispatch(Request{
		TenantID:     "acme",
		Token:        "ml_abc",
		Event:        "verification.completed",
		Payload:      map[string]string{"hello": "world"},
		DataDir:      dir,
		DeliveryMode: ModeRecord,
		Webhooks: []Webhook{
			{ID: "wh1", URL: "https://example.com/cb", Events: []string{"verification.completed"}, Enabled: true, EncryptedSecret: "s3cr3t"},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].OK || !outcomes[0].Recorded {
		t.Fatalf("outcomes = %+v, want one recorded success", outcomes)
	}
	if _, err := os.Stat(filepath.Join(dir, "webhooks", "record", "wh1.json")); err != nil {
		t.Errorf("record file missing: %v", err)
	}
}

func TestDispatchHTTPSuccess(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("x-settld-signature")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dir := t.TempDir()
	outcomes, err := Dispatch(Request{
		TenantID:     "acme",
		Token:        "ml_abc",
		Event:        "verification.completed",
		Payload:      map[string]string{"a": "b"},
		DataDir:      dir,
		DeliveryMode: ModeHTTP,
		MaxAttempts:  2,
		Webhooks: []Webhook{
			{ID: "wh1", URL: srv.URL, Events: []string{"verification.completed"}, Enabled: true, EncryptedSecret: "s3cr3t"},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].OK {
		t.Fatalf("outcomes = %+v, want success", outcomes)
	}
	if gotSig == "" {
		t.Errorf("server did not receive a signature header")
	}
}

func TestDispatchWritesDistinctAttemptLogsPerWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dir := t.TempDir()
	outcomes, err := Dispatch(Request{
		TenantID:     "acme",
		Token:        "ml_abc",
		Event:        "verification.completed",
		Payload:      map[string]string{"a": "b"},
		DataDir:      dir,
		DeliveryMode: ModeHTTP,
		MaxAttempts:  1,
		Webhooks: []Webhook{
			{ID: "wh1", URL: srv.URL, Events: []string{"verification.completed"}, Enabled: true, EncryptedSecret: "s3cr3t"},
			{ID: "wh2", URL: srv.URL, Events: []string{"verification.completed"}, Enabled: true, EncryptedSecret: "s3cr3t"},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(outcomes) != 2 || !outcomes[0].OK || !outcomes[1].OK {
		t.Fatalf("outcomes = %+v, want two successes", outcomes)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "webhooks", "attempts"))
	if err != nil {
		t.Fatalf("reading attempts dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("attempt log files = %d, want 2 (one per webhook, not overwritten)", len(entries))
	}
}

func TestDispatchHTTPRetriesThenFails(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	outcomes, err := Dispatch(Request{
		Token:          "ml_xyz",
		Event:          "verification.completed",
		Payload:        map[string]string{},
		DataDir:        dir,
		DeliveryMode:   ModeHTTP,
		MaxAttempts:    2,
		RetryBackoffMs: 1,
		Webhooks: []Webhook{
			{ID: "wh2", URL: srv.URL, Events: []string{"verification.completed"}, Enabled: true, EncryptedSecret: "s"},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].OK {
		t.Fatalf("outcomes = %+v, want failure", outcomes)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("server hit %d times, want 2", hits)
	}
}

func TestDispatchSkipsUnsubscribedEvent(t *testing.T) {
	dir := t.TempDir()
	outcomes, err := Dispatch(Request{
		Event:        "other.event",
		Payload:      map[string]string{},
		DataDir:      dir,
		DeliveryMode: ModeRecord,
		Webhooks: []Webhook{
			{ID: "wh3", URL: "https://example.com", Events: []string{"verification.completed"}, Enabled: true, EncryptedSecret: "s"},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("outcomes = %+v, want none (unsubscribed)", outcomes)
	}
}

func TestDispatchMissingSecret(t *testing.T) {
	dir := t.TempDir()
	outcomes, err := Dispatch(Request{
		Event:        "verification.completed",
		Payload:      map[string]string{},
		DataDir:      dir,
		DeliveryMode: ModeRecord,
		Webhooks: []Webhook{
			{ID: "wh4", URL: "https://example.com", Events: []string{"verification.completed"}, Enabled: true},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].OK || outcomes[0].LastError != ErrWebhookSecretMissing.Error() {
		t.Fatalf("outcomes = %+v, want WEBHOOK_SECRET_MISSING", outcomes)
	}
}

func TestRecordFileIsValidJSON(t *testing.T) {
	dir := t.TempDir()
	Dispatch(Request{
		Event:        "verification.completed",
		Payload:      map[string]string{"x": "y"},
		DataDir:      dir,
		DeliveryMode: ModeRecord,
		Webhooks: []Webhook{
			{ID: "wh5", URL: "https://example.com", Events: []string{"verification.completed"}, Enabled: true, EncryptedSecret: "s"},
		},
	})
	data, err := os.ReadFile(filepath.Join(dir, "webhooks", "record", "wh5.json"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("record file is not valid JSON: %v", err)
	}
}
