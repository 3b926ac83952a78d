package s3signer

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func fixedTime() time.Time {
	return time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
}

func TestCanonicalURIPreservesSlashes(t *testing.T) {
	got := canonicalURI("archives/2026/report file.zip")
	want := "/archives/2026/report%20file.zip"
	if got != want {
		t.Errorf("canonicalURI() = %q, want %q", got, want)
	}
}

func TestSignDeterministic(t *testing.T) {
	r := Request{
		Region:          "us-east-1",
		Bucket:          "settld-archives",
		Key:             "tenants/acme/run-1.json",
		Body:            []byte(`{"ok":true}`),
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secretkey",
	}
	h1, err := Sign(r, fixedTime())
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	h2, err := Sign(r, fixedTime())
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if h1.Get("Authorization") != h2.Get("Authorization") {
		t.Errorf("signature not deterministic for identical inputs/time")
	}
	if !strings.HasPrefix(h1.Get("Authorization"), "AWS4-HMAC-SHA256 Credential=AKIAEXAMPLE/20260730/us-east-1/s3/aws4_request") {
		t.Errorf("Authorization = %q, missing expected scope", h1.Get("Authorization"))
	}
	if h1.Get("x-amz-content-sha256") == "" {
		t.Errorf("missing x-amz-content-sha256 header")
	}
}

func TestSignWithSSEKMSRequiresKeyID(t *testing.T) {
	r := Request{
		Region:          "us-east-1",
		Bucket:          "settld-archives",
		Key:             "x",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "secret",
		SSE:             &SSE{Mode: "aws:kms"},
	}
	if _, err := Sign(r, fixedTime()); err == nil {
		t.Fatal("Sign() error = nil, want error for missing KMS key id")
	}
}

func TestPutHappyPath(t *testing.T) {
	var gotAuth, gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSig = r.Header.Get("x-amz-content-sha256")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	req := Request{
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		Key:             "hello.txt",
		Body:            []byte("hello world"),
		AccessKeyID:     "AKIA",
		SecretAccessKey: "secret",
	}
	res, err := Put(srv.Client(), req)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !res.OK || res.StatusCode != 200 {
		t.Errorf("Put() result = %+v, want OK 200", res)
	}
	if gotAuth == "" || gotSig == "" {
		t.Errorf("server did not see signed headers")
	}
}
