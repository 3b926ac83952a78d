// Package s3signer implements AWS SigV4 for a single-object PUT without an
// AWS SDK dependency, per spec §4.8. Examined against
// Mindburn-Labs-helm's use of aws-sdk-go-v2/service/s3: that SDK is
// explicitly not used here (see SPEC_FULL.md) because the spec requires a
// hand-rolled signer; this package follows the SDK's canonicalization rules
// without importing it.
package s3signer

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// SSE describes optional server-side-encryption headers for the PUT.
type SSE struct {
	Mode     string // "AES256" or "aws:kms"
	KMSKeyID string // required when Mode == "aws:kms"
}

// Request describes a single-object PUT to sign and execute.
type Request struct {
	Region          string
	Bucket          string
	Endpoint        string // explicit endpoint; overrides region+bucket host derivation
	Key             string // object key, e.g. "archives/2026/foo.zip"
	Body            []byte
	ContentType     string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string // optional
	SSE             *SSE
}

// Result is the outcome of executing a signed PUT.
type Result struct {
	OK         bool
	StatusCode int
	BodyText   string
}

const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.~"

// percentEncodeSegment percent-encodes a single path segment per RFC3986
// unreserved characters, preserving none of '/' (callers handle '/' joins
// themselves by operating segment-by-segment).
func percentEncodeSegment(seg string) string {
	var b strings.Builder
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if strings.IndexByte(unreserved, c) >= 0 {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// canonicalURI percent-encodes each path segment, preserving '/'.
func canonicalURI(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = percentEncodeSegment(seg)
	}
	uri := strings.Join(segments, "/")
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	return uri
}

func (r Request) host() string {
	if r.Endpoint != "" {
		e := strings.TrimPrefix(strings.TrimPrefix(r.Endpoint, "https://"), "http://")
		return e
	}
	return fmt.Sprintf("%s.s3.%s.amazonaws.com", r.Bucket, r.Region)
}

func (r Request) url() string {
	scheme := "https"
	if strings.HasPrefix(r.Endpoint, "http://") {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.host(), canonicalURI(r.Key))
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func signingKey(secret, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

// Sign computes the SigV4 headers for r at time t and returns them (the
// payload hash among them, as x-amz-content-sha256), without performing the
// PUT.
func Sign(r Request, t time.Time) (headers http.Header, err error) {
	t = t.UTC()
	amzDate := t.Format("20060102T150405Z")
	dateStamp := t.Format("20060102")

	payloadHash := sha256.Sum256(r.Body)
	payloadHashHex := hex.EncodeToString(payloadHash[:])

	headerSet := map[string]string{
		"host":                 r.host(),
		"x-amz-date":           amzDate,
		"x-amz-content-sha256": payloadHashHex,
	}
	if r.SessionToken != "" {
		headerSet["x-amz-security-token"] = r.SessionToken
	}
	if r.SSE != nil {
		headerSet["x-amz-server-side-encryption"] = r.SSE.Mode
		if r.SSE.Mode == "aws:kms" {
			if r.SSE.KMSKeyID == "" {
				return nil, fmt.Errorf("archiveExportSink.kmsKeyId required when sse=aws:kms")
			}
			headerSet["x-amz-server-side-encryption-aws-kms-key-id"] = r.SSE.KMSKeyID
		}
	}
	if r.ContentType != "" {
		headerSet["content-type"] = r.ContentType
	}

	names := make([]string, 0, len(headerSet))
	for k := range headerSet {
		names = append(names, k)
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, name := range names {
		fmt.Fprintf(&canonicalHeaders, "%s:%s\n", name, strings.TrimSpace(headerSet[name]))
	}
	signedHeaders := strings.Join(names, ";")

	canonicalRequest := strings.Join([]string{
		"PUT",
		canonicalURI(r.Key),
		"", // no query string for a single-object PUT
		canonicalHeaders.String(),
		signedHeaders,
		payloadHashHex,
	}, "\n")

	crHash := sha256.Sum256([]byte(canonicalRequest))
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, r.Region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(crHash[:]),
	}, "\n")

	key := signingKey(r.SecretAccessKey, dateStamp, r.Region, "s3")
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	authHeader := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		r.AccessKeyID, scope, signedHeaders, signature,
	)

	headers = http.Header{}
	for _, name := range names {
		headers.Set(name, headerSet[name])
	}
	headers.Set("Authorization", authHeader)
	return headers, nil
}

// Put executes a signed PUT of r.Body against r's derived URL using client,
// or http.DefaultClient if nil.
func Put(client *http.Client, r Request) (Result, error) {
	if client == nil {
		client = http.DefaultClient
	}

	headers, err := Sign(r, time.Now())
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequest(http.MethodPut, r.url(), bytes.NewReader(r.Body))
	if err != nil {
		return Result{}, fmt.Errorf("s3signer: building request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("s3signer: put: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return Result{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		BodyText:   string(body),
	}, nil
}
