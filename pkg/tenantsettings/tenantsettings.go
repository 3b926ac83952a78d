// Package tenantsettings implements spec §4.3: versioned TenantSettings,
// validated patching, API sanitization, and plan-based entitlement
// resolution. Grounded on the teacher's pkg/tenantconfig validated-patch
// shape (each sub-object gets its own normalizer returning {ok, value|error})
// and its v1->v2 migration-on-load convention.
package tenantsettings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/settld/backend/pkg/secretbox"
)

// SchemaVersion tags the current on-disk settings shape.
const SchemaVersion = "MagicLinkTenantSettings.v2"

// Plan is a closed enum of subscription tiers.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBuilder    Plan = "builder"
	PlanGrowth     Plan = "growth"
	PlanEnterprise Plan = "enterprise"
)

// normalizePlan resolves the historical "scale" alias to "enterprise".
func normalizePlan(raw string) (Plan, error) {
	if raw == "scale" {
		raw = string(PlanEnterprise)
	}
	switch Plan(raw) {
	case PlanFree, PlanBuilder, PlanGrowth, PlanEnterprise:
		return Plan(raw), nil
	default:
		return "", fmt.Errorf("plan must be free|builder|growth|enterprise")
	}
}

// Mode is the default verification mode.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeStrict Mode = "strict"
	ModeCompat Mode = "compat"
)

// WebhookConfig is one subscription endpoint.
type WebhookConfig struct {
	ID      string   `json:"id"`
	URL     string   `json:"url"`
	Events  []string `json:"events"`
	Enabled bool     `json:"enabled"`
	Secret  string   `json:"secret,omitempty"` // plaintext or enc:v1: envelope
}

// PaymentTriggers mirrors spec §3's embedded paymentTriggers object.
type PaymentTriggers struct {
	Enabled      bool   `json:"enabled"`
	DeliveryMode string `json:"deliveryMode"` // record|webhook
	WebhookURL   string `json:"webhookUrl,omitempty"`
	WebhookSecret string `json:"webhookSecret,omitempty"`
}

// ArchiveExportSink describes an S3 destination for exports.
type ArchiveExportSink struct {
	Bucket          string `json:"bucket,omitempty"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	SSE             string `json:"sse,omitempty"` // "", "AES256", "aws:kms"
	KMSKeyID        string `json:"kmsKeyId,omitempty"`
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	SessionToken    string `json:"sessionToken,omitempty"`
}

// SettlementDecisionSigner signs decision reports with a remote or local key.
type SettlementDecisionSigner struct {
	Mode                 string `json:"mode,omitempty"` // "local" | "remote"
	PrivateKeyPEM        string `json:"privateKeyPem,omitempty"`
	RemoteSignerURL      string `json:"remoteSignerUrl,omitempty"`
	RemoteSignerBearerToken string `json:"remoteSignerBearerToken,omitempty"`
}

// RateLimit is a per-endpoint request budget.
type RateLimit struct {
	Endpoint       string `json:"endpoint"`
	RequestsPerMin int    `json:"requestsPerMin"`
}

// BuyerNotifications toggles buyer-facing email notifications.
type BuyerNotifications struct {
	Enabled bool `json:"enabled"`
}

// Settings is the full TenantSettings.v2 document.
type Settings struct {
	SchemaVersion            string                   `json:"schemaVersion"`
	Plan                     Plan                     `json:"plan"`
	DefaultMode              Mode                     `json:"defaultMode"`
	RetentionDays            int                      `json:"retentionDays"`
	RateLimits               []RateLimit              `json:"rateLimits,omitempty"`
	Webhooks                 []WebhookConfig          `json:"webhooks,omitempty"`
	SettlementDecisionSigner *SettlementDecisionSigner `json:"settlementDecisionSigner,omitempty"`
	PaymentTriggers          PaymentTriggers          `json:"paymentTriggers"`
	BuyerNotifications       BuyerNotifications       `json:"buyerNotifications"`
	ArchiveExportSink        *ArchiveExportSink       `json:"archiveExportSink,omitempty"`
	VendorPolicies           map[string]json.RawMessage `json:"vendorPolicies,omitempty"`
	ContractPolicies         map[string]json.RawMessage `json:"contractPolicies,omitempty"`
}

// PlanLimits describes the entitlement ceiling for one plan.
type PlanLimits struct {
	MaxWebhooks      int
	MaxRunsPerMonth  int
	MaxIngestKeys    int
}

// PlanBilling describes default billing terms for a plan.
type PlanBilling struct {
	MonthlyPriceCents int
	Currency          string
}

// planCatalog is the closed set of known plans with their defaults.
var planCatalog = map[Plan]struct {
	Limits  PlanLimits
	Billing PlanBilling
}{
	PlanFree:       {PlanLimits{MaxWebhooks: 1, MaxRunsPerMonth: 50, MaxIngestKeys: 1}, PlanBilling{0, "usd"}},
	PlanBuilder:    {PlanLimits{MaxWebhooks: 5, MaxRunsPerMonth: 1000, MaxIngestKeys: 5}, PlanBilling{4900, "usd"}},
	PlanGrowth:     {PlanLimits{MaxWebhooks: 20, MaxRunsPerMonth: 20000, MaxIngestKeys: 20}, PlanBilling{29900, "usd"}},
	PlanEnterprise: {PlanLimits{MaxWebhooks: 100, MaxRunsPerMonth: 1_000_000, MaxIngestKeys: 200}, PlanBilling{0, "usd"}},
}

// Entitlements is the resolved, plan-defaulted view of a tenant's limits.
type Entitlements struct {
	Plan   Plan
	Limits PlanLimits
	Billing PlanBilling
}

// ResolveEntitlements falls back to plan defaults for every field; there
// is currently no per-tenant override surface, so this always returns the
// plan's catalog entry.
func ResolveEntitlements(s Settings) Entitlements {
	entry, ok := planCatalog[s.Plan]
	if !ok {
		entry = planCatalog[PlanFree]
	}
	return Entitlements{Plan: s.Plan, Limits: entry.Limits, Billing: entry.Billing}
}

// Store loads/saves Settings documents under dataDir/tenants/<id>/settings.json.
type Store struct {
	dataDir string
	box     *secretbox.Box
}

// New constructs a Store.
func New(dataDir string, box *secretbox.Box) *Store {
	return &Store{dataDir: dataDir, box: box}
}

func (s *Store) path(tenantID string) string {
	return filepath.Join(s.dataDir, "tenants", tenantID, "settings.json")
}

// Default returns a minimally valid free-plan Settings document.
func Default() Settings {
	return Settings{
		SchemaVersion: SchemaVersion,
		Plan:          PlanFree,
		DefaultMode:   ModeAuto,
		RetentionDays: 30,
		PaymentTriggers: PaymentTriggers{
			Enabled:      false,
			DeliveryMode: "record",
		},
		BuyerNotifications: BuyerNotifications{Enabled: true},
	}
}

// Load reads tenant settings, migrating v1 documents to v2 in memory.
func (s *Store) Load(tenantID string) (Settings, error) {
	data, err := os.ReadFile(s.path(tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Settings{}, err
	}

	var envelope struct {
		SchemaVersion string `json:"schemaVersion"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Settings{}, fmt.Errorf("tenantsettings: unparseable document: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, err
	}

	if envelope.SchemaVersion != SchemaVersion {
		settings = migrateV1ToV2(settings)
	}
	return settings, nil
}

// migrateV1ToV2 stamps the v2 schemaVersion and defaults an empty
// paymentTriggers.deliveryMode to "record". It fills no archiveExportSink
// or artifactStorage defaults: archiveExportSink keeps whatever was loaded
// (nil when absent), and Settings has no artifactStorage field.
func migrateV1ToV2(s Settings) Settings {
	s.SchemaVersion = SchemaVersion
	if s.PaymentTriggers.DeliveryMode == "" {
		s.PaymentTriggers.DeliveryMode = "record"
	}
	return s
}

// Save persists settings for tenantID, encrypting plaintext secrets.
// tenantId is not itself a field of Settings — it is implied by the
// file's parent directory — so callers pass it explicitly.
func (s *Store) Save(tenantID string, settings Settings) error {
	settings.SchemaVersion = SchemaVersion
	encrypted := encryptSecrets(settings, s.box)
	return writeJSONAtomic(s.path(tenantID), encrypted)
}

func encryptSecrets(s Settings, box *secretbox.Box) Settings {
	if box == nil {
		return s
	}
	s.Webhooks = append([]WebhookConfig(nil), s.Webhooks...)
	for i := range s.Webhooks {
		if s.Webhooks[i].Secret != "" && !secretbox.IsEnvelope(s.Webhooks[i].Secret) {
			s.Webhooks[i].Secret, _ = box.Encrypt(s.Webhooks[i].Secret)
		}
	}
	if s.PaymentTriggers.WebhookSecret != "" && !secretbox.IsEnvelope(s.PaymentTriggers.WebhookSecret) {
		s.PaymentTriggers.WebhookSecret, _ = box.Encrypt(s.PaymentTriggers.WebhookSecret)
	}
	if s.ArchiveExportSink != nil && s.ArchiveExportSink.SecretAccessKey != "" && !secretbox.IsEnvelope(s.ArchiveExportSink.SecretAccessKey) {
		sink := *s.ArchiveExportSink
		sink.SecretAccessKey, _ = box.Encrypt(sink.SecretAccessKey)
		s.ArchiveExportSink = &sink
	}
	if s.SettlementDecisionSigner != nil && s.SettlementDecisionSigner.RemoteSignerBearerToken != "" && !secretbox.IsEnvelope(s.SettlementDecisionSigner.RemoteSignerBearerToken) {
		signer := *s.SettlementDecisionSigner
		signer.RemoteSignerBearerToken, _ = box.Encrypt(signer.RemoteSignerBearerToken)
		s.SettlementDecisionSigner = &signer
	}
	return s
}

// Patch is a sparse set of fields a caller wants to change. Every non-nil
// sub-object is independently validated before any field is applied.
type Patch struct {
	Plan               *string
	DefaultMode        *string
	RetentionDays      *int
	Webhooks           []WebhookConfig
	PaymentTriggers    *PaymentTriggers
	ArchiveExportSink  *ArchiveExportSink
	BuyerNotifications *BuyerNotifications
}

// ApplyPatch merges patch into current, validating each touched sub-object
// with its own normalizer. Each sub-object present in patch replaces the
// current one as a whole; fields inside a sub-object are not merged. On any
// validation failure, current is returned unchanged alongside the error —
// no partial writes.
func ApplyPatch(current Settings, patch Patch) (Settings, error) {
	next := current

	if patch.Plan != nil {
		p, err := normalizePlan(*patch.Plan)
		if err != nil {
			return current, err
		}
		next.Plan = p
	}

	if patch.DefaultMode != nil {
		m, err := normalizeMode(*patch.DefaultMode)
		if err != nil {
			return current, err
		}
		next.DefaultMode = m
	}

	if patch.RetentionDays != nil {
		if *patch.RetentionDays < 1 || *patch.RetentionDays > 3650 {
			return current, fmt.Errorf("retentionDays must be between 1 and 3650")
		}
		next.RetentionDays = *patch.RetentionDays
	}

	if patch.Webhooks != nil {
		validated, err := normalizeWebhooks(patch.Webhooks)
		if err != nil {
			return current, err
		}
		next.Webhooks = validated
	}

	if patch.PaymentTriggers != nil {
		validated, err := normalizePaymentTriggers(*patch.PaymentTriggers)
		if err != nil {
			return current, err
		}
		next.PaymentTriggers = validated
	}

	if patch.ArchiveExportSink != nil {
		validated, err := normalizeArchiveExportSink(*patch.ArchiveExportSink)
		if err != nil {
			return current, err
		}
		next.ArchiveExportSink = &validated
	}

	if patch.BuyerNotifications != nil {
		next.BuyerNotifications = *patch.BuyerNotifications
	}

	return next, nil
}

func normalizeMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeAuto, ModeStrict, ModeCompat:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("defaultMode must be auto|strict|compat")
	}
}

func normalizeWebhooks(raw []WebhookConfig) ([]WebhookConfig, error) {
	out := make([]WebhookConfig, 0, len(raw))
	for _, wh := range raw {
		if !strings.HasPrefix(wh.URL, "http://") && !strings.HasPrefix(wh.URL, "https://") {
			return nil, fmt.Errorf("webhook.url must be http(s)")
		}
		if len(wh.Events) == 0 {
			return nil, fmt.Errorf("webhook.events must be non-empty")
		}
		out = append(out, wh)
	}
	return out, nil
}

func normalizePaymentTriggers(raw PaymentTriggers) (PaymentTriggers, error) {
	if raw.DeliveryMode != "record" && raw.DeliveryMode != "webhook" {
		return PaymentTriggers{}, fmt.Errorf("paymentTriggers.deliveryMode must be record|webhook")
	}
	if raw.DeliveryMode == "webhook" && raw.WebhookURL == "" {
		return PaymentTriggers{}, fmt.Errorf("paymentTriggers.webhookUrl required when deliveryMode=webhook")
	}
	return raw, nil
}

func normalizeArchiveExportSink(raw ArchiveExportSink) (ArchiveExportSink, error) {
	if raw.SSE == "aws:kms" && raw.KMSKeyID == "" {
		return ArchiveExportSink{}, fmt.Errorf("archiveExportSink.kmsKeyId required when sse=aws:kms")
	}
	if raw.SSE != "" && raw.SSE != "AES256" && raw.SSE != "aws:kms" {
		return ArchiveExportSink{}, fmt.Errorf("archiveExportSink.sse must be AES256|aws:kms")
	}
	return raw, nil
}

// secretFieldNames lists the sensitive fields SanitizeForAPI nulls out.
var secretFieldNames = []string{
	"webhook.secret", "webhookSecret", "privateKeyPem", "remoteSignerBearerToken",
	"secretAccessKey", "sessionToken",
}

// SanitizeForAPI returns a copy of s with every secret-bearing field
// replaced with the empty string, safe to serve over the ops API.
func SanitizeForAPI(s Settings) Settings {
	out := s
	out.Webhooks = append([]WebhookConfig(nil), s.Webhooks...)
	for i := range out.Webhooks {
		out.Webhooks[i].Secret = ""
	}
	out.PaymentTriggers.WebhookSecret = ""
	if out.ArchiveExportSink != nil {
		sink := *out.ArchiveExportSink
		sink.SecretAccessKey = ""
		sink.SessionToken = ""
		out.ArchiveExportSink = &sink
	}
	if out.SettlementDecisionSigner != nil {
		signer := *out.SettlementDecisionSigner
		signer.PrivateKeyPEM = ""
		signer.RemoteSignerBearerToken = ""
		out.SettlementDecisionSigner = &signer
	}
	return out
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
