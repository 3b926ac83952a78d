// Package runrecordstore implements spec §4.4's RunRecordStore: fs, db, and
// dual write/read modes over a tenant's verification run records.
// Grounded on the teacher's pkg/runbook.Store (pgx query/scan shape, a
// DBTX interface decoupling callers from pgxpool vs. pgx.Tx) adapted to
// this package's fs-primary, DB-secondary duality.
package runrecordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/settld/backend/pkg/retention"
)

// Mode selects where reads and writes go.
type Mode string

const (
	ModeFS   Mode = "fs"
	ModeDB   Mode = "db"
	ModeDual Mode = "dual"
)

var ErrNotFound = errors.New("NOT_FOUND")

// VerificationStatus is the closed tri-state health of a run.
type VerificationStatus string

const (
	StatusGreen VerificationStatus = "green"
	StatusAmber VerificationStatus = "amber"
	StatusRed   VerificationStatus = "red"
)

// Decision is the additive decision summary merged by UpdateDecision.
type Decision struct {
	Decision       string     `json:"decision,omitempty"`
	DecidedAt      *time.Time `json:"decidedAt,omitempty"`
	DecidedByEmail string     `json:"decidedByEmail,omitempty"`
}

// Record is the full run document; RecordJSON is the source of truth and
// the typed fields are a projection kept in sync on every write.
type Record struct {
	TenantID            string              `json:"tenantId"`
	Token               string              `json:"token"`
	CreatedAt           time.Time           `json:"createdAt"`
	VerificationStatus  VerificationStatus  `json:"verificationStatus"`
	EvidenceCount       int                 `json:"evidenceCount"`
	ActiveEvidenceCount int                 `json:"activeEvidenceCount"`
	SLACompliancePct    int                 `json:"slaCompliancePct"`
	TemplateID          string              `json:"templateId"`
	TemplateConfigHash  string              `json:"templateConfigHash"`
	Decision            Decision            `json:"decision"`
	RecordJSON          json.RawMessage     `json:"recordJson"`
}

// DBTX is the minimal pgx surface this store needs, satisfied by both
// *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store is the top-level fs/db/dual run record store.
type Store struct {
	dataDir string
	mode    Mode
	db      DBTX
}

// New constructs a Store. db may be nil when mode is ModeFS.
func New(dataDir string, mode Mode, db DBTX) *Store {
	return &Store{dataDir: dataDir, mode: mode, db: db}
}

func (s *Store) fsPath(tenantID, token string) string {
	return filepath.Join(s.dataDir, "runs", tenantID, token+".json")
}

// Save writes a run record according to the store's mode. In dual mode,
// the secondary write (DB) is best-effort: its failure does not fail the
// call once the primary (FS) write has succeeded.
func (s *Store) Save(ctx context.Context, record Record) error {
	switch s.mode {
	case ModeFS:
		return s.saveFS(record)
	case ModeDB:
		return s.saveDB(ctx, record)
	case ModeDual:
		if err := s.saveFS(record); err != nil {
			return err
		}
		_ = s.saveDB(ctx, record) // best-effort secondary
		return nil
	default:
		return fmt.Errorf("runrecordstore: unknown mode %q", s.mode)
	}
}

func (s *Store) saveFS(record Record) error {
	return writeJSONAtomic(s.fsPath(record.TenantID, record.Token), record)
}

func (s *Store) saveDB(ctx context.Context, record Record) error {
	if s.db == nil {
		return fmt.Errorf("runrecordstore: db mode requires a database connection")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO run_records (tenant_id, token, created_at, verification_status,
			evidence_count, active_evidence_count, sla_compliance_pct,
			template_id, template_config_hash, decision_json, record_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (tenant_id, token) DO UPDATE SET
			verification_status = EXCLUDED.verification_status,
			evidence_count = EXCLUDED.evidence_count,
			active_evidence_count = EXCLUDED.active_evidence_count,
			sla_compliance_pct = EXCLUDED.sla_compliance_pct,
			template_id = EXCLUDED.template_id,
			template_config_hash = EXCLUDED.template_config_hash,
			decision_json = EXCLUDED.decision_json,
			record_json = EXCLUDED.record_json
	`, record.TenantID, record.Token, record.CreatedAt, record.VerificationStatus,
		record.EvidenceCount, record.ActiveEvidenceCount, record.SLACompliancePct,
		record.TemplateID, record.TemplateConfigHash, mustMarshal(record.Decision), []byte(record.RecordJSON))
	return err
}

// Get reads a run record per the store's read policy: db-only in ModeDB,
// db-first-with-fs-fallback in ModeDual, fs-only in ModeFS.
func (s *Store) Get(ctx context.Context, tenantID, token string) (Record, error) {
	switch s.mode {
	case ModeFS:
		return s.getFS(tenantID, token)
	case ModeDB:
		return s.getDB(ctx, tenantID, token)
	case ModeDual:
		record, err := s.getDB(ctx, tenantID, token)
		if err == nil {
			return record, nil
		}
		return s.getFS(tenantID, token)
	default:
		return Record{}, fmt.Errorf("runrecordstore: unknown mode %q", s.mode)
	}
}

func (s *Store) getFS(tenantID, token string) (Record, error) {
	data, err := os.ReadFile(s.fsPath(tenantID, token))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, err
	}
	return record, nil
}

func (s *Store) getDB(ctx context.Context, tenantID, token string) (Record, error) {
	if s.db == nil {
		return Record{}, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `
		SELECT tenant_id, token, created_at, verification_status,
			evidence_count, active_evidence_count, sla_compliance_pct,
			template_id, template_config_hash, decision_json, record_json
		FROM run_records WHERE tenant_id = $1 AND token = $2
	`, tenantID, token)

	var record Record
	var decisionJSON []byte
	err := row.Scan(&record.TenantID, &record.Token, &record.CreatedAt, &record.VerificationStatus,
		&record.EvidenceCount, &record.ActiveEvidenceCount, &record.SLACompliancePct,
		&record.TemplateID, &record.TemplateConfigHash, &decisionJSON, &record.RecordJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	_ = json.Unmarshal(decisionJSON, &record.Decision)
	return record, nil
}

// UpdateDecision merges decision into the stored record without rewriting
// any other field.
func (s *Store) UpdateDecision(ctx context.Context, tenantID, token string, decision Decision) error {
	record, err := s.Get(ctx, tenantID, token)
	if err != nil {
		return err
	}
	record.Decision = decision
	return s.Save(ctx, record)
}

// ListTenants returns the tenant ids the store currently knows about, by
// scanning the FS run directory (authoritative regardless of mode, since
// it's the simplest enumeration surface available without a dedicated
// tenants table).
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	dir := filepath.Join(s.dataDir, "runs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, entry.Name())
		}
	}
	return out, nil
}

// List returns a tenant's run records ordered by createdAt DESC, token DESC.
func (s *Store) List(ctx context.Context, tenantID string) ([]Record, error) {
	dir := filepath.Join(s.dataDir, "runs", tenantID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].Token > records[j].Token
	})
	return records, nil
}

// ListRuns adapts List to pkg/retention.Store's interface so Store can be
// passed directly to retention.New.
func (s *Store) ListRuns(ctx context.Context, tenantID string) ([]retention.RunRecord, error) {
	records, err := s.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]retention.RunRecord, 0, len(records))
	for _, r := range records {
		out = append(out, retention.RunRecord{TenantID: r.TenantID, Token: r.Token, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

// DeleteRun removes a run record from both fs and (if configured) db.
func (s *Store) DeleteRun(ctx context.Context, tenantID, token string) error {
	if err := os.Remove(s.fsPath(tenantID, token)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if s.db != nil {
		_, _ = s.db.Exec(ctx, `DELETE FROM run_records WHERE tenant_id = $1 AND token = $2`, tenantID, token)
	}
	return nil
}

// MigrateFSToDB is the best-effort fs->db backfill tool: any row failure
// is counted as skipped, never fatal, per spec §9 Open Question (b).
func (s *Store) MigrateFSToDB(ctx context.Context) (migrated, skipped int, err error) {
	if s.db == nil {
		return 0, 0, fmt.Errorf("runrecordstore: migration requires a database connection")
	}
	tenants, err := s.ListTenants(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, tenantID := range tenants {
		records, err := s.List(ctx, tenantID)
		if err != nil {
			skipped++
			continue
		}
		for _, record := range records {
			if err := s.saveDB(ctx, record); err != nil {
				skipped++
				continue
			}
			migrated++
		}
	}
	return migrated, skipped, nil
}

func mustMarshal(v any) []byte {
	data, _ := json.Marshal(v)
	return data
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
