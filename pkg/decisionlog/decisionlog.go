// Package decisionlog implements the aggregate decision log and the
// append-only SettlementDecisionReport file-set sequencing from spec
// §3/§6: `decisions/<token>.json` plus `settlement_decisions/<token>/
// NNNN_{approve|hold}.json` with a strictly increasing dense sequence.
// Signing is grounded on the teacher's internal/auth.SessionManager's use
// of go-jose for HS256 signing, reused here for the optional
// settlementDecisionSigner instead of session tokens.
package decisionlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/go-jose/go-jose/v4"
)

var (
	ErrInvalidDecision = errors.New("INVALID_DECISION")
	ErrInvalidActor    = errors.New("INVALID_ACTOR")
)

const maxSequence = 9999

// Entry is one actor action appended to a token's aggregate decision log.
type Entry struct {
	Seq            int       `json:"seq"`
	Decision       string    `json:"decision"` // approve|hold
	ActorEmail     string    `json:"actorEmail"`
	At             time.Time `json:"at"`
}

// Report is the persisted shape of one settlement decision report file.
type Report struct {
	Seq            int       `json:"seq"`
	Decision       string    `json:"decision"`
	ActorEmail     string    `json:"actorEmail"`
	At             time.Time `json:"at"`
	ReportHash     string    `json:"reportHash"`
	Signature      string    `json:"signature,omitempty"`
}

var filenamePattern = regexp.MustCompile(`^(\d{4})_(approve|hold)\.json$`)

// Signer signs settlement decision reports with HS256 via go-jose,
// mirroring the teacher's self-signed JWT approach but producing a
// compact JWS that embeds the report bytes as its payload rather than a
// bearer token.
type Signer struct {
	key []byte
}

// NewSigner constructs a Signer. key must be non-empty.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("decisionlog: signer key must not be empty")
	}
	return &Signer{key: key}, nil
}

// Sign produces a compact JWS over payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: s.key}, nil)
	if err != nil {
		return "", fmt.Errorf("decisionlog: creating signer: %w", err)
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("decisionlog: signing: %w", err)
	}
	return obj.CompactSerialize()
}

// Store persists decision logs and settlement decision report file sets.
type Store struct {
	dataDir string
	signer  *Signer
}

// New constructs a Store. signer may be nil (unsigned reports).
func New(dataDir string, signer *Signer) *Store {
	return &Store{dataDir: dataDir, signer: signer}
}

func (s *Store) logPath(token string) string {
	return filepath.Join(s.dataDir, "decisions", token+".json")
}

func (s *Store) reportDir(token string) string {
	return filepath.Join(s.dataDir, "settlement_decisions", token)
}

// Append adds one actor decision to the aggregate log for token.
func (s *Store) Append(token, decision, actorEmail string) error {
	if decision != "approve" && decision != "hold" {
		return ErrInvalidDecision
	}
	if actorEmail == "" {
		return ErrInvalidActor
	}

	entries, err := s.readLog(token)
	if err != nil {
		return err
	}
	entries = append(entries, Entry{
		Seq:        len(entries),
		Decision:   decision,
		ActorEmail: actorEmail,
		At:         time.Now().UTC(),
	})
	return writeJSONAtomic(s.logPath(token), entries)
}

func (s *Store) readLog(token string) ([]Entry, error) {
	data, err := os.ReadFile(s.logPath(token))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// AppendReport writes the next sequentially numbered settlement decision
// report for token, choosing max(existing seq)+1. Filenames form a
// strictly increasing dense prefix 0000..N-1 by construction: each append
// picks exactly one more than the current maximum.
func (s *Store) AppendReport(token, decision, actorEmail, reportHash string) (Report, error) {
	if decision != "approve" && decision != "hold" {
		return Report{}, ErrInvalidDecision
	}
	if actorEmail == "" {
		return Report{}, ErrInvalidActor
	}

	dir := s.reportDir(token)
	next, err := s.nextSequence(dir)
	if err != nil {
		return Report{}, err
	}
	if next > maxSequence {
		return Report{}, fmt.Errorf("decisionlog: settlement decision sequence cap (%d) exceeded for token %s", maxSequence, token)
	}

	report := Report{
		Seq:        next,
		Decision:   decision,
		ActorEmail: actorEmail,
		At:         time.Now().UTC(),
		ReportHash: reportHash,
	}

	if s.signer != nil {
		payload, _ := json.Marshal(report)
		sig, err := s.signer.Sign(payload)
		if err != nil {
			return Report{}, err
		}
		report.Signature = sig
	}

	filename := fmt.Sprintf("%04d_%s.json", next, decision)
	if err := writeJSONAtomic(filepath.Join(dir, filename), report); err != nil {
		return Report{}, err
	}
	return report, nil
}

func (s *Store) nextSequence(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	max := -1
	for _, entry := range entries {
		m := filenamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		seq, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if seq > max {
			max = seq
		}
	}
	return max + 1, nil
}

// ListReports returns every settlement decision report for token, ordered
// by sequence ascending.
func (s *Store) ListReports(token string) ([]Report, error) {
	dir := s.reportDir(token)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var reports []Report
	for _, entry := range entries {
		if filenamePattern.FindStringSubmatch(entry.Name()) == nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var report Report
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Seq < reports[j].Seq })
	return reports, nil
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
