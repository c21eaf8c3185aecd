package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/edforman-75/bentham-sub003/pkg/artifacts"
)

var (
	ErrEvidenceNotFound = errors.New("evidence not found")
	ErrLegalHold        = errors.New("evidence is under legal hold")
)

const (
	keyRoot    = "evidence"
	recordName = "record.json"
)

var artifactFiles = map[ArtifactType]struct {
	name        string
	contentType string
}{
	ArtifactMetadata:   {"metadata.json", "application/json"},
	ArtifactScreenshot: {"screenshot.png", "image/png"},
	ArtifactHTML:       {"page.html", "text/html; charset=utf-8"},
	ArtifactNetworkHAR: {"network.har", "application/json"},
}

// RetentionPolicy controls when stored evidence may be purged.
type RetentionPolicy struct {
	Days    int  `json:"days,omitempty"`
	Forever bool `json:"forever,omitempty"`
}

// Record describes one job's stored evidence.
type Record struct {
	JobID       string                  `json:"job_id"`
	Level       CaptureLevel            `json:"level"`
	CapturedAt  time.Time               `json:"captured_at"`
	StoredAt    time.Time               `json:"stored_at"`
	Retention   RetentionPolicy         `json:"retention"`
	ExpiresAt   *time.Time              `json:"expires_at,omitempty"`
	LegalHold   bool                    `json:"legal_hold"`
	Hashes      map[ArtifactType]string `json:"hashes"`
	ContentHash string                  `json:"content_hash"`
	Timestamp   *TimestampToken         `json:"timestamp,omitempty"`
	Locations   map[ArtifactType]string `json:"locations"`
}

// Expired reports whether the record may be purged at now. Legal hold
// overrides any expiry.
func (r *Record) Expired(now time.Time) bool {
	if r.LegalHold || r.Retention.Forever || r.ExpiresAt == nil {
		return false
	}
	return !now.Before(*r.ExpiresAt)
}

// Store persists bundles on a blob backend keyed by job id. Operations on
// the same job id are serialized; different job ids proceed independently.
type Store struct {
	blobs artifacts.Store
	clock func() time.Time
	locks sync.Map // job id -> *sync.Mutex
}

func NewStore(blobs artifacts.Store) *Store {
	return &Store{blobs: blobs, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) lock(jobID string) func() {
	v, _ := s.locks.LoadOrStore(jobID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func artifactKey(jobID string, t ArtifactType) string {
	return keyRoot + "/" + jobID + "/" + artifactFiles[t].name
}

func recordKey(jobID string) string {
	return keyRoot + "/" + jobID + "/" + recordName
}

// URL returns the backend locator for one artifact of a job.
func (s *Store) URL(jobID string, t ArtifactType) string {
	if _, ok := artifactFiles[t]; !ok {
		return ""
	}
	return s.blobs.URL(artifactKey(jobID, t))
}

// Save writes b and its record. Re-saving a job overwrites it.
func (s *Store) Save(ctx context.Context, b *Bundle, policy RetentionPolicy) (*Record, error) {
	if err := artifacts.ValidateKey(recordKey(b.JobID)); err != nil {
		return nil, err
	}
	unlock := s.lock(b.JobID)
	defer unlock()

	now := s.clock().UTC()
	rec := &Record{
		JobID:       b.JobID,
		Level:       b.Level,
		CapturedAt:  b.CapturedAt,
		StoredAt:    now,
		Retention:   policy,
		LegalHold:   b.LegalHold,
		Hashes:      b.Hashes,
		ContentHash: b.ContentHash,
		Timestamp:   b.Timestamp,
		Locations:   make(map[ArtifactType]string, len(b.Hashes)),
	}
	if !policy.Forever && policy.Days > 0 {
		exp := now.Add(time.Duration(policy.Days) * 24 * time.Hour)
		rec.ExpiresAt = &exp
	}

	parts, err := bundleParts(b)
	if err != nil {
		return nil, err
	}
	for t, data := range parts {
		key := artifactKey(b.JobID, t)
		if err := s.blobs.Put(ctx, key, data, artifactFiles[t].contentType); err != nil {
			return nil, fmt.Errorf("store %s for %s: %w", t, b.JobID, err)
		}
		rec.Locations[t] = s.blobs.URL(key)
	}
	// Drop parts a previous save wrote that this bundle lacks.
	for t := range artifactFiles {
		if _, ok := parts[t]; !ok {
			if err := s.blobs.Delete(ctx, artifactKey(b.JobID, t)); err != nil {
				return nil, err
			}
		}
	}
	if err := s.putRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func bundleParts(b *Bundle) (map[ArtifactType][]byte, error) {
	meta, err := json.Marshal(b.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	parts := map[ArtifactType][]byte{ArtifactMetadata: meta}
	if len(b.Screenshot) > 0 {
		parts[ArtifactScreenshot] = b.Screenshot
	}
	if b.HTML != "" {
		parts[ArtifactHTML] = []byte(b.HTML)
	}
	if len(b.NetworkHAR) > 0 {
		parts[ArtifactNetworkHAR] = b.NetworkHAR
	}
	return parts, nil
}

func (s *Store) putRecord(ctx context.Context, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal evidence record: %w", err)
	}
	return s.blobs.Put(ctx, recordKey(rec.JobID), data, "application/json")
}

// Record returns the stored record for jobID.
func (s *Store) Record(ctx context.Context, jobID string) (*Record, error) {
	data, err := s.blobs.Get(ctx, recordKey(jobID))
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEvidenceNotFound, jobID)
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode evidence record %s: %w", jobID, err)
	}
	return &rec, nil
}

// Load reads back a bundle and its record. A missing part is left empty so
// that verification notices it.
func (s *Store) Load(ctx context.Context, jobID string) (*Bundle, *Record, error) {
	unlock := s.lock(jobID)
	defer unlock()

	rec, err := s.Record(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	b := &Bundle{
		JobID:       rec.JobID,
		Level:       rec.Level,
		CapturedAt:  rec.CapturedAt,
		LegalHold:   rec.LegalHold,
		Hashes:      rec.Hashes,
		ContentHash: rec.ContentHash,
		Timestamp:   rec.Timestamp,
	}
	for t := range rec.Hashes {
		data, err := s.blobs.Get(ctx, artifactKey(jobID, t))
		if errors.Is(err, artifacts.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		switch t {
		case ArtifactMetadata:
			if err := json.Unmarshal(data, &b.Metadata); err != nil {
				return nil, nil, fmt.Errorf("decode metadata %s: %w", jobID, err)
			}
		case ArtifactScreenshot:
			b.Screenshot = data
		case ArtifactHTML:
			b.HTML = string(data)
		case ArtifactNetworkHAR:
			b.NetworkHAR = data
		}
	}
	return b, rec, nil
}

// Delete removes a job's evidence. It refuses with ErrLegalHold when the
// record is held and ErrEvidenceNotFound when there is nothing to delete.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	unlock := s.lock(jobID)
	defer unlock()

	rec, err := s.Record(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.LegalHold {
		return fmt.Errorf("%w: %s", ErrLegalHold, jobID)
	}
	for t := range artifactFiles {
		if err := s.blobs.Delete(ctx, artifactKey(jobID, t)); err != nil {
			return err
		}
	}
	return s.blobs.Delete(ctx, recordKey(jobID))
}

// SetLegalHold toggles the hold flag on a stored record.
func (s *Store) SetLegalHold(ctx context.Context, jobID string, hold bool) (*Record, error) {
	unlock := s.lock(jobID)
	defer unlock()

	rec, err := s.Record(ctx, jobID)
	if err != nil {
		return nil, err
	}
	rec.LegalHold = hold
	if err := s.putRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// JobIDs lists every job with a stored record.
func (s *Store) JobIDs(ctx context.Context) ([]string, error) {
	keys, err := s.blobs.List(ctx, keyRoot+"/")
	if err != nil {
		return nil, err
	}
	var ids []string
	suffix := "/" + recordName
	for _, k := range keys {
		if strings.HasSuffix(k, suffix) {
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(k, keyRoot+"/"), suffix))
		}
	}
	return ids, nil
}
