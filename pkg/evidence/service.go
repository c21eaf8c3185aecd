package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/edforman-75/bentham-sub003/pkg/artifacts"
	"github.com/edforman-75/bentham-sub003/pkg/observability"
)

const systemActor = "system"

// VerificationResult is the outcome of Verify. Content problems are reported
// here, never as errors.
type VerificationResult struct {
	JobID          string    `json:"job_id"`
	Valid          bool      `json:"valid"`
	Reason         string    `json:"reason"`
	ExpectedHash   string    `json:"expected_hash,omitempty"`
	ActualHash     string    `json:"actual_hash,omitempty"`
	TimestampValid *bool     `json:"timestamp_valid,omitempty"`
	VerifiedAt     time.Time `json:"verified_at"`
}

// Service is the evidence subsystem's entry point: capture, store,
// retrieve, verify, delete, legal hold and purge, each recorded in the
// custody log.
type Service struct {
	capturer  *Capturer
	store     *Store
	custody   CustodyLog
	authority Authority
	retention RetentionPolicy
	metrics   *observability.Metrics
	logger    *slog.Logger
	clock     func() time.Time
}

// NewService wires a service over a blob backend and a custody log.
func NewService(blobs artifacts.Store, custody CustodyLog) *Service {
	return &Service{
		capturer:  NewCapturer(nil),
		store:     NewStore(blobs),
		custody:   custody,
		retention: RetentionPolicy{Days: 365},
		logger:    slog.Default().With("component", "evidence"),
		clock:     time.Now,
	}
}

// WithAuthority configures a timestamp authority for capture and verify.
func (s *Service) WithAuthority(a Authority) *Service {
	s.authority = a
	s.capturer.authority = a
	return s
}

// WithRetention sets the policy applied when Store is called with a zero policy.
func (s *Service) WithRetention(p RetentionPolicy) *Service {
	s.retention = p
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	s.capturer.clock = clock
	s.store.clock = clock
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger.With("component", "evidence")
	s.capturer.logger = s.logger
	return s
}

func (s *Service) WithMetrics(m *observability.Metrics) *Service {
	s.metrics = m
	return s
}

// Capture builds a bundle and appends a captured entry.
func (s *Service) Capture(ctx context.Context, req CaptureRequest) (*Bundle, error) {
	b, err := s.capturer.Capture(ctx, req)
	if err != nil {
		return nil, err
	}
	details := map[string]string{
		"level":        string(b.Level),
		"content_hash": b.ContentHash,
	}
	if b.Timestamp != nil {
		details["timestamp_authority"] = b.Timestamp.Authority
	}
	if _, err := s.custody.Append(ctx, b.JobID, ActionCaptured, systemActor, details); err != nil {
		return nil, fmt.Errorf("custody append: %w", err)
	}
	s.metrics.EvidenceCaptured(ctx, string(b.Level))
	return b, nil
}

// Store persists a captured bundle and appends a stored entry. A zero policy
// takes the service default.
func (s *Service) Store(ctx context.Context, b *Bundle, policy RetentionPolicy) (*Record, error) {
	if policy == (RetentionPolicy{}) {
		policy = s.retention
	}
	rec, err := s.store.Save(ctx, b, policy)
	if err != nil {
		return nil, err
	}
	details := map[string]string{
		"content_hash": rec.ContentHash,
		"location":     rec.Locations[ArtifactMetadata],
		"legal_hold":   strconv.FormatBool(rec.LegalHold),
	}
	if rec.ExpiresAt != nil {
		details["expires_at"] = rec.ExpiresAt.Format(time.RFC3339)
	}
	if _, err := s.custody.Append(ctx, b.JobID, ActionStored, systemActor, details); err != nil {
		return nil, fmt.Errorf("custody append: %w", err)
	}
	return rec, nil
}

// CaptureAndStore is Capture followed by Store.
func (s *Service) CaptureAndStore(ctx context.Context, req CaptureRequest, policy RetentionPolicy) (*Bundle, *Record, error) {
	b, err := s.Capture(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.Store(ctx, b, policy)
	if err != nil {
		return b, nil, err
	}
	return b, rec, nil
}

// Retrieve returns the stored bundle and appends an accessed entry. A job
// with nothing stored yields ErrEvidenceNotFound; the attempt is still
// logged, with found=false.
func (s *Service) Retrieve(ctx context.Context, jobID string, actor string) (*Bundle, error) {
	b, _, loadErr := s.store.Load(ctx, jobID)
	found := loadErr == nil
	if loadErr != nil && !errors.Is(loadErr, ErrEvidenceNotFound) {
		return nil, loadErr
	}
	if actor == "" {
		actor = systemActor
	}
	details := map[string]string{"found": strconv.FormatBool(found)}
	if _, err := s.custody.Append(ctx, jobID, ActionAccessed, actor, details); err != nil {
		return nil, fmt.Errorf("custody append: %w", err)
	}
	if !found {
		return nil, loadErr
	}
	return b, nil
}

// Verify recomputes the bundle hash and checks the timestamp token. It always
// appends a verified entry.
func (s *Service) Verify(ctx context.Context, jobID string) (*VerificationResult, error) {
	res := &VerificationResult{JobID: jobID, VerifiedAt: s.clock().UTC()}

	b, rec, err := s.store.Load(ctx, jobID)
	switch {
	case errors.Is(err, ErrEvidenceNotFound):
		res.Reason = "Evidence not found"
	case err != nil:
		return nil, err
	default:
		s.check(ctx, b, rec, res)
	}

	details := map[string]string{
		"valid":  strconv.FormatBool(res.Valid),
		"reason": res.Reason,
	}
	if _, err := s.custody.Append(ctx, jobID, ActionVerified, systemActor, details); err != nil {
		return nil, fmt.Errorf("custody append: %w", err)
	}
	s.metrics.EvidenceVerified(ctx, res.Valid)
	return res, nil
}

func (s *Service) check(ctx context.Context, b *Bundle, rec *Record, res *VerificationResult) {
	res.ExpectedHash = rec.ContentHash
	hashes, combined, err := ComputeHashes(b)
	if err != nil {
		res.Reason = fmt.Sprintf("hash computation failed: %v", err)
		return
	}
	res.ActualHash = combined
	if combined != rec.ContentHash {
		res.Reason = mismatchReason(rec.Hashes, hashes, rec.ContentHash, combined)
		return
	}

	if rec.Timestamp != nil && s.authority != nil {
		ok, err := s.authority.Verify(ctx, []byte(rec.ContentHash), rec.Timestamp)
		if err != nil {
			s.logger.WarnContext(ctx, "timestamp verification failed", "job_id", rec.JobID, "error", err)
		}
		res.TimestampValid = &ok
		if !ok {
			res.Reason = "Timestamp token invalid"
			return
		}
	}
	res.Valid = true
	res.Reason = "Evidence verified successfully"
}

func mismatchReason(want, got map[ArtifactType]string, wantCombined, gotCombined string) string {
	var parts []string
	for t, h := range want {
		if got[t] != h {
			parts = append(parts, string(t))
		}
	}
	for t := range got {
		if _, ok := want[t]; !ok {
			parts = append(parts, string(t))
		}
	}
	sort.Strings(parts)
	if len(parts) == 0 {
		return fmt.Sprintf("Hash mismatch: expected %s, got %s", wantCombined, gotCombined)
	}
	return fmt.Sprintf("Hash mismatch in %s: expected %s, got %s", strings.Join(parts, ", "), wantCombined, gotCombined)
}

// Delete removes a job's evidence unless it is held. It reports false,
// never an error, for a held or missing record.
func (s *Service) Delete(ctx context.Context, jobID string, actor string) (bool, error) {
	err := s.store.Delete(ctx, jobID)
	switch {
	case errors.Is(err, ErrLegalHold):
		s.logger.InfoContext(ctx, "delete refused under legal hold", "job_id", jobID)
		return false, nil
	case errors.Is(err, ErrEvidenceNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	if actor == "" {
		actor = systemActor
	}
	if _, err := s.custody.Append(ctx, jobID, ActionDeleted, actor, nil); err != nil {
		return true, fmt.Errorf("custody append: %w", err)
	}
	return true, nil
}

// SetLegalHold toggles the hold on stored evidence.
func (s *Service) SetLegalHold(ctx context.Context, jobID string, hold bool, actor string) error {
	if _, err := s.store.SetLegalHold(ctx, jobID, hold); err != nil {
		return err
	}
	if actor == "" {
		actor = systemActor
	}
	_, err := s.custody.Append(ctx, jobID, ActionLegalHoldChanged, actor, map[string]string{
		"legal_hold": strconv.FormatBool(hold),
	})
	return err
}

// PurgeExpired deletes every record past its retention that is not held and
// returns how many were removed.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	ids, err := s.store.JobIDs(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock()
	purged := 0
	for _, id := range ids {
		rec, err := s.store.Record(ctx, id)
		if err != nil {
			if errors.Is(err, ErrEvidenceNotFound) {
				continue
			}
			return purged, err
		}
		if !rec.Expired(now) {
			continue
		}
		if err := s.store.Delete(ctx, id); err != nil {
			if errors.Is(err, ErrLegalHold) || errors.Is(err, ErrEvidenceNotFound) {
				continue
			}
			return purged, err
		}
		if _, err := s.custody.Append(ctx, id, ActionPurged, systemActor, map[string]string{
			"expired_at": rec.ExpiresAt.Format(time.RFC3339),
		}); err != nil {
			return purged, fmt.Errorf("custody append: %w", err)
		}
		purged++
	}
	if purged > 0 {
		s.logger.InfoContext(ctx, "purged expired evidence", "count", purged)
	}
	return purged, nil
}

// CustodyChain returns a job's custody entries in order.
func (s *Service) CustodyChain(ctx context.Context, jobID string) ([]CustodyEntry, error) {
	return s.custody.Entries(ctx, jobID)
}

// VerifyCustody checks a job's custody chain for tampering.
func (s *Service) VerifyCustody(ctx context.Context, jobID string) error {
	entries, err := s.custody.Entries(ctx, jobID)
	if err != nil {
		return err
	}
	return VerifyChain(entries)
}

// URL returns where one artifact of a job lives.
func (s *Service) URL(jobID string, t ArtifactType) string {
	return s.store.URL(jobID, t)
}
