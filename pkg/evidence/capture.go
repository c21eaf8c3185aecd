// Package evidence captures, hashes, stores and audits the artifacts
// produced by each completed job.
//
// A capture produces a Bundle whose parts are gated by the capture level.
// Every part is hashed with SHA-256 and rendered as "sha256:<hex>"; the
// combined hash is the SHA-256 of the RFC 8785 canonical JSON object mapping
// part names to part hashes, so any verifier with a JCS implementation can
// recompute it. Every action on a bundle is appended to a hash-chained
// custody log.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

// CaptureLevel gates which artifacts a capture includes.
type CaptureLevel string

const (
	// LevelNone captures metadata only.
	LevelNone CaptureLevel = "none"
	// LevelMetadata adds the response HTML.
	LevelMetadata CaptureLevel = "metadata"
	// LevelFull adds the screenshot and network archive.
	LevelFull CaptureLevel = "full"
)

// ParseCaptureLevel maps a manifest string to a level. Empty means full.
func ParseCaptureLevel(s string) (CaptureLevel, error) {
	switch CaptureLevel(s) {
	case "":
		return LevelFull, nil
	case LevelNone, LevelMetadata, LevelFull:
		return CaptureLevel(s), nil
	default:
		return "", fmt.Errorf("unknown capture level %q", s)
	}
}

// ArtifactType names one part of a bundle.
type ArtifactType string

const (
	ArtifactMetadata   ArtifactType = "metadata"
	ArtifactScreenshot ArtifactType = "screenshot"
	ArtifactHTML       ArtifactType = "html"
	ArtifactNetworkHAR ArtifactType = "network_har"
)

// Metadata is the always-present part of a bundle.
type Metadata struct {
	JobID          string `json:"job_id"`
	StudyID        string `json:"study_id"`
	SurfaceID      string `json:"surface_id"`
	LocationID     string `json:"location_id"`
	QueryText      string `json:"query_text"`
	ResponseText   string `json:"response_text,omitempty"`
	URL            string `json:"url,omitempty"`
	AdapterID      string `json:"adapter_id,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms"`
}

// Bundle is a captured piece of evidence.
type Bundle struct {
	JobID      string                  `json:"job_id"`
	Level      CaptureLevel            `json:"level"`
	CapturedAt time.Time               `json:"captured_at"`
	LegalHold  bool                    `json:"legal_hold"`
	Metadata   Metadata                `json:"metadata"`
	Screenshot []byte                  `json:"-"`
	HTML       string                  `json:"-"`
	NetworkHAR []byte                  `json:"-"`
	Hashes     map[ArtifactType]string `json:"hashes"`
	// ContentHash is the combined hash over Hashes.
	ContentHash string          `json:"content_hash"`
	Timestamp   *TimestampToken `json:"timestamp,omitempty"`
}

// CaptureRequest is everything needed to capture one job's evidence.
type CaptureRequest struct {
	Level     CaptureLevel
	LegalHold bool
	Job       contracts.Job
	// Response is the backend's already-fetched content. Nil captures
	// metadata from the job alone.
	Response *contracts.QueryResponse
}

// Capturer builds bundles and optionally timestamps them.
type Capturer struct {
	authority Authority
	clock     func() time.Time
	logger    *slog.Logger
}

// NewCapturer creates a capturer. authority may be nil.
func NewCapturer(authority Authority) *Capturer {
	return &Capturer{
		authority: authority,
		clock:     time.Now,
		logger:    slog.Default().With("component", "evidence"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Capturer) WithClock(clock func() time.Time) *Capturer {
	c.clock = clock
	return c
}

// WithLogger sets the logger.
func (c *Capturer) WithLogger(logger *slog.Logger) *Capturer {
	c.logger = logger
	return c
}

// Capture builds a bundle for req. A timestamp authority failure is logged
// and leaves the bundle untimestamped.
func (c *Capturer) Capture(ctx context.Context, req CaptureRequest) (*Bundle, error) {
	level := req.Level
	if level == "" {
		level = LevelFull
	}
	if _, err := ParseCaptureLevel(string(level)); err != nil {
		return nil, err
	}
	if req.Job.ID == "" {
		return nil, fmt.Errorf("capture: job id is required")
	}

	b := &Bundle{
		JobID:      req.Job.ID,
		Level:      level,
		CapturedAt: c.clock().UTC(),
		LegalHold:  req.LegalHold,
		Metadata: Metadata{
			JobID:      req.Job.ID,
			StudyID:    req.Job.StudyID,
			SurfaceID:  req.Job.SurfaceID,
			LocationID: req.Job.LocationID,
			QueryText:  req.Job.QueryText,
		},
	}

	if resp := req.Response; resp != nil {
		b.Metadata.ResponseText = resp.ResponseText
		b.Metadata.URL = resp.URL
		b.Metadata.AdapterID = resp.AdapterID
		b.Metadata.ResponseTimeMs = resp.Timing.TotalMs

		if level == LevelMetadata || level == LevelFull {
			b.HTML = resp.HTML
		}
		if level == LevelFull {
			b.Screenshot = resp.Screenshot
			b.NetworkHAR = resp.NetworkHAR
		}
	}

	hashes, combined, err := ComputeHashes(b)
	if err != nil {
		return nil, err
	}
	b.Hashes = hashes
	b.ContentHash = combined

	if c.authority != nil {
		tok, err := c.authority.Timestamp(ctx, []byte(combined))
		if err != nil {
			c.logger.WarnContext(ctx, "timestamp authority failed", "job_id", b.JobID, "error", err)
		} else {
			b.Timestamp = tok
		}
	}
	return b, nil
}

// ComputeHashes hashes every non-empty part of b and the bundle as a whole.
// It does not modify b.
func ComputeHashes(b *Bundle) (map[ArtifactType]string, string, error) {
	meta, err := canonicalJSON(b.Metadata)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize metadata: %w", err)
	}
	hashes := map[ArtifactType]string{
		ArtifactMetadata: HashBytes(meta),
	}
	if len(b.Screenshot) > 0 {
		hashes[ArtifactScreenshot] = HashBytes(b.Screenshot)
	}
	if b.HTML != "" {
		hashes[ArtifactHTML] = HashBytes([]byte(b.HTML))
	}
	if len(b.NetworkHAR) > 0 {
		hashes[ArtifactNetworkHAR] = HashBytes(b.NetworkHAR)
	}

	combined, err := canonicalJSON(hashes)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize hashes: %w", err)
	}
	return hashes, HashBytes(combined), nil
}

// HashBytes returns "sha256:<hex>" for data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}
