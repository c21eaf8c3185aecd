// Package manifest loads study manifests from YAML or JSON and validates
// them against the embedded JSON schema and the semantic rules the
// orchestrator depends on.
package manifest

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

//go:embed schemas/manifest.schema.json
var schemaJSON string

const schemaURL = "https://bentham.schemas.local/manifest.schema.json"

// SupportedVersions is the manifest format range this build accepts.
const SupportedVersions = "^1.0.0"

// DefaultVersion is assumed for manifests that do not declare one.
const DefaultVersion = "1.0.0"

var ErrInvalid = errors.New("invalid manifest")

// Validator checks manifests. It satisfies orchestrator.ManifestValidator.
type Validator struct {
	schema     *jsonschema.Schema
	constraint *semver.Constraints
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("manifest schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("manifest schema compile failed: %w", err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return nil, err
	}
	return &Validator{schema: compiled, constraint: constraint}, nil
}

// Load reads, normalizes and validates a manifest file.
func (v *Validator) Load(path string) (contracts.Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return contracts.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return v.Parse(data)
}

// Parse decodes YAML or JSON, checks the raw document against the schema
// and returns the normalized manifest.
func (v *Validator) Parse(data []byte) (contracts.Manifest, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return contracts.Manifest{}, fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return contracts.Manifest{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := v.validateJSON(raw); err != nil {
		return contracts.Manifest{}, err
	}

	var m contracts.Manifest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return contracts.Manifest{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	m = Normalize(m)
	if err := v.check(m); err != nil {
		return contracts.Manifest{}, err
	}
	return m, nil
}

// ValidateManifest runs the schema and semantic checks on an in-memory
// manifest.
func (v *Validator) ValidateManifest(_ context.Context, m contracts.Manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := v.validateJSON(raw); err != nil {
		return err
	}
	return v.check(m)
}

func (v *Validator) validateJSON(raw []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: schema: %v", ErrInvalid, err)
	}
	return nil
}

// check enforces what the schema cannot express.
func (v *Validator) check(m contracts.Manifest) error {
	version := m.Version
	if version == "" {
		version = DefaultVersion
	}
	sv, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalid, m.Version, err)
	}
	if !v.constraint.Check(sv) {
		return fmt.Errorf("%w: version %s is outside supported range %s", ErrInvalid, sv, SupportedVersions)
	}

	surfaces := make(map[string]bool, len(m.Surfaces))
	for _, s := range m.Surfaces {
		if err := checkID("surface", s.ID); err != nil {
			return err
		}
		if surfaces[s.ID] {
			return fmt.Errorf("%w: duplicate surface %q", ErrInvalid, s.ID)
		}
		surfaces[s.ID] = true
	}
	locations := make(map[string]bool, len(m.Locations))
	for _, l := range m.Locations {
		if err := checkID("location", l.ID); err != nil {
			return err
		}
		if locations[l.ID] {
			return fmt.Errorf("%w: duplicate location %q", ErrInvalid, l.ID)
		}
		locations[l.ID] = true
	}
	for _, id := range m.CompletionCriteria.RequiredSurfaces.SurfaceIDs {
		if !surfaces[id] {
			return fmt.Errorf("%w: required surface %q is not in the surface list", ErrInvalid, id)
		}
	}
	return nil
}

func checkID(kind, id string) error {
	if strings.TrimSpace(id) != id || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %s id %q is not a valid path segment", ErrInvalid, kind, id)
	}
	if !norm.NFC.IsNormalString(id) {
		return fmt.Errorf("%w: %s id %q is not NFC normalized", ErrInvalid, kind, id)
	}
	return nil
}

// Normalize returns m with query text NFC-normalized and trimmed so that
// visually identical queries hash identically.
func Normalize(m contracts.Manifest) contracts.Manifest {
	out := m
	out.Name = strings.TrimSpace(norm.NFC.String(m.Name))
	out.Queries = make([]contracts.Query, len(m.Queries))
	for i, q := range m.Queries {
		out.Queries[i] = contracts.Query{Text: strings.TrimSpace(norm.NFC.String(q.Text))}
	}
	return out
}
