// Package criteria loads pre-extracted trial criteria sets from YAML, TOML or JSON
// files and caches them for concurrent screening requests.
package criteria

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/trial-screening-engine/internal/domain"
)

// Supported file formats
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
	FormatJSON = "json"
)

var extensions = []string{".yaml", ".yml", ".toml", ".json"}

// FormatForPath picks the decoder by file extension
func FormatForPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported criteria file extension: %q", filepath.Ext(path))
}

// Parse decodes and validates a criteria set
func Parse(data []byte, format string) (*domain.TrialCriteria, error) {
	tc := &domain.TrialCriteria{}
	var err error
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(tc)
	case FormatTOML:
		err = toml.Unmarshal(data, tc)
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(tc)
	default:
		return nil, fmt.Errorf("unsupported criteria format: %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s criteria: %w", format, err)
	}

	normalize(tc)
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	return tc, nil
}

// LoadFile reads one criteria file
func LoadFile(path string) (*domain.TrialCriteria, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read criteria file: %w", err)
	}
	tc, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return tc, nil
}

// normalize canonicalizes enum casing and fills in source order when the file
// does not give one
func normalize(tc *domain.TrialCriteria) {
	explicitOrder := false
	for _, c := range tc.Criteria {
		if c.Order != 0 {
			explicitOrder = true
			break
		}
	}

	counters := map[domain.CriterionKind]int{}
	for i := range tc.Criteria {
		c := &tc.Criteria[i]
		c.Kind = domain.CriterionKind(strings.ToUpper(strings.TrimSpace(string(c.Kind))))
		c.Category = domain.Category(strings.ToUpper(strings.TrimSpace(string(c.Category))))
		c.Operator = domain.Operator(strings.ToLower(strings.TrimSpace(string(c.Operator))))
		c.Field = strings.ToLower(strings.TrimSpace(c.Field))
		if !explicitOrder {
			counters[c.Kind]++
			c.Order = counters[c.Kind]
		}
	}
}

// Loader resolves trial ids to criteria files inside a directory
type Loader struct {
	dir    string
	logger *logrus.Logger
}

// NewLoader creates a file-backed criteria source
func NewLoader(dir string, logger *logrus.Logger) *Loader {
	return &Loader{dir: dir, logger: logger}
}

// Load finds <trialID>.{yaml,yml,toml,json} in the loader directory
func (l *Loader) Load(ctx context.Context, trialID string) (*domain.TrialCriteria, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if trialID == "" || strings.ContainsAny(trialID, `/\`) {
		return nil, domain.NewValidationError("trial_id", "invalid trial id", trialID)
	}

	for _, ext := range extensions {
		path := filepath.Join(l.dir, trialID+ext)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to stat criteria file: %w", err)
		}

		tc, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if tc.TrialID == "" {
			tc.TrialID = trialID
		}

		l.logger.WithFields(logrus.Fields{
			"trial_id": trialID,
			"version":  tc.Version,
			"criteria": len(tc.Criteria),
			"file":     path,
		}).Debug("Loaded trial criteria")
		return tc, nil
	}

	return nil, fmt.Errorf("criteria for trial %s: %w", trialID, domain.ErrNotFound)
}
