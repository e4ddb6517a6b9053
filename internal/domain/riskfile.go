package domain

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRiskFile overlays the YAML document at path onto cfg. Keys missing
// from the file keep their current values. Unknown keys are rejected so a
// misspelt threshold does not silently fall back to the default.
func LoadRiskFile(path string, cfg *RiskConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read risk file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse risk file %s: %w", path, err)
	}
	return nil
}
