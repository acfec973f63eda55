package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
)

// Decode parses JSON or YAML (by file extension) into a defaulted, validated
// Config. Unknown fields and trailing data are rejected.
func Decode(name string, data []byte) (*Config, error) {
	base := filepath.Base(name)
	jb, err := toJSON(name, data)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", base, err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, fmt.Errorf("decode %s: trailing data", base)
	case !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("decode %s: %w", base, err)
	}

	cfg.ApplyDefaults()
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
