package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mohammadhprp/modguard/internal/limiter"
)

// LimitsFile is the YAML document listing extra limit configs:
//
//	limits:
//	  - name: spam-reports
//	    max_requests: 3
//	    window_seconds: 600
//	    strategy: sliding_window
type LimitsFile struct {
	Limits []limiter.Config `yaml:"limits"`
}

// LoadLimits reads limit configs from a YAML file. An empty path yields no
// configs.
func LoadLimits(path string) ([]limiter.Config, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open limits file: %w", err)
	}
	defer f.Close()

	return ParseLimits(f)
}

// ParseLimits decodes a limits document and validates every entry
func ParseLimits(r io.Reader) ([]limiter.Config, error) {
	var doc LimitsFile

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode limits file: %w", err)
	}

	for i, cfg := range doc.Limits {
		if err := cfg.Normalize().Validate(); err != nil {
			return nil, fmt.Errorf("limit %d (%s): %w", i, cfg.Name, err)
		}
	}
	return doc.Limits, nil
}
