package probe

import (
	"fmt"
	"regexp"
	"strings"
)

// Config controls how fields are extracted from a probe program's output.
//
// Probe programs print `key: value` lines on stdout. Extractors pick named
// fields out of that text; anything that does not match is ignored, so an
// unparsable probe simply yields no fields.
type Config struct {
	Extract []ExtractorConfig `json:"extract" yaml:"extract"`
}

type ExtractorConfig struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`

	// For type=key_value. Defaults to Name.
	Key string `json:"key" yaml:"key"`

	// For type=regex.
	Pattern string `json:"pattern" yaml:"pattern"`
	Group   int    `json:"group" yaml:"group"`
}

const (
	TypeKeyValue = "key_value"
	TypeRegex    = "regex"
)

func (c *Config) Validate() error {
	seen := map[string]struct{}{}
	for i := range c.Extract {
		e := c.Extract[i]
		e.Name = strings.TrimSpace(e.Name)
		e.Type = strings.TrimSpace(strings.ToLower(e.Type))
		e.Key = strings.TrimSpace(e.Key)
		c.Extract[i] = e

		if e.Name == "" {
			return fmt.Errorf("extract[%d].name is required", i)
		}
		if _, ok := seen[e.Name]; ok {
			return fmt.Errorf("extract[%d].name %q is duplicated", i, e.Name)
		}
		seen[e.Name] = struct{}{}

		switch e.Type {
		case TypeKeyValue:
		case TypeRegex:
			if strings.TrimSpace(e.Pattern) == "" {
				return fmt.Errorf("extract[%d].pattern is required for type=regex", i)
			}
			if e.Group < 0 {
				return fmt.Errorf("extract[%d].group must be >= 0", i)
			}
			if _, err := regexp.Compile(e.Pattern); err != nil {
				return fmt.Errorf("extract[%d].pattern invalid: %w", i, err)
			}
		default:
			return fmt.Errorf("extract[%d].type %q is not supported", i, e.Type)
		}
	}
	return nil
}
