// Package codes holds the clinical code catalogue used by validation rules.
package codes

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed catalogue.yaml
var embedded []byte

// Catalogue is the set of coded values the service needs to recognise.
type Catalogue struct {
	DiabetesTypes        map[string]string `yaml:"diabetes_type"`
	ClosedReasons        map[string]string `yaml:"closed_reason"`
	PregnancyTermination []string          `yaml:"pregnancy_termination"`

	termination map[string]bool
}

// Default returns the embedded catalogue.
func Default() *Catalogue {
	c, err := Parse(embedded)
	if err != nil {
		panic("codes: embedded catalogue: " + err.Error())
	}
	return c
}

// Load reads the catalogue at path, or the embedded one when path is empty.
func Load(path string) (*Catalogue, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read code catalogue: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML catalogue.
func Parse(raw []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse code catalogue: %w", err)
	}
	if c.ClosedReasons["otherReason"] == "" {
		return nil, fmt.Errorf("code catalogue: closed_reason.otherReason is required")
	}
	c.termination = make(map[string]bool, len(c.PregnancyTermination))
	for _, code := range c.PregnancyTermination {
		c.termination[code] = true
	}
	return &c, nil
}

// IsDiabetes reports whether code is one of the diabetes type diagnoses.
func (c *Catalogue) IsDiabetes(code string) bool {
	_, ok := c.DiabetesTypes[code]
	return ok
}

// IsTermination reports whether a birth outcome ends a pregnancy without a live birth record.
func (c *Catalogue) IsTermination(code string) bool { return c.termination[code] }

// ClosedReasonOther is the closed reason code that requires free text.
func (c *Catalogue) ClosedReasonOther() string { return c.ClosedReasons["otherReason"] }

// DiabetesCodes lists the diabetes type codes in sorted order.
func (c *Catalogue) DiabetesCodes() []string {
	out := make([]string, 0, len(c.DiabetesTypes))
	for code := range c.DiabetesTypes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
