package dataset

import (
	"fmt"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// ValidateReadme checks that text is usable as a dataset readme: it must
// parse as YAML.
func ValidateReadme(text string) error {
	var doc interface{}
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return fmt.Errorf("readme is not valid YAML: %w", err)
	}
	return nil
}

// DefaultReadme returns the descriptive metadata template new datasets
// start out with.
func DefaultReadme(name, creator string) string {
	return fmt.Sprintf(`---
description: %s
created_by: %s
creation_date: %s
confidential: false
personally_identifiable_information: false
`, name, creator, time.Now().UTC().Format("2006-01-02"))
}
