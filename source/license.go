package source

import (
	"fmt"

	"github.com/github/go-spdx/v2/spdxexp"
)

// ValidateLicense checks a pubspec's license field against the SPDX
// license-expression grammar. A hosted describe() response's license
// string is only ever advisory metadata, so callers treat a validation
// failure as a warning rather than a ManifestFormatError.
//
// Uses go-spdx/v2/spdxexp directly rather than a higher-level wrapper
// with no established call pattern to follow (see DESIGN.md).
func ValidateLicense(expression string) error {
	if expression == "" {
		return nil
	}
	valid, invalid := spdxexp.ValidateLicenses([]string{expression})
	if !valid {
		return fmt.Errorf("source: invalid SPDX license expression %q: %v", expression, invalid)
	}
	return nil
}
