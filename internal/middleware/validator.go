package middleware

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Input validation and sanitization utilities

var (
	pluginNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)
	caseRefPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,127}$`)
)

// ValidateID checks evidence, task and result ids (UUIDs).
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s ID cannot be empty", kind)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid %s ID format", kind)
	}
	return nil
}

// ValidatePluginName checks the registry naming convention.
func ValidatePluginName(name string) error {
	if !pluginNamePattern.MatchString(name) {
		return fmt.Errorf("invalid plugin name %q (lowercase, digits, underscore; max 64)", name)
	}
	return nil
}

// ValidateCaseRef validates case reference format, e.g. "2024/PN-0173".
func ValidateCaseRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("case reference cannot be empty")
	}
	if !caseRefPattern.MatchString(ref) || strings.Contains(ref, "..") {
		return fmt.Errorf("invalid case reference format (letters, digits, . _ / -; max 128 chars)")
	}
	return nil
}

// ValidateFilename checks a client supplied file name before it is stored.
func ValidateFilename(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("filename cannot be empty")
	}
	if len(name) > 255 || !utf8.ValidString(name) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("invalid filename")
	}
	return nil
}

// SanitizeString removes dangerous characters from strings
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")

	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			result.WriteRune(r)
		}
	}
	return strings.TrimSpace(result.String())
}

// ValidateLimit validates pagination limit
func ValidateLimit(limit int) int {
	if limit <= 0 {
		return 50 // default
	}
	if limit > 500 {
		return 500 // max limit
	}
	return limit
}
