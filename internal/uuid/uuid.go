// Package uuid generates and checks the identifiers attached to queued actions.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewUnique generates a UUID v4 not present in taken.
func NewUnique(taken func(string) bool) string {
	for {
		id := New()
		if taken == nil || !taken(id) {
			return id
		}
	}
}

// FileName builds a generated upload name such as "upload_<uuid>.jpg".
func FileName(prefix, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	id := strings.ReplaceAll(New(), "-", "")
	if ext == "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return fmt.Sprintf("%s_%s.%s", prefix, id, ext)
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
