package engine

import (
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"
)

var validRunID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// NewRunID returns a fresh lexicographically sortable run identifier.
func NewRunID() string {
	return "run-" + strings.ToLower(ulid.Make().String())
}

// ValidRunID reports whether id is acceptable as a run directory name.
func ValidRunID(id string) bool {
	return validRunID.MatchString(id)
}
