package syncer

import (
	"fmt"
	"strings"
)

// ErrorSet flags which error kinds are downgraded to warnings instead of
// cancelling the run.
type ErrorSet struct {
	// AccessDenied: a 403 when fetching an object.
	AccessDenied bool

	// InvalidEntry: a row in an inventory list file that fails schema
	// parsing or path policy.
	InvalidEntry bool

	// MissingOldVersion: a 404 when fetching a non-latest version. A 404 on
	// a latest version is always fatal.
	MissingOldVersion bool
}

// ParseErrorSet parses a comma-separated --ok-errors value. Recognized
// tokens: access-denied, invalid-entry, missing-old-version, all.
func ParseErrorSet(s string) (ErrorSet, error) {
	var set ErrorSet
	if s == "" {
		return set, nil
	}
	for _, word := range strings.Split(s, ",") {
		switch strings.TrimSpace(word) {
		case "access-denied":
			set.AccessDenied = true
		case "invalid-entry":
			set.InvalidEntry = true
		case "missing-old-version":
			set.MissingOldVersion = true
		case "all":
			set = ErrorSet{AccessDenied: true, InvalidEntry: true, MissingOldVersion: true}
		default:
			return ErrorSet{}, fmt.Errorf("invalid error type %q", strings.TrimSpace(word))
		}
	}
	return set, nil
}
