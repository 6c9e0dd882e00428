package inventory

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Timestamp identifies one inventory snapshot. S3 names manifest directories
// with a minute-resolution UTC timestamp of the form YYYY-MM-DDTHH-MMZ.
type Timestamp struct {
	t time.Time
}

var timestampRe = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})T(\d{2})-(\d{2})Z$`)

// ParseTimestamp parses a full YYYY-MM-DDTHH-MMZ snapshot timestamp.
func ParseTimestamp(s string) (Timestamp, error) {
	if !timestampRe.MatchString(s) {
		return Timestamp{}, fmt.Errorf("invalid timestamp %q: expected YYYY-MM-DDTHH-MMZ", s)
	}
	t, err := time.Parse("2006-01-02T15-04Z07:00", s)
	if err != nil {
		return Timestamp{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return Timestamp{t: t.UTC()}, nil
}

func (ts Timestamp) String() string {
	return ts.t.Format("2006-01-02T15-04Z07:00")
}

// Before reports whether ts is earlier than other.
func (ts Timestamp) Before(other Timestamp) bool { return ts.t.Before(other.t) }

// IsZero reports whether ts is the zero Timestamp.
func (ts Timestamp) IsZero() bool { return ts.t.IsZero() }

// DateSpec is a snapshot selector: either a full Timestamp (exact match) or a
// bare date (latest snapshot on that date).
type DateSpec struct {
	exact Timestamp
	date  string // "YYYY-MM-DD", set only when exact is zero
}

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ParseDateSpec parses either YYYY-MM-DD or YYYY-MM-DDTHH-MMZ.
func ParseDateSpec(s string) (DateSpec, error) {
	if strings.ContainsRune(s, 'T') {
		ts, err := ParseTimestamp(s)
		if err != nil {
			return DateSpec{}, err
		}
		return DateSpec{exact: ts}, nil
	}
	if !dateRe.MatchString(s) {
		return DateSpec{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD[THH-MMZ]", s)
	}
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return DateSpec{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateSpec{date: s}, nil
}

// Matches reports whether ts satisfies the selector.
func (d DateSpec) Matches(ts Timestamp) bool {
	if !d.exact.IsZero() {
		return ts.t.Equal(d.exact.t)
	}
	return strings.HasPrefix(ts.String(), d.date+"T")
}

// Exact reports whether the selector names a single snapshot.
func (d DateSpec) Exact() bool { return !d.exact.IsZero() }

func (d DateSpec) String() string {
	if d.Exact() {
		return d.exact.String()
	}
	return d.date
}

// Select picks the snapshot to use out of available: the exact match for a
// full selector, the latest matching for a date selector, or the latest
// overall when d is the zero DateSpec. ok is false when nothing matches.
func (d DateSpec) Select(available []Timestamp) (Timestamp, bool) {
	var best Timestamp
	ok := false
	for _, ts := range available {
		if (d.Exact() || d.date != "") && !d.Matches(ts) {
			continue
		}
		if !ok || best.Before(ts) {
			best, ok = ts, true
		}
	}
	return best, ok
}
