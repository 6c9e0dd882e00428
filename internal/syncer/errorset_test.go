package syncer

import "testing"

func TestParseErrorSet(t *testing.T) {
	cases := []struct {
		in   string
		want ErrorSet
	}{
		{"", ErrorSet{}},
		{"access-denied", ErrorSet{AccessDenied: true}},
		{"invalid-entry", ErrorSet{InvalidEntry: true}},
		{"missing-old-version", ErrorSet{MissingOldVersion: true}},
		{"access-denied,missing-old-version", ErrorSet{AccessDenied: true, MissingOldVersion: true}},
		{"access-denied, invalid-entry", ErrorSet{AccessDenied: true, InvalidEntry: true}},
		{"all", ErrorSet{AccessDenied: true, InvalidEntry: true, MissingOldVersion: true}},
	}
	for _, c := range cases {
		got, err := ParseErrorSet(c.in)
		if err != nil {
			t.Errorf("ParseErrorSet(%q) error = %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseErrorSet(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestParseErrorSet_Invalid(t *testing.T) {
	for _, in := range []string{"bogus", "access-denied,bogus", ","} {
		if _, err := ParseErrorSet(in); err == nil {
			t.Errorf("ParseErrorSet(%q) succeeded, want error", in)
		}
	}
}
