package eas

import (
	"testing"
	"time"
)

func TestServerID(t *testing.T) {
	tests := []struct {
		collectionID string
		emailID      int64
	}{
		{"1", 1},
		{"1", 982341},
		{"4", 7},
	}
	for _, test := range tests {
		s := FormatServerID(test.collectionID, test.emailID)
		gotCol, gotID, err := ParseServerID(s)
		if err != nil {
			t.Errorf("ParseServerID(%q): %v", s, err)
			continue
		}
		if gotCol != test.collectionID || gotID != test.emailID {
			t.Errorf("ParseServerID(%q) = %q, %d", s, gotCol, gotID)
		}
	}

	for _, bad := range []string{"", "1", ":5", "1:", "1:x", "1:-2", "1:0"} {
		if _, _, err := ParseServerID(bad); err == nil {
			t.Errorf("ParseServerID(%q): no error", bad)
		}
	}
}

func TestOOFActiveAt(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		oof  OOFSettings
		want bool
	}{
		{"disabled", OOFSettings{State: OOFDisabled}, false},
		{"enabled", OOFSettings{State: OOFEnabled}, true},
		{"scheduled inside", OOFSettings{
			State: OOFScheduled,
			Start: now.Add(-time.Hour),
			End:   now.Add(time.Hour),
		}, true},
		{"scheduled before", OOFSettings{
			State: OOFScheduled,
			Start: now.Add(time.Hour),
			End:   now.Add(2 * time.Hour),
		}, false},
		{"scheduled after", OOFSettings{
			State: OOFScheduled,
			Start: now.Add(-2 * time.Hour),
			End:   now.Add(-time.Hour),
		}, false},
	}
	for _, test := range tests {
		if got := test.oof.ActiveAt(now); got != test.want {
			t.Errorf("%s: ActiveAt = %v, want %v", test.name, got, test.want)
		}
	}
}

func TestOOFExternalAudience(t *testing.T) {
	o := &OOFSettings{}
	if got := o.ExternalAudience(); got != OOFAudienceNone {
		t.Errorf("audience = %d, want none", got)
	}
	o.ExternalKnown.Enabled = true
	if got := o.ExternalAudience(); got != OOFAudienceKnown {
		t.Errorf("audience = %d, want known", got)
	}
	o.ExternalUnknown.Enabled = true
	if got := o.ExternalAudience(); got != OOFAudienceAll {
		t.Errorf("audience = %d, want all", got)
	}
}
