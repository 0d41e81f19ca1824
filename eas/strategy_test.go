package eas

import "testing"

func TestDetectStrategy(t *testing.T) {
	tests := []struct {
		userAgent  string
		deviceType string
		want       string
	}{
		{"Apple-iPhone9C1/1402.100", "iPhone", "ios"},
		{"Apple-iPad5C1/1601.0", "iPad", "ios"},
		{"Android-Mail/8.1", "Android", "android"},
		{"Microsoft Office Outlook 15", "WindowsOutlook15", "outlook"},
		{"Outlook-iOS-Android/1.0", "Outlook", "outlook"},
		{"MSFT-WP/8.10", "WP8", "default"},
		{"", "", "default"},
	}
	for _, test := range tests {
		got := DetectStrategy(test.userAgent, test.deviceType)
		if got.Name != test.want {
			t.Errorf("DetectStrategy(%q, %q) = %q, want %q",
				test.userAgent, test.deviceType, got.Name, test.want)
		}
	}
}

func TestClampWindow(t *testing.T) {
	ios := DetectStrategy("", "iPhone")
	tests := []struct {
		requested, want int
	}{
		{0, 50},
		{-3, 50},
		{1, 1},
		{25, 25},
		{100, 100},
		{10000, 100},
	}
	for _, test := range tests {
		if got := ios.ClampWindow(test.requested); got != test.want {
			t.Errorf("ClampWindow(%d) = %d, want %d", test.requested, got, test.want)
		}
	}

	outlook := DetectStrategy("outlook", "")
	if got := outlook.ClampWindow(0); got != 25 {
		t.Errorf("outlook default window = %d, want 25", got)
	}
}

func TestEffectiveTruncation(t *testing.T) {
	s := DetectStrategy("", "iPhone")
	tests := []struct {
		name      string
		bodyType  int
		requested int64
		has       bool
		want      int64
		bounded   bool
	}{
		{"plain honored exactly", BodyTypePlain, 500, true, 500, true},
		{"plain tiny honored", BodyTypePlain, 1, true, 1, true},
		{"plain unbounded", BodyTypePlain, 0, false, 0, false},
		{"html honored exactly", BodyTypeHTML, 32 << 10, true, 32 << 10, true},
		{"mime capped", BodyTypeMIME, 10 << 20, true, MIMETruncationCap, true},
		{"mime under cap", BodyTypeMIME, 1000, true, 1000, true},
		{"mime no request", BodyTypeMIME, 0, false, MIMETruncationCap, true},
	}
	for _, test := range tests {
		got, bounded := s.EffectiveTruncation(test.bodyType, test.requested, test.has, false)
		if got != test.want || bounded != test.bounded {
			t.Errorf("%s: = %d, %v; want %d, %v",
				test.name, got, bounded, test.want, test.bounded)
		}
	}
}

func TestPickBodyType(t *testing.T) {
	plainOnly := &Email{BodyPlain: "hi"}
	withHTML := &Email{BodyPlain: "hi", BodyHTML: "<p>hi</p>"}

	ios := DetectStrategy("", "iPhone")
	if got := ios.PickBodyType(nil, withHTML); got != BodyTypePlain {
		t.Errorf("ios default pick = %d, want plain", got)
	}
	outlook := DetectStrategy("outlook", "")
	if got := outlook.PickBodyType(nil, withHTML); got != BodyTypeMIME {
		t.Errorf("outlook default pick = %d, want mime", got)
	}

	prefs := []BodyPreference{{Type: BodyTypeHTML, TruncationSize: 1024, HasTruncationSize: true}}
	if got := ios.PickBodyType(prefs, withHTML); got != BodyTypeHTML {
		t.Errorf("html pref pick = %d, want html", got)
	}
	// HTML requested but only plain stored: fall through to the
	// next preference.
	prefs = []BodyPreference{
		{Type: BodyTypeHTML},
		{Type: BodyTypePlain},
	}
	if got := ios.PickBodyType(prefs, plainOnly); got != BodyTypePlain {
		t.Errorf("fallback pick = %d, want plain", got)
	}
}
