package eas

import "strings"

// MIMETruncationCap bounds Type 4 (full MIME) bodies regardless of
// what the client asks for.
const MIMETruncationCap = 512 << 10

// BatchByteBudget is the soft cap on encoded batch size. The first
// email of a batch may exceed it so oversized messages still flow.
const BatchByteBudget = 50 << 10

// Strategy captures one client family's behavioral dialect. It is
// selected once per request and passed by value.
type Strategy struct {
	Name string

	// NeedsInitialEmptyResponse makes the first Sync answer carry
	// no commands; data starts flowing on the follow-up request.
	NeedsInitialEmptyResponse bool

	DefaultWindowSize int
	MaxWindowSize     int

	// BodyPreferenceOrder is the server-side preference applied
	// when the client sends no BodyPreference at all.
	BodyPreferenceOrder []int

	BatchByteBudget int
}

var (
	strategyIOS = Strategy{
		Name:                "ios",
		DefaultWindowSize:   50,
		MaxWindowSize:       100,
		BodyPreferenceOrder: []int{BodyTypePlain, BodyTypeHTML, BodyTypeMIME},
		BatchByteBudget:     BatchByteBudget,
	}
	strategyOutlook = Strategy{
		Name:                      "outlook",
		NeedsInitialEmptyResponse: true,
		DefaultWindowSize:         25,
		MaxWindowSize:             100,
		BodyPreferenceOrder:       []int{BodyTypeMIME, BodyTypePlain, BodyTypeHTML},
		BatchByteBudget:           BatchByteBudget,
	}
	strategyAndroid = Strategy{
		Name:                "android",
		DefaultWindowSize:   25,
		MaxWindowSize:       100,
		BodyPreferenceOrder: []int{BodyTypePlain, BodyTypeHTML, BodyTypeMIME},
		BatchByteBudget:     BatchByteBudget,
	}
	strategyDefault = Strategy{
		Name:                "default",
		DefaultWindowSize:   25,
		MaxWindowSize:       100,
		BodyPreferenceOrder: []int{BodyTypePlain, BodyTypeHTML, BodyTypeMIME},
		BatchByteBudget:     BatchByteBudget,
	}
)

// DetectStrategy matches the user agent and device type, case
// insensitively. Outlook wins when several names appear: its mobile
// apps advertise every platform in one string.
func DetectStrategy(userAgent, deviceType string) Strategy {
	s := strings.ToLower(userAgent + " " + deviceType)
	switch {
	case strings.Contains(s, "outlook"):
		return strategyOutlook
	case strings.Contains(s, "iphone"), strings.Contains(s, "ipad"),
		strings.Contains(s, "ipod"), strings.Contains(s, "apple"):
		return strategyIOS
	case strings.Contains(s, "android"):
		return strategyAndroid
	}
	return strategyDefault
}

// ClampWindow bounds a client-requested window size. Zero means the
// client sent none.
func (s Strategy) ClampWindow(requested int) int {
	switch {
	case requested <= 0:
		return s.DefaultWindowSize
	case requested > s.MaxWindowSize:
		return s.MaxWindowSize
	}
	return requested
}

// EffectiveTruncation computes the byte bound for a body of the
// given type. For plain and HTML bodies the client's request is
// honored exactly; overriding it sends clients into pathological
// retry loops. MIME bodies are capped at MIMETruncationCap. The
// second result reports whether any bound applies.
//
// The initial flag is part of the contract for dialects that relax
// truncation on first sync; no current strategy does.
func (s Strategy) EffectiveTruncation(bodyType int, requested int64, hasRequested, initial bool) (int64, bool) {
	_ = initial
	if bodyType == BodyTypeMIME {
		if !hasRequested || requested > MIMETruncationCap {
			return MIMETruncationCap, true
		}
		return requested, true
	}
	if !hasRequested {
		return 0, false
	}
	return requested, true
}

// PickBodyType returns the first type in prefs the stored message can
// be served as, falling back to the strategy order, then to plain.
func (s Strategy) PickBodyType(prefs []BodyPreference, m *Email) int {
	order := make([]int, 0, len(prefs))
	for _, p := range prefs {
		order = append(order, p.Type)
	}
	if len(order) == 0 {
		order = s.BodyPreferenceOrder
	}
	for _, t := range order {
		switch t {
		case BodyTypePlain, BodyTypeMIME:
			return t
		case BodyTypeHTML:
			if m == nil || m.BodyHTML != "" {
				return t
			}
		}
	}
	return BodyTypePlain
}

// BodyPreference is one client body request from Sync or
// ItemOperations options.
type BodyPreference struct {
	Type              int
	TruncationSize    int64
	HasTruncationSize bool
	AllOrNone         bool
}

// FindPreference returns the preference for a body type, if sent.
func FindPreference(prefs []BodyPreference, bodyType int) (BodyPreference, bool) {
	for _, p := range prefs {
		if p.Type == bodyType {
			return p, true
		}
	}
	return BodyPreference{}, false
}
