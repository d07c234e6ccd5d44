// Package useragent does the minimal client-hint parsing AuthCoordinator
// needs to populate LoginAttempt.Browser/OS/DeviceType. No user-agent
// parsing library appears anywhere in the retrieved corpus (the teacher
// stores browser/OS/device as plain strings supplied by its seed data, see
// scripts/seed-demo-data.go), so this is a small, explicitly justified
// stdlib implementation — substring matching only, not a full UA grammar.
package useragent

import "strings"

// Info is the parsed subset of a User-Agent header the feature engine
// compares for categorical consistency (F1-F3).
type Info struct {
	Browser    string
	OS         string
	DeviceType string
}

// Parse extracts a coarse browser/OS/device classification from ua. Unknown
// tokens map to "Unknown" rather than an empty string, so categorical
// comparisons in internal/features always have something to compare.
func Parse(ua string) Info {
	lower := strings.ToLower(ua)
	return Info{
		Browser:    browserOf(lower),
		OS:         osOf(lower),
		DeviceType: deviceOf(lower),
	}
}

func browserOf(lower string) string {
	switch {
	case strings.Contains(lower, "edg/"):
		return "Edge"
	case strings.Contains(lower, "opr/") || strings.Contains(lower, "opera"):
		return "Opera"
	case strings.Contains(lower, "firefox"):
		return "Firefox"
	case strings.Contains(lower, "chrome"):
		return "Chrome"
	case strings.Contains(lower, "safari"):
		return "Safari"
	default:
		return "Unknown"
	}
}

func osOf(lower string) string {
	switch {
	case strings.Contains(lower, "windows"):
		return "Windows"
	case strings.Contains(lower, "iphone") || strings.Contains(lower, "ipad") || strings.Contains(lower, "ios"):
		return "iOS"
	case strings.Contains(lower, "mac os") || strings.Contains(lower, "macintosh"):
		return "macOS"
	case strings.Contains(lower, "android"):
		return "Android"
	case strings.Contains(lower, "linux"):
		return "Linux"
	default:
		return "Unknown"
	}
}

func deviceOf(lower string) string {
	switch {
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		return "tablet"
	case strings.Contains(lower, "mobi") || strings.Contains(lower, "android") || strings.Contains(lower, "iphone"):
		return "mobile"
	default:
		return "desktop"
	}
}
