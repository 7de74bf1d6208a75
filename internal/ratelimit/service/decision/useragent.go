package decision

import (
	"strings"

	"github.com/mssola/useragent"
)

// deviceClass buckets a raw user-agent string for telemetry.
func deviceClass(raw string) string {
	if raw == "" {
		return ""
	}

	ua := useragent.New(raw)
	switch {
	case ua.Bot():
		return "bot"
	case isTablet(raw):
		return "tablet"
	case ua.Mobile():
		return "mobile"
	default:
		return "desktop"
	}
}

func isTablet(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet")
}
