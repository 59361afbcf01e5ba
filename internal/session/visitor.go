package session

import (
	"net/url"
	"strings"

	"github.com/mssola/useragent"

	"github.com/funnel-goat/funnel-goat/internal/store"
)

const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"

	SourceDirect = "direct"
)

// extraBotMarkers cover crawlers and scripted clients the parser does not
// flag as bots.
var extraBotMarkers = []string{"crawler", "spider", "headless", "curl/", "wget/", "python-requests"}

// ClassifyDevice buckets a user agent into desktop, mobile, tablet or bot.
// Unknown or empty agents count as desktop.
func ClassifyDevice(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return DeviceDesktop
	}

	ua := useragent.New(userAgent)
	lower := strings.ToLower(userAgent)
	if ua.Bot() {
		return DeviceBot
	}
	for _, m := range extraBotMarkers {
		if strings.Contains(lower, m) {
			return DeviceBot
		}
	}

	switch {
	case ua.Platform() == "iPad", strings.Contains(lower, "tablet"):
		return DeviceTablet
	case strings.HasPrefix(ua.OS(), "Android") && !strings.Contains(userAgent, "Mobile"):
		// Android phones always carry the Mobile token.
		return DeviceTablet
	case ua.Mobile():
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}

// DeriveSource picks the traffic source: utm_source, else the referrer's
// host, else direct.
func DeriveSource(meta store.VisitorMeta) string {
	if s := strings.TrimSpace(meta.UTMSource); s != "" {
		return strings.ToLower(s)
	}
	if meta.Referrer != "" {
		if u, err := url.Parse(meta.Referrer); err == nil && u.Hostname() != "" {
			return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		}
	}
	return SourceDirect
}
