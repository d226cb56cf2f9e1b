package httpapi

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"realmkey.org/internal/identity"
)

const headerCountry = "CF-IPCountry"

// sessionInfo captures the request metadata stored on a session row.
func sessionInfo(r *http.Request) identity.SessionInfo {
	info := identity.SessionInfo{
		IPAddress:   clientIP(r),
		UserAgent:   r.UserAgent(),
		CountryCode: strings.ToUpper(strings.TrimSpace(r.Header.Get(headerCountry))),
	}
	if info.UserAgent == "" {
		return info
	}
	ua := useragent.New(info.UserAgent)
	info.Browser, info.BrowserVersion = ua.Browser()
	info.OperatingSystem = ua.OS()
	switch {
	case ua.Bot():
		info.DeviceType = "bot"
	case ua.Mobile():
		info.DeviceType = "mobile"
	default:
		info.DeviceType = "desktop"
	}
	return info
}
