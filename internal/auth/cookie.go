package auth

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SessionCookieName is the browser session cookie.
const SessionCookieName = "agenthq_session"

// requestIsSecure detects HTTPS either directly or behind a proxy.
func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("x-forwarded-proto"), "https")
}

// SetSessionCookie writes the session cookie on a response.
func SetSessionCookie(w http.ResponseWriter, r *http.Request, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    url.QueryEscape(sessionID),
		Path:     "/",
		MaxAge:   int(SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie immediately. MaxAge -1 is
// what makes net/http emit Max-Age=0; the epoch Expires covers old clients.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ParseCookieHeader extracts one cookie value from a raw Cookie header.
// Splits on ";", trims names and values, URL-decodes the value, and
// tolerates values containing "=".
func ParseCookieHeader(header, name string) (string, bool) {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		if strings.TrimSpace(k) != name {
			continue
		}
		v = strings.TrimSpace(v)
		if decoded, err := url.QueryUnescape(v); err == nil {
			return decoded, true
		}
		return v, true
	}
	return "", false
}
