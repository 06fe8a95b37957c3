package middleware

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"cartkeep/pkg/requestcontext"
)

// Device attaches a coarse "browser/os" label derived from the User-Agent.
func Device(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		label := DeviceLabel(r.UserAgent())
		if label == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := requestcontext.WithDevice(r.Context(), label)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// DeviceLabel reduces a User-Agent string to "browser/os", "bot" or "".
func DeviceLabel(ua string) string {
	if strings.TrimSpace(ua) == "" {
		return ""
	}
	parsed := useragent.New(ua)
	if parsed.Bot() {
		return "bot"
	}
	browser, _ := parsed.Browser()
	os := parsed.OSInfo().Name
	switch {
	case browser == "" && os == "":
		return "unknown"
	case os == "":
		return browser
	case browser == "":
		return os
	}
	if parsed.Mobile() {
		return browser + "/" + os + " (mobile)"
	}
	return browser + "/" + os
}
