// Package outputfmt prepares error text for audiences outside the process:
// pairing-event subscribers, HTTP clients and chat replies.
package outputfmt

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	endpointRE = regexp.MustCompile(`(?i)\b(?:https?|wss?)://[^\s"'<>]+`)
	bearerRE   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
)

const redacted = "[redacted]"

// ForDisplay renders err without gateway hosts or credentials.
func ForDisplay(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}

// Sanitize drops the scheme and host of every endpoint in raw, redacts
// credential-looking query values and masks bearer tokens. Paths stay so
// the message remains useful.
func Sanitize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = endpointRE.ReplaceAllStringFunc(raw, stripEndpoint)
	return bearerRE.ReplaceAllString(raw, "Bearer "+redacted)
}

func stripEndpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	out := u.EscapedPath()
	if out == "" {
		out = "/"
	}
	if len(u.RawQuery) > 0 {
		q := u.Query()
		for k := range q {
			if sensitiveKey(k) {
				q.Set(k, redacted)
			}
		}
		out += "?" + q.Encode()
	}
	return out
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.NewReplacer("-", "", "_", "").Replace(k)
	if k == "key" {
		return true
	}
	for _, s := range []string{"apikey", "token", "secret", "password", "auth", "creds"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
