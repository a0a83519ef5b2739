package outputfmt

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizeStripsGatewayHostAndToken(t *testing.T) {
	in := `gateway dial: websocket: bad handshake at wss://gw.internal:3100/v1/sessions/alpha/connect?token=s3cret&mode=fast`
	out := Sanitize(in)
	if strings.Contains(out, "gw.internal") || strings.Contains(out, "s3cret") {
		t.Fatalf("Sanitize() = %q, leaked host or token", out)
	}
	if !strings.Contains(out, "/v1/sessions/alpha/connect?") || !strings.Contains(out, "mode=fast") {
		t.Fatalf("Sanitize() = %q, want path and harmless query kept", out)
	}
	if !strings.Contains(out, "token=%5Bredacted%5D") {
		t.Fatalf("Sanitize() = %q, want redacted token", out)
	}
}

func TestSanitizeMasksBearerAndKeepsPlainText(t *testing.T) {
	out := Sanitize(`gateway version: http 401: header Authorization: Bearer abc.def-123 rejected`)
	if strings.Contains(out, "abc.def-123") || !strings.Contains(out, "Bearer [redacted]") {
		t.Fatalf("Sanitize() = %q", out)
	}
	if got := Sanitize("  transport: not connected "); got != "transport: not connected" {
		t.Fatalf("Sanitize(plain) = %q", got)
	}
}

func TestForDisplay(t *testing.T) {
	if got := ForDisplay(nil); got != "" {
		t.Fatalf("ForDisplay(nil) = %q", got)
	}
	err := errors.New(`Get "http://127.0.0.1:3100/v1/version": connection refused`)
	if got := ForDisplay(err); got != `Get "/v1/version": connection refused` {
		t.Fatalf("ForDisplay() = %q", got)
	}
}
