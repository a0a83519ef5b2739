package transport

import "testing"

func TestSenderNumber(t *testing.T) {
	cases := map[string]string{
		"60123456789@s.whatsapp.net":    "60123456789",
		"60123456789:12@s.whatsapp.net": "60123456789",
		"60123456789":                   "60123456789",
		"":                              "",
	}
	for in, want := range cases {
		if got := (Message{ChatID: in}).SenderNumber(); got != want {
			t.Fatalf("SenderNumber(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChatID(t *testing.T) {
	if got := ChatID("+60123"); got != "60123@s.whatsapp.net" {
		t.Fatalf("ChatID(+60123) = %q", got)
	}
	if got := ChatID("60123@g.us"); got != "60123@g.us" {
		t.Fatalf("ChatID(group) = %q", got)
	}
}

func TestMediaExtension(t *testing.T) {
	tests := []struct {
		media Media
		want  string
	}{
		{Media{Kind: MediaImage, MimeType: "image/png"}, "png"},
		{Media{Kind: MediaAudio, MimeType: "audio/ogg; codecs=opus"}, "ogg"},
		{Media{Kind: MediaDocument}, "pdf"},
		{Media{Kind: "sticker"}, "bin"},
	}
	for _, tc := range tests {
		if got := tc.media.Extension(); got != tc.want {
			t.Fatalf("Extension(%+v) = %q, want %q", tc.media, got, tc.want)
		}
	}
}

func TestOnlyLoggedOutIsTerminal(t *testing.T) {
	if !ReasonLoggedOut.Terminal() {
		t.Fatalf("logged out should be terminal")
	}
	for _, r := range []DisconnectReason{ReasonUnknown, ReasonConnectionLost, ReasonTimedOut, ReasonReplaced, ReasonRestartRequired} {
		if r.Terminal() {
			t.Fatalf("%q should be retryable", r)
		}
	}
}
