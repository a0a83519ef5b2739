package clifmt

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintAlignsAndWrapsLastColumn(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, Table{
		Title:   "Sessions",
		Headers: []string{"ID", "STATUS", "DETAILS"},
		Rows: [][]string{
			{"default", "active", "CONNECTED phone=60111 device=Pixel platform=android"},
			{"shop", "error", ""},
		},
		Width: 50,
	})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if lines[0] != "Sessions (2)" {
		t.Fatalf("title = %q", lines[0])
	}
	if lines[1] != "ID       STATUS  DETAILS" {
		t.Fatalf("header = %q", lines[1])
	}
	if !strings.HasPrefix(lines[3], "default  active  CONNECTED") {
		t.Fatalf("row = %q", lines[3])
	}
	if !strings.HasPrefix(lines[4], strings.Repeat(" ", 17)) {
		t.Fatalf("wrapped line = %q, want indented continuation", lines[4])
	}
	if got := lines[len(lines)-1]; strings.TrimSpace(got) != "shop     error" {
		t.Fatalf("last row = %q", got)
	}
}

func TestPrintEmpty(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, Table{Title: "Sessions", EmptyText: "No sessions."})
	if buf.String() != "Sessions (0)\nNo sessions.\n" {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestWrapSplitsLongWords(t *testing.T) {
	got := wrap("abcdefghij xy", 4)
	want := []string{"abcd", "efgh", "ij", "xy"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("wrap() = %q, want %q", got, want)
	}
}
