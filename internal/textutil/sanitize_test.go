package textutil

import "testing"

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"clean name passes through", "movie.mkv", "movie.mkv"},
		{"slashes become dashes", "a/b\\c.bin", "a-b-c.bin"},
		{"colon and asterisk become dashes", "12:30*final.log", "12-30-final.log"},
		{"unsafe characters removed", `what?.mkv`, "what.mkv"},
		{"angle brackets and pipe removed", "<out>|file", "outfile"},
		{"whitespace trimmed", "  report.pdf  ", "report.pdf"},
		{"dot traversal neutralized", "..", ""},
		{"empty input", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeFileName(tt.input); got != tt.want {
				t.Fatalf("SanitizeFileName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
