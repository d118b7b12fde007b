package main

import (
	"testing"

	"spool/internal/stream"
)

func TestParseChoiceKey(t *testing.T) {
	cases := []struct {
		input string
		want  stream.Choice
	}{
		{"o", stream.ChoiceOverwrite},
		{"O", stream.ChoiceOverwriteAll},
		{"s", stream.ChoiceSkip},
		{"S", stream.ChoiceSkipAll},
		{"r", stream.ChoiceRename},
		{"R", stream.ChoiceRenameAll},
		{"c", stream.ChoiceCancel},
		{"C", stream.ChoiceCancel},
		{"  overwrite_all  ", stream.ChoiceOverwriteAll},
		{"skip", stream.ChoiceSkip},
	}
	for _, tc := range cases {
		got, err := parseChoiceKey(tc.input)
		if err != nil {
			t.Errorf("parseChoiceKey(%q): %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseChoiceKey(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}

	if _, err := parseChoiceKey("x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if _, err := parseChoiceKey(""); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.00 GiB"},
	}
	for _, tc := range cases {
		if got := formatBytes(tc.n); got != tc.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}
