package tool

import (
	"testing"

	"github.com/chromedp/chromedp/kb"
)

func TestKeyFor(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"Enter", kb.Enter, false},
		{"RETURN", kb.Enter, false},
		{"Arrow_Down", kb.ArrowDown, false},
		{"page-up", kb.PageUp, false},
		{"esc", kb.Escape, false},
		{"a", "a", false},
		{"é", "é", false},
		{"F13", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := keyFor(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("keyFor(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("keyFor(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestNormalizeKeyName(t *testing.T) {
	if got := normalizeKeyName("Page_Down"); got != "pagedown" {
		t.Errorf("normalizeKeyName = %q", got)
	}
}
