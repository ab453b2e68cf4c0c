package reply

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		markers []string
		want    string
	}{
		{"clean text untouched", "שלום, איך אפשר לעזור?", nil, "שלום, איך אפשר לעזור?"},
		{"marker line dropped", "thought_budget check\nיש לנו דירות בתל אביב", nil, "יש לנו דירות בתל אביב"},
		{"marker line case insensitive", "  Thought_ x\nok", nil, "ok"},
		{"think block dropped", "<think>\nreasoning\n</think>\nהנה תשובה", nil, "הנה תשובה"},
		{"thinking block dropped", "before <THINKING>hidden</THINKING> after", nil, "before  after"},
		{"stray tags removed", "answer</think>", nil, "answer"},
		{"bracket marker removed", "[thought] answer", nil, "answer"},
		{"only markers becomes empty", "thought_one\nthought_two", nil, ""},
		{"collapses blank runs", "a\n\n\n\nb", nil, "a\n\nb"},
		{"custom markers", "DEBUG: x\nreal", []string{"DEBUG:"}, "x\nreal"},
		{"empty denylist keeps text", "thought_ stays", []string{}, "thought_ stays"},
		{"mid-line prefix marker kept", "my thought_ here", nil, "my thought_ here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in, tt.markers); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
