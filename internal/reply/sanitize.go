package reply

import (
	"regexp"
	"strings"
)

// DefaultMarkers is the denylist of reasoning artifacts some models leak
// into their visible output.
var DefaultMarkers = []string{"thought_", "<thinking>", "</thinking>", "<think>", "</think>", "[thought]"}

var (
	thinkBlock = regexp.MustCompile(`(?is)<(think|thinking)>.*?</(think|thinking)>`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// Sanitize strips reasoning markers from model output. A line starting with
// a marker ending in "_" is dropped whole; <think> blocks are dropped with
// their content; every other marker is removed where it appears. A nil
// markers slice means DefaultMarkers.
func Sanitize(text string, markers []string) string {
	if markers == nil {
		markers = DefaultMarkers
	}

	if hasBlockMarker(markers) {
		text = thinkBlock.ReplaceAllString(text, "")
	}

	var prefixes, tokens []string
	for _, m := range markers {
		m = strings.TrimSpace(m)
		switch {
		case m == "":
		case strings.HasSuffix(m, "_"):
			prefixes = append(prefixes, strings.ToLower(m))
		default:
			tokens = append(tokens, regexp.QuoteMeta(m))
		}
	}
	var tokenRe *regexp.Regexp
	if len(tokens) > 0 {
		tokenRe = regexp.MustCompile(`(?i)` + strings.Join(tokens, "|"))
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if startsWithAny(strings.ToLower(strings.TrimSpace(line)), prefixes) {
			continue
		}
		if tokenRe != nil {
			line = tokenRe.ReplaceAllString(line, "")
		}
		kept = append(kept, line)
	}

	out := strings.Join(kept, "\n")
	out = blankLines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

func hasBlockMarker(markers []string) bool {
	for _, m := range markers {
		switch strings.ToLower(strings.TrimSpace(m)) {
		case "<think>", "<thinking>":
			return true
		}
	}
	return false
}

func startsWithAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
