package ui

import (
	"strings"
	"unicode/utf8"
)

// TruncateSimple cuts text to maxLen runes with a "..." suffix.
func TruncateSimple(text string, maxLen int) string {
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return "..."
	}
	return string([]rune(text)[:maxLen-3]) + "..."
}

// WrapText wraps text at word boundaries to fit within maxWidth and
// keeps existing line breaks. Each continuation line gets indent.
func WrapText(text string, maxWidth int, indent string) string {
	if maxWidth <= 0 {
		maxWidth = 80
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = wrapLine(line, maxWidth, indent)
	}
	return strings.Join(lines, "\n"+indent)
}

func wrapLine(line string, maxWidth int, indent string) string {
	if utf8.RuneCountInString(line) <= maxWidth {
		return line
	}
	var b strings.Builder
	width := 0
	for _, word := range strings.Fields(line) {
		n := utf8.RuneCountInString(word)
		switch {
		case width == 0:
			// a long first word still goes on its own line
		case width+1+n <= maxWidth:
			b.WriteString(" ")
			width++
		default:
			b.WriteString("\n" + indent)
			width = 0
		}
		b.WriteString(word)
		width += n
	}
	return b.String()
}
