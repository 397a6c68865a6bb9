package ics

import (
	"strings"
)

const (
	calendarBegin = "BEGIN:VCALENDAR"
	calendarEnd   = "END:VCALENDAR"

	// brokenLineJoiner is the escaped-newline marker used when a raw line
	// break inside a property value is folded back into its property.
	brokenLineJoiner = `\n`
)

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Normalize repairs structurally broken ICS text from third-party servers:
//
//   - a leading byte-order mark is removed
//   - line endings are unified to CRLF
//   - a line that is neither a property (no ';' or ':') nor a legal folded
//     continuation (leading space or tab) is joined onto the previous line
//     with an escaped newline; feeds do this inside LOCATION values
//   - blank lines are dropped
//   - trailing whitespace is trimmed and END:VCALENDAR appended when the
//     transfer was truncated before the terminator
//
// Structurally valid content is passed through untouched.
func Normalize(raw string) string {
	raw = strings.TrimPrefix(raw, "\uFEFF")
	raw = lineBreaks.Replace(raw)

	in := strings.Split(raw, "\n")
	out := make([]string, 0, len(in))

	for _, line := range in {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if isFoldedContinuation(line) {
			out = append(out, line)
			continue
		}
		if !strings.ContainsAny(line, ";:") && len(out) > 0 {
			out[len(out)-1] += brokenLineJoiner + line
			continue
		}
		out = append(out, line)
	}

	terminated := false
	for _, line := range out {
		if strings.EqualFold(strings.TrimSpace(line), calendarEnd) {
			terminated = true
		}
	}

	doc := strings.TrimRight(strings.Join(out, "\r\n"), " \t\r\n")
	if doc != "" && !terminated {
		doc += "\r\n" + calendarEnd
	}
	return doc
}

// NormalizeFeed normalizes raw and rejects bodies that do not contain a
// calendar at all (HTML error pages, JSON, empty responses).
func NormalizeFeed(raw string) (string, error) {
	doc := Normalize(raw)
	if !strings.Contains(strings.ToUpper(doc), calendarBegin) {
		return "", ErrTextNotCalendar
	}
	return doc, nil
}

func isFoldedContinuation(line string) bool {
	return line[0] == ' ' || line[0] == '\t'
}
