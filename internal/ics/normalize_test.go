package ics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "strips BOM and converts LF",
			raw:  "\uFEFFBEGIN:VCALENDAR\nVERSION:2.0\nEND:VCALENDAR\n",
			want: "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR",
		},
		{
			name: "bare CR line endings",
			raw:  "BEGIN:VCALENDAR\rVERSION:2.0\rEND:VCALENDAR",
			want: "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR",
		},
		{
			name: "broken location line is rejoined",
			raw:  "BEGIN:VCALENDAR\r\nLOCATION:Room 1\r\nBuilding B\r\nEND:VCALENDAR",
			want: "BEGIN:VCALENDAR\r\nLOCATION:Room 1\\nBuilding B\r\nEND:VCALENDAR",
		},
		{
			name: "legal folds are kept",
			raw:  "BEGIN:VCALENDAR\r\nDESCRIPTION:long\r\n  text here\r\n\tmore\r\nEND:VCALENDAR",
			want: "BEGIN:VCALENDAR\r\nDESCRIPTION:long\r\n  text here\r\n\tmore\r\nEND:VCALENDAR",
		},
		{
			name: "blank lines dropped",
			raw:  "BEGIN:VCALENDAR\r\n\r\n   \r\nVERSION:2.0\r\nEND:VCALENDAR",
			want: "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR",
		},
		{
			name: "truncated transfer gets terminator",
			raw:  "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nEND:VEVENT   \r\n",
			want: "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nEND:VEVENT\r\nEND:VCALENDAR",
		},
		{
			name: "lowercase terminator is recognised",
			raw:  "BEGIN:VCALENDAR\r\nend:vcalendar",
			want: "BEGIN:VCALENDAR\r\nend:vcalendar",
		},
		{
			name: "empty input",
			raw:  "",
			want: "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Normalize(tc.raw))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()

	raw := "\uFEFFBEGIN:VCALENDAR\nBEGIN:VEVENT\nLOCATION:Hall\nEast wing\n\nSUMMARY:x\n continued\nEND:VEVENT\n"
	once := Normalize(raw)
	assert.Equal(t, once, Normalize(once))
}

func TestNormalizeFeed_RejectsNonCalendar(t *testing.T) {
	t.Parallel()

	for _, body := range []string{
		"<html><body>Not found</body></html>",
		`{"error": "unauthorized"}`,
		"",
	} {
		_, err := NormalizeFeed(body)
		require.Error(t, err, body)
		assert.ErrorIs(t, err, ErrTextNotCalendar)
	}
}

func TestNormalizeFeed_AcceptsCalendar(t *testing.T) {
	t.Parallel()

	doc, err := NormalizeFeed("begin:vcalendar\nVERSION:2.0\n")
	require.NoError(t, err)
	assert.Equal(t, "begin:vcalendar\r\nVERSION:2.0\r\nEND:VCALENDAR", doc)
}
