// Package render prints a week as a day-by-day terminal agenda.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"weekcal/internal/calendar"
	"weekcal/internal/ics"
	"weekcal/internal/model"
)

var (
	headerColor = lipgloss.Color("#0969DA")
	dayColor    = lipgloss.Color("#8250DF")
	dimColor    = lipgloss.Color("#6E7681")
	errorColor  = lipgloss.Color("#CF222E")
)

// Agenda writes a week to out. Colors and width truncation apply only when out
// is a terminal; otherwise plain text is written.
type Agenda struct {
	out   io.Writer
	loc   *time.Location
	color bool
	width int

	header lipgloss.Style
	day    lipgloss.Style
	dim    lipgloss.Style
	failed lipgloss.Style
}

func NewAgenda(out io.Writer, loc *time.Location) *Agenda {
	if loc == nil {
		loc = time.Local
	}
	a := &Agenda{out: out, loc: loc}

	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		a.color = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil {
			a.width = w
		}
	}

	r := lipgloss.NewRenderer(out)
	a.header = r.NewStyle().Foreground(headerColor).Bold(true)
	a.day = r.NewStyle().Foreground(dayColor).Bold(true)
	a.dim = r.NewStyle().Foreground(dimColor)
	a.failed = r.NewStyle().Foreground(errorColor).Bold(true)
	return a
}

func (a *Agenda) paint(style lipgloss.Style, s string) string {
	if !a.color {
		return s
	}
	return style.Render(s)
}

// Week renders every day of week in order, followed by any failed feeds.
func (a *Agenda) Week(week calendar.Week, failed []model.FeedState) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n\n", a.paint(a.header,
		fmt.Sprintf("Week of %s (%s)", week.Start.In(a.loc).Format("Mon 2 Jan 2006"), a.loc)))

	for _, key := range week.Keys {
		day, err := time.ParseInLocation("2006-01-02", key, a.loc)
		if err != nil {
			return fmt.Errorf("bad day key %q: %w", key, err)
		}
		b.WriteString(a.paint(a.day, day.Format("Mon 2006-01-02")))
		b.WriteByte('\n')

		events := week.Days[key]
		if len(events) == 0 {
			b.WriteString("  " + a.paint(a.dim, "(no events)") + "\n")
			continue
		}
		for _, ev := range events {
			b.WriteString(a.eventLine(ev))
			b.WriteByte('\n')
		}
	}

	if len(failed) > 0 {
		b.WriteByte('\n')
		b.WriteString(a.paint(a.failed, "Failed feeds:"))
		b.WriteByte('\n')
		for _, st := range failed {
			fmt.Fprintf(&b, "  %s: %s\n", st.Name, failureText(st.Err))
		}
	}

	_, err := io.WriteString(a.out, b.String())
	return err
}

func (a *Agenda) eventLine(ev model.Event) string {
	when := "all day"
	if !ev.AllDay {
		when = ev.Start.In(a.loc).Format("15:04") + "-" + ev.End.In(a.loc).Format("15:04")
	}

	title := ev.Title
	if ev.Location != "" {
		title += " @ " + ev.Location
	}

	if !a.color {
		return fmt.Sprintf("  %-11s  %s  [%s]", when, title, ev.FeedName)
	}

	marker := lipgloss.NewStyle().Foreground(lipgloss.Color(ev.Color)).Render("●")
	line := fmt.Sprintf("  %s %-11s  %s  %s", marker, when, title, a.dim.Render("["+ev.FeedName+"]"))
	if a.width > 0 {
		line = lipgloss.NewStyle().MaxWidth(a.width).Render(line)
	}
	return line
}

func failureText(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := ics.KindOf(err); kind != 0 {
		return kind.String()
	}
	return err.Error()
}
