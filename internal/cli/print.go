package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
	accent = color.New(color.FgCyan).SprintFunc()
)

func heading(format string, args ...any) string {
	return color.New(color.Bold, color.Underline).Sprintf(format, args...)
}

// ago renders t relative to now, falling back to a date after a week.
func ago(t time.Time) string {
	if t.IsZero() {
		return "just now"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
	return t.Local().Format("2006-01-02")
}
