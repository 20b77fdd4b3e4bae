// Package output provides styled terminal output helpers (success, error,
// warning, call formatting) using lipgloss, plus JSON and YAML modes.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/marcus/callsync/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	noteStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	statusStyles = map[string]lipgloss.Style{
		string(models.RecordingPending):     lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		string(models.RecordingCompressing): lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		string(models.RecordingUploading):   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		string(models.RecordingCompleted):   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		string(models.RecordingFailed):      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		string(models.MetadataSynced):       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}
)

// Format selects how commands render results.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (want text, json or yaml)", s)
}

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("ERROR: "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// WriteYAML writes v as YAML.
func WriteYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// Structured writes v in a machine format. It reports false for FormatText
// so the caller renders its own text view.
func Structured(w io.Writer, f Format, v interface{}) (bool, error) {
	switch f {
	case FormatJSON:
		return true, WriteJSON(w, v)
	case FormatYAML:
		return true, WriteYAML(w, v)
	}
	return false, nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound     = "not_found"
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeNotPaired    = "not_paired"
	ErrCodeDatabase     = "database_error"
	ErrCodeServer       = "server_error"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	_ = WriteJSON(os.Stdout, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}

// StatusBadge returns a colored status indicator, e.g. "✓ completed".
func StatusBadge(status string) string {
	symbols := map[string]string{
		string(models.RecordingPending):       "○",
		string(models.RecordingCompressing):   "▶",
		string(models.RecordingUploading):     "▶",
		string(models.RecordingCompleted):     "✓",
		string(models.RecordingFailed):        "✗",
		string(models.RecordingNotApplicable): "-",
		string(models.MetadataSynced):         "✓",
		string(models.MetadataUpdatePending):  "◎",
	}
	symbol, ok := symbols[status]
	if !ok {
		symbol = "?"
	}
	if style, ok := statusStyles[status]; ok {
		return style.Render(fmt.Sprintf("%s %s", symbol, status))
	}
	return fmt.Sprintf("%s %s", symbol, status)
}

// FormatDuration renders a call length in seconds as "1m05s".
func FormatDuration(seconds int64) string {
	if seconds <= 0 {
		return "0s"
	}
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm%02ds", seconds/60, seconds%60)
	}
	return fmt.Sprintf("%dh%02dm", seconds/3600, (seconds%3600)/60)
}

// FormatCallShort is the one-line listing form of a call.
func FormatCallShort(c *models.CallRecord) string {
	name := c.ContactName
	if name == "" {
		name = c.PhoneNumber
	}
	line := fmt.Sprintf("%s  %-8s %-20s %7s  %s",
		c.StartedTime().Local().Format("2006-01-02 15:04"),
		c.CallType, name, FormatDuration(c.DurationSeconds),
		StatusBadge(string(c.RecordingSyncStatus)))
	if c.Reviewed {
		line += " " + subtleStyle.Render("reviewed")
	}
	if c.Note != "" {
		// Keep the listing to one terminal line.
		line += " " + noteStyle.Render(truncate(c.Note, max(20, TerminalWidth(0)-lipgloss.Width(line)-1)))
	}
	return line
}

// FormatCallLong renders every field of a call.
func FormatCallLong(c *models.CallRecord) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(c.CompositeID) + "\n")
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&sb, "  %-12s %s\n", k+":", v)
		}
	}
	row("Number", c.PhoneNumber)
	row("Contact", c.ContactName)
	row("Type", string(c.CallType))
	row("Started", c.StartedTime().Local().Format(time.RFC1123))
	row("Duration", FormatDuration(c.DurationSeconds))
	row("Note", c.Note)
	row("Reviewed", fmt.Sprint(c.Reviewed))
	row("Metadata", StatusBadge(string(c.MetadataSyncStatus)))
	row("Recording", StatusBadge(string(c.RecordingSyncStatus)))
	row("Local file", c.RecordingLocalPath)
	row("Remote URL", c.RecordingRemoteURL)
	if c.RecordingAttempts > 0 {
		row("Attempts", fmt.Sprint(c.RecordingAttempts))
	}
	if c.LastError != "" {
		row("Last error", errorStyle.Render(c.LastError))
	}
	return sb.String()
}

// FormatPerson renders a person aggregate.
func FormatPerson(p *models.PersonAggregate) string {
	var sb strings.Builder
	title := p.PhoneNumber
	if p.ContactName != "" {
		title = fmt.Sprintf("%s (%s)", p.ContactName, p.PhoneNumber)
	}
	sb.WriteString(titleStyle.Render(title) + "\n")
	fmt.Fprintf(&sb, "  Calls:      %d (%d in, %d out, %d missed), %s total\n",
		p.TotalCalls, p.TotalIncoming, p.TotalOutgoing, p.TotalMissed, FormatDuration(p.TotalDuration))
	if p.LastCallAt > 0 {
		fmt.Fprintf(&sb, "  Last call:  %s %s\n", p.LastCallType, FormatTimeAgo(time.UnixMilli(p.LastCallAt)))
	}
	if p.Label != "" {
		fmt.Fprintf(&sb, "  Label:      %s\n", p.Label)
	}
	if p.Note != "" {
		fmt.Fprintf(&sb, "  Note:       %s\n", noteStyle.Render(p.Note))
	}
	if p.NeedsSync {
		sb.WriteString("  " + warningStyle.Render("unsynced edits") + "\n")
	}
	return sb.String()
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
