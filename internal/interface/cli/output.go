package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// ══════════════════════════════════════════════════════════════════════════════
// OUTPUT
// ══════════════════════════════════════════════════════════════════════════════

var (
	colorAccent  = lipgloss.Color("#20B9B4")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorMuted   = lipgloss.Color("#5C7A84")
)

type styles struct {
	title lipgloss.Style
	label lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	muted lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{title: plain, label: plain, ok: plain, warn: plain, muted: plain}
	}
	return styles{
		title: lipgloss.NewStyle().Bold(true).Foreground(colorAccent),
		label: lipgloss.NewStyle().Foreground(colorMuted),
		ok:    lipgloss.NewStyle().Foreground(colorSuccess).Bold(true),
		warn:  lipgloss.NewStyle().Foreground(colorWarning),
		muted: lipgloss.NewStyle().Foreground(colorMuted),
	}
}

// printer writes either styled text or JSON.
type printer struct {
	out   io.Writer
	json  bool
	style styles
}

func newPrinter(out io.Writer, asJSON bool) *printer {
	return &printer{out: out, json: asJSON, style: newStyles(isTerminal(out))}
}

// isTerminal reports whether styles should be applied to w.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// JSON encodes v when JSON output was requested and reports whether it did.
func (p *printer) JSON(v any) (bool, error) {
	if !p.json {
		return false, nil
	}
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

func (p *printer) Title(format string, args ...any) {
	fmt.Fprintln(p.out, p.style.title.Render(fmt.Sprintf(format, args...)))
}

func (p *printer) Line(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

// Fields prints aligned label/value pairs.
func (p *printer) Fields(pairs ...string) {
	tw := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(tw, "  %s\t%s\n", p.style.label.Render(pairs[i]+":"), pairs[i+1])
	}
	_ = tw.Flush()
}

// Table prints a header row and data rows.
func (p *printer) Table(header []string, rows [][]string) {
	tw := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, p.style.label.Render(strings.Join(header, "\t")))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
}

func (p *printer) Verdict(significant bool, text string) {
	if significant {
		p.Line("%s", p.style.ok.Render(text))
		return
	}
	p.Line("%s", p.style.warn.Render(text))
}

// ─────────────────────────────────────────────────────────────────────────────
// Formatting helpers
// ─────────────────────────────────────────────────────────────────────────────

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatRate(r float64) string {
	return fmt.Sprintf("%.1f%%", r*100)
}

func formatPValue(p float64) string {
	if p < 0.0001 {
		return "< 0.0001"
	}
	return fmt.Sprintf("%.4f", p)
}

func progressBar(done, target, width int) string {
	if target <= 0 {
		return strings.Repeat("·", width)
	}
	filled := done * width / target
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("·", width-filled)
}

func runRow(run *experiment.Run) []string {
	target := "-"
	if run.Plan.TotalRequiredN > 0 {
		target = fmt.Sprint(run.Plan.TotalRequiredN)
	}
	return []string{
		run.ID.String(),
		run.Name,
		string(run.Phase),
		target,
		fmt.Sprintf("%d/%d", run.ControlCount, run.TreatmentCount),
		formatTime(run.CreatedAt),
	}
}
