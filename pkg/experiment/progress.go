package experiment

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/fluxloop/pkg/turns"
	"github.com/mattn/go-isatty"
)

// Progress prints human readable progress lines. Styling is only applied
// when writing to a terminal.
type Progress struct {
	w     io.Writer
	quiet bool

	okStyle   lipgloss.Style
	warnStyle lipgloss.Style
	stepStyle lipgloss.Style
	dimStyle  lipgloss.Style
}

func NewProgress(w io.Writer, quiet bool) *Progress {
	p := &Progress{
		w:         w,
		quiet:     quiet,
		okStyle:   lipgloss.NewStyle(),
		warnStyle: lipgloss.NewStyle(),
		stepStyle: lipgloss.NewStyle(),
		dimStyle:  lipgloss.NewStyle(),
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		p.okStyle = p.okStyle.Foreground(lipgloss.Color("42"))
		p.warnStyle = p.warnStyle.Foreground(lipgloss.Color("214"))
		p.stepStyle = p.stepStyle.Bold(true).Foreground(lipgloss.Color("62"))
		p.dimStyle = p.dimStyle.Foreground(lipgloss.Color("#AFAFAF"))
	}
	return p
}

func (p *Progress) printf(format string, args ...any) {
	if p == nil || p.w == nil {
		return
	}
	_, _ = fmt.Fprintf(p.w, format+"\n", args...)
}

// Step announces a workflow phase such as "[Sync] Pulling from Web...".
func (p *Progress) Step(tag string, msg string) {
	if p == nil || p.quiet {
		return
	}
	p.printf("%s %s", p.stepStyle.Render("["+tag+"]"), msg)
}

func (p *Progress) Info(msg string) {
	if p == nil || p.quiet {
		return
	}
	p.printf("%s", p.dimStyle.Render(msg))
}

// Turn prints one line per assistant turn: its index within the run, the
// guardrail status and the call duration.
func (p *Progress) Turn(rec turns.Record, index int) {
	if p == nil || p.quiet || rec.Role != turns.RoleAssistant {
		return
	}
	p.printf("  %s", FormatTurnLine(rec, index, p.okStyle, p.warnStyle))
}

// FormatTurnLine renders e.g. "Turn 2: ✓ assistant (1.2s)".
func FormatTurnLine(rec turns.Record, index int, ok, warn lipgloss.Style) string {
	duration := "-"
	if rec.DurationMs != nil {
		duration = fmt.Sprintf("%.1fs", float64(*rec.DurationMs)/1000)
	}
	status := ok.Render("✓")
	if msg := turns.FormatWarning(rec.Warnings); msg != "" {
		status = warn.Render("⚠️ - " + msg)
	}
	return fmt.Sprintf("Turn %d: %s assistant (%s)", index, status, duration)
}

// Report prints the final block of a test run.
func (p *Progress) Report(r *Report, ws Workspace) {
	if p == nil || r == nil {
		return
	}
	if p.quiet {
		p.printf("result: %d turns, %d warnings", r.Summary.TotalTurns, r.Summary.WarningCount)
		return
	}
	rule := strings.Repeat("═", 43)
	p.printf("%s", rule)
	if r.Results != nil {
		p.printf("Runs: %d (%d successful, %d failed)", r.Results.TotalRuns, r.Results.Successful, r.Results.Failed)
	}
	p.printf("Result: %d turns, %d warning turns", r.Summary.TotalTurns, r.Summary.WarningTurns)
	if len(r.Criteria) > 0 {
		p.printf("")
		p.printf("[Evaluation criteria]")
		for _, c := range r.Criteria {
			p.printf("- %s", c)
		}
	}
	if r.StreamSent > 0 || r.StreamFailed > 0 {
		p.printf("Streamed turns: %d sent, %d failed", r.StreamSent, r.StreamFailed)
	}
	if r.Upload != nil {
		p.printf("%s Uploaded %d runs (experiment: %s)", p.okStyle.Render("✓"), r.Upload.Runs, r.Upload.ExperimentID)
	}
	p.printf("%s", strings.Repeat("─", 43))
	if r.LatestPath != "" {
		p.printf("Details: cat %s", ws.relative(r.LatestPath))
	}
	p.printf("%s", rule)
}
