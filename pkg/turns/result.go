package turns

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/pkg/errors"
)

const LatestResultName = "latest_result.md"

// RenderResultMarkdown renders the result.md report for a test run.
func RenderResultMarkdown(records []Record, summary Summary, criteria []string) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("# FluxLoop Test Result")
	line("")
	line("## Summary")
	line("- Turns: %d (%d warning turns)", summary.TotalTurns, summary.WarningTurns)
	line("- Warnings: %d", summary.WarningCount)
	line("- Warning rate: %.1f%%", summary.WarningRate()*100)
	line("")
	line("## Turn Details")
	for _, rec := range records {
		line("")
		line("### Turn %d", rec.Sequence)
		line("- Run: %s", rec.RunID)
		line("- Role: %s", rec.Role)
		if rec.DurationMs != nil {
			line("- Duration: %d ms", *rec.DurationMs)
		}
		if len(rec.Warnings) > 0 {
			line("- Status: ⚠️ Warning")
		} else {
			line("- Status: ✓")
		}
		line("")
		line("**Content:**")
		for _, l := range strings.Split(rec.Content, "\n") {
			line("> %s", l)
		}
		if len(rec.Warnings) > 0 {
			line("")
			line("**Warnings:**")
			for _, w := range rec.Warnings {
				line("- %s", FormatWarning([]Warning{w}))
			}
		}
	}

	if len(criteria) > 0 {
		line("")
		line("## Evaluation Criteria")
		for _, item := range criteria {
			line("- %s", item)
		}
	}
	return b.String()
}

// WriteLatestResultLink points <root>/.fluxloop/latest_result.md at resultPath,
// copying the file when symlinks are unavailable.
func WriteLatestResultLink(projectRoot string, resultPath string) (string, error) {
	dir := filepath.Join(projectRoot, config.WorkspaceDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create workspace directory")
	}
	latest := filepath.Join(dir, LatestResultName)
	if _, err := os.Lstat(latest); err == nil {
		if err := os.Remove(latest); err != nil {
			return "", errors.Wrapf(err, "remove %s", latest)
		}
	}
	target, err := filepath.Abs(resultPath)
	if err != nil {
		return "", err
	}
	if err := os.Symlink(target, latest); err == nil {
		return latest, nil
	}
	data, err := os.ReadFile(resultPath)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", resultPath)
	}
	if err := config.WriteFileAtomically(latest, data, 0o644); err != nil {
		return "", err
	}
	return latest, nil
}
