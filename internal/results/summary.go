package results

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/bidsflow/bidsflow/internal/job"
)

// ============================================================================
// SUMMARY TABLE
// ============================================================================

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255"))
	succeededStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	skippedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	submittedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func statusStyle(s job.Status) lipgloss.Style {
	switch s {
	case job.StatusSucceeded:
		return succeededStyle
	case job.StatusFailed, job.StatusBlocked:
		return failedStyle
	case job.StatusSkipped:
		return skippedStyle
	case job.StatusSubmitted:
		return submittedStyle
	default:
		return dimStyle
	}
}

// WriteSummary renders the end-of-run table, like WriteSummaryWidth
// with no width cap.
func WriteSummary(w io.Writer, outcomes []job.Outcome, styled bool) {
	WriteSummaryWidth(w, outcomes, styled, 0)
}

// WriteSummaryWidth renders the end-of-run table. When styled is false
// (no TTY, or NO_COLOR) the same layout is emitted without escape
// codes. A positive width truncates the detail column so rows never
// wrap.
func WriteSummaryWidth(w io.Writer, outcomes []job.Outcome, styled bool, width int) {
	if len(outcomes) == 0 {
		fmt.Fprintln(w, "no participants processed")
		return
	}

	partWidth := len("PARTICIPANT")
	statusWidth := len("STATUS")
	for _, o := range outcomes {
		if n := len(participantCell(o)); n > partWidth {
			partWidth = n
		}
		if n := len(string(o.Status)); n > statusWidth {
			statusWidth = n
		}
	}

	header := fmt.Sprintf("%-*s  %-*s  %s", partWidth, "PARTICIPANT", statusWidth, "STATUS", "DETAIL")
	if styled {
		header = headerStyle.Render(header)
	}
	fmt.Fprintln(w, header)

	counts := map[job.Status]int{}
	for _, o := range outcomes {
		counts[o.Status]++

		status := fmt.Sprintf("%-*s", statusWidth, string(o.Status))
		if styled {
			status = statusStyle(o.Status).Render(status)
		}
		detail := detailCell(o)
		if room := width - partWidth - statusWidth - 4; width > 0 && len(detail) > room && room > 3 {
			detail = detail[:room-3] + "..."
		}
		fmt.Fprintf(w, "%-*s  %s  %s\n", partWidth, participantCell(o), status, detail)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, countsLine(counts, styled))
}

func participantCell(o job.Outcome) string {
	cell := "sub-" + o.Participant
	if o.Session != "" {
		cell += " ses-" + o.Session
	}
	return cell
}

func detailCell(o job.Outcome) string {
	switch {
	case o.RemoteJobID != "":
		return "job " + o.RemoteJobID
	case o.Reason != "":
		// Keep the table to one line per participant; the full reason
		// is in the log.
		if i := strings.IndexByte(o.Reason, '\n'); i >= 0 {
			return o.Reason[:i]
		}
		return o.Reason
	default:
		return ""
	}
}

func countsLine(counts map[job.Status]int, styled bool) string {
	order := []job.Status{
		job.StatusSucceeded,
		job.StatusFailed,
		job.StatusBlocked,
		job.StatusSkipped,
		job.StatusSubmitted,
	}
	var parts []string
	for _, s := range order {
		n := counts[s]
		if n == 0 {
			continue
		}
		part := fmt.Sprintf("%d %s", n, s)
		if styled {
			part = statusStyle(s).Render(part)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}
