// Package tui implements the live `bidsflow watch` view: the admission
// slot board, refreshed on lock-directory filesystem events, and the
// submitted-job list, refreshed on a timer.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"

	"github.com/bidsflow/bidsflow/internal/admission"
	"github.com/bidsflow/bidsflow/internal/hpc"
)

// jobRefreshInterval is how often the submitted-job list reloads. The
// slot board does not poll; the lock-directory watcher drives it.
const jobRefreshInterval = 2 * time.Second

// ============================================================================
// MESSAGES
// ============================================================================

type slotsChangedMsg struct{}

type slotsLoadedMsg struct {
	live  []admission.Record
	stale []admission.Record
	err   error
}

type jobsLoadedMsg struct {
	records []*hpc.JobRecord
	err     error
}

type jobTickMsg time.Time

type watcherErrMsg struct{ err error }

// ============================================================================
// MODEL
// ============================================================================

// Model is the watch view's bubbletea model.
type Model struct {
	ctrl    *admission.Controller
	store   *hpc.Store
	watcher *fsnotify.Watcher

	spinner spinner.Model
	width   int

	live    []admission.Record
	stale   []admission.Record
	slotErr error

	jobs   []*hpc.JobRecord
	jobErr error

	quitting bool
}

// NewModel builds the watch model. The watcher may be nil, in which
// case the slot board refreshes only on the job timer.
func NewModel(ctrl *admission.Controller, store *hpc.Store, watcher *fsnotify.Watcher) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	return Model{
		ctrl:    ctrl,
		store:   store,
		watcher: watcher,
		spinner: sp,
		width:   80,
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.spinner.Tick,
		m.loadSlots,
		m.loadJobs,
		jobTick(),
	}
	if m.watcher != nil {
		cmds = append(cmds, waitForSlotEvent(m.watcher))
	}
	return tea.Batch(cmds...)
}

func jobTick() tea.Cmd {
	return tea.Tick(jobRefreshInterval, func(t time.Time) tea.Msg {
		return jobTickMsg(t)
	})
}

// waitForSlotEvent blocks on the next lock-directory event. Only
// create and remove matter; slot files are never rewritten in place.
func waitForSlotEvent(w *fsnotify.Watcher) tea.Cmd {
	return func() tea.Msg {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return nil
				}
				if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Write) != 0 {
					return slotsChangedMsg{}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return nil
				}
				return watcherErrMsg{err: err}
			}
		}
	}
}

func (m Model) loadSlots() tea.Msg {
	live, stale, err := m.ctrl.Snapshot()
	return slotsLoadedMsg{live: live, stale: stale, err: err}
}

func (m Model) loadJobs() tea.Msg {
	if m.store == nil {
		return jobsLoadedMsg{}
	}
	records, err := m.store.All()
	return jobsLoadedMsg{records: records, err: err}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, tea.Batch(m.loadSlots, m.loadJobs)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case slotsChangedMsg:
		if m.watcher == nil {
			return m, m.loadSlots
		}
		return m, tea.Batch(m.loadSlots, waitForSlotEvent(m.watcher))

	case slotsLoadedMsg:
		m.live = msg.live
		m.stale = msg.stale
		m.slotErr = msg.err

	case jobTickMsg:
		return m, tea.Batch(m.loadJobs, jobTick())

	case jobsLoadedMsg:
		m.jobs = msg.records
		m.jobErr = msg.err

	case watcherErrMsg:
		m.slotErr = msg.err
		if m.watcher != nil {
			return m, waitForSlotEvent(m.watcher)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// ============================================================================
// VIEW
// ============================================================================

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255"))
	liveStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	staleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	freeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", m.spinner.View(), titleStyle.Render("bidsflow watch"))

	b.WriteString(m.slotBoard())
	b.WriteString("\n")
	b.WriteString(m.jobTable())
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("r refresh · q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) slotBoard() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n",
		titleStyle.Render("Admission slots"),
		dimStyle.Render(fmt.Sprintf("%d/%d in use", len(m.live), m.ctrl.Limit())),
	)
	if m.slotErr != nil {
		b.WriteString(errStyle.Render("  error: "+m.slotErr.Error()) + "\n")
		return b.String()
	}

	for _, rec := range m.live {
		fmt.Fprintf(&b, "  %s %s\n", liveStyle.Render("●"), slotLine(rec))
	}
	for _, rec := range m.stale {
		fmt.Fprintf(&b, "  %s %s %s\n", staleStyle.Render("○"), slotLine(rec), staleStyle.Render("(stale)"))
	}
	for i := len(m.live) + len(m.stale); i < m.ctrl.Limit(); i++ {
		fmt.Fprintf(&b, "  %s\n", freeStyle.Render("○ free"))
	}
	return b.String()
}

func slotLine(rec admission.Record) string {
	participants := strings.Join(rec.Participants, ",")
	if len(participants) > 24 {
		participants = participants[:21] + "..."
	}
	return fmt.Sprintf("%s/%s sub-%s  pid %d on %s  since %s",
		rec.Dataset, rec.Tool, participants,
		rec.PID, rec.Hostname,
		rec.StartedAt.Local().Format("15:04:05"),
	)
}

func (m Model) jobTable() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Submitted jobs") + "\n")
	if m.jobErr != nil {
		b.WriteString(errStyle.Render("  error: "+m.jobErr.Error()) + "\n")
		return b.String()
	}
	if len(m.jobs) == 0 {
		b.WriteString(dimStyle.Render("  none") + "\n")
		return b.String()
	}

	// Newest first on screen.
	jobs := make([]*hpc.JobRecord, len(m.jobs))
	copy(jobs, m.jobs)
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt)
	})

	for _, rec := range jobs {
		state := rec.State
		style := dimStyle
		switch strings.ToUpper(state) {
		case "RUNNING":
			style = liveStyle
		case "FAILED", "TIMEOUT", "CANCELLED", "NODE_FAIL", "OUT_OF_MEMORY":
			style = staleStyle
		}
		fmt.Fprintf(&b, "  %-10s %-24s %s\n",
			rec.JobID,
			fmt.Sprintf("%s sub-%s", rec.Tool, rec.Participant),
			style.Render(state),
		)
	}
	return b.String()
}
