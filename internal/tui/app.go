package tui

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dftworks/abiflow/internal/abivars"
	"github.com/dftworks/abiflow/internal/flow"
	"github.com/dftworks/abiflow/internal/launcher"
	"github.com/dftworks/abiflow/internal/storage"
)

type View int

const (
	ViewFlowList View = iota
	ViewFlowDetail
	ViewLog
)

type App struct {
	store *storage.Storage
	reg   *abivars.Registry

	view            View
	flows           []*storage.FlowRecord
	selectedIdx     int
	selectedRec     *storage.FlowRecord
	selectedFlow    *flow.Flow
	tasks           []*flow.Task
	selectedTaskIdx int
	logView         viewport.Model

	width  int
	height int
	err    error
}

func NewApp(store *storage.Storage, reg *abivars.Registry) *App {
	return &App{
		store: store,
		reg:   reg,
		view:  ViewFlowList,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadFlows, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.logView.Width = msg.Width
		a.logView.Height = msg.Height - 4
		return a, nil

	case flowsLoadedMsg:
		a.flows = msg.flows
		a.err = msg.err
		return a, nil

	case tickMsg:
		// The scheduler runs in its own process; poll the database so
		// status changes show up without a manual refresh.
		if a.view == ViewFlowList {
			return a, tea.Batch(a.loadFlows, a.tickCmd())
		}
		if a.view == ViewFlowDetail && a.selectedRec != nil {
			return a, tea.Batch(a.loadFlowDetail(a.selectedRec), a.tickCmd())
		}
		return a, a.tickCmd()

	case flowDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRec = msg.rec
			a.selectedFlow = msg.flow
			a.tasks = msg.flow.AllTasks()
			if a.selectedTaskIdx >= len(a.tasks) {
				a.selectedTaskIdx = 0
			}
			a.view = ViewFlowDetail
		}
		return a, nil

	case flowKilledMsg:
		a.err = msg.err
		return a, a.loadFlows

	case flowDeletedMsg:
		a.err = msg.err
		if a.selectedIdx >= len(a.flows)-1 && a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return a, a.loadFlows

	case logLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
		} else {
			a.logView = viewport.New(a.width, a.height-4)
			a.logView.SetContent(msg.content)
			a.view = ViewLog
		}
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewFlowList:
		return a.handleFlowListKey(msg)
	case ViewFlowDetail:
		return a.handleFlowDetailKey(msg)
	case ViewLog:
		return a.handleLogKey(msg)
	}
	return a, nil
}

func (a *App) handleFlowListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.flows)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.flows) > 0 && a.selectedIdx < len(a.flows) {
			return a, a.loadFlowDetail(a.flows[a.selectedIdx])
		}

	case "r":
		return a, a.loadFlows

	case "x":
		if len(a.flows) > 0 && a.selectedIdx < len(a.flows) {
			return a, a.killFlow(a.flows[a.selectedIdx])
		}

	case "d":
		if len(a.flows) > 0 && a.selectedIdx < len(a.flows) {
			return a, a.deleteFlow(a.flows[a.selectedIdx].ID)
		}
	}

	return a, nil
}

func (a *App) handleFlowDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewFlowList
		a.selectedRec = nil
		a.selectedFlow = nil
		a.tasks = nil
		a.selectedTaskIdx = 0

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedTaskIdx > 0 {
			a.selectedTaskIdx--
		}

	case "down", "j":
		if a.selectedTaskIdx < len(a.tasks)-1 {
			a.selectedTaskIdx++
		}

	case "enter", "o":
		if len(a.tasks) > 0 && a.selectedTaskIdx < len(a.tasks) {
			return a, a.loadLog(a.tasks[a.selectedTaskIdx])
		}
	}

	return a, nil
}

func (a *App) handleLogKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewFlowDetail
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.logView, cmd = a.logView.Update(msg)
	return a, cmd
}

func (a *App) View() string {
	switch a.view {
	case ViewFlowList:
		return a.viewFlowList()
	case ViewFlowDetail:
		return a.viewFlowDetail()
	case ViewLog:
		return a.viewLog()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusErr     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewFlowList() string {
	s := titleStyle.Render("Abiflow") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.flows) == 0 {
		s += "No flows yet. Use 'abiflow run <script.lua>' to start one.\n"
	} else {
		s += "Flows\n"
		s += "─────\n"

		for i, rec := range a.flows {
			line := a.formatFlowLine(rec)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [x] kill  [d] delete  [r] refresh  [q] quit")

	return s
}

func (a *App) formatFlowLine(rec *storage.FlowRecord) string {
	age := a.formatAge(rec.CreatedAt)
	return fmt.Sprintf("#%-3d %-24s %-6s %s", rec.ID, rec.Name, age, dimStyle.Render(rec.Workdir))
}

func (a *App) formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func (a *App) formatStatus(st flow.Status) string {
	switch st {
	case flow.StatusRunning:
		return statusRunning.Render("● running")
	case flow.StatusOK:
		return statusOK.Render("✓ ok")
	case flow.StatusError:
		return statusErr.Render("✗ error")
	case flow.StatusDone:
		return "◐ done"
	case flow.StatusReady:
		return "○ ready"
	default:
		return dimStyle.Render("· " + st.String())
	}
}

func (a *App) viewFlowDetail() string {
	if a.selectedFlow == nil {
		return "No flow selected"
	}

	f := a.selectedFlow
	header := fmt.Sprintf("Flow #%d: %s", a.selectedRec.ID, f.Name)
	s := titleStyle.Render(header) + "\n\n"
	s += labelStyle.Render("Workdir: ") + dimStyle.Render(f.Workdir) + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n\n", a.err)
	}

	for _, w := range f.Works() {
		s += fmt.Sprintf("%s (%s)  %s", w.ID(), w.Name, a.formatStatus(w.Status()))
		if w.Failed() {
			s += "  " + statusErr.Render(w.FailReason())
		} else if w.Dynamic() && len(w.Tasks()) == 0 {
			s += "  " + dimStyle.Render("awaiting probe")
		}
		s += "\n"
	}
	s += "\nTasks\n─────\n"

	if len(a.tasks) == 0 {
		s += "(no tasks yet)\n"
	} else {
		for i, t := range a.tasks {
			line := fmt.Sprintf("%-8s %s", t.ID(), a.formatStatus(t.Status()))
			if t.Status() == flow.StatusRunning && t.PID != 0 {
				line += dimStyle.Render(fmt.Sprintf("  pid:%d", t.PID))
			}
			if t.LastError() != "" {
				line += "  " + statusErr.Render(truncate(t.LastError(), 40))
			}
			if t.Retries() > 0 {
				line += dimStyle.Render(fmt.Sprintf("  retries:%d", t.Retries()))
			}
			if i == a.selectedTaskIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] log  [esc] back  [q] quit")

	return s
}

func (a *App) viewLog() string {
	s := titleStyle.Render("Log") + "\n\n"
	s += a.logView.View() + "\n"
	s += helpStyle.Render("[↑/↓] scroll  [esc] back  [q] quit")
	return s
}

// Messages

type flowsLoadedMsg struct {
	flows []*storage.FlowRecord
	err   error
}

type flowDetailMsg struct {
	rec  *storage.FlowRecord
	flow *flow.Flow
	err  error
}

type flowKilledMsg struct {
	flowID int64
	err    error
}

type flowDeletedMsg struct {
	flowID int64
	err    error
}

type logLoadedMsg struct {
	content string
	err     error
}

// Commands

func (a *App) loadFlows() tea.Msg {
	flows, err := a.store.ListFlows(20)
	return flowsLoadedMsg{flows: flows, err: err}
}

func (a *App) loadFlowDetail(rec *storage.FlowRecord) tea.Cmd {
	return func() tea.Msg {
		snap, err := a.store.LoadFlow(rec.ID)
		if err != nil {
			return flowDetailMsg{err: err}
		}
		f, err := flow.Restore(snap, a.reg)
		return flowDetailMsg{rec: rec, flow: f, err: err}
	}
}

// killFlow signals every running task of the flow. The scheduler owns the
// database state and records the deaths when it observes the exits.
func (a *App) killFlow(rec *storage.FlowRecord) tea.Cmd {
	return func() tea.Msg {
		snap, err := a.store.LoadFlow(rec.ID)
		if err != nil {
			return flowKilledMsg{err: err}
		}
		f, err := flow.Restore(snap, a.reg)
		if err != nil {
			return flowKilledMsg{err: err}
		}
		for _, t := range f.AllTasks() {
			if t.Status() == flow.StatusRunning && t.PID != 0 {
				if err := launcher.Kill(t); err != nil {
					return flowKilledMsg{err: err}
				}
			}
		}
		return flowKilledMsg{flowID: rec.ID}
	}
}

func (a *App) deleteFlow(id int64) tea.Cmd {
	return func() tea.Msg {
		if err := a.store.DeleteFlow(id); err != nil {
			return flowDeletedMsg{err: err}
		}
		return flowDeletedMsg{flowID: id}
	}
}

func (a *App) loadLog(t *flow.Task) tea.Cmd {
	return func() tea.Msg {
		data, err := os.ReadFile(t.LogPath())
		if err != nil {
			return logLoadedMsg{err: fmt.Errorf("no log for %s: %w", t.ID(), err)}
		}
		return logLoadedMsg{content: string(data)}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
