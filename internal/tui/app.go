package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hegde-atri/ironsight/internal/config"
	"github.com/hegde-atri/ironsight/internal/events"
	"github.com/hegde-atri/ironsight/internal/ops"
	"github.com/hegde-atri/ironsight/internal/types"
)

const (
	statusInactive = "Inactive"
	statusActive   = "Active"
	statusExited   = "Exited"

	refreshInterval = time.Second
	scanPanelHeight = 8
	maxScanLines    = 500
)

// EventMsg carries one event from the manager's sink into the program
type EventMsg events.Event

// refreshMsg asks the model to re-read tunnel state from the registry
type refreshMsg struct{}

// App represents the Ironsight console
type App struct {
	program *tea.Program
	manager *ops.Manager
}

// New creates the console for the configured tunnels. The manager must
// emit into feed so scan output shows up in the scan panel.
func New(version string, cfg *config.Config, manager *ops.Manager, feed *events.Channel) *App {
	m := newModel(version, cfg, manager, feed)
	return &App{
		program: tea.NewProgram(m, tea.WithAltScreen()),
		manager: manager,
	}
}

// Run starts the console and blocks until it exits. All tunnels are
// stopped on the way out.
func (a *App) Run() error {
	_, err := a.program.Run()
	if stopErr := a.manager.Shutdown(); err == nil {
		err = stopErr
	}
	return err
}

type model struct {
	version       string
	defaultTarget string
	specs         []types.TunnelSpec
	status        []string
	manager       *ops.Manager
	feed          *events.Channel

	table  table.Model
	scan   viewport.Model
	width  int
	height int

	scanLines []string
	notice    string

	showingConfirmQuit bool
	showingLogs        bool
	logsFor            int
	tunnelLogs         []string
}

func newModel(version string, cfg *config.Config, manager *ops.Manager, feed *events.Channel) model {
	specs := make([]types.TunnelSpec, len(cfg.Tunnels))
	for i, tc := range cfg.Tunnels {
		specs[i] = tc.Spec()
	}

	m := model{
		version:       version,
		defaultTarget: cfg.DefaultTarget,
		specs:         specs,
		status:        make([]string, len(specs)),
		manager:       manager,
		feed:          feed,
		scan:          viewport.New(80, scanPanelHeight),
	}
	m.refreshStatus()
	m.table = createTunnelTable(m.specs, m.status)
	m.scan.SetContent("No scan output yet. Press s to scan " + m.scanTargetLabel() + ".")
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(listenForEvents(m.feed), tickRefresh())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		// header ~8 lines, footer ~3, scan panel plus its border and title
		available := m.height - 8 - 3 - (scanPanelHeight + 3)
		if available < 3 {
			available = 3
		}
		m.table.SetWidth(m.width - 4)
		m.table.SetHeight(available)
		m.scan.Width = m.width - 6
		m.scan.Height = scanPanelHeight

	case EventMsg:
		m.appendScanLine(describeEvent(events.Event(msg)))
		return m, listenForEvents(m.feed)

	case refreshMsg:
		m.refreshStatus()
		m.table.SetRows(tunnelRows(m.specs, m.status))
		if m.showingLogs {
			m.tunnelLogs = m.logsOf(m.logsFor)
		}
		return m, tickRefresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.showingLogs {
				m.showingLogs = false
			} else {
				m.showingConfirmQuit = !m.showingConfirmQuit
			}
			return m, nil
		case "y":
			if m.showingConfirmQuit {
				return m, tea.Quit
			}
			return m, nil
		case "esc":
			m.showingConfirmQuit = false
			m.showingLogs = false
			return m, nil
		}

		if m.showingConfirmQuit || m.showingLogs {
			return m, nil
		}

		switch msg.String() {
		case "s":
			if err := m.manager.StartScan(m.defaultTarget); err != nil {
				m.notice = "Scan failed: " + err.Error()
			} else {
				m.scanLines = nil
				m.appendScanLine("scan started: " + m.scanTargetLabel())
			}
			return m, nil
		case "enter":
			if i := m.table.Cursor(); i >= 0 && i < len(m.specs) {
				m.toggleTunnel(i)
				m.table.SetRows(tunnelRows(m.specs, m.status))
			}
			return m, nil
		case " ":
			if i := m.table.Cursor(); i >= 0 && i < len(m.specs) {
				m.showingLogs = true
				m.logsFor = i
				m.tunnelLogs = m.logsOf(i)
			}
			return m, nil
		case "pgup", "pgdown":
			m.scan, cmd = m.scan.Update(msg)
			return m, cmd
		}

		m.table, cmd = m.table.Update(msg)
	}

	return m, cmd
}

// toggleTunnel starts the tunnel at i, or stops it if it is tracked.
func (m *model) toggleTunnel(i int) {
	spec := m.specs[i]
	if m.manager.TunnelRunning(spec.Host, spec.Username) {
		if _, err := m.manager.StopSSHTunnel(spec.Host, spec.Username); err != nil {
			m.status[i] = "Error: " + err.Error()
			return
		}
		m.notice = "Stopped " + spec.Label()
		m.refreshStatus()
		return
	}

	res, err := m.manager.StartSSHTunnel(spec)
	if err != nil {
		m.status[i] = "Error: " + err.Error()
		return
	}
	m.notice = fmt.Sprintf("%s: %s", spec.Label(), res)
	m.refreshStatus()
}

// refreshStatus derives each row's status from the registry. Error
// statuses stick until the tunnel is started again.
func (m *model) refreshStatus() {
	tracked := make(map[types.TunnelKey]bool)
	for _, e := range m.manager.Tunnels() {
		tracked[e.Key] = e.Exited
	}
	for i, spec := range m.specs {
		exited, ok := tracked[spec.Key()]
		switch {
		case ok && exited:
			m.status[i] = statusExited
		case ok:
			m.status[i] = statusActive
		case strings.HasPrefix(m.status[i], "Error"):
		default:
			m.status[i] = statusInactive
		}
	}
}

func (m model) logsOf(i int) []string {
	spec := m.specs[i]
	return m.manager.TunnelLogs(spec.Host, spec.Username)
}

func (m *model) appendScanLine(line string) {
	m.scanLines = append(m.scanLines, line)
	if len(m.scanLines) > maxScanLines {
		m.scanLines = m.scanLines[len(m.scanLines)-maxScanLines:]
	}
	m.scan.SetContent(strings.Join(m.scanLines, "\n"))
	m.scan.GotoBottom()
}

func (m model) scanTargetLabel() string {
	if m.defaultTarget == "" {
		return "(no target)"
	}
	return m.defaultTarget
}

func (m model) View() string {
	var (
		primaryColor   = lipgloss.Color("#7D56F4")
		secondaryColor = lipgloss.Color("#FF8C00")
		mutedColor     = lipgloss.Color("#626262")

		asciiStyle = lipgloss.NewStyle().
				Foreground(secondaryColor).
				Bold(true)

		titleStyle = lipgloss.NewStyle().
				Foreground(primaryColor).
				Bold(true)

		subtitleStyle = lipgloss.NewStyle().
				Foreground(primaryColor).
				Italic(true).
				MarginBottom(1)

		panelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(mutedColor).
				Padding(0, 1)

		noticeStyle = lipgloss.NewStyle().
				Foreground(secondaryColor)

		footerStyle = lipgloss.NewStyle().
				Foreground(mutedColor).
				MarginTop(1).
				Align(lipgloss.Center)
	)

	ascii := asciiStyle.Render(` _____
 ( o )
  \_/  `)
	title := titleStyle.Render(fmt.Sprintf("Ironsight v%s", m.version))
	headerTop := lipgloss.JoinHorizontal(
		lipgloss.Top,
		ascii,
		lipgloss.NewStyle().Padding(0, 2).Render(title),
	)
	header := lipgloss.JoinVertical(
		lipgloss.Left,
		headerTop,
		subtitleStyle.Render("Scans and SSH tunnels"),
	)

	tableView := m.table.View()
	if len(m.specs) == 0 {
		tableView = lipgloss.NewStyle().Foreground(mutedColor).Render("No tunnels configured in " + config.FileName)
	}

	scanPanel := panelStyle.Render(lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("Scan output"),
		m.scan.View(),
	))

	footerText := "s: scan • PgUp/PgDn: scroll output • q: quit"
	if len(m.specs) > 0 {
		footerText = "Enter: start/stop • Space: logs • s: scan • ↑/↓: navigate • q: quit"
	}

	content := lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		"",
		tableView,
		noticeStyle.Render(m.notice),
		scanPanel,
		footerStyle.Render(footerText),
	)

	if m.showingLogs {
		return m.place(m.logsView(primaryColor, mutedColor))
	}
	if m.showingConfirmQuit {
		return m.place(confirmQuitView(mutedColor))
	}

	if m.width > 0 {
		content = lipgloss.Place(m.width, m.height, lipgloss.Left, lipgloss.Top, content)
	}
	return content
}

func (m model) place(box string) string {
	if m.width == 0 {
		return box
	}
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

func (m model) logsView(primaryColor, mutedColor lipgloss.Color) string {
	var (
		logBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(1, 2).
				Width(80)

		logTitle = lipgloss.NewStyle().
				Foreground(primaryColor).
				Bold(true).
				MarginBottom(1)

		logText = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF"))

		logHelp = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true).
			MarginTop(1)
	)

	spec := m.specs[m.logsFor]
	title := logTitle.Render(fmt.Sprintf("Tunnel Logs: %s (%s)", spec.Label(), spec.Forward()))

	var lines []string
	if len(m.tunnelLogs) == 0 {
		lines = append(lines, logText.Render("No logs available yet..."))
	} else {
		// last 20 lines fit in the dialog
		start := 0
		if len(m.tunnelLogs) > 20 {
			start = len(m.tunnelLogs) - 20
		}
		for _, l := range m.tunnelLogs[start:] {
			lines = append(lines, logText.Render(l))
		}
	}

	return logBorder.Render(lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		strings.Join(lines, "\n"),
		logHelp.Render("Esc: close"),
	))
}

func confirmQuitView(mutedColor lipgloss.Color) string {
	var (
		warningBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#FF6B6B")).
				Padding(2, 4).
				Width(60)

		warningTitle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FF6B6B")).
				Bold(true)

		warningText = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFFFFF"))

		warningHelp = lipgloss.NewStyle().
				Foreground(mutedColor).
				Italic(true)
	)

	center := lipgloss.NewStyle().Width(52).Align(lipgloss.Center)
	return warningBorder.Render(lipgloss.JoinVertical(
		lipgloss.Left,
		center.Render(warningTitle.Render("Confirm Quit")),
		"",
		center.Render(warningText.Render("All active SSH tunnels will be terminated.")),
		center.Render(warningText.Render("Are you sure you want to exit?")),
		"",
		center.Render(warningHelp.Render("Press 'y' to quit • 'q' or Esc to cancel")),
	))
}

func tunnelRows(specs []types.TunnelSpec, status []string) []table.Row {
	rows := make([]table.Row, len(specs))
	for i, s := range specs {
		rows[i] = table.Row{
			s.Label(),
			s.Key().String(),
			fmt.Sprintf("%d", s.LocalPort),
			fmt.Sprintf("%s:%d", s.RemoteHost, s.RemotePort),
			status[i],
		}
	}
	return rows
}

// createTunnelTable builds the tunnel table in the console theme
func createTunnelTable(specs []types.TunnelSpec, status []string) table.Model {
	columns := []table.Column{
		{Title: "Name", Width: 20},
		{Title: "Destination", Width: 28},
		{Title: "Local Port", Width: 12},
		{Title: "Remote", Width: 24},
		{Title: "Status", Width: 30},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(tunnelRows(specs, status)),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#7D56F4")).
		BorderBottom(true).
		Bold(true).
		Foreground(lipgloss.Color("#7D56F4"))

	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#7D56F4")).
		Bold(true)

	t.SetStyles(s)

	return t
}

// describeEvent renders an event as one line of the scan panel
func describeEvent(ev events.Event) string {
	switch p := ev.Payload.(type) {
	case events.Progress:
		return p.Line
	case events.Complete:
		return "scan finished: " + p.Status
	case events.FileContent:
		return fmt.Sprintf("fetched %s (%d bytes)", p.Path, len(p.Content))
	case events.FileComplete:
		if p.Error != "" {
			return "fetch " + p.Status + ": " + p.Error
		}
		return "fetch " + p.Status
	}
	return fmt.Sprintf("%s: %v", ev.Name, ev.Payload)
}

// listenForEvents waits for the next event on the feed
func listenForEvents(feed *events.Channel) tea.Cmd {
	if feed == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-feed.C
		if !ok {
			return nil
		}
		return EventMsg(ev)
	}
}

func tickRefresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return refreshMsg{}
	})
}
