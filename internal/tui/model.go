package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/standardbeagle/waggle/internal/bridge"
	"github.com/standardbeagle/waggle/internal/mcp"
	"github.com/standardbeagle/waggle/pkg/events"
)

// maxFeedLines caps the activity feed so a chatty gateway cannot grow the
// model without bound.
const maxFeedLines = 500

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("226"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	failStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	highlightStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("226"))
)

type keyMap struct {
	Up       key.Binding
	Down     key.Binding
	PageUp   key.Binding
	PageDown key.Binding
	Follow   key.Binding
	Clear    key.Binding
	Help     key.Binding
	Quit     key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Follow, k.Clear, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.PageUp, k.PageDown},
		{k.Follow, k.Clear, k.Help, k.Quit},
	}
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "scroll up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "scroll down"),
		),
		PageUp: key.NewBinding(
			key.WithKeys("pgup"),
			key.WithHelp("pgup", "page up"),
		),
		PageDown: key.NewBinding(
			key.WithKeys("pgdown"),
			key.WithHelp("pgdn", "page down"),
		),
		Follow: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "toggle follow"),
		),
		Clear: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "clear feed"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "more keys"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

type activityMsg struct {
	line string
}

type tickMsg struct{}

// Model is the headed-mode status console: gateway stats up top, a live
// activity feed below, bridge state in between when upstreams exist.
type Model struct {
	server  *mcp.Server
	bridge  *bridge.Bridge
	bus     *events.EventBus
	version string

	keys keyMap
	help help.Model
	feed viewport.Model

	updateChan chan tea.Msg
	lines      []string
	follow     bool
	width      int
	height     int
	ready      bool
}

// NewModel builds the console. bridge may be nil when no upstreams are
// configured.
func NewModel(server *mcp.Server, br *bridge.Bridge, bus *events.EventBus, version string) Model {
	return Model{
		server:     server,
		bridge:     br,
		bus:        bus,
		version:    version,
		keys:       defaultKeyMap(),
		help:       help.New(),
		feed:       viewport.New(0, 0),
		updateChan: make(chan tea.Msg, 100),
		follow:     true,
	}
}

func (m Model) Init() tea.Cmd {
	m.bus.SubscribeAll(func(e events.Event) {
		// Drop on overflow: the feed is advisory and bus workers must
		// never block on a stalled terminal.
		select {
		case m.updateChan <- activityMsg{line: formatEvent(e)}:
		default:
		}
	})
	return tea.Batch(
		m.waitForUpdates(),
		m.tickCmd(),
	)
}

func (m Model) waitForUpdates() tea.Cmd {
	return func() tea.Msg {
		return <-m.updateChan
	}
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeFeed()
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Follow):
			m.follow = !m.follow
			if m.follow {
				m.feed.GotoBottom()
			}
			return m, nil
		case key.Matches(msg, m.keys.Clear):
			m.lines = nil
			m.feed.SetContent("")
			return m, nil
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			m.resizeFeed()
			return m, nil
		}
		var cmd tea.Cmd
		m.feed, cmd = m.feed.Update(msg)
		return m, cmd

	case activityMsg:
		m.lines = append(m.lines, msg.line)
		if len(m.lines) > maxFeedLines {
			m.lines = m.lines[len(m.lines)-maxFeedLines:]
		}
		m.feed.SetContent(strings.Join(m.lines, "\n"))
		if m.follow {
			m.feed.GotoBottom()
		}
		return m, m.waitForUpdates()

	case tickMsg:
		// Stats render straight off the server, so the tick only has to
		// trigger a redraw.
		return m, m.tickCmd()
	}

	var cmd tea.Cmd
	m.feed, cmd = m.feed.Update(msg)
	return m, cmd
}

func (m *Model) resizeFeed() {
	chrome := m.headerHeight() + m.footerHeight()
	h := m.height - chrome
	if h < 1 {
		h = 1
	}
	m.feed.Width = m.width
	m.feed.Height = h
}

func (m Model) headerHeight() int {
	// Title, stats and separator; one more line when upstreams render.
	h := 3
	if m.bridge != nil && len(m.bridge.Upstreams()) > 0 {
		h++
	}
	return h
}

func (m Model) footerHeight() int {
	if m.help.ShowAll {
		return 3
	}
	return 2
}

func (m Model) View() string {
	if !m.ready {
		return "starting..."
	}

	sections := []string{
		m.renderTitle(),
		m.renderStats(),
	}
	if upstreams := m.renderUpstreams(); upstreams != "" {
		sections = append(sections, upstreams)
	}
	sections = append(sections,
		dimStyle.Render(strings.Repeat("─", m.width)),
		m.feed.View(),
		dimStyle.Render(strings.Repeat("─", m.width)),
		m.help.View(m.keys),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderTitle() string {
	stats := m.server.Stats()
	title := titleStyle.Render("waggle " + m.version)
	uptime := dimStyle.Render(" up " + stats.Uptime.Truncate(time.Second).String())
	follow := ""
	if !m.follow {
		follow = dimStyle.Render("  [paused]")
	}
	return title + uptime + follow
}

func (m Model) renderStats() string {
	stats := m.server.Stats()
	tools, prompts, resources := m.server.Catalog().Counts()
	parts := []string{
		fmt.Sprintf("%d sessions", stats.Sessions),
		fmt.Sprintf("%d sse", stats.SSEStreams+stats.LegacyStreams),
		fmt.Sprintf("%d ws", stats.WSConnections),
		fmt.Sprintf("%d tools", tools),
		fmt.Sprintf("%d prompts", prompts),
		fmt.Sprintf("%d resources", resources),
	}
	return dimStyle.Render(strings.Join(parts, " │ "))
}

func (m Model) renderUpstreams() string {
	if m.bridge == nil {
		return ""
	}
	upstreams := m.bridge.Upstreams()
	if len(upstreams) == 0 {
		return ""
	}
	parts := make([]string, 0, len(upstreams))
	for _, u := range upstreams {
		if u.Connected() {
			parts = append(parts, okStyle.Render("● "+u.Name()))
		} else {
			parts = append(parts, dimStyle.Render("○ "+u.Name()))
		}
	}
	return "upstreams: " + strings.Join(parts, "  ")
}

// formatEvent renders one bus event as a feed line.
func formatEvent(e events.Event) string {
	ts := dimStyle.Render(e.Timestamp.Format("15:04:05"))
	sess := ""
	if e.SessionID != "" {
		sess = dimStyle.Render(" " + shortID(e.SessionID))
	}

	var body string
	switch e.Type {
	case events.ToolCalled, events.PromptFetched, events.ResourceRead:
		body = fmt.Sprintf("%s %s (%vms, %v)",
			e.Type, highlightStyle.Render(str(e.Data, "name")),
			e.Data["durationMs"], e.Data["transport"])
	case events.ToolFailed:
		body = fmt.Sprintf("%s %s: %s",
			failStyle.Render(string(e.Type)),
			highlightStyle.Render(str(e.Data, "name")),
			str(e.Data, "error"))
	case events.SessionCreated, events.SessionDeleted, events.SessionExpired:
		body = string(e.Type)
	case events.StreamOpened, events.StreamClosed,
		events.ClientConnected, events.ClientDisconnected:
		body = fmt.Sprintf("%s (%v)", e.Type, e.Data["transport"])
	case events.NotificationSent:
		body = fmt.Sprintf("%s %s", e.Type, str(e.Data, "method"))
	case events.UpstreamConnected:
		body = okStyle.Render(fmt.Sprintf("%s %s (%v tools)",
			e.Type, str(e.Data, "upstream"), e.Data["tools"]))
	case events.UpstreamError:
		body = failStyle.Render(fmt.Sprintf("%s %s: %s",
			e.Type, str(e.Data, "upstream"), str(e.Data, "error")))
	default:
		body = string(e.Type)
	}
	return ts + sess + " " + body
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func str(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}
