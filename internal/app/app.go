package app

import (
	"fmt"
	"time"

	"bt-locate.klederson.com/internal/config"
	"bt-locate.klederson.com/internal/locate"
	"bt-locate.klederson.com/internal/ui"
	tea "github.com/charmbracelet/bubbletea"
)

// emaHistorySize is how many smoothed readings the sparkline keeps.
const emaHistorySize = 120

// shared holds state shared between the Bubble Tea model copies and main.go.
// Because Bubble Tea uses value receivers, pointer fields ensure all copies
// see the same underlying data.
type shared struct {
	registry *locate.Registry
	history  *RSSIRing
}

// AppModel is the root Bubble Tea model for a locate session. It is the
// only consumer of the session's event queue while it runs.
type AppModel struct {
	width  int
	height int

	scrollOffset int
	notice       string
	now          func() time.Time

	shared *shared

	// Cached snapshot
	status locate.Status
	trail  []locate.DetectionPoint
}

// New creates a new AppModel over the registry's current session.
func New(registry *locate.Registry) AppModel {
	return AppModel{
		now: time.Now,
		shared: &shared{
			registry: registry,
			history:  NewRSSIRing(emaHistorySize),
		},
	}
}

func (m AppModel) Init() tea.Cmd {
	return tickCmd()
}

func (m AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case TickMsg:
		m = m.refresh()
		return m, tickCmd()
	}

	return m, nil
}

// refresh drains pending detection events into the EMA history and takes
// a fresh status and trail snapshot.
func (m AppModel) refresh() AppModel {
	sess := m.shared.registry.Session()
	if sess == nil {
		m.status = locate.Status{}
		m.trail = nil
		return m
	}

	q := sess.Events()
drain:
	for i := 0; i < q.Cap(); i++ {
		select {
		case ev := <-q.C():
			m.shared.history.Push(ev.Data.RSSIEMA)
		default:
			break drain
		}
	}

	m.status = sess.Status(false)
	m.trail = sess.Trail()
	if m.scrollOffset >= len(m.trail) {
		m.scrollOffset = max(0, len(m.trail)-1)
	}
	return m
}

var environmentKeys = map[string]locate.Environment{
	"1": locate.FreeSpace,
	"2": locate.Outdoor,
	"3": locate.Indoor,
}

func (m AppModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if env, ok := environmentKeys[key]; ok {
		sess := m.shared.registry.Session()
		if sess == nil {
			return m, nil
		}
		if err := sess.SetEnvironment(env, nil); err != nil {
			m.notice = err.Error()
		} else {
			_, n := sess.Environment()
			m.notice = fmt.Sprintf("environment %s (n=%.1f)", env, n)
		}
		return m.refresh(), nil
	}

	switch key {
	case "q", "Q", "ctrl+c":
		m.shared.registry.StopSession()
		return m, tea.Quit

	case "c", "C":
		if sess := m.shared.registry.Session(); sess != nil {
			sess.ClearTrail()
			m.shared.history.Reset()
			m.scrollOffset = 0
			m.notice = "trail cleared"
			return m.refresh(), nil
		}

	case "up", "k":
		if m.scrollOffset > 0 {
			m.scrollOffset--
		}

	case "down", "j":
		if m.scrollOffset < len(m.trail)-1 {
			m.scrollOffset++
		}

	case "home":
		m.scrollOffset = 0

	case "end":
		if len(m.trail) > 0 {
			m.scrollOffset = len(m.trail) - 1
		}
	}

	return m, nil
}

func (m AppModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing BT Locate..."
	}

	menuH := 1
	statusH := 1
	bodyH := m.height - menuH - statusH
	if m.notice != "" {
		bodyH--
	}
	if bodyH < 5 {
		bodyH = 5
	}

	panelW := m.width * 3 / 5
	if panelW < 30 {
		panelW = 30
	}
	listW := m.width - panelW
	if listW < 15 {
		listW = 15
		panelW = m.width - listW
	}

	target := "none"
	if m.status.Target != nil {
		target = m.status.Target.Label()
	}
	menuBar := ui.RenderMenuBar(m.width, target, m.status.Environment.String())

	var latest *locate.DetectionPoint
	if n := len(m.trail); n > 0 {
		latest = &m.trail[n-1]
	}
	panel := ui.RenderProximityPanel(m.status, latest, m.shared.history.Values(), panelW, bodyH, m.now())
	trailList := ui.RenderTrailList(m.trail, listW, bodyH, m.scrollOffset)
	statusBar := ui.RenderStatusBar(m.width, m.status)

	view := ui.ComposeLayout(menuBar, panel, trailList, statusBar)
	if m.notice != "" {
		view += "\n" + ui.StyleHelp.Render(" "+m.notice)
	}
	return view
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second/time.Duration(config.TargetFPS), func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
