// Package tui renders a live status dashboard for an interactive relay.
package tui

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-relay/internal/bus"
)

type Snapshot struct {
	EngineMode    string
	EngineState   string
	EnginePID     int
	InFlight      int
	Restarts      int
	AgentSessions int
	Sessions      int
	StoreDegraded bool
	Channels      map[string]bool
	Queued        int
	CronJobs      int
	NextCron      time.Time
	LastError     string
	LastEvent     string
	Uptime        time.Duration
}

type StatusProvider func() Snapshot

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(16)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type model struct {
	provider StatusProvider
	snap     Snapshot
	feed     *ActivityFeed
	events   <-chan bus.Event
}

type tickMsg time.Time

type eventMsg bus.Event

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitEvent(events <-chan bus.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitEvent(m.events))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			m.feed.Toggle()
		}
	case tickMsg:
		m.snap = m.provider()
		m.feed.CleanupOld(2 * time.Minute)
		return m, tickCmd()
	case eventMsg:
		m.feed.Apply(bus.Event(msg))
		m.snap.LastEvent = msg.Topic
		return m, waitEvent(m.events)
	}
	return m, nil
}

func (m model) View() string {
	s := m.snap
	var b strings.Builder
	b.WriteString(titleStyle.Render("go-relay status") + "\n\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}

	engine := fmt.Sprintf("%s (%s)", stateStyle(s.EngineState).Render(s.EngineState), s.EngineMode)
	if s.EnginePID > 0 {
		engine += dimStyle.Render(fmt.Sprintf(" pid %d", s.EnginePID))
	}
	row("Engine", engine)
	row("In flight", fmt.Sprintf("%d", s.InFlight))
	row("Restarts", fmt.Sprintf("%d", s.Restarts))
	row("Sessions", fmt.Sprintf("%d (%d agent)", s.Sessions, s.AgentSessions))
	store := okStyle.Render("ok")
	if s.StoreDegraded {
		store = warnStyle.Render("degraded (memory only)")
	}
	row("Store", store)
	row("Channels", channelList(s.Channels))
	row("Queued", fmt.Sprintf("%d", s.Queued))
	cron := fmt.Sprintf("%d", s.CronJobs)
	if !s.NextCron.IsZero() {
		cron += dimStyle.Render(" next " + s.NextCron.Local().Format("15:04:05"))
	}
	row("Cron jobs", cron)
	row("Uptime", s.Uptime.Truncate(time.Second).String())

	lastErr := s.LastError
	if lastErr == "" {
		lastErr = m.feed.LastError()
	}
	if lastErr == "" {
		row("Last error", dimStyle.Render("(none)"))
	} else {
		row("Last error", badStyle.Render(lastErr))
	}
	lastEvent := s.LastEvent
	if lastEvent == "" {
		lastEvent = "(none)"
	}
	row("Last event", lastEvent)

	if feed := m.feed.View(); feed != "" {
		b.WriteString("\n" + feed)
	}
	b.WriteString("\n" + dimStyle.Render("Press q to quit.") + "\n")
	return b.String()
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "READY", "BUSY":
		return okStyle
	case "STARTING", "DEGRADED":
		return warnStyle
	case "TERMINATED":
		return badStyle
	default:
		return dimStyle
	}
}

func channelList(chs map[string]bool) string {
	if len(chs) == 0 {
		return dimStyle.Render("(none)")
	}
	names := make([]string, 0, len(chs))
	for name := range chs {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := make([]string, len(names))
	for i, name := range names {
		if chs[name] {
			parts[i] = okStyle.Render(name)
		} else {
			parts[i] = badStyle.Render(name + " (down)")
		}
	}
	return strings.Join(parts, ", ")
}

// Run shows the dashboard until ctx is cancelled or the user quits. When b is
// non-nil the activity feed follows turn and scheduler events.
func Run(ctx context.Context, provider StatusProvider, b *bus.Bus) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider(), feed: NewActivityFeed()}
	if b != nil {
		sub := b.SubscribeBuffered("", 128)
		defer b.Unsubscribe(sub)
		m.events = sub.Ch()
	}
	p := tea.NewProgram(m, tea.WithContext(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
