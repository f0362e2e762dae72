package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-relay/internal/bus"
)

type ActivityItem struct {
	ID        string
	Icon      string
	Message   string
	StartedAt time.Time
	DoneAt    *time.Time
	Flushes   int
}

// ActivityFeed is a bounded list of recent turns and scheduler fires.
type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
	lastError string
	now       func() time.Time
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 10, collapsed: true, now: time.Now}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.add(item)
}

func (f *ActivityFeed) add(item ActivityItem) {
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
	f.collapsed = false // auto-expand
}

func (f *ActivityFeed) Complete(id, icon string, flushes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complete(id, icon, flushes)
}

func (f *ActivityFeed) complete(id, icon string, flushes int) bool {
	now := f.now()
	for i := range f.items {
		if f.items[i].ID == id {
			f.items[i].Icon = icon
			f.items[i].DoneAt = &now
			f.items[i].Flushes = flushes
			return true
		}
	}
	return false
}

// Apply folds a bus event into the feed. Unrelated topics are ignored.
func (f *ActivityFeed) Apply(ev bus.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()

	switch p := ev.Payload.(type) {
	case bus.TurnEvent:
		switch ev.Topic {
		case bus.TopicTurnStarted:
			f.add(ActivityItem{ID: p.TurnID, Icon: "⏳", Message: p.Conversation, StartedAt: now})
		case bus.TopicTurnCompleted:
			if !f.complete(p.TurnID, "✓", p.Flushes) {
				f.add(ActivityItem{ID: p.TurnID, Icon: "✓", Message: p.Conversation, StartedAt: now.Add(-p.Duration), DoneAt: &now, Flushes: p.Flushes})
			}
		case bus.TopicTurnFailed:
			if !f.complete(p.TurnID, "✗", p.Flushes) {
				f.add(ActivityItem{ID: p.TurnID, Icon: "✗", Message: p.Conversation, StartedAt: now.Add(-p.Duration), DoneAt: &now})
			}
			f.lastError = fmt.Sprintf("%s: %s", p.Conversation, p.ErrorKind)
		}
	case bus.CronFiredEvent:
		icon := "⏰"
		if p.Error != "" {
			icon = "✗"
			f.lastError = fmt.Sprintf("cron %s: %s", p.JobID, humanError(p.Error))
		}
		name := p.Name
		if name == "" {
			name = p.JobID
		}
		f.add(ActivityItem{ID: "cron-" + p.JobID + "-" + now.Format(time.RFC3339Nano), Icon: icon, Message: "cron " + name, StartedAt: now, DoneAt: &now})
	case bus.InboundRejectedEvent:
		f.add(ActivityItem{ID: "reject-" + now.Format(time.RFC3339Nano), Icon: "⛔", Message: fmt.Sprintf("%s (%s)", p.Conversation, p.Reason), StartedAt: now, DoneAt: &now})
	case bus.PersistenceDegradedEvent:
		f.lastError = fmt.Sprintf("store %s: %s", p.Operation, humanError(p.Error))
	case bus.ChannelStateEvent:
		if p.Error != "" {
			f.lastError = fmt.Sprintf("%s %s: %s", p.Channel, p.State, humanError(p.Error))
		}
	}
}

// LastError is the most recent failure seen on the bus, or "".
func (f *ActivityFeed) LastError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastError
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) HasActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.DoneAt == nil {
			return true
		}
	}
	return false
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *ActivityFeed) CleanupOld(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if it.DoneAt != nil && now.Sub(*it.DoneAt) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	if f.collapsed {
		active := 0
		for _, it := range f.items {
			if it.DoneAt == nil {
				active++
			}
		}
		if active == 0 {
			return ""
		}
		return dim.Render(fmt.Sprintf("── %d turns in flight (a to expand) ──", active)) + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Activity (a to collapse) ──") + "\n")
	now := f.now()
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s", it.Icon, it.Message)
		if it.DoneAt != nil {
			if dur := it.DoneAt.Sub(it.StartedAt).Truncate(100 * time.Millisecond); dur > 0 {
				line += fmt.Sprintf(" (%s)", dur)
			}
			if it.Flushes > 1 {
				line += dim.Render(fmt.Sprintf(" %d flushes", it.Flushes))
			}
		} else {
			line += fmt.Sprintf(" (%s)", now.Sub(it.StartedAt).Truncate(time.Second))
		}
		out.WriteString(itemS.Render(line) + "\n")
	}
	return out.String()
}
