package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/lipgloss"

	"sortbox/internal/harvest"
	"sortbox/internal/model"
)

var (
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingTop(1)

	badgeStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

	badgeColors = map[model.Status]lipgloss.Color{
		model.StatusPending:   lipgloss.Color("245"),
		model.StatusRunning:   lipgloss.Color("39"),
		model.StatusStopped:   lipgloss.Color("214"),
		model.StatusCooldown:  lipgloss.Color("141"),
		model.StatusCompleted: lipgloss.Color("42"),
		model.StatusError:     lipgloss.Color("196"),
	}
)

func badge(s model.Status) string {
	return badgeStyle.Foreground(badgeColors[s]).Render(string(s))
}

// trancheItem wraps a tranche for the list display. now drives the
// cooldown countdown.
type trancheItem struct {
	model.Tranche
	now time.Time
}

func (t trancheItem) FilterValue() string { return fmt.Sprintf("%d %s", t.ID, t.Status) }
func (t trancheItem) Title() string {
	return fmt.Sprintf("Tranche %d %s", t.ID, badge(t.Status))
}
func (t trancheItem) Description() string {
	d := fmt.Sprintf("messages %d-%d  fetched %d/%d",
		t.StartIndex+1, t.StartIndex+t.TotalToFetch, t.FetchedCount, t.TotalToFetch)
	switch t.Status {
	case model.StatusCooldown:
		d += "  ready in " + harvest.TimeUntilComplete(t.Tranche, t.now).Round(time.Second).String()
	case model.StatusError, model.StatusStopped:
		if t.LastError != "" {
			d += "  " + t.LastError
		}
	}
	return d
}

func tranchesToItems(tranches []model.Tranche, now time.Time) []list.Item {
	items := make([]list.Item, len(tranches))
	for i, t := range tranches {
		items[i] = trancheItem{Tranche: t, now: now}
	}
	return items
}

func tranchesFooter() string {
	return footerStyle.Render("enter: start  x: stop  i: items  c: classify  f: file  D: delete  R: reset  q: quit")
}

// formatETA renders a remaining duration as 1h02m or 4m05s.
func formatETA(d time.Duration) string {
	if d <= 0 {
		return "done"
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}
