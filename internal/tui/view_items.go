package tui

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/bubbles/list"

	"sortbox/internal/model"
)

// itemItem wraps a harvested message for the list display.
type itemItem struct {
	model.EnrichedItem
}

func (m itemItem) FilterValue() string { return m.Subject + " " + m.Sender }
func (m itemItem) Title() string {
	if m.Processed {
		return "✓ " + m.Subject
	}
	return m.Subject
}
func (m itemItem) Description() string {
	d := fmt.Sprintf("From: %s", m.Sender)
	if !m.ReceivedAt.IsZero() {
		d += "  Date: " + m.ReceivedAt.Format("Jan 2, 2006")
	}
	if m.Analysis != nil {
		d += fmt.Sprintf("  → %s (%s)", m.Analysis.SuggestedFolder, m.Analysis.Category)
	}
	return d
}

func itemsFooter() string {
	return footerStyle.Render("enter: view body  c: classify  f: file  esc: back  q: quit")
}

// sortedItems returns items newest first as list items.
func sortedItems(items []model.EnrichedItem) []list.Item {
	sorted := make([]model.EnrichedItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReceivedAt.After(sorted[j].ReceivedAt)
	})
	out := make([]list.Item, len(sorted))
	for i, it := range sorted {
		out[i] = itemItem{it}
	}
	return out
}
