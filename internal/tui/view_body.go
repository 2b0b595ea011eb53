package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"sortbox/internal/model"
)

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("39")).
	PaddingBottom(1)

func bodyHeader(it model.EnrichedItem) string {
	date := ""
	if !it.ReceivedAt.IsZero() {
		date = it.ReceivedAt.Format("Jan 2, 2006 15:04")
	}
	h := fmt.Sprintf("From: %s\nSubject: %s\nDate: %s", it.Sender, it.Subject, date)
	if it.Analysis != nil {
		h += fmt.Sprintf("\nFolder: %s  Tags: %v\n%s", it.Analysis.SuggestedFolder, it.Analysis.Tags, it.Analysis.Summary)
	}
	return headerStyle.Render(h)
}

func bodyFooter(hasWeb bool) string {
	if hasWeb {
		return footerStyle.Render("o: open in browser  esc: back  q: quit")
	}
	return footerStyle.Render("esc: back  q: quit")
}
