package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"

	"sortbox/internal/harvest"
	"sortbox/internal/model"
)

var statusColors = map[model.Status]*color.Color{
	model.StatusPending:   color.New(color.FgWhite),
	model.StatusRunning:   color.New(color.FgCyan, color.Bold),
	model.StatusStopped:   color.New(color.FgYellow),
	model.StatusCooldown:  color.New(color.FgMagenta),
	model.StatusCompleted: color.New(color.FgGreen),
	model.StatusError:     color.New(color.FgRed, color.Bold),
}

func runStatus(cfgPath string) error {
	e, err := openEnv(cfgPath)
	if err != nil {
		return err
	}
	defer e.Close()

	tranches, total, err := e.store.Snapshot(context.Background())
	if err != nil {
		return err
	}
	printStatus(os.Stdout, tranches, total, e.cfg.Harvest.SecondsPerItem, time.Now())
	return nil
}

func printStatus(w io.Writer, tranches []model.Tranche, total int, secondsPerItem float64, now time.Time) {
	if len(tranches) == 0 {
		fmt.Fprintln(w, "No tranches yet. Run sortbox to connect a mailbox.")
		return
	}
	bold := color.New(color.Bold)
	bold.Fprintf(w, "%-8s %-10s %-14s %-10s %s\n", "TRANCHE", "STATUS", "MESSAGES", "FETCHED", "NOTE")
	for _, t := range tranches {
		c, ok := statusColors[t.Status]
		if !ok {
			c = color.New(color.Reset)
		}
		note := t.LastError
		if t.Status == model.StatusCooldown {
			note = "ready in " + harvest.TimeUntilComplete(t, now).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%-8d %s %-14s %-10s %s\n",
			t.ID,
			c.Sprintf("%-10s", t.Status),
			fmt.Sprintf("%d-%d", t.StartIndex+1, t.StartIndex+t.TotalToFetch),
			fmt.Sprintf("%d/%d", t.FetchedCount, t.TotalToFetch),
			note)
	}

	p := harvest.ComputeProgress(tranches, total, secondsPerItem)
	fmt.Fprintln(w)
	bold.Fprintf(w, "%d%% complete", p.PercentComplete)
	fmt.Fprintf(w, "  %d of %d messages", p.TotalFetched, p.TotalItems)
	if p.EstimatedRemaining > 0 {
		fmt.Fprintf(w, ", about %s left", p.EstimatedRemaining.Round(time.Second))
	}
	fmt.Fprintln(w)
}
